// File: server/deferred.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Chains produced outside any worker's reach, such as file releases of an
// expired upload, wait here until the next worker finishes an event and runs
// them on its own connection.

package server

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-chat/db"
)

type deferred struct {
	mu sync.Mutex
	q  *queue.Queue
	n  atomic.Int64
}

func newDeferred() *deferred {
	return &deferred{q: queue.New()}
}

func (d *deferred) push(ch *db.Chain) {
	d.mu.Lock()
	d.q.Add(ch)
	d.mu.Unlock()
	d.n.Add(1)
}

func (d *deferred) pop() (*db.Chain, bool) {
	if d.n.Load() == 0 {
		return nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.q.Length() == 0 {
		return nil, false
	}
	d.n.Add(-1)
	return d.q.Remove().(*db.Chain), true
}

// runDeferred submits every queued chain on c.
func (s *Server) runDeferred(ctx context.Context, c *db.Conn) {
	for {
		ch, ok := s.later.pop()
		if !ok {
			return
		}
		c.Submit(ctx, ch)
	}
}

// abandonParts drops the references an unfinished attachment held.
func (s *Server) abandonParts(parts []string) {
	for _, h := range parts {
		s.later.push(s.files.Release(h))
	}
}
