// File: internal/session/store.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package session

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-chat/api"
	"github.com/momentics/hioload-chat/core/concurrency"
	"github.com/momentics/hioload-chat/core/timer"
	"github.com/momentics/hioload-chat/reactor"
)

// DefaultTimeout is how long a session survives with no client attached.
const DefaultTimeout = 30 * time.Minute

// Store indexes sessions by id.
type Store struct {
	table   *concurrency.Table[Session]
	timers  *timer.Manager
	timeout time.Duration
	onExp   func(*Session)
	log     zerolog.Logger
}

// NewStore binds the session expiry handler on timers. onExpire may be nil.
func NewStore(timers *timer.Manager, timeout time.Duration, onExpire func(*Session), log zerolog.Logger) *Store {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s := &Store{
		table:   concurrency.NewTable[Session](concurrency.DefaultTableSize),
		timers:  timers,
		timeout: timeout,
		onExp:   onExpire,
		log:     log.With().Str("component", "session").Logger(),
	}
	timers.Handle(timer.KindSession, s.expire)
	return s
}

func randomID() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("session: entropy: %v", err))
	}
	return binary.LittleEndian.Uint64(b[:])
}

// Create opens a session for userID with one client attached.
func (s *Store) Create(userID uint32) *Session {
	for {
		sess := &Session{id: randomID(), userID: userID, attached: 1}
		if sess.id != 0 && s.table.Insert(sess.id, sess) {
			s.log.Debug().Uint64("session", sess.id).Uint32("user_id", userID).Msg("session created")
			return sess
		}
	}
}

// Get looks a session up without attaching to it.
func (s *Store) Get(id uint64) (*Session, bool) {
	return s.table.Get(id)
}

// Attach resumes a session and disarms its pending expiry.
func (s *Store) Attach(id uint64) (*Session, error) {
	sess, ok := s.table.Get(id)
	if !ok {
		return nil, api.ErrNotFound
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.dead {
		return nil, api.ErrNotFound
	}
	if sess.timer != nil {
		sess.timer.Cancel()
		sess.timer = nil
	}
	sess.attached++
	return sess, nil
}

// Detach drops one client. The last detach arms the expiry timer unless one
// is already armed.
func (s *Store) Detach(sess *Session) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.dead {
		return nil
	}
	if sess.attached > 0 {
		sess.attached--
	}
	if sess.attached > 0 || sess.timer != nil {
		return nil
	}
	t, err := s.timers.Add(s.timeout, true, sess)
	if err != nil {
		return fmt.Errorf("arm session expiry: %w", err)
	}
	sess.timer = t
	return nil
}

// Delete removes the session once and cancels a pending expiry.
func (s *Store) Delete(sess *Session) bool {
	sess.mu.Lock()
	if sess.dead {
		sess.mu.Unlock()
		return false
	}
	sess.dead = true
	t := sess.timer
	sess.timer = nil
	sess.mu.Unlock()

	if t != nil {
		t.Cancel()
	}
	s.table.Take(sess.id)
	return true
}

// expire runs on the worker that won the timer event.
func (s *Store) expire(t *timer.Timer) reactor.Status {
	sess, ok := t.Payload().(*Session)
	if !ok {
		return reactor.StatusError
	}
	sess.mu.Lock()
	if sess.timer != t || sess.dead {
		// Resumed or deleted while the event was in flight.
		sess.mu.Unlock()
		return reactor.StatusClose
	}
	sess.timer = nil
	sess.dead = true
	sess.mu.Unlock()

	s.table.Take(sess.id)
	s.log.Debug().Uint64("session", sess.id).Uint32("user_id", sess.userID).Msg("session expired")
	if s.onExp != nil {
		s.onExp(sess)
	}
	return reactor.StatusClose
}

// Len returns the number of live sessions.
func (s *Store) Len() int { return s.table.Len() }

// Close deletes every session.
func (s *Store) Close() {
	var all []*Session
	s.table.Range(func(_ uint64, v *Session) bool {
		all = append(all, v)
		return true
	})
	for _, sess := range all {
		s.Delete(sess)
	}
}
