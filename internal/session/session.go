// File: internal/session/session.go
// Package session keeps logged-in identities alive across reconnects.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A session outlives its client. When the last client detaches an expiry
// timer is armed; resuming the session before it fires disarms it.

package session

import (
	"strconv"
	"sync"

	"github.com/momentics/hioload-chat/core/timer"
)

// Session is one logged-in identity.
type Session struct {
	id     uint64
	userID uint32

	mu       sync.Mutex
	timer    *timer.Timer
	attached int
	dead     bool
}

// ID returns the table key.
func (s *Session) ID() uint64 { return s.id }

// Token renders the id the way clients present it.
func (s *Session) Token() string { return strconv.FormatUint(s.id, 10) }

// UserID returns the owning user.
func (s *Session) UserID() uint32 { return s.userID }

// TimerKind tags session expiry timers.
func (s *Session) TimerKind() timer.Kind { return timer.KindSession }

// Expiring reports whether an expiry timer is armed.
func (s *Session) Expiring() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Attached returns the number of clients using the session.
func (s *Session) Attached() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

// ParseToken is the inverse of Token.
func ParseToken(tok string) (uint64, error) {
	return strconv.ParseUint(tok, 10, 64)
}
