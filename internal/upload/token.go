// File: internal/upload/token.go
// Package upload implements upload tokens: short-lived capabilities minted on
// the WebSocket channel and redeemed by HTTP POSTs carrying file bodies.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package upload

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-chat/core/timer"
	"github.com/momentics/hioload-chat/db"
)

var (
	ErrBadToken      = errors.New("upload: invalid token")
	ErrBadIndex      = errors.New("upload: invalid attachment index")
	ErrDuplicatePart = errors.New("upload: attachment already received")
	ErrAbandoned     = errors.New("upload: attachment abandoned")
)

// Claim is what a token grants. It is either ProfilePicture or *Attachment.
type Claim interface {
	claim()
}

// ProfilePicture lets the holder replace a user's picture once.
type ProfilePicture struct {
	UserID uint32
}

func (ProfilePicture) claim() {}

// Attachment collects the files of a message before it is stored.
type Attachment struct {
	mu        sync.Mutex
	msg       *db.Message
	total     int
	received  int
	abandoned bool
}

func (*Attachment) claim() {}

// Message returns the pending message.
func (a *Attachment) Message() *db.Message { return a.msg }

// Total returns the expected number of files.
func (a *Attachment) Total() int { return a.total }

// Received returns the number of files stored so far.
func (a *Attachment) Received() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.received
}

// CheckIndex validates an Attach-Index header value.
func (a *Attachment) CheckIndex(raw string) (int, error) {
	idx, err := strconv.Atoi(raw)
	if err != nil || idx < 0 || idx >= a.total {
		return 0, fmt.Errorf("%w: %q", ErrBadIndex, raw)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.abandoned {
		return 0, ErrAbandoned
	}
	if a.msg.Attachments[idx] != "" {
		return 0, fmt.Errorf("%w: %d", ErrDuplicatePart, idx)
	}
	return idx, nil
}

// Receive records the stored file for slot idx and reports whether every
// file has now arrived.
func (a *Attachment) Receive(idx int, hash string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.abandoned {
		return false, ErrAbandoned
	}
	if idx < 0 || idx >= a.total {
		return false, fmt.Errorf("%w: %d", ErrBadIndex, idx)
	}
	if a.msg.Attachments[idx] != "" {
		return false, fmt.Errorf("%w: %d", ErrDuplicatePart, idx)
	}
	a.msg.Attachments[idx] = hash
	a.received++
	return a.received == a.total, nil
}

// abandon gives up an incomplete message and returns the hashes stored for
// it so far. Later parts are refused. A complete message belongs to whoever
// stores it, so abandon returns nothing then.
func (a *Attachment) abandon() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.abandoned || a.received == a.total {
		return nil
	}
	a.abandoned = true
	var parts []string
	for _, h := range a.msg.Attachments {
		if h != "" {
			parts = append(parts, h)
		}
	}
	return parts
}

// Token is one live capability.
type Token struct {
	id    uint32
	claim Claim

	mu       sync.Mutex
	timer    *timer.Timer
	deleted  atomic.Bool
	finished atomic.Bool
}

// ID returns the value clients send in Upload-Token.
func (t *Token) ID() uint32 { return t.id }

// String renders the header value.
func (t *Token) String() string { return strconv.FormatUint(uint64(t.id), 10) }

// Claim returns what the token grants.
func (t *Token) Claim() Claim { return t.claim }

// Deleted reports whether the token has been removed.
func (t *Token) Deleted() bool { return t.deleted.Load() }

// Armed reports whether the expiry timer is still bound.
func (t *Token) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

// TimerKind tags token expiry timers.
func (t *Token) TimerKind() timer.Kind { return timer.KindUploadToken }
