// File: internal/upload/store.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Token table. Every token is bound to a one-shot timer; whichever comes
// first, expiry or redemption, deletes it, and deletion happens once.

package upload

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-chat/core/concurrency"
	"github.com/momentics/hioload-chat/core/timer"
	"github.com/momentics/hioload-chat/db"
	"github.com/momentics/hioload-chat/reactor"
)

// DefaultTimeout bounds how long a token stays redeemable.
const DefaultTimeout = 30 * time.Second

// Lifecycle events reported to the observer.
const (
	EventMinted   = "minted"
	EventExpired  = "expired"
	EventConsumed = "consumed"
)

// Store holds live tokens.
type Store struct {
	table     *concurrency.Table[Token]
	timers    *timer.Manager
	timeout   time.Duration
	observe   func(event string)
	onAbandon func(parts []string)
	log       zerolog.Logger
}

// NewStore binds the token expiry handler on timers. observe may be nil.
func NewStore(timers *timer.Manager, timeout time.Duration, observe func(string), log zerolog.Logger) *Store {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s := &Store{
		table:   concurrency.NewTable[Token](concurrency.DefaultTableSize),
		timers:  timers,
		timeout: timeout,
		observe: observe,
		log:     log.With().Str("component", "upload").Logger(),
	}
	timers.Handle(timer.KindUploadToken, s.expire)
	return s
}

// OnAbandon installs the hook that receives the file hashes already stored
// for an attachment token that is deleted before its message completed. It
// runs on the deleting goroutine and must not block. Call it before the
// first token is minted.
func (s *Store) OnAbandon(fn func(parts []string)) {
	s.onAbandon = fn
}

// NewProfilePicture mints a token for replacing userID's picture.
func (s *Store) NewProfilePicture(userID uint32) (*Token, error) {
	return s.mint(ProfilePicture{UserID: userID})
}

// NewAttachment mints a token collecting total files for msg. The token
// takes ownership of msg.
func (s *Store) NewAttachment(msg *db.Message, total int) (*Token, error) {
	if total <= 0 {
		return nil, fmt.Errorf("%w: %d attachments", ErrBadIndex, total)
	}
	msg.Attachments = make([]string, total)
	return s.mint(&Attachment{msg: msg, total: total})
}

func (s *Store) mint(c Claim) (*Token, error) {
	tok := &Token{claim: c}
	for {
		tok.id = randomID()
		if tok.id != 0 && s.table.Insert(uint64(tok.id), tok) {
			break
		}
	}
	// The timer fires on another worker; hold the token until it is bound.
	tok.mu.Lock()
	t, err := s.timers.Add(s.timeout, true, tok)
	if err != nil {
		tok.mu.Unlock()
		s.table.Take(uint64(tok.id))
		return nil, fmt.Errorf("arm upload token: %w", err)
	}
	tok.timer = t
	tok.mu.Unlock()

	s.emit(EventMinted)
	s.log.Debug().Uint32("token", tok.id).Type("claim", c).Msg("upload token minted")
	return tok, nil
}

func randomID() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("upload: entropy: %v", err))
	}
	return binary.LittleEndian.Uint32(b[:])
}

// Resolve maps an Upload-Token header to its live token. A finished token
// stops resolving at once, before its timer retires it.
func (s *Store) Resolve(header string) (*Token, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(header), 10, 32)
	if err != nil || id == 0 {
		return nil, fmt.Errorf("%w: %q", ErrBadToken, header)
	}
	tok, ok := s.table.Get(id)
	if !ok || uint64(tok.id) != id || tok.Deleted() || tok.finished.Load() {
		return nil, fmt.Errorf("%w: %d", ErrBadToken, id)
	}
	return tok, nil
}

// Delete removes tok and cancels its timer. Only the first call, from any
// path, has an effect.
func (s *Store) Delete(tok *Token) bool {
	if !tok.deleted.CompareAndSwap(false, true) {
		return false
	}
	tok.mu.Lock()
	t := tok.timer
	tok.timer = nil
	tok.mu.Unlock()
	if t != nil {
		t.Cancel()
	}
	s.table.Take(uint64(tok.id))
	s.abandon(tok)
	s.emit(EventConsumed)
	return true
}

// Finish retires a completed token through its own timer, so removal runs
// on the expiry path. It falls back to Delete when the timer is gone.
func (s *Store) Finish(tok *Token) {
	tok.finished.Store(true)
	tok.mu.Lock()
	t := tok.timer
	tok.mu.Unlock()
	if t == nil || t.Reset(time.Nanosecond) != nil {
		s.Delete(tok)
	}
}

// expire runs on the worker that won the timer event. The firing timer is
// released by the reactor path after this returns StatusClose.
func (s *Store) expire(t *timer.Timer) reactor.Status {
	tok, ok := t.Payload().(*Token)
	if !ok {
		return reactor.StatusError
	}
	tok.mu.Lock()
	if tok.timer != t {
		tok.mu.Unlock()
		return reactor.StatusClose
	}
	tok.timer = nil
	tok.mu.Unlock()

	if !tok.deleted.CompareAndSwap(false, true) {
		return reactor.StatusClose
	}
	s.table.Take(uint64(tok.id))
	if tok.finished.Load() {
		s.emit(EventConsumed)
		return reactor.StatusClose
	}
	s.abandon(tok)
	s.emit(EventExpired)
	s.log.Debug().Uint32("token", tok.id).Msg("upload token expired")
	return reactor.StatusClose
}

// abandon hands the parts of an unfinished attachment to the hook.
func (s *Store) abandon(tok *Token) {
	att, ok := tok.claim.(*Attachment)
	if !ok || tok.finished.Load() {
		return
	}
	parts := att.abandon()
	if len(parts) == 0 || s.onAbandon == nil {
		return
	}
	s.log.Debug().Uint32("token", tok.id).Int("parts", len(parts)).Msg("attachment abandoned")
	s.onAbandon(parts)
}

func (s *Store) emit(ev string) {
	if s.observe != nil {
		s.observe(ev)
	}
}

// Len returns the number of live tokens.
func (s *Store) Len() int { return s.table.Len() }

// Close deletes every remaining token.
func (s *Store) Close() {
	var all []*Token
	s.table.Range(func(_ uint64, tok *Token) bool {
		all = append(all, tok)
		return true
	})
	for _, tok := range all {
		s.Delete(tok)
	}
}
