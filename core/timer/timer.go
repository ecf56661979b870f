// File: core/timer/timer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Countdown and interval timers backed by OS timer descriptors. Each timer is
// registered with the reactor like any socket; when it becomes readable the
// worker that wins the event consumes the expiry counter and the manager
// dispatches on the timer's payload kind.

package timer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-chat/reactor"
)

// ErrCancelled is returned by operations on a cancelled timer.
var ErrCancelled = errors.New("timer: cancelled")

// Kind tags the payload a timer carries.
type Kind uint8

const (
	KindSession Kind = iota + 1
	KindUploadToken
)

func (k Kind) String() string {
	switch k {
	case KindSession:
		return "session"
	case KindUploadToken:
		return "upload_token"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Payload is the tagged value a timer carries. Its kind selects the expiry
// handler.
type Payload interface {
	TimerKind() Kind
}

// Handler processes one expiry. StatusClose releases the timer.
type Handler func(t *Timer) reactor.Status

// Timer wraps one OS timer descriptor.
type Timer struct {
	mu          sync.Mutex
	fd          int
	period      time.Duration
	once        bool
	payload     Payload
	expirations uint64
	reg         *reactor.Registration
	mgr         *Manager
	closed      atomic.Bool
}

// Fd returns the timer descriptor.
func (t *Timer) Fd() int { return t.fd }

// Kind returns the payload tag.
func (t *Timer) Kind() Kind { return t.payload.TimerKind() }

// Payload returns the value the timer was armed for.
func (t *Timer) Payload() Payload { return t.payload }

// Once reports whether the timer fires a single time.
func (t *Timer) Once() bool { return t.once }

// Expirations returns the accumulated expiry count.
func (t *Timer) Expirations() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expirations
}

// Cancelled reports whether the timer has been released.
func (t *Timer) Cancelled() bool { return t.closed.Load() }

// Reset re-arms the countdown with a new period without recreating the
// descriptor.
func (t *Timer) Reset(d time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return ErrCancelled
	}
	if err := setTimerFD(t.fd, d, t.once); err != nil {
		return err
	}
	t.period = d
	return nil
}

// Remaining returns the time left before the next expiry.
func (t *Timer) Remaining() (time.Duration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return 0, ErrCancelled
	}
	return getTimerFD(t.fd)
}

// Cancel deregisters and closes the timer. Only the first call has an
// effect; it reports whether this call released the timer.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed.CompareAndSwap(false, true) {
		return false
	}
	if t.reg != nil {
		if err := t.mgr.r.Deregister(t.reg); err != nil {
			t.mgr.log.Warn().Err(err).Int("fd", t.fd).Msg("timer deregister")
		}
	}
	if err := closeTimerFD(t.fd); err != nil {
		t.mgr.log.Error().Err(err).Int("fd", t.fd).Msg("close timer fd")
	}
	t.mgr.active.Add(-1)
	t.mgr.log.Trace().Int("fd", t.fd).Stringer("kind", t.Kind()).Msg("timer released")
	return true
}

// OnRead consumes the expiry counter and dispatches to the handler bound to
// the payload kind.
func (t *Timer) OnRead() reactor.Status {
	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		return reactor.StatusClose
	}
	n, err := readTimerFD(t.fd)
	if err != nil {
		t.mu.Unlock()
		t.mgr.log.Error().Err(err).Int("fd", t.fd).Msg("read timer fd")
		return reactor.StatusError
	}
	t.expirations += n
	t.mu.Unlock()

	h, ok := t.mgr.handler(t.Kind())
	if !ok {
		t.mgr.log.Warn().Stringer("kind", t.Kind()).Msg("no handler for timer kind")
		return reactor.StatusError
	}
	st := h(t)
	if t.once && st == reactor.StatusOK {
		st = reactor.StatusClose
	}
	return st
}

// OnClose releases the timer after its handler asked for teardown.
func (t *Timer) OnClose() {
	t.Cancel()
}

// Manager creates timers on a reactor and owns the per-kind handlers.
type Manager struct {
	r        reactor.Registrar
	mu       sync.RWMutex
	handlers map[Kind]Handler
	active   atomic.Int64
	log      zerolog.Logger
}

// NewManager binds a timer manager to a reactor.
func NewManager(r reactor.Registrar, log zerolog.Logger) *Manager {
	return &Manager{
		r:        r,
		handlers: make(map[Kind]Handler),
		log:      log.With().Str("component", "timer").Logger(),
	}
}

// Handle binds the expiry handler for kind.
func (m *Manager) Handle(kind Kind, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = h
}

func (m *Manager) handler(kind Kind) (Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[kind]
	return h, ok
}

// Active returns the number of live timers.
func (m *Manager) Active() int64 { return m.active.Load() }

// Add arms a new timer firing after d, then every d unless once is set.
func (m *Manager) Add(d time.Duration, once bool, p Payload) (*Timer, error) {
	if p == nil || d <= 0 {
		return nil, fmt.Errorf("timer: invalid arguments (d=%s)", d)
	}
	fd, err := newTimerFD()
	if err != nil {
		return nil, err
	}
	t := &Timer{fd: fd, period: d, once: once, payload: p, mgr: m}
	if err := setTimerFD(fd, d, once); err != nil {
		closeTimerFD(fd)
		return nil, err
	}
	// Hold the timer until reg is set; a short period can fire before
	// Register returns.
	t.mu.Lock()
	reg, err := m.r.Register(fd, t)
	if err != nil {
		t.mu.Unlock()
		closeTimerFD(fd)
		return nil, err
	}
	t.reg = reg
	t.mu.Unlock()
	m.active.Add(1)
	m.log.Debug().Dur("period", d).Bool("once", once).Stringer("kind", p.TimerKind()).Msg("new timer")
	return t, nil
}
