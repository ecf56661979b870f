//go:build linux

package upload

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-chat/core/timer"
	"github.com/momentics/hioload-chat/db"
	"github.com/momentics/hioload-chat/reactor"
)

type events struct {
	mu  sync.Mutex
	got map[string]int
}

func (e *events) observe(ev string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got[ev]++
}

func (e *events) count(ev string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.got[ev]
}

func newStore(t *testing.T, timeout time.Duration) (*Store, *timer.Manager, *events) {
	t.Helper()
	r, err := reactor.New(zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	m := timer.NewManager(r, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			reg, err := r.Wait()
			if err != nil {
				return
			}
			tm := reg.Data.(*timer.Timer)
			if tm.OnRead() == reactor.StatusOK {
				r.Rearm(reg)
			} else {
				tm.OnClose()
			}
		}
	}()
	t.Cleanup(func() {
		r.Wake()
		<-done
		r.Close()
	})
	ev := &events{got: map[string]int{}}
	return NewStore(m, timeout, ev.observe, zerolog.Nop()), m, ev
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTokenExpires(t *testing.T) {
	s, m, ev := newStore(t, 20*time.Millisecond)
	tok, err := s.NewProfilePicture(9)
	if err != nil {
		t.Fatal(err)
	}
	if got, err := s.Resolve(tok.String()); err != nil || got != tok {
		t.Fatalf("resolve: %v", err)
	}
	waitFor(t, func() bool { return s.Len() == 0 && m.Active() == 0 })

	if !tok.Deleted() || tok.Armed() {
		t.Errorf("deleted=%v armed=%v", tok.Deleted(), tok.Armed())
	}
	if _, err := s.Resolve(tok.String()); !errors.Is(err, ErrBadToken) {
		t.Errorf("resolve after expiry: %v", err)
	}
	if s.Delete(tok) {
		t.Error("delete after expiry succeeded")
	}
	if ev.count(EventExpired) != 1 || ev.count(EventConsumed) != 0 {
		t.Errorf("events = %v", ev.got)
	}
}

func TestTokenConsumedOnce(t *testing.T) {
	s, m, ev := newStore(t, time.Hour)
	tok, err := s.NewProfilePicture(3)
	if err != nil {
		t.Fatal(err)
	}
	if c, ok := tok.Claim().(ProfilePicture); !ok || c.UserID != 3 {
		t.Fatalf("claim = %#v", tok.Claim())
	}
	if !s.Delete(tok) || s.Delete(tok) {
		t.Fatal("delete must succeed exactly once")
	}
	if s.Len() != 0 || m.Active() != 0 || tok.Armed() {
		t.Errorf("len=%d active=%d armed=%v", s.Len(), m.Active(), tok.Armed())
	}
	if ev.count(EventConsumed) != 1 {
		t.Errorf("events = %v", ev.got)
	}
}

func TestAttachmentCompletion(t *testing.T) {
	s, m, ev := newStore(t, time.Hour)
	msg := &db.Message{UserID: 1, GroupID: 1, Content: "pics"}
	tok, err := s.NewAttachment(msg, 2)
	if err != nil {
		t.Fatal(err)
	}
	att := tok.Claim().(*Attachment)

	for _, bad := range []string{"", "x", "-1", "2"} {
		if _, err := att.CheckIndex(bad); !errors.Is(err, ErrBadIndex) {
			t.Errorf("CheckIndex(%q) = %v", bad, err)
		}
	}
	idx, err := att.CheckIndex("1")
	if err != nil {
		t.Fatal(err)
	}
	if done, err := att.Receive(idx, "bbb"); done || err != nil {
		t.Fatalf("first part: done=%v err=%v", done, err)
	}
	if _, err := att.CheckIndex("1"); !errors.Is(err, ErrDuplicatePart) {
		t.Errorf("duplicate index: %v", err)
	}
	if done, _ := att.Receive(0, "aaa"); !done {
		t.Fatal("second part did not complete the message")
	}
	if msg.Attachments[0] != "aaa" || msg.Attachments[1] != "bbb" {
		t.Errorf("attachments = %v", msg.Attachments)
	}

	// Completion retires the token on its timer path; it stops resolving
	// before the timer fires.
	s.Finish(tok)
	if _, err := s.Resolve(tok.String()); !errors.Is(err, ErrBadToken) {
		t.Errorf("resolve after finish: %v", err)
	}
	waitFor(t, func() bool { return s.Len() == 0 && m.Active() == 0 })
	if s.Delete(tok) {
		t.Error("token deleted twice")
	}
	if ev.count(EventConsumed) != 1 || ev.count(EventExpired) != 0 {
		t.Errorf("events = %v", ev.got)
	}
}

func TestCloseDeletesAll(t *testing.T) {
	s, m, _ := newStore(t, time.Hour)
	for i := 0; i < 5; i++ {
		if _, err := s.NewProfilePicture(uint32(i + 1)); err != nil {
			t.Fatal(err)
		}
	}
	s.Close()
	if s.Len() != 0 || m.Active() != 0 {
		t.Errorf("len=%d active=%d", s.Len(), m.Active())
	}
}

func TestResolveRejectsGarbage(t *testing.T) {
	s, _, _ := newStore(t, time.Hour)
	for _, h := range []string{"", "0", "abc", "99999999999"} {
		if _, err := s.Resolve(h); !errors.Is(err, ErrBadToken) {
			t.Errorf("Resolve(%q) = %v", h, err)
		}
	}
}

type abandoned struct {
	mu    sync.Mutex
	parts []string
	calls int
}

func (a *abandoned) hook(parts []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.parts = append(a.parts, parts...)
	a.calls++
}

func (a *abandoned) snapshot() ([]string, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.parts...), a.calls
}

func TestExpiredAttachmentHandsBackParts(t *testing.T) {
	s, m, ev := newStore(t, 30*time.Millisecond)
	var got abandoned
	s.OnAbandon(got.hook)

	tok, err := s.NewAttachment(&db.Message{UserID: 1, GroupID: 1}, 3)
	if err != nil {
		t.Fatal(err)
	}
	att := tok.Claim().(*Attachment)
	if _, err := att.Receive(0, "aaa"); err != nil {
		t.Fatal(err)
	}
	if _, err := att.Receive(2, "ccc"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return s.Len() == 0 && m.Active() == 0 })

	parts, calls := got.snapshot()
	if calls != 1 || len(parts) != 2 || parts[0] != "aaa" || parts[1] != "ccc" {
		t.Errorf("abandoned parts = %v (calls %d)", parts, calls)
	}
	if _, err := att.Receive(1, "bbb"); !errors.Is(err, ErrAbandoned) {
		t.Errorf("part after expiry: %v", err)
	}
	if _, err := att.CheckIndex("1"); !errors.Is(err, ErrAbandoned) {
		t.Errorf("index after expiry: %v", err)
	}
	if ev.count(EventExpired) != 1 {
		t.Errorf("events = %v", ev.got)
	}
}

func TestCompletedAttachmentKeepsParts(t *testing.T) {
	s, m, _ := newStore(t, time.Hour)
	var got abandoned
	s.OnAbandon(got.hook)

	tok, err := s.NewAttachment(&db.Message{UserID: 1, GroupID: 1}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if done, err := tok.Claim().(*Attachment).Receive(0, "aaa"); !done || err != nil {
		t.Fatalf("receive: done=%v err=%v", done, err)
	}
	s.Finish(tok)
	waitFor(t, func() bool { return s.Len() == 0 && m.Active() == 0 })

	// An incomplete one dropped at shutdown hands back what it holds.
	pending, err := s.NewAttachment(&db.Message{UserID: 1, GroupID: 1}, 2)
	if err != nil {
		t.Fatal(err)
	}
	pending.Claim().(*Attachment).Receive(1, "bbb")
	s.Close()

	parts, calls := got.snapshot()
	if calls != 1 || len(parts) != 1 || parts[0] != "bbb" {
		t.Errorf("abandoned parts = %v (calls %d)", parts, calls)
	}
}
