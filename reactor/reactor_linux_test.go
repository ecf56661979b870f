//go:build linux

package reactor

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

func newPipe(t *testing.T) (rd, wr int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestReactor_OneShotDelivery(t *testing.T) {
	r, err := New(zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	rd, wr := newPipe(t)
	reg, err := r.Register(rd, "pipe")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	var hits atomic.Int32
	delivered := make(chan *Registration, 8)
	var woken atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, err := r.Wait()
				if errors.Is(err, ErrWoken) {
					woken.Add(1)
					return
				}
				if err != nil {
					return
				}
				hits.Add(1)
				delivered <- got
			}
		}()
	}

	unix.Write(wr, []byte{'x'})
	select {
	case got := <-delivered:
		if got != reg || got.Data.(string) != "pipe" {
			t.Fatalf("unexpected registration %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}

	// The byte is still unread, but the one-shot interest is spent.
	unix.Write(wr, []byte{'y'})
	time.Sleep(100 * time.Millisecond)
	if n := hits.Load(); n != 1 {
		t.Fatalf("delivered %d times without rearm, want 1", n)
	}

	if err := r.Rearm(reg); err != nil {
		t.Fatalf("Rearm: %v", err)
	}
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery after rearm")
	}
	time.Sleep(50 * time.Millisecond)
	if n := hits.Load(); n != 2 {
		t.Fatalf("hits = %d after rearm, want 2", n)
	}

	if err := r.Wake(); err != nil {
		t.Fatalf("Wake: %v", err)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers not woken")
	}
	if woken.Load() != 4 {
		t.Errorf("woken = %d, want 4", woken.Load())
	}
}

func TestReactor_Deregister(t *testing.T) {
	r, err := New(zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	rd, _ := newPipe(t)
	reg, err := r.Register(rd, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Register(rd, nil); err == nil {
		t.Error("double registration accepted")
	}
	if _, ok := r.Lookup(rd); !ok {
		t.Error("Lookup missed registered fd")
	}
	if err := r.Deregister(reg); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if err := r.Deregister(reg); err != nil {
		t.Errorf("second Deregister: %v", err)
	}
	if _, ok := r.Lookup(rd); ok {
		t.Error("Lookup found deregistered fd")
	}
	if err := r.Rearm(reg); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Rearm after Deregister = %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d", r.Len())
	}
}
