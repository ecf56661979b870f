package db

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func stubConn() *Conn {
	return &Conn{log: zerolog.Nop()}
}

func TestPipeline_ShortCircuit(t *testing.T) {
	c := stubConn()
	boom := errors.New("connection reset")

	var wrote bool
	var sawStatus Status
	var secondQueried bool

	first := NewCommand("insert_userfile", func(context.Context, *Conn, *Command) (any, error) {
		return nil, boom
	})
	second := NewCommand("userfile_refcount", func(context.Context, *Conn, *Command) (any, error) {
		secondQueried = true
		return int64(1), nil
	}).WithExec(func(cmd *Command) {
		sawStatus = cmd.Status
		if cmd.Failed() {
			return
		}
		wrote = true
	})

	if c.Submit(context.Background(), NewChain(first, second)) {
		t.Fatal("Submit reported success for a failing chain")
	}
	if secondQueried {
		t.Error("downstream query ran after a failed link")
	}
	if sawStatus != StatusAsyncError {
		t.Errorf("second link saw status %s", sawStatus)
	}
	if wrote {
		t.Error("side effect performed after async error")
	}
	if !errors.Is(second.Err, boom) {
		t.Errorf("second.Err = %v, want wrapped %v", second.Err, boom)
	}
}

func TestPipeline_OrderAndPrev(t *testing.T) {
	c := stubConn()
	var order []string

	a := NewCommand("a", func(_ context.Context, _ *Conn, prev *Command) (any, error) {
		if prev != nil {
			t.Error("first link has a predecessor")
		}
		order = append(order, "qa")
		return 1, nil
	}).WithExec(func(*Command) { order = append(order, "ea") })

	b := NewCommand("b", func(_ context.Context, _ *Conn, prev *Command) (any, error) {
		order = append(order, "qb")
		return prev.Data.(int) + 1, nil
	}).WithExec(func(cmd *Command) {
		order = append(order, "eb")
		if cmd.Prev().Name != "a" {
			t.Errorf("prev = %s", cmd.Prev().Name)
		}
		if cmd.Data.(int) != 2 {
			t.Errorf("data = %v", cmd.Data)
		}
	})

	ch := NewChain(a).Then(b).Then(Do("c", func(*Command) { order = append(order, "ec") }))
	if ch.Len() != 3 {
		t.Fatalf("Len = %d", ch.Len())
	}
	if !c.Submit(context.Background(), ch) {
		t.Fatal("Submit failed")
	}
	want := []string{"qa", "ea", "qb", "eb", "ec"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestPipeline_CleanupRunsAfterFailure(t *testing.T) {
	c := stubConn()
	var cleaned bool
	var observed []Status
	c.observe = func(_ string, st Status) { observed = append(observed, st) }

	ch := NewChain(
		NewCommand("insert_msg", func(context.Context, *Conn, *Command) (any, error) {
			return nil, errors.New("disk full")
		}),
		Do("cleanup", func(*Command) { cleaned = true }),
	)
	c.Submit(context.Background(), ch)
	if !cleaned {
		t.Error("cleanup link skipped")
	}
	if len(observed) != 2 || observed[0] != StatusAsyncError || observed[1] != StatusAsyncError {
		t.Errorf("observed = %v", observed)
	}
}

func TestPipeline_PayloadMove(t *testing.T) {
	c := stubConn()
	body := []byte("image bytes")
	var got []byte

	cmd := Do("write", func(cmd *Command) {
		got, _ = cmd.TakePayload().([]byte)
		if cmd.TakePayload() != nil {
			t.Error("payload handed out twice")
		}
	}).WithPayload(body)

	c.Run(context.Background(), cmd)
	if string(got) != "image bytes" {
		t.Errorf("payload = %q", got)
	}
}

func TestPipeline_ExecPanicMarksFailure(t *testing.T) {
	c := stubConn()
	var after Status
	ch := NewChain(
		Do("explode", func(*Command) { panic("bad") }),
		Do("after", func(cmd *Command) { after = cmd.Status }),
	)
	if c.Submit(context.Background(), ch) {
		t.Error("Submit succeeded after continuation panic")
	}
	if after != StatusAsyncError {
		t.Errorf("after status = %s", after)
	}
}
