// File: server/worker.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Worker threads. Every worker blocks on the shared reactor, handles exactly
// one ready registration at a time and owns its own database connection, so
// a slow query stalls only the client that issued it.

package server

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-chat/control"
	"github.com/momentics/hioload-chat/core/concurrency"
	"github.com/momentics/hioload-chat/core/timer"
	"github.com/momentics/hioload-chat/db"
	"github.com/momentics/hioload-chat/reactor"
)

type worker struct {
	id  int
	srv *Server
	db  *db.Conn
	ctx context.Context
	log zerolog.Logger
}

func newWorker(ctx context.Context, id int, s *Server) (*worker, error) {
	log := s.log.With().Int("worker", id).Logger()
	conn, err := db.Open(ctx, db.DSN(s.cfg.Database.Name), s.cmds, log,
		db.WithObserver(func(name string, st db.Status) {
			s.metrics.Pipeline(name, st.String())
		}))
	if err != nil {
		return nil, fmt.Errorf("worker %d: %w", id, err)
	}
	return &worker{id: id, srv: s, db: conn, ctx: ctx, log: log}, nil
}

func (w *worker) close() {
	if err := w.db.Close(); err != nil {
		w.log.Warn().Err(err).Msg("close db")
	}
}

// run is the event loop. It returns nil once the reactor is woken for
// shutdown or closed.
func (w *worker) run(ctx context.Context) error {
	w.ctx = ctx
	if w.srv.cfg.Pin {
		if err := concurrency.PinCurrentThread(w.id); err != nil {
			w.log.Warn().Err(err).Msg("cpu pin")
		}
	} else {
		runtime.LockOSThread()
	}
	defer runtime.UnlockOSThread()

	w.log.Debug().Msg("worker started")
	defer w.log.Debug().Msg("worker stopped")

	for {
		reg, err := w.srv.reactor.Wait()
		switch {
		case errors.Is(err, reactor.ErrWoken):
			if w.srv.closing.Load() || ctx.Err() != nil {
				return nil
			}
			continue
		case errors.Is(err, reactor.ErrClosed):
			return nil
		case err != nil:
			return err
		}
		w.dispatch(reg)
	}
}

func (w *worker) dispatch(reg *reactor.Registration) {
	st := w.handle(reg)
	w.srv.runDeferred(w.ctx, w.db)
	if st == reactor.StatusOK {
		err := w.srv.reactor.Rearm(reg)
		if err == nil || errors.Is(err, reactor.ErrNotRegistered) {
			return
		}
		w.log.Error().Err(err).Int("fd", reg.Fd).Msg("rearm")
		st = reactor.StatusError
	}
	if st == reactor.StatusError {
		w.log.Debug().Int("fd", reg.Fd).Msg("handler error, closing")
	}
	w.teardown(reg)
}

// handle runs the read handler; a panic counts as StatusError.
func (w *worker) handle(reg *reactor.Registration) (st reactor.Status) {
	var panicked bool
	defer func() {
		if panicked {
			w.srv.metrics.WorkerPanic()
			st = reactor.StatusError
		}
	}()
	defer control.RecoverPanic(w.log, "event handler panic", &panicked)

	switch d := reg.Data.(type) {
	case *event:
		return d.onRead(w, d)
	case *timer.Timer:
		return d.OnRead()
	}
	w.log.Error().Int("fd", reg.Fd).Type("data", reg.Data).Msg("unknown registration")
	return reactor.StatusError
}

// teardown deregisters before the close handler so the descriptor is out of
// epoll before it can be closed and reused.
func (w *worker) teardown(reg *reactor.Registration) {
	defer control.RecoverPanic(w.log, "close handler panic", nil)

	switch d := reg.Data.(type) {
	case *event:
		if err := w.srv.reactor.Deregister(reg); err != nil {
			w.log.Warn().Err(err).Int("fd", reg.Fd).Msg("deregister")
		}
		if d.onClose != nil {
			d.onClose(w, d)
		}
	case *timer.Timer:
		d.OnClose()
	default:
		w.srv.reactor.Deregister(reg)
	}
}
