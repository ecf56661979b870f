// File: server/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server owns every shared table and subsystem: the reactor, the timer
// manager, the listener, the session and upload token stores, and the
// client indexes. Workers only borrow them.

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-chat/control"
	"github.com/momentics/hioload-chat/core/concurrency"
	"github.com/momentics/hioload-chat/core/timer"
	"github.com/momentics/hioload-chat/db"
	"github.com/momentics/hioload-chat/internal/files"
	"github.com/momentics/hioload-chat/internal/session"
	"github.com/momentics/hioload-chat/internal/static"
	"github.com/momentics/hioload-chat/internal/upload"
	"github.com/momentics/hioload-chat/reactor"
	"github.com/momentics/hioload-chat/transport"
)

// ErrAlreadyRunning is returned by a second Run.
var ErrAlreadyRunning = errors.New("server already running")

// Server is one chat server instance.
type Server struct {
	cfg     *control.Config
	log     zerolog.Logger
	metrics *control.Metrics

	reactor  *reactor.Reactor
	timers   *timer.Manager
	listener *transport.Listener
	cmds     *db.Commands
	schema   *db.Conn
	files    *files.Store
	static   *static.Handler
	sessions *session.Store
	uploads  *upload.Store

	clients  *concurrency.Table[client]
	accounts *concurrency.Table[account]
	later    *deferred

	hashCost int
	running  atomic.Bool
	closing  atomic.Bool
}

// New wires every subsystem and binds the listening socket. Nothing is
// served until Run. metrics may be nil.
func New(cfg *control.Config, log zerolog.Logger, metrics *control.Metrics) (s *Server, err error) {
	s = &Server{
		cfg:      cfg,
		log:      log.With().Str("component", "server").Logger(),
		metrics:  metrics,
		clients:  concurrency.NewTable[client](concurrency.DefaultTableSize),
		accounts: concurrency.NewTable[account](concurrency.DefaultTableSize),
		later:    newDeferred(),
		hashCost: bcrypt.DefaultCost,
	}
	defer func() {
		if err != nil {
			s.release()
		}
	}()

	if s.cmds, err = db.LoadCommands(cfg.Database.SQLDir); err != nil {
		return nil, err
	}
	if s.schema, err = db.Open(context.Background(), db.DSN(cfg.Database.Name), s.cmds, log); err != nil {
		return nil, err
	}
	if err = s.schema.Init(context.Background()); err != nil {
		return nil, err
	}

	s.files, err = files.New(files.Dirs{Img: cfg.Paths.ImgDir, Vid: cfg.Paths.VidDir, File: cfg.Paths.FileDir}, log)
	if err != nil {
		return nil, err
	}
	s.static, err = static.New(static.Config{
		Root:          cfg.Paths.RootDir,
		CacheEntries:  cfg.Static.CacheEntries,
		MaxCachedSize: cfg.Static.MaxCachedSize,
	}, log)
	if err != nil {
		return nil, err
	}

	if s.reactor, err = reactor.New(log); err != nil {
		return nil, err
	}
	s.timers = timer.NewManager(s.reactor, log)
	s.sessions = session.NewStore(s.timers, cfg.Session.Timeout, nil, log)
	s.uploads = upload.NewStore(s.timers, cfg.Upload.Timeout, metrics.UploadToken, log)
	s.uploads.OnAbandon(s.abandonParts)

	lim := transport.NewLimiter(transport.LimiterConfig{
		GlobalRate:  cfg.Limits.AcceptRate,
		GlobalBurst: cfg.Limits.AcceptBurst,
		IPRate:      cfg.Limits.IPRate,
		IPBurst:     cfg.Limits.IPBurst,
	}, metrics.AcceptRejected, log)
	s.listener, err = transport.Listen(transport.ListenConfig{
		Addr:             cfg.Server.Addr,
		Port:             cfg.Server.Port,
		IPVersion:        cfg.Server.IPVersion,
		CertFile:         cfg.Server.TLS.Cert,
		KeyFile:          cfg.Server.TLS.Key,
		HandshakeTimeout: cfg.Server.HandshakeTimeout,
		WriteTimeout:     cfg.Server.WriteTimeout,
	}, lim, log)
	if err != nil {
		return nil, err
	}
	if _, err = s.reactor.Register(s.listener.Fd(), &event{fd: s.listener.Fd(), onRead: s.onAccept}); err != nil {
		return nil, fmt.Errorf("register listener: %w", err)
	}
	return s, nil
}

// Addr returns the bound listening address.
func (s *Server) Addr() *net.TCPAddr {
	return s.listener.Addr()
}

// Workers returns the configured worker count, resolved against GOMAXPROCS.
func (s *Server) Workers() int {
	if s.cfg.Workers > 0 {
		return s.cfg.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// Run starts the workers and, when enabled, the admin server, and blocks
// until ctx ends or a worker fails. Everything is released on return.
func (s *Server) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.release()

	workers := make([]*worker, 0, s.Workers())
	for i := range cap(workers) {
		w, err := newWorker(ctx, i, s)
		if err != nil {
			for _, w := range workers {
				w.close()
			}
			return err
		}
		workers = append(workers, w)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error {
			defer w.close()
			return w.run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.Shutdown()
		return nil
	})
	if s.cfg.Metrics.Enabled && s.metrics != nil {
		g.Go(func() error {
			return control.ServeAdmin(gctx, s.cfg.Metrics.Addr, s.metrics.Router(s.healthy), s.log)
		})
	}

	s.log.Info().
		Str("addr", s.Addr().String()).
		Bool("tls", s.listener.Secure()).
		Int("workers", len(workers)).
		Msg("server started")
	err := g.Wait()
	s.log.Info().Err(err).Msg("server stopped")
	return err
}

// Shutdown wakes every worker; Run then returns. It is safe to call more
// than once and from any goroutine.
func (s *Server) Shutdown() {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	if err := s.reactor.Wake(); err != nil {
		s.log.Error().Err(err).Msg("wake workers")
	}
}

func (s *Server) healthy() bool {
	return !s.closing.Load()
}

// release tears every subsystem down. Only Run and a failed New call it,
// after the workers are gone.
func (s *Server) release() {
	if s.clients != nil {
		s.clients.Range(func(_ uint64, c *client) bool {
			c.conn.Close()
			return true
		})
		s.clients.Clear()
	}
	if s.uploads != nil {
		s.uploads.Close()
	}
	if s.schema != nil {
		s.runDeferred(context.Background(), s.schema)
	}
	if s.sessions != nil {
		s.sessions.Close()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	if s.reactor != nil {
		s.reactor.Close()
	}
	if s.schema != nil {
		s.schema.Close()
	}
}
