// File: cmd/hioload-chat/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// hioload-chat entry point: load configuration, build the server and run it
// until SIGINT or SIGTERM.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/momentics/hioload-chat/control"
	"github.com/momentics/hioload-chat/server"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "hioload-chat:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := control.Load(args)
	if err != nil {
		return err
	}
	log, err := control.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}

	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...any) {
		log.Debug().Msgf(format, a...)
	}))
	defer undo()
	if err != nil {
		log.Warn().Err(err).Msg("automaxprocs")
	}

	var metrics *control.Metrics
	if cfg.Metrics.Enabled {
		metrics = control.NewMetrics()
	}
	srv, err := server.New(cfg, log, metrics)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}
