// control/logger.go
// Author: momentics <momentics@gmail.com>
//
// zerolog construction and panic logging helpers.

package control

import (
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger. format is "pretty" or "json".
func NewLogger(level, format string, out io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if format == "pretty" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Str("service", "hioload-chat").
		Logger(), nil
}

// RecoverPanic logs a recovered panic with its stack. Use it directly in a
// defer; it reports whether a panic was caught through ok when non-nil.
func RecoverPanic(log zerolog.Logger, msg string, ok *bool) {
	r := recover()
	if r == nil {
		return
	}
	log.Error().
		Interface("panic_value", r).
		Str("stack_trace", string(debug.Stack())).
		Msg(msg)
	if ok != nil {
		*ok = true
	}
}
