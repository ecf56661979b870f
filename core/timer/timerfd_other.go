//go:build !linux
// +build !linux

// File: core/timer/timerfd_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package timer

import (
	"time"

	"github.com/momentics/hioload-chat/api"
)

func newTimerFD() (int, error)                  { return -1, api.ErrNotSupported }
func setTimerFD(int, time.Duration, bool) error { return api.ErrNotSupported }
func getTimerFD(int) (time.Duration, error)     { return 0, api.ErrNotSupported }
func readTimerFD(int) (uint64, error)           { return 0, api.ErrNotSupported }
func closeTimerFD(int) error                    { return nil }
