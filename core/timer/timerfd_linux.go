//go:build linux
// +build linux

// File: core/timer/timerfd_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// timerfd(2) primitives.

package timer

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

func newTimerFD() (int, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return -1, fmt.Errorf("timerfd_create: %w", err)
	}
	return fd, nil
}

func setTimerFD(fd int, d time.Duration, once bool) error {
	its := unix.ItimerSpec{Value: unix.NsecToTimespec(d.Nanoseconds())}
	if !once {
		its.Interval = its.Value
	}
	if err := unix.TimerfdSettime(fd, 0, &its, nil); err != nil {
		return fmt.Errorf("timerfd_settime(%d, %s): %w", fd, d, err)
	}
	return nil
}

func getTimerFD(fd int) (time.Duration, error) {
	var cur unix.ItimerSpec
	if err := unix.TimerfdGettime(fd, &cur); err != nil {
		return 0, fmt.Errorf("timerfd_gettime(%d): %w", fd, err)
	}
	return time.Duration(cur.Value.Nano()), nil
}

func readTimerFD(fd int) (uint64, error) {
	var buf [8]byte
	if _, err := unix.Read(fd, buf[:]); err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

func closeTimerFD(fd int) error {
	return unix.Close(fd)
}
