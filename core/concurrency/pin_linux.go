//go:build linux

// File: core/concurrency/pin_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Thread pinning through sched_setaffinity(2), without cgo.

package concurrency

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// PinCurrentThread locks the calling goroutine to its OS thread and binds
// that thread to cpu, taken modulo the number of CPUs. The caller owns the
// matching runtime.UnlockOSThread.
func PinCurrentThread(cpu int) error {
	runtime.LockOSThread()
	n := runtime.NumCPU()
	if cpu < 0 || n == 0 {
		return nil
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu % n)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("pin to cpu %d: %w", cpu%n, err)
	}
	return nil
}
