//go:build unix

// Package limit adjusts process resource limits at startup.
package limit

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// RaiseOpenFiles lifts the RLIMIT_NOFILE soft limit to the hard limit so
// each client session can hold its client and upstream sockets. It returns
// the resulting soft limit.
func RaiseOpenFiles() (uint64, error) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return 0, fmt.Errorf("failed to read RLIMIT_NOFILE: %w", err)
	}
	if rl.Cur >= rl.Max {
		return uint64(rl.Cur), nil
	}
	prev := rl.Cur
	rl.Cur = rl.Max
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return uint64(prev), fmt.Errorf("failed to raise RLIMIT_NOFILE from %d to %d: %w", prev, rl.Max, err)
	}
	return uint64(rl.Cur), nil
}
