//go:build linux || darwin

package main

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// applyMemoryLimit sets RLIMIT_AS to memoryLimitMb before any user
// code loads, per §5/SPEC_FULL.md §4.2's "the child sets RLIMIT_AS to
// memoryLimitMb before loading any user code" — the kernel then kills
// the process with SIGSEGV/SIGKILL on breach rather than this process
// having to police its own heap, matching §5's "memory limits are
// enforced by the child process supervisor" when the supervisor is the
// kernel itself. A zero or negative limit leaves the process' existing
// limit untouched.
func applyMemoryLimit(memoryLimitMb int) error {
	if memoryLimitMb <= 0 {
		return nil
	}

	bytes := uint64(memoryLimitMb) * 1024 * 1024

	limit := unix.Rlimit{Cur: bytes, Max: bytes}
	if err := unix.Setrlimit(unix.RLIMIT_AS, &limit); err != nil {
		return fmt.Errorf("setrlimit RLIMIT_AS to %d MB: %w", memoryLimitMb, err)
	}
	return nil
}
