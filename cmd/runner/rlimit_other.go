//go:build !linux && !darwin

package main

// applyMemoryLimit is a no-op on platforms without RLIMIT_AS (the
// worker's own supervisor, os/exec plus the parent's context deadline,
// still bounds wall-clock time regardless of platform).
func applyMemoryLimit(memoryLimitMb int) error {
	return nil
}
