//go:build linux

package sandbox

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// applyRlimits sets RLIMIT_AS from memoryBytes and RLIMIT_CPU from
// cpuSeconds on the current process, which syscall.Exec then carries
// into the replaced image. A zero value leaves the corresponding
// resource unbounded, per the Limits data model.
func applyRlimits(memoryBytes, cpuSeconds uint64) error {
	if memoryBytes > 0 {
		lim := unix.Rlimit{Cur: memoryBytes, Max: memoryBytes}
		if err := unix.Setrlimit(unix.RLIMIT_AS, &lim); err != nil {
			return fmt.Errorf("setrlimit RLIMIT_AS: %w", err)
		}
	}
	if cpuSeconds > 0 {
		lim := unix.Rlimit{Cur: cpuSeconds, Max: cpuSeconds}
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &lim); err != nil {
			return fmt.Errorf("setrlimit RLIMIT_CPU: %w", err)
		}
	}
	return nil
}
