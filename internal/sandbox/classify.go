package sandbox

import (
	"syscall"

	"github.com/coderunner/coderunner/protocol"
)

type Status = protocol.Status

const (
	StatusSuccess           = protocol.StatusSuccess
	StatusTimeLimitExceeded = protocol.StatusTimeLimitExceeded
	StatusRuntimeError      = protocol.StatusRuntimeError
	StatusSystemError       = protocol.StatusSystemError
)

// exitCodeSIGKILL and exitCodeSIGXCPU are the exit codes the classification table treats
// as kernel-induced time-limit kills: 137 = 128 + SIGKILL(9), 152 = 128 +
// SIGXCPU(24). Either one means the kernel, not the program, ended the
// run because it ran out of CPU or was force-killed by the wall timer.
const (
	exitCodeSIGKILL = 137
	exitCodeSIGXCPU = 152
)

// classify applies the first-match classification table from the system
// design to a terminated child: exit 0 is Success; 137/152 is
// TimeLimitExceeded; anything else is RuntimeError. SystemError is never
// produced here — it is reserved for spawn/wait/rusage failures,
// which short-circuit before classify is ever called.
func classify(exitCode int32) Status {
	switch {
	case exitCode == 0:
		return StatusSuccess
	case exitCode == exitCodeSIGKILL || exitCode == exitCodeSIGXCPU:
		return StatusTimeLimitExceeded
	default:
		return StatusRuntimeError
	}
}

// exitCodeFromWaitStatus converts a raw wait status into the exit_code
// contract: a normal exit yields its exit code; a signal termination
// yields 128+signal, matching "RuntimeError with exit_code = 128 +
// signal" from the edge cases in the system design.
func exitCodeFromWaitStatus(ws syscall.WaitStatus) int32 {
	if ws.Exited() {
		return int32(ws.ExitStatus())
	}
	if ws.Signaled() {
		return int32(128 + int(ws.Signal()))
	}
	return -1
}
