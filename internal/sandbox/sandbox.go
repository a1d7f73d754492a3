// Package sandbox builds an isolated execution context from a
// SandboxProfile and a Workspace, runs a requested shell command inside
// it under per-invocation resource limits, and returns a structured
// RunOutcome. It never returns an error to its caller for a failed run:
// spawn, wait, or rusage failures are folded into an outcome with
// Status = SystemError and a diagnostic in Stderr, per the system's
// error handling design.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coderunner/coderunner/internal/sandboxprofile"
	"github.com/coderunner/coderunner/protocol"
)

// Sandbox builds isolated child processes from a fixed Profile.
type Sandbox struct {
	profile *sandboxprofile.Profile
	logger  *slog.Logger
}

// New returns a Sandbox bound to profile. profile is shared read-only
// across every Session's Sandbox.
func New(profile *sandboxprofile.Profile, logger *slog.Logger) *Sandbox {
	return &Sandbox{profile: profile, logger: logger}
}

// Outcome mirrors the system's RunOutcome data model.
type Outcome struct {
	Stdout   []byte
	Stderr   []byte
	Status   Status
	CPUMilli uint64
	RSSBytes uint64
	ExitCode *int32
}

// toResult converts an Outcome into the wire-level RunResult. The wire
// protocol's "runtime" field carries the same cpu_millis value the data
// model specifies for RunOutcome.
func (o Outcome) toResult() *protocol.RunResult {
	return &protocol.RunResult{
		Stdout:     o.Stdout,
		Stderr:     o.Stderr,
		Status:     o.Status,
		RuntimeMs:  o.CPUMilli,
		MemoryByte: o.RSSBytes,
		ExitCode:   o.ExitCode,
	}
}

func systemError(msg string) *protocol.RunResult {
	o := Outcome{
		Stderr: []byte(msg),
		Status: StatusSystemError,
	}
	return o.toResult()
}

// Execute runs cmdline under /bin/sh -c inside the sandbox, applying
// memoryBytes/cpuSeconds (rlimits + a derived wall-clock timeout), and
// returns one RunResult for every invocation. workspaceRoot is the host
// path bind-mounted as /box inside the sandbox; cmdline is the shell
// command text; stdin, if non-nil, is written fully to the child's
// stdin by a separate goroutine while Execute waits for the child. memoryBytes/cpuSeconds are the effective,
// already-defaults-merged limits — computing them from the wire-level
// protocol.Limits and the session's configured defaults is the Session's
// job, not the Sandbox's.
func (s *Sandbox) Execute(ctx context.Context, workspaceRoot, cmdline string, memoryBytes, cpuSeconds uint64, stdin []byte) *protocol.RunResult {
	wallTimeout := deriveWallTimeout(cpuSeconds)

	cfg := nsinitConfig{
		Profile:       s.profile,
		WorkspaceRoot: workspaceRoot,
		Command:       cmdline,
		MemoryBytes:   memoryBytes,
		CPUSeconds:    cpuSeconds,
	}

	budget := int64(protocol.MaxOutputBytes)
	stdoutBuf := &boundedBuffer{budget: &budget}
	stderrBuf := &boundedBuffer{budget: &budget}

	cmd, err := buildNsinitCmd(cfg, stdoutBuf, stderrBuf)
	if err != nil {
		return systemError(fmt.Sprintf("sandbox: build command: %v", err))
	}

	if stdin != nil {
		stdinPipe, err := cmd.StdinPipe()
		if err != nil {
			return systemError(fmt.Sprintf("sandbox: stdin pipe: %v", err))
		}
		go func() {
			defer stdinPipe.Close()
			if _, err := io.Copy(stdinPipe, bytes.NewReader(stdin)); err != nil {
				s.logf("write stdin: %v", err)
			}
		}()
	}

	if err := cmd.Start(); err != nil {
		return systemError(fmt.Sprintf("sandbox: spawn: %v", err))
	}

	var timedOut atomic.Bool
	if wallTimeout > 0 {
		timer := time.AfterFunc(wallTimeout, func() {
			timedOut.Store(true)
			_ = cmd.Process.Kill()
		})
		defer timer.Stop()
	}

	waitErr := cmd.Wait()

	exitCode, rusage, sysErr := extractResult(cmd, waitErr)
	if sysErr != nil {
		return systemError(fmt.Sprintf("sandbox: wait: %v", sysErr))
	}

	status := classify(exitCode)
	if timedOut.Load() && status != StatusTimeLimitExceeded {
		status = StatusTimeLimitExceeded
	}

	outcome := Outcome{
		Stdout:   stdoutBuf.buf.Bytes(),
		Stderr:   stderrBuf.buf.Bytes(),
		Status:   status,
		ExitCode: &exitCode,
	}
	if rusage != nil {
		outcome.CPUMilli = cpuMillis(rusage)
		outcome.RSSBytes = rssBytes(rusage)
	}

	return outcome.toResult()
}

func (s *Sandbox) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(fmt.Sprintf(format, args...))
	}
}

// deriveWallTimeout always derives a wall-clock bound whenever a CPU
// limit is present, so CPU-accounting-evading programs (e.g. ones that
// mostly sleep) cannot escape the timeout. This follows the system
// design's "always set a wall timeout when any CPU limit is set"
// guidance; the wire protocol never carries a wall-clock value of its
// own, so 2x cpuSeconds is the only source for it.
func deriveWallTimeout(cpuSeconds uint64) time.Duration {
	if cpuSeconds == 0 {
		return 0
	}
	return 2 * time.Duration(cpuSeconds) * time.Second
}

// boundedBuffer is an io.Writer that stops retaining bytes once budget
// (shared across a stdout/stderr pair so the combined total is capped,
// per protocol.MaxOutputBytes) is exhausted. It always reports a full
// write to the caller — exec.Cmd's output-copying goroutine must never
// see a short write or Kill the child over it — and simply discards
// whatever doesn't fit.
type boundedBuffer struct {
	buf    bytes.Buffer
	budget *int64
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	remaining := atomic.LoadInt64(b.budget)
	if remaining <= 0 {
		return n, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	written, err := b.buf.Write(p)
	atomic.AddInt64(b.budget, -int64(written))
	return n, err
}

// extractResult pulls the exit code and rusage out of a completed
// exec.Cmd. A nil waitErr means a clean exit (code 0); an *ExitError
// carries the real wait status for signaled/nonzero exits. Any other
// error (process never started running, rusage unavailable) is a
// SystemError.
func extractResult(cmd *exec.Cmd, waitErr error) (int32, *syscall.Rusage, error) {
	state := cmd.ProcessState
	if state == nil {
		return 0, nil, fmt.Errorf("no process state")
	}

	var exitCode int32
	if ws, ok := state.Sys().(syscall.WaitStatus); ok {
		exitCode = exitCodeFromWaitStatus(ws)
	} else if waitErr == nil {
		exitCode = 0
	} else {
		return 0, nil, fmt.Errorf("unrecognized wait status")
	}

	rusage, ok := state.SysUsage().(*syscall.Rusage)
	if !ok || rusage == nil {
		return exitCode, nil, fmt.Errorf("rusage unavailable")
	}

	return exitCode, rusage, nil
}

func cpuMillis(r *syscall.Rusage) uint64 {
	userMs := r.Utime.Sec*1000 + int64(r.Utime.Usec)/1000
	sysMs := r.Stime.Sec*1000 + int64(r.Stime.Usec)/1000
	total := userMs + sysMs
	if total < 0 {
		return 0
	}
	return uint64(total)
}

// rssBytes converts Rusage.Maxrss (kilobytes on Linux) to bytes. See
// the resolved RSS-units open question in SPEC_FULL.md/DESIGN.md.
func rssBytes(r *syscall.Rusage) uint64 {
	if r.Maxrss < 0 {
		return 0
	}
	return uint64(r.Maxrss) * 1024
}
