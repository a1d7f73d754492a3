// Package session implements the Open/Draining/Closed state machine
// bound to one command stream. A Session owns exactly one Workspace and
// one Sandbox, dispatches commands strictly one at a time, and
// guarantees cleanup exactly once regardless of how it terminates.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coderunner/coderunner/protocol"
)

// State names the Session's position in the Open -> Draining -> Closed
// lifecycle.
type State int

const (
	StateOpen State = iota
	StateDraining
	StateClosed
)

// Session is the state machine bound to one session id, its Workspace,
// and its Sandbox (via the Executor interface).
type Session struct {
	ID string

	store    FileStore
	executor Executor
	logger   *slog.Logger

	// defaultMemory/defaultCPU are the configured per-session limits
	// applied to a Run command that omits one or both fields, per
	// config.Defaults.
	defaultMemory uint64
	defaultCPU    uint64

	mu         sync.Mutex
	state      State
	cleanupErr error
}

// New builds a Session already in the Open state, owning store and
// dispatching Run commands to executor. defaultMemory/defaultCPU are the
// session's configured fallback limits, applied to a Run command that
// does not specify its own.
func New(id string, store FileStore, executor Executor, defaultMemory, defaultCPU uint64, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		ID:            id,
		store:         store,
		executor:      executor,
		defaultMemory: defaultMemory,
		defaultCPU:    defaultCPU,
		logger:        logger,
		state:         StateOpen,
	}
}

// State returns the Session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Drain transitions an Open session to Draining. It is a no-op if the
// session is already Draining or Closed. Called when the client closes
// its send half, or on a non-broken-pipe transport error after the
// error has been forwarded.
func (s *Session) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateOpen {
		s.state = StateDraining
	}
}

// Accepting reports whether the Session should still read and dispatch
// further commands.
func (s *Session) Accepting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateOpen
}

// Dispatch processes exactly one CommandRequest and returns its
// CommandResponse. Callers MUST serialize calls to Dispatch for a given
// Session (the server's per-session read loop does this naturally by
// construction); Dispatch itself also takes an internal lock so a
// concurrent call never corrupts workspace state, though it will block
// rather than interleave.
func (s *Session) Dispatch(ctx context.Context, req protocol.CommandRequest) protocol.CommandResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Tag() {
	case "put":
		return s.dispatchPut(req)
	case "run":
		return s.dispatchRun(ctx, req)
	case "get":
		return s.dispatchGet(req)
	default:
		return protocol.ErrorResponse(req.ID, protocol.ErrorInvalidArgument, "command missing a recognized payload")
	}
}

func (s *Session) dispatchPut(req protocol.CommandRequest) protocol.CommandResponse {
	n, err := s.store.PutFile(req.Put.Filename, req.Put.Content)
	if err != nil {
		return protocol.ErrorResponse(req.ID, protocol.ErrorIO, fmt.Sprintf("Failed to put file: %v", err))
	}
	return protocol.CommandResponse{ID: req.ID, Put: &protocol.PutResult{Length: uint32(n)}}
}

func (s *Session) dispatchGet(req protocol.CommandRequest) protocol.CommandResponse {
	content, err := s.store.GetFile(req.Get.Filename)
	if err != nil {
		return protocol.ErrorResponse(req.ID, protocol.ErrorIO, fmt.Sprintf("Failed to get file: %v", err))
	}
	return protocol.CommandResponse{ID: req.ID, Get: &protocol.GetResult{Content: content}}
}

func (s *Session) dispatchRun(ctx context.Context, req protocol.CommandRequest) protocol.CommandResponse {
	memoryBytes, cpuSeconds := s.effectiveLimits(req.Run.Limits)
	result := s.executor.Execute(ctx, s.store.Root(), req.Run.Command, memoryBytes, cpuSeconds, req.Run.Input)
	return protocol.CommandResponse{ID: req.ID, Run: result}
}

// effectiveLimits merges a Run command's optional wire-level Limits with
// the session's configured defaults: a zero/absent field on the request
// falls back to the default, per spec.md §4.4's "compute Limits" step.
func (s *Session) effectiveLimits(limits *protocol.Limits) (memoryBytes, cpuSeconds uint64) {
	memoryBytes, cpuSeconds = s.defaultMemory, s.defaultCPU
	if limits == nil {
		return memoryBytes, cpuSeconds
	}
	if limits.MaxMemory > 0 {
		memoryBytes = limits.MaxMemory
	}
	if limits.MaxRuntime > 0 {
		cpuSeconds = limits.MaxRuntime
	}
	return memoryBytes, cpuSeconds
}

// Close transitions the Session to Closed and runs Workspace.cleanup
// exactly once, regardless of how many times Close is called or what
// state the Session was in. It is safe to call from a deferred
// statement in the server's per-session task.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return s.cleanupErr
	}
	s.state = StateClosed
	if err := s.store.Cleanup(); err != nil {
		s.cleanupErr = err
		s.logger.Warn("session cleanup failed", "session_id", s.ID, "error", err)
	}
	return s.cleanupErr
}
