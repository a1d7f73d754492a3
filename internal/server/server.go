// Package server implements the SessionServer: it accepts new command
// streams, assigns each a random SessionId, instantiates a Session, and
// drives it to completion on an independent task. It retains no session
// state after termination; its only shared state is a mutex-guarded
// registry of live sessions, used for shutdown and orphan reaping.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/coderunner/coderunner/internal/session"
	"github.com/coderunner/coderunner/internal/workspace"
	"github.com/coderunner/coderunner/protocol"
)

// responseChannelCapacity is the design-default bound on pending
// responses per session: once full, the writer's send blocks, which
// transitively blocks the session's read loop from accepting the next
// command, propagating backpressure to the client.
const responseChannelCapacity = 128

// AuditLogger is the subset of *audit.Log a Server depends on. Nil is a
// valid AuditLogger-less configuration (audit is best-effort and
// optional).
type AuditLogger interface {
	RecordOpened(sessionID string)
	RecordClosed(sessionID, reason string)
}

// Server is the SessionServer. It owns a listener and the fixed
// per-process Sandbox; it does not retain state for sessions after they
// terminate, except for the registry used to drive shutdown and orphan
// reaping.
type Server struct {
	listener net.Listener
	baseDir  string
	executor session.Executor
	logger   *slog.Logger
	audit    AuditLogger

	defaultMemory uint64
	defaultCPU    uint64

	mu       sync.Mutex
	sessions map[string]*session.Session
}

// New wraps an already-bound listener. baseDir is the host directory
// under which per-session workspaces are created; executor is the
// Sandbox (or, in tests, a mock) every Session's Run commands dispatch
// to. defaultMemory/defaultCPU are the configured per-session limits
// (config.Defaults) applied to a Run command that doesn't specify its
// own.
func New(listener net.Listener, baseDir string, executor session.Executor, defaultMemory, defaultCPU uint64, audit AuditLogger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		listener:      listener,
		baseDir:       baseDir,
		executor:      executor,
		defaultMemory: defaultMemory,
		defaultCPU:    defaultCPU,
		logger:        logger,
		audit:         audit,
		sessions:      make(map[string]*session.Session),
	}
}

// Serve accepts connections until ctx is canceled or the listener is
// closed. Each connection is driven on its own goroutine; Serve does
// not wait for in-flight sessions to finish before returning — callers
// that need a graceful drain should call Shutdown afterward.
func (srv *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = srv.listener.Close()
	}()

	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		go srv.handleConn(ctx, conn)
	}
}

// LiveSessionIDs returns the session ids currently registered, i.e. with
// a Workspace that should exist on disk. Used by the reaper to tell a
// live session's directory apart from an orphan.
func (srv *Server) LiveSessionIDs() []string {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	ids := make([]string, 0, len(srv.sessions))
	for id := range srv.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown runs Workspace.cleanup for every still-registered session, so
// that host process shutdown never leaves an orphaned directory behind.
func (srv *Server) Shutdown() {
	srv.mu.Lock()
	sessions := make([]*session.Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		sessions = append(sessions, s)
	}
	srv.mu.Unlock()

	for _, s := range sessions {
		if err := s.Close(); err != nil {
			srv.logger.Warn("shutdown cleanup failed", "session_id", s.ID, "error", err)
		}
	}
}

func (srv *Server) register(s *session.Session) {
	srv.mu.Lock()
	srv.sessions[s.ID] = s
	srv.mu.Unlock()
}

func (srv *Server) unregister(id string) {
	srv.mu.Lock()
	delete(srv.sessions, id)
	srv.mu.Unlock()
}

func (srv *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	id, err := newSessionID()
	if err != nil {
		srv.logger.Error("generate session id", "error", err)
		return
	}

	ws, err := workspace.Create(srv.baseDir, id)
	if err != nil {
		srv.logger.Error("create workspace", "session_id", id, "error", err)
		return
	}

	sess := session.New(id, ws, srv.executor, srv.defaultMemory, srv.defaultCPU, srv.logger)
	srv.register(sess)
	if srv.audit != nil {
		srv.audit.RecordOpened(id)
	}

	reason := srv.driveSession(ctx, sess, conn)

	if err := sess.Close(); err != nil {
		srv.logger.Warn("session close", "session_id", id, "error", err)
	}
	srv.unregister(id)
	if srv.audit != nil {
		srv.audit.RecordClosed(id, reason)
	}
}

// driveSession runs the read-dispatch-write loop for one session: a
// dedicated reader drives Dispatch and pushes results into a bounded
// response channel; a dedicated writer drains that channel onto the
// wire. This keeps the bounded channel in the system's concurrency
// model as the only backpressure point, with no per-command buffering
// elsewhere.
func (srv *Server) driveSession(ctx context.Context, sess *session.Session, conn net.Conn) string {
	wc := newWireConn(conn)
	responses := make(chan protocol.CommandResponse, responseChannelCapacity)

	var writerErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for resp := range responses {
			if err := wc.writeResponse(resp); err != nil {
				writerErr = err
				return
			}
		}
	}()

	reason := "client_disconnect"
	for sess.Accepting() {
		req, err := wc.readRequest()
		if err != nil {
			if errors.Is(err, io.EOF) {
				sess.Drain()
				reason = "client_disconnect"
				break
			}
			if isBrokenPipe(err) {
				sess.Drain()
				reason = "transport_error"
				break
			}
			// Non-broken-pipe inbound error: attempt to forward it once,
			// then close regardless of whether the send itself succeeds.
			select {
			case responses <- protocol.ErrorResponse("", protocol.ErrorTransport, err.Error()):
			default:
			}
			sess.Drain()
			reason = "transport_error"
			break
		}

		resp := sess.Dispatch(ctx, req)

		select {
		case responses <- resp:
		case <-ctx.Done():
			sess.Drain()
			reason = "shutdown"
		}

		if writerErr != nil {
			sess.Drain()
			reason = "transport_error"
			break
		}
	}

	close(responses)
	wg.Wait()
	return reason
}

func isBrokenPipe(err error) bool {
	return strings.Contains(err.Error(), "broken pipe") || strings.Contains(err.Error(), "connection reset")
}
