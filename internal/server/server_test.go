package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/coderunner/coderunner/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoExecutor struct{}

func (echoExecutor) Execute(ctx context.Context, workspaceRoot, command string, memoryBytes, cpuSeconds uint64, stdin []byte) *protocol.RunResult {
	exitCode := int32(0)
	return &protocol.RunResult{
		Stdout:   []byte("ran: " + command),
		Status:   protocol.StatusSuccess,
		ExitCode: &exitCode,
	}
}

type fakeAudit struct {
	opened []string
	closed []string
}

func (f *fakeAudit) RecordOpened(id string)         { f.opened = append(f.opened, id) }
func (f *fakeAudit) RecordClosed(id, reason string) { f.closed = append(f.closed, id) }

func TestServeEchoRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	audit := &fakeAudit{}
	srv := New(ln, t.TempDir(), echoExecutor{}, 0, 0, audit, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	req := protocol.CommandRequest{ID: "1", Run: &protocol.RunCommand{Command: "echo hi"}}
	b, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = conn.Write(append(b, '\n'))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)

	var resp protocol.CommandResponse
	require.NoError(t, json.Unmarshal(line, &resp))
	require.NotNil(t, resp.Run)
	assert.Equal(t, "ran: echo hi", string(resp.Run.Stdout))
	assert.Equal(t, "1", resp.ID)
}

func TestServerShutdownCleansUpSessions(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	base := t.TempDir()
	srv := New(ln, base, echoExecutor{}, 0, 0, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	req := protocol.CommandRequest{ID: "1", Put: &protocol.PutCommand{Filename: "a.txt", Content: []byte("x")}}
	b, _ := json.Marshal(req)
	_, err = conn.Write(append(b, '\n'))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = reader.ReadBytes('\n')
	require.NoError(t, err)

	ids := srv.LiveSessionIDs()
	require.Len(t, ids, 1)

	// Shutdown runs Workspace.cleanup for the still-registered session
	// directly; the per-connection goroutine unregisters it separately
	// once the client disconnects.
	srv.Shutdown()
	assert.NoDirExists(t, base+"/"+ids[0])
}

func TestNewSessionIDLength(t *testing.T) {
	id, err := newSessionID()
	require.NoError(t, err)
	assert.Len(t, id, protocol.SessionIDLength)
	assert.Regexp(t, "^[A-Za-z0-9]+$", id)
}
