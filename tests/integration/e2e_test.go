//go:build linux

package integration

import (
	"os"
	"testing"
	"time"

	"github.com/coderunner/coderunner/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Covers the six concrete scenarios from the system design's testable
// properties, driven against a real Sandbox (actual namespaces, seccomp,
// rlimits) rather than the mocked Executor the session/server unit
// tests use.

func TestE2E_Echo(t *testing.T) {
	addr, _, cleanup := startTestServer(t)
	defer cleanup()
	c := dial(t, addr)
	defer c.close()

	putResp := c.put(t, reqID(1), "hello.txt", []byte("hi"), 5*time.Second)
	require.NotNil(t, putResp.Put)

	runResp := c.run(t, reqID(2), "cat hello.txt", nil, 5*time.Second)
	require.NotNil(t, runResp.Run)
	assert.Equal(t, "hi", string(runResp.Run.Stdout))
	assert.Equal(t, "", string(runResp.Run.Stderr))
	assert.Equal(t, protocol.StatusSuccess, runResp.Run.Status)
	require.NotNil(t, runResp.Run.ExitCode)
	assert.Equal(t, int32(0), *runResp.Run.ExitCode)
}

func TestE2E_TimeLimitExceeded(t *testing.T) {
	addr, _, cleanup := startTestServer(t)
	defer cleanup()
	c := dial(t, addr)
	defer c.close()

	start := time.Now()
	resp := c.run(t, reqID(1), "while true; do :; done", &protocol.Limits{MaxMemory: 134217728, MaxRuntime: 1}, 5*time.Second)
	elapsed := time.Since(start)

	require.NotNil(t, resp.Run)
	assert.Equal(t, protocol.StatusTimeLimitExceeded, resp.Run.Status)
	assert.Less(t, elapsed, 3*time.Second, "wall timeout should fire at ~2x max_runtime")
	require.NotNil(t, resp.Run.ExitCode)
	assert.NotEqual(t, int32(0), *resp.Run.ExitCode)
}

func TestE2E_MemoryLimitExceeded(t *testing.T) {
	addr, _, cleanup := startTestServer(t)
	defer cleanup()
	c := dial(t, addr)
	defer c.close()

	// Builds a 256MiB in-memory string under a 64MiB RLIMIT_AS: either
	// the shell's own allocator fails (RuntimeError) or the kernel kills
	// it (TimeLimitExceeded via SIGKILL/SIGXCPU) — both are acceptable
	// per the system design's memory-limit scenario.
	cmd := "x=$(head -c 268435456 /dev/zero | tr '\\0' 'a'); echo ${#x}"
	resp := c.run(t, reqID(1), cmd, &protocol.Limits{MaxMemory: 67108864, MaxRuntime: 5}, 15*time.Second)

	require.NotNil(t, resp.Run)
	assert.Contains(t, []protocol.Status{protocol.StatusRuntimeError, protocol.StatusTimeLimitExceeded}, resp.Run.Status)
	require.NotNil(t, resp.Run.ExitCode)
	assert.NotEqual(t, int32(0), *resp.Run.ExitCode)
}

func TestE2E_NetworkBlocked(t *testing.T) {
	addr, _, cleanup := startTestServer(t)
	defer cleanup()
	c := dial(t, addr)
	defer c.close()

	resp := c.run(t, reqID(1), "curl -sS http://example.com", nil, 5*time.Second)

	require.NotNil(t, resp.Run)
	assert.Equal(t, protocol.StatusRuntimeError, resp.Run.Status)
	assert.NotEmpty(t, resp.Run.Stderr)
	require.NotNil(t, resp.Run.ExitCode)
	assert.NotEqual(t, int32(0), *resp.Run.ExitCode)
}

func TestE2E_GetMissingFile(t *testing.T) {
	addr, _, cleanup := startTestServer(t)
	defer cleanup()
	c := dial(t, addr)
	defer c.close()

	resp := c.get(t, reqID(1), "absent.txt", 5*time.Second)
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "Failed to get file")

	// Session remains open: a subsequent Put+Get on a different name
	// still succeeds.
	putResp := c.put(t, reqID(2), "present.txt", []byte("ok"), 5*time.Second)
	require.NotNil(t, putResp.Put)
	getResp := c.get(t, reqID(3), "present.txt", 5*time.Second)
	require.NotNil(t, getResp.Get)
	assert.Equal(t, "ok", string(getResp.Get.Content))
}

func TestE2E_DisconnectCleanup(t *testing.T) {
	addr, baseDir, cleanup := startTestServer(t)
	defer cleanup()

	c := dial(t, addr)

	putResp := c.put(t, reqID(1), "a.txt", []byte("x"), 5*time.Second)
	require.NotNil(t, putResp.Put)

	// Close the client half without issuing further commands; the
	// server's read loop sees EOF, drains the session, and the per-
	// connection goroutine runs Workspace cleanup.
	c.close()

	var gone bool
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := os.ReadDir(baseDir)
		if err == nil && len(entries) == 0 {
			gone = true
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	assert.True(t, gone, "session workspace should be removed after client disconnect")
}
