package session

import (
	"context"

	"github.com/coderunner/coderunner/protocol"
)

// Executor runs a shell command inside a sandbox rooted at workspaceRoot,
// under the effective (already defaults-merged) memoryBytes/cpuSeconds
// limits. It is implemented by *sandbox.Sandbox; tests substitute a mock
// so the state machine can be exercised without Linux namespace
// privileges.
type Executor interface {
	Execute(ctx context.Context, workspaceRoot, command string, memoryBytes, cpuSeconds uint64, stdin []byte) *protocol.RunResult
}

// FileStore is the subset of *workspace.Workspace a Session depends on.
type FileStore interface {
	PutFile(relativeName string, content []byte) (int, error)
	GetFile(relativeName string) ([]byte, error)
	Cleanup() error
	Root() string
}
