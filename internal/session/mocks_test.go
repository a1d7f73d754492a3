package session

import (
	"context"

	"github.com/coderunner/coderunner/protocol"
	"github.com/stretchr/testify/mock"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) PutFile(relativeName string, content []byte) (int, error) {
	args := m.Called(relativeName, content)
	return args.Int(0), args.Error(1)
}

func (m *mockStore) GetFile(relativeName string) ([]byte, error) {
	args := m.Called(relativeName)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (m *mockStore) Cleanup() error {
	args := m.Called()
	return args.Error(0)
}

func (m *mockStore) Root() string {
	args := m.Called()
	return args.String(0)
}

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) Execute(ctx context.Context, workspaceRoot, command string, memoryBytes, cpuSeconds uint64, stdin []byte) *protocol.RunResult {
	args := m.Called(ctx, workspaceRoot, command, memoryBytes, cpuSeconds, stdin)
	r, _ := args.Get(0).(*protocol.RunResult)
	return r
}
