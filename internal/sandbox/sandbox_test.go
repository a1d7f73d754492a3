package sandbox

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveWallTimeout(t *testing.T) {
	assert.Equal(t, time.Duration(0), deriveWallTimeout(0))

	// Always derive 2x cpu_seconds; the wire protocol never carries an
	// explicit wall-clock value, so there is nothing else to prefer.
	assert.Equal(t, 6*time.Second, deriveWallTimeout(3))
}

func TestBoundedBufferCapsCombinedWrites(t *testing.T) {
	budget := int64(10)
	stdout := &boundedBuffer{budget: &budget}
	stderr := &boundedBuffer{budget: &budget}

	n, err := stdout.Write([]byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, "0123456789", stdout.buf.String())

	n, err = stderr.Write([]byte("overflow"))
	require.NoError(t, err)
	assert.Equal(t, 8, n, "reports a full write even though nothing more fits")
	assert.Equal(t, "", stderr.buf.String())
}

func TestCPUMillis(t *testing.T) {
	r := &syscall.Rusage{
		Utime: syscall.Timeval{Sec: 1, Usec: 500000},
		Stime: syscall.Timeval{Sec: 0, Usec: 250000},
	}
	assert.Equal(t, uint64(1750), cpuMillis(r))
}

func TestRSSBytes(t *testing.T) {
	r := &syscall.Rusage{Maxrss: 2048}
	assert.Equal(t, uint64(2048*1024), rssBytes(r))
}

func TestOutcomeToResult(t *testing.T) {
	exit := int32(0)
	o := Outcome{
		Stdout:   []byte("hi"),
		Stderr:   []byte(""),
		Status:   StatusSuccess,
		CPUMilli: 12,
		RSSBytes: 4096,
		ExitCode: &exit,
	}
	result := o.toResult()
	assert.Equal(t, "hi", string(result.Stdout))
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, uint64(12), result.RuntimeMs)
	assert.Equal(t, uint64(4096), result.MemoryByte)
	assert.Equal(t, int32(0), *result.ExitCode)
}

func TestSystemErrorResult(t *testing.T) {
	result := systemError("boom")
	assert.Equal(t, StatusSystemError, result.Status)
	assert.Contains(t, string(result.Stderr), "boom")
	assert.Nil(t, result.ExitCode)
}
