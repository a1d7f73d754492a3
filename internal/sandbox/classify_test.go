package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		exitCode int32
		want     Status
	}{
		{0, StatusSuccess},
		{137, StatusTimeLimitExceeded},
		{152, StatusTimeLimitExceeded},
		{1, StatusRuntimeError},
		{127, StatusRuntimeError},
		{139, StatusRuntimeError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, classify(c.exitCode), "exitCode=%d", c.exitCode)
	}
}
