package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "[::1]:50051", cfg.Listen)
	assert.Equal(t, "/var/tmp/code-runner", cfg.BaseDir)
	assert.Contains(t, cfg.DeniedSyscalls, "connect")
	assert.Equal(t, uint64(30), cfg.Defaults.CPUSeconds)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coderunner.yaml")
	yamlContent := "listen: \"0.0.0.0:9000\"\nbase_dir: \"/tmp/cr\"\ndefaults:\n  memory: \"128m\"\n  cpu_seconds: 5\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, "/tmp/cr", cfg.BaseDir)
	assert.Equal(t, uint64(5), cfg.Defaults.CPUSeconds)
	assert.Equal(t, uint64(128*1024*1024), cfg.Defaults.MemoryBytes)
}

func TestLoadMissingFileIsNotError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/var/tmp/code-runner", cfg.BaseDir)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CODERUNNER_LISTEN", "127.0.0.1:1234")
	t.Setenv("CODERUNNER_DEFAULT_CPU_SECONDS", "7")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:1234", cfg.Listen)
	assert.Equal(t, uint64(7), cfg.Defaults.CPUSeconds)
}
