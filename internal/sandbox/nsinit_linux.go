//go:build linux

package sandbox

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/coderunner/coderunner/internal/sandboxprofile"
)

const (
	envNsinit = "CODERUNNER_NSINIT"
	envConfig = "CODERUNNER_NSINIT_CONFIG"
)

// nsinitConfig is the JSON payload passed to a re-exec'd copy of this
// binary through the environment, the same self-re-exec shape the
// teacher uses: Go has no pre_exec hook, so the child performs its own
// namespace/seccomp/rlimit setup immediately after the clone, then
// execs the real target.
type nsinitConfig struct {
	RootfsSource        string   `json:"rootfs_source"`
	WorkspaceRoot       string   `json:"workspace_root"`
	WorkspaceMountPoint string   `json:"workspace_mount_point"`
	DefaultPathEnv      string   `json:"default_path_env"`
	DeniedSyscalls      []string `json:"denied_syscalls"`
	Strict              bool     `json:"strict"`
	Command             string   `json:"command"`
	MemoryBytes         uint64   `json:"memory_bytes"`
	CPUSeconds          uint64   `json:"cpu_seconds"`

	Profile *sandboxprofile.Profile `json:"-"`
}

// IsNsinit reports whether this process invocation is the re-exec'd
// child that should run nsinitMain instead of the daemon's normal entry
// point. cmd/coderunnerd checks this before doing anything else.
func IsNsinit() bool {
	return os.Getenv(envNsinit) == "1"
}

// RunNsinit parses the nsinit config from the environment and performs
// namespace/seccomp/rlimit setup followed by execve of the shell
// command. It never returns on success (execve replaces the process
// image); on failure it returns an error for the caller to report via
// a nonzero exit code.
func RunNsinit() error {
	raw := os.Getenv(envConfig)
	if raw == "" {
		return fmt.Errorf("nsinit: missing %s", envConfig)
	}
	var cfg nsinitConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return fmt.Errorf("nsinit: parse config: %w", err)
	}
	return nsinitMain(cfg)
}

// buildNsinitCmd constructs the parent-side exec.Cmd that clones into
// new namespaces and re-execs this binary in nsinit mode. stdout/stderr
// are wired as the child's output streams verbatim; the caller decides
// how much of them to retain (see sandbox.go's bounded output writer).
func buildNsinitCmd(cfg nsinitConfig, stdout, stderr io.Writer) (*exec.Cmd, error) {
	p := cfg.Profile
	nsCfg := nsinitConfig{
		RootfsSource:        p.RootfsSource,
		WorkspaceRoot:       cfg.WorkspaceRoot,
		WorkspaceMountPoint: p.WorkspaceMountPoint,
		DefaultPathEnv:      p.DefaultPathEnv,
		DeniedSyscalls:      p.DeniedSyscalls,
		Strict:              p.Strict,
		Command:             cfg.Command,
		MemoryBytes:         cfg.MemoryBytes,
		CPUSeconds:          cfg.CPUSeconds,
	}

	payload, err := json.Marshal(nsCfg)
	if err != nil {
		return nil, fmt.Errorf("marshal nsinit config: %w", err)
	}

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve self executable: %w", err)
	}

	cmd := exec.Command(self)
	cmd.Env = []string{
		fmt.Sprintf("%s=1", envNsinit),
		fmt.Sprintf("%s=%s", envConfig, string(payload)),
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWNS |
			syscall.CLONE_NEWPID |
			syscall.CLONE_NEWUTS |
			syscall.CLONE_NEWIPC |
			syscall.CLONE_NEWCGROUP |
			syscall.CLONE_NEWNET,
	}

	cmd.Stdout = stdout
	cmd.Stderr = stderr

	return cmd, nil
}

// nsinitMain runs inside the cloned namespaces as the new PID 1. It
// bind-mounts the profile rootfs as the new root (read-only), bind-
// mounts the workspace read-write at the configured mount point, mounts
// /proc, applies rlimits, installs the seccomp filter, and execs
// /bin/sh -c command. Every step failure is fatal to the child and reported via
// process exit status, which the parent folds into SystemError.
func nsinitMain(cfg nsinitConfig) error {
	if err := syscall.Sethostname([]byte("coderunner-sandbox")); err != nil {
		return fmt.Errorf("sethostname: %w", err)
	}

	mnt, err := os.MkdirTemp("", "coderunner-root-*")
	if err != nil {
		return fmt.Errorf("mkdir root: %w", err)
	}

	if err := prepareRoot(cfg, mnt); err != nil {
		return fmt.Errorf("prepare root: %w", err)
	}

	if err := mountProc(); err != nil {
		return fmt.Errorf("mount proc: %w", err)
	}

	if err := applyRlimits(cfg.MemoryBytes, cfg.CPUSeconds); err != nil {
		return fmt.Errorf("apply rlimits: %w", err)
	}

	if err := installSeccompFilter(cfg.DeniedSyscalls, cfg.Strict); err != nil {
		return fmt.Errorf("install seccomp filter: %w", err)
	}

	shell := "/bin/sh"
	argv := []string{shell, "-c", cfg.Command}
	pathEnv := cfg.DefaultPathEnv
	if pathEnv == "" {
		pathEnv = "/bin"
	}
	env := []string{
		"PATH=" + pathEnv,
		"HOME=/box",
	}

	return syscall.Exec(shell, argv, env)
}

func workspaceMountTarget(mnt string, cfg nsinitConfig) string {
	return filepath.Join(mnt, cfg.WorkspaceMountPoint)
}
