// Package config loads daemon configuration from an optional YAML file
// with environment variable overrides, the same two-layer precedence the
// rest of the ambient stack uses (flag > env > file > built-in default).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Defaults holds the per-session limits applied when a Run command does
// not specify its own. The YAML "memory" key is a human-readable size
// string, parsed separately by Load, so MemoryBytes is not decoded
// directly.
type Defaults struct {
	MemoryBytes uint64 `yaml:"-"`
	CPUSeconds  uint64 `yaml:"cpu_seconds"`
}

// Config is the daemon's resolved configuration.
type Config struct {
	Listen            string   `yaml:"listen"`
	BaseDir           string   `yaml:"base_dir"`
	LogLevel          string   `yaml:"log_level"`
	AuditDBPath       string   `yaml:"audit_db_path"`
	ReaperIntervalSec int      `yaml:"reaper_interval_seconds"`
	DeniedSyscalls    []string `yaml:"denied_syscalls"`
	Defaults          Defaults `yaml:"defaults"`

	// rawMemoryLimit holds the raw human-readable defaults.memory string
	// the YAML file used, if any, before it was parsed into Defaults.
	// Kept only for diagnostics; the parsed value is authoritative.
	rawMemoryLimit string
}

// defaultDeniedSyscalls matches the SandboxProfile denylist named in the
// system's data model: mount, umount, poweroff, reboot, socket, bind,
// connect, listen, sendto, recvfrom. Implementers may add to this list
// but must keep these ten.
var defaultDeniedSyscalls = []string{
	"mount", "umount", "poweroff", "reboot",
	"socket", "bind", "connect", "listen", "sendto", "recvfrom",
}

// Load reads yamlPath (if non-empty and present), applies it on top of
// built-in defaults, then applies CODERUNNER_* environment overrides.
// A missing yamlPath file is not an error; a malformed one is.
func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Listen:            "[::1]:50051",
		BaseDir:           "/var/tmp/code-runner",
		LogLevel:          "info",
		AuditDBPath:       "./coderunner-audit.db",
		ReaperIntervalSec: 300,
		DeniedSyscalls:    append([]string(nil), defaultDeniedSyscalls...),
		Defaults: Defaults{
			MemoryBytes: 512 * 1024 * 1024,
			CPUSeconds:  30,
		},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			var raw struct {
				Defaults struct {
					Memory string `yaml:"memory"`
				} `yaml:"defaults"`
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", yamlPath, err)
			}
			if err := yaml.Unmarshal(data, &raw); err == nil && raw.Defaults.Memory != "" {
				cfg.rawMemoryLimit = raw.Defaults.Memory
				n, err := units.RAMInBytes(raw.Defaults.Memory)
				if err != nil {
					return nil, fmt.Errorf("config: defaults.memory %q: %w", raw.Defaults.Memory, err)
				}
				cfg.Defaults.MemoryBytes = uint64(n)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", yamlPath, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("CODERUNNER_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("CODERUNNER_BASE_DIR"); v != "" {
		cfg.BaseDir = v
	}
	if v := os.Getenv("CODERUNNER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CODERUNNER_AUDIT_DB_PATH"); v != "" {
		cfg.AuditDBPath = v
	}
	if v := os.Getenv("CODERUNNER_REAPER_INTERVAL_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: CODERUNNER_REAPER_INTERVAL_SECONDS: %w", err)
		}
		cfg.ReaperIntervalSec = n
	}
	if v := os.Getenv("CODERUNNER_DENIED_SYSCALLS"); v != "" {
		cfg.DeniedSyscalls = strings.Split(v, ",")
	}
	if v := os.Getenv("CODERUNNER_DEFAULT_MEMORY"); v != "" {
		n, err := units.RAMInBytes(v)
		if err != nil {
			return fmt.Errorf("config: CODERUNNER_DEFAULT_MEMORY: %w", err)
		}
		cfg.Defaults.MemoryBytes = uint64(n)
	}
	if v := os.Getenv("CODERUNNER_DEFAULT_CPU_SECONDS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: CODERUNNER_DEFAULT_CPU_SECONDS: %w", err)
		}
		cfg.Defaults.CPUSeconds = n
	}
	return nil
}
