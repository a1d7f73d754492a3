// Command coderunnerd is the remote code execution daemon: it listens
// for command streams, runs each session's commands in an isolated
// sandbox, and reclaims every session's resources deterministically on
// disconnect, error, or process shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coderunner/coderunner/internal/audit"
	"github.com/coderunner/coderunner/internal/config"
	"github.com/coderunner/coderunner/internal/reaper"
	"github.com/coderunner/coderunner/internal/sandbox"
	"github.com/coderunner/coderunner/internal/sandboxprofile"
	"github.com/coderunner/coderunner/internal/server"
)

func main() {
	// This binary re-execs itself to perform namespace/seccomp/rlimit
	// setup as the new PID 1 inside a cloned set of namespaces; that
	// re-exec must be handled before any flag parsing or daemon setup
	// runs, exactly like the teacher's nsinit dispatch at the top of main.
	if sandbox.IsNsinit() {
		if err := sandbox.RunNsinit(); err != nil {
			fmt.Fprintln(os.Stderr, "nsinit:", err)
			os.Exit(1)
		}
		return
	}

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "coderunnerd:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("coderunnerd", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to coderunner.yaml")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	listen := fs.String("listen", "", "listen address, overrides config")
	strict := fs.Bool("strict", false, "enable the strict seccomp profile (also denies setns/unshare)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := *configPath
	if path == "" {
		path = os.Getenv("CODERUNNER_CONFIG")
	}
	if path == "" {
		for _, candidate := range []string{"coderunner.yaml", "/etc/coderunner/coderunner.yaml"} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: resolveLevel(level)}))

	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return fmt.Errorf("create base dir %s: %w", cfg.BaseDir, err)
	}

	profile := sandboxprofile.New(cfg.DeniedSyscalls, *strict)
	sb := sandbox.New(profile, logger)

	auditLog, err := audit.Open(cfg.AuditDBPath, logger)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}
	logger.Info("listening", "addr", listener.Addr().String())

	srv := server.New(listener, cfg.BaseDir, sb, cfg.Defaults.MemoryBytes, cfg.Defaults.CPUSeconds, auditLog, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rpr := reaper.New(cfg.BaseDir, srv, time.Duration(cfg.ReaperIntervalSec)*time.Second, logger)
	go rpr.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	serveErr := srv.Serve(ctx)
	// Serve does not wait for in-flight sessions; clean up every
	// still-registered session before the process exits.
	srv.Shutdown()
	if serveErr != nil {
		return fmt.Errorf("serve: %w", serveErr)
	}
	return nil
}

func resolveLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
