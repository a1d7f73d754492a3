//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// makePrivate recursively marks path (and everything under it) MS_PRIVATE
// so that later pivot_root/bind-mount operations inside the child's
// mount namespace never propagate back to the host.
func makePrivate(path string) error {
	return unix.Mount("", path, "", unix.MS_REC|unix.MS_PRIVATE, "")
}

// bindMount bind-mounts src onto dst. If readonly, it performs the
// standard two-step Linux bind-mount remount dance: a plain bind mount
// does not honor MS_RDONLY on its own, so a second MS_REMOUNT|MS_BIND
// pass is required to actually make it read-only.
func bindMount(src, dst string, readonly bool) error {
	if err := unix.Mount(src, dst, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind mount %s -> %s: %w", src, dst, err)
	}
	if readonly {
		if err := unix.Mount(src, dst, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("remount ro %s: %w", dst, err)
		}
	}
	return nil
}

// pivotRoot replaces the current root with newRoot, stashing the old
// root at oldRootWithinNew (which must be a directory inside newRoot).
func pivotRoot(newRoot, oldRootWithinNew string) error {
	if err := unix.PivotRoot(newRoot, oldRootWithinNew); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	return nil
}

func mountProc() error {
	if err := os.MkdirAll("/proc", 0o555); err != nil {
		return fmt.Errorf("mkdir /proc: %w", err)
	}
	if err := unix.Mount("proc", "/proc", "proc", 0, ""); err != nil {
		return fmt.Errorf("mount /proc: %w", err)
	}
	return nil
}

// prepareRoot assembles the sandbox's root filesystem: bind-mounts
// cfg's rootfs source read-only at a fresh mount point, bind-mounts the
// workspace read-write at the configured mount point inside it, then
// pivot_roots into it. This realizes "bind-mount host / as the sandbox
// root, read-only for all paths except the workspace" from the system
// design.
func prepareRoot(cfg nsinitConfig, mnt string) error {
	if err := makePrivate("/"); err != nil {
		return fmt.Errorf("make / private: %w", err)
	}

	if err := bindMount(cfg.RootfsSource, mnt, false); err != nil {
		return err
	}
	// A bind mount must itself be private before it can be the target of
	// pivot_root.
	if err := makePrivate(mnt); err != nil {
		return fmt.Errorf("make %s private: %w", mnt, err)
	}

	workspaceTarget := workspaceMountTarget(mnt, cfg)
	if err := os.MkdirAll(workspaceTarget, 0o755); err != nil {
		return fmt.Errorf("mkdir workspace mount point: %w", err)
	}
	if err := bindMount(cfg.WorkspaceRoot, workspaceTarget, false); err != nil {
		return err
	}

	// Remount everything else under mnt read-only now that the
	// read-write workspace bind mount is already in place; a later
	// recursive MS_RDONLY remount would otherwise also freeze the
	// workspace mount.
	if err := unix.Mount("", mnt, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
		return fmt.Errorf("remount root ro: %w", err)
	}

	oldRoot := filepath.Join(mnt, ".coderunner-oldroot")
	if err := os.MkdirAll(oldRoot, 0o700); err != nil {
		return fmt.Errorf("mkdir oldroot: %w", err)
	}

	if err := pivotRoot(mnt, oldRoot); err != nil {
		return err
	}

	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}

	oldRootAfterPivot := "/.coderunner-oldroot"
	if err := unix.Unmount(oldRootAfterPivot, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("unmount oldroot: %w", err)
	}
	_ = os.RemoveAll(oldRootAfterPivot)

	if err := os.Chdir(cfg.WorkspaceMountPoint); err != nil {
		return fmt.Errorf("chdir workspace: %w", err)
	}

	return nil
}
