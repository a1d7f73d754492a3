// Package workspace manages the per-session directory on the host that
// is bind-mounted into a sandbox as /box. A Workspace is created once at
// Session setup, mutated only through PutFile, and destroyed exactly
// once by Cleanup.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned by GetFile when the requested file does not
// exist under the workspace root.
var ErrNotFound = errors.New("workspace: file not found")

// ErrPathEscapesRoot is returned when a client-supplied relative name
// would resolve outside the workspace root, whether via ".." components
// or a symlink inside the workspace.
var ErrPathEscapesRoot = errors.New("workspace: path escapes workspace root")

// Workspace is a per-session directory under a configured base directory.
type Workspace struct {
	// RootPath is the absolute host path of the workspace directory.
	RootPath string

	mu     sync.Mutex
	exists bool
}

// Create makes base/sessionID (and any missing parents) and returns a
// Workspace rooted there. Any failure to create the directory is
// reported as-is; the server logs it and closes the connection without
// opening a session.
func Create(base, sessionID string) (*Workspace, error) {
	root := filepath.Join(base, sessionID)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: create %s: %w", root, err)
	}
	return &Workspace{RootPath: root, exists: true}, nil
}

// resolve joins name under the workspace root, rejects any path that is
// absolute or whose cleaned form climbs above the root via "..", and
// verifies the resolved path (following any existing symlinks in its
// parent chain and in its final component) still has RootPath as a
// prefix. This closes the path-traversal defect the
// system design flags as a known latent issue in the source: a
// client-supplied name is never pasted directly into a host path.
func (w *Workspace) resolve(relativeName string) (string, error) {
	if relativeName == "" {
		return "", fmt.Errorf("%w: empty filename", ErrPathEscapesRoot)
	}
	if filepath.IsAbs(relativeName) {
		return "", fmt.Errorf("%w: absolute path %q", ErrPathEscapesRoot, relativeName)
	}

	cleaned := filepath.Clean(relativeName)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscapesRoot, relativeName)
	}

	target := filepath.Join(w.RootPath, cleaned)
	if target != w.RootPath && !strings.HasPrefix(target, w.RootPath+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscapesRoot, relativeName)
	}

	// Resolve the parent directory chain to catch a symlink planted by
	// an earlier Put that would otherwise redirect writes/reads outside
	// RootPath. A missing parent is fine (PutFile creates it); only an
	// existing parent that resolves outside the root is rejected.
	parent := filepath.Dir(target)
	if resolvedParent, err := filepath.EvalSymlinks(parent); err == nil {
		resolvedRoot, err := filepath.EvalSymlinks(w.RootPath)
		if err != nil {
			return "", fmt.Errorf("workspace: resolve root: %w", err)
		}
		if resolvedParent != resolvedRoot && !strings.HasPrefix(resolvedParent, resolvedRoot+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: %q", ErrPathEscapesRoot, relativeName)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("workspace: resolve parent: %w", err)
	}

	// The final component can itself be a symlink (a Run can create one);
	// it is rejected unless it resolves to a path under the root.
	if fi, err := os.Lstat(target); err == nil && fi.Mode()&fs.ModeSymlink != 0 {
		resolvedTarget, err := filepath.EvalSymlinks(target)
		resolvedRoot, rootErr := filepath.EvalSymlinks(w.RootPath)
		if err != nil || rootErr != nil || (resolvedTarget != resolvedRoot && !strings.HasPrefix(resolvedTarget, resolvedRoot+string(filepath.Separator))) {
			return "", fmt.Errorf("%w: %q", ErrPathEscapesRoot, relativeName)
		}
	}

	return target, nil
}

// PutFile writes content to relativeName under the workspace root,
// truncating any existing file, and returns the number of bytes written.
// The write is flushed (via File.Sync) before returning.
func (w *Workspace) PutFile(relativeName string, content []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	target, err := w.resolve(relativeName)
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("workspace: mkdir parent for %s: %w", relativeName, err)
	}

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("workspace: open %s: %w", relativeName, err)
	}
	defer f.Close()

	n, err := f.Write(content)
	if err != nil {
		return n, fmt.Errorf("workspace: write %s: %w", relativeName, err)
	}
	if err := f.Sync(); err != nil {
		return n, fmt.Errorf("workspace: sync %s: %w", relativeName, err)
	}
	return n, nil
}

// GetFile reads and returns the full content of relativeName under the
// workspace root. Returns ErrNotFound wrapped if the file does not
// exist.
func (w *Workspace) GetFile(relativeName string) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	target, err := w.resolve(relativeName)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, relativeName)
		}
		return nil, fmt.Errorf("workspace: read %s: %w", relativeName, err)
	}
	return data, nil
}

// Root returns the workspace's absolute host path.
func (w *Workspace) Root() string {
	return w.RootPath
}

// Cleanup recursively removes RootPath. It is idempotent: calling it
// again on an already-removed workspace returns nil.
func (w *Workspace) Cleanup() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.exists {
		return nil
	}
	if err := os.RemoveAll(w.RootPath); err != nil {
		return fmt.Errorf("workspace: cleanup %s: %w", w.RootPath, err)
	}
	w.exists = false
	return nil
}
