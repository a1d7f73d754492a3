// Package sandboxprofile holds the static, process-wide configuration a
// Sandbox constructs its isolated execution context from. A Profile is
// built once and is immutable afterward; every Session's Sandbox shares
// the same Profile.
package sandboxprofile

// Namespace names the kernel namespaces unshared for every sandboxed
// child, per the system's SandboxProfile data model. The mount namespace
// is always unshared too (an implementation default, not configurable),
// because bind-mounting the workspace read-write while the rest of the
// root stays read-only requires a private mount table. A PID namespace
// is likewise always unshared, so the sandboxed shell runs as PID 1.
type Namespace string

const (
	NamespaceCgroup Namespace = "cgroup"
	NamespaceIPC    Namespace = "ipc"
	NamespaceUTS    Namespace = "uts"
	NamespaceNet    Namespace = "net"
)

// DefaultNamespaces is the fixed set of namespaces unshared per process
// invocation, matching §4.2 of the system design.
var DefaultNamespaces = []Namespace{NamespaceCgroup, NamespaceIPC, NamespaceUTS, NamespaceNet}

// DefaultDeniedSyscalls is the fixed denylist a Profile must keep at
// minimum; callers may extend it but must not remove any of these ten.
var DefaultDeniedSyscalls = []string{
	"mount", "umount", "poweroff", "reboot",
	"socket", "bind", "connect", "listen", "sendto", "recvfrom",
}

// Profile is the immutable, process-wide sandbox configuration.
type Profile struct {
	// RootfsSource is the host path bind-mounted as the sandbox root,
	// read-only everywhere except the workspace mount point.
	RootfsSource string

	// UnsharedNamespaces are the namespaces unshared for every child.
	UnsharedNamespaces []Namespace

	// DeniedSyscalls names the syscalls the seccomp filter returns
	// SIGSYS-errno for; every other syscall is allowed.
	DeniedSyscalls []string

	// DefaultPathEnv is the PATH environment variable set for every
	// sandboxed child.
	DefaultPathEnv string

	// WorkspaceMountPoint is where the Workspace's root directory is
	// bind-mounted read-write inside the sandbox.
	WorkspaceMountPoint string

	// Strict additionally denies setns/unshare, closing re-entry into
	// namespace manipulation from inside the sandbox. Off by default to
	// match the system's "keep arbitrary language runtimes runnable"
	// rationale; operators can turn it on via configuration.
	Strict bool
}

// New builds the default process-wide Profile. extraDenied is appended
// to DefaultDeniedSyscalls, letting configuration add syscalls without
// ever being able to remove the required ten.
func New(extraDenied []string, strict bool) *Profile {
	denied := make([]string, 0, len(DefaultDeniedSyscalls)+len(extraDenied))
	denied = append(denied, DefaultDeniedSyscalls...)
	seen := make(map[string]bool, len(denied))
	for _, s := range denied {
		seen[s] = true
	}
	for _, s := range extraDenied {
		if !seen[s] {
			denied = append(denied, s)
			seen[s] = true
		}
	}

	return &Profile{
		RootfsSource:        "/",
		UnsharedNamespaces:  append([]Namespace(nil), DefaultNamespaces...),
		DeniedSyscalls:      denied,
		DefaultPathEnv:      "/bin",
		WorkspaceMountPoint: "/box",
		Strict:              strict,
	}
}
