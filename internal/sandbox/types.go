// Package sandbox defines the WorkerSpec/Worker data model and the
// Launcher interface that WorkerPool drives to produce sandboxed
// workers. The concrete implementation (namespaces, pivot_root,
// capability drop) lives in sandbox/linux, since that machinery is
// Linux-only; this package stays portable so WorkerPool and its tests
// can run against a fake Launcher on any platform.
package sandbox

import (
	"context"
	"fmt"
)

// Mode selects whether a worker is expected to additionally run under
// an external sandboxing monitor (gVisor). In both modes the Launcher
// applies the same namespaces, pivot_root, and capability drop; the
// mode is carried on the Worker purely as a label an external
// supervisor can act on.
type Mode int

const (
	ModeWithoutGvisor Mode = iota
	ModeWithGvisor
)

func (m Mode) String() string {
	switch m {
	case ModeWithGvisor:
		return "with_gvisor"
	case ModeWithoutGvisor:
		return "without_gvisor"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Spec is the immutable-per-code-token description WorkerPool stores
// and replays every time it needs to produce a replacement worker.
type Spec struct {
	CodeToken        string
	BinaryPath       string
	WorkerCount      int
	LogEgressEnabled bool
	Mode             Mode
	ReadOnlyMounts   []string
}

// State is a Worker's position in its own lifecycle.
type State int

const (
	StateStarting State = iota
	StateIdle
	StateBusy
	StateExited
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Worker is a single sandboxed child process, owned exclusively by
// WorkerPool once Launcher.Spawn returns it.
//
// ControlPlane attaches the worker's accepted socket connection out of
// band (via WorkerPool, keyed by CodeToken + handshake order) once the
// worker dials in and completes its handshake; Launcher itself never
// touches that connection, since dialing happens inside the sandboxed
// child after pivot_root.
type Worker struct {
	PID          int
	PivotRootDir string
	CodeToken    string
	BinaryPath   string
	State        State
	Mode         Mode
	LogPath      string // empty when log egress is disabled for this code token
}

// SpawnError is returned by Launcher.Spawn when any syscall during
// sandbox setup fails. It carries the errno so WorkerPool can log it
// and decide whether to retry the slot.
type SpawnError struct {
	Op  string
	Err error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("sandbox: spawn failed at %s: %v", e.Op, e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// Launcher produces one Worker per call to Spawn, grounded on
// spec.md §4.2: it creates the namespaces, constructs the
// ephemeral pivot_root directory, bind-mounts the read-only mount
// list plus the worker's own binary, pivots into it, dials the
// control socket, hands the binary its duplicated socket fd, and
// execs it.
type Launcher interface {
	// Spawn launches one worker under spec, handing the worker the
	// dialed control socket so it can complete the ControlPlane
	// handshake before the caller's context is done.
	Spawn(ctx context.Context, spec Spec, controlSocketPath string) (*Worker, error)

	// Kill signals the worker's process: SIGKILL when force is set,
	// SIGTERM otherwise. It must tolerate the process already being
	// gone.
	Kill(w *Worker, force bool) error

	// Reap blocks until any child started by this Launcher exits and
	// returns its pid and exit status. WorkerPool's reaper loop calls
	// this in a dedicated goroutine.
	Reap(ctx context.Context) (pid int, exitCode int, err error)

	// Cleanup removes the pivot_root directory and any other
	// per-worker host-side state. Must only be called after Reap has
	// returned for w's pid (invariant: no worker outlives its
	// pivot-root directory).
	Cleanup(w *Worker) error
}
