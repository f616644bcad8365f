//go:build linux

package linux

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/byobd/byobd/internal/logcapture"
	"github.com/byobd/byobd/internal/sandbox"
	"github.com/byobd/byobd/protocol"
)

// Launcher implements sandbox.Launcher by forking a fresh
// mount/PID/UTS/IPC namespace per worker via a self-reexec into
// nsinit, grounded on the teacher's nsinit.go launch and driver.go
// filesystem setup.
type Launcher struct {
	// RootDir is the host temp directory under which each worker's
	// ephemeral pivot_root_dir is created.
	RootDir string
	// UID/GID the worker binary runs as once capabilities are
	// dropped. Zero means "do not change identity".
	UID, GID int
	// NoNewPrivs and DropCaps mirror protocol.NsinitConfig's fields;
	// both default true in production and are only turned off in
	// tests that don't run as root.
	NoNewPrivs, DropCaps bool

	mu      sync.Mutex
	cmds    map[int]*spawnedProc // pid -> cmd + its log fd, for Kill/Reap bookkeeping
	waitErr chan waitResult
}

// spawnedProc pairs a running worker's *exec.Cmd with the log file its
// stdout/stderr were redirected to, so waitFor can close that fd once
// the process exits instead of leaking it.
type spawnedProc struct {
	cmd     *exec.Cmd
	logFile *os.File
}

type waitResult struct {
	pid  int
	code int
	err  error
}

// New returns a Launcher rooted at rootDir, which must already exist.
func New(rootDir string) *Launcher {
	return &Launcher{
		RootDir:    rootDir,
		NoNewPrivs: true,
		DropCaps:   true,
		cmds:       make(map[int]*spawnedProc),
		waitErr:    make(chan waitResult, 64),
	}
}

// Spawn implements spec.md §4.2's algorithm. Steps 2, 3, and (the
// host-visible half of) 4 run here, in the daemon's own namespace,
// before the nsinit re-exec; the nsinit child then performs the
// pivot_root itself and hands off into the UDF binary.
func (l *Launcher) Spawn(ctx context.Context, spec sandbox.Spec, controlSocketPath string) (*sandbox.Worker, error) {
	pivotDir, err := os.MkdirTemp(l.RootDir, "byobd-worker-")
	if err != nil {
		return nil, &sandbox.SpawnError{Op: "mkdtemp", Err: err}
	}

	cleanup := true
	defer func() {
		if cleanup {
			os.RemoveAll(pivotDir)
		}
	}()

	for _, ro := range spec.ReadOnlyMounts {
		if err := bindReadOnlyPath(pivotDir, ro); err != nil {
			return nil, &sandbox.SpawnError{Op: "bind_readonly:" + ro, Err: err}
		}
	}

	if _, err := bindWorkerBinary(pivotDir, spec.BinaryPath); err != nil {
		return nil, &sandbox.SpawnError{Op: "bind_binary", Err: err}
	}
	// In-sandbox (post-pivot_root) path: the pivot_root_dir becomes
	// "/", so the bound binary lives at "/worker".
	const sandboxBinaryPath = "/worker"

	runDir := filepath.Join(pivotDir, "run")
	if err := mkdirAll(runDir); err != nil {
		return nil, &sandbox.SpawnError{Op: "mkdir_run", Err: err}
	}
	sockDst := filepath.Join(pivotDir, "run", "control.sock")
	if err := os.WriteFile(sockDst, nil, 0o600); err != nil {
		return nil, &sandbox.SpawnError{Op: "touch_control_sock", Err: err}
	}
	if err := bindMount(controlSocketPath, sockDst, false); err != nil {
		return nil, &sandbox.SpawnError{Op: "bind_control_sock", Err: err}
	}

	// Step 4: bind-mount pivot_root_dir onto itself, required for
	// pivot_root(2) to succeed when newRoot is not already a mount
	// point.
	if err := bindMount(pivotDir, pivotDir, false); err != nil {
		return nil, &sandbox.SpawnError{Op: "self_bind", Err: err}
	}

	cfg := protocol.NsinitConfig{
		CodeToken:       spec.CodeToken,
		PivotRootDir:    pivotDir,
		BinaryPath:      sandboxBinaryPath,
		ControlSockPath: controlSocketPath,
		ReadOnlyMounts:  spec.ReadOnlyMounts,
		UID:             l.UID,
		GID:             l.GID,
		NoNewPrivs:      l.NoNewPrivs,
		DropCaps:        l.DropCaps,
	}

	cmd, err := launchNsinit(cfg)
	if err != nil {
		return nil, &sandbox.SpawnError{Op: "launch_nsinit", Err: err}
	}

	logFile, sink, err := logcapture.Open(l.RootDir, spec.LogEgressEnabled)
	if err != nil {
		return nil, &sandbox.SpawnError{Op: "open_log_sink", Err: err}
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, &sandbox.SpawnError{Op: "start", Err: err}
	}
	cleanup = false

	l.mu.Lock()
	l.cmds[cmd.Process.Pid] = &spawnedProc{cmd: cmd, logFile: logFile}
	l.mu.Unlock()

	go l.waitFor(cmd, logFile)

	return &sandbox.Worker{
		PID:          cmd.Process.Pid,
		PivotRootDir: pivotDir,
		CodeToken:    spec.CodeToken,
		BinaryPath:   sandboxBinaryPath,
		State:        sandbox.StateStarting,
		Mode:         spec.Mode,
		LogPath:      sink.Path,
	}, nil
}

// waitFor blocks on cmd's exit and closes logFile once it's no longer
// possible for the worker to write to it, so the daemon doesn't leak
// one fd (the devnull handle or the per-invocation temp log file) per
// spawn under this pool's continuous respawn.
func (l *Launcher) waitFor(cmd *exec.Cmd, logFile *os.File) {
	err := cmd.Wait()
	logFile.Close()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				code = status.ExitStatus()
			}
		} else {
			l.waitErr <- waitResult{pid: cmd.Process.Pid, code: -1, err: err}
			return
		}
	}
	l.waitErr <- waitResult{pid: cmd.Process.Pid, code: code}
}

// Reap blocks until the next worker exits.
func (l *Launcher) Reap(ctx context.Context) (int, int, error) {
	select {
	case r := <-l.waitErr:
		l.mu.Lock()
		delete(l.cmds, r.pid)
		l.mu.Unlock()
		return r.pid, r.code, r.err
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}
}

// Kill signals a worker's process. force selects SIGKILL over SIGTERM.
func (l *Launcher) Kill(w *sandbox.Worker, force bool) error {
	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}
	if err := unix.Kill(w.PID, sig); err != nil && err != unix.ESRCH {
		return fmt.Errorf("sandbox: kill pid %d: %w", w.PID, err)
	}
	return nil
}

// Cleanup removes a worker's pivot_root directory and log file. Must
// only be called after Reap has returned for w.PID.
func (l *Launcher) Cleanup(w *sandbox.Worker) error {
	logcapture.Sink{Path: w.LogPath}.Remove()
	if err := os.RemoveAll(w.PivotRootDir); err != nil {
		return fmt.Errorf("sandbox: remove pivot root %s: %w", w.PivotRootDir, err)
	}
	return nil
}

var _ sandbox.Launcher = (*Launcher)(nil)
