package sandbox

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// FakeLauncher is an in-process Launcher used by WorkerPool and
// Dispatcher tests: instead of forking namespaces it dials the given
// control socket itself and writes the handshake, so ControlPlane's
// accept loop sees a real connection without requiring root or Linux.
type FakeLauncher struct {
	mu      sync.Mutex
	pids    int64
	workers map[int]*fakeProc
	exits   chan exitEvent
	forced  map[int]bool

	// Behavior lets a test cause a worker's simulated process to write
	// a canned response, sleep, or exit immediately. It runs after
	// Spawn has written the handshake and receives the worker's code
	// token and its end of the control connection; the simulated
	// process exits when Behavior returns.
	Behavior func(codeToken string, conn net.Conn)
}

type fakeProc struct {
	codeToken string
	killed    chan struct{}
	killOnce  sync.Once
	conn      net.Conn
}

type exitEvent struct {
	pid  int
	code int
}

// NewFakeLauncher returns a ready-to-use FakeLauncher.
func NewFakeLauncher() *FakeLauncher {
	return &FakeLauncher{
		workers: make(map[int]*fakeProc),
		exits:   make(chan exitEvent, 256),
		forced:  make(map[int]bool),
	}
}

func (f *FakeLauncher) Spawn(ctx context.Context, spec Spec, controlSocketPath string) (*Worker, error) {
	conn, err := net.Dial("unix", controlSocketPath)
	if err != nil {
		return nil, &SpawnError{Op: "dial", Err: err}
	}
	if _, err := conn.Write([]byte(spec.CodeToken)); err != nil {
		conn.Close()
		return nil, &SpawnError{Op: "handshake", Err: err}
	}

	pid := int(atomic.AddInt64(&f.pids, 1))
	p := &fakeProc{codeToken: spec.CodeToken, killed: make(chan struct{}), conn: conn}

	f.mu.Lock()
	f.workers[pid] = p
	f.mu.Unlock()

	go f.run(pid, p, spec)

	return &Worker{
		PID:          pid,
		PivotRootDir: fmt.Sprintf("/fake/%d", pid),
		CodeToken:    spec.CodeToken,
		BinaryPath:   spec.BinaryPath,
		State:        StateStarting,
		Mode:         spec.Mode,
	}, nil
}

func (f *FakeLauncher) run(pid int, p *fakeProc, spec Spec) {
	fmt.Println("DEBUG fake run: starting behavior for pid", pid)
	if f.Behavior != nil {
		f.Behavior(spec.CodeToken, p.conn)
	}
	fmt.Println("DEBUG fake run: behavior returned for pid", pid)
	select {
	case <-p.killed:
		fmt.Println("DEBUG fake run: pid killed, sending exit", pid)
		f.exits <- exitEvent{pid: pid, code: -1}
	default:
		fmt.Println("DEBUG fake run: pid not killed, sending exit", pid)
		f.exits <- exitEvent{pid: pid, code: 0}
	}
	fmt.Println("DEBUG fake run: exit sent for pid", pid)
}

// Kill is idempotent, mirroring linux.Launcher.Kill tolerating ESRCH:
// concurrent callers (e.g. Release and Delete racing on the same
// worker) may both Kill the same pid, and only the first may actually
// signal it.
func (f *FakeLauncher) Kill(w *Worker, force bool) error {
	fmt.Println("DEBUG Kill called for pid", w.PID)
	f.mu.Lock()
	p, ok := f.workers[w.PID]
	if force {
		f.forced[w.PID] = true
	}
	f.mu.Unlock()
	if !ok {
		fmt.Println("DEBUG Kill: pid not found", w.PID)
		return nil
	}
	p.killOnce.Do(func() {
		fmt.Println("DEBUG Kill: closing pid", w.PID)
		close(p.killed)
		p.conn.Close()
		fmt.Println("DEBUG Kill: closed pid", w.PID)
	})
	return nil
}

// Forced reports whether Kill was ever called for pid with force set,
// so tests can assert a caller always SIGKILLs rather than SIGTERMs.
func (f *FakeLauncher) Forced(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forced[pid]
}

func (f *FakeLauncher) Reap(ctx context.Context) (int, int, error) {
	select {
	case e := <-f.exits:
		f.mu.Lock()
		delete(f.workers, e.pid)
		f.mu.Unlock()
		return e.pid, e.code, nil
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}
}

func (f *FakeLauncher) Cleanup(w *Worker) error {
	return nil
}

var _ Launcher = (*FakeLauncher)(nil)
