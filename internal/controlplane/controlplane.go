// Package controlplane implements the single accept loop workers dial
// into after a SandboxLauncher spawn: each connecting worker sends a
// fixed-length code_token handshake, and the accepted connection is
// handed off to whichever WorkerPool slot is waiting for the next
// worker under that code token.
package controlplane

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/byobd/byobd/protocol"
)

// ControlPlane owns one filesystem-bound Unix socket listener for the
// lifetime of the daemon.
type ControlPlane struct {
	SocketPath string

	log      *zap.Logger
	listener net.Listener

	mu      sync.Mutex
	waiters map[string][]*waiter // code_token -> FIFO of registered slots
	idSeq   int64
	closed  bool
}

type waiter struct {
	id int64
	ch chan net.Conn
}

// New binds the control plane's listening socket. Any stale socket
// file at socketPath is removed first.
func New(socketPath string, log *zap.Logger) (*ControlPlane, error) {
	if log == nil {
		log = zap.NewNop()
	}
	os.Remove(socketPath)

	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("controlplane: listen %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		l.Close()
		return nil, fmt.Errorf("controlplane: chmod %s: %w", socketPath, err)
	}

	return &ControlPlane{
		SocketPath: socketPath,
		log:        log,
		listener:   l,
		waiters:    make(map[string][]*waiter),
	}, nil
}

// Serve runs the accept loop until ctx is cancelled or Close is
// called. It is meant to run in its own goroutine for the lifetime of
// the daemon — spec.md §5's "one accept loop for the ControlPlane".
func (cp *ControlPlane) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		cp.Close()
	}()

	for {
		conn, err := cp.listener.Accept()
		if err != nil {
			cp.mu.Lock()
			closed := cp.closed
			cp.mu.Unlock()
			if closed {
				return nil
			}
			cp.log.Warn("controlplane: accept failed", zap.Error(err))
			continue
		}
		go cp.handleConn(conn)
	}
}

func (cp *ControlPlane) handleConn(conn net.Conn) {
	buf := make([]byte, protocol.CodeTokenLen)
	if _, err := io.ReadFull(conn, buf); err != nil {
		cp.log.Warn("controlplane: handshake read failed", zap.Error(err))
		conn.Close()
		return
	}
	codeToken := string(buf)

	cp.mu.Lock()
	q := cp.waiters[codeToken]
	if len(q) == 0 {
		cp.mu.Unlock()
		cp.log.Warn("controlplane: no registered slot for code token", zap.String("code_token", codeToken))
		conn.Close()
		return
	}
	w := q[0]
	cp.waiters[codeToken] = q[1:]
	if len(cp.waiters[codeToken]) == 0 {
		delete(cp.waiters, codeToken)
	}
	cp.mu.Unlock()

	w.ch <- conn
}

// Register reserves the next incoming handshake for codeToken and
// returns a channel that receives the accepted connection, wrapped in
// a FramedChannel, once the corresponding worker dials in.
// WorkerPool calls this before launching the worker, so the N-th
// worker spawned under a code token is registered before the N-th
// handshake can arrive — this is what gives spec.md §4.3 its ordering
// guarantee.
func (cp *ControlPlane) Register(codeToken string) (id int64, result <-chan *protocol.FramedChannel) {
	out := make(chan *protocol.FramedChannel, 1)
	w := &waiter{id: cp.nextID(), ch: make(chan net.Conn, 1)}

	cp.mu.Lock()
	cp.waiters[codeToken] = append(cp.waiters[codeToken], w)
	cp.mu.Unlock()

	go func() {
		conn, ok := <-w.ch
		if !ok {
			close(out)
			return
		}
		out <- protocol.NewFramedChannel(conn, 0)
	}()
	return w.id, out
}

func (cp *ControlPlane) nextID() int64 {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.idSeq++
	return cp.idSeq
}

// Cancel removes a previously Registered waiter, identified by the id
// Register returned, that will never be fulfilled (for example, when
// a spawn attempt fails before the worker ever dials in). If the
// waiter has already been matched, this is a no-op.
func (cp *ControlPlane) Cancel(codeToken string, id int64) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	q := cp.waiters[codeToken]
	for i, w := range q {
		if w.id == id {
			close(w.ch)
			cp.waiters[codeToken] = append(q[:i], q[i+1:]...)
			if len(cp.waiters[codeToken]) == 0 {
				delete(cp.waiters, codeToken)
			}
			return
		}
	}
}

// Close stops the accept loop and closes the listener.
func (cp *ControlPlane) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	cp.mu.Unlock()
	return cp.listener.Close()
}
