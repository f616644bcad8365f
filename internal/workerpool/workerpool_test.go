package workerpool

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/byobd/byobd/internal/controlplane"
	"github.com/byobd/byobd/internal/sandbox"
)

// flakyLauncher fails the next failLeft Spawn calls, then delegates
// to the embedded FakeLauncher, letting tests exercise the reaper's
// bounded respawn-retry-then-Degraded policy deterministically.
type flakyLauncher struct {
	*sandbox.FakeLauncher
	mu       sync.Mutex
	failLeft int
}

func (f *flakyLauncher) Spawn(ctx context.Context, spec sandbox.Spec, controlSocketPath string) (*sandbox.Worker, error) {
	f.mu.Lock()
	if f.failLeft > 0 {
		f.failLeft--
		f.mu.Unlock()
		return nil, &sandbox.SpawnError{Op: "test", Err: fmt.Errorf("injected spawn failure")}
	}
	f.mu.Unlock()
	return f.FakeLauncher.Spawn(ctx, spec, controlSocketPath)
}

func padToken(s string) string {
	for len(s) < 36 {
		s += "0"
	}
	return s[:36]
}

func newTestPool(t *testing.T) (*Pool, *sandbox.FakeLauncher) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "control.sock")
	cp, err := controlplane.New(sockPath, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go cp.Serve(ctx)

	launcher := sandbox.NewFakeLauncher()
	// Default behavior: hold the connection open until killed, so
	// workers stay "busy" until the test explicitly releases them.
	launcher.Behavior = func(codeToken string, conn net.Conn) {
		buf := make([]byte, 1)
		conn.Read(buf) // blocks until conn closed by Kill
	}

	pool := New(launcher, cp, nil, 64)
	t.Cleanup(pool.Shutdown)
	return pool, launcher
}

func TestPrewarm_SpawnsWorkerCountWorkers(t *testing.T) {
	pool, _ := newTestPool(t)
	spec := sandbox.Spec{CodeToken: padToken("tok-a"), BinaryPath: "/bin/true", WorkerCount: 3}

	require.NoError(t, pool.Prewarm(context.Background(), spec))

	h1, err := pool.Acquire(context.Background(), spec.CodeToken, time.Second)
	require.NoError(t, err)
	h2, err := pool.Acquire(context.Background(), spec.CodeToken, time.Second)
	require.NoError(t, err)
	h3, err := pool.Acquire(context.Background(), spec.CodeToken, time.Second)
	require.NoError(t, err)

	assert.NotEqual(t, h1.Worker.PID, h2.Worker.PID)
	assert.NotEqual(t, h2.Worker.PID, h3.Worker.PID)

	_, err = pool.Acquire(context.Background(), spec.CodeToken, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoIdleWorker)
}

func TestPrewarm_RejectsTooManyWorkers(t *testing.T) {
	pool, _ := newTestPool(t)
	spec := sandbox.Spec{CodeToken: padToken("tok-big"), BinaryPath: "/bin/true", WorkerCount: 1000}

	err := pool.Prewarm(context.Background(), spec)
	assert.ErrorIs(t, err, ErrTooManyWorkers)
}

func TestPrewarm_DuplicateCodeTokenLeavesExistingWorkersAlone(t *testing.T) {
	pool, _ := newTestPool(t)
	spec := sandbox.Spec{CodeToken: padToken("tok-dup"), BinaryPath: "/bin/true", WorkerCount: 2}

	require.NoError(t, pool.Prewarm(context.Background(), spec))

	h1, err := pool.Acquire(context.Background(), spec.CodeToken, time.Second)
	require.NoError(t, err)

	// A second LoadBinary for byte-identical content reaches Prewarm
	// with the same code token while the first load's workers are
	// still live; it must be a no-op rather than overwrite the pool.
	require.NoError(t, pool.Prewarm(context.Background(), spec))

	h2, err := pool.Acquire(context.Background(), spec.CodeToken, time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, h1.Worker.PID, h2.Worker.PID, "should acquire the second original worker, not a freshly overwritten pool")

	_, err = pool.Acquire(context.Background(), spec.CodeToken, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoIdleWorker, "the original two workers should still be the only ones tracked")
}

func TestAcquire_UnknownCodeTokenReturnsDeleted(t *testing.T) {
	pool, _ := newTestPool(t)
	_, err := pool.Acquire(context.Background(), padToken("never-loaded"), 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrDeleted)
}

func TestRelease_RespawnsReplacement(t *testing.T) {
	pool, _ := newTestPool(t)
	spec := sandbox.Spec{CodeToken: padToken("tok-respawn"), BinaryPath: "/bin/true", WorkerCount: 1}

	require.NoError(t, pool.Prewarm(context.Background(), spec))

	h, err := pool.Acquire(context.Background(), spec.CodeToken, time.Second)
	require.NoError(t, err)
	firstPID := h.Worker.PID

	pool.Release(h.Worker)

	require.Eventually(t, func() bool {
		h2, err := pool.Acquire(context.Background(), spec.CodeToken, 50*time.Millisecond)
		if err != nil {
			return false
		}
		defer pool.Release(h2.Worker)
		return h2.Worker.PID != firstPID
	}, 3*time.Second, 50*time.Millisecond)
}

func TestRelease_AlwaysForceKills(t *testing.T) {
	pool, launcher := newTestPool(t)
	spec := sandbox.Spec{CodeToken: padToken("tok-force"), BinaryPath: "/bin/true", WorkerCount: 1}
	require.NoError(t, pool.Prewarm(context.Background(), spec))

	h, err := pool.Acquire(context.Background(), spec.CodeToken, time.Second)
	require.NoError(t, err)

	pool.Release(h.Worker)

	assert.True(t, launcher.Forced(h.Worker.PID))
}

func TestRelease_DegradesAfterExhaustingRespawnRetries(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "control.sock")
	cp, err := controlplane.New(sockPath, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go cp.Serve(ctx)

	fake := sandbox.NewFakeLauncher()
	fake.Behavior = func(codeToken string, conn net.Conn) {
		buf := make([]byte, 1)
		conn.Read(buf)
	}
	launcher := &flakyLauncher{FakeLauncher: fake}

	pool := New(launcher, cp, nil, 64)
	t.Cleanup(pool.Shutdown)

	spec := sandbox.Spec{CodeToken: padToken("tok-degraded"), BinaryPath: "/bin/true", WorkerCount: 1}
	require.NoError(t, pool.Prewarm(context.Background(), spec))

	h, err := pool.Acquire(context.Background(), spec.CodeToken, time.Second)
	require.NoError(t, err)

	// Fail every respawn attempt for the released worker's slot; the
	// prewarm spawn above must still succeed.
	launcher.mu.Lock()
	launcher.failLeft = maxRespawnRetries + 1
	launcher.mu.Unlock()
	pool.Release(h.Worker)

	require.Eventually(t, func() bool {
		return pool.Degraded(spec.CodeToken)
	}, 3*time.Second, 20*time.Millisecond)
}

func TestDelete_FailsPendingAcquireAndClearsToken(t *testing.T) {
	pool, _ := newTestPool(t)
	spec := sandbox.Spec{CodeToken: padToken("tok-delete"), BinaryPath: "/bin/true", WorkerCount: 2}

	require.NoError(t, pool.Prewarm(context.Background(), spec))
	pool.Delete(spec.CodeToken)

	_, err := pool.Acquire(context.Background(), spec.CodeToken, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrDeleted)
}
