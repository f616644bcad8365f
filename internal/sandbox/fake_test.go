package sandbox

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeWorker(t *testing.T, launcher *FakeLauncher, sockPath string) *Worker {
	t.Helper()
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 64)
		conn.Read(buf)
	}()

	w, err := launcher.Spawn(context.Background(), Spec{CodeToken: "tok"}, sockPath)
	require.NoError(t, err)
	return w
}

func TestFakeLauncher_KillIsIdempotent(t *testing.T) {
	launcher := NewFakeLauncher()
	sockPath := t.TempDir() + "/control.sock"
	w := newFakeWorker(t, launcher, sockPath)

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NotPanics(t, func() {
			_ = launcher.Kill(w, true)
		})
	}()
	assert.NotPanics(t, func() {
		_ = launcher.Kill(w, true)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for concurrent Kill")
	}

	pid, _, err := launcher.Reap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, w.PID, pid)
}
