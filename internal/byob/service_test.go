package byob

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/byobd/byobd/internal/sandbox"
	"github.com/byobd/byobd/protocol"
)

func newTestService(t *testing.T, behavior func(codeToken string, conn net.Conn)) *Service {
	t.Helper()
	dir := t.TempDir()
	launcher := sandbox.NewFakeLauncher()
	launcher.Behavior = behavior

	svc, err := New(Config{
		ControlSocketPath:  filepath.Join(dir, "control.sock"),
		ArtifactDir:        filepath.Join(dir, "artifacts"),
		MaxWorkersPerToken: 64,
		ResponseWatchers:   4,
		AcquireBound:       2 * time.Second,
	}, launcher, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go svc.Serve(ctx)
	t.Cleanup(svc.Shutdown)
	return svc
}

func echoBehavior(codeToken string, conn net.Conn) {
	fc := protocol.NewFramedChannel(conn, 0)
	req, err := fc.ReadFrame()
	if err != nil {
		return
	}
	fc.WriteFrame(append([]byte("echo:"), req...))
}

func TestLoadBinaryThenExecute_FullRoundTrip(t *testing.T) {
	svc := newTestService(t, echoBehavior)

	codeToken, err := svc.LoadBinary(context.Background(), []byte("#!/bin/sh\n"), 1, false)
	require.NoError(t, err)
	require.Len(t, codeToken, 36)

	var mu sync.Mutex
	var result InvocationResult
	var gotMeta map[string]string
	done := make(chan struct{})

	execToken := svc.Execute(codeToken, []byte("hello"), map[string]string{"k": "v"}, time.Time{},
		func(r InvocationResult, md map[string]string) {
			mu.Lock()
			result, gotMeta = r, md
			mu.Unlock()
			close(done)
		}, nil)
	require.Len(t, execToken, 36)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, Ok, result.Kind)
	assert.Equal(t, "echo:hello", string(result.Bytes))
	assert.Equal(t, "v", gotMeta["k"])
}

func TestExecute_UnknownCodeTokenDeliversDeleted(t *testing.T) {
	svc := newTestService(t, echoBehavior)

	done := make(chan InvocationResult, 1)
	svc.Execute("0000000000000000000000000000000000", []byte("x"), nil, time.Time{},
		func(r InvocationResult, md map[string]string) { done <- r }, nil)

	select {
	case r := <-done:
		assert.Equal(t, Deleted, r.Kind)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out")
	}
}

func TestDelete_ForgetsArtifact(t *testing.T) {
	svc := newTestService(t, echoBehavior)

	codeToken, err := svc.LoadBinary(context.Background(), []byte("binary-bytes"), 1, false)
	require.NoError(t, err)

	svc.Delete(codeToken)

	_, ok := svc.artifacts.Get(codeToken)
	assert.False(t, ok)
}

func TestMetadataIsPurgedAfterDelivery(t *testing.T) {
	svc := newTestService(t, echoBehavior)
	codeToken, err := svc.LoadBinary(context.Background(), []byte("binary"), 1, false)
	require.NoError(t, err)

	done := make(chan struct{})
	execToken := svc.Execute(codeToken, []byte("x"), map[string]string{"a": "b"}, time.Time{},
		func(r InvocationResult, md map[string]string) { close(done) }, nil)
	<-done

	svc.mu.Lock()
	_, stillThere := svc.metadata[execToken]
	svc.mu.Unlock()
	assert.False(t, stillThere)
}
