package adminapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/byobd/byobd/internal/byob"
	"github.com/byobd/byobd/internal/sandbox"
	"github.com/byobd/byobd/protocol"
)

func echoBehavior(codeToken string, conn net.Conn) {
	fc := protocol.NewFramedChannel(conn, 0)
	req, err := fc.ReadFrame()
	if err != nil {
		return
	}
	fc.WriteFrame(append([]byte("echo:"), req...))
}

func newTestServer(t *testing.T, apiKey string) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	launcher := sandbox.NewFakeLauncher()
	launcher.Behavior = echoBehavior

	svc, err := byob.New(byob.Config{
		ControlSocketPath:  filepath.Join(dir, "control.sock"),
		ArtifactDir:        filepath.Join(dir, "artifacts"),
		MaxWorkersPerToken: 64,
		ResponseWatchers:   4,
		AcquireBound:       2 * time.Second,
	}, launcher, nil)
	require.NoError(t, err)

	go svc.Serve(t.Context())
	t.Cleanup(svc.Shutdown)

	srv := NewServer(svc, apiKey, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthz_NeverRequiresAuth(t *testing.T) {
	ts := newTestServer(t, "secret")
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthMiddleware_RejectsMissingKey(t *testing.T) {
	ts := newTestServer(t, "secret")
	resp, err := http.Post(ts.URL+"/v1/binaries", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLoadExecuteCancelDelete_FullLifecycle(t *testing.T) {
	ts := newTestServer(t, "")
	client := ts.Client()

	loadBody, _ := json.Marshal(loadBinaryRequest{
		BinaryBase64: base64.StdEncoding.EncodeToString([]byte("#!/bin/sh\n")),
		WorkerCount:  1,
	})
	resp, err := client.Post(ts.URL+"/v1/binaries", "application/json", bytes.NewReader(loadBody))
	require.NoError(t, err)
	var loaded loadBinaryResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&loaded))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, loaded.CodeToken)

	execBody, _ := json.Marshal(executeRequest{
		RequestBase64: base64.StdEncoding.EncodeToString([]byte("hello")),
	})
	resp, err = client.Post(ts.URL+"/v1/binaries/"+loaded.CodeToken+"/invocations", "application/json", bytes.NewReader(execBody))
	require.NoError(t, err)
	var executed executeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&executed))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, byob.Ok, executed.Kind)

	decoded, err := base64.StdEncoding.DecodeString(executed.ResponseBase64)
	require.NoError(t, err)
	assert.Equal(t, "echo:hello", string(decoded))

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/binaries/"+loaded.CodeToken, nil)
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
