//go:build integration

package integration

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

type testClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func newTestClient(baseURL, apiKey string) *testClient {
	return &testClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{},
	}
}

func (c *testClient) doRequest(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	require.NoError(t, err)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	require.NoError(t, err)
	return resp
}

func (c *testClient) loadBinary(t *testing.T, binaryBase64 string, workerCount int) map[string]any {
	t.Helper()
	resp := c.doRequest(t, "POST", "/v1/binaries", map[string]any{
		"binary_base64": binaryBase64,
		"worker_count":  workerCount,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "failed to load binary")
	return decodeResponse(t, resp)
}

func (c *testClient) execute(t *testing.T, codeToken, requestBase64 string) map[string]any {
	t.Helper()
	resp := c.doRequest(t, "POST", "/v1/binaries/"+codeToken+"/invocations", map[string]any{
		"request_base64": requestBase64,
	})
	return decodeResponse(t, resp)
}

func (c *testClient) deleteBinary(t *testing.T, codeToken string) {
	t.Helper()
	resp := c.doRequest(t, "DELETE", "/v1/binaries/"+codeToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func decodeResponse(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}
