package adminapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/byobd/byobd/internal/byob"
)

type loadBinaryRequest struct {
	BinaryBase64 string `json:"binary_base64"`
	WorkerCount  int    `json:"worker_count"`
	LogEgress    bool   `json:"log_egress"`
}

type loadBinaryResponse struct {
	CodeToken string `json:"code_token"`
}

func (s *Server) handleLoadBinary(w http.ResponseWriter, r *http.Request) {
	var req loadBinaryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error())
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.BinaryBase64)
	if err != nil {
		writeValidationError(w, "binary_base64: "+err.Error())
		return
	}
	if req.WorkerCount <= 0 {
		req.WorkerCount = 1
	}

	codeToken, err := s.svc.LoadBinary(r.Context(), data, req.WorkerCount, req.LogEgress)
	if err != nil {
		s.log.Error("load binary", zap.Error(err))
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, loadBinaryResponse{CodeToken: codeToken})
}

func (s *Server) handleDeleteBinary(w http.ResponseWriter, r *http.Request) {
	codeToken := r.PathValue("code_token")
	s.svc.Delete(codeToken)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type executeRequest struct {
	RequestBase64 string            `json:"request_base64"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	DeadlineMs    int               `json:"deadline_ms,omitempty"`
	WantLogs      bool              `json:"want_logs,omitempty"`
}

type executeResponse struct {
	ExecutionToken string            `json:"execution_token"`
	Kind           byob.ErrorKind    `json:"kind"`
	ResponseBase64 string            `json:"response_base64,omitempty"`
	ExitCode       int               `json:"exit_code"`
	LogsBase64     string            `json:"logs_base64,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// handleExecute blocks until the invocation's on_response callback
// fires, and, when want_logs is set, until on_logs fires too, then
// reports both in one response. There is no separate RPC transport for
// PublicAPI, so this HTTP request/response cycle stands in for the
// caller-side half of the request/response round trip spec.md §4.4
// describes between Dispatcher and a worker.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	codeToken := r.PathValue("code_token")

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error())
		return
	}

	requestBytes, err := base64.StdEncoding.DecodeString(req.RequestBase64)
	if err != nil {
		writeValidationError(w, "request_base64: "+err.Error())
		return
	}

	var deadline time.Time
	if req.DeadlineMs > 0 {
		deadline = time.Now().Add(time.Duration(req.DeadlineMs) * time.Millisecond)
	}

	resultDone := make(chan struct {
		result byob.InvocationResult
		meta   map[string]string
	}, 1)
	logsDone := make(chan byob.LogResult, 1)

	// onLogs is left nil when the caller didn't ask for logs, so the
	// Dispatcher skips the log sink read entirely instead
	// of performing it only to have the result discarded below.
	var onLogs func(byob.LogResult)
	if req.WantLogs {
		onLogs = func(lr byob.LogResult) {
			logsDone <- lr
		}
	}

	executionToken := s.svc.Execute(codeToken, requestBytes, req.Metadata, deadline,
		func(result byob.InvocationResult, meta map[string]string) {
			resultDone <- struct {
				result byob.InvocationResult
				meta   map[string]string
			}{result, meta}
		},
		onLogs,
	)

	var out struct {
		result byob.InvocationResult
		meta   map[string]string
	}
	select {
	case out = <-resultDone:
	case <-r.Context().Done():
		s.svc.Cancel(executionToken)
		out = <-resultDone
	}

	resp := executeResponse{
		ExecutionToken: executionToken,
		Kind:           out.result.Kind,
		ExitCode:       out.result.ExitCode,
		Metadata:       out.meta,
	}
	if len(out.result.Bytes) > 0 {
		resp.ResponseBase64 = base64.StdEncoding.EncodeToString(out.result.Bytes)
	}
	if req.WantLogs {
		if lr := <-logsDone; lr.Err == nil {
			resp.LogsBase64 = base64.StdEncoding.EncodeToString(lr.Bytes)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	executionToken := r.PathValue("execution_token")
	s.svc.Cancel(executionToken)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
