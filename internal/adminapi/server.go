// Package adminapi exposes byob.Service's PublicAPI operations over
// HTTP, grounded on the teacher's internal/api server: a stdlib
// http.ServeMux with Go 1.22 path-value routing, an auth middleware
// gated on an optional bearer API key, and a request-id middleware.
// This is the transport `byobd serve` listens on and the `load` /
// `exec` / `cancel` / `delete` CLI subcommands dial.
package adminapi

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/byobd/byobd/internal/byob"
)

// Server is the HTTP façade over one byob.Service.
type Server struct {
	apiKey string
	svc    *byob.Service
	log    *zap.Logger
	mux    *http.ServeMux
}

// NewServer wires routes and middleware around svc. apiKey, when
// non-empty, is required as a bearer token on every request except
// /healthz.
func NewServer(svc *byob.Service, apiKey string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		apiKey: apiKey,
		svc:    svc,
		log:    log,
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the fully wrapped http.Handler for use with
// http.Server.
func (s *Server) Handler() http.Handler {
	return s.requestIDMiddleware(s.authMiddleware(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("POST /v1/binaries", s.handleLoadBinary)
	s.mux.HandleFunc("DELETE /v1/binaries/{code_token}", s.handleDeleteBinary)
	s.mux.HandleFunc("POST /v1/binaries/{code_token}/invocations", s.handleExecute)
	s.mux.HandleFunc("POST /v1/invocations/{execution_token}/cancel", s.handleCancel)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
