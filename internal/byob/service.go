// Package byob implements PublicAPI: the typed façade composing
// ArtifactStore, WorkerPool, and Dispatcher into LoadBinary / Execute /
// Cancel / Delete / Shutdown, matching spec.md §4.8.
package byob

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/byobd/byobd/internal/artifact"
	"github.com/byobd/byobd/internal/controlplane"
	"github.com/byobd/byobd/internal/dispatcher"
	"github.com/byobd/byobd/internal/sandbox"
	"github.com/byobd/byobd/internal/workerpool"
)

// ErrorKind re-exports dispatcher.ErrorKind so callers of this
// package never need to import internal/dispatcher directly.
type ErrorKind = dispatcher.ErrorKind

const (
	Ok               = dispatcher.Ok
	SpawnFailed      = dispatcher.SpawnFailed
	NoIdleWorker     = dispatcher.NoIdleWorker
	WorkerCrashed    = dispatcher.WorkerCrashed
	DeadlineExceeded = dispatcher.DeadlineExceeded
	Cancelled        = dispatcher.Cancelled
	Deleted          = dispatcher.Deleted
	Malformed        = dispatcher.Malformed
	BinaryRejected   = dispatcher.BinaryRejected
)

// InvocationResult is delivered to Execute's on_response callback
// exactly once.
type InvocationResult = dispatcher.Result

// LogResult is delivered to Execute's on_logs callback, once, after
// InvocationResult.
type LogResult = dispatcher.LogResult

// Error pairs a stable ErrorKind with the underlying cause, for
// operations (LoadBinary) that fail synchronously rather than through
// a callback.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("byob: %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Config bundles the operational knobs a running Service needs beyond
// what spec.md's four public operations take as arguments.
type Config struct {
	ControlSocketPath      string
	ArtifactDir            string
	SandboxRootDir         string
	ReadOnlyMounts         []string
	MaxWorkersPerToken     int
	ResponseWatchers       int
	AcquireBound           time.Duration
	SandboxUID, SandboxGID int
}

// Service is the concrete PublicAPI: it owns an ArtifactStore, a
// ControlPlane accept loop, a WorkerPool, and a Dispatcher, and wires
// them together behind the four operations spec.md §4.8 names.
type Service struct {
	cfg Config
	log *zap.Logger

	artifacts *artifact.Store
	cp        *controlplane.ControlPlane
	pool      *workerpool.Pool
	dispatch  *dispatcher.Dispatcher
	launcher  sandbox.Launcher

	mu       sync.Mutex
	metadata map[string]map[string]string // execution_token -> metadata, purged after delivery
}

// New constructs a Service. launcher is injected so tests can supply
// sandbox.NewFakeLauncher() instead of the real Linux implementation.
func New(cfg Config, launcher sandbox.Launcher, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}

	store, err := artifact.New(cfg.ArtifactDir, log)
	if err != nil {
		return nil, fmt.Errorf("byob: artifact store: %w", err)
	}

	cp, err := controlplane.New(cfg.ControlSocketPath, log)
	if err != nil {
		return nil, fmt.Errorf("byob: control plane: %w", err)
	}

	pool := workerpool.New(launcher, cp, log, cfg.MaxWorkersPerToken)
	disp := dispatcher.New(pool, log, cfg.ResponseWatchers, cfg.AcquireBound)

	return &Service{
		cfg:       cfg,
		log:       log,
		artifacts: store,
		cp:        cp,
		pool:      pool,
		dispatch:  disp,
		launcher:  launcher,
		metadata:  make(map[string]map[string]string),
	}, nil
}

// Serve runs the control plane's accept loop until ctx is done. The
// caller is expected to run this in its own goroutine for the
// lifetime of the daemon.
func (s *Service) Serve(ctx context.Context) error {
	return s.cp.Serve(ctx)
}

// LoadBinary materializes data via ArtifactStore, mints a code token,
// and prewarms workerCount sandboxed workers under it.
func (s *Service) LoadBinary(ctx context.Context, data []byte, workerCount int, logEgress bool) (codeToken string, err error) {
	a, err := s.artifacts.Store(data)
	if err != nil {
		return "", &Error{Kind: BinaryRejected, Err: err}
	}

	mounts := append([]string{a.Path}, s.cfg.ReadOnlyMounts...)
	spec := sandbox.Spec{
		CodeToken:        a.CodeToken,
		BinaryPath:       a.Path,
		WorkerCount:      workerCount,
		LogEgressEnabled: logEgress,
		Mode:             sandbox.ModeWithoutGvisor,
		ReadOnlyMounts:   mounts,
	}

	if err := s.pool.Prewarm(ctx, spec); err != nil {
		s.artifacts.Forget(a.CodeToken)
		return "", fmt.Errorf("byob: prewarm: %w", err)
	}
	return a.CodeToken, nil
}

// Execute enqueues requestBytes for dispatch against codeToken's pool
// and returns an execution token immediately. onResponse fires
// exactly once; onLogs (optional) fires once immediately after.
// metadata is stored only for the duration of one invocation and
// purged once onResponse has fired.
func (s *Service) Execute(
	codeToken string,
	requestBytes []byte,
	metadata map[string]string,
	deadline time.Time,
	onResponse func(InvocationResult, map[string]string),
	onLogs func(LogResult),
) string {
	executionToken := uuid.NewString()

	s.mu.Lock()
	s.metadata[executionToken] = metadata
	s.mu.Unlock()

	s.dispatch.Dispatch(&dispatcher.Invocation{
		ExecutionToken: executionToken,
		CodeToken:      codeToken,
		RequestBytes:   requestBytes,
		Deadline:       deadline,
		OnResponse: func(r InvocationResult) {
			s.mu.Lock()
			md := s.metadata[executionToken]
			delete(s.metadata, executionToken)
			s.mu.Unlock()
			onResponse(r, md)
		},
		OnLogs: onLogs,
	})
	return executionToken
}

// Cancel signals a pending or in-flight invocation's cancellation
// flag.
func (s *Service) Cancel(executionToken string) {
	s.dispatch.Cancel(executionToken)
}

// Delete removes codeToken: live workers are killed, reaped, and their
// pivot-root directories removed; the underlying artifact is forgotten
// once the pool no longer references it.
func (s *Service) Delete(codeToken string) {
	s.pool.Delete(codeToken)
	s.artifacts.Forget(codeToken)
}

// Shutdown drains the dispatcher, deletes every loaded code token, and
// stops the control plane accept loop.
func (s *Service) Shutdown() {
	s.dispatch.Shutdown()
	s.pool.Shutdown()
	s.cp.Close()
}
