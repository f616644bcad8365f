// Package workerpool implements WorkerPool: it owns every sandboxed
// worker spawned under a code token, hands idle workers to the
// Dispatcher, and reaps + respawns them once consumed. One invocation
// per worker life is a fixed policy — every release spawns a fresh
// replacement rather than resetting the worker in place.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/byobd/byobd/internal/controlplane"
	"github.com/byobd/byobd/internal/sandbox"
	"github.com/byobd/byobd/protocol"
)

// ErrNoIdleWorker is returned by Acquire when no idle worker becomes
// available within the bound.
var ErrNoIdleWorker = fmt.Errorf("workerpool: no idle worker available")

// ErrDeleted is returned by Acquire (and delivered to pending
// invocations) once a code token's pool has been deleted.
var ErrDeleted = fmt.Errorf("workerpool: code token deleted")

// ErrTooManyWorkers is returned by Prewarm when worker_count exceeds
// maxWorkersPerToken, resolving spec.md §9's open question on
// worker_count exceeding host parallelism via admission control
// instead of silent degradation.
var ErrTooManyWorkers = fmt.Errorf("workerpool: worker_count exceeds max_workers_per_token")

// Handle is an acquired worker plus the framed channel to its control
// socket; Dispatcher uses it for exactly one invocation before calling
// Release.
type Handle struct {
	Worker  *sandbox.Worker
	Channel *protocol.FramedChannel
}

type trackedWorker struct {
	worker  *sandbox.Worker
	channel *protocol.FramedChannel
}

// tokenState is all live bookkeeping for one code token's pool.
type tokenState struct {
	spec     sandbox.Spec
	idle     chan *trackedWorker // FIFO of idle workers
	byPID    map[int]*trackedWorker
	reaped   map[int]chan int
	limiter  *rate.Limiter
	deleting bool
	degraded bool
	mu       sync.Mutex
}

// Pool owns every worker across every loaded code token.
type Pool struct {
	launcher sandbox.Launcher
	cp       *controlplane.ControlPlane
	log      *zap.Logger

	maxWorkersPerToken int

	mu     sync.Mutex
	tokens map[string]*tokenState

	reaperCtx    context.Context
	reaperCancel context.CancelFunc
	reaperDone   chan struct{}
}

// New constructs a Pool and starts its reaper loop.
func New(launcher sandbox.Launcher, cp *controlplane.ControlPlane, log *zap.Logger, maxWorkersPerToken int) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	if maxWorkersPerToken <= 0 {
		maxWorkersPerToken = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		launcher:           launcher,
		cp:                 cp,
		log:                log,
		maxWorkersPerToken: maxWorkersPerToken,
		tokens:             make(map[string]*tokenState),
		reaperCtx:          ctx,
		reaperCancel:       cancel,
		reaperDone:         make(chan struct{}),
	}
	go p.reapLoop()
	return p
}

// Prewarm creates worker_count workers under spec.CodeToken,
// synchronously, returning only once every one of them has completed
// the ControlPlane handshake. It spawns worker_count-1 workers
// concurrently via an errgroup fan-out, then one last worker, matching
// spec.md §4.4's literal phrasing.
//
// ArtifactStore dedups identical uploads onto one code token, so two
// LoadBinary calls for byte-identical binaries reach Prewarm with the
// same spec.CodeToken while the first load's workers are still live.
// Prewarm is idempotent in that case: it leaves the existing
// tokenState (and its live workers) alone rather than overwriting it,
// which would orphan the original tokenState — unreachable from
// p.tokens, so reapLoop can never again match its pids to run Cleanup
// and their pivot-root directories would leak forever.
func (p *Pool) Prewarm(ctx context.Context, spec sandbox.Spec) error {
	if spec.WorkerCount > p.maxWorkersPerToken {
		return ErrTooManyWorkers
	}

	p.mu.Lock()
	if _, exists := p.tokens[spec.CodeToken]; exists {
		p.mu.Unlock()
		return nil
	}

	ts := &tokenState{
		spec:    spec,
		idle:    make(chan *trackedWorker, spec.WorkerCount),
		byPID:   make(map[int]*trackedWorker),
		limiter: rate.NewLimiter(rate.Every(time.Second), 3),
	}
	p.tokens[spec.CodeToken] = ts
	p.mu.Unlock()

	n := spec.WorkerCount
	if n <= 0 {
		n = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n-1; i++ {
		g.Go(func() error {
			return p.spawnAndEnqueue(gctx, ts)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return p.spawnAndEnqueue(ctx, ts)
}

func (p *Pool) spawnAndEnqueue(ctx context.Context, ts *tokenState) error {
	tw, err := p.spawnOne(ctx, ts)
	if err != nil {
		return err
	}
	ts.idle <- tw
	return nil
}

func (p *Pool) spawnOne(ctx context.Context, ts *tokenState) (*trackedWorker, error) {
	regID, result := p.cp.Register(ts.spec.CodeToken)

	w, err := p.launcher.Spawn(ctx, ts.spec, p.cp.SocketPath)
	if err != nil {
		p.cp.Cancel(ts.spec.CodeToken, regID)
		return nil, fmt.Errorf("workerpool: spawn: %w", err)
	}

	select {
	case fc, ok := <-result:
		if !ok || fc == nil {
			return nil, fmt.Errorf("workerpool: worker %d never completed handshake", w.PID)
		}
		w.State = sandbox.StateIdle
		tw := &trackedWorker{worker: w, channel: fc}
		ts.mu.Lock()
		ts.byPID[w.PID] = tw
		ts.mu.Unlock()
		return tw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Acquire returns an idle worker for codeToken and marks it busy.
// Workers are handed out in FIFO order of becoming idle. If none
// becomes available before bound elapses, ErrNoIdleWorker is
// returned.
func (p *Pool) Acquire(ctx context.Context, codeToken string, bound time.Duration) (*Handle, error) {
	p.mu.Lock()
	ts, ok := p.tokens[codeToken]
	p.mu.Unlock()
	if !ok {
		return nil, ErrDeleted
	}

	timer := time.NewTimer(bound)
	defer timer.Stop()

	select {
	case tw, ok := <-ts.idle:
		if !ok {
			return nil, ErrDeleted
		}
		tw.worker.State = sandbox.StateBusy
		return &Handle{Worker: tw.worker, Channel: tw.channel}, nil
	case <-timer.C:
		return nil, ErrNoIdleWorker
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release is called exactly once per Acquire, regardless of the
// invocation's outcome. The worker is always killed rather than
// reused — spec.md §5 requires SIGKILL here specifically because an
// untrusted UDF binary cannot be trusted to honor SIGTERM — and
// Release blocks until the reaper loop has actually observed the
// exit and run Cleanup, so the pid it returns is guaranteed gone by
// the time the caller sees it. A replacement is spawned from the
// stored spec in the background. The real exit code is returned so
// the caller can surface it alongside the invocation's result.
func (p *Pool) Release(worker *sandbox.Worker) int {
	p.mu.Lock()
	ts, ok := p.tokens[worker.CodeToken]
	p.mu.Unlock()
	if !ok {
		return 0
	}

	_ = p.launcher.Kill(worker, true)

	exitCode := ts.waitReaped(worker.PID)

	ts.mu.Lock()
	deleting := ts.deleting
	ts.mu.Unlock()
	if !deleting {
		go p.respawn(ts, worker)
	}
	return exitCode
}

// maxRespawnRetries bounds the spawn-failure retry budget the reaper
// spends on one worker slot before giving up and marking the code
// token's pool Degraded, per spec.md §7: "internal syscall failures
// during spawn are retried at most twice per worker slot, then
// surfaced as pool degradation in a log record."
const maxRespawnRetries = 2

// respawn spawns worker's replacement from ts.spec. worker has already
// been reaped by the time this runs (Release waits for that before
// launching this goroutine). Spawn failures are retried up to
// maxRespawnRetries times, rate-limited per token so a UDF binary that
// fails SandboxLauncher setup repeatedly cannot spin the host; once
// the retry budget is exhausted the token is marked Degraded.
func (p *Pool) respawn(ts *tokenState, worker *sandbox.Worker) {
	var lastErr error
	for attempt := 0; attempt <= maxRespawnRetries; attempt++ {
		if err := ts.limiter.Wait(p.reaperCtx); err != nil {
			return
		}

		ts.mu.Lock()
		deleting := ts.deleting
		ts.mu.Unlock()
		if deleting {
			return
		}

		tw, err := p.spawnOne(p.reaperCtx, ts)
		if err == nil {
			ts.idle <- tw
			ts.mu.Lock()
			ts.degraded = false
			ts.mu.Unlock()
			return
		}
		lastErr = err
		p.log.Warn("workerpool: respawn attempt failed",
			zap.String("code_token", worker.CodeToken),
			zap.Int("attempt", attempt), zap.Error(err))
	}

	ts.mu.Lock()
	ts.degraded = true
	ts.mu.Unlock()
	p.log.Error("workerpool: code token degraded: spawn retries exhausted",
		zap.String("code_token", worker.CodeToken), zap.Error(lastErr))
}

// Degraded reports whether codeToken's pool has exhausted its bounded
// respawn retry budget and is currently running with fewer live
// workers than worker_count. It clears the next time a respawn for
// that token succeeds.
func (p *Pool) Degraded(codeToken string) bool {
	p.mu.Lock()
	ts, ok := p.tokens[codeToken]
	p.mu.Unlock()
	if !ok {
		return false
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.degraded
}

// Delete marks codeToken as deleting, signals every live worker under
// it with SIGKILL, waits for the reaper to observe each exit and remove
// its pivot-root directory, and then removes the spec. Pending Acquire
// calls for codeToken observe ErrDeleted.
func (p *Pool) Delete(codeToken string) {
	p.mu.Lock()
	ts, ok := p.tokens[codeToken]
	p.mu.Unlock()
	if !ok {
		return
	}

	ts.mu.Lock()
	if ts.deleting {
		ts.mu.Unlock()
		return
	}
	ts.deleting = true
	pids := make([]int, 0, len(ts.byPID))
	workers := make([]*sandbox.Worker, 0, len(ts.byPID))
	for pid, tw := range ts.byPID {
		pids = append(pids, pid)
		workers = append(workers, tw.worker)
	}
	ts.mu.Unlock()

	close(ts.idle)

	for _, w := range workers {
		fmt.Println("DEBUG delete: killing pid", w.PID)
		if err := p.launcher.Kill(w, true); err != nil {
			p.log.Warn("workerpool: kill during delete failed", zap.Int("pid", w.PID), zap.Error(err))
		}
		fmt.Println("DEBUG delete: killed pid", w.PID)
	}
	for _, pid := range pids {
		fmt.Println("DEBUG delete: waiting reaped pid", pid)
		ts.waitReaped(pid)
		fmt.Println("DEBUG delete: reaped pid", pid)
	}

	// The spec stays in p.tokens until here so reapLoop can match the
	// killed pids to this tokenState and run their Cleanup.
	p.mu.Lock()
	delete(p.tokens, codeToken)
	p.mu.Unlock()
}

// Shutdown stops the reaper loop and deletes every remaining code
// token, draining and joining as spec.md §6's Shutdown requires.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	tokens := make([]string, 0, len(p.tokens))
	for t := range p.tokens {
		tokens = append(tokens, t)
	}
	p.mu.Unlock()

	for _, t := range tokens {
		p.Delete(t)
	}

	p.reaperCancel()
	<-p.reaperDone
}

// reapLoop is the dedicated loop that awaits any child exit, looks up
// its pid, and cleans up its pivot-root directory. A non-zero exit
// status is a normal terminal event under the one-invocation-per-life
// protocol; it never itself triggers a respawn — Release already
// scheduled that.
func (p *Pool) reapLoop() {
	defer close(p.reaperDone)
	for {
		pid, exitCode, err := p.launcher.Reap(p.reaperCtx)
		if err != nil {
			if p.reaperCtx.Err() != nil {
				return
			}
			p.log.Warn("workerpool: reap error", zap.Error(err))
			continue
		}

		p.mu.Lock()
		var owner *tokenState
		var tw *trackedWorker
		for _, ts := range p.tokens {
			ts.mu.Lock()
			if found, ok := ts.byPID[pid]; ok {
				owner, tw = ts, found
				delete(ts.byPID, pid)
			}
			ts.mu.Unlock()
			if owner != nil {
				break
			}
		}
		p.mu.Unlock()

		if tw == nil {
			continue
		}
		tw.worker.State = sandbox.StateExited
		if err := p.launcher.Cleanup(tw.worker); err != nil {
			p.log.Warn("workerpool: cleanup failed", zap.Int("pid", pid), zap.Error(err))
		}
		p.log.Debug("workerpool: reaped worker",
			zap.Int("pid", pid), zap.Int("exit_code", exitCode),
			zap.String("code_token", tw.worker.CodeToken))

		if owner != nil {
			owner.markReaped(pid, exitCode)
		}
	}
}

// markReaped and waitReaped let Release and Delete block until
// reapLoop has actually observed a pid's exit and run Cleanup for it,
// and hand back the real exit status Reap returned.
func (ts *tokenState) markReaped(pid int, exitCode int) {
	ts.mu.Lock()
	if ts.reaped == nil {
		ts.reaped = make(map[int]chan int)
	}
	ch, ok := ts.reaped[pid]
	if !ok {
		ch = make(chan int, 1)
		ts.reaped[pid] = ch
	}
	ts.mu.Unlock()
	ch <- exitCode
}

func (ts *tokenState) waitReaped(pid int) int {
	ts.mu.Lock()
	if ts.reaped == nil {
		ts.reaped = make(map[int]chan int)
	}
	ch, ok := ts.reaped[pid]
	if !ok {
		ch = make(chan int, 1)
		ts.reaped[pid] = ch
	}
	ts.mu.Unlock()
	// Put the code back so a second waiter on the same pid (Release and
	// Delete racing on a busy worker) also receives it.
	code := <-ch
	ch <- code
	return code
}
