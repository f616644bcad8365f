// Package dispatcher implements Dispatcher: it turns one Invocation
// into exactly one framed request/response round trip against a
// WorkerPool worker. A small fixed pool of response-watcher goroutines
// drains the work queue, each running one invocation at a time; the
// blocking frame read of each round trip runs in its own short-lived
// goroutine so the watcher can select on it alongside cancel and
// deadline.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/byobd/byobd/internal/logcapture"
	"github.com/byobd/byobd/internal/sandbox"
	"github.com/byobd/byobd/internal/workerpool"
	"github.com/byobd/byobd/protocol"
)

// ErrorKind is the stable identifier the PublicAPI façade surfaces for
// a terminal invocation outcome.
type ErrorKind string

const (
	Ok               ErrorKind = "Ok"
	SpawnFailed      ErrorKind = "SpawnFailed"
	NoIdleWorker     ErrorKind = "NoIdleWorker"
	WorkerCrashed    ErrorKind = "WorkerCrashed"
	DeadlineExceeded ErrorKind = "DeadlineExceeded"
	Cancelled        ErrorKind = "Cancelled"
	Deleted          ErrorKind = "Deleted"
	Malformed        ErrorKind = "Malformed"
	BinaryRejected   ErrorKind = "BinaryRejected"
)

// Result is delivered to an Invocation's callback exactly once. Kind
// is Ok whenever a full response frame was read, regardless of the
// worker's raw process exit code — spec.md §4.4 treats non-zero exit
// after a full response as a normal terminal event. ExitCode is the
// real status Launcher.Reap observed once the worker's forced kill
// was reaped in Release, zero when no worker was ever acquired
// (NoIdleWorker, Deleted, SpawnFailed).
type Result struct {
	Bytes    []byte
	ExitCode int
	Kind     ErrorKind
}

// LogResult is delivered to OnLogs, once, after Result has been
// delivered. Err is logcapture.ErrNotFound (os.ErrNotExist) when log
// egress was not enabled for the code token or the invocation never
// reached a worker.
type LogResult struct {
	Bytes []byte
	Err   error
}

// Invocation is everything Dispatch needs to run one request/response
// round trip.
type Invocation struct {
	ExecutionToken string
	CodeToken      string
	RequestBytes   []byte
	Deadline       time.Time // zero value means no deadline
	OnResponse     func(Result)
	OnLogs         func(LogResult) // nil when the caller didn't ask for logs

	cancel chan struct{}
}

// Dispatcher owns a fixed pool of response-watcher goroutines and the
// CallbackRegistry that guarantees each invocation's callback fires
// exactly once.
type Dispatcher struct {
	pool *workerpool.Pool
	log  *zap.Logger

	acquireBound time.Duration

	work chan *Invocation

	mu        sync.Mutex
	inflight  map[string]*Invocation // execution_token -> invocation, while acquiring/dispatched
	delivered map[string]bool        // execution_token -> callback already fired

	stop chan struct{}
	wg   sync.WaitGroup
}

// New starts watcherCount response-watcher goroutines, matching
// spec.md §5's "thread pool sized proportional to expected
// concurrency for dispatcher response-watchers".
func New(pool *workerpool.Pool, log *zap.Logger, watcherCount int, acquireBound time.Duration) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if watcherCount <= 0 {
		watcherCount = 8
	}
	if acquireBound <= 0 {
		acquireBound = 5 * time.Second
	}
	d := &Dispatcher{
		pool:         pool,
		log:          log,
		acquireBound: acquireBound,
		work:         make(chan *Invocation, 256),
		inflight:     make(map[string]*Invocation),
		delivered:    make(map[string]bool),
		stop:         make(chan struct{}),
	}
	for i := 0; i < watcherCount; i++ {
		d.wg.Add(1)
		go d.watch()
	}
	return d
}

// Dispatch enqueues inv for a response watcher and returns
// immediately; inv.ExecutionToken is assumed already minted by the
// caller (PublicAPI).
func (d *Dispatcher) Dispatch(inv *Invocation) {
	inv.cancel = make(chan struct{})

	d.mu.Lock()
	d.inflight[inv.ExecutionToken] = inv
	d.mu.Unlock()

	select {
	case d.work <- inv:
	case <-d.stop:
		d.deliver(inv, Result{Kind: Deleted})
		if inv.OnLogs != nil {
			inv.OnLogs(LogResult{Err: logcapture.ErrNotFound})
		}
	}
}

// Cancel signals a pending or in-flight invocation's cancel channel.
// It is a no-op if the invocation already reached a terminal state.
func (d *Dispatcher) Cancel(executionToken string) {
	d.mu.Lock()
	inv, ok := d.inflight[executionToken]
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-inv.cancel:
	default:
		close(inv.cancel)
	}
}

// Shutdown stops accepting new work and waits for in-flight watchers
// to drain.
func (d *Dispatcher) Shutdown() {
	close(d.stop)
	d.wg.Wait()
}

func (d *Dispatcher) watch() {
	defer d.wg.Done()
	for {
		select {
		case inv := <-d.work:
			d.run(inv)
		case <-d.stop:
			return
		}
	}
}

func (d *Dispatcher) run(inv *Invocation) {
	// OnLogs fires once, after OnResponse, on every path out of run.
	logs := LogResult{Err: logcapture.ErrNotFound}
	if inv.OnLogs != nil {
		defer func() { inv.OnLogs(logs) }()
	}

	select {
	case <-inv.cancel:
		d.deliver(inv, Result{Kind: Cancelled})
		return
	default:
	}

	ctx, stopAcquire := context.WithCancel(context.Background())
	defer stopAcquire()
	go func() {
		select {
		case <-inv.cancel:
			stopAcquire()
		case <-ctx.Done():
		}
	}()
	handle, err := d.pool.Acquire(ctx, inv.CodeToken, d.acquireBound)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			d.deliver(inv, Result{Kind: Cancelled})
		case errors.Is(err, workerpool.ErrDeleted):
			d.deliver(inv, Result{Kind: Deleted})
		case errors.Is(err, workerpool.ErrNoIdleWorker):
			d.deliver(inv, Result{Kind: NoIdleWorker})
		default:
			d.deliver(inv, Result{Kind: WorkerCrashed})
		}
		return
	}

	result := d.roundTrip(inv, handle)
	// Logs must be read before Release, since Release kills the
	// worker and schedules asynchronous cleanup that removes the
	// per-invocation log file once the worker is reaped.
	if inv.OnLogs != nil {
		logs = d.readLogs(handle.Worker)
	}
	result.ExitCode = d.pool.Release(handle.Worker)
	d.deliver(inv, result)
}

func (d *Dispatcher) roundTrip(inv *Invocation, handle *workerpool.Handle) Result {
	if err := handle.Channel.WriteFrame(inv.RequestBytes); err != nil {
		return Result{Kind: WorkerCrashed}
	}

	var timerC <-chan time.Time
	if !inv.Deadline.IsZero() {
		timer := time.NewTimer(time.Until(inv.Deadline))
		defer timer.Stop()
		timerC = timer.C
	}

	type readResult struct {
		payload []byte
		err     error
	}
	readDone := make(chan readResult, 1)
	go func() {
		payload, err := handle.Channel.ReadFrame()
		readDone <- readResult{payload: payload, err: err}
	}()

	select {
	case r := <-readDone:
		if r.err != nil {
			var malformed *protocol.MalformedError
			if errors.As(r.err, &malformed) {
				return Result{Kind: Malformed}
			}
			return Result{Kind: WorkerCrashed}
		}
		return Result{Bytes: r.payload, Kind: Ok}
	case <-timerC:
		return Result{Kind: DeadlineExceeded}
	case <-inv.cancel:
		return Result{Kind: Cancelled}
	}
}

func (d *Dispatcher) deliver(inv *Invocation, result Result) {
	d.mu.Lock()
	if d.delivered[inv.ExecutionToken] {
		d.mu.Unlock()
		return
	}
	d.delivered[inv.ExecutionToken] = true
	delete(d.inflight, inv.ExecutionToken)
	d.mu.Unlock()

	if inv.OnResponse != nil {
		inv.OnResponse(result)
	}
}

func (d *Dispatcher) readLogs(worker *sandbox.Worker) LogResult {
	sink := logcapture.Sink{Path: worker.LogPath}
	data, err := sink.Read()
	if err != nil {
		return LogResult{Err: err}
	}
	return LogResult{Bytes: data}
}
