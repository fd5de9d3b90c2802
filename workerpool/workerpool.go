// Package workerpool implements execution isolation: a fixed set of
// dedicated worker goroutines that CPU/GPU-bound executors run on, kept
// separate from whatever handles admission, plus a result store clients
// retrieve from (blocking or async) even across disconnects. Grounded on
// control_plane/scheduler/scheduler.go's dispatch goroutine and the
// claim/complete result lifecycle in
// other_examples/ab5bba42_dmitrymomot-saaskit (MemoryStorage.ClaimTask/
// CompleteTask), generalized into a channel-fed worker loop with a
// per-key result slot instead of a polled claim table — this package is
// the one place the spec calls out for "no polling": workers block on
// channel receive, Retrieve blocks on a notifier.
package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flowlot/parkinglot/config"
	"github.com/flowlot/parkinglot/executor"
	"github.com/flowlot/parkinglot/internal/clock"
	"github.com/flowlot/parkinglot/internal/metrics"
	"github.com/flowlot/parkinglot/perr"
	"github.com/flowlot/parkinglot/task"
)

// submission is one unit of work sitting on the bounded task channel.
type submission[P any] struct {
	key  task.MailboxKey
	meta executor.ExecMeta
	cost uint32
	payload P
}

type slotState int

const (
	slotPending slotState = iota
	slotReady
)

// resultSlot holds the outcome of one submission. Readers block on cond
// until state flips to slotReady, or a timeout elapses; a slot is always
// removed from the store on any return path from Retrieve, so a result
// is consumed at most once.
type resultSlot[R any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	state  slotState
	result R
	err    error
}

// Options configures a WorkerPool.
type Options[P any, R any] struct {
	Name     string
	Config   config.WorkerPool
	Executor executor.Executor[P, R]
	Metrics  *metrics.Metrics // optional
	Clock    clock.Clock      // defaults to clock.System{}
}

// Stats mirrors the spec's §4.4 Stats() contract.
type Stats struct {
	Active      int
	Queued      int
	UsedUnits   uint32
	TotalUnits  uint32
	Submitted   uint64
	Completed   uint64
	Failed      uint64
}

// Pool is a WorkerPool: a bounded task channel, a fixed set of worker
// goroutines, and a keyed result store.
type Pool[P any, R any] struct {
	name   string
	cfg    config.WorkerPool
	exec   executor.Executor[P, R]
	metrics *metrics.Metrics
	clock  clock.Clock

	tasks chan submission[P]

	mu    sync.Mutex
	slots map[task.MailboxKey]*resultSlot[R]

	activeUnits atomic.Uint32
	queued      atomic.Int64
	active      atomic.Int64
	submitted   atomic.Uint64
	completed   atomic.Uint64
	failed      atomic.Uint64

	shutdown atomic.Bool
	wg       sync.WaitGroup
}

// New constructs a Pool and starts cfg.WorkerCount dedicated worker
// goroutines, each blocking on the shared task channel.
func New[P any, R any](opts Options[P, R]) *Pool[P, R] {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	p := &Pool[P, R]{
		name:    opts.Name,
		cfg:     opts.Config,
		exec:    opts.Executor,
		metrics: opts.Metrics,
		clock:   opts.Clock,
		tasks:   make(chan submission[P], opts.Config.MaxQueueDepth),
		slots:   make(map[task.MailboxKey]*resultSlot[R]),
	}
	for i := 0; i < opts.Config.WorkerCount; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit enqueues payload for execution and returns a key later passed
// to Retrieve/RetrieveAsync. Non-blocking: it never waits on a worker.
func (p *Pool[P, R]) Submit(payload P, meta executor.ExecMeta, cost uint32) (task.MailboxKey, error) {
	if p.shutdown.Load() {
		return task.MailboxKey{}, perr.ErrPoolShutdown
	}

	key := task.MailboxKey{Tenant: "workerpool", SessionID: uuid.NewString()}

	slot := &resultSlot[R]{}
	slot.cond = sync.NewCond(&slot.mu)

	p.mu.Lock()
	p.slots[key] = slot
	p.mu.Unlock()

	select {
	case p.tasks <- submission[P]{key: key, meta: meta, cost: cost, payload: payload}:
	default:
		p.mu.Lock()
		delete(p.slots, key)
		p.mu.Unlock()
		return task.MailboxKey{}, perr.ErrQueueFull
	}

	p.submitted.Add(1)
	p.queued.Add(1)
	p.reportGauges()
	return key, nil
}

// worker blocks on the shared task channel; it never polls. Channel
// closed means shutdown: it exits cleanly.
func (p *Pool[P, R]) worker() {
	defer p.wg.Done()
	for sub := range p.tasks {
		if p.shutdown.Load() {
			p.queued.Add(-1)
			p.recordResult("discarded")
			p.reportGauges()
			p.finish(sub.key, *new(R), perr.ErrPoolShutdown)
			continue
		}

		p.queued.Add(-1)
		p.active.Add(1)
		p.activeUnits.Add(sub.cost)
		p.reportGauges()

		result, err := p.exec.Execute(context.Background(), sub.payload, sub.meta)

		p.active.Add(-1)
		p.activeUnits.Add(^(sub.cost - 1))
		if err != nil {
			p.failed.Add(1)
			p.recordResult("failed")
		} else {
			p.completed.Add(1)
			p.recordResult("completed")
		}
		p.reportGauges()

		p.finish(sub.key, result, err)
	}
}

func (p *Pool[P, R]) finish(key task.MailboxKey, result R, err error) {
	p.mu.Lock()
	slot, ok := p.slots[key]
	p.mu.Unlock()
	if !ok {
		return
	}

	slot.mu.Lock()
	slot.result = result
	slot.err = err
	slot.state = slotReady
	slot.mu.Unlock()
	slot.cond.Broadcast()
}

// Retrieve blocks until the result for key is ready or timeout elapses.
// The slot is removed on every return path, so a result is consumed at
// most once; a late arrival after a timed-out Retrieve is discarded by
// the next finish call finding no slot.
func (p *Pool[P, R]) Retrieve(key task.MailboxKey, timeout time.Duration) (R, error) {
	p.mu.Lock()
	slot, ok := p.slots[key]
	p.mu.Unlock()
	if !ok {
		var zero R
		return zero, perr.ErrResultNotFound
	}

	deadline := time.Now().Add(timeout)

	slot.mu.Lock()
	for slot.state != slotReady {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			slot.mu.Unlock()
			p.removeSlot(key)
			var zero R
			return zero, perr.ErrTimeout
		}
		waitWithTimeout(slot.cond, &slot.mu, remaining)
	}
	result, err := slot.result, slot.err
	slot.mu.Unlock()

	p.removeSlot(key)
	return result, err
}

// RetrieveAsync is the suspending-context counterpart of Retrieve: on
// Go's runtime there is no separate cooperative path, so it offloads the
// blocking wait to its own goroutine and returns a channel-based one-shot
// future, matching the "one-shot async channel on cooperative runtimes"
// alternative named in §4.4.
func (p *Pool[P, R]) RetrieveAsync(ctx context.Context, key task.MailboxKey, timeout time.Duration) <-chan RetrieveResult[R] {
	out := make(chan RetrieveResult[R], 1)
	go func() {
		result, err := p.Retrieve(key, timeout)
		select {
		case out <- RetrieveResult[R]{Value: result, Err: err}:
		case <-ctx.Done():
		}
		close(out)
	}()
	return out
}

// RetrieveResult is what RetrieveAsync delivers once.
type RetrieveResult[R any] struct {
	Value R
	Err   error
}

func (p *Pool[P, R]) removeSlot(key task.MailboxKey) {
	p.mu.Lock()
	delete(p.slots, key)
	p.mu.Unlock()
}

// Stats returns the current counters (§4.4).
func (p *Pool[P, R]) Stats() Stats {
	return Stats{
		Active:     int(p.active.Load()),
		Queued:     int(p.queued.Load()),
		UsedUnits:  p.activeUnits.Load(),
		TotalUnits: p.cfg.MaxUnits,
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
	}
}

// Shutdown flips the shutdown flag, closes the task channel (unblocking
// idle workers), and waits for the workers to exit. perWorkerTimeout is
// applied once to the whole join, not to each worker in turn: workers
// still running when it elapses are detached rather than blocking
// shutdown indefinitely.
func (p *Pool[P, R]) Shutdown(perWorkerTimeout time.Duration) {
	if !p.shutdown.CompareAndSwap(false, true) {
		return
	}
	close(p.tasks)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(perWorkerTimeout):
		// Exceeded workers are detached: the goroutines running them
		// are left to the runtime/process lifetime rather than blocking
		// shutdown forever.
	}
}

func (p *Pool[P, R]) reportGauges() {
	if p.metrics == nil {
		return
	}
	p.metrics.WorkerPoolActive.WithLabelValues(p.name).Set(float64(p.active.Load()))
	p.metrics.WorkerPoolQueued.WithLabelValues(p.name).Set(float64(p.queued.Load()))
}

func (p *Pool[P, R]) recordResult(result string) {
	if p.metrics == nil {
		return
	}
	p.metrics.WorkerPoolResults.WithLabelValues(p.name, result).Inc()
}

// waitWithTimeout waits on cond for up to d, re-acquiring mu before
// returning either way (matching sync.Cond.Wait's contract: mu is held
// on entry and on return). The timer broadcasts on the same condvar so a
// timed-out waiter re-checks its predicate exactly like a real signal.
func waitWithTimeout(cond *sync.Cond, mu *sync.Mutex, d time.Duration) {
	timer := time.AfterFunc(d, func() {
		mu.Lock()
		cond.Broadcast()
		mu.Unlock()
	})
	defer timer.Stop()
	cond.Wait()
}
