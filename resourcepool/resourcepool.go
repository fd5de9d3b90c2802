// Package resourcepool implements the admission/parking engine: the
// scheduler's core. It admits a submitted task immediately when the pool
// has free capacity, parks it in a priority queue otherwise, wakes parked
// tasks the instant capacity is released, and delivers results to a
// mailbox.
//
// Grounded on control_plane/scheduler/scheduler.go's Submit/
// processNextTask, generalized from "reconciliation task" to a generic
// resource task and from the teacher's mutex-protected active-task
// counter to a lock-free atomic CAS loop, per spec §4.3/§5. The
// completion path is restructured around an internal completion-event
// channel consumed by a dedicated goroutine, per the design note in §9
// ("a cleaner neutral shape is a CompletionEvent posted to an internal
// channel").
package resourcepool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/flowlot/parkinglot/admission"
	"github.com/flowlot/parkinglot/audit"
	"github.com/flowlot/parkinglot/config"
	"github.com/flowlot/parkinglot/executor"
	"github.com/flowlot/parkinglot/internal/clock"
	"github.com/flowlot/parkinglot/internal/metrics"
	"github.com/flowlot/parkinglot/mailbox"
	"github.com/flowlot/parkinglot/perr"
	"github.com/flowlot/parkinglot/queue"
	"github.com/flowlot/parkinglot/task"
)

// WakeMode selects how a capacity release triggers wake_next: Async
// spawns it on the runtime per completion (default, low overhead at low
// throughput); Sync runs a dedicated condvar-wait loop that drains all
// eligible parked tasks per signal (lower per-task overhead under high
// throughput). Only one mode is active per Pool; both produce identical
// observable behaviour.
type WakeMode int

const (
	WakeAsync WakeMode = iota
	WakeSync
)

// Options configures a Pool beyond the bare PoolConfig limits.
type Options[P any, R any] struct {
	Name     string // used as a metrics/audit label
	Limits   config.PoolConfig
	Executor executor.Executor[P, R]
	Spawner  executor.Spawner // defaults to executor.GoSpawner{}
	Mailbox  mailbox.Mailbox[R]
	Audit    audit.Sink // optional
	Gate     *admission.Gate  // optional
	Metrics  *metrics.Metrics // optional; nil-safe
	Clock    clock.Clock      // defaults to clock.System{}
	WakeMode WakeMode
	// CompletionBuffer sizes the internal completion-event channel.
	// Defaults to Limits.MaxQueueDepth if zero.
	CompletionBuffer int
}

type completionEvent[R any] struct {
	meta   task.Metadata
	result R
	err    error
}

// wakeState is the small piece of state the wake condvar guards: never
// held across the queue lock or an executor call, per §5.
type wakeState struct {
	mu                sync.Mutex
	cond              *sync.Cond
	capacityAvailable bool
	shutdown          bool
	releasedAtMS      int64
}

// Pool is a single ResourcePool instance: one bounded capacity budget,
// one priority queue, one mailbox, one executor.
type Pool[P any, R any] struct {
	name   string
	limits config.PoolConfig

	activeUnits atomic.Uint32
	queue       *queue.Queue[P]
	mbox        mailbox.Mailbox[R]

	wake wakeState

	executor executor.Executor[P, R]
	spawner  executor.Spawner
	auditSink audit.Sink
	gate      *admission.Gate
	metrics   *metrics.Metrics
	clock     clock.Clock
	wakeMode  WakeMode

	completions  chan completionEvent[R]
	shuttingDown atomic.Bool

	nextSeq atomic.Uint64
}

// New constructs a Pool and starts its background completion worker (and
// sync-mode waker, if configured). These goroutines run for the pool's
// lifetime: Shutdown only stops new admissions, per §4.3 — in-flight
// executions (including already-parked tasks a later release wakes) are
// allowed to run to completion, so there is no "drained" instant for the
// waker routines to stop at.
func New[P any, R any](opts Options[P, R]) *Pool[P, R] {
	if opts.Spawner == nil {
		opts.Spawner = executor.GoSpawner{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	buf := opts.CompletionBuffer
	if buf <= 0 {
		buf = opts.Limits.MaxQueueDepth
		if buf <= 0 {
			buf = 128
		}
	}

	p := &Pool[P, R]{
		name:        opts.Name,
		limits:      opts.Limits,
		queue:       queue.New[P](opts.Limits.MaxQueueDepth),
		mbox:        opts.Mailbox,
		executor:    opts.Executor,
		spawner:     opts.Spawner,
		auditSink:   opts.Audit,
		gate:        opts.Gate,
		metrics:     opts.Metrics,
		clock:       opts.Clock,
		wakeMode:    opts.WakeMode,
		completions: make(chan completionEvent[R], buf),
	}
	p.wake.cond = sync.NewCond(&p.wake.mu)

	go p.completionWorker()
	if p.wakeMode == WakeSync {
		go p.syncWaker()
	}
	return p
}

// Submit runs the admission protocol of §4.3: reject on an expired
// deadline, attempt a lock-free capacity reservation (retrying on CAS
// contention), and park the task in the priority queue on insufficient
// capacity.
func (p *Pool[P, R]) Submit(payload P, meta task.Metadata) (task.StatusKind, error) {
	if p.shuttingDown.Load() {
		return 0, perr.ErrPoolShutdown
	}

	now := p.clock.NowMS()
	if meta.DeadlineMS != nil && *meta.DeadlineMS < now {
		return 0, perr.ErrDeadlineExpired
	}
	meta.CreatedAtMS = now
	if meta.ID == 0 {
		meta.ID = p.nextSeq.Add(1)
	}

	if meta.Cost.Units > p.limits.MaxUnits {
		return 0, perr.ErrCapacityExceeded
	}

	if p.gate != nil {
		tenantKey := ""
		if meta.Mailbox != nil {
			tenantKey = meta.Mailbox.Tenant
		}
		saturation := float64(p.activeUnits.Load()) / float64(p.limits.MaxUnits)
		dec := p.gate.Check(tenantKey, int(meta.Priority), p.queue.Len(), saturation)
		p.recordCircuitState()
		if !dec.Allow {
			p.recordRejection(dec.Reason)
			return 0, fmt.Errorf("%w: rejected by admission gate: %s", perr.ErrQueueFull, dec.Reason)
		}
	}

	t := &task.Scheduled[P]{Meta: meta, Payload: payload}

	if p.tryReserve(meta.Cost.Units) {
		p.recordAudit(audit.Start, meta.ID)
		p.dispatch(t)
		p.reportGauges()
		return task.Running, nil
	}

	if err := p.queue.Enqueue(t); err != nil {
		p.recordRejection("queue_full")
		return 0, perr.ErrQueueFull
	}
	p.recordAudit(audit.Enqueue, meta.ID)
	p.reportGauges()
	return task.Queued, nil
}

// tryReserve attempts a lock-free compare-and-swap reservation of units.
// It retries on CAS contention (re-reading active_units each time) and
// never leaks a reservation: callers only see true once the reservation
// has actually landed.
func (p *Pool[P, R]) tryReserve(units uint32) bool {
	for {
		cur := p.activeUnits.Load()
		next := cur + units
		if next > p.limits.MaxUnits {
			return false
		}
		if p.activeUnits.CompareAndSwap(cur, next) {
			return true
		}
	}
}

func (p *Pool[P, R]) release(units uint32) {
	p.activeUnits.Add(^(units - 1))
}

// dispatch spawns the executor for an admitted task and routes its
// outcome to the completion-event channel. The gap between meta's
// creation time and this call is the task's admission wait: zero for a
// task admitted immediately in Submit, the time it spent parked for one
// woken by wakeNext.
func (p *Pool[P, R]) dispatch(t *task.Scheduled[P]) {
	meta := t.Meta
	payload := t.Payload
	p.recordAdmissionWait(meta.CreatedAtMS)
	p.spawner.Spawn(func() {
		result, err := p.executor.Execute(context.Background(), payload, executor.ExecMeta{
			TaskID:   meta.ID,
			Priority: int(meta.Priority),
		})
		p.completions <- completionEvent[R]{meta: meta, result: result, err: err}
	})
}

// completionWorker is the dedicated waker routine from §9: it is the only
// place that performs release + deliver + wake for a finished task.
func (p *Pool[P, R]) completionWorker() {
	for ev := range p.completions {
		p.handleCompletion(ev)
	}
}

func (p *Pool[P, R]) handleCompletion(ev completionEvent[R]) {
	p.release(ev.meta.Cost.Units)

	status := task.StatusOf(task.Completed)
	if ev.err != nil {
		status = task.FailedStatus(ev.err.Error())
	}
	p.recordAudit(audit.Complete, ev.meta.ID)

	if ev.meta.Mailbox != nil && p.mbox != nil {
		result := ev.result
		_ = p.mbox.Deliver(*ev.meta.Mailbox, status, &result, p.clock.NowMS())
	}

	p.reportGauges()

	releasedAtMS := p.clock.NowMS()
	switch p.wakeMode {
	case WakeAsync:
		p.spawner.Spawn(func() { p.wakeNext(releasedAtMS) })
	case WakeSync:
		p.wake.mu.Lock()
		p.wake.capacityAvailable = true
		p.wake.releasedAtMS = releasedAtMS
		p.wake.mu.Unlock()
		p.wake.cond.Signal()
	}
}

// wakeNext implements the §4.3 wake protocol: dequeue, check eligibility
// against the current (lock-free) capacity, reserve via CAS, dispatch,
// and loop to chain-wake multiple small tasks on a large release. It
// never holds the wake mutex. releasedAtMS is the capacity-release
// instant that triggered this wake, used to report wake latency.
func (p *Pool[P, R]) wakeNext(releasedAtMS int64) {
	for {
		t := p.queue.Dequeue()
		if t == nil {
			return
		}

		if !p.tryReserve(t.Meta.Cost.Units) {
			// Insufficient capacity (tryReserve retries CAS contention
			// itself); correctness is preserved because the release that
			// will eventually free capacity triggers its own wakeNext
			// call.
			_ = p.queue.Enqueue(t)
			return
		}

		p.recordAudit(audit.Wake, t.Meta.ID)
		p.recordWakeLatency(releasedAtMS)
		p.dispatch(t)
		p.reportGauges()
	}
}

// PruneExpired removes every parked task whose deadline has passed as of
// nowMS, returning the count removed. Safe to call periodically; it does
// not deliver a mailbox message for pruned tasks (Open Question in §9,
// resolved: pruning produces no mailbox entry — see DESIGN.md).
func (p *Pool[P, R]) PruneExpired(nowMS int64) int {
	n := p.queue.PruneExpired(nowMS)
	if n > 0 && p.auditSink != nil {
		p.auditSink.Record(audit.Event{Kind: audit.Expire, CreatedAtMS: p.clock.NowMS(), Detail: fmt.Sprintf("pruned=%d", n)})
	}
	return n
}

// Shutdown stops accepting new submissions (§4.3: Submit returns
// ErrPoolShutdown from this point on). In-flight executions, and any task
// already parked before this call, run to completion and are still
// delivered and audited normally; the background completion worker and
// sync waker keep running for the process lifetime to service them.
func (p *Pool[P, R]) Shutdown() {
	if !p.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	p.wake.mu.Lock()
	p.wake.shutdown = true
	p.wake.mu.Unlock()
	p.wake.cond.Broadcast()
}

// syncWaker is the alternate wake mode's dedicated thread: a condvar-wait
// loop that drains all eligible parked tasks per signal, then re-waits.
func (p *Pool[P, R]) syncWaker() {
	p.wake.mu.Lock()
	defer p.wake.mu.Unlock()
	for {
		for !p.wake.capacityAvailable {
			p.wake.cond.Wait()
		}
		p.wake.capacityAvailable = false
		releasedAtMS := p.wake.releasedAtMS
		p.wake.mu.Unlock()

		p.wakeNext(releasedAtMS)

		p.wake.mu.Lock()
	}
}

// ActiveUnits reports the currently reserved capacity (lock-free read).
func (p *Pool[P, R]) ActiveUnits() uint32 { return p.activeUnits.Load() }

// QueueLen reports the current number of parked tasks.
func (p *Pool[P, R]) QueueLen() int { return p.queue.Len() }

func (p *Pool[P, R]) recordAudit(kind audit.Kind, taskID uint64) {
	if p.auditSink == nil {
		return
	}
	p.auditSink.Record(audit.Event{Kind: kind, TaskID: taskID, CreatedAtMS: p.clock.NowMS()})
}

func (p *Pool[P, R]) recordRejection(reason string) {
	if p.metrics == nil {
		return
	}
	p.metrics.Rejections.WithLabelValues(p.name, reason).Inc()
}

func (p *Pool[P, R]) recordCircuitState() {
	if p.metrics == nil || p.gate == nil {
		return
	}
	p.metrics.CircuitState.WithLabelValues(p.name).Set(float64(p.gate.CircuitState()))
}

func (p *Pool[P, R]) recordAdmissionWait(createdAtMS int64) {
	if p.metrics == nil {
		return
	}
	waitMS := p.clock.NowMS() - createdAtMS
	if waitMS < 0 {
		waitMS = 0
	}
	p.metrics.AdmissionWait.Observe(float64(waitMS) / 1000)
}

func (p *Pool[P, R]) recordWakeLatency(releasedAtMS int64) {
	if p.metrics == nil {
		return
	}
	latencyMS := p.clock.NowMS() - releasedAtMS
	if latencyMS < 0 {
		latencyMS = 0
	}
	p.metrics.WakeLatency.Observe(float64(latencyMS) / 1000)
}

func (p *Pool[P, R]) reportGauges() {
	if p.metrics == nil {
		return
	}
	p.metrics.QueueDepth.WithLabelValues(p.name).Set(float64(p.queue.Len()))
	active := p.activeUnits.Load()
	p.metrics.ActiveUnits.WithLabelValues(p.name).Set(float64(active))
	if p.limits.MaxUnits > 0 {
		p.metrics.Saturation.WithLabelValues(p.name).Set(float64(active) / float64(p.limits.MaxUnits))
	}
}
