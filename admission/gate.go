// Package admission implements an optional defense-in-depth layer in
// front of ResourcePool.Submit: an operating-mode switch, a circuit
// breaker keyed on queue depth/worker saturation, and a per-tenant token
// bucket. None of it reorders the queue or changes dequeue semantics —
// it only widens the set of situations Submit can reject in. Grounded
// directly on control_plane/scheduler/circuit_breaker.go and limiter.go.
package admission

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Mode is the scheduler-wide operating mode, generalized from the
// teacher's SchedulerMode.
type Mode string

const (
	ModeNormal   Mode = "normal"
	ModeDegraded Mode = "degraded" // reject below-threshold priority, shed load
	ModeReadOnly Mode = "read_only"
	ModeDraining Mode = "draining"
)

// CircuitState is the circuit breaker's state machine position.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitHalfOpen
	CircuitOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker trips admission off when a pool is saturated and probes
// recovery with a bounded sample of traffic before fully closing again.
// The state machine (closed/half_open/open, cooldown-gated probing) is
// the same shape scheduler.CircuitBreaker uses; the probe quota is
// configurable here rather than a hardcoded constant.
type CircuitBreaker struct {
	mu sync.Mutex

	state CircuitState

	queueThreshold      int
	saturationThreshold float64
	cooldown            time.Duration
	probeQuota          int

	openedAt   time.Time
	probesSent int
}

// NewCircuitBreaker creates a breaker that opens once queueDepth exceeds
// queueThreshold or worker saturation exceeds 0.95, with a 30s cooldown
// before probing recovery and 5 probe admissions required before it
// re-evaluates whether to close.
func NewCircuitBreaker(queueThreshold int) *CircuitBreaker {
	return &CircuitBreaker{
		queueThreshold:      queueThreshold,
		saturationThreshold: 0.95,
		cooldown:            30 * time.Second,
		probeQuota:          5,
	}
}

// SetProbeQuota overrides the number of half-open probe admissions tried
// before recovery is re-evaluated (default 5).
func (cb *CircuitBreaker) SetProbeQuota(n int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probeQuota = n
}

// ShouldAdmit reports whether a task should be let through the gate given
// the current queue depth and worker saturation (active_units/max_units).
func (cb *CircuitBreaker) ShouldAdmit(queueDepth int, saturation float64) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.endCooldownIfElapsed()

	switch cb.state {
	case CircuitHalfOpen:
		return cb.admitDuringProbe(queueDepth, saturation)
	case CircuitOpen:
		return false
	default:
		return cb.admitWhenClosed(queueDepth, saturation)
	}
}

// endCooldownIfElapsed moves an open breaker into half_open once the
// cooldown window has passed, resetting the probe counter.
func (cb *CircuitBreaker) endCooldownIfElapsed() {
	if cb.state == CircuitOpen && time.Since(cb.openedAt) > cb.cooldown {
		cb.state = CircuitHalfOpen
		cb.probesSent = 0
	}
}

// admitDuringProbe lets up to probeQuota requests through as test
// traffic, then closes the circuit once the pool looks recovered or
// keeps it half-open otherwise.
func (cb *CircuitBreaker) admitDuringProbe(queueDepth int, saturation float64) bool {
	if cb.probesSent < cb.probeQuota {
		cb.probesSent++
		return true
	}
	if cb.hasRecovered(queueDepth, saturation) {
		cb.state = CircuitClosed
		return true
	}
	return false
}

func (cb *CircuitBreaker) hasRecovered(queueDepth int, saturation float64) bool {
	return queueDepth < cb.queueThreshold/2 && saturation < cb.saturationThreshold
}

// admitWhenClosed trips the breaker open once depth or saturation
// crosses threshold, otherwise admits.
func (cb *CircuitBreaker) admitWhenClosed(queueDepth int, saturation float64) bool {
	if queueDepth > cb.queueThreshold || saturation > cb.saturationThreshold {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		return false
	}
	return true
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// TenantLimiter buckets admission by tenant key, bounding how fast any
// single tenant can push tasks into the gate regardless of overall pool
// capacity. Grounded on scheduler.TokenBucketLimiter's per-key
// rate.Limiter map; a read lock covers the common case of an
// already-provisioned tenant, falling back to the write path only to
// provision a new one.
type TenantLimiter struct {
	mu     sync.RWMutex
	perKey map[string]*rate.Limiter
	rate   rate.Limit
	burst  int
}

// NewTenantLimiter creates a limiter allowing r tokens/sec with burst b,
// per distinct key.
func NewTenantLimiter(r float64, b int) *TenantLimiter {
	return &TenantLimiter{
		perKey: make(map[string]*rate.Limiter),
		rate:   rate.Limit(r),
		burst:  b,
	}
}

// Allow reports whether key may proceed right now, consuming a token if
// so.
func (l *TenantLimiter) Allow(key string) bool {
	return l.provision(key).Allow()
}

// provision returns key's bucket, creating it under the write lock on
// first use.
func (l *TenantLimiter) provision(key string) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.perKey[key]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok = l.perKey[key]; ok {
		return lim
	}
	lim = rate.NewLimiter(l.rate, l.burst)
	l.perKey[key] = lim
	return lim
}

// Gate composes Mode, CircuitBreaker and TenantLimiter into one
// admission check. It is optional: a ResourcePool may be used with a nil
// *Gate, in which case the §4.3 admission protocol runs unmodified.
type Gate struct {
	mu               sync.RWMutex
	mode             Mode
	breaker          *CircuitBreaker
	tenants          *TenantLimiter
	degradedMinPrio  int // priorities below this are rejected in ModeDegraded
}

// NewGate builds a Gate with the given queue-depth circuit threshold and
// per-tenant rate (tokens/sec, burst).
func NewGate(circuitQueueThreshold int, tenantRate float64, tenantBurst int, degradedMinPriority int) *Gate {
	return &Gate{
		mode:            ModeNormal,
		breaker:         NewCircuitBreaker(circuitQueueThreshold),
		tenants:         NewTenantLimiter(tenantRate, tenantBurst),
		degradedMinPrio: degradedMinPriority,
	}
}

func (g *Gate) SetMode(m Mode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mode = m
}

func (g *Gate) Mode() Mode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.mode
}

// CircuitState reports the gate's circuit breaker position, for callers
// that report it (e.g. as a metric) alongside a Check call.
func (g *Gate) CircuitState() CircuitState {
	return g.breaker.State()
}

// Decision is the outcome of a gate check: Allow or a human-readable
// reason for rejection, used only for metrics/audit labels — rejection
// is always surfaced to the caller as resourcepool's existing QueueFull.
type Decision struct {
	Allow  bool
	Reason string
}

// Check runs the mode/circuit-breaker/tenant-limiter checks in that
// order. priority is an int so callers can pass task.Priority without an
// import cycle; tenantKey scopes the per-tenant rate limit.
func (g *Gate) Check(tenantKey string, priority int, queueDepth int, saturation float64) Decision {
	g.mu.RLock()
	mode := g.mode
	g.mu.RUnlock()

	switch mode {
	case ModeReadOnly, ModeDraining:
		return Decision{Allow: false, Reason: "read_only_or_draining"}
	case ModeDegraded:
		if priority < g.degradedMinPrio {
			return Decision{Allow: false, Reason: "degraded_mode_low_priority"}
		}
	}

	if !g.breaker.ShouldAdmit(queueDepth, saturation) {
		return Decision{Allow: false, Reason: "circuit_open"}
	}

	if tenantKey != "" && g.tenants != nil {
		if !g.tenants.Allow(tenantKey) {
			return Decision{Allow: false, Reason: "tenant_rate_limited"}
		}
	}

	return Decision{Allow: true}
}
