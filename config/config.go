// Package config defines the external, JSON-encodable configuration
// surface for the scheduler: named pools, their capacity limits, and
// which queue/mailbox/runtime backends they're wired to. Generalized from
// the teacher's single-pool SchedulerConfig/DefaultSchedulerConfig into
// the §6 "map of named pools to PoolConfig" shape. Validation is
// hand-written, matching every config struct in the retrieved corpus:
// none of them reach for a struct-tag validation library.
package config

import (
	"fmt"
	"time"
)

// Backend names the storage/runtime adapter a pool's queue, mailbox or
// execution runtime is wired to. Encoded as lowercase snake_case per §6.
type Backend string

const (
	InMemory   Backend = "in_memory"
	File       Backend = "file"
	Relational Backend = "relational"
)

// Runtime names where a WorkerPool's per-worker execution context runs.
type Runtime string

const (
	Native      Runtime = "native"
	WebWorker   Runtime = "web_worker"
	CloudWorker Runtime = "cloud_worker"
)

// PoolConfig is the immutable-after-creation configuration for a single
// ResourcePool.
type PoolConfig struct {
	MaxUnits           uint32        `json:"max_units"`
	MaxQueueDepth      int           `json:"max_queue_depth"`
	DefaultTimeoutSecs uint64        `json:"default_timeout_secs"`
	QueueBackend       Backend       `json:"queue_backend"`
	MailboxBackend     Backend       `json:"mailbox_backend"`
	Runtime            Runtime       `json:"runtime"`
}

// DefaultTimeout returns DefaultTimeoutSecs as a time.Duration.
func (c PoolConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutSecs) * time.Second
}

// Validate checks the invariants §6 requires of a PoolConfig.
func (c PoolConfig) Validate() error {
	if c.MaxUnits == 0 {
		return fmt.Errorf("config: max_units must be > 0")
	}
	if c.MaxQueueDepth <= 0 {
		return fmt.Errorf("config: max_queue_depth must be > 0")
	}
	if c.DefaultTimeoutSecs == 0 {
		return fmt.Errorf("config: default_timeout_secs must be > 0")
	}
	switch c.QueueBackend {
	case InMemory, File, Relational:
	default:
		return fmt.Errorf("config: unknown queue_backend %q", c.QueueBackend)
	}
	switch c.MailboxBackend {
	case InMemory, File, Relational:
	default:
		return fmt.Errorf("config: unknown mailbox_backend %q", c.MailboxBackend)
	}
	switch c.Runtime {
	case Native, WebWorker, CloudWorker:
	default:
		return fmt.Errorf("config: unknown runtime %q", c.Runtime)
	}
	return nil
}

// DefaultPoolConfig returns sensible production defaults, matching the
// teacher's DefaultSchedulerConfig in spirit (MaxConcurrency ->
// MaxUnits, CircuitBreakerThreshold -> MaxQueueDepth).
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxUnits:           10,
		MaxQueueDepth:      1000,
		DefaultTimeoutSecs: 300,
		QueueBackend:       InMemory,
		MailboxBackend:     InMemory,
		Runtime:            Native,
	}
}

// Scheduler is the top-level configuration: a named map of pools. It must
// contain at least one pool, and every pool must validate.
type Scheduler struct {
	Pools map[string]PoolConfig `json:"pools"`
}

func (s Scheduler) Validate() error {
	if len(s.Pools) == 0 {
		return fmt.Errorf("config: scheduler must declare at least one pool")
	}
	for name, p := range s.Pools {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("config: pool %q: %w", name, err)
		}
	}
	return nil
}

// WorkerPool is the configuration for a WorkerPool (§6).
type WorkerPool struct {
	WorkerCount      int           `json:"worker_count"`
	ThreadStackSize  int           `json:"thread_stack_size"`
	MaxUnits         uint32        `json:"max_units"`
	MaxQueueDepth    int           `json:"max_queue_depth"`
	DefaultTimeoutMS int64         `json:"default_timeout_ms"`
}

const minThreadStackSize = 64 * 1024

func (c WorkerPool) Validate() error {
	if c.WorkerCount <= 0 {
		return fmt.Errorf("config: worker_count must be > 0")
	}
	if c.MaxUnits == 0 {
		return fmt.Errorf("config: max_units must be > 0")
	}
	if c.MaxQueueDepth <= 0 {
		return fmt.Errorf("config: max_queue_depth must be > 0")
	}
	if c.DefaultTimeoutMS <= 0 {
		return fmt.Errorf("config: default_timeout_ms must be > 0")
	}
	if c.ThreadStackSize != 0 && c.ThreadStackSize < minThreadStackSize {
		return fmt.Errorf("config: thread_stack_size must be >= 64KiB")
	}
	return nil
}

// DefaultWorkerPoolConfig returns sensible defaults. numCPU should be the
// number of CPUs on the native target (runtime.NumCPU()); callers on
// cooperative targets should pass 1.
func DefaultWorkerPoolConfig(numCPU int) WorkerPool {
	if numCPU <= 0 {
		numCPU = 1
	}
	return WorkerPool{
		WorkerCount:      numCPU,
		ThreadStackSize:  2 * 1024 * 1024,
		MaxUnits:         uint32(numCPU),
		MaxQueueDepth:    1000,
		DefaultTimeoutMS: 30_000,
	}
}
