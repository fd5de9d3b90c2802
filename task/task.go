// Package task defines the data model shared by the priority queue,
// mailbox, resource pool and worker pool: task metadata, cost accounting,
// mailbox addressing and the lifecycle status a task passes through.
package task

import "fmt"

// Priority is a stable total order over task urgency. Higher values win
// admission to the priority queue; Critical always dequeues before High,
// High before Normal, Normal before Low.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// ResourceCost is the abstract additive resource quantity a running task
// consumes. Kind is informational only: the pool tracks a single scalar
// budget regardless of what Kind says the units represent.
type ResourceCost struct {
	Kind  string
	Units uint32
}

// MailboxKey addresses a client's result stream. Equality and hashing are
// over the full tuple, so a zero-value UserID/SessionID is a distinct key
// from a populated one.
type MailboxKey struct {
	Tenant    string
	UserID    string
	SessionID string
}

// String renders a stable, human-readable form suitable for logging and
// for backends (e.g. Redis keys, Postgres row keys) that need a single
// string to address a mailbox by.
func (k MailboxKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Tenant, k.UserID, k.SessionID)
}

// Metadata carries everything the scheduler needs to know about a task
// without looking at its payload: identity, priority, cost, deadline and
// mailbox addressing.
type Metadata struct {
	// ID is caller-supplied and assumed unique within a pool's lifetime.
	ID uint64

	Priority Priority
	Cost     ResourceCost

	// DeadlineMS, if non-nil, causes Submit to reject the task once
	// DeadlineMS < now at submission time. It never reorders the queue.
	DeadlineMS *int64

	CreatedAtMS int64

	// Mailbox, if non-nil, receives exactly one terminal message for the
	// task: Completed, Failed or Dropped.
	Mailbox *MailboxKey
}

// Scheduled pairs task Metadata with an opaque payload. The scheduler
// never inspects Payload; P is whatever the caller's Executor understands.
type Scheduled[P any] struct {
	Meta    Metadata
	Payload P
}

// StatusKind is the tag of the TaskStatus sum type.
type StatusKind int

const (
	Queued StatusKind = iota
	Running
	Completed
	Failed
	Expired
	Dropped
)

func (k StatusKind) String() string {
	switch k {
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Expired:
		return "expired"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Status is the tagged-variant TaskStatus from the spec, expressed as a Go
// struct: Kind selects the variant, Reason carries the payload for the
// Failed/Dropped variants.
type Status struct {
	Kind   StatusKind
	Reason string
}

func StatusOf(kind StatusKind) Status             { return Status{Kind: kind} }
func FailedStatus(reason string) Status           { return Status{Kind: Failed, Reason: reason} }
func DroppedStatus(reason string) Status          { return Status{Kind: Dropped, Reason: reason} }
func (s Status) String() string {
	if s.Reason == "" {
		return s.Kind.String()
	}
	return fmt.Sprintf("%s(%s)", s.Kind, s.Reason)
}

// Message is one entry in a mailbox's append-only log for a given key.
type Message[T any] struct {
	Status      Status
	Payload     *T
	CreatedAtMS int64
}

// Limits are the immutable-after-creation capacity bounds of a pool.
type Limits struct {
	MaxUnits       uint32
	MaxQueueDepth  int
	DefaultTimeout int64 // milliseconds
}
