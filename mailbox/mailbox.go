// Package mailbox implements the keyed, append-only result log clients
// poll to retrieve outcomes of tasks they may have disconnected from.
package mailbox

import (
	"sync"

	"github.com/flowlot/parkinglot/task"
)

// Mailbox maps a task.MailboxKey to an ordered sequence of messages. The
// in-memory implementation in this package cannot fail; backend adapters
// (backend/postgres, backend/redis) implement the same contract but may
// return a *perr.BackendError from Deliver/Fetch on I/O failure.
type Mailbox[T any] interface {
	Deliver(key task.MailboxKey, status task.Status, payload *T, nowMS int64) error
	// Fetch returns up to limit messages for key with CreatedAtMS >=
	// sinceMS (sinceMS == nil means no lower bound), in delivery order.
	// An unknown key returns an empty, non-nil slice and a nil error.
	Fetch(key task.MailboxKey, sinceMS *int64, limit int) ([]task.Message[T], error)
}

// Memory is the in-process Mailbox: a map of key to append-only slice of
// messages, guarded by a single mutex. Grounded on timeline.Store's
// Record/GetEvents pattern, generalized from a flat event log to a
// keyed one.
type Memory[T any] struct {
	mu   sync.Mutex
	logs map[task.MailboxKey][]task.Message[T]
}

// NewMemory creates an empty in-memory mailbox.
func NewMemory[T any]() *Memory[T] {
	return &Memory[T]{logs: make(map[task.MailboxKey][]task.Message[T])}
}

// Deliver appends a message stamped with nowMS. It cannot fail.
func (m *Memory[T]) Deliver(key task.MailboxKey, status task.Status, payload *T, nowMS int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[key] = append(m.logs[key], task.Message[T]{
		Status:      status,
		Payload:     payload,
		CreatedAtMS: nowMS,
	})
	return nil
}

// Fetch returns up to limit messages for key with CreatedAtMS >= *sinceMS
// (if sinceMS is non-nil), preserving delivery order. An unknown key
// returns an empty slice, never an error.
func (m *Memory[T]) Fetch(key task.MailboxKey, sinceMS *int64, limit int) ([]task.Message[T], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.logs[key]
	out := make([]task.Message[T], 0, len(all))
	for _, msg := range all {
		if sinceMS != nil && msg.CreatedAtMS < *sinceMS {
			continue
		}
		out = append(out, msg)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
