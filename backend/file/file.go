// Package file implements the append-only, line-delimited JSON persisted
// backend named in the configuration surface (queue_backend/
// mailbox_backend == "file"). There is no teacher file-backend to ground
// this on, so it is built directly from the persisted-state-layout
// description: one file per (pool, stream) pair, each line one JSON
// record, opened for append and replayed from disk on construction.
package file

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/flowlot/parkinglot/mailbox"
	"github.com/flowlot/parkinglot/perr"
	"github.com/flowlot/parkinglot/task"
)

var _ mailbox.Mailbox[int] = (*Mailbox[int])(nil)

// mailboxRecord is one line of a mailbox stream file.
type mailboxRecord struct {
	Key         task.MailboxKey `json:"key"`
	Status      task.Status     `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAtMS int64           `json:"created_at_ms"`
}

// Mailbox is a file-backed mailbox.Mailbox[T]: every Deliver appends one
// JSON line to dir/<pool>.mailbox.jsonl; Fetch replays the file and
// filters in memory. Suitable for a single-process deployment or tests;
// it reads the whole stream file, line by line, once per Fetch call.
type Mailbox[T any] struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// NewMailbox opens (creating if needed) dir/<pool>.mailbox.jsonl for
// append, and returns a Mailbox backed by it.
func NewMailbox[T any](dir, pool string) (*Mailbox[T], error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, perr.Backend("file.NewMailbox.mkdir", err)
	}
	path := filepath.Join(dir, pool+".mailbox.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, perr.Backend("file.NewMailbox.open", err)
	}
	return &Mailbox[T]{path: path, f: f}, nil
}

func (m *Mailbox[T]) Deliver(key task.MailboxKey, status task.Status, payload *T, nowMS int64) error {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return perr.Backend("file.Deliver.marshal", err)
		}
		raw = encoded
	}
	rec := mailboxRecord{Key: key, Status: status, Payload: raw, CreatedAtMS: nowMS}
	line, err := json.Marshal(rec)
	if err != nil {
		return perr.Backend("file.Deliver.marshal", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.f.Write(append(line, '\n')); err != nil {
		return perr.Backend("file.Deliver.write", err)
	}
	return nil
}

func (m *Mailbox[T]) Fetch(key task.MailboxKey, sinceMS *int64, limit int) ([]task.Message[T], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.Open(m.path)
	if err != nil {
		return nil, perr.Backend("file.Fetch.open", err)
	}
	defer f.Close()

	out := make([]task.Message[T], 0)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec mailboxRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, perr.Backend("file.Fetch.decode", err)
		}
		if rec.Key != key {
			continue
		}
		if sinceMS != nil && rec.CreatedAtMS < *sinceMS {
			continue
		}
		var payload *T
		if len(rec.Payload) > 0 {
			var v T
			if err := json.Unmarshal(rec.Payload, &v); err != nil {
				return nil, perr.Backend("file.Fetch.decode_payload", err)
			}
			payload = &v
		}
		out = append(out, task.Message[T]{Status: rec.Status, Payload: payload, CreatedAtMS: rec.CreatedAtMS})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, perr.Backend("file.Fetch.scan", err)
	}
	return out, nil
}

// Close releases the underlying file handle.
func (m *Mailbox[T]) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.f.Close()
}

// taskRecord is one line of a queue snapshot file: enough to rebuild a
// task.Scheduled[P] whose payload round-trips through JSON.
type taskRecord[P any] struct {
	Meta    task.Metadata `json:"meta"`
	Payload P             `json:"payload"`
}

// Queue is a durable, append-only log of parked tasks: every Append
// writes a line, and Load replays the file in order. It does not
// implement queue.Queue's Dequeue/Peek/PruneExpired, and it records no
// removals, so Load returns every task ever appended, including ones
// since dequeued or pruned. Nothing in this module wires it into a
// resourcepool; a caller that uses it as a write-ahead log alongside an
// in-memory queue.Queue does the replay itself.
type Queue[P any] struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// NewQueue opens (creating if needed) dir/<pool>.queue.jsonl for append.
func NewQueue[P any](dir, pool string) (*Queue[P], error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, perr.Backend("file.NewQueue.mkdir", err)
	}
	path := filepath.Join(dir, pool+".queue.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, perr.Backend("file.NewQueue.open", err)
	}
	return &Queue[P]{path: path, f: f}, nil
}

// Append records t to the write-ahead log.
func (q *Queue[P]) Append(t *task.Scheduled[P]) error {
	rec := taskRecord[P]{Meta: t.Meta, Payload: t.Payload}
	line, err := json.Marshal(rec)
	if err != nil {
		return perr.Backend("file.Append.marshal", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.f.Write(append(line, '\n')); err != nil {
		return perr.Backend("file.Append.write", err)
	}
	return nil
}

// Load replays every recorded task in file order.
func (q *Queue[P]) Load() ([]*task.Scheduled[P], error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	f, err := os.Open(q.path)
	if err != nil {
		return nil, perr.Backend("file.Load.open", err)
	}
	defer f.Close()

	var out []*task.Scheduled[P]
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec taskRecord[P]
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, perr.Backend("file.Load.decode", err)
		}
		out = append(out, &task.Scheduled[P]{Meta: rec.Meta, Payload: rec.Payload})
	}
	if err := scanner.Err(); err != nil {
		return nil, perr.Backend("file.Load.scan", err)
	}
	return out, nil
}

// Close releases the underlying file handle.
func (q *Queue[P]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.f.Close()
}
