// Package postgres adapts the queue/mailbox persistence contract onto
// github.com/jackc/pgx/v5/pgxpool, grounded on
// control_plane/store/postgres.go's pool construction and Ping-on-connect
// pattern. A pool's parked tasks live in a table ordered by
// (priority DESC, created_at ASC) with a deadline index for pruning;
// mailbox messages are append-only rows keyed by the mailbox tuple.
package postgres

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowlot/parkinglot/mailbox"
	"github.com/flowlot/parkinglot/perr"
	"github.com/flowlot/parkinglot/task"
)

var _ mailbox.Mailbox[int] = (*BoundMailbox[int])(nil)

// Pool wraps a pgxpool.Pool the same way PostgresStore does: parsed
// config, tuned connection limits, Ping to fail fast.
type Pool struct {
	pool *pgxpool.Pool
}

// NewPool connects to connString and verifies it with Ping.
func NewPool(ctx context.Context, connString string) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, perr.Backend("postgres.NewPool.parse", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pgxPool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, perr.Backend("postgres.NewPool.connect", err)
	}
	if err := pgxPool.Ping(ctx); err != nil {
		return nil, perr.Backend("postgres.NewPool.ping", err)
	}
	return &Pool{pool: pgxPool}, nil
}

func (p *Pool) Close() { p.pool.Close() }

// Schema is the DDL a deployment runs before using Queue/Mailbox. Every
// pool shares the same tables, keyed by their pool column, and the
// statements are idempotent (IF NOT EXISTS). Kept here rather than an embedded
// migration tool since the rest of the corpus runs DDL by hand too.
const Schema = `
CREATE TABLE IF NOT EXISTS parkinglot_queue (
	id           BIGSERIAL PRIMARY KEY,
	pool         TEXT NOT NULL,
	task_id      BIGINT NOT NULL,
	priority     INT NOT NULL,
	created_at   BIGINT NOT NULL,
	deadline_ms  BIGINT,
	meta         JSONB NOT NULL,
	payload      JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS parkinglot_queue_order_idx
	ON parkinglot_queue (pool, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS parkinglot_queue_deadline_idx
	ON parkinglot_queue (pool, deadline_ms) WHERE deadline_ms IS NOT NULL;

CREATE TABLE IF NOT EXISTS parkinglot_mailbox (
	id           BIGSERIAL PRIMARY KEY,
	pool         TEXT NOT NULL,
	tenant       TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	session_id   TEXT NOT NULL,
	status_kind  TEXT NOT NULL,
	status_reason TEXT NOT NULL,
	payload      JSONB,
	created_at   BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS parkinglot_mailbox_key_idx
	ON parkinglot_mailbox (pool, tenant, user_id, session_id, created_at);
`

// Queue is a Postgres-backed parked-task store for one pool.
type Queue[P any] struct {
	pool *Pool
	name string
}

func NewQueue[P any](pool *Pool, poolName string) *Queue[P] {
	return &Queue[P]{pool: pool, name: poolName}
}

func (q *Queue[P]) Enqueue(ctx context.Context, t *task.Scheduled[P]) error {
	meta, err := json.Marshal(t.Meta)
	if err != nil {
		return perr.Backend("postgres.Enqueue.marshal_meta", err)
	}
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return perr.Backend("postgres.Enqueue.marshal_payload", err)
	}
	_, err = q.pool.pool.Exec(ctx, `
		INSERT INTO parkinglot_queue (pool, task_id, priority, created_at, deadline_ms, meta, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, q.name, t.Meta.ID, int(t.Meta.Priority), t.Meta.CreatedAtMS, t.Meta.DeadlineMS, meta, payload)
	if err != nil {
		return perr.Backend("postgres.Enqueue.insert", err)
	}
	return nil
}

// Dequeue removes and returns the row with the highest
// (priority, created_at) order, or (nil, nil) if the pool is empty.
func (q *Queue[P]) Dequeue(ctx context.Context) (*task.Scheduled[P], error) {
	row := q.pool.pool.QueryRow(ctx, `
		DELETE FROM parkinglot_queue
		WHERE id = (
			SELECT id FROM parkinglot_queue
			WHERE pool = $1
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING meta, payload
	`, q.name)

	var meta, payload []byte
	if err := row.Scan(&meta, &payload); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, perr.Backend("postgres.Dequeue.scan", err)
	}

	var t task.Scheduled[P]
	if err := json.Unmarshal(meta, &t.Meta); err != nil {
		return nil, perr.Backend("postgres.Dequeue.decode_meta", err)
	}
	if err := json.Unmarshal(payload, &t.Payload); err != nil {
		return nil, perr.Backend("postgres.Dequeue.decode_payload", err)
	}
	return &t, nil
}

func (q *Queue[P]) Len(ctx context.Context) (int, error) {
	var n int
	err := q.pool.pool.QueryRow(ctx, `SELECT count(*) FROM parkinglot_queue WHERE pool = $1`, q.name).Scan(&n)
	if err != nil {
		return 0, perr.Backend("postgres.Len.count", err)
	}
	return n, nil
}

func (q *Queue[P]) PruneExpired(ctx context.Context, nowMS int64) (int, error) {
	tag, err := q.pool.pool.Exec(ctx, `
		DELETE FROM parkinglot_queue
		WHERE pool = $1 AND deadline_ms IS NOT NULL AND deadline_ms < $2
	`, q.name, nowMS)
	if err != nil {
		return 0, perr.Backend("postgres.PruneExpired.delete", err)
	}
	return int(tag.RowsAffected()), nil
}

// Mailbox is a Postgres-backed mailbox.Mailbox[T] for one pool.
type Mailbox[T any] struct {
	pool *Pool
	name string
}

func NewMailbox[T any](pool *Pool, poolName string) *Mailbox[T] {
	return &Mailbox[T]{pool: pool, name: poolName}
}

func (m *Mailbox[T]) Deliver(ctx context.Context, key task.MailboxKey, status task.Status, payload *T, nowMS int64) error {
	var raw []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return perr.Backend("postgres.Deliver.marshal", err)
		}
		raw = encoded
	}
	_, err := m.pool.pool.Exec(ctx, `
		INSERT INTO parkinglot_mailbox (pool, tenant, user_id, session_id, status_kind, status_reason, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, m.name, key.Tenant, key.UserID, key.SessionID, status.Kind.String(), status.Reason, raw, nowMS)
	if err != nil {
		return perr.Backend("postgres.Deliver.insert", err)
	}
	return nil
}

func (m *Mailbox[T]) Fetch(ctx context.Context, key task.MailboxKey, sinceMS *int64, limit int) ([]task.Message[T], error) {
	query := `
		SELECT status_kind, status_reason, payload, created_at FROM parkinglot_mailbox
		WHERE pool = $1 AND tenant = $2 AND user_id = $3 AND session_id = $4
	`
	args := []any{m.name, key.Tenant, key.UserID, key.SessionID}
	if sinceMS != nil {
		query += ` AND created_at >= $5`
		args = append(args, *sinceMS)
	}
	query += ` ORDER BY created_at ASC`
	if limit > 0 {
		query += " LIMIT " + strconv.Itoa(limit)
	}

	rows, err := m.pool.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, perr.Backend("postgres.Fetch.query", err)
	}
	defer rows.Close()

	out := make([]task.Message[T], 0)
	for rows.Next() {
		var kind, reason string
		var raw []byte
		var createdAt int64
		if err := rows.Scan(&kind, &reason, &raw, &createdAt); err != nil {
			return nil, perr.Backend("postgres.Fetch.scan", err)
		}
		var payload *T
		if len(raw) > 0 {
			var v T
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, perr.Backend("postgres.Fetch.decode_payload", err)
			}
			payload = &v
		}
		out = append(out, task.Message[T]{
			Status:      task.Status{Kind: parseStatusKind(kind), Reason: reason},
			Payload:     payload,
			CreatedAtMS: createdAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, perr.Backend("postgres.Fetch.rows", err)
	}
	return out, nil
}

// parseStatusKind inverts task.StatusKind.String() for the round trip
// through the status_kind text column.
func parseStatusKind(s string) task.StatusKind {
	for k := task.Queued; k <= task.Dropped; k++ {
		if k.String() == s {
			return k
		}
	}
	return task.Queued
}

// BoundMailbox adapts Mailbox to the ctx-less mailbox.Mailbox[T]
// interface the in-process core types use, binding every call to a
// fixed context, mirroring backend/redis.BoundMailbox.
type BoundMailbox[T any] struct {
	ctx context.Context
	m   *Mailbox[T]
}

func Bind[T any](ctx context.Context, m *Mailbox[T]) *BoundMailbox[T] {
	return &BoundMailbox[T]{ctx: ctx, m: m}
}

func (b *BoundMailbox[T]) Deliver(key task.MailboxKey, status task.Status, payload *T, nowMS int64) error {
	return b.m.Deliver(b.ctx, key, status, payload, nowMS)
}

func (b *BoundMailbox[T]) Fetch(key task.MailboxKey, sinceMS *int64, limit int) ([]task.Message[T], error) {
	return b.m.Fetch(b.ctx, key, sinceMS, limit)
}
