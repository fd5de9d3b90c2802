// Package redis adapts the queue/mailbox persistence contract onto
// github.com/redis/go-redis/v9, grounded on control_plane/store/redis.go
// (same client construction, same ctx-first method shape, same
// errors.New-wrapped connection failures). A pool's parked tasks live in
// a sorted set scored by (priority, created_at) so ZPOPMAX/ZRANGE give
// the same ordering queue.Queue enforces in memory; mailbox messages are
// appended to a per-key Redis list, mirroring an append-only log.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowlot/parkinglot/mailbox"
	"github.com/flowlot/parkinglot/perr"
	"github.com/flowlot/parkinglot/task"
)

var _ mailbox.Mailbox[int] = (*BoundMailbox[int])(nil)

// Client wraps the go-redis client construction the same way
// store.NewRedisStore does: dial, then Ping to fail fast on a bad
// address rather than on the first real operation.
type Client struct {
	rdb *redis.Client
}

// NewClient connects to addr and verifies it with a 5s Ping, matching
// the teacher's connection-verification step in NewRedisStore.
func NewClient(ctx context.Context, addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, perr.Backend("redis.NewClient.ping", err)
	}
	return &Client{rdb: rdb}, nil
}

func (c *Client) Close() error { return c.rdb.Close() }

// score packs (priority desc, created_at asc) into one float64 so a
// single ZADD/ZPOPMAX gives the queue's total order: priority dominates
// the high bits, created_at (negated so earlier sorts higher) fills the
// low bits.
func score(priority task.Priority, createdAtMS int64) float64 {
	return float64(priority)*1e15 - float64(createdAtMS)
}

type taskEnvelope[P any] struct {
	Meta    task.Metadata `json:"meta"`
	Payload P             `json:"payload"`
}

// Queue is a Redis-backed parked-task store for one pool, keyed by
// "parkinglot:{pool}:queue".
type Queue[P any] struct {
	c    *Client
	pool string
}

func NewQueue[P any](c *Client, pool string) *Queue[P] {
	return &Queue[P]{c: c, pool: pool}
}

func (q *Queue[P]) key() string { return fmt.Sprintf("parkinglot:%s:queue", q.pool) }

// Enqueue stores t in the pool's sorted set.
func (q *Queue[P]) Enqueue(ctx context.Context, t *task.Scheduled[P]) error {
	payload, err := json.Marshal(taskEnvelope[P]{Meta: t.Meta, Payload: t.Payload})
	if err != nil {
		return perr.Backend("redis.Enqueue.marshal", err)
	}
	err = q.c.rdb.ZAdd(ctx, q.key(), redis.Z{
		Score:  score(t.Meta.Priority, t.Meta.CreatedAtMS),
		Member: payload,
	}).Err()
	if err != nil {
		return perr.Backend("redis.Enqueue.zadd", err)
	}
	return nil
}

// Dequeue pops the highest-scored member, or returns (nil, nil) if empty.
func (q *Queue[P]) Dequeue(ctx context.Context) (*task.Scheduled[P], error) {
	res, err := q.c.rdb.ZPopMax(ctx, q.key(), 1).Result()
	if err != nil {
		return nil, perr.Backend("redis.Dequeue.zpopmax", err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return decodeEnvelope[P](res[0].Member)
}

// Len reports the sorted set's cardinality.
func (q *Queue[P]) Len(ctx context.Context) (int64, error) {
	n, err := q.c.rdb.ZCard(ctx, q.key()).Result()
	if err != nil {
		return 0, perr.Backend("redis.Len.zcard", err)
	}
	return n, nil
}

// PruneExpired scans the set and removes members whose deadline has
// passed. ZRANGE with scores gives an ordered scan; members are decoded
// to check DeadlineMS since it is not part of the score.
func (q *Queue[P]) PruneExpired(ctx context.Context, nowMS int64) (int, error) {
	members, err := q.c.rdb.ZRange(ctx, q.key(), 0, -1).Result()
	if err != nil {
		return 0, perr.Backend("redis.PruneExpired.zrange", err)
	}
	removed := 0
	for _, m := range members {
		t, err := decodeEnvelope[P](m)
		if err != nil {
			return removed, err
		}
		if t.Meta.DeadlineMS != nil && *t.Meta.DeadlineMS < nowMS {
			if err := q.c.rdb.ZRem(ctx, q.key(), m).Err(); err != nil {
				return removed, perr.Backend("redis.PruneExpired.zrem", err)
			}
			removed++
		}
	}
	return removed, nil
}

func decodeEnvelope[P any](raw string) (*task.Scheduled[P], error) {
	var env taskEnvelope[P]
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, perr.Backend("redis.decode", err)
	}
	return &task.Scheduled[P]{Meta: env.Meta, Payload: env.Payload}, nil
}

type mailboxRecord[T any] struct {
	Status      task.Status `json:"status"`
	Payload     *T          `json:"payload,omitempty"`
	CreatedAtMS int64       `json:"created_at_ms"`
}

// Mailbox is a Redis-backed mailbox.Mailbox[T] for one pool: each
// MailboxKey maps to a Redis list of JSON-encoded records, appended to
// with RPUSH and read back with LRANGE.
type Mailbox[T any] struct {
	c    *Client
	pool string
}

func NewMailbox[T any](c *Client, pool string) *Mailbox[T] {
	return &Mailbox[T]{c: c, pool: pool}
}

func (m *Mailbox[T]) key(k task.MailboxKey) string {
	return fmt.Sprintf("parkinglot:%s:mailbox:%s", m.pool, k.String())
}

func (m *Mailbox[T]) Deliver(ctx context.Context, key task.MailboxKey, status task.Status, payload *T, nowMS int64) error {
	rec := mailboxRecord[T]{Status: status, Payload: payload, CreatedAtMS: nowMS}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return perr.Backend("redis.Deliver.marshal", err)
	}
	if err := m.c.rdb.RPush(ctx, m.key(key), encoded).Err(); err != nil {
		return perr.Backend("redis.Deliver.rpush", err)
	}
	return nil
}

func (m *Mailbox[T]) Fetch(ctx context.Context, key task.MailboxKey, sinceMS *int64, limit int) ([]task.Message[T], error) {
	raw, err := m.c.rdb.LRange(ctx, m.key(key), 0, -1).Result()
	if err != nil {
		if err == redis.Nil {
			return []task.Message[T]{}, nil
		}
		return nil, perr.Backend("redis.Fetch.lrange", err)
	}

	out := make([]task.Message[T], 0, len(raw))
	for _, line := range raw {
		var rec mailboxRecord[T]
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, perr.Backend("redis.Fetch.decode", err)
		}
		if sinceMS != nil && rec.CreatedAtMS < *sinceMS {
			continue
		}
		out = append(out, task.Message[T]{Status: rec.Status, Payload: rec.Payload, CreatedAtMS: rec.CreatedAtMS})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// BoundMailbox adapts Mailbox to the ctx-less mailbox.Mailbox[T]
// interface the in-process core types use, binding every call to a
// fixed context (e.g. context.Background() for a long-lived pool).
// Mailbox itself takes ctx first, as every persistence call in this
// adapter does, so this is what makes it a literal implementation of
// the same interface mailbox.Memory satisfies.
type BoundMailbox[T any] struct {
	ctx context.Context
	m   *Mailbox[T]
}

// Bind wraps m so it satisfies mailbox.Mailbox[T] under ctx.
func Bind[T any](ctx context.Context, m *Mailbox[T]) *BoundMailbox[T] {
	return &BoundMailbox[T]{ctx: ctx, m: m}
}

func (b *BoundMailbox[T]) Deliver(key task.MailboxKey, status task.Status, payload *T, nowMS int64) error {
	return b.m.Deliver(b.ctx, key, status, payload, nowMS)
}

func (b *BoundMailbox[T]) Fetch(key task.MailboxKey, sinceMS *int64, limit int) ([]task.Message[T], error) {
	return b.m.Fetch(b.ctx, key, sinceMS, limit)
}
