package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowlot/parkinglot/task"
)

func mkTask(id uint64, prio task.Priority, createdAt int64) *task.Scheduled[string] {
	return &task.Scheduled[string]{
		Meta: task.Metadata{
			ID:          id,
			Priority:    prio,
			CreatedAtMS: createdAt,
		},
		Payload: "p",
	}
}

func TestEnqueueDequeueOrder(t *testing.T) {
	q := New[string](10)

	require.NoError(t, q.Enqueue(mkTask(1, task.Low, 100)))
	require.NoError(t, q.Enqueue(mkTask(2, task.Critical, 200)))
	require.NoError(t, q.Enqueue(mkTask(3, task.Normal, 50)))
	require.NoError(t, q.Enqueue(mkTask(4, task.High, 300)))

	order := []uint64{}
	for q.Len() > 0 {
		order = append(order, q.Dequeue().Meta.ID)
	}
	assert.Equal(t, []uint64{2, 4, 3, 1}, order)
}

func TestFIFOWithinPriority(t *testing.T) {
	q := New[string](10)
	require.NoError(t, q.Enqueue(mkTask(1, task.Normal, 300)))
	require.NoError(t, q.Enqueue(mkTask(2, task.Normal, 100)))
	require.NoError(t, q.Enqueue(mkTask(3, task.Normal, 200)))

	assert.Equal(t, uint64(2), q.Dequeue().Meta.ID)
	assert.Equal(t, uint64(3), q.Dequeue().Meta.ID)
	assert.Equal(t, uint64(1), q.Dequeue().Meta.ID)
}

func TestEnqueueQueueFull(t *testing.T) {
	q := New[string](2)
	require.NoError(t, q.Enqueue(mkTask(1, task.Normal, 1)))
	require.NoError(t, q.Enqueue(mkTask(2, task.Normal, 2)))
	err := q.Enqueue(mkTask(3, task.Normal, 3))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, q.Len())
}

func TestDequeueEmpty(t *testing.T) {
	q := New[string](5)
	assert.Nil(t, q.Dequeue())
}

func TestPruneExpiredRemovesOnlyExpired(t *testing.T) {
	q := New[string](10)
	past := int64(50)
	future := int64(500)

	expired1 := mkTask(1, task.Normal, 10)
	expired1.Meta.DeadlineMS = &past
	survivorNoDeadline := mkTask(2, task.High, 20)
	survivorFuture := mkTask(3, task.Low, 30)
	survivorFuture.Meta.DeadlineMS = &future
	expired2 := mkTask(4, task.Critical, 40)
	expired2.Meta.DeadlineMS = &past

	require.NoError(t, q.Enqueue(expired1))
	require.NoError(t, q.Enqueue(survivorNoDeadline))
	require.NoError(t, q.Enqueue(survivorFuture))
	require.NoError(t, q.Enqueue(expired2))

	removed := q.PruneExpired(100)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 2, q.Len())

	order := []uint64{}
	for q.Len() > 0 {
		order = append(order, q.Dequeue().Meta.ID)
	}
	assert.Equal(t, []uint64{2, 3}, order)
}

func TestPruneExpiredNoneExpired(t *testing.T) {
	q := New[string](10)
	future := int64(500)
	task1 := mkTask(1, task.Normal, 10)
	task1.Meta.DeadlineMS = &future
	require.NoError(t, q.Enqueue(task1))

	assert.Equal(t, 0, q.PruneExpired(100))
	assert.Equal(t, 1, q.Len())
}

func TestMaxDepthObserver(t *testing.T) {
	q := New[string](7)
	assert.Equal(t, 7, q.MaxDepth())
}

func TestPeekDoesNotRemove(t *testing.T) {
	q := New[string](10)
	require.NoError(t, q.Enqueue(mkTask(1, task.High, 10)))
	peeked := q.Peek()
	require.NotNil(t, peeked)
	assert.Equal(t, uint64(1), peeked.Meta.ID)
	assert.Equal(t, 1, q.Len())
}
