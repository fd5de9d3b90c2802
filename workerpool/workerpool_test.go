package workerpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowlot/parkinglot/config"
	"github.com/flowlot/parkinglot/executor"
	"github.com/flowlot/parkinglot/perr"
	"github.com/flowlot/parkinglot/task"
)

func cfg(workers, maxUnits, maxQueue int) config.WorkerPool {
	return config.WorkerPool{
		WorkerCount:      workers,
		MaxUnits:         uint32(maxUnits),
		MaxQueueDepth:    maxQueue,
		DefaultTimeoutMS: 1000,
	}
}

func TestSubmitRetrieveRoundTrip(t *testing.T) {
	exec := executor.Func[int, int](func(ctx context.Context, payload int, meta executor.ExecMeta) (int, error) {
		return payload * 2, nil
	})
	p := New(Options[int, int]{Name: "rt", Config: cfg(2, 10, 10), Executor: exec})
	defer p.Shutdown(time.Second)

	key, err := p.Submit(21, executor.ExecMeta{TaskID: 1}, 1)
	require.NoError(t, err)

	result, err := p.Retrieve(key, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestRetrieveAtMostOnce(t *testing.T) {
	exec := executor.Func[int, int](func(ctx context.Context, payload int, meta executor.ExecMeta) (int, error) {
		return payload, nil
	})
	p := New(Options[int, int]{Name: "once", Config: cfg(1, 10, 10), Executor: exec})
	defer p.Shutdown(time.Second)

	key, err := p.Submit(5, executor.ExecMeta{TaskID: 1}, 1)
	require.NoError(t, err)

	_, err = p.Retrieve(key, time.Second)
	require.NoError(t, err)

	_, err = p.Retrieve(key, 50*time.Millisecond)
	assert.ErrorIs(t, err, perr.ErrResultNotFound)
}

func TestRetrieveUnknownKey(t *testing.T) {
	exec := executor.Func[int, int](func(ctx context.Context, payload int, meta executor.ExecMeta) (int, error) {
		return payload, nil
	})
	p := New(Options[int, int]{Name: "unknown", Config: cfg(1, 10, 10), Executor: exec})
	defer p.Shutdown(time.Second)

	_, err := p.Retrieve(task.MailboxKey{Tenant: "nonexistent"}, time.Second)
	assert.ErrorIs(t, err, perr.ErrResultNotFound)
}

func TestRetrieveTimeout(t *testing.T) {
	release := make(chan struct{})
	exec := executor.Func[int, int](func(ctx context.Context, payload int, meta executor.ExecMeta) (int, error) {
		<-release
		return payload, nil
	})
	p := New(Options[int, int]{Name: "timeout", Config: cfg(1, 10, 10), Executor: exec})
	defer func() {
		close(release)
		p.Shutdown(time.Second)
	}()

	key, err := p.Submit(1, executor.ExecMeta{TaskID: 1}, 1)
	require.NoError(t, err)

	_, err = p.Retrieve(key, 50*time.Millisecond)
	assert.ErrorIs(t, err, perr.ErrTimeout)
}

func TestSubmitQueueFull(t *testing.T) {
	release := make(chan struct{})
	exec := executor.Func[int, int](func(ctx context.Context, payload int, meta executor.ExecMeta) (int, error) {
		<-release
		return payload, nil
	})
	p := New(Options[int, int]{Name: "full", Config: cfg(1, 10, 1), Executor: exec})
	defer func() {
		close(release)
		p.Shutdown(time.Second)
	}()

	// One task is picked up by the sole worker and blocks; the channel
	// buffer (size 1) then holds one more before Submit must reject.
	_, err := p.Submit(1, executor.ExecMeta{TaskID: 1}, 1)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond) // let the worker pick it up

	_, err = p.Submit(2, executor.ExecMeta{TaskID: 2}, 1)
	require.NoError(t, err)

	_, err = p.Submit(3, executor.ExecMeta{TaskID: 3}, 1)
	assert.ErrorIs(t, err, perr.ErrQueueFull)
}

func TestSubmitAfterShutdown(t *testing.T) {
	exec := executor.Func[int, int](func(ctx context.Context, payload int, meta executor.ExecMeta) (int, error) {
		return payload, nil
	})
	p := New(Options[int, int]{Name: "shutdown", Config: cfg(1, 10, 10), Executor: exec})
	p.Shutdown(time.Second)

	_, err := p.Submit(1, executor.ExecMeta{TaskID: 1}, 1)
	assert.ErrorIs(t, err, perr.ErrPoolShutdown)
}

func TestRetrieveAsyncDeliversOnce(t *testing.T) {
	exec := executor.Func[int, int](func(ctx context.Context, payload int, meta executor.ExecMeta) (int, error) {
		return payload + 1, nil
	})
	p := New(Options[int, int]{Name: "async", Config: cfg(2, 10, 10), Executor: exec})
	defer p.Shutdown(time.Second)

	key, err := p.Submit(9, executor.ExecMeta{TaskID: 1}, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result := <-p.RetrieveAsync(ctx, key, time.Second)
	require.NoError(t, result.Err)
	assert.Equal(t, 10, result.Value)
}

func TestStatsCounters(t *testing.T) {
	exec := executor.Func[int, int](func(ctx context.Context, payload int, meta executor.ExecMeta) (int, error) {
		if payload < 0 {
			return 0, assertErr
		}
		return payload, nil
	})
	p := New(Options[int, int]{Name: "stats", Config: cfg(2, 10, 10), Executor: exec})
	defer p.Shutdown(time.Second)

	k1, err := p.Submit(1, executor.ExecMeta{TaskID: 1}, 2)
	require.NoError(t, err)
	k2, err := p.Submit(-1, executor.ExecMeta{TaskID: 2}, 2)
	require.NoError(t, err)

	_, _ = p.Retrieve(k1, time.Second)
	_, _ = p.Retrieve(k2, time.Second)

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.Submitted)
	assert.Equal(t, uint64(1), stats.Completed)
	assert.Equal(t, uint64(1), stats.Failed)
}

// Scenario F: streaming results survive un-serialised through the
// generic result type, since WorkerPool stores results by identity
// rather than persisting them.
type tokenStream struct {
	tokens []string
}

func TestStreamingResultsSurviveIdentity(t *testing.T) {
	want := []string{"the", "quick", "fox"}
	exec := executor.Func[int, *tokenStream](func(ctx context.Context, payload int, meta executor.ExecMeta) (*tokenStream, error) {
		return &tokenStream{tokens: append([]string{}, want...)}, nil
	})
	p := New(Options[int, *tokenStream]{Name: "stream", Config: cfg(4, 10, 20), Executor: exec})
	defer p.Shutdown(time.Second)

	keys := make([]task.MailboxKey, 10)
	for i := 0; i < 10; i++ {
		k, err := p.Submit(i, executor.ExecMeta{TaskID: uint64(i)}, 1)
		require.NoError(t, err)
		keys[i] = k
	}

	for _, k := range keys {
		stream, err := p.Retrieve(k, time.Second)
		require.NoError(t, err)
		require.NotNil(t, stream)
		assert.Equal(t, want, stream.tokens)
	}

	assert.Equal(t, uint64(10), p.Stats().Completed)
}

var assertErr = &testErr{"boom"}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }
