package job

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"dilemma-agg/internal/config"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQueue(retryLimit int) *LocalQueue {
	return NewLocalQueue(config.QueueConfig{Workers: 2, Buffer: 8, RetryLimit: retryLimit, RetryDelayMS: 1})
}

func start(t *testing.T, q *LocalQueue) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestSendDeliversPayload(t *testing.T) {
	q := testQueue(0)
	got := make(chan AggregateUpdatePayload, 1)
	q.Register(TypeAggregateUpdate, func(ctx context.Context, j *Job) error {
		var p AggregateUpdatePayload
		if err := j.Decode(&p); err != nil {
			return err
		}
		got <- p
		return nil
	})
	start(t, q)

	pre := "p1"
	id, err := q.Send(context.Background(), TypeAggregateUpdate, AggregateUpdatePayload{DefinitionID: "def-1", PreambleVersionID: &pre}, SendOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	select {
	case p := <-got:
		assert.Equal(t, "def-1", p.DefinitionID)
		require.NotNil(t, p.PreambleVersionID)
		assert.Equal(t, "p1", *p.PreambleVersionID)
	case <-time.After(2 * time.Second):
		t.Fatal("任务未被执行")
	}
}

func TestSendUnknownType(t *testing.T) {
	q := testQueue(0)
	_, err := q.Send(context.Background(), "nope", struct{}{}, SendOptions{})
	assert.True(t, errors.Is(err, ErrUnknownJobType))
}

func TestSingletonKeyDeduplicates(t *testing.T) {
	q := testQueue(0)
	q.Register(TypeAnalyzeBasic, func(ctx context.Context, j *Job) error { return nil })

	// 未启动 worker，任务停留在队列里
	id1, err := q.Send(context.Background(), TypeAnalyzeBasic, AnalyzeBasicPayload{RunID: "r1"}, SendOptions{SingletonKey: "r1"})
	require.NoError(t, err)
	id2, err := q.Send(context.Background(), TypeAnalyzeBasic, AnalyzeBasicPayload{RunID: "r1"}, SendOptions{SingletonKey: "r1"})
	require.NoError(t, err)
	id3, err := q.Send(context.Background(), TypeAnalyzeBasic, AnalyzeBasicPayload{RunID: "r2"}, SendOptions{SingletonKey: "r2"})
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.NotEqual(t, id1, id3)
	assert.Len(t, q.ch, 2)
}

func TestQueueFull(t *testing.T) {
	q := NewLocalQueue(config.QueueConfig{Workers: 1, Buffer: 1})
	q.Register(TypeAnalyzeBasic, func(ctx context.Context, j *Job) error { return nil })

	_, err := q.Send(context.Background(), TypeAnalyzeBasic, AnalyzeBasicPayload{RunID: "r1"}, SendOptions{})
	require.NoError(t, err)
	_, err = q.Send(context.Background(), TypeAnalyzeBasic, AnalyzeBasicPayload{RunID: "r2"}, SendOptions{})
	assert.True(t, errors.Is(err, ErrQueueFull))
}

func TestRetryUntilSuccess(t *testing.T) {
	q := testQueue(3)
	var calls int32
	done := make(chan struct{})
	q.Register(TypeAggregateUpdate, func(ctx context.Context, j *Job) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("暂时失败")
		}
		close(done)
		return nil
	})
	start(t, q)

	_, err := q.Send(context.Background(), TypeAggregateUpdate, AggregateUpdatePayload{DefinitionID: "d"}, SendOptions{})
	require.NoError(t, err)

	select {
	case <-done:
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	case <-time.After(2 * time.Second):
		t.Fatal("重试未成功")
	}
}

func TestRetryLimitAndPanic(t *testing.T) {
	q := testQueue(5)
	var calls int32
	q.Register(TypeAggregateUpdate, func(ctx context.Context, j *Job) error {
		atomic.AddInt32(&calls, 1)
		panic("boom")
	})
	start(t, q)

	one := 1
	_, err := q.Send(context.Background(), TypeAggregateUpdate, AggregateUpdatePayload{DefinitionID: "d"}, SendOptions{RetryLimit: &one, SingletonKey: "d"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.singletons) == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestSingletonKeyReleasedWhenJobStarts(t *testing.T) {
	q := NewLocalQueue(config.QueueConfig{Workers: 1, Buffer: 8, RetryDelayMS: 1})
	started := make(chan struct{}, 2)
	unblock := make(chan struct{})
	var calls int32
	q.Register(TypeAggregateUpdate, func(ctx context.Context, j *Job) error {
		atomic.AddInt32(&calls, 1)
		started <- struct{}{}
		<-unblock
		return nil
	})
	start(t, q)

	ctx := context.Background()
	opts := SendOptions{SingletonKey: "d|null"}
	id1, err := q.Send(ctx, TypeAggregateUpdate, AggregateUpdatePayload{DefinitionID: "d"}, opts)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("任务未开始执行")
	}

	// 执行中的任务不吸收新的触发
	id2, err := q.Send(ctx, TypeAggregateUpdate, AggregateUpdatePayload{DefinitionID: "d"}, opts)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	// 后续任务仍在排队，再次触发合并到它上面
	id3, err := q.Send(ctx, TypeAggregateUpdate, AggregateUpdatePayload{DefinitionID: "d"}, opts)
	require.NoError(t, err)
	assert.Equal(t, id2, id3)

	close(unblock)
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 2
	}, 2*time.Second, 5*time.Millisecond)
	// 多等一会儿，确认没有第三次执行
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	q := testQueue(5)
	var calls int32
	q.Register(TypeAggregateUpdate, func(ctx context.Context, j *Job) error {
		atomic.AddInt32(&calls, 1)
		var p AggregateUpdatePayload
		return j.Decode(&p)
	})
	start(t, q)

	// payload 不是合法 JSON 对象
	_, err := q.Send(context.Background(), TypeAggregateUpdate, "not-an-object", SendOptions{SingletonKey: "d"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPermanentMark(t *testing.T) {
	err := Permanent(errors.New("坏数据"))
	assert.True(t, errors.Is(err, ErrPermanent))
	assert.False(t, errors.Is(errors.New("暂时失败"), ErrPermanent))
}
