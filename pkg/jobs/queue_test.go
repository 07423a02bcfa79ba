package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueDeliversPayload(t *testing.T) {
	got := make(chan string, 1)
	q := NewQueue("test", func(ctx context.Context, job Job[string]) error {
		got <- job.Payload
		return nil
	}, QueueConfig{Workers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job[string]{ID: "j1", Payload: "hello"}))

	select {
	case payload := <-got:
		assert.Equal(t, "hello", payload)
	case <-time.After(2 * time.Second):
		t.Fatal("job was never handled")
	}
}

func TestQueueRetriesFailedJob(t *testing.T) {
	var attempts atomic.Int32
	done := make(chan Job[int], 1)
	q := NewQueue("test", func(ctx context.Context, job Job[int]) error {
		if attempts.Add(1) == 1 {
			return errors.New("transient")
		}
		done <- job
		return nil
	}, QueueConfig{Workers: 1, MaxRetries: 2, RetryDelay: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job[int]{ID: "j1", Payload: 7}))

	select {
	case job := <-done:
		assert.Equal(t, 7, job.Payload)
		assert.Equal(t, 1, job.Attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("job was never retried")
	}
}

func TestQueueEnqueueBeforeStart(t *testing.T) {
	q := NewQueue("test", func(ctx context.Context, job Job[string]) error {
		return nil
	}, QueueConfig{})

	err := q.Enqueue(Job[string]{ID: "j1", Payload: "early"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not started")
}

func TestQueueEnqueueStampsTime(t *testing.T) {
	got := make(chan Job[string], 1)
	q := NewQueue("test", func(ctx context.Context, job Job[string]) error {
		got <- job
		return nil
	}, QueueConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job[string]{ID: "j1", Payload: "x"}))

	select {
	case job := <-got:
		assert.False(t, job.Enqueued.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("job was never handled")
	}
}
