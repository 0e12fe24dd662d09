package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/graphflow/pkg/api"
)

// testQueue runs the behaviour every Queue implementation must share.
// fresh returns an empty queue for each subtest.
func testQueue(t *testing.T, fresh func(t *testing.T) Queue) {
	t.Run("FIFO", func(t *testing.T) {
		q := fresh(t)
		ctx := t.Context()
		for _, id := range []string{"1", "2", "3"} {
			require.NoError(t, q.Enqueue(ctx, Task{ID: id, Type: TaskStartRun, Graph: "g" + id}))
		}
		assert.Equal(t, 3, q.Len())

		var got []string
		for range 3 {
			task, err := q.Dequeue(ctx, "w1", time.Second)
			require.NoError(t, err)
			got = append(got, task.ID)
			require.NoError(t, q.Ack(ctx, task.ID, "w1"))
		}
		assert.Equal(t, []string{"1", "2", "3"}, got)
		assert.Equal(t, 0, q.Len())
	})

	t.Run("PayloadRoundTrip", func(t *testing.T) {
		q := fresh(t)
		ctx := t.Context()
		in := Task{
			ID:         "gate-1",
			Type:       TaskResolveGate,
			RunID:      "run-1",
			Node:       "approve",
			Resolution: api.GateResolution{Token: "APPROVE", Payload: "ship it"},
			Input:      api.Message{Text: "hello", Meta: map[string]string{"k": "v"}},
		}
		require.NoError(t, q.Enqueue(ctx, in))

		got, err := q.Dequeue(ctx, "w1", time.Second)
		require.NoError(t, err)
		assert.Equal(t, in.Type, got.Type)
		assert.Equal(t, in.RunID, got.RunID)
		assert.Equal(t, in.Node, got.Node)
		assert.Equal(t, in.Resolution, got.Resolution)
		assert.Equal(t, in.Input.Text, got.Input.Text)
		assert.Equal(t, "v", got.Input.Meta["k"])
		assert.False(t, got.EnqueuedAt.IsZero())
	})

	t.Run("NotBeforeDelaysDelivery", func(t *testing.T) {
		q := fresh(t)
		ctx := t.Context()
		start := time.Now()
		require.NoError(t, q.Enqueue(ctx, Task{ID: "later", Type: TaskStartRun, NotBefore: start.Add(300 * time.Millisecond)}))
		require.NoError(t, q.Enqueue(ctx, Task{ID: "now", Type: TaskStartRun}))

		first, err := q.Dequeue(ctx, "w1", time.Second)
		require.NoError(t, err)
		assert.Equal(t, "now", first.ID)

		dctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		second, err := q.Dequeue(dctx, "w1", time.Second)
		require.NoError(t, err)
		assert.Equal(t, "later", second.ID)
		assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
	})

	t.Run("ExpiredLeaseIsRedelivered", func(t *testing.T) {
		q := fresh(t)
		ctx := t.Context()
		require.NoError(t, q.Enqueue(ctx, Task{ID: "t", Type: TaskStartRun}))

		_, err := q.Dequeue(ctx, "w1", 100*time.Millisecond)
		require.NoError(t, err)

		dctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		again, err := q.Dequeue(dctx, "w2", time.Second)
		require.NoError(t, err)
		assert.Equal(t, "t", again.ID)

		assert.ErrorIs(t, q.Ack(ctx, "t", "w1"), ErrLeaseLost)
		require.NoError(t, q.Ack(ctx, "t", "w2"))
	})

	t.Run("NackRecordsAttempts", func(t *testing.T) {
		q := fresh(t)
		ctx := t.Context()
		require.NoError(t, q.Enqueue(ctx, Task{ID: "t", Type: TaskResumeRun, RunID: "r"}))

		got, err := q.Dequeue(ctx, "w1", time.Second)
		require.NoError(t, err)
		require.NoError(t, q.Nack(ctx, got.ID, "w1", time.Now(), 1))

		again, err := q.Dequeue(ctx, "w1", time.Second)
		require.NoError(t, err)
		assert.Equal(t, "t", again.ID)
		assert.Equal(t, 1, again.Attempts)
		assert.Equal(t, 1, q.Len())
	})

	t.Run("RenewLeaseKeepsTaskHidden", func(t *testing.T) {
		q := fresh(t)
		ctx := t.Context()
		require.NoError(t, q.Enqueue(ctx, Task{ID: "t", Type: TaskStartRun}))

		_, err := q.Dequeue(ctx, "w1", 200*time.Millisecond)
		require.NoError(t, err)
		require.NoError(t, q.RenewLease(ctx, "t", "w1", 5*time.Second))

		dctx, cancel := context.WithTimeout(ctx, 400*time.Millisecond)
		defer cancel()
		_, err = q.Dequeue(dctx, "w2", time.Second)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		assert.ErrorIs(t, q.RenewLease(ctx, "t", "w2", time.Second), ErrLeaseLost)
	})

	t.Run("UnknownTask", func(t *testing.T) {
		q := fresh(t)
		ctx := t.Context()
		assert.ErrorIs(t, q.Ack(ctx, "missing", "w1"), ErrTaskNotFound)
		assert.ErrorIs(t, q.Nack(ctx, "missing", "w1", time.Now(), 1), ErrTaskNotFound)
		assert.ErrorIs(t, q.RenewLease(ctx, "missing", "w1", time.Second), ErrTaskNotFound)
	})

	t.Run("DequeueBlocksUntilEnqueue", func(t *testing.T) {
		q := fresh(t)
		ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
		defer cancel()

		got := make(chan *Task, 1)
		errs := make(chan error, 1)
		go func() {
			task, err := q.Dequeue(ctx, "w1", time.Second)
			if err != nil {
				errs <- err
				return
			}
			got <- task
		}()

		time.Sleep(100 * time.Millisecond)
		require.NoError(t, q.Enqueue(ctx, Task{ID: "late", Type: TaskCancelRun, RunID: "r"}))

		select {
		case task := <-got:
			assert.Equal(t, "late", task.ID)
		case err := <-errs:
			t.Fatalf("Dequeue returned error: %v", err)
		case <-ctx.Done():
			t.Fatalf("Dequeue did not return")
		}
	})

	t.Run("DequeueHonoursCancel", func(t *testing.T) {
		q := fresh(t)
		ctx, cancel := context.WithCancel(t.Context())
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()
		_, err := q.Dequeue(ctx, "w1", time.Second)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})
}
