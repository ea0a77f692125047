package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurora-admin/aurora/pkg/stream"
	"github.com/aurora-admin/aurora/pkg/types"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	bus := stream.NewBus(rdb, stream.Config{
		Prefix:    "test:pubsub",
		StopDelay: time.Millisecond,
	})
	return New(rdb, bus, Config{
		Visibility:   time.Minute,
		PollInterval: 5 * time.Millisecond,
	})
}

// waitFor polls cond until it holds or the deadline hits.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestEnqueueDequeueOrdersByPriority(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	low, err := q.Enqueue(ctx, "low.pri", nil, WithPriority(PriorityTraffic))
	require.NoError(t, err)
	high, err := q.Enqueue(ctx, "high.pri", nil, WithPriority(PriorityReconcile))
	require.NoError(t, err)

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, high.ID, first.ID)
	assert.Equal(t, types.JobStatusRunning, first.Status)
	assert.False(t, first.StartedAt.IsZero())

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, low.ID, second.ID)

	third, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, third)
}

func TestFinishAcksJob(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "some.job", map[string]string{"k": "v"})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	_, _, running, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, running)

	require.NoError(t, q.Finish(ctx, job, nil))

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusSucceeded, stored.Status)
	assert.False(t, stored.FinishedAt.IsZero())

	_, _, running, err = q.Depths(ctx)
	require.NoError(t, err)
	assert.Zero(t, running)
}

func TestFinishRecordsFailure(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "doomed.job", nil)
	require.NoError(t, err)
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Finish(ctx, job, errors.New("remote host exploded")))

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, stored.Status)
	assert.Equal(t, "remote host exploded", stored.Error)
}

func TestScheduleAndCancelByKey(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Schedule(ctx, "port.clean", map[string]int{"port": 10001},
		time.Hour, WithCancelKey("port-1"))
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusScheduled, job.Status)

	cancelled, err := q.CancelByKey(ctx, "port-1")
	require.NoError(t, err)
	assert.Equal(t, 1, cancelled)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, stored.Status)

	// Key is free again.
	cancelled, err = q.CancelByKey(ctx, "port-1")
	require.NoError(t, err)
	assert.Zero(t, cancelled)
}

func TestScheduleReplacesPendingJobWithSameKey(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Schedule(ctx, "port.clean", nil, time.Hour, WithCancelKey("port-9"))
	require.NoError(t, err)
	second, err := q.Schedule(ctx, "port.clean", nil, 2*time.Hour, WithCancelKey("port-9"))
	require.NoError(t, err)

	stored, err := q.GetJob(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, stored.Status)

	_, delayed, _, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, delayed)

	stored, err = q.GetJob(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusScheduled, stored.Status)
}

func TestPromoteDelayedMakesJobReady(t *testing.T) {
	q := newTestQueue(t)
	s := NewScheduler(q)
	ctx := context.Background()

	_, err := q.Schedule(ctx, "later.job", nil, 0)
	require.NoError(t, err)

	require.NoError(t, s.promoteDelayed(ctx))

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "later.job", job.Name)
}

func TestReclaimRedeliversExpiredRunningJob(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q := New(rdb, nil, Config{Visibility: time.Millisecond})
	s := NewScheduler(q)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "crash.me", nil)
	require.NoError(t, err)
	pulled, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, pulled)

	// The worker "dies" here; the visibility deadline expires.
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.reclaimRunning(ctx))

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, pulled.ID, again.ID)
}

func TestWorkerProcessesJobs(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	var handled atomic.Int32
	w := NewWorker(q, 2)
	w.Register("count.me", func(ctx context.Context, job *types.Job) error {
		handled.Add(1)
		return nil
	})

	job, err := q.Enqueue(ctx, "count.me", nil)
	require.NoError(t, err)

	w.Start()
	defer w.Stop()

	waitFor(t, func() bool {
		stored, err := q.GetJob(ctx, job.ID)
		return err == nil && stored.Status == types.JobStatusSucceeded
	})
	assert.EqualValues(t, 1, handled.Load())
}

func TestWorkerRetriesBeforeFailing(t *testing.T) {
	q := newTestQueue(t)
	s := NewScheduler(q)
	ctx := context.Background()

	var attempts atomic.Int32
	w := NewWorker(q, 1)
	w.Register("flaky.job", func(ctx context.Context, job *types.Job) error {
		if attempts.Add(1) == 1 {
			return errors.New("transient failure")
		}
		return nil
	})

	job, err := q.Enqueue(ctx, "flaky.job", nil, WithMaxRetries(2))
	require.NoError(t, err)

	w.Start()
	defer w.Stop()
	s.Start()
	defer s.Stop()

	waitFor(t, func() bool {
		stored, err := q.GetJob(ctx, job.ID)
		return err == nil && stored.Status == types.JobStatusSucceeded
	})
	assert.EqualValues(t, 2, attempts.Load())
}

func TestWorkerFinalizesAfterMaxRetries(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	w := NewWorker(q, 1)
	w.Register("always.fails", func(ctx context.Context, job *types.Job) error {
		return errors.New("permanent failure")
	})

	job, err := q.Enqueue(ctx, "always.fails", nil)
	require.NoError(t, err)

	w.Start()
	defer w.Stop()

	waitFor(t, func() bool {
		stored, err := q.GetJob(ctx, job.ID)
		return err == nil && stored.Status == types.JobStatusFailed
	})
	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "permanent failure", stored.Error)
}

func TestWorkerHandlesUnknownJobName(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	w := NewWorker(q, 1)
	job, err := q.Enqueue(ctx, "nobody.handles.this", nil)
	require.NoError(t, err)

	w.Start()
	defer w.Stop()

	waitFor(t, func() bool {
		stored, err := q.GetJob(ctx, job.ID)
		return err == nil && stored.Status == types.JobStatusFailed
	})
	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.Error, "no handler registered")
}

func TestWorkerRecoversFromPanic(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	w := NewWorker(q, 1)
	w.Register("panics", func(ctx context.Context, job *types.Job) error {
		panic("boom")
	})

	job, err := q.Enqueue(ctx, "panics", nil)
	require.NoError(t, err)

	w.Start()
	defer w.Stop()

	waitFor(t, func() bool {
		stored, err := q.GetJob(ctx, job.ID)
		return err == nil && stored.Status == types.JobStatusFailed
	})
	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.Error, "handler panic")
}

func TestWorkerParksJobOnContextCancel(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q := New(rdb, nil, Config{Visibility: time.Millisecond, PollInterval: 5 * time.Millisecond})
	s := NewScheduler(q)
	ctx := context.Background()

	var attempts atomic.Int32
	w := NewWorker(q, 1)
	w.Register("interrupted.job", func(ctx context.Context, job *types.Job) error {
		if attempts.Add(1) == 1 {
			return context.Canceled
		}
		return nil
	})

	job, err := q.Enqueue(ctx, "interrupted.job", nil)
	require.NoError(t, err)

	w.Start()
	defer w.Stop()

	// The interrupted attempt neither fails the job nor consumes a
	// retry; the job stays parked in the running set.
	waitFor(t, func() bool { return attempts.Load() >= 1 })
	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRunning, stored.Status)
	assert.Zero(t, stored.Retries)

	// Past the visibility deadline the scheduler hands it out again.
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.reclaimRunning(ctx))

	waitFor(t, func() bool {
		fresh, err := q.GetJob(ctx, job.ID)
		return err == nil && fresh.Status == types.JobStatusSucceeded
	})
	assert.EqualValues(t, 2, attempts.Load())
}

func TestPeriodicJobsFireOnCadence(t *testing.T) {
	q := newTestQueue(t)
	s := NewScheduler(q)
	ctx := context.Background()

	s.Every(10*time.Millisecond, "tick.tock", nil, PriorityHousekeeping)
	s.firePeriodic(ctx) // not due yet
	ready, _, _, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Zero(t, ready)

	time.Sleep(15 * time.Millisecond)
	s.firePeriodic(ctx)
	ready, _, _, err = q.Depths(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, ready)
}

func TestQueuePublishesLifecycleLines(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "loud.job", nil)
	require.NoError(t, err)
	pulled, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Finish(ctx, pulled, nil))

	history, err := q.Bus().History(ctx, job.ID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, "Job queued: loud.job", history[0])
	// Stream terminates with the stopword so late subscribers stop.
	assert.Equal(t, q.Bus().Stopword(), history[len(history)-1])
}
