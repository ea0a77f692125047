package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"

	"github.com/aurora-admin/aurora/pkg/log"
	"github.com/aurora-admin/aurora/pkg/metrics"
	"github.com/aurora-admin/aurora/pkg/types"
)

// Handler executes one kind of job
type Handler func(ctx context.Context, job *types.Job) error

// Worker runs a pool of goroutines pulling jobs off the queue and
// dispatching them to registered handlers. Handler failures retry per
// the job's policy; they never bring the pool down.
type Worker struct {
	queue    *Queue
	count    int
	handlers map[string]Handler
	logger   zerolog.Logger

	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker creates a worker pool of the given size
func NewWorker(q *Queue, count int) *Worker {
	if count < 1 {
		count = 1
	}
	return &Worker{
		queue:    q,
		count:    count,
		handlers: make(map[string]Handler),
		logger:   log.WithComponent("worker"),
		stopCh:   make(chan struct{}),
	}
}

// Register binds a handler to a job name. Must be called before Start.
func (w *Worker) Register(name string, h Handler) {
	w.handlers[name] = h
}

// Start launches the pool
func (w *Worker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	for i := 0; i < w.count; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}
	metrics.SetComponent("workers", true, "")
	w.logger.Info().Int("count", w.count).Msg("Worker pool started")
}

// Stop cancels in-flight handlers and waits for the pool to drain
func (w *Worker) Stop() {
	close(w.stopCh)
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info().Msg("Worker pool stopped")
}

func (w *Worker) run(ctx context.Context, id int) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			w.logger.Error().Err(err).Int("worker", id).Msg("Failed to pull job")
			w.idle()
			continue
		}
		if job == nil {
			w.idle()
			continue
		}
		w.handle(ctx, job)
	}
}

// idle sleeps one poll interval or until the pool stops
func (w *Worker) idle() {
	select {
	case <-time.After(w.queue.cfg.PollInterval):
	case <-w.stopCh:
	}
}

func (w *Worker) handle(ctx context.Context, job *types.Job) {
	logger := w.logger.With().Str("job_id", job.ID).Str("job", job.Name).Logger()

	handler, ok := w.handlers[job.Name]
	if !ok {
		err := fmt.Errorf("no handler registered for %s", job.Name)
		logger.Error().Msg("Unknown job name")
		if finErr := w.queue.Finish(ctx, job, err); finErr != nil {
			logger.Error().Err(finErr).Msg("Failed to finalize job")
		}
		return
	}

	logger.Info().Int("priority", job.Priority).Msg("Job started")
	timer := metrics.NewTimer()
	err := w.invoke(ctx, handler, job)
	metrics.JobDuration.WithLabelValues(job.Name).Observe(timer.Duration().Seconds())

	if errors.Is(err, context.Canceled) {
		// Interrupted by shutdown. The job stays parked in the running
		// set and the scheduler redelivers it after the visibility
		// deadline; no retry attempt is consumed.
		logger.Info().Msg("Job interrupted, leaving for redelivery")
		return
	}

	if err != nil {
		sentry.CaptureException(err)
		if job.Retries < job.MaxRetries {
			job.Retries++
			delay := retryDelay(job.Retries)
			logger.Warn().Err(err).
				Int("attempt", job.Retries).
				Dur("delay", delay).
				Msg("Job failed, retrying")
			if rqErr := w.queue.Requeue(ctx, job, delay); rqErr != nil {
				logger.Error().Err(rqErr).Msg("Failed to requeue job")
			}
			return
		}
		logger.Error().Err(err).Msg("Job failed")
	} else {
		logger.Info().Msg("Job finished")
	}

	if finErr := w.queue.Finish(ctx, job, err); finErr != nil {
		logger.Error().Err(finErr).Msg("Failed to finalize job")
	}
}

// invoke shields the pool from handler panics
func (w *Worker) invoke(ctx context.Context, handler Handler, job *types.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

// retryDelay computes the wait before retry n from the shared
// exponential policy: one second base, doubling, capped at five
// minutes, with jitter so synchronized failures spread out.
func retryDelay(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.MaxInterval = 5 * time.Minute

	delay := bo.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = bo.NextBackOff()
	}
	return delay
}
