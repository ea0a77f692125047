package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aurora-admin/aurora/pkg/log"
	"github.com/aurora-admin/aurora/pkg/metrics"
	"github.com/aurora-admin/aurora/pkg/types"
)

// promoteBatch bounds how many delayed jobs one tick moves to ready.
const promoteBatch = 100

type periodicJob struct {
	name     string
	payload  interface{}
	every    time.Duration
	priority int
	next     time.Time
}

// Scheduler drives the time-based side of the queue: it promotes due
// delayed jobs into the ready set, redelivers jobs whose worker died
// past the visibility deadline, and enqueues registered periodic jobs
// on their cadence. Exactly one scheduler should run per deployment.
type Scheduler struct {
	queue  *Queue
	logger zerolog.Logger

	mu       sync.Mutex
	periodic []*periodicJob

	stopCh chan struct{}
}

// NewScheduler creates a new scheduler for the queue
func NewScheduler(q *Queue) *Scheduler {
	return &Scheduler{
		queue:  q,
		logger: log.WithComponent("scheduler"),
		stopCh: make(chan struct{}),
	}
}

// Every registers a periodic job. The first run fires one full period
// after Start so a crash-looping process does not hammer the fleet.
func (s *Scheduler) Every(every time.Duration, name string, payload interface{}, priority int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.periodic = append(s.periodic, &periodicJob{
		name:     name,
		payload:  payload,
		every:    every,
		priority: priority,
		next:     time.Now().Add(every),
	})
}

// Start begins the scheduler loop
func (s *Scheduler) Start() {
	metrics.SetComponent("scheduler", true, "")
	go s.run()
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx := context.Background()
			var fault error
			if err := s.promoteDelayed(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Failed to promote delayed jobs")
				fault = err
			}
			if err := s.reclaimRunning(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Failed to reclaim expired jobs")
				fault = err
			}
			s.firePeriodic(ctx)
			if fault != nil {
				metrics.SetComponent("scheduler", false, fault.Error())
			} else {
				metrics.SetComponent("scheduler", true, "")
			}
		case <-s.stopCh:
			return
		}
	}
}

// promoteDelayed moves due delayed jobs into the ready set
func (s *Scheduler) promoteDelayed(ctx context.Context) error {
	now := time.Now()
	max := strconv.FormatInt(now.UnixMilli(), 10)
	ids, err := s.queue.rdb.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    max,
		Offset: 0,
		Count:  promoteBatch,
	}).Result()
	if err != nil {
		return err
	}

	for _, id := range ids {
		removed, err := s.queue.rdb.ZRem(ctx, delayedKey, id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}

		job, err := s.queue.GetJob(ctx, id)
		if err != nil {
			s.logger.Warn().Str("job_id", id).Msg("Dropped delayed job without a body")
			continue
		}
		job.Status = types.JobStatusQueued
		if err := s.queue.saveJob(ctx, job); err != nil {
			return err
		}
		member := redis.Z{Score: jobScore(job.Priority, now), Member: id}
		if err := s.queue.rdb.ZAdd(ctx, readyKey, member).Err(); err != nil {
			return err
		}
		if job.CancelKey != "" {
			// The job is past its cancellation window.
			s.queue.rdb.HDel(ctx, cancelsKey, job.CancelKey)
		}
	}
	return nil
}

// reclaimRunning redelivers jobs whose visibility deadline passed
// without an ack, which means the worker holding them died
func (s *Scheduler) reclaimRunning(ctx context.Context) error {
	now := time.Now()
	max := strconv.FormatInt(now.UnixMilli(), 10)
	ids, err := s.queue.rdb.ZRangeByScore(ctx, runningKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    max,
		Offset: 0,
		Count:  promoteBatch,
	}).Result()
	if err != nil {
		return err
	}

	for _, id := range ids {
		removed, err := s.queue.rdb.ZRem(ctx, runningKey, id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}

		job, err := s.queue.GetJob(ctx, id)
		if err != nil {
			continue
		}
		s.logger.Warn().
			Str("job_id", id).
			Str("job", job.Name).
			Msg("Redelivering job after visibility timeout")

		job.Status = types.JobStatusQueued
		if err := s.queue.saveJob(ctx, job); err != nil {
			return err
		}
		member := redis.Z{Score: jobScore(job.Priority, now), Member: id}
		if err := s.queue.rdb.ZAdd(ctx, readyKey, member).Err(); err != nil {
			return err
		}
	}
	return nil
}

// firePeriodic enqueues every registered periodic job that is due
func (s *Scheduler) firePeriodic(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	var due []*periodicJob
	for _, p := range s.periodic {
		if !now.Before(p.next) {
			p.next = now.Add(p.every)
			due = append(due, p)
		}
	}
	s.mu.Unlock()

	for _, p := range due {
		if _, err := s.queue.Enqueue(ctx, p.name, p.payload, WithPriority(p.priority)); err != nil {
			s.logger.Error().Err(err).Str("job", p.name).Msg("Failed to enqueue periodic job")
		}
	}
}
