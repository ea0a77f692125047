package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aurora-admin/aurora/pkg/log"
	"github.com/aurora-admin/aurora/pkg/metrics"
	"github.com/aurora-admin/aurora/pkg/stream"
	"github.com/aurora-admin/aurora/pkg/types"
)

// Redis key layout. Everything lives under one namespace so a shared
// redis can host more than one deployment.
const (
	readyKey   = "aurora:queue:ready"   // zset: job id scored by priority band + submit time
	delayedKey = "aurora:queue:delayed" // zset: job id scored by ready-at ms
	runningKey = "aurora:queue:running" // zset: job id scored by visibility deadline ms
	jobsKey    = "aurora:queue:jobs"    // hash: job id -> json body
	cancelsKey = "aurora:queue:cancel"  // hash: cancel key -> pending delayed job id
)

// Priority bands used across the control plane. 0 is pulled first.
const (
	PriorityReconcile    = 0  // operator-triggered rule reconciles, traffic shaping
	PriorityServer       = 3  // server connect/init, per-server usage probes
	PriorityCleanup      = 4  // port and server cleanup
	PriorityTraffic      = 6  // scheduled collection fanout
	PriorityHousekeeping = 10 // sweeps and inventory regeneration
)

const (
	maxPriority     = 10
	defaultPriority = 5
)

// priorityBase spreads priorities into disjoint score bands; the
// submission timestamp keeps FIFO order inside a band.
const priorityBase = 1e13

// popScript atomically moves the lowest-scored ready job into the
// running set under a visibility deadline.
var popScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[1], popped[1])
return popped[1]
`)

// Option customizes a submitted job
type Option func(*types.Job)

// WithPriority sets the pull-order band (0 highest, 10 lowest)
func WithPriority(p int) Option {
	return func(j *types.Job) {
		if p < 0 {
			p = 0
		}
		if p > maxPriority {
			p = maxPriority
		}
		j.Priority = p
	}
}

// WithMaxRetries lets a failing job be redelivered n more times before
// it finalizes as failed
func WithMaxRetries(n int) Option {
	return func(j *types.Job) { j.MaxRetries = n }
}

// WithCancelKey tags a delayed job so it can be cancelled before it
// becomes ready. At most one pending delayed job exists per key:
// scheduling under an occupied key cancels the previous job first.
func WithCancelKey(key string) Option {
	return func(j *types.Job) { j.CancelKey = key }
}

// Config holds queue tunables
type Config struct {
	// Visibility is how long a pulled job stays parked before the
	// scheduler assumes its worker died and redelivers it.
	Visibility time.Duration

	// PollInterval is the worker idle sleep between pulls.
	PollInterval time.Duration
}

// Queue is a redis-backed priority job queue. Jobs are pulled highest
// priority first, parked under a visibility deadline while a worker
// runs them, and acked only after the handler returns, so a worker
// crash never loses a job.
type Queue struct {
	rdb    *redis.Client
	bus    *stream.Bus
	cfg    Config
	logger zerolog.Logger
}

// New creates a new queue on the given redis client
func New(rdb *redis.Client, bus *stream.Bus, cfg Config) *Queue {
	if cfg.Visibility == 0 {
		cfg.Visibility = 30 * time.Minute
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	return &Queue{
		rdb:    rdb,
		bus:    bus,
		cfg:    cfg,
		logger: log.WithComponent("queue"),
	}
}

// Bus returns the stream bus jobs publish their output on
func (q *Queue) Bus() *stream.Bus {
	return q.bus
}

// Enqueue submits a job for immediate execution
func (q *Queue) Enqueue(ctx context.Context, name string, payload interface{}, opts ...Option) (*types.Job, error) {
	job, err := q.newJob(name, payload, opts)
	if err != nil {
		return nil, err
	}
	job.Status = types.JobStatusQueued

	if err := q.saveJob(ctx, job); err != nil {
		return nil, err
	}
	member := redis.Z{Score: jobScore(job.Priority, job.EnqueuedAt), Member: job.ID}
	if err := q.rdb.ZAdd(ctx, readyKey, member).Err(); err != nil {
		return nil, fmt.Errorf("failed to enqueue job %s: %v", name, err)
	}

	q.announce(ctx, job, fmt.Sprintf("Job queued: %s", job.Name))
	metrics.JobsEnqueued.WithLabelValues(job.Name).Inc()
	return job, nil
}

// Schedule submits a job that becomes ready after the delay
func (q *Queue) Schedule(ctx context.Context, name string, payload interface{}, delay time.Duration, opts ...Option) (*types.Job, error) {
	job, err := q.newJob(name, payload, opts)
	if err != nil {
		return nil, err
	}
	job.Status = types.JobStatusScheduled
	job.ScheduledAt = job.EnqueuedAt.Add(delay)

	if job.CancelKey != "" {
		// One pending job per key: drop whatever holds it now.
		if _, err := q.CancelByKey(ctx, job.CancelKey); err != nil {
			return nil, err
		}
		if err := q.rdb.HSet(ctx, cancelsKey, job.CancelKey, job.ID).Err(); err != nil {
			return nil, fmt.Errorf("failed to index cancel key %s: %v", job.CancelKey, err)
		}
	}

	if err := q.saveJob(ctx, job); err != nil {
		return nil, err
	}
	member := redis.Z{Score: float64(job.ScheduledAt.UnixMilli()), Member: job.ID}
	if err := q.rdb.ZAdd(ctx, delayedKey, member).Err(); err != nil {
		return nil, fmt.Errorf("failed to schedule job %s: %v", name, err)
	}

	q.announce(ctx, job, fmt.Sprintf("Job scheduled: %s (ready at %s)",
		job.Name, job.ScheduledAt.UTC().Format(time.RFC3339)))
	metrics.JobsEnqueued.WithLabelValues(job.Name).Inc()
	return job, nil
}

// CancelByKey cancels the pending delayed job registered under key.
// Returns how many jobs were cancelled (0 or 1); a job that already
// became ready is not touched.
func (q *Queue) CancelByKey(ctx context.Context, key string) (int, error) {
	id, err := q.rdb.HGet(ctx, cancelsKey, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up cancel key %s: %v", key, err)
	}
	if err := q.rdb.HDel(ctx, cancelsKey, key).Err(); err != nil {
		return 0, fmt.Errorf("failed to clear cancel key %s: %v", key, err)
	}

	removed, err := q.rdb.ZRem(ctx, delayedKey, id).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to remove delayed job %s: %v", id, err)
	}
	if removed == 0 {
		return 0, nil
	}

	job, err := q.GetJob(ctx, id)
	if err != nil {
		return 1, nil
	}
	job.Status = types.JobStatusCancelled
	job.FinishedAt = time.Now()
	if err := q.saveJob(ctx, job); err != nil {
		return 1, err
	}

	q.announce(ctx, job, fmt.Sprintf("Job cancelled: %s", job.Name))
	if q.bus != nil {
		if err := q.bus.PublishStop(ctx, job.ID); err != nil {
			q.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to close cancelled job stream")
		}
	}
	metrics.JobsProcessed.WithLabelValues(job.Name, string(types.JobStatusCancelled)).Inc()
	return 1, nil
}

// Dequeue pulls the highest-priority ready job and parks it in the
// running set. Returns nil when the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*types.Job, error) {
	deadline := float64(time.Now().Add(q.cfg.Visibility).UnixMilli())
	res, err := popScript.Run(ctx, q.rdb, []string{readyKey, runningKey}, deadline).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pull job: %v", err)
	}
	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected pull result of type %T", res)
	}

	job, err := q.GetJob(ctx, id)
	if err != nil {
		// Body is gone; drop the parked entry instead of redelivering
		// an empty shell forever.
		q.rdb.ZRem(ctx, runningKey, id)
		q.logger.Warn().Str("job_id", id).Msg("Dropped parked job without a body")
		return nil, nil
	}

	job.Status = types.JobStatusRunning
	job.StartedAt = time.Now()
	if err := q.saveJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Finish acks a pulled job with its terminal status and closes its
// output stream
func (q *Queue) Finish(ctx context.Context, job *types.Job, jobErr error) error {
	if err := q.rdb.ZRem(ctx, runningKey, job.ID).Err(); err != nil {
		return fmt.Errorf("failed to ack job %s: %v", job.ID, err)
	}

	job.FinishedAt = time.Now()
	if jobErr != nil {
		job.Status = types.JobStatusFailed
		job.Error = jobErr.Error()
	} else {
		job.Status = types.JobStatusSucceeded
	}
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}

	if jobErr != nil {
		q.announce(ctx, job, fmt.Sprintf("Job failed: %v", jobErr))
	} else {
		q.announce(ctx, job, fmt.Sprintf("Job finished: %s", job.Name))
	}
	if q.bus != nil {
		if err := q.bus.PublishStop(ctx, job.ID); err != nil {
			q.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to close job stream")
		}
	}
	metrics.JobsProcessed.WithLabelValues(job.Name, string(job.Status)).Inc()
	return nil
}

// Requeue returns a failed job to the delayed set for another attempt
func (q *Queue) Requeue(ctx context.Context, job *types.Job, after time.Duration) error {
	if err := q.rdb.ZRem(ctx, runningKey, job.ID).Err(); err != nil {
		return fmt.Errorf("failed to unpark job %s: %v", job.ID, err)
	}

	job.Status = types.JobStatusScheduled
	job.ScheduledAt = time.Now().Add(after)
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}
	member := redis.Z{Score: float64(job.ScheduledAt.UnixMilli()), Member: job.ID}
	if err := q.rdb.ZAdd(ctx, delayedKey, member).Err(); err != nil {
		return fmt.Errorf("failed to requeue job %s: %v", job.ID, err)
	}

	q.announce(ctx, job, fmt.Sprintf("Job retry %d/%d scheduled", job.Retries, job.MaxRetries))
	return nil
}

// GetJob loads a job by id
func (q *Queue) GetJob(ctx context.Context, id string) (*types.Job, error) {
	raw, err := q.rdb.HGet(ctx, jobsKey, id).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %v", id, err)
	}
	var job types.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %v", id, err)
	}
	return &job, nil
}

// Depths reports how many jobs sit in each set, for readiness and
// operator introspection
func (q *Queue) Depths(ctx context.Context) (ready, delayed, running int64, err error) {
	if ready, err = q.rdb.ZCard(ctx, readyKey).Result(); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to read queue depth: %v", err)
	}
	if delayed, err = q.rdb.ZCard(ctx, delayedKey).Result(); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to read queue depth: %v", err)
	}
	if running, err = q.rdb.ZCard(ctx, runningKey).Result(); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to read queue depth: %v", err)
	}
	return ready, delayed, running, nil
}

// DecodePayload unmarshals a job payload into v
func DecodePayload(job *types.Job, v interface{}) error {
	if len(job.Payload) == 0 {
		return fmt.Errorf("job %s carries no payload", job.ID)
	}
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return fmt.Errorf("failed to decode payload of job %s: %v", job.ID, err)
	}
	return nil
}

func (q *Queue) newJob(name string, payload interface{}, opts []Option) (*types.Job, error) {
	job := &types.Job{
		ID:         uuid.New().String(),
		Name:       name,
		Priority:   defaultPriority,
		EnqueuedAt: time.Now(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload for %s: %v", name, err)
		}
		job.Payload = raw
	}
	for _, opt := range opts {
		opt(job)
	}
	return job, nil
}

func (q *Queue) saveJob(ctx context.Context, job *types.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %v", job.ID, err)
	}
	if err := q.rdb.HSet(ctx, jobsKey, job.ID, raw).Err(); err != nil {
		return fmt.Errorf("failed to store job %s: %v", job.ID, err)
	}
	return nil
}

// announce registers the job with the stream bus and publishes a
// lifecycle line. Stream trouble never fails the queue operation.
func (q *Queue) announce(ctx context.Context, job *types.Job, line string) {
	if q.bus == nil {
		return
	}
	if err := q.bus.RegisterJob(ctx, job.ID); err != nil {
		q.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to register job stream")
		return
	}
	if err := q.bus.Publish(ctx, job.ID, line); err != nil {
		q.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to publish job lifecycle line")
	}
}

// jobScore places a job in the ready set: disjoint bands per priority,
// submission time for FIFO order inside a band.
func jobScore(priority int, at time.Time) float64 {
	return float64(priority)*priorityBase + float64(at.UnixMilli())
}
