package stream

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aurora-admin/aurora/pkg/log"
	"github.com/aurora-admin/aurora/pkg/metrics"
)

// jobIndex is the sorted set holding every job id that ever opened a
// stream, scored by registration time in unix milliseconds. The
// retention sweep walks it oldest-first.
const jobIndex = "aurora:task:ids"

// Config holds bus tunables. Zero values fall back to the defaults
// used in a standard deployment.
type Config struct {
	// Prefix namespaces every channel and history key.
	Prefix string

	// Stopword is the reserved line that terminates a stream.
	Stopword string

	// IdleTimeout cuts off a live subscriber that has seen no traffic.
	IdleTimeout time.Duration

	// StopDelay is how long PublishStop waits before emitting the
	// stopword, letting live subscribers drain the final lines first.
	StopDelay time.Duration
}

// Bus is the redis-backed job output stream. Every published line is
// delivered to live subscribers on the channel <prefix>:<job> and
// appended to the sorted set <prefix>:<job>:history, so a subscriber
// that attaches after the job started still sees the full output.
type Bus struct {
	rdb    *redis.Client
	cfg    Config
	logger zerolog.Logger
}

// NewBus creates a new stream bus on the given redis client
func NewBus(rdb *redis.Client, cfg Config) *Bus {
	if cfg.Prefix == "" {
		cfg.Prefix = "aurora:pubsub"
	}
	if cfg.Stopword == "" {
		cfg.Stopword = "AURORA_PUBSUB_STOP"
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 10 * time.Second
	}
	if cfg.StopDelay == 0 {
		cfg.StopDelay = 100 * time.Millisecond
	}
	return &Bus{
		rdb:    rdb,
		cfg:    cfg,
		logger: log.WithComponent("stream"),
	}
}

// Channel returns the live channel name for a job
func (b *Bus) Channel(jobID string) string {
	return fmt.Sprintf("%s:%s", b.cfg.Prefix, jobID)
}

// HistoryKey returns the history sorted-set key for a job
func (b *Bus) HistoryKey(jobID string) string {
	return b.Channel(jobID) + ":history"
}

// Stopword returns the line that terminates every stream
func (b *Bus) Stopword() string {
	return b.cfg.Stopword
}

// RegisterJob records the job id in the retention index. First write
// wins, so the sweep sees creation time rather than last activity.
func (b *Bus) RegisterJob(ctx context.Context, jobID string) error {
	member := redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: jobID,
	}
	if err := b.rdb.ZAddNX(ctx, jobIndex, member).Err(); err != nil {
		return fmt.Errorf("failed to register job %s: %v", jobID, err)
	}
	return nil
}

// Publish delivers a line to live subscribers and appends it to the
// job's history
func (b *Bus) Publish(ctx context.Context, jobID, line string) error {
	now := float64(time.Now().UnixMilli())
	pipe := b.rdb.Pipeline()
	pipe.Publish(ctx, b.Channel(jobID), line)
	pipe.ZAdd(ctx, b.HistoryKey(jobID), redis.Z{Score: now, Member: line})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish on job %s: %v", jobID, err)
	}
	metrics.StreamMessages.Inc()
	return nil
}

// PublishLive delivers a line to live subscribers without recording
// it. Used for telemetry channels where history would grow unbounded.
func (b *Bus) PublishLive(ctx context.Context, jobID, line string) error {
	if err := b.rdb.Publish(ctx, b.Channel(jobID), line).Err(); err != nil {
		return fmt.Errorf("failed to publish on job %s: %v", jobID, err)
	}
	metrics.StreamMessages.Inc()
	return nil
}

// PublishStop ends a job's stream. The pause before the stopword keeps
// it scored after any line published in the same instant.
func (b *Bus) PublishStop(ctx context.Context, jobID string) error {
	select {
	case <-time.After(b.cfg.StopDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.Publish(ctx, jobID, b.cfg.Stopword)
}

// History returns every line recorded for a job, oldest first. The
// stopword is included when the job has already finished.
func (b *Bus) History(ctx context.Context, jobID string) ([]string, error) {
	lines, err := b.rdb.ZRange(ctx, b.HistoryKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history for job %s: %v", jobID, err)
	}
	return lines, nil
}

// Subscribe follows a job's output: recorded history first, then live
// lines. The returned channel closes on the stopword, after
// IdleTimeout without traffic, or when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, jobID string) (<-chan string, error) {
	// Join the live channel before draining history so nothing
	// published in between is lost.
	pubsub := b.rdb.Subscribe(ctx, b.Channel(jobID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to job %s: %v", jobID, err)
	}

	history, err := b.History(ctx, jobID)
	if err != nil {
		pubsub.Close()
		return nil, err
	}

	out := make(chan string, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()

		for _, line := range history {
			if line == b.cfg.Stopword {
				return
			}
			select {
			case out <- line:
			case <-ctx.Done():
				return
			}
		}

		idle := time.NewTimer(b.cfg.IdleTimeout)
		defer idle.Stop()

		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(b.cfg.IdleTimeout)
				if msg.Payload == b.cfg.Stopword {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			case <-idle.C:
				b.logger.Debug().Str("job_id", jobID).Msg("Subscriber idle timeout")
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Sweep removes the history of every job registered before the cutoff
// and trims the job index. Returns how many history sets were deleted.
func (b *Bus) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	max := strconv.FormatInt(cutoff.UnixMilli(), 10)
	ids, err := b.rdb.ZRangeByScore(ctx, jobIndex, &redis.ZRangeBy{
		Min: "-inf",
		Max: max,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list expired jobs: %v", err)
	}

	removed := 0
	for _, id := range ids {
		n, err := b.rdb.Del(ctx, b.HistoryKey(id)).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to delete history for job %s: %v", id, err)
		}
		removed += int(n)
	}

	trimmed, err := b.rdb.ZRemRangeByScore(ctx, jobIndex, "-inf", max).Result()
	if err != nil {
		return removed, fmt.Errorf("failed to trim job index: %v", err)
	}

	b.logger.Info().
		Int("histories", removed).
		Int64("ids", trimmed).
		Msg("Stream history swept")
	return removed, nil
}
