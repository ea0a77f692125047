package traffic

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aurora-admin/aurora/pkg/connector"
	"github.com/aurora-admin/aurora/pkg/log"
	"github.com/aurora-admin/aurora/pkg/metrics"
	"github.com/aurora-admin/aurora/pkg/queue"
	"github.com/aurora-admin/aurora/pkg/storage"
	"github.com/aurora-admin/aurora/pkg/stream"
	"github.com/aurora-admin/aurora/pkg/types"
)

// HostSample is one reading of a server's vitals, published as JSON on
// the server's perf channel
type HostSample struct {
	ServerID string  `json:"server_id"`
	CPU      float64 `json:"cpu"`
	Memory   float64 `json:"memory"`
	Disk     float64 `json:"disk"`
	Time     int64   `json:"time"`
}

// Sampler reads host vitals over the same SSH path the plans use and
// republishes them for dashboards: a live line on perf:<server_id> and
// the per-server gauges. Samples are live-only; nothing is recorded.
type Sampler struct {
	store  storage.Store
	queue  *queue.Queue
	dial   connector.DialFunc
	bus    *stream.Bus
	logger zerolog.Logger
}

// NewSampler creates a new host stats sampler
func NewSampler(store storage.Store, q *queue.Queue, dial connector.DialFunc, bus *stream.Bus) *Sampler {
	return &Sampler{
		store:  store,
		queue:  q,
		dial:   dial,
		bus:    bus,
		logger: log.WithComponent("stats"),
	}
}

// PerfChannel names the live channel carrying a server's samples
func PerfChannel(serverID string) string {
	return "perf:" + serverID
}

// Fanout enqueues one sample per active server
func (s *Sampler) Fanout(ctx context.Context) error {
	servers, err := s.store.ListServers()
	if err != nil {
		return fmt.Errorf("failed to list servers: %v", err)
	}
	for _, server := range servers {
		if !server.IsActive {
			continue
		}
		_, err := s.queue.Enqueue(ctx, types.JobStatsServer,
			types.ServerPayload{ServerID: server.ID},
			queue.WithPriority(queue.PriorityHousekeeping))
		if err != nil {
			return fmt.Errorf("failed to enqueue sample for server %s: %v", server.ID, err)
		}
	}
	return nil
}

// SampleServer reads one host's vitals and publishes them. A vanished
// or deactivated server is skipped without error; an unreachable one
// fails the job and the next cadence retries.
func (s *Sampler) SampleServer(ctx context.Context, serverID string) error {
	server, err := s.store.GetServer(serverID)
	if storage.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load server %s: %v", serverID, err)
	}
	if !server.IsActive {
		return nil
	}

	remote, err := s.dial(ctx, server, "")
	if err != nil {
		return err
	}
	defer remote.Close()

	cpu, mem, disk, err := remote.CombinedUsage(ctx)
	if err != nil {
		return fmt.Errorf("failed to sample %s: %v", server.Host, err)
	}

	metrics.ServerCPUPercent.WithLabelValues(serverID).Set(cpu)
	metrics.ServerMemoryPercent.WithLabelValues(serverID).Set(mem)
	metrics.ServerDiskPercent.WithLabelValues(serverID).Set(disk)

	sample := HostSample{
		ServerID: serverID,
		CPU:      cpu,
		Memory:   mem,
		Disk:     disk,
		Time:     time.Now().UnixMilli(),
	}
	line, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to encode sample: %v", err)
	}
	if err := s.bus.PublishLive(ctx, PerfChannel(serverID), string(line)); err != nil {
		s.logger.Warn().Err(err).Str("server_id", serverID).Msg("Failed to publish host sample")
	}

	s.logger.Debug().
		Str("server_id", serverID).
		Float64("cpu", cpu).
		Float64("memory", mem).
		Float64("disk", disk).
		Msg("Host sample recorded")
	return nil
}
