package traffic

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aurora-admin/aurora/pkg/log"
	"github.com/aurora-admin/aurora/pkg/metrics"
	"github.com/aurora-admin/aurora/pkg/storage"
	"github.com/aurora-admin/aurora/pkg/types"
)

// counterLine matches the accounting comments the filter helper tags
// its entries with. Group 1 is the direction, group 2 the port number;
// the -UDP suffixed variants count into the same direction. Forwarded
// ports carry a target after the arrow, locally served ports do not;
// both shapes count.
var counterLine = regexp.MustCompile(`/\* (UPLOAD|DOWNLOAD)(?:-UDP)? (\d+)->`)

// Sample holds the raw byte counters observed for one port in a single
// helper run.
type Sample struct {
	Download int64
	Upload   int64
}

// ParseCounters extracts per-port samples from filter helper output.
// Lines come from `iptables -nvx -L`: packets first, then bytes, so the
// byte count is the second whitespace field. Lines whose leading field
// is not numeric (chain headers, column titles) are skipped.
func ParseCounters(output string) map[int]Sample {
	samples := make(map[int]Sample)
	for _, line := range strings.Split(output, "\n") {
		m := counterLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if _, err := strconv.ParseInt(fields[0], 10, 64); err != nil {
			continue
		}
		bytes, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		num, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		sample := samples[num]
		if m[1] == "DOWNLOAD" {
			sample.Download += bytes
		} else {
			sample.Upload += bytes
		}
		samples[num] = sample
	}
	return samples
}

// Recorder applies observed counter samples to the store. It is the
// usage hook the reconciler calls after plans that touch filter
// counters, and the write half of the scheduled collection pass.
type Recorder struct {
	store  storage.Store
	logger zerolog.Logger
}

// NewRecorder creates a new Recorder
func NewRecorder(store storage.Store) *Recorder {
	return &Recorder{
		store:  store,
		logger: log.WithComponent("traffic"),
	}
}

// Record parses helper output for one server and applies the update
// rule to every port it mentions, then refreshes the per-user usage
// aggregates. Ports without a row on this server are skipped; the host
// may carry entries for ports deleted from the panel.
func (r *Recorder) Record(ctx context.Context, serverID, output string, accumulate bool) error {
	samples := ParseCounters(output)
	if len(samples) == 0 {
		return nil
	}

	ports, err := r.store.ListPorts(serverID)
	if err != nil {
		return fmt.Errorf("failed to list ports for server %s: %v", serverID, err)
	}
	byNum := make(map[int]*types.Port, len(ports))
	for _, port := range ports {
		byNum[port.Num] = port
	}

	for num, sample := range samples {
		port, ok := byNum[num]
		if !ok {
			r.logger.Debug().
				Str("server_id", serverID).
				Int("port", num).
				Msg("Counters for unmanaged port, skipping")
			continue
		}
		if err := r.Apply(ctx, port, sample, accumulate); err != nil {
			return fmt.Errorf("failed to update usage for port %d: %v", num, err)
		}
	}

	if err := r.Aggregate(ctx, serverID); err != nil {
		return err
	}
	return nil
}

// Apply runs the per-direction update rule for one port inside a
// single store transaction.
//
// A direction's delta counts only when the observed raw counter did
// not go backwards against the stored checkpoint; a smaller value
// means the host counter restarted and this pass's delta is dropped.
// The accumulate roll-forward is stricter: it fires only when the
// observed value still equals the checkpoint, so reconcile hooks that
// run while traffic is flowing refresh the current figure without
// inflating the monotonic base.
func (r *Recorder) Apply(ctx context.Context, port *types.Port, sample Sample, accumulate bool) error {
	err := r.store.UpdatePortUsage(port.ID, func(u *types.PortUsage) error {
		fresh := u.UpdatedAt.IsZero()
		applyDirection(fresh, accumulate, sample.Download,
			&u.Download, &u.DownloadAccumulate, &u.DownloadCheckpoint)
		applyDirection(fresh, accumulate, sample.Upload,
			&u.Upload, &u.UploadAccumulate, &u.UploadCheckpoint)
		return nil
	})
	if err != nil {
		return err
	}

	usage, err := r.store.GetPortUsage(port.ID)
	if err != nil {
		return err
	}
	metrics.PortDownloadBytes.WithLabelValues(port.ServerID, strconv.Itoa(port.Num)).Set(float64(usage.Download))
	metrics.PortUploadBytes.WithLabelValues(port.ServerID, strconv.Itoa(port.Num)).Set(float64(usage.Upload))
	return nil
}

func applyDirection(fresh, roll bool, observed int64, current, accum, checkpoint *int64) {
	if fresh || observed >= *checkpoint {
		*current = observed + *accum
		if roll && (fresh || observed == *checkpoint) {
			*accum = *current
		}
	}
	*checkpoint = observed
}

// Aggregate recomputes every server-user's download/upload totals from
// the usage of the ports the user is permitted on.
func (r *Recorder) Aggregate(ctx context.Context, serverID string) error {
	serverUsers, err := r.store.ListServerUsers(serverID)
	if err != nil {
		return fmt.Errorf("failed to list server users: %v", err)
	}
	if len(serverUsers) == 0 {
		return nil
	}

	type totals struct{ download, upload int64 }
	perUser := make(map[string]*totals)

	ports, err := r.store.ListPorts(serverID)
	if err != nil {
		return fmt.Errorf("failed to list ports for server %s: %v", serverID, err)
	}
	for _, port := range ports {
		usage, err := r.store.GetPortUsage(port.ID)
		if storage.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		portUsers, err := r.store.ListPortUsers(port.ID)
		if err != nil {
			return err
		}
		for _, pu := range portUsers {
			t, ok := perUser[pu.UserID]
			if !ok {
				t = &totals{}
				perUser[pu.UserID] = t
			}
			t.download += usage.Download
			t.upload += usage.Upload
		}
	}

	for _, su := range serverUsers {
		t := perUser[su.UserID]
		if t == nil {
			t = &totals{}
		}
		if su.Download == t.download && su.Upload == t.upload {
			continue
		}
		su.Download = t.download
		su.Upload = t.upload
		if err := r.store.PutServerUser(su); err != nil {
			return fmt.Errorf("failed to update server user totals: %v", err)
		}
	}
	return nil
}
