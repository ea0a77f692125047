package connector

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Introspection one-liners. These run verbatim on the remote host;
// the shell does the math so the control plane only parses numbers.
const (
	osReleaseCmd = `grep -E '^(NAME|VERSION_ID)=' /etc/os-release | awk -F= '{ print $2 }' | tr -d '"' | paste -sd ' ' -`
	cpuUsageCmd  = `grep 'cpu ' /proc/stat | awk '{usage=($2+$4)*100/($2+$4+$5)} END {print usage}'`
	memUsageCmd  = `free | awk '/Mem:/ {print $3/$2 * 100.0}'`
	diskUsageCmd = `df --output=pcent / | tail -1`

	combinedUsageCmd = `echo "` +
		`$(grep 'cpu ' /proc/stat | awk '{usage=($2+$4)*100/($2+$4+$5)} END {print usage}') ` +
		`$(free | awk '/Mem:/ {print $3/$2 * 100.0}') ` +
		`$(df --output=pcent / | tail -1)"`
)

// OSRelease returns the distribution name and version, for example
// "Ubuntu 22.04"
func (c *Connection) OSRelease(ctx context.Context) (string, error) {
	return c.Run(ctx, osReleaseCmd)
}

// CPUUsage returns the instantaneous CPU utilization percentage
func (c *Connection) CPUUsage(ctx context.Context) (float64, error) {
	out, err := c.Run(ctx, cpuUsageCmd)
	if err != nil {
		return 0, err
	}
	return parsePercent(out)
}

// MemoryUsage returns the memory utilization percentage
func (c *Connection) MemoryUsage(ctx context.Context) (float64, error) {
	out, err := c.Run(ctx, memUsageCmd)
	if err != nil {
		return 0, err
	}
	return parsePercent(out)
}

// DiskUsage returns the root filesystem utilization percentage
func (c *Connection) DiskUsage(ctx context.Context) (float64, error) {
	out, err := c.Run(ctx, diskUsageCmd)
	if err != nil {
		return 0, err
	}
	return parsePercent(out)
}

// CombinedUsage samples CPU, memory and disk in one round trip
func (c *Connection) CombinedUsage(ctx context.Context) (cpu, mem, disk float64, err error) {
	out, err := c.Run(ctx, combinedUsageCmd)
	if err != nil {
		return 0, 0, 0, err
	}
	return parseCombinedUsage(out)
}

// parseCombinedUsage splits the combined echo into its three numbers
func parseCombinedUsage(out string) (cpu, mem, disk float64, err error) {
	fields := strings.Fields(out)
	if len(fields) < 3 {
		return 0, 0, 0, fmt.Errorf("unexpected usage output %q", out)
	}
	if cpu, err = parsePercent(fields[0]); err != nil {
		return 0, 0, 0, err
	}
	if mem, err = parsePercent(fields[1]); err != nil {
		return 0, 0, 0, err
	}
	if disk, err = parsePercent(fields[2]); err != nil {
		return 0, 0, 0, err
	}
	return cpu, mem, disk, nil
}

// parsePercent parses a number that may carry df's trailing percent
// sign and header noise
func parsePercent(out string) (float64, error) {
	s := strings.TrimSpace(out)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[i+1:])
	}
	s = strings.TrimSuffix(s, "%")
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected percentage %q", out)
	}
	return v, nil
}
