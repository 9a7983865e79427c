// Package monitor keeps the GPU resource table in sync with the cluster by
// periodically sampling nvidia-smi over SSH.
package monitor

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mqilab/beamline/internal/model"
)

const nvidiaSmiQuery = "nvidia-smi --query-gpu=uuid,name,memory.total,memory.free --format=csv,noheader,nounits"

// CommandRunner is the slice of the remote executor the monitor needs.
type CommandRunner interface {
	RunCommand(ctx context.Context, command string) (string, error)
}

// ResourceStore absorbs device telemetry.
type ResourceStore interface {
	Upsert(resources []model.Resource) error
}

type Monitor struct {
	cluster  CommandRunner
	store    ResourceStore
	interval time.Duration
}

func New(cluster CommandRunner, store ResourceStore, interval time.Duration) *Monitor {
	return &Monitor{cluster: cluster, store: store, interval: interval}
}

// Seed samples the cluster once. The daemon calls it at startup so the pool
// is populated before the first beam asks for a GPU.
func (m *Monitor) Seed(ctx context.Context) error {
	return m.sample(ctx)
}

// Run samples the cluster every interval until ctx is canceled. Sampling
// errors are logged and retried on the next tick; a flaky link must not kill
// the monitor.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.sample(ctx); err != nil {
				log.Errorf("GPU sample failed: %v", err)
			}
		}
	}
}

func (m *Monitor) sample(ctx context.Context) error {
	out, err := m.cluster.RunCommand(ctx, nvidiaSmiQuery)
	if err != nil {
		return err
	}
	devices, err := ParseDevices(out)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		log.Warn("nvidia-smi reported no GPUs")
		return nil
	}
	return m.store.Upsert(devices)
}

// ParseDevices parses nvidia-smi CSV output, one device per line:
// uuid, name, memory.total [MiB], memory.free [MiB].
func ParseDevices(out string) ([]model.Resource, error) {
	var devices []model.Resource
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 4 {
			return nil, errors.Errorf("unexpected nvidia-smi line: %q", line)
		}
		total, err := strconv.Atoi(strings.TrimSpace(fields[2]))
		if err != nil {
			return nil, errors.Wrapf(err, "parse memory.total in %q", line)
		}
		free, err := strconv.Atoi(strings.TrimSpace(fields[3]))
		if err != nil {
			return nil, errors.Wrapf(err, "parse memory.free in %q", line)
		}
		devices = append(devices, model.Resource{
			ID:            strings.TrimSpace(fields[0]),
			Name:          strings.TrimSpace(fields[1]),
			MemoryTotalMB: total,
			MemoryFreeMB:  free,
		})
	}
	return devices, nil
}
