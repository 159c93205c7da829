package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-units"
)

// APIProvider samples through the Docker Engine API instead of the CLI.
// One-shot stats carry no precpu baseline, so CPU percent is computed from
// the delta between this provider's consecutive samples; the first sample
// of a window reports 0% CPU but valid memory and PID readings.
type APIProvider struct {
	docker *client.Client

	mu         sync.Mutex
	prevTotal  uint64
	prevSystem uint64
	havePrev   bool
}

func NewAPIProvider() (*APIProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &APIProvider{docker: cli}, nil
}

func (p *APIProvider) Close() error {
	return p.docker.Close()
}

func (p *APIProvider) Sample(ctx context.Context, name string) (Sample, error) {
	resp, err := p.docker.ContainerStatsOneShot(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return Sample{}, ErrNotRunning
		}
		return Sample{}, fmt.Errorf("container stats: %w", err)
	}
	defer resp.Body.Close()

	var v container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return Sample{}, fmt.Errorf("decode stats: %w", err)
	}

	s := Sample{
		MemoryMB: float64(v.MemoryStats.Usage) / units.MiB,
		PIDs:     int(v.PidsStats.Current),
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	total := v.CPUStats.CPUUsage.TotalUsage
	system := v.CPUStats.SystemUsage
	if p.havePrev && system > p.prevSystem && total >= p.prevTotal {
		online := float64(v.CPUStats.OnlineCPUs)
		if online == 0 {
			online = float64(len(v.CPUStats.CPUUsage.PercpuUsage))
		}
		s.CPUPercent = float64(total-p.prevTotal) / float64(system-p.prevSystem) * online * 100.0
	}
	p.prevTotal, p.prevSystem, p.havePrev = total, system, true

	return s, nil
}
