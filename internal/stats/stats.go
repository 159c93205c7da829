// Package stats observes instantaneous resource usage of a named running
// container and tracks the peak of each metric across a sampling window.
package stats

import (
	"context"
	"errors"
)

// ErrNotRunning indicates the monitored entity does not exist or is not
// running at poll time. The sampler skips such polls without error; they
// are expected races at the edges of a window.
var ErrNotRunning = errors.New("container not running")

// Sample is one instantaneous reading.
type Sample struct {
	CPUPercent float64
	MemoryMB   float64
	PIDs       int
}

// Provider answers a single live-stats query for a named entity.
type Provider interface {
	Sample(ctx context.Context, name string) (Sample, error)
}
