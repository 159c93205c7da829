package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is the polling cadence during a sampling window.
const DefaultInterval = 100 * time.Millisecond

// Peaks is the running maximum of each metric over one sampling window.
// Samples counts the valid polls the peaks were computed from; zero means
// every poll raced with the entity's lifetime and the peaks are absent.
type Peaks struct {
	CPUPercent float64
	MemoryMB   float64
	PIDs       int
	Samples    int
}

// Sampler polls a Provider at a fixed interval and retains per-metric
// peaks. One Sampler serves exactly one window: Start then Stop, once.
//
// The peaks are written only by the sampling goroutine; Stop closes the
// window and blocks until that goroutine has exited, so the returned Peaks
// are frozen and safe to read.
type Sampler struct {
	provider Provider
	interval time.Duration
	logger   *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	peaks Peaks
}

func NewSampler(p Provider, interval time.Duration, logger *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sampler{
		provider: p,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the polling loop for name. It returns immediately; the
// timed operation should be issued right after.
func (s *Sampler) Start(ctx context.Context, name string) {
	go s.loop(ctx, name)
}

// Stop ends the window and blocks until the polling loop has exited, then
// returns the frozen peaks. Safe to call more than once.
func (s *Sampler) Stop() Peaks {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return s.peaks
}

func (s *Sampler) loop(ctx context.Context, name string) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx, name)
		}
	}
}

func (s *Sampler) poll(ctx context.Context, name string) {
	// Bound each query to one interval so a stuck provider cannot starve
	// the stop signal.
	pollCtx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()

	sample, err := s.provider.Sample(pollCtx, name)
	if err != nil {
		// Entity not up yet, already gone, or a slow query: skip the poll.
		s.logger.Debug("stats poll skipped", "container", name, "error", err)
		return
	}

	if sample.CPUPercent > s.peaks.CPUPercent {
		s.peaks.CPUPercent = sample.CPUPercent
	}
	if sample.MemoryMB > s.peaks.MemoryMB {
		s.peaks.MemoryMB = sample.MemoryMB
	}
	if sample.PIDs > s.peaks.PIDs {
		s.peaks.PIDs = sample.PIDs
	}
	s.peaks.Samples++
}
