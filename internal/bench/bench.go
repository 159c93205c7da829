// Package bench sequences a benchmark session: one-time content
// pre-download, then N iterations of clear-snapshots / sample / timed
// unpack / record, finalized into a report.
package bench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/h4x3rotab/docker-unpack-bench/internal/config"
	"github.com/h4x3rotab/docker-unpack-bench/internal/containerd"
	"github.com/h4x3rotab/docker-unpack-bench/internal/stats"
)

// settlePause separates consecutive runs so one run's tail I/O cannot bleed
// into the next timed window.
const settlePause = 2 * time.Second

// Runtime is the external containerd contract the orchestrator drives.
type Runtime interface {
	WaitReady(ctx context.Context) error
	Pull(ctx context.Context, image string, timeout time.Duration) (time.Duration, error)
	ClearSnapshots(ctx context.Context, image string) error
}

// Sampler is one single-use peak-sampling window.
type Sampler interface {
	Start(ctx context.Context, name string)
	Stop() stats.Peaks
}

// Runner drives a whole session. Runs execute strictly one at a time;
// parallel runs would compete for I/O and invalidate the measurement.
type Runner struct {
	cfg        *config.Config
	rt         Runtime
	newSampler func() Sampler
	logger     *slog.Logger

	settle time.Duration
}

func NewRunner(cfg *config.Config, rt Runtime, newSampler func() Sampler, logger *slog.Logger) *Runner {
	return &Runner{
		cfg:        cfg,
		rt:         rt,
		newSampler: newSampler,
		logger:     logger,
		settle:     settlePause,
	}
}

// Run executes the session. A fatal setup failure (runtime never ready,
// pre-download failed) returns an error and no report. Otherwise a report
// is always produced — including after cancellation, when it carries the
// runs completed so far.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	rep := &Report{
		BenchmarkConfig: SessionConfig{
			SessionID:   uuid.New().String(),
			TargetImage: r.cfg.Image,
			NumRuns:     r.cfg.Runs,
			Timestamp:   time.Now().UTC(),
			CPULimit:    r.cfg.CPULimit,
			MemoryLimit: r.cfg.MemoryLimit,
		},
		Runs: []RunResult{},
	}

	r.logger.Info("waiting for containerd", "image", r.cfg.Image)
	if err := r.rt.WaitReady(ctx); err != nil {
		return nil, fmt.Errorf("runtime readiness: %w", err)
	}

	// Pre-download happens exactly once, outside any timed window. Without
	// full content in the store no run is meaningful, so failure is fatal.
	r.logger.Info("pre-downloading image content", "image", r.cfg.Image)
	if _, err := r.rt.Pull(ctx, r.cfg.Image, containerd.PredownloadTimeout); err != nil {
		return nil, fmt.Errorf("pre-download: %w", err)
	}
	r.logger.Info("image content ready", "image", r.cfg.Image)

	for i := 1; i <= r.cfg.Runs; i++ {
		if ctx.Err() != nil {
			r.logger.Warn("session cancelled", "completed_runs", len(rep.Runs))
			break
		}

		res, aborted := r.runOnce(ctx, i)
		if aborted {
			r.logger.Warn("run aborted by cancellation", "run", i, "completed_runs", len(rep.Runs))
			break
		}
		rep.Runs = append(rep.Runs, res)

		if res.Outcome == OutcomeSuccess {
			r.logger.Info("run complete", "run", i, "of", r.cfg.Runs, "duration_s", res.DurationSeconds,
				"cpu_peak_pct", res.PeakMetrics.CPUPeakPercent, "mem_peak_mb", res.PeakMetrics.MemoryPeakMB)
		} else {
			r.logger.Error("run failed", "run", i, "of", r.cfg.Runs, "error", res.Error)
		}

		if i < r.cfg.Runs {
			select {
			case <-ctx.Done():
			case <-time.After(r.settle):
			}
		}
	}

	rep.Summary = Summarize(rep.Runs)
	return rep, nil
}

// runOnce performs one iteration. Run-local failures come back as a failed
// RunResult; aborted reports that cancellation interrupted the run before
// it produced evidence worth recording.
func (r *Runner) runOnce(ctx context.Context, runID int) (RunResult, bool) {
	res := RunResult{RunID: runID, Outcome: OutcomeFailure}

	// CLEARING: drop unpacked snapshots, keep the content store, so the
	// timed pull below is a pure cold extraction.
	if err := r.rt.ClearSnapshots(ctx, r.cfg.Image); err != nil {
		if ctx.Err() != nil {
			return res, true
		}
		res.Error = fmt.Sprintf("clear snapshots: %v", err)
		return res, false
	}

	// SAMPLING: the window opens before the timed command and closes after
	// it, never narrower than the measured interval.
	sampler := r.newSampler()
	sampler.Start(ctx, r.cfg.ContainerName)

	wall, pullErr := r.rt.Pull(ctx, r.cfg.Image, containerd.UnpackTimeout)

	// RECORDING: stop synchronously; peaks are frozen once Stop returns.
	peaks := sampler.Stop()

	res.DurationSeconds = wall.Seconds()
	res.PeakMetrics = PeakMetrics{
		CPUPeakPercent:   peaks.CPUPercent,
		MemoryPeakMB:     peaks.MemoryMB,
		PIDPeakCount:     peaks.PIDs,
		SamplesCollected: peaks.Samples,
	}

	if pullErr != nil {
		if ctx.Err() != nil && errors.Is(pullErr, ctx.Err()) {
			return res, true
		}
		res.Error = pullErr.Error()
		return res, false
	}

	res.Outcome = OutcomeSuccess
	if peaks.Samples == 0 {
		// Metrics collection raced with the container lifetime; timing is
		// still valid so the run stands, with absent peaks.
		r.logger.Warn("no valid stats samples for run", "run", runID, "container", r.cfg.ContainerName)
	}
	return res, false
}
