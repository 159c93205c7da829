package bench

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h4x3rotab/docker-unpack-bench/internal/config"
	"github.com/h4x3rotab/docker-unpack-bench/internal/stats"
)

// fakeRuntime scripts per-run pull behaviour and records the order of
// every orchestrator action in events (shared with the fake samplers).
type fakeRuntime struct {
	events *[]string

	readyErr     error
	predownload  error
	clearErrs    map[int]error // keyed by timed-run index (1-based)
	pullErrs     map[int]error
	pullDuration time.Duration

	cancelOnPull int                // timed-run index that triggers cancel
	cancel       context.CancelFunc // called when cancelOnPull fires

	pulls  int // all pulls, including pre-download
	clears int
}

func (f *fakeRuntime) WaitReady(ctx context.Context) error {
	*f.events = append(*f.events, "ready")
	return f.readyErr
}

func (f *fakeRuntime) Pull(ctx context.Context, image string, timeout time.Duration) (time.Duration, error) {
	f.pulls++
	if f.pulls == 1 {
		*f.events = append(*f.events, "predownload")
		return f.pullDuration, f.predownload
	}
	run := f.pulls - 1
	*f.events = append(*f.events, fmt.Sprintf("pull-%d", run))
	if f.cancelOnPull == run {
		f.cancel()
		return f.pullDuration, fmt.Errorf("pull %s: %w", image, context.Canceled)
	}
	if err := f.pullErrs[run]; err != nil {
		return f.pullDuration, err
	}
	return f.pullDuration, nil
}

func (f *fakeRuntime) ClearSnapshots(ctx context.Context, image string) error {
	f.clears++
	*f.events = append(*f.events, fmt.Sprintf("clear-%d", f.clears))
	return f.clearErrs[f.clears]
}

type fakeSampler struct {
	events *[]string
	id     int
	peaks  stats.Peaks
}

func (f *fakeSampler) Start(ctx context.Context, name string) {
	*f.events = append(*f.events, fmt.Sprintf("sampler-start-%d", f.id))
}

func (f *fakeSampler) Stop() stats.Peaks {
	*f.events = append(*f.events, fmt.Sprintf("sampler-stop-%d", f.id))
	return f.peaks
}

type harness struct {
	runner *Runner
	rt     *fakeRuntime
	events []string
}

func newHarness(t *testing.T, runs int, rt *fakeRuntime) *harness {
	t.Helper()
	h := &harness{rt: rt}
	rt.events = &h.events
	if rt.pullDuration == 0 {
		rt.pullDuration = 1500 * time.Millisecond
	}

	cfg := config.Default()
	cfg.Image = "alpine:latest"
	cfg.Runs = runs

	samplers := 0
	newSampler := func() Sampler {
		samplers++
		return &fakeSampler{
			events: &h.events,
			id:     samplers,
			peaks:  stats.Peaks{CPUPercent: 200, MemoryMB: 300, PIDs: 40, Samples: 10},
		}
	}

	h.runner = NewRunner(cfg, rt, newSampler, slog.New(slog.DiscardHandler))
	h.runner.settle = 0
	return h
}

func TestRunAllSuccessful(t *testing.T) {
	h := newHarness(t, 3, &fakeRuntime{})

	rep, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, rep.Runs, 3)
	seen := map[int]bool{}
	for i, run := range rep.Runs {
		assert.Equal(t, i+1, run.RunID)
		assert.False(t, seen[run.RunID], "run_id %d duplicated", run.RunID)
		seen[run.RunID] = true
		assert.Equal(t, OutcomeSuccess, run.Outcome)
		assert.InDelta(t, 1.5, run.DurationSeconds, 1e-9)
		assert.Equal(t, 200.0, run.PeakMetrics.CPUPeakPercent)
	}

	assert.Equal(t, 3, rep.Summary.SuccessfulRuns)
	assert.Equal(t, 0, rep.Summary.FailedRuns)
	require.NotNil(t, rep.Summary.AvgDurationSeconds)
	assert.InDelta(t, 1.5, *rep.Summary.AvgDurationSeconds, 1e-9)
	assert.NotEmpty(t, rep.BenchmarkConfig.SessionID)
}

func TestRunPhaseOrdering(t *testing.T) {
	h := newHarness(t, 2, &fakeRuntime{})

	_, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	// Pre-download once before run 1; within each run the clear precedes
	// the sampler window, which fully encloses the timed pull.
	assert.Equal(t, []string{
		"ready",
		"predownload",
		"clear-1", "sampler-start-1", "pull-1", "sampler-stop-1",
		"clear-2", "sampler-start-2", "pull-2", "sampler-stop-2",
	}, h.events)
}

func TestRunZeroRuns(t *testing.T) {
	h := newHarness(t, 0, &fakeRuntime{})

	rep, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, rep.Runs)
	assert.Equal(t, 0, rep.Summary.SuccessfulRuns)
	assert.Equal(t, 0, rep.Summary.FailedRuns)
	assert.Nil(t, rep.Summary.AvgDurationSeconds)
	assert.Nil(t, rep.Summary.MinDurationSeconds)
	assert.Nil(t, rep.Summary.MaxDurationSeconds)
	// Content is still fetched so a follow-up session starts warm.
	assert.Equal(t, 1, h.rt.pulls)
}

func TestRunNegativeRuns(t *testing.T) {
	h := newHarness(t, -4, &fakeRuntime{})

	rep, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Runs)
}

func TestRunReadinessFailureIsFatal(t *testing.T) {
	h := newHarness(t, 3, &fakeRuntime{readyErr: fmt.Errorf("containerd not ready after 30 attempts")})

	rep, err := h.runner.Run(context.Background())
	require.Error(t, err)
	assert.Nil(t, rep)
	assert.Contains(t, err.Error(), "readiness")
}

func TestRunPredownloadFailureIsFatal(t *testing.T) {
	h := newHarness(t, 3, &fakeRuntime{predownload: fmt.Errorf("manifest unknown")})

	rep, err := h.runner.Run(context.Background())
	require.Error(t, err)
	assert.Nil(t, rep)
	assert.Contains(t, err.Error(), "pre-download")
	assert.Equal(t, 0, h.rt.clears)
}

func TestRunSingleFailureDoesNotAbortSession(t *testing.T) {
	h := newHarness(t, 3, &fakeRuntime{
		pullErrs: map[int]error{2: fmt.Errorf("pull alpine:latest: ctr exited with code 1")},
	})

	rep, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, rep.Runs, 3)
	assert.Equal(t, OutcomeSuccess, rep.Runs[0].Outcome)
	assert.Equal(t, OutcomeFailure, rep.Runs[1].Outcome)
	assert.Contains(t, rep.Runs[1].Error, "exited with code 1")
	// Elapsed-until-failure is recorded for the failed run.
	assert.InDelta(t, 1.5, rep.Runs[1].DurationSeconds, 1e-9)
	assert.Equal(t, OutcomeSuccess, rep.Runs[2].Outcome)

	assert.Equal(t, 2, rep.Summary.SuccessfulRuns)
	assert.Equal(t, 1, rep.Summary.FailedRuns)
}

func TestRunClearFailureRecordedAsFailedRun(t *testing.T) {
	h := newHarness(t, 2, &fakeRuntime{
		clearErrs: map[int]error{1: fmt.Errorf("snapshot busy: in use")},
	})

	rep, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, rep.Runs, 2)
	assert.Equal(t, OutcomeFailure, rep.Runs[0].Outcome)
	assert.Contains(t, rep.Runs[0].Error, "clear snapshots")
	assert.Equal(t, OutcomeSuccess, rep.Runs[1].Outcome)
}

func TestRunCancellationKeepsCompletedRuns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rt := &fakeRuntime{cancelOnPull: 3, cancel: cancel}
	h := newHarness(t, 5, rt)

	rep, err := h.runner.Run(ctx)
	require.NoError(t, err)

	// Runs 1 and 2 completed; run 3 was interrupted mid-pull and is not
	// recorded; runs 4 and 5 never started.
	require.Len(t, rep.Runs, 2)
	assert.Equal(t, 2, rep.Summary.SuccessfulRuns)
	// The in-flight sampler was still stopped before returning.
	assert.Contains(t, h.events, "sampler-stop-3")
}

func TestRunZeroSampleRunStillSucceeds(t *testing.T) {
	h := &harness{rt: &fakeRuntime{pullDuration: 1200 * time.Millisecond}}
	h.rt.events = &h.events

	cfg := config.Default()
	cfg.Image = "alpine:latest"
	cfg.Runs = 1

	newSampler := func() Sampler {
		return &fakeSampler{events: &h.events, id: 1, peaks: stats.Peaks{}}
	}
	h.runner = NewRunner(cfg, h.rt, newSampler, slog.New(slog.DiscardHandler))
	h.runner.settle = 0

	rep, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, rep.Runs, 1)
	run := rep.Runs[0]
	assert.Equal(t, OutcomeSuccess, run.Outcome)
	assert.Greater(t, run.DurationSeconds, 0.0)
	assert.Zero(t, run.PeakMetrics.CPUPeakPercent)
	assert.Zero(t, run.PeakMetrics.SamplesCollected)
}
