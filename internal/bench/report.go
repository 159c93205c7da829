package bench

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Run outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// The report layout below is an external contract: field names and nesting
// are consumed by downstream analysis tooling and must not change.

type SessionConfig struct {
	SessionID   string    `json:"session_id"`
	TargetImage string    `json:"target_image"`
	NumRuns     int       `json:"num_runs"`
	Timestamp   time.Time `json:"timestamp"`
	CPULimit    float64   `json:"cpu_limit"`
	MemoryLimit string    `json:"memory_limit"`
}

type PeakMetrics struct {
	CPUPeakPercent   float64 `json:"cpu_peak_percent"`
	MemoryPeakMB     float64 `json:"memory_peak_mb"`
	PIDPeakCount     int     `json:"pid_peak_count"`
	SamplesCollected int     `json:"samples_collected"`
}

type RunResult struct {
	RunID           int         `json:"run_id"`
	Outcome         string      `json:"outcome"`
	Error           string      `json:"error,omitempty"`
	DurationSeconds float64     `json:"duration_seconds"`
	PeakMetrics     PeakMetrics `json:"peak_metrics"`
}

// Summary duration fields are pointers: with zero successful runs they
// serialize as null, never as a misleading 0.
type Summary struct {
	SuccessfulRuns     int      `json:"successful_runs"`
	FailedRuns         int      `json:"failed_runs"`
	AvgDurationSeconds *float64 `json:"avg_duration_seconds"`
	MinDurationSeconds *float64 `json:"min_duration_seconds"`
	MaxDurationSeconds *float64 `json:"max_duration_seconds"`
}

type Report struct {
	BenchmarkConfig SessionConfig `json:"benchmark_config"`
	Summary         Summary       `json:"summary"`
	Runs            []RunResult   `json:"runs"`
}

// Summarize computes session statistics from the recorded runs. Averages
// cover successful runs only; it is a pure function of its input.
func Summarize(runs []RunResult) Summary {
	var s Summary
	var durations []float64
	for _, r := range runs {
		if r.Outcome == OutcomeSuccess {
			s.SuccessfulRuns++
			durations = append(durations, r.DurationSeconds)
		} else {
			s.FailedRuns++
		}
	}
	if len(durations) == 0 {
		return s
	}

	sum, lo, hi := 0.0, durations[0], durations[0]
	for _, d := range durations {
		sum += d
		if d < lo {
			lo = d
		}
		if d > hi {
			hi = d
		}
	}
	avg := sum / float64(len(durations))
	s.AvgDurationSeconds = &avg
	s.MinDurationSeconds = &lo
	s.MaxDurationSeconds = &hi
	return s
}

// WriteJSON writes the session report to dir and returns the file path.
func WriteJSON(dir string, rep *Report) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating results directory: %w", err)
	}
	path := filepath.Join(dir, reportFileName(rep, "json"))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating report file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return "", fmt.Errorf("writing report: %w", err)
	}
	return path, nil
}

// WriteCSV writes a one-row flat summary next to the JSON report, the shape
// spreadsheet comparisons of many sessions want.
func WriteCSV(dir string, rep *Report) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating results directory: %w", err)
	}
	path := filepath.Join(dir, reportFileName(rep, "csv"))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating csv file: %w", err)
	}
	defer f.Close()

	var peakCPU, peakMem float64
	var peakPIDs int
	for _, r := range rep.Runs {
		if r.Outcome != OutcomeSuccess {
			continue
		}
		if r.PeakMetrics.CPUPeakPercent > peakCPU {
			peakCPU = r.PeakMetrics.CPUPeakPercent
		}
		if r.PeakMetrics.MemoryPeakMB > peakMem {
			peakMem = r.PeakMetrics.MemoryPeakMB
		}
		if r.PeakMetrics.PIDPeakCount > peakPIDs {
			peakPIDs = r.PeakMetrics.PIDPeakCount
		}
	}

	w := csv.NewWriter(f)
	records := [][]string{
		{
			"timestamp", "target_image", "num_runs", "cpu_limit", "memory_limit",
			"successful_runs", "failed_runs",
			"avg_duration_seconds", "min_duration_seconds", "max_duration_seconds",
			"peak_cpu_percent", "peak_memory_mb", "peak_pid_count",
		},
		{
			rep.BenchmarkConfig.Timestamp.Format(time.RFC3339),
			rep.BenchmarkConfig.TargetImage,
			strconv.Itoa(rep.BenchmarkConfig.NumRuns),
			formatFloat(rep.BenchmarkConfig.CPULimit),
			rep.BenchmarkConfig.MemoryLimit,
			strconv.Itoa(rep.Summary.SuccessfulRuns),
			strconv.Itoa(rep.Summary.FailedRuns),
			formatFloatPtr(rep.Summary.AvgDurationSeconds),
			formatFloatPtr(rep.Summary.MinDurationSeconds),
			formatFloatPtr(rep.Summary.MaxDurationSeconds),
			formatFloat(peakCPU),
			formatFloat(peakMem),
			strconv.Itoa(peakPIDs),
		},
	}
	if err := w.WriteAll(records); err != nil {
		return "", fmt.Errorf("writing csv: %w", err)
	}
	return path, nil
}

func reportFileName(rep *Report, ext string) string {
	ts := rep.BenchmarkConfig.Timestamp.UTC().Format("20060102-150405")
	return fmt.Sprintf("benchmark_%s_%s.%s", slugify(rep.BenchmarkConfig.TargetImage), ts, ext)
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9_.-]+`)

func slugify(image string) string {
	s := strings.ToLower(image)
	s = strings.ReplaceAll(s, ":", "_")
	s = slugUnsafe.ReplaceAllString(s, "-")
	return strings.Trim(s, "-_")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatFloatPtr(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}
