package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/h4x3rotab/docker-unpack-bench/internal/execx"
)

// Runner executes external commands (see execx.Runner).
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, name string, args ...string) (*execx.Result, error)
}

// CLIProvider samples via `docker stats --no-stream --format json`, the
// line-delimited structured contract of the docker CLI.
type CLIProvider struct {
	binary string
	run    Runner
}

func NewCLIProvider(run Runner) *CLIProvider {
	return &CLIProvider{binary: "docker", run: run}
}

// cliStatsLine is one JSON record from `docker stats --format json`.
// All fields arrive as display strings ("12.34%", "150.1MiB / 31.33GiB").
type cliStatsLine struct {
	CPUPerc  string `json:"CPUPerc"`
	MemUsage string `json:"MemUsage"`
	PIDs     string `json:"PIDs"`
}

func (p *CLIProvider) Sample(ctx context.Context, name string) (Sample, error) {
	res, err := p.run.Run(ctx, 0, p.binary, "stats", name, "--no-stream", "--format", "json")
	if err != nil {
		var execErr *execx.ExecError
		if errors.As(err, &execErr) && strings.Contains(execErr.Stderr, "No such container") {
			return Sample{}, ErrNotRunning
		}
		return Sample{}, err
	}

	line := strings.TrimSpace(res.Stdout)
	if line == "" {
		return Sample{}, ErrNotRunning
	}

	var raw cliStatsLine
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Sample{}, fmt.Errorf("parse docker stats output: %w", err)
	}
	return parseCLISample(raw)
}

func parseCLISample(raw cliStatsLine) (Sample, error) {
	cpu, err := parsePercent(raw.CPUPerc)
	if err != nil {
		return Sample{}, fmt.Errorf("cpu %q: %w", raw.CPUPerc, err)
	}
	mem, err := parseMemUsage(raw.MemUsage)
	if err != nil {
		return Sample{}, fmt.Errorf("memory %q: %w", raw.MemUsage, err)
	}
	pids, err := strconv.Atoi(strings.TrimSpace(raw.PIDs))
	if err != nil {
		return Sample{}, fmt.Errorf("pids %q: %w", raw.PIDs, err)
	}
	return Sample{CPUPercent: cpu, MemoryMB: mem, PIDs: pids}, nil
}

func parsePercent(v string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(v), "%"), 64)
}

// parseMemUsage reads the usage half of "150.1MiB / 31.33GiB" into MiB.
func parseMemUsage(v string) (float64, error) {
	used, _, _ := strings.Cut(v, " / ")
	b, err := units.RAMInBytes(strings.TrimSpace(used))
	if err != nil {
		return 0, err
	}
	return float64(b) / units.MiB, nil
}
