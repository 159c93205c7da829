package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/h4x3rotab/docker-unpack-bench/internal/bench"
	"github.com/h4x3rotab/docker-unpack-bench/internal/config"
	"github.com/h4x3rotab/docker-unpack-bench/internal/containerd"
	"github.com/h4x3rotab/docker-unpack-bench/internal/execx"
	"github.com/h4x3rotab/docker-unpack-bench/internal/stats"
	"github.com/h4x3rotab/docker-unpack-bench/internal/store"
)

const historyDBName = "history.db"

func main() {
	var (
		cfgPath      = flag.String("config", "", "path to unpackbench.yaml")
		image        = flag.String("image", "", "target image reference (required)")
		runs         = flag.Int("runs", 0, "number of timed unpack runs")
		outputDir    = flag.String("output", "", "directory for report files")
		container    = flag.String("container", "", "container name monitored for resource peaks")
		cpuLimit     = flag.Float64("cpu-limit", -1, "CPU limit in cores recorded in the report (0 = unlimited)")
		memoryLimit  = flag.String("memory-limit", "", "memory limit size string recorded in the report (0 = unlimited)")
		statsBackend = flag.String("stats-backend", "", "stats backend: cli | api")
		noHistory    = flag.Bool("no-history", false, "skip writing the session to the history database")
		showHistory  = flag.Bool("history", false, "print recent sessions for the target image and exit")
		verbose      = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unpackbench: %v\n", err)
		os.Exit(1)
	}

	// Flags beat file and environment, but only when actually set.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "image":
			cfg.Image = *image
		case "runs":
			cfg.Runs = *runs
		case "output":
			cfg.OutputDir = *outputDir
		case "container":
			cfg.ContainerName = *container
		case "cpu-limit":
			cfg.CPULimit = *cpuLimit
		case "memory-limit":
			cfg.MemoryLimit = *memoryLimit
		case "stats-backend":
			cfg.StatsBackend = *statsBackend
		case "no-history":
			cfg.History = !*noHistory
		case "v":
			cfg.LogLevel = "debug"
		}
	})

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel, *verbose)}))

	if *showHistory {
		if err := printHistory(cfg); err != nil {
			logger.Error("history", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		logger.Error("create output directory", "dir", cfg.OutputDir, "error", err)
		os.Exit(1)
	}

	runner := &execx.Runner{}
	ctr := containerd.NewClient(runner, logger)

	provider, cleanup, err := newStatsProvider(cfg, runner)
	if err != nil {
		logger.Error("stats backend", "backend", cfg.StatsBackend, "error", err)
		os.Exit(1)
	}
	defer cleanup()

	newSampler := func() bench.Sampler {
		return stats.NewSampler(provider, time.Duration(cfg.PollIntervalMs)*time.Millisecond, logger)
	}

	// SIGINT/SIGTERM cancel the session; completed runs are still reported.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting unpack benchmark", "image", cfg.Image, "runs", cfg.Runs, "container", cfg.ContainerName)

	rep, err := bench.NewRunner(cfg, ctr, newSampler, logger).Run(ctx)
	if err != nil {
		logger.Error("benchmark session failed", "error", err)
		os.Exit(1)
	}

	jsonPath, err := bench.WriteJSON(cfg.OutputDir, rep)
	if err != nil {
		logger.Error("write report", "error", err)
		os.Exit(1)
	}
	logger.Info("report written", "path", jsonPath)

	if csvPath, err := bench.WriteCSV(cfg.OutputDir, rep); err != nil {
		logger.Warn("write csv summary", "error", err)
	} else {
		logger.Info("csv summary written", "path", csvPath)
	}

	if cfg.History {
		if err := saveHistory(cfg, rep); err != nil {
			logger.Warn("append history", "error", err)
		}
	}

	printSummary(rep)
}

func newStatsProvider(cfg *config.Config, runner *execx.Runner) (stats.Provider, func(), error) {
	switch cfg.StatsBackend {
	case config.StatsBackendAPI:
		p, err := stats.NewAPIProvider()
		if err != nil {
			return nil, nil, err
		}
		return p, func() { p.Close() }, nil
	default:
		return stats.NewCLIProvider(runner), func() {}, nil
	}
}

func saveHistory(cfg *config.Config, rep *bench.Report) error {
	st, err := store.Open(filepath.Join(cfg.OutputDir, historyDBName))
	if err != nil {
		return err
	}
	defer st.Close()
	return st.SaveSession(rep)
}

func printHistory(cfg *config.Config) error {
	st, err := store.Open(filepath.Join(cfg.OutputDir, historyDBName))
	if err != nil {
		return err
	}
	defer st.Close()

	sessions, err := st.RecentSessions(cfg.Image, 20)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no recorded sessions")
		return nil
	}

	fmt.Printf("%-36s  %-30s  %5s  %4s  %4s  %10s  %s\n",
		"SESSION", "IMAGE", "RUNS", "OK", "FAIL", "AVG (s)", "STARTED")
	for _, s := range sessions {
		avg := "-"
		if s.AvgDurationS != nil {
			avg = fmt.Sprintf("%.3f", *s.AvgDurationS)
		}
		fmt.Printf("%-36s  %-30s  %5d  %4d  %4d  %10s  %s\n",
			s.ID, s.Image, s.NumRuns, s.Successful, s.Failed, avg, s.StartedAt.Format(time.RFC3339))
	}
	return nil
}

func printSummary(rep *bench.Report) {
	fmt.Printf("\nBenchmark summary (%s)\n", rep.BenchmarkConfig.TargetImage)
	fmt.Printf("  runs: %d ok, %d failed\n", rep.Summary.SuccessfulRuns, rep.Summary.FailedRuns)
	if rep.Summary.AvgDurationSeconds != nil {
		fmt.Printf("  duration: avg=%.3fs min=%.3fs max=%.3fs\n",
			*rep.Summary.AvgDurationSeconds, *rep.Summary.MinDurationSeconds, *rep.Summary.MaxDurationSeconds)
	}

	var peakCPU, peakMem float64
	for _, r := range rep.Runs {
		if r.PeakMetrics.CPUPeakPercent > peakCPU {
			peakCPU = r.PeakMetrics.CPUPeakPercent
		}
		if r.PeakMetrics.MemoryPeakMB > peakMem {
			peakMem = r.PeakMetrics.MemoryPeakMB
		}
	}
	if peakCPU > 0 || peakMem > 0 {
		fmt.Printf("  peaks: cpu=%.1f%% mem=%.1fMB\n", peakCPU, peakMem)
	}
}

func logLevel(level string, verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
