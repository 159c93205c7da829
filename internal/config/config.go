package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Stats backends. The CLI backend shells out to `docker stats`; the API
// backend talks to the daemon directly over the Docker SDK.
const (
	StatsBackendCLI = "cli"
	StatsBackendAPI = "api"
)

type Config struct {
	// Image is the target image reference whose unpack phase is measured.
	Image string `yaml:"image"`
	// Runs is the number of timed unpack iterations. Zero or negative
	// produces an empty result set rather than an error.
	Runs int `yaml:"runs"`
	// OutputDir receives the per-session report files and the history DB.
	OutputDir string `yaml:"output_dir"`
	// ContainerName is the running entity monitored for resource peaks
	// (the privileged container hosting containerd in the usual setup).
	ContainerName string `yaml:"container_name"`

	// CPULimit and MemoryLimit describe the resource caps applied to the
	// benchmark environment. They are recorded in the report for analysis;
	// 0 / "0" means unlimited.
	CPULimit    float64 `yaml:"cpu_limit"`
	MemoryLimit string  `yaml:"memory_limit"`

	StatsBackend   string `yaml:"stats_backend"`
	PollIntervalMs int    `yaml:"poll_interval_ms"`

	// History controls whether completed sessions are appended to the
	// sqlite history under OutputDir.
	History bool `yaml:"history"`

	LogLevel string `yaml:"log_level"`
}

func Default() *Config {
	return &Config{
		Runs:           5,
		OutputDir:      "./results",
		ContainerName:  "unpack-bench",
		CPULimit:       0,
		MemoryLimit:    "0",
		StatsBackend:   StatsBackendCLI,
		PollIntervalMs: 100,
		History:        true,
		LogLevel:       "info",
	}
}

// Load builds a Config from defaults, an optional YAML file, and
// UNPACKBENCH_* environment overrides, in that order. A missing file is
// not an error.
func Load(yamlPath string) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Image) == "" {
		return fmt.Errorf("target image is required")
	}
	if strings.TrimSpace(c.ContainerName) == "" {
		return fmt.Errorf("container name is required")
	}
	if c.PollIntervalMs <= 0 {
		return fmt.Errorf("poll_interval_ms must be positive, got %d", c.PollIntervalMs)
	}
	if c.StatsBackend != StatsBackendCLI && c.StatsBackend != StatsBackendAPI {
		return fmt.Errorf("stats_backend must be %q or %q, got %q", StatsBackendCLI, StatsBackendAPI, c.StatsBackend)
	}
	if c.CPULimit < 0 {
		return fmt.Errorf("cpu_limit must not be negative")
	}
	if v := strings.TrimSpace(c.MemoryLimit); v != "" && v != "0" {
		if _, err := units.RAMInBytes(v); err != nil {
			return fmt.Errorf("memory_limit %q: %w", c.MemoryLimit, err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("UNPACKBENCH_IMAGE"); v != "" {
		cfg.Image = v
	}
	if v := os.Getenv("UNPACKBENCH_RUNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Runs = n
		}
	}
	if v := os.Getenv("UNPACKBENCH_OUTPUT_DIR"); v != "" {
		cfg.OutputDir = v
	}
	if v := os.Getenv("UNPACKBENCH_CONTAINER"); v != "" {
		cfg.ContainerName = v
	}
	if v := os.Getenv("UNPACKBENCH_CPU_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.CPULimit = f
		}
	}
	if v := os.Getenv("UNPACKBENCH_MEMORY_LIMIT"); v != "" {
		cfg.MemoryLimit = v
	}
	if v := os.Getenv("UNPACKBENCH_STATS_BACKEND"); v != "" {
		cfg.StatsBackend = v
	}
	if v := os.Getenv("UNPACKBENCH_POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollIntervalMs = n
		}
	}
	if v := os.Getenv("UNPACKBENCH_HISTORY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.History = b
		}
	}
	if v := os.Getenv("UNPACKBENCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
