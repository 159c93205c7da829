// Package containerd wraps the ctr CLI. The runtime is treated as an
// external command-execution service: pulls, snapshot queries, and snapshot
// removal all go through the binary, never an in-process client.
package containerd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/h4x3rotab/docker-unpack-bench/internal/execx"
)

const (
	// PredownloadTimeout bounds the one-time content fetch, which includes
	// network transfer of every layer.
	PredownloadTimeout = 10 * time.Minute
	// UnpackTimeout bounds a single timed unpack (content already local).
	UnpackTimeout = 5 * time.Minute

	probeTimeout = 5 * time.Second
)

// Runner executes external commands (see execx.Runner).
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, name string, args ...string) (*execx.Result, error)
}

type Client struct {
	binary string
	run    Runner
	logger *slog.Logger

	// Readiness probe schedule. Overridable in tests.
	ReadyAttempts int
	ReadyInterval time.Duration
}

func NewClient(run Runner, logger *slog.Logger) *Client {
	return &Client{
		binary:        "ctr",
		run:           run,
		logger:        logger,
		ReadyAttempts: 30,
		ReadyInterval: time.Second,
	}
}

// WaitReady polls `ctr version` until the daemon answers or the attempt
// budget is exhausted. Never becoming ready is fatal to the session.
func (c *Client) WaitReady(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= c.ReadyAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := c.run.Run(ctx, probeTimeout, c.binary, "version")
		if err == nil {
			c.logger.Info("containerd ready", "attempts", attempt)
			return nil
		}
		lastErr = err
		c.logger.Debug("containerd not ready yet", "attempt", attempt, "error", err)

		if attempt < c.ReadyAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.ReadyInterval):
			}
		}
	}
	return fmt.Errorf("containerd not ready after %d attempts: %w", c.ReadyAttempts, lastErr)
}

// Pull fetches and unpacks image. With the content store already populated
// and snapshots cleared this is a pure extraction; the returned wall time is
// the measured duration regardless of outcome.
func (c *Client) Pull(ctx context.Context, image string, timeout time.Duration) (time.Duration, error) {
	res, err := c.run.Run(ctx, timeout, c.binary, "image", "pull", image)
	var wall time.Duration
	if res != nil {
		wall = res.WallTime
	}
	if err != nil {
		return wall, fmt.Errorf("pull %s: %w", image, err)
	}
	return wall, nil
}

// ListSnapshots returns the keys of every snapshot known to the default
// snapshotter. `ctr snapshots list` has no quiet flag; the key is the first
// column after the header line.
func (c *Client) ListSnapshots(ctx context.Context) ([]string, error) {
	res, err := c.run.Run(ctx, probeTimeout, c.binary, "snapshots", "list")
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	var keys []string
	for i, line := range lines {
		if i == 0 {
			continue // header
		}
		fields := strings.Fields(line)
		if len(fields) > 0 {
			keys = append(keys, fields[0])
		}
	}
	return keys, nil
}

// RemoveSnapshot removes one snapshot. A snapshot that is already gone is
// not an error.
func (c *Client) RemoveSnapshot(ctx context.Context, key string) error {
	_, err := c.run.Run(ctx, probeTimeout, c.binary, "snapshots", "rm", key)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("remove snapshot %s: %w", key, err)
	}
	return nil
}

// RemoveImage drops the image metadata so the next pull re-unpacks. Missing
// image metadata is not an error.
func (c *Client) RemoveImage(ctx context.Context, image string) error {
	_, err := c.run.Run(ctx, probeTimeout, c.binary, "image", "rm", image)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("remove image %s: %w", image, err)
	}
	return nil
}

// ClearSnapshots removes every unpacked snapshot plus the image metadata,
// forcing the next pull to re-extract. The content store is untouched, so
// extraction stays cold while the download stays warm. Idempotent: an
// empty snapshot set succeeds trivially.
func (c *Client) ClearSnapshots(ctx context.Context, image string) error {
	keys, err := c.ListSnapshots(ctx)
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		c.logger.Info("clearing snapshots", "count", len(keys))
	}
	for _, key := range keys {
		if err := c.RemoveSnapshot(ctx, key); err != nil {
			return err
		}
	}
	return c.RemoveImage(ctx, image)
}

func isNotFound(err error) bool {
	var execErr *execx.ExecError
	if !errors.As(err, &execErr) {
		return false
	}
	return strings.Contains(execErr.Stderr, "not found") ||
		strings.Contains(execErr.Stderr, "does not exist")
}
