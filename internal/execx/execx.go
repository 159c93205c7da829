// Package execx runs external runtime commands synchronously and captures
// their exit status, output, and wall time.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Result is what a finished (or failed) command leaves behind. WallTime is
// always populated, even on failure, so callers can attribute elapsed time
// to runs that did not succeed.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	WallTime time.Duration
}

// ExecError reports a command that ran to completion with a non-zero exit.
type ExecError struct {
	Cmd      string
	ExitCode int
	Stderr   string
}

func (e *ExecError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s exited with code %d", e.Cmd, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Cmd, e.ExitCode, e.Stderr)
}

// Runner executes external commands. The zero value is ready to use.
type Runner struct{}

// Run executes name with args and waits for it to finish. A timeout of 0
// means the command is bounded only by ctx. On non-zero exit the returned
// error is an *ExecError and the Result is still valid; on timeout or
// cancellation the error wraps the context error.
func (r *Runner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (*Result, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		WallTime: time.Since(start),
	}

	if err == nil {
		return res, nil
	}

	res.ExitCode = -1
	if ctxErr := runCtx.Err(); ctxErr != nil {
		return res, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, &ExecError{
			Cmd:      name + " " + strings.Join(args, " "),
			ExitCode: res.ExitCode,
			Stderr:   strings.TrimSpace(res.Stderr),
		}
	}

	return res, fmt.Errorf("%s: %w", name, err)
}
