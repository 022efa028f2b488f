// Package command runs external utilities (the screen grabber, tesseract)
// bound to a context. When the context ends the process gets SIGTERM, and is
// killed if it has not exited after a grace period.
package command

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// DefaultGracePeriod is how long a process has to exit after SIGTERM.
const DefaultGracePeriod = 5 * time.Second

// Result is the outcome of one process execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner abstracts process execution for testability.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner executes commands via os/exec.
type ExecRunner struct {
	// GracePeriod between SIGTERM and SIGKILL. Zero means DefaultGracePeriod.
	GracePeriod time.Duration
}

// Run executes one command and captures stdout/stderr and exit code. If ctx
// ends first the returned error wraps ctx.Err().
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	grace := r.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = grace

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: 0,
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, errors.Join(ctxErr, err)
		}
		return result, err
	}

	return result, nil
}

// Expand splits a command template on whitespace and substitutes
// placeholders such as "{output}" in each field.
func Expand(template string, vars map[string]string) (name string, args []string, err error) {
	fields := strings.Fields(template)
	if len(fields) == 0 {
		return "", nil, errors.New("command: empty template")
	}
	for i, f := range fields {
		for k, v := range vars {
			f = strings.ReplaceAll(f, "{"+k+"}", v)
		}
		fields[i] = f
	}
	return fields[0], fields[1:], nil
}

// Describe renders a command line for logs.
func Describe(name string, args ...string) string {
	return strings.TrimSpace(name + " " + strings.Join(args, " "))
}
