// Package capture grabs the active screen into a file using an external
// utility (scrot by default).
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/cwmaguire/screenshot-mcp/internal/command"
)

// DefaultCommand captures the focused window.
const DefaultCommand = "scrot -u {output}"

// ErrNoOutput means the utility exited cleanly but wrote nothing.
var ErrNoOutput = errors.New("capture produced no image")

// Backend writes a capture of the active display to outputPath.
type Backend interface {
	Capture(ctx context.Context, outputPath string) error
}

// Error describes a failed capture command.
type Error struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("capture command %q failed", e.Command)
	if e.ExitCode > 0 {
		msg += fmt.Sprintf(" (exit=%d)", e.ExitCode)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// CommandBackend runs a command template with an {output} placeholder.
type CommandBackend struct {
	template string
	runner   command.Runner
	log      logrus.FieldLogger
}

// NewCommandBackend returns a backend for template. A nil runner uses
// command.ExecRunner with the default grace period.
func NewCommandBackend(template string, runner command.Runner, log logrus.FieldLogger) *CommandBackend {
	if template == "" {
		template = DefaultCommand
	}
	if runner == nil {
		runner = &command.ExecRunner{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &CommandBackend{template: template, runner: runner, log: log}
}

// Capture implements Backend.
func (b *CommandBackend) Capture(ctx context.Context, outputPath string) error {
	name, args, err := command.Expand(b.template, map[string]string{"output": outputPath})
	if err != nil {
		return err
	}
	line := command.Describe(name, args...)
	b.log.WithField("command", line).Debug("running capture")

	res, err := b.runner.Run(ctx, name, args...)
	if err != nil {
		return &Error{Command: line, ExitCode: res.ExitCode, Stderr: res.Stderr, Err: err}
	}

	info, err := os.Stat(outputPath)
	if err != nil || info.Size() == 0 {
		return &Error{Command: line, ExitCode: res.ExitCode, Stderr: res.Stderr, Err: ErrNoOutput}
	}
	return nil
}
