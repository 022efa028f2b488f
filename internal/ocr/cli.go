package ocr

import (
	"context"
	"fmt"
	"strings"

	"github.com/cwmaguire/screenshot-mcp/internal/command"
)

// CLIEngine runs `tesseract <image> stdout -l <lang>`.
type CLIEngine struct {
	binary string
	runner command.Runner
}

// NewCLIEngine returns an engine running binary ("tesseract" if empty).
func NewCLIEngine(binary string, runner command.Runner) *CLIEngine {
	if binary == "" {
		binary = "tesseract"
	}
	if runner == nil {
		runner = &command.ExecRunner{}
	}
	return &CLIEngine{binary: binary, runner: runner}
}

// Name implements Engine.
func (c *CLIEngine) Name() string { return "tesseract-cli" }

// Recognize implements Engine.
func (c *CLIEngine) Recognize(ctx context.Context, imagePath, language string) (string, error) {
	res, err := c.runner.Run(ctx, c.binary, imagePath, "stdout", "-l", language)
	if err != nil {
		if stderr := strings.TrimSpace(res.Stderr); stderr != "" {
			return "", fmt.Errorf("%s (exit=%d): %s: %w", c.binary, res.ExitCode, stderr, err)
		}
		return "", fmt.Errorf("%s (exit=%d): %w", c.binary, res.ExitCode, err)
	}
	return res.Stdout, nil
}
