// Package analysis sends a processed capture to a vision-capable chat model
// and returns its description of the screen or its answer to a question.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Mode selects what the model is asked for.
type Mode string

const (
	ModeDescription Mode = "description"
	ModeQuestion    Mode = "question"
	ModeBoth        Mode = "both"
)

// ParseMode validates a mode string. Empty means ModeDescription.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.TrimSpace(s)); m {
	case "":
		return ModeDescription, nil
	case ModeDescription, ModeQuestion, ModeBoth:
		return m, nil
	default:
		return "", fmt.Errorf("invalid mode %q: must be 'description', 'question', or 'both'", s)
	}
}

// NeedsQuestion reports whether the mode requires a question.
func (m Mode) NeedsQuestion() bool {
	return m == ModeQuestion || m == ModeBoth
}

// ErrQuotaExhausted means the provider refused the call because the
// account's credits or tokens are used up.
var ErrQuotaExhausted = errors.New("analysis provider quota exhausted")

// Input is one analysis request.
type Input struct {
	Image    []byte
	MIMEType string
	OCRText  string
	Mode     Mode
	Question string
}

// Client analyzes a capture.
type Client interface {
	Analyze(ctx context.Context, in Input) (string, error)
}

// APIError is a non-success HTTP response from the provider.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.StatusCode, truncate(strings.TrimSpace(e.Body), maxErrorText))
}

const maxErrorText = 300

// truncate shortens s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := 0
	for i := range s {
		if i > n {
			break
		}
		cut = i
	}
	return s[:cut] + "..."
}

// Config selects and configures a client.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// New returns an xAI client, or a SimulatedClient when no API key is set.
func New(cfg Config) Provider {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return SimulatedClient{}
	}
	return NewXAIClient(cfg.APIKey, cfg.BaseURL, cfg.Model, nil)
}
