package analysis

import (
	"context"
	"errors"
	"fmt"
)

// Part is one content block of a conversation turn: text or an image.
type Part struct {
	Text     string
	Image    []byte
	MIMEType string
}

// Turn is one message of a caller-supplied conversation.
type Turn struct {
	Role  string
	Parts []Part
}

// Conversation is a free-form completion request, as sent by an MCP client
// through sampling/createMessage.
type Conversation struct {
	// System replaces the default system prompt when set.
	System      string
	Turns       []Turn
	MaxTokens   int
	Temperature *float64
}

// Completion is the model's reply to a Conversation.
type Completion struct {
	Text       string
	Model      string
	StopReason string
}

// Stop reasons reported on a Completion.
const (
	StopEndTurn   = "endTurn"
	StopMaxTokens = "maxTokens"
)

// Completer answers a free-form conversation.
type Completer interface {
	Complete(ctx context.Context, conv Conversation) (*Completion, error)
}

// Provider analyzes captures and answers free-form conversations.
type Provider interface {
	Client
	Completer
}

// Validate checks roles, content and the token budget.
func (c Conversation) Validate() error {
	if len(c.Turns) == 0 {
		return errors.New("messages must not be empty")
	}
	if c.MaxTokens <= 0 {
		return errors.New("maxTokens must be positive")
	}
	for i, t := range c.Turns {
		if t.Role != "user" && t.Role != "assistant" {
			return fmt.Errorf("messages[%d]: role must be 'user' or 'assistant', got %q", i, t.Role)
		}
		if len(t.Parts) == 0 {
			return fmt.Errorf("messages[%d]: content is empty", i)
		}
		for _, p := range t.Parts {
			if p.Text == "" && len(p.Image) == 0 {
				return fmt.Errorf("messages[%d]: empty content block", i)
			}
		}
	}
	return nil
}

// lastText is the most recent text block in the conversation.
func (c Conversation) lastText() string {
	for i := len(c.Turns) - 1; i >= 0; i-- {
		parts := c.Turns[i].Parts
		for j := len(parts) - 1; j >= 0; j-- {
			if parts[j].Text != "" {
				return parts[j].Text
			}
		}
	}
	return ""
}

// stopReason maps an OpenAI-style finish_reason.
func stopReason(finish string) string {
	if finish == "length" {
		return StopMaxTokens
	}
	return StopEndTurn
}
