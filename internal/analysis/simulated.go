package analysis

import (
	"context"
	"errors"
)

// SimulatedClient answers without calling any API. It is used when no API
// key is configured so the rest of the pipeline can still be exercised.
type SimulatedClient struct{}

// Analyze implements Client.
func (SimulatedClient) Analyze(ctx context.Context, in Input) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(in.Image) == 0 {
		return "", errors.New("analysis: empty image")
	}
	prompts := BuildPrompts(in)
	replies := make([]string, len(prompts))
	for i, p := range prompts {
		replies[i] = simulatedReply(p.Text)
	}
	return combine(prompts, replies), nil
}

// Complete implements Completer. It echoes the latest text block.
func (SimulatedClient) Complete(ctx context.Context, conv Conversation) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := conv.Validate(); err != nil {
		return nil, err
	}
	return &Completion{
		Text:       simulatedReply(conv.lastText()),
		Model:      simulatedModel,
		StopReason: StopEndTurn,
	}, nil
}

const simulatedModel = "simulated"

func simulatedReply(prompt string) string {
	if r := []rune(prompt); len(r) > 100 {
		prompt = string(r[:100])
	}
	return "Simulated Grok response to: " + prompt + "..."
}
