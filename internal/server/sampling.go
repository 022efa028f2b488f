package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cwmaguire/screenshot-mcp/internal/analysis"
	"github.com/cwmaguire/screenshot-mcp/internal/pipeline"
)

// Sampler answers sampling/createMessage requests.
type Sampler interface {
	Sample(ctx context.Context, conv analysis.Conversation) (*analysis.Completion, error)
}

// SamplingParams are the sampling/createMessage parameters.
type SamplingParams struct {
	Messages     []SamplingMessage `json:"messages"`
	SystemPrompt string            `json:"systemPrompt,omitempty"`
	MaxTokens    int               `json:"maxTokens"`
	Temperature  *float64          `json:"temperature,omitempty"`
}

// SamplingMessage is one conversation turn. Content may be a single block
// or a list of blocks.
type SamplingMessage struct {
	Role    string          `json:"role"`
	Content SamplingContent `json:"content"`
}

// SamplingContent is a text or image block.
type SamplingContent []ContentBlock

// ContentBlock is an MCP text or image content block.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
}

// UnmarshalJSON accepts both a single block and an array of blocks.
func (c *SamplingContent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var blocks []ContentBlock
		if err := json.Unmarshal(data, &blocks); err != nil {
			return err
		}
		*c = blocks
		return nil
	}
	var block ContentBlock
	if err := json.Unmarshal(data, &block); err != nil {
		return err
	}
	*c = SamplingContent{block}
	return nil
}

// conversation converts the wire form, decoding image data.
func (p SamplingParams) conversation() (analysis.Conversation, error) {
	conv := analysis.Conversation{
		System:      p.SystemPrompt,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
	}
	for i, m := range p.Messages {
		turn := analysis.Turn{Role: m.Role}
		for _, b := range m.Content {
			switch b.Type {
			case "text":
				turn.Parts = append(turn.Parts, analysis.Part{Text: b.Text})
			case "image":
				img, err := base64.StdEncoding.DecodeString(b.Data)
				if err != nil {
					return conv, fmt.Errorf("messages[%d]: invalid image data: %w", i, err)
				}
				turn.Parts = append(turn.Parts, analysis.Part{Image: img, MIMEType: b.MIMEType})
			default:
				return conv, fmt.Errorf("messages[%d]: unsupported content type %q", i, b.Type)
			}
		}
		conv.Turns = append(conv.Turns, turn)
	}
	return conv, conv.Validate()
}

func (s *Server) handleSamplingCreateMessage(ctx context.Context, req *MCPRequest) *MCPResponse {
	if s.sampler == nil {
		return s.errorResponse(req.ID, -32601, "Method not found: "+req.Method, nil)
	}

	var params SamplingParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.errorResponse(req.ID, codeInvalidParams, "Invalid params", err.Error())
	}
	conv, err := params.conversation()
	if err != nil {
		return s.errorResponse(req.ID, codeInvalidParams, "Invalid params", err.Error())
	}

	out, err := s.sampler.Sample(ctx, conv)
	if err != nil {
		var pe *pipeline.Error
		if errors.As(err, &pe) && pe.Kind == pipeline.KindInvalidRequest {
			return s.errorResponse(req.ID, codeInvalidParams, "Invalid params", pe.Message)
		}
		return s.toolErrorResponse(req.ID, "sampling/createMessage", err)
	}

	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"role":       "assistant",
			"content":    ContentBlock{Type: "text", Text: out.Text},
			"model":      out.Model,
			"stopReason": out.StopReason,
		},
	}
}
