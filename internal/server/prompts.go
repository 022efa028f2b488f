package server

import (
	"encoding/json"
	"fmt"
)

// Prompt is an MCP prompt template.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument describes one prompt parameter.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// PromptMessage is one message of a rendered prompt.
type PromptMessage struct {
	Role    string        `json:"role"`
	Content PromptContent `json:"content"`
}

// PromptContent is the text body of a prompt message.
type PromptContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

const defaultFocusArea = "general"

// GetPromptDefinitions returns the prompts offered to clients.
func GetPromptDefinitions() []Prompt {
	return []Prompt{
		{
			Name:        "screenshot_analysis",
			Description: "Analyze a screenshot for UI elements, text content, and overall description.",
			Arguments: []PromptArgument{
				{
					Name:        "focus_area",
					Description: "Specific area to focus on (e.g., 'buttons', 'text', 'layout')",
				},
			},
		},
		{
			Name:        "code_review_screenshot",
			Description: "Review code visible in a screenshot for potential issues or improvements.",
		},
	}
}

// renderPrompt fills in a prompt's messages.
func renderPrompt(name string, args map[string]string) (string, []PromptMessage, error) {
	var user, assistant, description string
	switch name {
	case "screenshot_analysis":
		focus := args["focus_area"]
		if focus == "" {
			focus = defaultFocusArea
		}
		description = fmt.Sprintf("Screenshot analysis focusing on %s", focus)
		user = fmt.Sprintf("Analyze this screenshot focusing on %s. Describe the UI elements, text content, and overall layout.", focus)
		assistant = "I'll analyze the screenshot based on the provided image and focus area."
	case "code_review_screenshot":
		description = "Code review of a screenshot"
		user = "Review the code visible in this screenshot. Identify any potential issues, bugs, or improvements."
		assistant = "I'll review the code in the screenshot for quality and potential issues."
	default:
		return "", nil, fmt.Errorf("unknown prompt: %s", name)
	}
	return description, []PromptMessage{
		{Role: "user", Content: PromptContent{Type: "text", Text: user}},
		{Role: "assistant", Content: PromptContent{Type: "text", Text: assistant}},
	}, nil
}

func (s *Server) handlePromptsList(req *MCPRequest) *MCPResponse {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"prompts": GetPromptDefinitions(),
		},
	}
}

func (s *Server) handlePromptsGet(req *MCPRequest) *MCPResponse {
	var params struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.errorResponse(req.ID, codeInvalidParams, "Invalid params", err.Error())
	}

	description, messages, err := renderPrompt(params.Name, params.Arguments)
	if err != nil {
		return s.errorResponse(req.ID, codeInvalidParams, "Invalid params", err.Error())
	}
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"description": description,
			"messages":    messages,
		},
	}
}
