package server

const (
	toolTakeScreenshot = "take_screenshot"
	toolQuotaStatus    = "quota_status"
)

// Tool represents an MCP tool definition
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// GetToolDefinitions returns all available tools
func GetToolDefinitions() []Tool {
	return []Tool{
		{
			Name:        toolTakeScreenshot,
			Description: "Capture a screenshot of the currently active GUI window, extract text via OCR, and optionally analyze with Grok-4 AI.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"mode": map[string]interface{}{
						"type":        "string",
						"enum":        []string{"description", "question", "both"},
						"default":     "description",
						"description": "Analysis mode: 'description' for detailed description, 'question' for answering a specific question, 'both' for both.",
					},
					"question": map[string]interface{}{
						"type":        "string",
						"description": "Question to ask about the screenshot (required if mode is 'question' or 'both').",
					},
				},
			},
		},
		{
			Name:        toolQuotaStatus,
			Description: "Report today's analysis quota: calls used, the daily limit, calls remaining and whether the provider has reported its credits exhausted.",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
	}
}

// handleToolsList returns the list of available tools
func (s *Server) handleToolsList(req *MCPRequest) *MCPResponse {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"tools": GetToolDefinitions(),
		},
	}
}
