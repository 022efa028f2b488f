package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/cwmaguire/screenshot-mcp/internal/pipeline"
)

// JSON-RPC error codes used by tools/call.
const (
	codeInvalidParams = -32602
	codeToolFailed    = -32000
)

// ToolCallParams represents the parameters for a tools/call MCP request.
type ToolCallParams struct {
	// Name is the tool to invoke (e.g., "take_screenshot").
	Name string `json:"name"`

	// Arguments contains the tool-specific parameters as JSON.
	Arguments json.RawMessage `json:"arguments"`
}

// ToolError is the data attached to a failed tools/call.
type ToolError struct {
	Kind     string              `json:"kind"`
	Message  string              `json:"message"`
	Stage    string              `json:"stage,omitempty"`
	TimedOut bool                `json:"timedOut,omitempty"`
	Quota    *pipeline.QuotaInfo `json:"quota,omitempty"`
}

// toolResult is a tool's successful output, rendered as MCP content blocks.
type toolResult struct {
	// image is a base64 PNG sent as an image block before the text block.
	image    string
	mimeType string
	payload  interface{}
}

// handleToolsCall processes a tools/call request and executes the specified tool.
//
// The response wraps the tool result in MCP's content format:
//
//	{
//	  "content": [{"type": "image", ...}, {"type": "text", "text": "<JSON result>"}]
//	}
//
// Tool failures return a JSON-RPC error with code -32000, or -32602 when the
// arguments were rejected.
func (s *Server) handleToolsCall(ctx context.Context, req *MCPRequest) *MCPResponse {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.errorResponse(req.ID, codeInvalidParams, "Invalid params", ToolError{
			Kind:    string(pipeline.KindInvalidRequest),
			Message: err.Error(),
		})
	}

	result, err := s.executeTool(ctx, params.Name, params.Arguments)
	if err != nil {
		return s.toolErrorResponse(req.ID, params.Name, err)
	}

	content := make([]map[string]interface{}, 0, 2)
	if result.image != "" {
		content = append(content, map[string]interface{}{
			"type":     "image",
			"data":     result.image,
			"mimeType": result.mimeType,
		})
	}
	content = append(content, map[string]interface{}{
		"type": "text",
		"text": mustMarshalJSON(result.payload),
	})

	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"content": content,
		},
	}
}

// executeTool dispatches tool execution to the appropriate handler function.
func (s *Server) executeTool(ctx context.Context, name string, args json.RawMessage) (*toolResult, error) {
	switch name {
	case toolTakeScreenshot:
		return s.handleTakeScreenshot(ctx, args)
	case toolQuotaStatus:
		return s.handleQuotaStatus(ctx)
	default:
		return nil, &pipeline.Error{
			Kind:    pipeline.KindInvalidRequest,
			Stage:   pipeline.StageValidate,
			Message: fmt.Sprintf("unknown tool: %s", name),
		}
	}
}

func (s *Server) toolErrorResponse(id interface{}, tool string, err error) *MCPResponse {
	var pe *pipeline.Error
	if !errors.As(err, &pe) {
		pe = &pipeline.Error{Kind: pipeline.KindInternal, Message: "internal error", Err: err}
	}

	data := ToolError{Kind: string(pe.Kind), Message: pe.Message}
	if pe.Kind == pipeline.KindInternal {
		// details stay in the log
		data.Message = "internal error"
		s.log.WithError(err).WithField("tool", tool).Error("tool failed with internal error")
	} else {
		data.Stage = pe.Stage
		data.TimedOut = pe.TimedOut
		data.Quota = pe.Quota
	}

	if pe.Kind == pipeline.KindInvalidRequest {
		return s.errorResponse(id, codeInvalidParams, "Invalid params", data)
	}
	return s.errorResponse(id, codeToolFailed, "Tool execution failed", data)
}

// errorResponse creates a JSON-RPC error response with the given details.
func (s *Server) errorResponse(id interface{}, code int, message string, data interface{}) *MCPResponse {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &MCPError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

// mustMarshalJSON converts a value to pretty-printed JSON string.
// Panics are suppressed; on marshal failure, returns an empty string.
func mustMarshalJSON(v interface{}) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

// === Tool Handlers ===

type takeScreenshotArgs struct {
	Mode     string `json:"mode"`
	Question string `json:"question"`
}

// ScreenshotOutput is the JSON text block returned by take_screenshot.
type ScreenshotOutput struct {
	Image         string              `json:"image"`
	OCRText       string              `json:"ocrText"`
	OCRError      string              `json:"ocrError,omitempty"`
	Analysis      string              `json:"analysis,omitempty"`
	AnalysisError string              `json:"analysisError,omitempty"`
	Detail        string              `json:"analysisErrorDetail,omitempty"`
	Width         int                 `json:"width"`
	Height        int                 `json:"height"`
	Blank         bool                `json:"blank,omitempty"`
	Quota         *pipeline.QuotaInfo `json:"quota,omitempty"`
	Timings       map[string]int64    `json:"timings"`
	RunID         string              `json:"runId"`
	RetainedPaths []string            `json:"retainedPaths,omitempty"`
}

func (s *Server) handleTakeScreenshot(ctx context.Context, args json.RawMessage) (*toolResult, error) {
	var a takeScreenshotArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, &pipeline.Error{
				Kind:    pipeline.KindInvalidRequest,
				Stage:   pipeline.StageValidate,
				Message: fmt.Sprintf("invalid arguments: %v", err),
				Err:     err,
			}
		}
	}

	res, err := s.runner.Run(ctx, pipeline.Request{Mode: a.Mode, Question: a.Question})
	if err != nil {
		return nil, err
	}

	encoded := base64.StdEncoding.EncodeToString(res.Image)
	out := ScreenshotOutput{
		Image:         encoded,
		OCRText:       res.OCRText,
		Width:         res.Width,
		Height:        res.Height,
		Blank:         res.Blank,
		Quota:         res.Quota,
		Timings:       timingsMillis(res.Timings),
		RunID:         res.RunID,
		RetainedPaths: res.RetainedPaths,
	}
	if res.OCRError != nil {
		out.OCRError = res.OCRError.Error()
	}
	if res.HasAnalysis {
		out.Analysis = res.Analysis
	}
	if res.AnalysisError != nil {
		out.AnalysisError = string(res.AnalysisError.Kind)
		out.Detail = res.AnalysisError.Message
	}

	s.log.WithFields(logrus.Fields{
		"run_id":   res.RunID,
		"degraded": res.Degraded(),
	}).Debug("take_screenshot complete")

	return &toolResult{image: encoded, mimeType: res.MIMEType, payload: out}, nil
}

func timingsMillis(t pipeline.Timings) map[string]int64 {
	return map[string]int64{
		"captureMs":    t.Capture.Milliseconds(),
		"processingMs": t.Processing.Milliseconds(),
		"ocrMs":        t.OCR.Milliseconds(),
		"analysisMs":   t.Analysis.Milliseconds(),
		"totalMs":      t.Total.Milliseconds(),
	}
}

// QuotaStatus is the quota_status tool output.
type QuotaStatus struct {
	Date      string `json:"date"`
	Count     int    `json:"count"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	Exhausted bool   `json:"exhausted"`
}

func (s *Server) handleQuotaStatus(ctx context.Context) (*toolResult, error) {
	d, err := s.quota.Check(ctx)
	if err != nil {
		return nil, err
	}
	return &toolResult{payload: QuotaStatus{
		Date:      d.Date,
		Count:     d.Count,
		Limit:     d.Limit,
		Remaining: d.Remaining,
		Exhausted: d.Exhausted,
	}}, nil
}
