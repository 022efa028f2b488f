package server

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/cwmaguire/screenshot-mcp/internal/analysis"
	"github.com/cwmaguire/screenshot-mcp/internal/pipeline"
)

type fakeSampler struct {
	got []analysis.Conversation
	out *analysis.Completion
	err error
}

func (f *fakeSampler) Sample(ctx context.Context, conv analysis.Conversation) (*analysis.Completion, error) {
	f.got = append(f.got, conv)
	return f.out, f.err
}

func newSamplingServer(sm Sampler) *Server {
	log, _ := test.NewNullLogger()
	return New(&fakeRunner{}, fakeQuota{}, WithLogger(log), WithSampler(sm))
}

func createMessage(s *Server, params string) *MCPResponse {
	return s.handleRequest(context.Background(), &MCPRequest{
		JSONRPC: "2.0", ID: 9, Method: "sampling/createMessage", Params: json.RawMessage(params),
	})
}

func TestSamplingCreateMessage(t *testing.T) {
	sm := &fakeSampler{out: &analysis.Completion{Text: "A login form.", Model: "grok-4", StopReason: analysis.StopEndTurn}}
	s := newSamplingServer(sm)

	resp := createMessage(s, `{
		"messages": [
			{"role": "user", "content": {"type": "text", "text": "What is this?"}},
			{"role": "user", "content": [
				{"type": "image", "data": "iVBORw0K", "mimeType": "image/png"},
				{"type": "text", "text": "Be brief."}
			]}
		],
		"systemPrompt": "You describe screens.",
		"maxTokens": 64
	}`)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	result := resp.Result.(map[string]interface{})
	if result["role"] != "assistant" || result["model"] != "grok-4" || result["stopReason"] != "endTurn" {
		t.Errorf("result: %+v", result)
	}
	if block := result["content"].(ContentBlock); block.Type != "text" || block.Text != "A login form." {
		t.Errorf("content: %+v", block)
	}

	if len(sm.got) != 1 {
		t.Fatalf("sampler calls: %d", len(sm.got))
	}
	conv := sm.got[0]
	if conv.System != "You describe screens." || conv.MaxTokens != 64 || len(conv.Turns) != 2 {
		t.Fatalf("conversation: %+v", conv)
	}
	second := conv.Turns[1].Parts
	if len(second) != 2 || len(second[0].Image) == 0 || second[0].MIMEType != "image/png" || second[1].Text != "Be brief." {
		t.Errorf("second turn parts: %+v", second)
	}
}

func TestSamplingCreateMessage_InvalidParams(t *testing.T) {
	tests := []struct {
		name   string
		params string
	}{
		{"not an object", `[1,2]`},
		{"no messages", `{"messages":[],"maxTokens":10}`},
		{"missing maxTokens", `{"messages":[{"role":"user","content":{"type":"text","text":"hi"}}]}`},
		{"bad role", `{"messages":[{"role":"system","content":{"type":"text","text":"hi"}}],"maxTokens":10}`},
		{"bad image data", `{"messages":[{"role":"user","content":{"type":"image","data":"%%%","mimeType":"image/png"}}],"maxTokens":10}`},
		{"unsupported block", `{"messages":[{"role":"user","content":{"type":"audio","data":"AAAA"}}],"maxTokens":10}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := &fakeSampler{}
			resp := createMessage(newSamplingServer(sm), tt.params)
			if resp.Error == nil || resp.Error.Code != -32602 {
				t.Fatalf("expected -32602, got %+v", resp.Error)
			}
			if len(sm.got) != 0 {
				t.Error("sampler must not be called for invalid params")
			}
		})
	}
}

func TestSamplingCreateMessage_QuotaExceeded(t *testing.T) {
	sm := &fakeSampler{err: &pipeline.Error{
		Kind:    pipeline.KindQuotaExceeded,
		Stage:   pipeline.StageQuota,
		Message: "daily analysis quota reached (1000/1000 used)",
		Quota:   &pipeline.QuotaInfo{Count: 1000, Limit: 1000},
	}}
	resp := createMessage(newSamplingServer(sm), `{"messages":[{"role":"user","content":{"type":"text","text":"hi"}}],"maxTokens":10}`)
	if resp.Error == nil || resp.Error.Code != -32000 {
		t.Fatalf("expected -32000, got %+v", resp.Error)
	}
	if data := resp.Error.Data.(ToolError); data.Kind != "QuotaExceeded" || data.Quota == nil {
		t.Errorf("data: %+v", data)
	}
}

func TestSamplingCreateMessage_Disabled(t *testing.T) {
	s := newTestServer(&fakeRunner{})
	resp := createMessage(s, `{"messages":[{"role":"user","content":{"type":"text","text":"hi"}}],"maxTokens":10}`)
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Fatalf("expected -32601, got %+v", resp.Error)
	}

	initResp := s.handleRequest(context.Background(), &MCPRequest{JSONRPC: "2.0", ID: 1, Method: "initialize"})
	caps := initResp.Result.(map[string]interface{})["capabilities"].(map[string]interface{})
	if _, ok := caps["sampling"]; ok {
		t.Error("sampling should not be advertised without a sampler")
	}

	initResp = newSamplingServer(&fakeSampler{}).handleRequest(context.Background(), &MCPRequest{JSONRPC: "2.0", ID: 1, Method: "initialize"})
	caps = initResp.Result.(map[string]interface{})["capabilities"].(map[string]interface{})
	if _, ok := caps["sampling"]; !ok {
		t.Error("sampling should be advertised with a sampler")
	}
}
