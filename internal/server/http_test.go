package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwmaguire/screenshot-mcp/internal/pipeline"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestHTTP_ToolsCall(t *testing.T) {
	s := newTestServer(&fakeRunner{res: &pipeline.Result{Image: []byte("png"), MIMEType: "image/png", OCRText: "hello"}})
	h := s.Handler()

	body := `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"take_screenshot","arguments":{"mode":"description"}}}`
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		ID     float64 `json:"id"`
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"result"`
		Error *MCPError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Nil(t, resp.Error)
	assert.EqualValues(t, 7, resp.ID)
	require.Len(t, resp.Result.Content, 2)
	assert.Equal(t, "image", resp.Result.Content[0].Type)
	assert.Contains(t, resp.Result.Content[1].Text, `"ocrText": "hello"`)
}

func TestHTTP_Notification(t *testing.T) {
	h := newTestServer(&fakeRunner{}).Handler()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)))
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestHTTP_ParseError(t *testing.T) {
	h := newTestServer(&fakeRunner{}).Handler()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":`)))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp MCPResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32700, resp.Error.Code)
}

func TestHTTP_Health(t *testing.T) {
	h := newTestServer(&fakeRunner{}).Handler()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "available", body["status"])
	assert.Equal(t, "1.2.3", body["version"])
}

func TestHTTP_Metrics(t *testing.T) {
	s := newTestServer(&fakeRunner{})
	WithStats(func() interface{} { return map[string]int{"runs": 3} })(s)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"runs":3}`, w.Body.String())
}

func TestHTTP_RequestsAreTrackedAndCancellable(t *testing.T) {
	started := make(chan struct{})
	runner := &fakeRunner{fn: func(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, &pipeline.Error{Kind: pipeline.KindCaptureFailed, Message: "cancelled", Err: ctx.Err()}
	}}
	s := newTestServer(runner)
	h := s.Handler()

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(
			`{"jsonrpc":"2.0","id":"h1","method":"tools/call","params":{"name":"take_screenshot"}}`)))
		done <- w
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("tool call never started")
	}
	assert.Equal(t, 1, s.InFlight())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(
		`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":"h1"}}`)))
	assert.Equal(t, http.StatusAccepted, w.Code)

	select {
	case w := <-done:
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Empty(t, w.Body.String())
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled request did not finish")
	}
	assert.Equal(t, 0, s.InFlight())
}
