package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/cwmaguire/screenshot-mcp/internal/pipeline"
	"github.com/cwmaguire/screenshot-mcp/internal/quota"
)

const (
	protocolVersion = "2024-11-05"
	serverName      = "MCP Screenshot Server"
)

// Runner executes screenshot requests.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// QuotaReporter reads the current quota state.
type QuotaReporter interface {
	Check(ctx context.Context) (quota.Decision, error)
}

// Server handles MCP protocol communication
type Server struct {
	runner  Runner
	quota   QuotaReporter
	sampler Sampler
	log     logrus.FieldLogger
	version string
	stats   func() interface{}

	writeMu sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]*call

	wg sync.WaitGroup
}

// call is a request being handled.
type call struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// MCPRequest represents an incoming JSON-RPC request
type MCPRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// MCPResponse represents an outgoing JSON-RPC response
type MCPResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *MCPError   `json:"error,omitempty"`
}

// MCPError represents a JSON-RPC error
type MCPError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. The default is the logrus standard logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Server) { s.log = log }
}

// WithVersion sets the version reported in serverInfo and /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithSampler enables sampling/createMessage.
func WithSampler(sm Sampler) Option {
	return func(s *Server) { s.sampler = sm }
}

// WithStats sets the source of the /metrics payload.
func WithStats(fn func() interface{}) Option {
	return func(s *Server) { s.stats = fn }
}

// New creates a new MCP server instance
func New(runner Runner, quota QuotaReporter, opts ...Option) *Server {
	s := &Server{
		runner:   runner,
		quota:    quota,
		log:      logrus.StandardLogger(),
		version:  "dev",
		inflight: make(map[string]*call),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run serves MCP over stdin and stdout until stdin closes or ctx ends.
func (s *Server) Run(ctx context.Context) error {
	return s.Serve(ctx, os.Stdin, os.Stdout)
}

// Serve reads one JSON-RPC message per line from r and writes responses to
// w. Each request is handled on its own goroutine, so responses may be
// written out of order. Serve waits for in-flight requests before returning.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	// Increase buffer size for large requests
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	encoder := json.NewEncoder(w)

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			s.cancelAll()
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("scanner error: %w", err)
					}
				default:
				}
				return nil
			}
			if len(line) == 0 {
				continue
			}
			s.dispatch(ctx, line, encoder)
		}
	}
}

func (s *Server) dispatch(ctx context.Context, line []byte, encoder *json.Encoder) {
	var req MCPRequest
	if err := json.Unmarshal(line, &req); err != nil {
		s.log.WithError(err).Warn("failed to parse request")
		s.write(encoder, &MCPResponse{
			JSONRPC: "2.0",
			Error:   &MCPError{Code: -32700, Message: "Parse error"},
		})
		return
	}

	// notifications are cheap and must be seen before later requests
	if req.ID == nil {
		s.handleRequest(ctx, &req)
		return
	}

	// tracked before the next line is read so a cancel that follows
	// immediately finds it
	reqCtx, c := s.track(ctx, req.ID)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.untrack(req.ID, c)

		resp := s.handleRequest(reqCtx, &req)
		if resp == nil || c.cancelled.Load() {
			return
		}
		s.write(encoder, resp)
	}()
}

func (s *Server) write(encoder *json.Encoder, resp *MCPResponse) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := encoder.Encode(resp); err != nil {
		s.log.WithError(err).Error("failed to encode response")
	}
}

func idKey(id interface{}) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func (s *Server) track(ctx context.Context, id interface{}) (context.Context, *call) {
	ctx, cancel := context.WithCancel(ctx)
	c := &call{cancel: cancel}
	s.inflightMu.Lock()
	s.inflight[idKey(id)] = c
	s.inflightMu.Unlock()
	return ctx, c
}

// untrack forgets c. A newer request reusing the id keeps its entry.
func (s *Server) untrack(id interface{}, c *call) {
	key := idKey(id)
	s.inflightMu.Lock()
	if s.inflight[key] == c {
		delete(s.inflight, key)
	}
	s.inflightMu.Unlock()
	c.cancel()
}

// cancelRequest handles notifications/cancelled. The cancelled request gets
// no response.
func (s *Server) cancelRequest(id interface{}, reason string) {
	s.inflightMu.Lock()
	c, ok := s.inflight[idKey(id)]
	s.inflightMu.Unlock()
	if !ok {
		return
	}
	s.log.WithFields(logrus.Fields{"request_id": id, "reason": reason}).Info("request cancelled by client")
	c.cancelled.Store(true)
	c.cancel()
}

func (s *Server) cancelAll() {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	for _, c := range s.inflight {
		c.cancel()
	}
}

// InFlight is the number of requests being handled.
func (s *Server) InFlight() int {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	return len(s.inflight)
}

// handleRequest routes requests to appropriate handlers
func (s *Server) handleRequest(ctx context.Context, req *MCPRequest) *MCPResponse {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "notifications/initialized":
		// Client acknowledgment, no response needed
		return nil
	case "notifications/cancelled":
		var p struct {
			RequestID interface{} `json:"requestId"`
			Reason    string      `json:"reason"`
		}
		if err := json.Unmarshal(req.Params, &p); err == nil && p.RequestID != nil {
			s.cancelRequest(p.RequestID, p.Reason)
		}
		return nil
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "prompts/list":
		return s.handlePromptsList(req)
	case "prompts/get":
		return s.handlePromptsGet(req)
	case "sampling/createMessage":
		return s.handleSamplingCreateMessage(ctx, req)
	case "ping":
		return &MCPResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  map[string]interface{}{},
		}
	default:
		if req.ID == nil {
			return nil
		}
		return &MCPResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error: &MCPError{
				Code:    -32601,
				Message: fmt.Sprintf("Method not found: %s", req.Method),
			},
		}
	}
}

// handleInitialize responds to the initialize request
func (s *Server) handleInitialize(req *MCPRequest) *MCPResponse {
	capabilities := map[string]interface{}{
		"tools":   map[string]interface{}{},
		"prompts": map[string]interface{}{},
	}
	if s.sampler != nil {
		capabilities["sampling"] = map[string]interface{}{}
	}
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities":    capabilities,
			"serverInfo": map[string]interface{}{
				"name":    serverName,
				"version": s.version,
			},
		},
	}
}
