package analysis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	defaultBaseURL     = "https://api.x.ai/v1"
	defaultModel       = "grok-4"
	defaultMaxTokens   = 1000
	defaultTemperature = 0.7

	maxErrorBody = 64 * 1024
)

// XAIClient calls an OpenAI-compatible chat completions endpoint (xAI by
// default). It never retries: every call is metered by the quota.
type XAIClient struct {
	apiKey      string
	baseURL     string
	model       string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
}

// Message represents a chat message
type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart represents a part of message content (text or image)
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL represents an image URL in the message
type ImageURL struct {
	URL string `json:"url"`
}

// Request represents the API request structure
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

// Response represents the API response structure
type Response struct {
	ID      string   `json:"id"`
	Choices []Choice `json:"choices"`
}

// Choice represents a single completion choice
type Choice struct {
	Message      ChoiceMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

// ChoiceMessage is the assistant reply in a choice.
type ChoiceMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewXAIClient creates a client. Empty baseURL and model select the xAI
// defaults; a nil httpClient uses a plain http.Client (deadlines come from ctx).
func NewXAIClient(apiKey, baseURL, model string, httpClient *http.Client) *XAIClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if model == "" {
		model = defaultModel
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &XAIClient{
		apiKey:      apiKey,
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       model,
		maxTokens:   defaultMaxTokens,
		temperature: defaultTemperature,
		httpClient:  httpClient,
	}
}

// Model is the model name sent with each request.
func (c *XAIClient) Model() string { return c.model }

// Analyze implements Client. ModeBoth makes two sequential calls.
func (c *XAIClient) Analyze(ctx context.Context, in Input) (string, error) {
	if len(in.Image) == 0 {
		return "", errors.New("analysis: empty image")
	}
	prompts := BuildPrompts(in)
	replies := make([]string, 0, len(prompts))
	for _, p := range prompts {
		reply, err := c.complete(ctx, p.Text, in)
		if err != nil {
			return "", err
		}
		replies = append(replies, reply)
	}
	return combine(prompts, replies), nil
}

// Complete implements Completer. Image parts are sent as data URLs.
func (c *XAIClient) Complete(ctx context.Context, conv Conversation) (*Completion, error) {
	if err := conv.Validate(); err != nil {
		return nil, err
	}
	choice, err := c.send(ctx, c.conversationRequest(conv))
	if err != nil {
		return nil, err
	}
	return &Completion{
		Text:       choice.Message.Content,
		Model:      c.Model(),
		StopReason: stopReason(choice.FinishReason),
	}, nil
}

func dataURL(mime string, data []byte) string {
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func (c *XAIClient) buildRequest(prompt string, in Input) *Request {
	return &Request{
		Model: c.model,
		Messages: []Message{
			{
				Role:    "system",
				Content: []ContentPart{{Type: "text", Text: systemPrompt}},
			},
			{
				Role: "user",
				Content: []ContentPart{
					{Type: "image_url", ImageURL: &ImageURL{URL: dataURL(in.MIMEType, in.Image)}},
					{Type: "text", Text: prompt},
				},
			},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}
}

func (c *XAIClient) conversationRequest(conv Conversation) *Request {
	system := conv.System
	if system == "" {
		system = systemPrompt
	}
	messages := []Message{{Role: "system", Content: []ContentPart{{Type: "text", Text: system}}}}
	for _, t := range conv.Turns {
		m := Message{Role: t.Role}
		for _, p := range t.Parts {
			if len(p.Image) > 0 {
				m.Content = append(m.Content, ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: dataURL(p.MIMEType, p.Image)}})
				continue
			}
			m.Content = append(m.Content, ContentPart{Type: "text", Text: p.Text})
		}
		messages = append(messages, m)
	}

	temperature := c.temperature
	if conv.Temperature != nil {
		temperature = *conv.Temperature
	}
	return &Request{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   conv.MaxTokens,
		Temperature: temperature,
	}
}

func (c *XAIClient) complete(ctx context.Context, prompt string, in Input) (string, error) {
	choice, err := c.send(ctx, c.buildRequest(prompt, in))
	if err != nil {
		return "", err
	}
	return choice.Message.Content, nil
}

// send posts one chat completion and returns the first choice.
func (c *XAIClient) send(ctx context.Context, request *Request) (Choice, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return Choice{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Choice{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Choice{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
		if isExhaustedResponse(resp.StatusCode, apiErr.Body) {
			return Choice{}, fmt.Errorf("%w: %w", ErrQuotaExhausted, apiErr)
		}
		return Choice{}, apiErr
	}

	var parsed Response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Choice{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Choice{}, errors.New("response contained no choices")
	}
	choice := parsed.Choices[0]
	if strings.Contains(strings.ToLower(choice.Message.Content), "out of tokens") {
		return Choice{}, fmt.Errorf("%w: provider reported out of tokens", ErrQuotaExhausted)
	}
	return choice, nil
}

var exhaustionMarkers = []string{
	"quota",
	"credit",
	"exhausted",
	"insufficient",
	"out of tokens",
	"spending limit",
}

// isExhaustedResponse separates "your account is out of credit" from
// ordinary rate limiting and other failures.
func isExhaustedResponse(status int, body string) bool {
	if status == http.StatusPaymentRequired {
		return true
	}
	if status != http.StatusTooManyRequests && status != http.StatusForbidden {
		return false
	}
	lower := strings.ToLower(body)
	for _, m := range exhaustionMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
