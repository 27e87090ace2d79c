package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/inkwell/assistant-core/internal/domain"
)

const defaultBaseURL = "https://api.groq.com/openai/v1"

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Client streams chat completions from any OpenAI-compatible endpoint.
type Client struct {
	name       string
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a streaming client for the named service.
func NewClient(name, apiKey, model string, opts ...ClientOption) *Client {
	c := &Client{
		name:    name,
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the logical service name used by the circuit breaker.
func (c *Client) Name() string { return c.name }

type chatRequest struct {
	Model       string                  `json:"model"`
	Messages    []domain.Message        `json:"messages"`
	Tools       []domain.ToolDefinition `json:"tools,omitempty"`
	ToolChoice  string                  `json:"tool_choice,omitempty"`
	Temperature *float64                `json:"temperature,omitempty"`
	Stream      bool                    `json:"stream"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content   string                 `json:"content"`
			Reasoning string                 `json:"reasoning"`
			ToolCalls []domain.ToolCallChunk `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Stream issues the chat completion request and converts the SSE response to
// fragments. The returned channel is closed when the upstream stream ends.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan Result, error) {
	payload := chatRequest{
		Model:       c.model,
		Messages:    req.Messages,
		Tools:       req.Tools,
		Temperature: req.Temperature,
		Stream:      true,
	}
	if len(req.Tools) > 0 {
		payload.ToolChoice = "auto"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("upstream error (status %d): %s", resp.StatusCode, string(respBody))
	}

	out := make(chan Result)
	go c.streamReader(resp.Body, out)
	return out, nil
}

func (c *Client) streamReader(body io.ReadCloser, out chan<- Result) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	// Argument deltas can make individual chunks large.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			out <- Result{Err: fmt.Errorf("failed to unmarshal chunk: %w", err)}
			return
		}
		for _, f := range chunkFragments(chunk) {
			out <- Result{Fragment: f}
		}
	}

	if err := scanner.Err(); err != nil {
		out <- Result{Err: fmt.Errorf("stream read error: %w", err)}
	}
}

// chunkFragments flattens one wire chunk into fragments, one per tool-call
// delta so downstream accumulation stays index-keyed.
func chunkFragments(chunk chatChunk) []domain.Fragment {
	var out []domain.Fragment
	for _, choice := range chunk.Choices {
		f := domain.Fragment{
			ContentDelta:   choice.Delta.Content,
			ReasoningDelta: choice.Delta.Reasoning,
			FinishReason:   choice.FinishReason,
		}
		if len(choice.Delta.ToolCalls) == 0 {
			out = append(out, f)
			continue
		}
		for i := range choice.Delta.ToolCalls {
			tc := choice.Delta.ToolCalls[i]
			g := f
			g.ToolCall = &tc
			// Content belongs to the choice, not each tool delta.
			if i > 0 {
				g.ContentDelta = ""
				g.ReasoningDelta = ""
			}
			out = append(out, g)
		}
	}
	return out
}
