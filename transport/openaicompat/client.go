package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nevindra/haven"
)

// Transport implements haven.Transport for any OpenAI-compatible API.
// It uses the shared helpers in this package (BuildBody, StreamSSE,
// ParseResponse) to handle body building, streaming, and response parsing.
//
// Works with OpenAI, OpenRouter, Groq, Together, Fireworks, DeepSeek,
// Mistral, Ollama, vLLM, LM Studio, Azure OpenAI, and any other endpoint
// that implements the OpenAI chat completions API.
type Transport struct {
	apiKey       string
	baseURL      string
	client       *http.Client
	name         string
	defaultModel string
	opts         []Option
}

// New creates an OpenAI-compatible transport.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1").
// The /chat/completions path is appended automatically.
//
// Client-level options (via WithOptions) are applied to every request after
// the request's own parameters, so they win.
func New(baseURL, apiKey string, opts ...ClientOption) *Transport {
	t := &Transport{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the transport name (default "openai", configurable via WithName).
func (t *Transport) Name() string { return t.name }

// Complete sends a non-streaming chat request and returns the full response.
func (t *Transport) Complete(ctx context.Context, req haven.ModelRequest) (*haven.ModelResponse, error) {
	body := BuildBody(t.withModel(req), t.opts...)

	resp, err := t.sendHTTP(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, t.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", t.name, err)
	}

	return ParseResponse(chatResp)
}

// Stream sends a streaming chat request, emitting chunks as they arrive, and
// returns the final accumulated response.
func (t *Transport) Stream(ctx context.Context, req haven.ModelRequest, emit func(haven.Chunk) error) (*haven.ModelResponse, error) {
	body := BuildBody(t.withModel(req), t.opts...)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := t.sendHTTP(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, t.httpErr(resp)
	}

	return StreamSSE(ctx, resp.Body, emit)
}

// withModel fills in the default model when the request does not name one.
func (t *Transport) withModel(req haven.ModelRequest) haven.ModelRequest {
	if req.Model == "" {
		req.Model = t.defaultModel
	}
	return req
}

// sendHTTP marshals the request body and sends it to the chat completions endpoint.
func (t *Transport) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", t.name, err)
	}

	url := t.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", t.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	return t.client.Do(httpReq)
}

// httpErr reads the response body and returns an ErrHTTP for retry middleware.
// Parses the Retry-After header when present (429/503 responses).
func (t *Transport) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &haven.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: haven.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// Compile-time interface check.
var _ haven.Transport = (*Transport)(nil)
