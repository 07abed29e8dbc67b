package openaicompat

import "net/http"

// Option configures an OpenAI-compatible chat request.
type Option func(*ChatRequest)

// WithTemperature sets the sampling temperature (0.0–2.0).
func WithTemperature(t float64) Option {
	return func(r *ChatRequest) { r.Temperature = &t }
}

// WithTopP sets nucleus sampling top-p (0.0–1.0).
func WithTopP(p float64) Option {
	return func(r *ChatRequest) { r.TopP = &p }
}

// WithMaxTokens sets the maximum number of output tokens.
func WithMaxTokens(n int) Option {
	return func(r *ChatRequest) { r.MaxTokens = n }
}

// WithFrequencyPenalty sets the frequency penalty (-2.0–2.0).
func WithFrequencyPenalty(p float64) Option {
	return func(r *ChatRequest) { r.FrequencyPenalty = &p }
}

// WithPresencePenalty sets the presence penalty (-2.0–2.0).
func WithPresencePenalty(p float64) Option {
	return func(r *ChatRequest) { r.PresencePenalty = &p }
}

// WithStop sets one or more stop sequences.
func WithStop(s ...string) Option {
	return func(r *ChatRequest) { r.Stop = s }
}

// WithSeed sets a deterministic seed for reproducible outputs.
func WithSeed(s int) Option {
	return func(r *ChatRequest) { r.Seed = &s }
}

// WithToolChoice controls how the model selects tools.
// Accepts "none", "auto", "required", or a specific tool object
// like map[string]any{"type": "function", "function": map[string]any{"name": "my_func"}}.
func WithToolChoice(choice any) Option {
	return func(r *ChatRequest) { r.ToolChoice = choice }
}

// ClientOption configures a Transport instance.
type ClientOption func(*Transport)

// WithName sets the transport name returned by Name() (default "openai").
// Use this to distinguish endpoints in logs and observability.
func WithName(name string) ClientOption {
	return func(t *Transport) { t.name = name }
}

// WithHTTPClient sets a custom HTTP client (e.g. for timeouts or proxies).
func WithHTTPClient(c *http.Client) ClientOption {
	return func(t *Transport) { t.client = c }
}

// WithDefaultModel sets the model used when a request does not name one.
// Engines set the model from their definition, so this mainly serves direct
// Transport callers.
func WithDefaultModel(model string) ClientOption {
	return func(t *Transport) { t.defaultModel = model }
}

// WithOptions appends request-level options (temperature, top_p, etc.)
// that are applied to every request made by this transport.
func WithOptions(opts ...Option) ClientOption {
	return func(t *Transport) { t.opts = append(t.opts, opts...) }
}
