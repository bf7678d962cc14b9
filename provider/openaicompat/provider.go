package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bmcool/agentspine"
)

// Provider implements agentspine.Provider for any OpenAI-compatible API.
// It uses the shared helpers in this package (BuildBody, StreamSSE,
// ParseResponse) for body building, streaming, and response parsing.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	logger  *slog.Logger
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithName overrides the provider name ("openai" by default). Used when
// the same wire protocol fronts a different vendor (groq, deepseek, ...).
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = l }
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1").
// The /chat/completions path is appended automatically.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 300 * time.Second},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.name }

// Complete sends one round and returns the assistant reply. When
// req.OnTextDelta is set the request streams; otherwise a single
// response is parsed. Requests carrying a reasoning_effort the backend
// rejects are retried once without it, since many compatible servers
// predate the field.
func (p *Provider) Complete(ctx context.Context, req agentspine.CompletionRequest) (agentspine.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	body := BuildBody(req, model)

	resp, err := p.complete(ctx, body, req)
	if err != nil && body.ReasoningEffort != "" && isUnsupportedReasoning(err) {
		if p.logger != nil {
			p.logger.Warn("reasoning_effort rejected, retrying without it",
				"provider", p.name, "model", model)
		}
		body.ReasoningEffort = ""
		resp, err = p.complete(ctx, body, req)
	}
	return resp, err
}

func (p *Provider) complete(ctx context.Context, body ChatRequest, req agentspine.CompletionRequest) (agentspine.CompletionResponse, error) {
	if req.OnTextDelta != nil {
		body.Stream = true
		body.StreamOptions = &StreamOptions{IncludeUsage: true}
	} else {
		body.Stream = false
		body.StreamOptions = nil
	}

	httpResp, err := p.sendHTTP(ctx, body, req.APIKey)
	if err != nil {
		return agentspine.CompletionResponse{}, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return agentspine.CompletionResponse{}, p.httpErr(httpResp)
	}

	if body.Stream {
		out, err := StreamSSE(httpResp.Body, req.OnTextDelta)
		if err != nil {
			return agentspine.CompletionResponse{}, &agentspine.ErrLLM{Provider: p.name, Message: fmt.Sprintf("stream: %v", err)}
		}
		return out, nil
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&chatResp); err != nil {
		return agentspine.CompletionResponse{}, &agentspine.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return ParseResponse(chatResp)
}

// sendHTTP marshals the request body and sends it to the chat completions
// endpoint. apiKey overrides the construction-time credential when set.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest, apiKey string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &agentspine.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &agentspine.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	key := apiKey
	if key == "" {
		key = p.apiKey
	}
	if key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &agentspine.ErrLLM{Provider: p.name, Message: fmt.Sprintf("connection error: %v", err)}
	}
	return resp, nil
}

// httpErr reads the response body and returns an ErrHTTP for retry
// middleware. Parses the Retry-After header when present.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &agentspine.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: agentspine.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// isUnsupportedReasoning detects backends that reject reasoning_effort.
func isUnsupportedReasoning(err error) bool {
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "reasoning_effort") &&
		(strings.Contains(text, "unsupported") ||
			strings.Contains(text, "unknown") ||
			strings.Contains(text, "unexpected") ||
			strings.Contains(text, "invalid"))
}

// Compile-time interface check.
var _ agentspine.Provider = (*Provider)(nil)
