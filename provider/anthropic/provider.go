package anthropic

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

// apiVersion is the anthropic-version header sent on every request.
const apiVersion = "2023-06-01"

// Provider implements agentspine.Provider for the Anthropic Messages API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithBaseURL overrides the API base (default "https://api.anthropic.com").
func WithBaseURL(url string) ProviderOption {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = l }
}

// NewProvider creates an Anthropic Messages API provider.
func NewProvider(apiKey, model string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: "https://api.anthropic.com",
		client:  &http.Client{Timeout: 300 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns "anthropic".
func (p *Provider) Name() string { return "anthropic" }

// Complete sends one round and returns the assistant reply. When
// req.OnTextDelta is set the request streams. Models that reject the
// thinking block get one retry without it.
func (p *Provider) Complete(ctx context.Context, req agentspine.CompletionRequest) (agentspine.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	body := BuildBody(req, model)

	resp, err := p.complete(ctx, body, req)
	if err != nil && body.Thinking != nil && isUnsupportedThinking(err) {
		if p.logger != nil {
			p.logger.Warn("thinking rejected, retrying without it", "model", model)
		}
		body.Thinking = nil
		body.MaxTokens = defaultMaxTokens
		resp, err = p.complete(ctx, body, req)
	}
	return resp, err
}

func (p *Provider) complete(ctx context.Context, body MessagesRequest, req agentspine.CompletionRequest) (agentspine.CompletionResponse, error) {
	body.Stream = req.OnTextDelta != nil

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
			return agentspine.CompletionResponse{}, &agentspine.ErrLLM{Provider: "anthropic", Message: fmt.Sprintf("stream: %v", err)}
		}
		return out, nil
	}

	var msgResp MessagesResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&msgResp); err != nil {
		return agentspine.CompletionResponse{}, &agentspine.ErrLLM{Provider: "anthropic", Message: fmt.Sprintf("decode response: %v", err)}
	}
	return ParseResponse(msgResp), nil
}

func (p *Provider) sendHTTP(ctx context.Context, body MessagesRequest, apiKey string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &agentspine.ErrLLM{Provider: "anthropic", Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &agentspine.ErrLLM{Provider: "anthropic", Message: fmt.Sprintf("create request: %v", err)}
	}
	key := apiKey
	if key == "" {
		key = p.apiKey
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", key)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &agentspine.ErrLLM{Provider: "anthropic", Message: fmt.Sprintf("connection error: %v", err)}
	}
	return resp, nil
}

func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &agentspine.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: agentspine.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// isUnsupportedThinking detects models that reject the thinking block.
func isUnsupportedThinking(err error) bool {
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "thinking") &&
		(strings.Contains(text, "unsupported") ||
			strings.Contains(text, "not supported") ||
			strings.Contains(text, "invalid") ||
			strings.Contains(text, "unexpected"))
}

// Compile-time interface check.
var _ agentspine.Provider = (*Provider)(nil)
