// Package web provides the web_fetch tool: downloads a page over http or
// https and extracts its readable text content.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/bmcool/agentspine"
)

const (
	fetchTimeout = 15 * time.Second
	maxBodyBytes = 2 << 20 // raw download cap before extraction
	maxChars     = 80000   // extracted text cap returned to the model
	userAgent    = "AgentSpine/1.0 (web_fetch; +https://github.com/bmcool/AgentSpine)"
)

// Tool fetches URLs and extracts readable content.
type Tool struct {
	client *http.Client
}

// Option configures a Tool.
type Option func(*Tool)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Tool) { t.client = c }
}

// New creates a web Tool with a 15-second fetch timeout.
func New(opts ...Option) *Tool {
	t := &Tool{client: &http.Client{Timeout: fetchTimeout}}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Definitions() []agentspine.ToolDefinition {
	return []agentspine.ToolDefinition{{
		Name:        "web_fetch",
		Description: "Fetch a URL and extract its readable text content. Use for reading web pages, articles, and documentation.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to fetch (http or https)"}},"required":["url"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (agentspine.ToolResult, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return agentspine.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	content, err := t.Fetch(ctx, params.URL)
	if err != nil {
		return agentspine.ToolResult{Error: err.Error()}, nil
	}
	return agentspine.ToolResult{Content: content}, nil
}

// Fetch downloads rawURL and returns its readable text, clamped to the
// context-safety limit. Exported for use outside the tool dispatcher.
func (t *Tool) Fetch(ctx context.Context, rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported URL scheme %q (only http and https)", parsed.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}

	text := extract(string(body), parsed)
	return clamp(text), nil
}

// extract runs readability extraction, falling back to the raw body for
// non-article pages (plain text, JSON, failed parses).
func extract(html string, pageURL *url.URL) string {
	article, err := readability.FromReader(strings.NewReader(html), pageURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return strings.TrimSpace(article.TextContent)
	}
	return strings.TrimSpace(html)
}

func clamp(s string) string {
	if len(s) <= maxChars {
		return s
	}
	omitted := len(s) - maxChars
	return s[:maxChars] + fmt.Sprintf("\n...[truncated: %d chars omitted for context]...", omitted)
}

var _ agentspine.Tool = (*Tool)(nil)
