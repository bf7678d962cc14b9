package agentspine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimitPassthroughNoLimits(t *testing.T) {
	inner := &scriptProvider{responses: []CompletionResponse{textResponse("hi")}}
	p := WithRateLimit(inner)

	if p.Name() != "script" {
		t.Fatalf("Name = %q", p.Name())
	}
	resp, err := p.Complete(context.Background(), CompletionRequest{Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Message.Content != "hi" {
		t.Fatalf("content = %q", resp.Message.Content)
	}
}

func TestRateLimitRPMBlocksWhenExhausted(t *testing.T) {
	inner := &scriptProvider{responses: []CompletionResponse{textResponse("ok")}}
	p := WithRateLimit(inner, RPM(2))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := p.Complete(ctx, CompletionRequest{Model: "m"}); err != nil {
			t.Fatal(err)
		}
	}

	// Third request within the window must block; give it a short deadline
	// and expect DeadlineExceeded rather than a completed call.
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := p.Complete(shortCtx, CompletionRequest{Model: "m"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want DeadlineExceeded while budget exhausted", err)
	}
	if inner.callCount() != 2 {
		t.Fatalf("inner calls = %d, want 2", inner.callCount())
	}
}

func TestRateLimitTPMSoftLimit(t *testing.T) {
	inner := &scriptProvider{responses: []CompletionResponse{{
		Message: ChatMessage{Role: RoleAssistant, Content: "big"},
		Usage:   Usage{InputTokens: 600, OutputTokens: 600},
	}}}
	p := WithRateLimit(inner, TPM(1000))
	ctx := context.Background()

	// First request proceeds and overshoots the budget (soft limit).
	if _, err := p.Complete(ctx, CompletionRequest{Model: "m"}); err != nil {
		t.Fatal(err)
	}

	// Second request blocks until the window slides.
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := p.Complete(shortCtx, CompletionRequest{Model: "m"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want DeadlineExceeded after TPM overshoot", err)
	}
	if inner.callCount() != 1 {
		t.Fatalf("inner calls = %d, want 1", inner.callCount())
	}
}

func TestPruneWindows(t *testing.T) {
	now := time.Now()
	cutoff := now.Add(-time.Minute)

	times := []time.Time{
		now.Add(-2 * time.Minute),
		now.Add(-90 * time.Second),
		now.Add(-30 * time.Second),
		now,
	}
	got := pruneTime(times, cutoff)
	if len(got) != 2 {
		t.Fatalf("pruneTime kept %d entries, want 2", len(got))
	}

	entries := []tpmEntry{
		{at: now.Add(-2 * time.Minute), tokens: 100},
		{at: now.Add(-10 * time.Second), tokens: 200},
	}
	gotE := pruneTpm(entries, cutoff)
	if len(gotE) != 1 || gotE[0].tokens != 200 {
		t.Fatalf("pruneTpm = %+v, want the recent entry only", gotE)
	}
}
