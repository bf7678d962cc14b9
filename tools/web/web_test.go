package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestFetchArticle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); !strings.Contains(ua, "AgentSpine") {
			t.Errorf("User-Agent = %q", ua)
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>T</title></head><body>
			<article><h1>Heading</h1><p>The quick brown fox jumps over the lazy dog.
			This paragraph is long enough for readability to keep it as content.</p></article>
		</body></html>`))
	}))
	defer srv.Close()

	tool := New()
	args, _ := json.Marshal(map[string]string{"url": srv.URL})
	res, err := tool.Execute(context.Background(), "web_fetch", args)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != "" {
		t.Fatalf("error = %q", res.Error)
	}
	if !strings.Contains(res.Content, "quick brown fox") {
		t.Fatalf("content = %q", res.Content)
	}
	if strings.Contains(res.Content, "<p>") {
		t.Fatalf("markup leaked into content: %q", res.Content)
	}
}

func TestFetchPlainTextFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("just plain text"))
	}))
	defer srv.Close()

	tool := New()
	got, err := tool.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "just plain text") {
		t.Fatalf("content = %q", got)
	}
}

func TestFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	tool := New()
	_, err := tool.Fetch(context.Background(), srv.URL)
	if err == nil || !strings.Contains(err.Error(), "HTTP 404") {
		t.Fatalf("error = %v", err)
	}
}

func TestFetchRejectsNonHTTPSchemes(t *testing.T) {
	tool := New()
	for _, u := range []string{"ftp://host/file", "file:///etc/passwd", "gopher://x"} {
		if _, err := tool.Fetch(context.Background(), u); err == nil ||
			!strings.Contains(err.Error(), "unsupported URL scheme") {
			t.Errorf("Fetch(%q) error = %v", u, err)
		}
	}
}

func TestClamp(t *testing.T) {
	short := "small"
	if clamp(short) != short {
		t.Fatal("short text modified")
	}
	long := strings.Repeat("a", maxChars+500)
	got := clamp(long)
	if !strings.Contains(got, "...[truncated: 500 chars omitted for context]...") {
		t.Fatalf("clamp marker missing: ...%s", got[len(got)-80:])
	}
	if len(got) >= len(long) {
		t.Fatal("clamp did not shrink output")
	}
}
