package resolve

import (
	"testing"
)

func TestProviderSelection(t *testing.T) {
	for _, name := range []string{"", "openai", "groq", "deepseek", "together", "mistral", "ollama", "openrouter"} {
		p, err := Provider(Config{Provider: name, APIKey: "k", Model: "m"})
		if err != nil {
			t.Fatalf("Provider(%q): %v", name, err)
		}
		want := name
		if want == "" {
			want = "openai"
		}
		if p.Name() != want {
			t.Errorf("Provider(%q).Name() = %q, want %q", name, p.Name(), want)
		}
	}

	p, err := Provider(Config{Provider: "anthropic", APIKey: "k", Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "anthropic" {
		t.Fatalf("Name = %q", p.Name())
	}

	if _, err := Provider(Config{Provider: "carrier-pigeon"}); err == nil {
		t.Fatal("unknown provider accepted")
	}
}

func TestModelDefaults(t *testing.T) {
	if got := Model(Config{Model: "custom"}); got != "custom" {
		t.Fatalf("Model = %q", got)
	}

	t.Setenv("OPENAI_MODEL", "")
	t.Setenv("ANTHROPIC_MODEL", "")
	if got := Model(Config{Provider: "openai"}); got != DefaultOpenAIModel {
		t.Fatalf("openai default = %q", got)
	}
	if got := Model(Config{Provider: "anthropic"}); got != DefaultAnthropicModel {
		t.Fatalf("anthropic default = %q", got)
	}

	t.Setenv("OPENAI_MODEL", "gpt-4o-mini")
	if got := Model(Config{Provider: "groq"}); got != "gpt-4o-mini" {
		t.Fatalf("env model = %q", got)
	}
}

func TestDefaultBaseURLs(t *testing.T) {
	cases := map[string]string{
		"openai":     "https://api.openai.com/v1",
		"groq":       "https://api.groq.com/openai/v1",
		"ollama":     "http://localhost:11434/v1",
		"openrouter": "https://openrouter.ai/api/v1",
		"other":      "https://api.openai.com/v1",
	}
	for name, want := range cases {
		if got := defaultBaseURL(name); got != want {
			t.Errorf("defaultBaseURL(%q) = %q, want %q", name, got, want)
		}
	}
}
