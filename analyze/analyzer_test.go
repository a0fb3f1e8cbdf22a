package analyze

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

type fakeAnalyzer struct {
	name  string
	text  string
	err   error
	calls int
}

func (f *fakeAnalyzer) Name() string { return f.name }

func (f *fakeAnalyzer) Analyze(_ context.Context, _ Request) (Result, error) {
	f.calls++
	if f.err != nil {
		return Result{}, f.err
	}
	return Result{Provider: f.name, Text: f.text}, nil
}

func TestChainFallsBackToNextProvider(t *testing.T) {
	first := &fakeAnalyzer{name: "first", err: &Error{Provider: "first", StatusCode: 500}}
	second := &fakeAnalyzer{name: "second", text: "a login page"}
	third := &fakeAnalyzer{name: "third", text: "unused"}

	chain := NewChain(zerolog.Nop(), first, second, third)
	res, err := chain.Analyze(context.Background(), Request{Content: "hello"})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if res.Provider != "second" || res.Text != "a login page" {
		t.Errorf("unexpected result %+v", res)
	}
	if first.calls != 1 || second.calls != 1 || third.calls != 0 {
		t.Errorf("unexpected call counts %d/%d/%d", first.calls, second.calls, third.calls)
	}
	if chain.Name() != "first,second,third" {
		t.Errorf("Name() = %q", chain.Name())
	}
}

func TestChainJoinsErrorsWhenAllFail(t *testing.T) {
	errA := errors.New("a down")
	errB := errors.New("b down")
	chain := NewChain(zerolog.Nop(),
		&fakeAnalyzer{name: "a", err: errA},
		&fakeAnalyzer{name: "b", err: errB},
	)
	_, err := chain.Analyze(context.Background(), Request{})
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("expected both errors joined, got %v", err)
	}
}

func TestNewWithoutUsableProviders(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "empty", cfg: Config{}},
		{name: "missing keys", cfg: Config{Providers: []string{"anthropic", "openai"}}},
		{name: "unknown provider", cfg: Config{Providers: []string{"gemini"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, zerolog.Nop())
			if !errors.Is(err, ErrNoProvider) {
				t.Errorf("expected ErrNoProvider, got %v", err)
			}
		})
	}
}

func TestNewBuildsChainInOrder(t *testing.T) {
	cfg := Config{
		Providers: []string{"openai", "ollama"},
		OpenAI:    OpenAIConfig{APIKey: "sk-test"},
		Ollama:    OllamaConfig{Host: "localhost:11434"},
	}
	a, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if a.Name() != "openai,ollama" {
		t.Errorf("Name() = %q, want openai,ollama", a.Name())
	}

	single, err := New(Config{Providers: []string{"ollama"}}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := single.(*OllamaAnalyzer); !ok {
		t.Errorf("expected a bare *OllamaAnalyzer for a single provider, got %T", single)
	}
}

func TestBuildPrompt(t *testing.T) {
	p := buildPrompt(Request{URL: "https://example.com", Content: "Sign in"})
	if !strings.HasPrefix(p, defaultPrompt) {
		t.Errorf("expected default prompt, got %q", p)
	}
	if !strings.Contains(p, "Page URL: https://example.com") || !strings.Contains(p, "Sign in") {
		t.Errorf("prompt missing url or content: %q", p)
	}

	long := strings.Repeat("x", maxContentChars+50)
	p = buildPrompt(Request{Prompt: "find buttons", Content: long})
	if !strings.HasPrefix(p, "find buttons") {
		t.Errorf("custom prompt not used")
	}
	if !strings.HasSuffix(p, "(truncated)") {
		t.Errorf("expected truncated content")
	}
}

func TestParseHost(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"localhost:11434", "http://localhost:11434"},
		{"https://ollama.internal", "https://ollama.internal"},
	}
	for _, tt := range tests {
		u, err := parseHost(tt.in)
		if err != nil {
			t.Fatalf("parseHost(%q): %v", tt.in, err)
		}
		if u.String() != tt.want {
			t.Errorf("parseHost(%q) = %q, want %q", tt.in, u.String(), tt.want)
		}
	}
}
