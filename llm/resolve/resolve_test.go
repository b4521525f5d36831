package resolve

import (
	"testing"

	"github.com/nevindra/relay"
)

func TestStubIsDefault(t *testing.T) {
	for _, provider := range []string{"", "stub"} {
		l, err := LLM(relay.LLMSettings{Provider: provider}, relay.NopLogger())
		if err != nil {
			t.Fatalf("%q: %v", provider, err)
		}
		if l.Name() != "stub" {
			t.Errorf("%q: name = %q", provider, l.Name())
		}
	}
}

func TestKnownProvidersResolve(t *testing.T) {
	for _, provider := range []string{"openai", "qwen", "ollama"} {
		l, err := LLM(relay.LLMSettings{Provider: provider, Model: "m", MaxRetries: 2}, relay.NopLogger())
		if err != nil {
			t.Fatalf("%q: %v", provider, err)
		}
		if l.Name() != provider {
			t.Errorf("name = %q, want %q", l.Name(), provider)
		}
	}
}

func TestUnknownProviderFails(t *testing.T) {
	if _, err := LLM(relay.LLMSettings{Provider: "gemini-ultra"}, relay.NopLogger()); err == nil {
		t.Fatal("want error for unknown provider")
	}
}
