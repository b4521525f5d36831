package relay

import (
	"context"
	"strings"
	"testing"
)

func TestClampPromptKeepsShortPrompts(t *testing.T) {
	p := "summarize this conversation"
	if got := ClampPrompt(p); got != p {
		t.Errorf("short prompt changed: %q", got)
	}
}

func TestClampPromptElidesTheMiddle(t *testing.T) {
	long := strings.Repeat("a", maxPromptRunes) + "MIDDLE" + strings.Repeat("z", 5000)
	got := ClampPrompt(long)

	if n := len([]rune(got)); n > maxPromptRunes+len("\n...[truncated]...\n") {
		t.Errorf("clamped length = %d", n)
	}
	if !strings.Contains(got, "...[truncated]...") {
		t.Error("elision marker missing")
	}
	if !strings.HasPrefix(got, "aaa") || !strings.HasSuffix(got, "zzz") {
		t.Errorf("head/tail lost: %q ... %q", got[:8], got[len(got)-8:])
	}
	if strings.Contains(got, "MIDDLE") {
		t.Error("middle survived the clamp")
	}
}

func TestStubLLMIsDeterministic(t *testing.T) {
	var llm StubLLM
	out, err := llm.Generate(context.Background(), "  hello world  ")
	if err != nil || out != "[stub] hello world" {
		t.Errorf("Generate = %q, %v", out, err)
	}

	out, err = llm.GenerateMessages(context.Background(), []LLMMessage{
		{Role: "system", Content: "ignored"},
		{Role: "user", Content: "final turn"},
	})
	if err != nil || out != "[stub] final turn" {
		t.Errorf("GenerateMessages = %q, %v", out, err)
	}

	if out, _ := llm.GenerateMessages(context.Background(), nil); out != "" {
		t.Errorf("empty transcript = %q", out)
	}
}

func TestStubLLMBoundsEcho(t *testing.T) {
	var llm StubLLM
	out, _ := llm.Generate(context.Background(), strings.Repeat("x", 500))
	if len(out) > len("[stub] ")+160 {
		t.Errorf("echo length = %d", len(out))
	}
}
