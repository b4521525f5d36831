package relay

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func terminalRun(t *testing.T, store *fakeRunStore, input Input, status RunStatus, output *TaskResult) *Run {
	t.Helper()
	run := NewRun("research_report", "GC research", input)
	run.Status = status
	run.Output = output
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatal(err)
	}
	return run
}

func TestEmitIsIdempotent(t *testing.T) {
	store := newFakeRunStore()
	sink := &fakeSink{}
	e := NewEmitter(store, sink, nil)

	run := terminalRun(t, store, Input{"conversation_id": "conv-1"}, StatusSucceeded, &TaskResult{
		Version:  TaskResultVersion,
		OK:       true,
		TaskType: "research_report",
		Result:   map[string]any{"reply": "# Report\n\nAll good."},
	})

	for i := 0; i < 2; i++ {
		if err := e.EmitRunMessage(context.Background(), run.ID); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
	}
	if sink.count() != 1 {
		t.Fatalf("saved = %d", sink.count())
	}
	msg := sink.saved[0]
	if msg.ConversationID != "conv-1" || msg.Role != "assistant" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Text != "# Report\n\nAll good." {
		t.Errorf("text = %q", msg.Text)
	}
	// The preview is plain text, markers stripped.
	if strings.Contains(msg.Preview, "#") || !strings.Contains(msg.Preview, "Report") {
		t.Errorf("preview = %q", msg.Preview)
	}
}

func TestEmitSkipsChildRuns(t *testing.T) {
	store := newFakeRunStore()
	sink := &fakeSink{}
	e := NewEmitter(store, sink, nil)

	run := terminalRun(t, store, Input{"parent_run_id": "parent-1"}, StatusSucceeded, nil)
	if err := e.EmitRunMessage(context.Background(), run.ID); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if sink.count() != 0 {
		t.Errorf("child run emitted a message")
	}
}

func TestEmitNonTerminalFails(t *testing.T) {
	store := newFakeRunStore()
	e := NewEmitter(store, &fakeSink{}, nil)

	run := NewRun("sleep", "", Input{})
	_ = store.CreateRun(context.Background(), run)
	if err := e.EmitRunMessage(context.Background(), run.ID); !errors.Is(err, ErrNotTerminal) {
		t.Errorf("err = %v", err)
	}
	if err := e.EmitRunMessage(context.Background(), "absent"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestEmitFailureAndCancelTexts(t *testing.T) {
	store := newFakeRunStore()
	sink := &fakeSink{}
	e := NewEmitter(store, sink, nil)

	failed := terminalRun(t, store, Input{}, StatusFailed, &TaskResult{
		Version: TaskResultVersion,
		Error:   &TaskError{Code: CodeRuntimeError, Message: "model unavailable"},
	})
	canceled := terminalRun(t, store, Input{}, StatusCanceled, nil)
	canceled.CancelReason = "changed my mind"
	_ = store.CreateRun(context.Background(), canceled)

	_ = e.EmitRunMessage(context.Background(), failed.ID)
	_ = e.EmitRunMessage(context.Background(), canceled.ID)

	if sink.count() != 2 {
		t.Fatalf("saved = %d", sink.count())
	}
	if !strings.Contains(sink.saved[0].Text, "failed: model unavailable") {
		t.Errorf("failed text = %q", sink.saved[0].Text)
	}
	if !strings.Contains(sink.saved[1].Text, "canceled: changed my mind") {
		t.Errorf("canceled text = %q", sink.saved[1].Text)
	}
}

func TestMarkdownToPlain(t *testing.T) {
	md := "# Title\n\nSome *emphasis* and a [link](https://example.com).\n\n- first\n- second\n"
	plain := MarkdownToPlain(md)
	for _, banned := range []string{"#", "*", "]("} {
		if strings.Contains(plain, banned) {
			t.Errorf("plain text still carries %q: %q", banned, plain)
		}
	}
	for _, want := range []string{"Title", "emphasis", "link", "- first", "- second"} {
		if !strings.Contains(plain, want) {
			t.Errorf("missing %q in %q", want, plain)
		}
	}
}
