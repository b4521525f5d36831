package relay

import (
	"context"
	"strings"
	"testing"
	"time"
)

// stepClock advances a fixed amount per call so step durations are
// deterministic.
func stepClock(step time.Duration) func() time.Time {
	t := time.Unix(0, 0)
	return func() time.Time {
		now := t
		t = t.Add(step)
		return now
	}
}

func TestStepRecordsTimingAndMeta(t *testing.T) {
	run := NewRun("sleep", "", Input{})
	tc := NewTaskContext(run, withClock(stepClock(1500*time.Microsecond)))

	err := tc.Step(context.Background(), "sleep", func(meta map[string]any) error {
		meta["seconds"] = 3
		return nil
	})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	steps := tc.Steps()
	if len(steps) != 1 {
		t.Fatalf("steps = %d", len(steps))
	}
	s := steps[0]
	if s.Name != "sleep" || !s.OK || s.ErrorCode != nil {
		t.Errorf("step = %+v", s)
	}
	// 1.5ms rounds up to 2.
	if s.DurationMS != 2 {
		t.Errorf("duration_ms = %d, want 2", s.DurationMS)
	}
	if s.Meta["seconds"] != 3 {
		t.Errorf("meta = %+v", s.Meta)
	}
}

func TestFirstFailureWinsEnvelopeError(t *testing.T) {
	tc := NewTaskContext(NewRun("sleep", "", Input{}))

	_ = tc.Step(context.Background(), "first", func(meta map[string]any) error {
		return E(CodeInvalidInput, "bad seconds")
	})
	_ = tc.Step(context.Background(), "second", func(meta map[string]any) error {
		return E(CodeRuntimeError, "later failure")
	})

	out := tc.BuildOutput("sleep")
	if out.OK {
		t.Error("ok should be false after a failed step")
	}
	if out.Error == nil || out.Error.Code != CodeInvalidInput || out.Error.Step != "first" {
		t.Errorf("error = %+v", out.Error)
	}
	if len(out.Steps) != 2 || out.Steps[1].OK || *out.Steps[1].ErrorCode != CodeRuntimeError {
		t.Errorf("steps = %+v", out.Steps)
	}
}

func TestWebBlockedMessagePolicy(t *testing.T) {
	tc := NewTaskContext(NewRun("research_report", "", Input{}))

	_ = tc.Step(context.Background(), "tool.web.search", func(meta map[string]any) error {
		return &Error{Code: CodeWebBlocked, Message: "403 from upstream", DetailCode: DetailHTTP403}
	})

	te := tc.Err()
	if te == nil {
		t.Fatal("no task error")
	}
	if te.Message != WebBlockedMessage {
		t.Errorf("message = %q", te.Message)
	}
	if !te.Retryable {
		t.Error("blocked errors are retryable")
	}
	if tc.Steps()[0].Meta["detail_code"] != DetailHTTP403 {
		t.Errorf("meta = %+v", tc.Steps()[0].Meta)
	}
}

func TestPartialSuccessOverride(t *testing.T) {
	tc := NewTaskContext(NewRun("research_report", "", Input{}))
	_ = tc.Step(context.Background(), "tool.web.fetch", func(meta map[string]any) error {
		return E(CodeNetworkError, "one source down")
	})
	tc.ClearError()
	tc.SetOK(true)

	out := tc.BuildOutput("research_report")
	if !out.OK || out.Error != nil {
		t.Errorf("ok=%v error=%+v", out.OK, out.Error)
	}
	// The failed step stays on record.
	if out.Steps[0].OK {
		t.Error("step failure should remain recorded")
	}
}

func TestTraceIDReusedFromInput(t *testing.T) {
	want := NewTraceID()
	tc := NewTaskContext(NewRun("sleep", "", Input{"trace_id": want}))
	if tc.TraceID != want {
		t.Errorf("trace id = %q, want %q", tc.TraceID, want)
	}

	tc = NewTaskContext(NewRun("sleep", "", Input{"trace_id": "not-hex"}))
	if !ValidTraceID(tc.TraceID) || tc.TraceID == "not-hex" {
		t.Errorf("trace id = %q", tc.TraceID)
	}
}

func TestBuildOutputTooLargeTraceLine(t *testing.T) {
	tc := NewTaskContext(NewRun("research_report", "", Input{}))
	tc.SetArtifact("report", map[string]any{"text": strings.Repeat("x", maxOutputBytes+1)})

	out := tc.BuildOutput("research_report")
	found := false
	for _, line := range out.TraceLines {
		if strings.HasPrefix(line, "task.output.too_large") {
			found = true
		}
	}
	if !found {
		t.Errorf("trace lines = %v", out.TraceLines)
	}
	if out.Artifacts["report"] == nil {
		t.Error("oversized envelope must stay intact")
	}
}

func TestTraceLinesKeepTail(t *testing.T) {
	tc := NewTaskContext(NewRun("sleep", "", Input{}))
	for i := 0; i < maxTraceLines+50; i++ {
		tc.Trace("line %d", i)
	}
	out := tc.BuildOutput("sleep")
	if len(out.TraceLines) != maxTraceLines {
		t.Fatalf("trace lines = %d", len(out.TraceLines))
	}
	if out.TraceLines[len(out.TraceLines)-1] != "line 249" {
		t.Errorf("last line = %q", out.TraceLines[len(out.TraceLines)-1])
	}
}

func TestYieldedFlag(t *testing.T) {
	tc := NewTaskContext(NewRun("research_report", "", Input{}))
	tc.SetYielded()
	if out := tc.BuildOutput("research_report"); !out.Yielded {
		t.Error("yielded not carried into the envelope")
	}
}

func TestCeilMillis(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want int64
	}{
		{0, 0},
		{-time.Second, 0},
		{time.Nanosecond, 1},
		{time.Millisecond, 1},
		{time.Millisecond + time.Nanosecond, 2},
		{2500 * time.Microsecond, 3},
	}
	for _, tc := range cases {
		if got := ceilMillis(tc.d); got != tc.want {
			t.Errorf("ceilMillis(%v) = %d, want %d", tc.d, got, tc.want)
		}
	}
}

func TestBeatWithoutHeartbeatIsNil(t *testing.T) {
	tc := NewTaskContext(NewRun("sleep", "", Input{}))
	if err := tc.Beat(); err != nil {
		t.Errorf("Beat: %v", err)
	}
}
