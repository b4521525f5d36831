package relay

import (
	"encoding/json"
	"strings"
)

// Decision kinds produced by the agent loop model step.
const (
	DecisionKindReply       = "reply"
	DecisionKindRun         = "run"
	DecisionKindReplyAndRun = "reply_and_run"
)

// DecisionRun describes the background run a decision wants started.
type DecisionRun struct {
	Type     string `json:"type"`
	Title    string `json:"title,omitempty"`
	Input    Input  `json:"input,omitempty"`
	MaxSteps int    `json:"max_steps,omitempty"`
}

// Decision is one parsed model decision: reply to the user, start a run, or
// both.
type Decision struct {
	Kind  string       `json:"kind"`
	Reply string       `json:"reply,omitempty"`
	Run   *DecisionRun `json:"run,omitempty"`
}

// ParseDecision decodes a model decision from raw completion text. Models
// wrap JSON in prose and code fences; the parser salvages the outermost JSON
// object before decoding. Anything undecodable degrades to a plain reply
// carrying the raw text.
func ParseDecision(raw string) Decision {
	text := strings.TrimSpace(raw)
	if obj := salvageJSON(text); obj != "" {
		var d Decision
		if err := json.Unmarshal([]byte(obj), &d); err == nil && validDecision(&d) {
			return d
		}
	}
	return Decision{Kind: DecisionKindReply, Reply: text}
}

// validDecision checks the decoded shape: a known kind, a reply where one is
// required, a run where one is required.
func validDecision(d *Decision) bool {
	switch d.Kind {
	case DecisionKindReply:
		return d.Reply != ""
	case DecisionKindRun:
		return d.Run != nil && d.Run.Type != ""
	case DecisionKindReplyAndRun:
		return d.Reply != "" && d.Run != nil && d.Run.Type != ""
	}
	return false
}

// salvageJSON extracts the outermost {...} object from text, or "".
func salvageJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
