package handlers

import (
	"context"
	"fmt"

	"github.com/nevindra/relay"
)

const stdoutPreviewChars = 800

// CodeSnippet runs a user-supplied snippet in the sandbox via the skill
// tools. Only python and shell are supported.
type CodeSnippet struct{}

// NewCodeSnippet creates the code_snippet handler.
func NewCodeSnippet() *CodeSnippet { return &CodeSnippet{} }

func (h *CodeSnippet) Type() string { return "run_code_snippet" }

type snippetResult struct {
	ExecID        string `json:"exec_id"`
	Status        string `json:"status"`
	ExitCode      int    `json:"exit_code"`
	StdoutPreview string `json:"stdout_preview"`
	ErrorReason   string `json:"error_reason"`
}

func (h *CodeSnippet) Run(ctx context.Context, tc *relay.TaskContext) error {
	language := tc.Run.Input.Str("language")
	code := tc.Run.Input.Str("code")
	if code == "" {
		// Shell callers tend to send "script"; both keys are accepted.
		code = tc.Run.Input.Str("script")
	}

	var skill string
	var args map[string]any
	switch language {
	case "python":
		skill = "skill.python.run"
		args = map[string]any{"kind": "python", "code": code}
	case "shell":
		skill = "skill.shell.run"
		args = map[string]any{"kind": "shell", "script": code}
	default:
		_ = tc.Step(ctx, "resolve_skill", func(meta map[string]any) error {
			meta["language"] = language
			return relay.Ef(relay.CodeUnsupportedSkill, "unsupported language %q, want python or shell", language)
		})
		return nil
	}

	if tc.Tools == nil {
		return fmt.Errorf("code_snippet handler requires a tool runtime")
	}
	value, err := tc.Tools.Invoke(ctx, tc, skill, args)
	if err != nil {
		return nil
	}

	var res snippetResult
	if err := decodeInto(value, &res); err != nil {
		_ = tc.Step(ctx, "decode_result", func(map[string]any) error {
			return relay.Ef(relay.CodeRuntimeError, "decode exec result: %v", err)
		})
		return nil
	}

	tc.SetResult("exec_id", res.ExecID)
	tc.SetResult("status", res.Status)
	tc.SetResult("exit_code", res.ExitCode)
	tc.SetResult("observation", fmt.Sprintf("%s exec %s finished with status %s (exit %d)",
		language, res.ExecID, res.Status, res.ExitCode))
	tc.SetResult("reply", snippetReply(language, &res))

	if res.Status != "" && res.Status != "SUCCEEDED" {
		_ = tc.Step(ctx, "check_exit", func(meta map[string]any) error {
			meta["status"] = res.Status
			meta["exit_code"] = res.ExitCode
			reason := res.ErrorReason
			if reason == "" {
				reason = fmt.Sprintf("exec exited with status %s", res.Status)
			}
			return relay.E(relay.CodeRuntimeError, reason)
		})
	}
	return nil
}

// snippetReply composes the UI-facing text with a stdout preview.
func snippetReply(language string, res *snippetResult) string {
	preview := firstRunes(res.StdoutPreview, stdoutPreviewChars)
	if preview == "" {
		preview = "(no output)"
	}
	return fmt.Sprintf("Ran %s snippet (status %s, exit %d):\n```\n%s\n```",
		language, res.Status, res.ExitCode, preview)
}
