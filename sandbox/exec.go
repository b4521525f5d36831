package sandbox

import (
	"path"
	"strings"

	"github.com/nevindra/relay"
)

// Exec statuses persisted in results and returned over the invoke endpoint.
const (
	StatusSucceeded    = "SUCCEEDED"
	StatusFailed       = "FAILED"
	StatusTimeout      = "TIMEOUT"
	StatusPolicyDenied = "POLICY_DENIED"
)

// ExecRequest is one sandbox execution ask. Kind selects the command shape:
// shell runs the script through bash -lc, python runs code through
// python -c or an input file path under /workspace/inputs.
type ExecRequest struct {
	SkillID   string            `json:"skill_id"`
	ProjectID string            `json:"project_id"`
	Kind      string            `json:"kind"`
	Code      string            `json:"code,omitempty"`
	Script    string            `json:"script,omitempty"`
	File      string            `json:"file,omitempty"`
	Inputs    map[string]string `json:"inputs,omitempty"`

	PolicyOverrides map[string]any `json:"policy_overrides,omitempty"`
}

// ExecResult is the sandbox outcome. Paths are relative to ArtifactsDir.
type ExecResult struct {
	ExecID          string `json:"exec_id"`
	Status          string `json:"status"`
	ExitCode        int    `json:"exit_code"`
	ArtifactsDir    string `json:"artifacts_dir"`
	StdoutPath      string `json:"stdout_path"`
	StderrPath      string `json:"stderr_path"`
	StdoutTruncated bool   `json:"stdout_truncated"`
	StderrTruncated bool   `json:"stderr_truncated"`
	StdoutPreview   string `json:"stdout_preview,omitempty"`
	ErrorReason     string `json:"error_reason,omitempty"`
}

const stdoutPreviewRunes = 2000

// previewText returns the leading runes of a captured stream for inline
// display, leaving the full stream on disk.
func previewText(b []byte) string {
	s := strings.ToValidUTF8(string(b), "")
	r := []rune(s)
	if len(r) <= stdoutPreviewRunes {
		return s
	}
	return string(r[:stdoutPreviewRunes])
}

// commandShape validates the request against the allowed command shapes and
// returns the container command. Any other shape is a policy violation;
// unsafe input paths are invalid arguments.
func commandShape(req *ExecRequest) (cmd []string, err error) {
	for name := range req.Inputs {
		if !safeRelPath(name) {
			return nil, relay.Ef(relay.CodeInvalidArgument, "input file name %q escapes the workspace", name)
		}
	}
	switch req.Kind {
	case "shell":
		if strings.TrimSpace(req.Script) == "" {
			return nil, relay.E(relay.CodePolicyDenied, "shell exec requires a script")
		}
		return []string{"bash", "-lc", req.Script}, nil
	case "python":
		if req.File != "" {
			if !safeRelPath(req.File) {
				return nil, relay.Ef(relay.CodeInvalidArgument, "input file path %q escapes the workspace", req.File)
			}
			return []string{"python", path.Join("/workspace/inputs", req.File)}, nil
		}
		if strings.TrimSpace(req.Code) == "" {
			return nil, relay.E(relay.CodePolicyDenied, "python exec requires code or a file")
		}
		return []string{"python", "-c", req.Code}, nil
	}
	return nil, relay.Ef(relay.CodePolicyDenied, "unsupported exec kind %q", req.Kind)
}

// safeRelPath rejects absolute paths and any traversal outside the inputs
// directory.
func safeRelPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return false
	}
	return true
}
