package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/nevindra/relay"
)

const patchIDShortLen = 16

// EditDocsPropose computes a unified diff against the target file and parks
// the run waiting for confirmation. The diff is fingerprinted so apply can
// verify it is confirming the same proposal.
type EditDocsPropose struct {
	repoRoot string
}

// NewEditDocsPropose creates the propose handler. Paths resolve under repoRoot.
func NewEditDocsPropose(repoRoot string) *EditDocsPropose {
	return &EditDocsPropose{repoRoot: repoRoot}
}

func (h *EditDocsPropose) Type() string { return "edit_docs_propose" }

func (h *EditDocsPropose) Run(ctx context.Context, tc *relay.TaskContext) error {
	relPath := docPathInput(tc.Run.Input)
	newContent, hasContent := docContentInput(tc.Run.Input)

	var oldContent string
	err := tc.Step(ctx, "read_file", func(meta map[string]any) error {
		target, err := resolveDocPath(h.repoRoot, relPath)
		if err != nil {
			return err
		}
		if !hasContent {
			return relay.E(relay.CodeInvalidInput, "missing content field")
		}
		data, err := os.ReadFile(target)
		if err != nil && !os.IsNotExist(err) {
			return relay.Ef(relay.CodeRuntimeError, "read %s: %v", relPath, err)
		}
		oldContent = string(data)
		meta["path"] = relPath
		meta["bytes"] = len(oldContent)
		return nil
	})
	if err != nil {
		return nil
	}

	var diffText, patchID string
	err = tc.Step(ctx, "compute_diff", func(meta map[string]any) error {
		diffText = unifiedDiff(oldContent, newContent)
		if diffText == "" {
			return relay.E(relay.CodeInvalidInput, "proposed content is identical to the current file")
		}
		patchID = hashPatch(diffText)
		meta["patch_id_short"] = patchID[:patchIDShortLen]
		return nil
	})
	if err != nil {
		return nil
	}

	tc.SetArtifact("diff", diffText)
	tc.SetArtifact("patch_id", patchID)
	tc.SetArtifact("patch_id_short", patchID[:patchIDShortLen])
	tc.SetArtifact("files", []string{relPath})
	tc.SetArtifact("applied", false)
	tc.SetResult("task_state", "WAIT_CONFIRM")
	tc.SetResult("reply", fmt.Sprintf("Proposed edit to %s (patch %s). Confirm to apply.", relPath, patchID[:patchIDShortLen]))
	tc.SetResult("observation", fmt.Sprintf("proposed patch %s for %s, awaiting confirmation", patchID[:patchIDShortLen], relPath))
	return nil
}

// EditDocsApply verifies the confirmation against the propose run's patch
// fingerprint and writes the change.
type EditDocsApply struct {
	runs     relay.RunStore
	repoRoot string
}

// NewEditDocsApply creates the apply handler.
func NewEditDocsApply(runs relay.RunStore, repoRoot string) *EditDocsApply {
	return &EditDocsApply{runs: runs, repoRoot: repoRoot}
}

func (h *EditDocsApply) Type() string { return "edit_docs_apply" }

func (h *EditDocsApply) Run(ctx context.Context, tc *relay.TaskContext) error {
	parent, ok := h.loadParent(ctx, tc)
	if !ok {
		return nil
	}

	confirmID := tc.Run.Input.Str("patch_id")
	patchID, _ := parent.Output.Artifacts["patch_id"].(string)
	diffText, _ := parent.Output.Artifacts["diff"].(string)
	files := stringSlice(parent.Output.Artifacts["files"])

	err := tc.Step(ctx, "verify_patch", func(meta map[string]any) error {
		if patchID == "" || diffText == "" {
			return relay.E(relay.CodePatchMismatch, "parent run carries no proposed patch")
		}
		if confirmID == "" || !strings.HasPrefix(patchID, confirmID) {
			return relay.Ef(relay.CodePatchMismatch, "patch_id %q does not match the proposed patch", confirmID)
		}
		meta["patch_id_short"] = patchID[:patchIDShortLen]
		return nil
	})
	if err != nil {
		return nil
	}

	err = tc.Step(ctx, "apply_patch", func(meta map[string]any) error {
		if len(files) != 1 {
			return relay.Ef(relay.CodeInvalidInput, "expected exactly one target file, got %d", len(files))
		}
		target, err := resolveDocPath(h.repoRoot, files[0])
		if err != nil {
			return err
		}
		data, err := os.ReadFile(target)
		if err != nil && !os.IsNotExist(err) {
			return relay.Ef(relay.CodeRuntimeError, "read %s: %v", files[0], err)
		}
		patched, err := applyDiff(string(data), diffText)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return relay.Ef(relay.CodeRuntimeError, "create parent dir: %v", err)
		}
		if err := os.WriteFile(target, []byte(patched), 0o644); err != nil {
			return relay.Ef(relay.CodeRuntimeError, "write %s: %v", files[0], err)
		}
		meta["path"] = files[0]
		meta["bytes"] = len(patched)
		return nil
	})
	if err != nil {
		return nil
	}

	tc.SetArtifact("patch_id", patchID)
	tc.SetArtifact("patch_id_short", patchID[:patchIDShortLen])
	tc.SetArtifact("files", files)
	tc.SetArtifact("applied", true)
	tc.SetResult("reply", fmt.Sprintf("Applied patch %s to %s.", patchID[:patchIDShortLen], strings.Join(files, ", ")))
	tc.SetResult("observation", fmt.Sprintf("applied patch %s", patchID[:patchIDShortLen]))
	return nil
}

func (h *EditDocsApply) loadParent(ctx context.Context, tc *relay.TaskContext) (*relay.Run, bool) {
	return loadProposeRun(ctx, tc, h.runs)
}

// EditDocsCancel discards a pending proposal.
type EditDocsCancel struct {
	runs relay.RunStore
}

// NewEditDocsCancel creates the cancel handler.
func NewEditDocsCancel(runs relay.RunStore) *EditDocsCancel {
	return &EditDocsCancel{runs: runs}
}

func (h *EditDocsCancel) Type() string { return "edit_docs_cancel" }

func (h *EditDocsCancel) Run(ctx context.Context, tc *relay.TaskContext) error {
	parent, ok := loadProposeRun(ctx, tc, h.runs)
	if !ok {
		return nil
	}
	patchID, _ := parent.Output.Artifacts["patch_id"].(string)

	tc.SetArtifact("patch_id", patchID)
	tc.SetArtifact("canceled", true)
	tc.SetResult("reply", "Discarded the proposed edit.")
	tc.SetResult("observation", fmt.Sprintf("canceled patch %s", shortPatch(patchID)))
	return nil
}

// loadProposeRun fetches the propose run named by parent_run_id and checks it
// produced an envelope, inside a load_parent step.
func loadProposeRun(ctx context.Context, tc *relay.TaskContext, runs relay.RunStore) (*relay.Run, bool) {
	var parent *relay.Run
	err := tc.Step(ctx, "load_parent", func(meta map[string]any) error {
		parentID := tc.Run.Input.Str("parent_run_id")
		if parentID == "" {
			parentID = tc.Run.ParentRunID
		}
		if parentID == "" {
			return relay.E(relay.CodeInvalidInput, "missing parent_run_id")
		}
		p, err := runs.GetRun(ctx, parentID)
		if err != nil {
			return relay.Ef(relay.CodeInvalidInput, "load parent run: %v", err)
		}
		if p.Type != "edit_docs_propose" || p.Output == nil {
			return relay.E(relay.CodeInvalidInput, "parent run is not a completed edit proposal")
		}
		parent = p
		meta["parent_run_id"] = parentID
		return nil
	})
	return parent, err == nil
}

// unifiedDiff renders the change as patch text, fingerprintable and
// re-appliable via applyDiff.
func unifiedDiff(oldContent, newContent string) string {
	if oldContent == newContent {
		return ""
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldContent, newContent, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	return dmp.PatchToText(dmp.PatchMake(oldContent, diffs))
}

// applyDiff re-applies a stored patch text to the current file content. A
// hunk that no longer matches means the file drifted since the proposal.
func applyDiff(current, diffText string) (string, error) {
	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(diffText)
	if err != nil {
		return "", relay.Ef(relay.CodePatchMismatch, "parse patch: %v", err)
	}
	patched, applied := dmp.PatchApply(patches, current)
	for _, ok := range applied {
		if !ok {
			return "", relay.E(relay.CodePatchMismatch, "file changed since the proposal, patch no longer applies")
		}
	}
	return patched, nil
}

func hashPatch(diffText string) string {
	sum := sha256.Sum256([]byte(diffText))
	return hex.EncodeToString(sum[:])
}

func shortPatch(patchID string) string {
	if len(patchID) > patchIDShortLen {
		return patchID[:patchIDShortLen]
	}
	return patchID
}

func docPathInput(in relay.Input) string {
	if p := in.Str("path"); p != "" {
		return p
	}
	return in.Str("file")
}

func docContentInput(in relay.Input) (string, bool) {
	for _, key := range []string{"content", "new_content"} {
		if v, ok := in[key].(string); ok {
			return v, true
		}
	}
	return "", false
}

// resolveDocPath confines an edit target under the repository root.
func resolveDocPath(repoRoot, relPath string) (string, error) {
	if relPath == "" {
		return "", relay.E(relay.CodeInvalidInput, "missing path field")
	}
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(relPath, "/")))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", relay.Ef(relay.CodeInvalidInput, "path %q escapes the repository root", relPath)
	}
	return filepath.Join(repoRoot, clean), nil
}

func stringSlice(v any) []string {
	switch vs := v.(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, item := range vs {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
