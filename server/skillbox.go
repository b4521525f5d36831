package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/nevindra/relay"
	"github.com/nevindra/relay/sandbox"
)

// Skillbox is the serving side of the skills provider: it lists installed
// manifests and runs invocations through the sandbox runner. It is mounted
// by the skillbox sidecar, not by the main daemon.
type Skillbox struct {
	registry *sandbox.Registry
	runner   *sandbox.Runner
	settings relay.Settings
	logger   *slog.Logger
}

// NewSkillbox creates the skill API handler. A nil registry means no skills
// root is configured; listing then reports SKILLS_NOT_CONFIGURED.
func NewSkillbox(registry *sandbox.Registry, runner *sandbox.Runner, settings relay.Settings, logger *slog.Logger) *Skillbox {
	if logger == nil {
		logger = relay.NopLogger()
	}
	return &Skillbox{registry: registry, runner: runner, settings: settings, logger: logger}
}

// Handler builds the skill API route table.
func (s *Skillbox) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /skills", s.listSkills)
	mux.HandleFunc("POST /skills/{id}/invoke", s.invokeSkill)
	mux.HandleFunc("GET /health", s.health)
	return mux
}

func (s *Skillbox) listSkills(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeErr(w, http.StatusServiceUnavailable, "SKILLS_NOT_CONFIGURED", "no skills root is configured")
		return
	}
	manifests, err := s.registry.List()
	if err != nil {
		s.logger.Error("list skills failed", "error", err)
		writeErr(w, http.StatusInternalServerError, relay.CodeRuntimeError, "could not read the skills root")
		return
	}
	if manifests == nil {
		manifests = []sandbox.Manifest{}
	}
	writeJSON(w, http.StatusOK, manifests)
}

// invokeSkill runs one sandbox execution. Coded runner errors map onto the
// HTTP contract the skills provider decodes: policy denials are 403, invalid
// arguments 400, unknown skills 404, everything else 500. A timeout is not
// an HTTP error; the result comes back 200 with status TIMEOUT.
func (s *Skillbox) invokeSkill(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeErr(w, http.StatusServiceUnavailable, "SKILLS_NOT_CONFIGURED", "no skills root is configured")
		return
	}
	// Resolve the skill before checking the runner: an unknown skill is 404
	// regardless of sandbox availability.
	id := r.PathValue("id")
	manifest, ok := s.registry.Get(id)
	if !ok {
		writeErr(w, http.StatusNotFound, relay.CodeToolNotFound, "skill "+id+" is not installed")
		return
	}
	if s.runner == nil {
		writeErr(w, http.StatusServiceUnavailable, "SKILLS_NOT_CONFIGURED", "no sandbox runner is configured")
		return
	}

	var req sandbox.ExecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, relay.CodeInvalidArgument, "malformed invoke body")
		return
	}
	req.SkillID = id

	result, err := s.runner.Exec(r.Context(), manifest, &req)
	if err != nil {
		s.writeExecErr(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Skillbox) writeExecErr(w http.ResponseWriter, id string, err error) {
	code := relay.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case relay.CodePolicyDenied:
		status = http.StatusForbidden
	case relay.CodeInvalidArgument:
		status = http.StatusBadRequest
	case relay.CodeToolNotFound:
		status = http.StatusNotFound
	case "":
		code = relay.CodeRuntimeError
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("skill exec failed", "skill_id", id, "error", err)
	}
	writeErr(w, status, code, err.Error())
}

func (s *Skillbox) health(w http.ResponseWriter, r *http.Request) {
	report := sandbox.Health(r.Context(), s.settings)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"configured": s.registry != nil,
		"sandbox":    report,
	})
}
