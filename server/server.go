// Package server exposes the Run API, the facts endpoints consumed by the
// memory HTTP client, and the health report over net/http.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/nevindra/relay"
	"github.com/nevindra/relay/sandbox"
)

// FactWriter mutates the facts store. The sqlite store implements it.
type FactWriter interface {
	UpsertFact(ctx context.Context, f *relay.Fact) error
	SetFactStatus(ctx context.Context, id, status string) error
	DeleteFact(ctx context.Context, id string) error
}

// Server is the Run API HTTP surface.
type Server struct {
	runs     relay.RunStore
	emitter  *relay.Emitter
	facts    relay.FactStore
	factsRW  FactWriter
	settings relay.SettingsStore
	logger   *slog.Logger

	effective func(context.Context) relay.Settings
}

// Option configures a Server.
type Option func(*Server)

// WithEmitter enables the internal emit-message endpoint.
func WithEmitter(e *relay.Emitter) Option {
	return func(s *Server) { s.emitter = e }
}

// WithFacts enables the facts endpoints.
func WithFacts(store relay.FactStore, rw FactWriter) Option {
	return func(s *Server) { s.facts = store; s.factsRW = rw }
}

// WithSettingsStore enables DB settings overrides in the health report.
func WithSettingsStore(store relay.SettingsStore) Option {
	return func(s *Server) { s.settings = store }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates the Run API server over a run store.
func New(runs relay.RunStore, opts ...Option) *Server {
	s := &Server{runs: runs, logger: relay.NopLogger()}
	for _, o := range opts {
		o(s)
	}
	s.effective = func(ctx context.Context) relay.Settings {
		return relay.EffectiveSettings(ctx, s.settings, s.logger)
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /runs", s.createRun)
	mux.HandleFunc("GET /runs", s.listRuns)
	mux.HandleFunc("GET /runs/{id}", s.getRun)
	mux.HandleFunc("POST /runs/{id}/cancel", s.cancelRun)
	mux.HandleFunc("DELETE /runs/{id}", s.deleteRun)
	mux.HandleFunc("POST /internal/runs/{id}/emit-message", s.emitMessage)
	mux.HandleFunc("GET /health", s.health)
	if s.facts != nil {
		mux.HandleFunc("GET /facts/active", s.activeFacts)
		mux.HandleFunc("GET /facts", s.listFacts)
	}
	if s.factsRW != nil {
		mux.HandleFunc("PUT /facts", s.upsertFact)
		mux.HandleFunc("DELETE /facts/{id}", s.deleteFact)
	}
	return mux
}

type createRunRequest struct {
	Type           string      `json:"type"`
	Title          string      `json:"title,omitempty"`
	ConversationID string      `json:"conversation_id,omitempty"`
	ParentRunID    string      `json:"parent_run_id,omitempty"`
	Input          relay.Input `json:"input"`
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "InvalidInput", "malformed request body")
		return
	}
	if req.Type == "" {
		writeErr(w, http.StatusBadRequest, "InvalidInput", "missing run type")
		return
	}
	if req.Input == nil {
		req.Input = relay.Input{}
	}
	if req.ConversationID != "" {
		req.Input["conversation_id"] = req.ConversationID
	}
	if req.ParentRunID != "" {
		if _, err := s.runs.GetRun(r.Context(), req.ParentRunID); err != nil {
			writeErr(w, http.StatusNotFound, "NotFound", "parent run not found")
			return
		}
		req.Input["parent_run_id"] = req.ParentRunID
	}

	run := relay.NewRun(req.Type, req.Title, req.Input)
	if err := s.runs.CreateRun(r.Context(), run); err != nil {
		s.internalErr(w, "create run", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.GetRun(r.Context(), r.PathValue("id"))
	if errors.Is(err, relay.ErrRunNotFound) {
		writeErr(w, http.StatusNotFound, "NotFound", "run not found")
		return
	}
	if err != nil {
		s.internalErr(w, "get run", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && !relay.ValidStatus(status) {
		writeErr(w, http.StatusBadRequest, "InvalidInput", "unknown status "+strconv.Quote(status))
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	runs, err := s.runs.ListRuns(r.Context(), relay.RunStatus(status), limit, offset)
	if err != nil {
		s.internalErr(w, "list runs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": runs})
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	run, err := s.runs.Cancel(r.Context(), r.PathValue("id"), "user", req.Reason)
	switch {
	case errors.Is(err, relay.ErrRunNotFound):
		writeErr(w, http.StatusNotFound, "NotFound", "run not found")
	case errors.Is(err, relay.ErrNotCancelable):
		writeErr(w, http.StatusBadRequest, "NotCancelable", "run is already terminal")
	case err != nil:
		s.internalErr(w, "cancel run", err)
	default:
		writeJSON(w, http.StatusOK, run)
	}
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	err := s.runs.DeleteRun(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, relay.ErrRunNotFound):
		writeErr(w, http.StatusNotFound, "NotFound", "run not found")
	case errors.Is(err, relay.ErrNotTerminal):
		writeErr(w, http.StatusBadRequest, "NotTerminal", "only terminal runs can be deleted")
	case err != nil:
		s.internalErr(w, "delete run", err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) emitMessage(w http.ResponseWriter, r *http.Request) {
	if s.emitter == nil {
		writeErr(w, http.StatusNotFound, "NotFound", "emitter not configured")
		return
	}
	err := s.emitter.EmitRunMessage(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, relay.ErrRunNotFound):
		writeErr(w, http.StatusNotFound, "NotFound", "run not found")
	case errors.Is(err, relay.ErrNotTerminal):
		writeErr(w, http.StatusBadRequest, "NotTerminal", "run is not terminal")
	case err != nil:
		s.internalErr(w, "emit message", err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	settings := s.effective(r.Context())
	report := sandbox.Health(r.Context(), settings)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"sandbox": report,
		"settings": map[string]any{
			"llm_provider":       settings.LLM.Provider,
			"web_search_backend": settings.WebSearch.Backend,
			"web_fetch_backend":  settings.WebFetch.Backend,
			"agent_loop_enabled": settings.AgentLoop.Enabled,
			"trace_verbosity":    settings.TraceVerbosity,
		},
	})
}

// activeFacts serves the merged active set for the memory HTTP client.
func (s *Server) activeFacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("session_id")
	limit := queryInt(r, "limit", relay.DefaultFactsLimit)

	global, err := s.facts.ListFacts(r.Context(), "global", "active", "", "")
	if err != nil {
		s.internalErr(w, "list facts", err)
		return
	}
	var session []relay.Fact
	if sessionID != "" {
		if session, err = s.facts.ListFacts(r.Context(), "session", "active", sessionID, ""); err != nil {
			s.internalErr(w, "list facts", err)
			return
		}
	}
	merged := relay.MergeActiveFacts(global, nil, session)
	if len(merged) > limit {
		merged = merged[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"facts":       merged,
		"snapshot_id": relay.ComputeFactsSnapshotID(merged),
	})
}

func (s *Server) listFacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	facts, err := s.facts.ListFacts(r.Context(), q.Get("scope"), q.Get("status"), q.Get("session_id"), q.Get("project_id"))
	if err != nil {
		s.internalErr(w, "list facts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"facts": facts})
}

func (s *Server) upsertFact(w http.ResponseWriter, r *http.Request) {
	var fact relay.Fact
	if err := json.NewDecoder(r.Body).Decode(&fact); err != nil || fact.Key == "" {
		writeErr(w, http.StatusBadRequest, "InvalidInput", "fact requires a key")
		return
	}
	if fact.Scope == "" {
		fact.Scope = "global"
	}
	if fact.Status == "" {
		fact.Status = "active"
	}
	if err := s.factsRW.UpsertFact(r.Context(), &fact); err != nil {
		s.internalErr(w, "upsert fact", err)
		return
	}
	writeJSON(w, http.StatusOK, fact)
}

func (s *Server) deleteFact(w http.ResponseWriter, r *http.Request) {
	if err := s.factsRW.DeleteFact(r.Context(), r.PathValue("id")); err != nil {
		s.internalErr(w, "delete fact", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) internalErr(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" failed", "error", err)
	writeErr(w, http.StatusInternalServerError, "Internal", "internal error")
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"code": code, "message": message})
}
