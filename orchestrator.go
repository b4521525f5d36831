package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Step ceiling no single decision can raise, regardless of what the model
// asks for.
const maxStepsCap = 8

// defaultMaxSteps applies when a decision does not set max_steps.
const defaultMaxSteps = 3

// Orchestrator is the conversational agent loop: it alternates model
// decisions with background runs until the model replies or the step budget
// runs out.
type Orchestrator struct {
	store    RunStore
	llm      LLM
	facts    FactSource
	settings Settings
	logger   *slog.Logger
	now      func() time.Time

	// pollInterval between child run status checks.
	pollInterval time.Duration
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorLogger sets a structured logger.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithOrchestratorFacts sets the active-facts source consulted per turn.
func WithOrchestratorFacts(f FactSource) OrchestratorOption {
	return func(o *Orchestrator) { o.facts = f }
}

// WithOrchestratorSettings sets the effective settings snapshot.
func WithOrchestratorSettings(s Settings) OrchestratorOption {
	return func(o *Orchestrator) { o.settings = s }
}

// withOrchestratorPoll overrides the child polling interval (tests).
func withOrchestratorPoll(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.pollInterval = d }
}

// withOrchestratorClock overrides the wall clock (tests).
func withOrchestratorClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates the agent loop over a run store and model.
func NewOrchestrator(store RunStore, llm LLM, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:        store,
		llm:          llm,
		settings:     DefaultSettings(),
		logger:       nopLogger,
		now:          time.Now,
		pollInterval: time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// TurnResult is the outcome of one conversational turn.
type TurnResult struct {
	Reply string `json:"reply"`
	// RunIDs are the child runs started during the turn, in order.
	RunIDs []string `json:"run_ids,omitempty"`
	// Steps is the number of decision steps consumed.
	Steps int `json:"steps"`
}

// RunTurn drives one conversational turn: decide, optionally start and await
// a run, feed the observation back, repeat. The loop ends with a reply, a
// reached step budget, or a context error.
func (o *Orchestrator) RunTurn(ctx context.Context, conversationID, userMessage string) (*TurnResult, error) {
	return o.runTurn(ctx, "", conversationID, userMessage)
}

// RunTurnFromRun drives one turn on behalf of an agent_turn run. Child runs
// started during the turn carry parent_run_id, so the emitter surfaces only
// the parent's reply instead of one message per child.
func (o *Orchestrator) RunTurnFromRun(ctx context.Context, parentRunID, conversationID, userMessage string) (*TurnResult, error) {
	return o.runTurn(ctx, parentRunID, conversationID, userMessage)
}

func (o *Orchestrator) runTurn(ctx context.Context, parentRunID, conversationID, userMessage string) (*TurnResult, error) {
	if !o.settings.AgentLoop.Enabled {
		return nil, E(CodeInvalidInput, "agent loop is disabled")
	}

	messages := []LLMMessage{
		{Role: "system", Content: o.systemPrompt(ctx, conversationID)},
		{Role: "user", Content: userMessage},
	}

	res := &TurnResult{}
	budget := defaultMaxSteps
	for res.Steps < budget {
		res.Steps++

		dec, err := o.nextDecision(ctx, messages)
		if err != nil {
			return nil, err
		}
		if dec.Run != nil {
			budget = clampSteps(dec.Run.MaxSteps, budget)
		}

		switch dec.Kind {
		case DecisionKindReply:
			res.Reply = dec.Reply
			return res, nil

		case DecisionKindRun, DecisionKindReplyAndRun:
			if dec.Kind == DecisionKindReplyAndRun {
				res.Reply = dec.Reply
			}
			obs, runID, err := o.executeDecisionRun(ctx, parentRunID, conversationID, dec.Run)
			if err != nil {
				return nil, err
			}
			res.RunIDs = append(res.RunIDs, runID)
			if dec.Kind == DecisionKindReplyAndRun {
				// Fire and observe later through the emitter; the user
				// already has their reply.
				return res, nil
			}
			messages = append(messages,
				LLMMessage{Role: "assistant", Content: fmt.Sprintf("Started %s run %s.", dec.Run.Type, runID)},
				LLMMessage{Role: "user", Content: "Observation: " + obs},
			)
		}
	}

	if res.Reply == "" {
		res.Reply = "I reached the maximum number of steps for this request. The work done so far has been recorded."
	}
	return res, nil
}

// nextDecision is the pure model step: one completion, one parsed decision.
// Disallowed run types degrade the decision to a reply explaining why.
func (o *Orchestrator) nextDecision(ctx context.Context, messages []LLMMessage) (Decision, error) {
	if timeout := o.settings.AgentLoop.DecisionTimeoutSeconds; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
		defer cancel()
	}
	raw, err := o.llm.GenerateMessages(ctx, messages)
	if err != nil {
		return Decision{}, err
	}
	dec := ParseDecision(raw)
	if dec.Run != nil && !o.runTypeAllowed(dec.Run.Type) {
		o.logger.Warn("decision requested disallowed run type", "run_type", dec.Run.Type)
		return Decision{
			Kind:  DecisionKindReply,
			Reply: fmt.Sprintf("I can't start a %q task here.", dec.Run.Type),
		}, nil
	}
	return dec, nil
}

func (o *Orchestrator) runTypeAllowed(runType string) bool {
	for _, t := range o.settings.AgentLoop.AllowedRunTypes {
		if t == runType {
			return true
		}
	}
	return false
}

// executeDecisionRun creates the child run and waits for a terminal state,
// returning the observation text fed back to the model.
func (o *Orchestrator) executeDecisionRun(ctx context.Context, parentRunID, conversationID string, dr *DecisionRun) (obs, runID string, err error) {
	input := Input{}
	for k, v := range dr.Input {
		input[k] = v
	}
	input["conversation_id"] = conversationID
	input["trace_id"] = NewTraceID()
	if parentRunID != "" {
		input["parent_run_id"] = parentRunID
	}
	if snap := o.settings.Snapshot(); snap != nil {
		input["settings_snapshot"] = snap
	}

	run := NewRun(dr.Type, dr.Title, input)
	run.ParentRunID = parentRunID
	if err := o.store.CreateRun(ctx, run); err != nil {
		return "", "", err
	}
	o.logger.Info("agent loop started run", "run_id", run.ID, "run_type", run.Type)

	terminal, err := o.waitForTerminal(ctx, run.ID)
	if err != nil {
		return "", run.ID, err
	}
	return observationOf(terminal), run.ID, nil
}

// waitForTerminal polls the run until it leaves queued/running. Hitting the
// wait ceiling is a Timeout error; the message is user-facing because the
// turn surfaces it directly.
func (o *Orchestrator) waitForTerminal(ctx context.Context, runID string) (*Run, error) {
	ceiling := time.Duration(o.settings.ChildWaitTimeoutSecs) * time.Second
	if ceiling <= 0 {
		ceiling = 60 * time.Second
	}
	deadline := o.now().Add(ceiling)
	for {
		run, err := o.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
		if !o.now().Before(deadline) {
			return nil, Ef(CodeTimeout,
				"the task is still running; its result will be posted to the conversation when it finishes")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(o.pollInterval):
		}
	}
}

// observationOf renders a terminal run as the observation string fed back to
// the model.
func observationOf(run *Run) string {
	switch run.Status {
	case StatusCanceled:
		return "the task was canceled"
	case StatusFailed:
		if run.Output != nil && run.Output.Error != nil {
			return "the task failed: " + run.Output.Error.Message
		}
		if run.Error != "" {
			return "the task failed: " + run.Error
		}
		return "the task failed"
	}
	if run.Output != nil {
		if obs := run.Output.Observation(); obs != "" {
			return obs
		}
		if reply := run.Output.Reply(); reply != "" {
			return reply
		}
	}
	return "the task finished with no observation"
}

// systemPrompt renders the decision instructions plus the active facts block.
func (o *Orchestrator) systemPrompt(ctx context.Context, conversationID string) string {
	var b strings.Builder
	b.WriteString("You are a task orchestrator. Answer directly when you can.\n")
	b.WriteString("To start background work, reply with a single JSON object:\n")
	b.WriteString(`{"kind":"reply"|"run"|"reply_and_run","reply":"...","run":{"type":"...","title":"...","input":{},"max_steps":3}}`)
	b.WriteString("\nAllowed run types: ")
	b.WriteString(strings.Join(o.settings.AgentLoop.AllowedRunTypes, ", "))
	b.WriteString("\n")

	if o.facts != nil {
		facts, _, err := o.facts.ActiveFacts(ctx, conversationID, o.settings.FactsLimit)
		if err == nil {
			if block := RenderFactsBlock(facts); block != "" {
				b.WriteString("\n")
				b.WriteString(block)
			}
		}
	}
	return b.String()
}

// clampSteps bounds a requested step budget to [1, maxStepsCap], keeping the
// current budget when the request is unset.
func clampSteps(requested, current int) int {
	if requested <= 0 {
		return current
	}
	if requested > maxStepsCap {
		return maxStepsCap
	}
	return requested
}
