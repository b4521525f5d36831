package handlers

import (
	"context"
	"fmt"

	"github.com/nevindra/relay"
)

// AgentTurn drives one conversational turn of the agent loop inside a
// worker instead of an HTTP request. Child runs started during the turn
// carry parent_run_id, so the emitter posts only this run's reply. When a
// child is still running at the wait ceiling the handler yields; the turn is
// retried on a later claim.
type AgentTurn struct {
	orch *relay.Orchestrator
}

// NewAgentTurn creates the agent_turn handler.
func NewAgentTurn(orch *relay.Orchestrator) *AgentTurn { return &AgentTurn{orch: orch} }

func (h *AgentTurn) Type() string { return "agent_turn" }

func (h *AgentTurn) Run(ctx context.Context, tc *relay.TaskContext) error {
	message := tc.Run.Input.Str("message")
	if message == "" {
		_ = tc.Step(ctx, "validate", func(map[string]any) error {
			return relay.E(relay.CodeInvalidInput, "agent_turn requires a message")
		})
		return nil
	}
	if h.orch == nil {
		return fmt.Errorf("agent_turn handler requires an orchestrator")
	}
	conversationID := tc.Run.ConversationID
	if conversationID == "" {
		conversationID = tc.Run.Input.Str("conversation_id")
	}

	var turn *relay.TurnResult
	var pending bool
	err := tc.Step(ctx, "run_turn", func(meta map[string]any) error {
		var err error
		turn, err = h.orch.RunTurnFromRun(ctx, tc.Run.ID, conversationID, message)
		if err != nil && relay.CodeOf(err) == relay.CodeTimeout {
			meta["child_pending"] = true
			pending = true
			return nil
		}
		if turn != nil {
			meta["steps"] = turn.Steps
		}
		return err
	})
	if err != nil {
		return nil
	}
	if pending {
		tc.SetYielded()
		return nil
	}

	tc.SetResult("reply", turn.Reply)
	tc.SetResult("steps", turn.Steps)
	if len(turn.RunIDs) > 0 {
		tc.SetResult("run_ids", turn.RunIDs)
	}
	return nil
}
