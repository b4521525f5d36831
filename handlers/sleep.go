package handlers

import (
	"context"
	"time"

	"github.com/nevindra/relay"
)

// Sleep waits the requested number of seconds in one-second ticks, calling
// the heartbeat between ticks so cancellation and lease loss surface
// promptly. Mostly useful for exercising the run lifecycle end to end.
type Sleep struct {
	tick func(context.Context) error
}

// NewSleep creates the sleep handler.
func NewSleep() *Sleep {
	return &Sleep{tick: sleepSecond}
}

func (h *Sleep) Type() string { return "sleep" }

func (h *Sleep) Run(ctx context.Context, tc *relay.TaskContext) error {
	seconds := tc.Run.Input.Int("seconds", 1)
	if seconds < 0 {
		seconds = 0
	}

	err := tc.Step(ctx, "sleep", func(meta map[string]any) error {
		meta["seconds"] = seconds
		for i := 0; i < seconds; i++ {
			if err := tc.Beat(); err != nil {
				return err
			}
			if err := h.tick(ctx); err != nil {
				return err
			}
		}
		return tc.Beat()
	})
	if err != nil {
		return err
	}

	tc.SetResult("slept", seconds)
	tc.SetArtifact("duration_seconds", seconds)
	return nil
}

func sleepSecond(ctx context.Context) error {
	select {
	case <-time.After(time.Second):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
