package coordination

import (
	"fmt"
	"time"

	"github.com/mikey/llm-meeting-coordinator/internal/core"
)

// transitions lists every allowed status change
var transitions = map[core.CoordinationStatus][]core.CoordinationStatus{
	core.StatusDetecting:          {core.StatusCollecting, core.StatusReconciling, core.StatusCancelled},
	core.StatusCollecting:         {core.StatusReconciling, core.StatusCancelled},
	core.StatusReconciling:        {core.StatusScheduled, core.StatusNeedsClarification, core.StatusCancelled},
	core.StatusNeedsClarification: {core.StatusCollecting, core.StatusCancelled},
}

// CanTransition reports whether from → to is in the transition table
func CanTransition(from, to core.CoordinationStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves the coordination to a new status and records it in the
// history. Any change outside the transition table is rejected unchanged.
func Transition(c *core.Coordination, to core.CoordinationStatus, reason string, now time.Time) error {
	if !CanTransition(c.Status, to) {
		return fmt.Errorf("%s -> %s: %w", c.Status, to, core.ErrInvalidTransition)
	}
	c.History = append(c.History, core.Transition{From: c.Status, To: to, Reason: reason, At: now})
	c.Status = to
	c.UpdatedAt = now
	return nil
}
