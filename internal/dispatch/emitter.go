package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/mikey/llm-meeting-coordinator/internal/coordination"
	"github.com/mikey/llm-meeting-coordinator/internal/core"
	"go.uber.org/zap"
)

// DecisionSequence names the store sequence decisions are numbered from
const DecisionSequence = "decision"

// Emitter turns a scheduled coordination into exactly one dispatched
// invitation
type Emitter struct {
	coords   core.CoordinationRepository
	sender   core.Sender
	composer *coordination.Composer
	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewEmitter creates a new decision emitter
func NewEmitter(coords core.CoordinationRepository, sender core.Sender, composer *coordination.Composer, timeout time.Duration, logger *zap.Logger) *Emitter {
	return &Emitter{
		coords:   coords,
		sender:   sender,
		composer: composer,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
}

// Emit dispatches the decision of a scheduled coordination. A decision that
// was already dispatched is returned as is without sending again.
func (e *Emitter) Emit(ctx context.Context, coord *core.Coordination, thread *core.Thread) (*core.SchedulingDecision, error) {
	if coord.Status != core.StatusScheduled || coord.Decision == nil {
		return nil, fmt.Errorf("coordination %s is %s without a decision: %w", coord.ID, coord.Status, core.ErrInvalidTransition)
	}

	d := coord.Decision
	logger := e.logger.With(
		zap.String("coordination_id", coord.ID),
		zap.String("thread_key", coord.ThreadKey))

	if d.Dispatched() {
		logger.Debug("Decision already dispatched", zap.Int64("sequence", d.Sequence))
		return d, nil
	}

	if d.Sequence == 0 {
		seq, err := e.coords.NextSequence(ctx, DecisionSequence)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate decision sequence: %w", err)
		}
		d.Sequence = seq
		if err := e.coords.SaveCoordination(ctx, coord); err != nil {
			return nil, fmt.Errorf("failed to persist decision: %w", err)
		}
	}

	if err := verifyRecipients(coord, thread); err != nil {
		logger.Error("Refusing unsafe dispatch", zap.Error(err))
		return nil, err
	}

	invite := e.composer.Invitation(coord, thread, d)
	sendCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	if err := e.sender.Send(sendCtx, invite); err != nil {
		return nil, fmt.Errorf("%w: failed to send invitation: %v", core.ErrTransient, err)
	}

	sent := e.now()
	d.DispatchedAt = &sent
	invite.SentAt = &sent
	coord.Outbox = append(coord.Outbox, invite)
	coord.UpdatedAt = sent
	if err := e.coords.SaveCoordination(ctx, coord); err != nil {
		return nil, fmt.Errorf("failed to persist dispatched decision: %w", err)
	}

	logger.Info("Dispatched invitation",
		zap.Int64("sequence", d.Sequence),
		zap.Strings("recipients", d.Recipients),
		zap.Time("start", d.Slot.Start))
	return d, nil
}

// verifyRecipients checks that the decision only reaches roster members and
// the organizer, all of whom were observed on the thread
func verifyRecipients(coord *core.Coordination, thread *core.Thread) error {
	d := coord.Decision
	if len(d.Recipients) == 0 {
		return fmt.Errorf("decision has no recipients: %w", core.ErrUnsafeDispatch)
	}
	for _, r := range d.Recipients {
		if r != coord.Organizer && !coord.InRoster(r) {
			return fmt.Errorf("recipient %s is outside the roster: %w", r, core.ErrUnsafeDispatch)
		}
		if !thread.HasParticipant(r) {
			return fmt.Errorf("recipient %s never appeared on thread %s: %w", r, thread.Key, core.ErrUnsafeDispatch)
		}
	}
	return nil
}
