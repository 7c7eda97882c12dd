package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mikey/llm-meeting-coordinator/internal/core"
	"github.com/mikey/llm-meeting-coordinator/internal/identity"
	"github.com/mikey/llm-meeting-coordinator/internal/interpreter"
	"github.com/mikey/llm-meeting-coordinator/internal/reconciler"
	"go.uber.org/zap"
)

// Settings tunes the coordination lifecycle
type Settings struct {
	DefaultDuration     time.Duration
	Location            *time.Location
	ReasoningMode       bool
	ReasoningTimeout    time.Duration
	ReconcileRetryBound int
	MaxClarifications   int
}

// Proposer suggests a slot in reasoning mode
type Proposer interface {
	Propose(ctx context.Context, req *interpreter.ProposalRequest) (*core.Slot, error)
}

// Inbound is one interpreted message, already attached to its thread
type Inbound struct {
	Message   *core.Message
	IDs       core.IdentifierSet
	Statement *core.AvailabilityStatement
	Now       time.Time
}

// Coordinator drives coordinations through the state machine. It only
// mutates the records it is handed; persistence and sending belong to the
// caller.
type Coordinator struct {
	classifier *Classifier
	reconciler *reconciler.Reconciler
	proposer   Proposer
	composer   *Composer
	settings   Settings
	logger     *zap.Logger
}

// NewCoordinator creates a new coordinator; proposer may be nil
func NewCoordinator(
	classifier *Classifier,
	rec *reconciler.Reconciler,
	proposer Proposer,
	composer *Composer,
	settings Settings,
	logger *zap.Logger,
) *Coordinator {
	if settings.DefaultDuration <= 0 {
		settings.DefaultDuration = 30 * time.Minute
	}
	if settings.Location == nil {
		settings.Location = time.UTC
	}
	return &Coordinator{
		classifier: classifier,
		reconciler: rec,
		proposer:   proposer,
		composer:   composer,
		settings:   settings,
		logger:     logger,
	}
}

// Classifier returns the request classifier
func (c *Coordinator) Classifier() *Classifier {
	return c.classifier
}

// Start creates a coordination for a scheduling request and moves it out of
// DETECTING. With nobody but the organizer addressed the coordination runs
// the single-participant flow.
func (c *Coordinator) Start(ctx context.Context, thread *core.Thread, in *Inbound) (*core.Coordination, error) {
	organizer := identity.NormalizeAddress(in.Message.From)
	coord := &core.Coordination{
		ID:                  uuid.NewString(),
		ThreadKey:           thread.Key,
		InitiatingMessageID: in.IDs.Own,
		Organizer:           organizer,
		Subject:             in.Message.Subject,
		Responses:           make(map[string]*core.ParticipantResponse),
		Duration:            c.settings.DefaultDuration,
		TimeZone:            c.settings.Location.String(),
		Status:              core.StatusDetecting,
		CreatedAt:           in.Now,
		UpdatedAt:           in.Now,
	}
	stmt := in.Statement
	if stmt != nil && stmt.Duration > 0 {
		coord.Duration = stmt.Duration
		coord.DurationExplicit = true
	}

	roster := c.classifier.Roster(in.Message)
	logger := c.logger.With(
		zap.String("coordination_id", coord.ID),
		zap.String("thread_key", thread.Key),
		zap.String("organizer", organizer))

	if len(roster) == 0 {
		coord.Roster = []string{organizer}
		coord.Responses[organizer] = &core.ParticipantResponse{Address: organizer, State: core.ResponsePending, UpdatedAt: in.Now}
		logger.Info("Starting single participant coordination")

		if stmt.Usable() {
			c.record(coord, organizer, stmt, in.Now)
			if err := Transition(coord, core.StatusReconciling, "single participant with availability", in.Now); err != nil {
				return nil, err
			}
			return coord, c.reconcile(ctx, coord, thread, in.Now)
		}

		if err := Transition(coord, core.StatusCollecting, "single participant without usable availability", in.Now); err != nil {
			return nil, err
		}
		return coord, c.ambiguous(coord, thread, organizer, stmt, in.Now)
	}

	coord.Roster = roster
	for _, member := range roster {
		coord.Responses[member] = &core.ParticipantResponse{Address: member, State: core.ResponsePending, UpdatedAt: in.Now}
	}
	if stmt.Usable() {
		coord.OrganizerConstraints = stmt.Windows
	}
	if err := Transition(coord, core.StatusCollecting, "availability requested", in.Now); err != nil {
		return nil, err
	}
	coord.Outbox = append(coord.Outbox, c.composer.AvailabilityRequest(coord, thread))

	logger.Info("Started coordination",
		zap.Strings("roster", roster),
		zap.Duration("duration", coord.Duration),
		zap.Int("constraints", len(coord.OrganizerConstraints)))
	return coord, nil
}

// Apply feeds a reply into an active coordination. It reports whether the
// coordination changed; replies that cannot affect it change nothing.
func (c *Coordinator) Apply(ctx context.Context, coord *core.Coordination, thread *core.Thread, in *Inbound) (bool, error) {
	if !coord.IsActive() {
		return false, nil
	}

	sender := identity.NormalizeAddress(in.Message.From)
	stmt := in.Statement
	logger := c.logger.With(
		zap.String("coordination_id", coord.ID),
		zap.String("thread_key", coord.ThreadKey),
		zap.String("sender", sender),
		zap.String("status", string(coord.Status)))

	if sender == coord.Organizer && c.classifier.IsCancellation(in.Message.Body) {
		logger.Info("Organizer cancelled coordination")
		return true, c.cancel(coord, thread, "The organizer cancelled the request.", false, in.Now)
	}

	if sender == coord.Organizer && stmt != nil && stmt.Duration > 0 && stmt.Duration != coord.Duration {
		logger.Info("Organizer changed meeting length", zap.Duration("duration", stmt.Duration))
		coord.Duration = stmt.Duration
		coord.DurationExplicit = true
		coord.UpdatedAt = in.Now
		if !coord.InRoster(sender) {
			return true, c.advance(ctx, coord, thread, in.Now)
		}
	}

	if !coord.InRoster(sender) {
		if sender == coord.Organizer && stmt.Usable() {
			coord.OrganizerConstraints = stmt.Windows
			coord.UpdatedAt = in.Now
			logger.Info("Organizer updated constraints", zap.Int("windows", len(stmt.Windows)))
			return true, c.advance(ctx, coord, thread, in.Now)
		}
		logger.Debug("Reply from outside the roster recorded on thread only")
		return false, nil
	}

	if coord.Status == core.StatusNeedsClarification {
		if err := Transition(coord, core.StatusCollecting, "reply after failed round", in.Now); err != nil {
			return false, err
		}
	}

	if !stmt.Usable() {
		if stmt != nil && stmt.Kind == core.KindExplicitDuration && sender == coord.Organizer {
			// the duration was applied above; nothing else to read
			return true, nil
		}
		return true, c.ambiguous(coord, thread, sender, stmt, in.Now)
	}

	c.record(coord, sender, stmt, in.Now)
	logger.Info("Recorded availability", zap.Int("windows", len(stmt.Windows)), zap.String("source", string(stmt.Source)))
	return true, c.advance(ctx, coord, thread, in.Now)
}

// Ready reports whether every roster member has usable availability
func Ready(coord *core.Coordination) bool {
	for _, member := range coord.Roster {
		r := coord.Response(member)
		if r == nil || r.State != core.ResponseAvailable || !r.Statement.Usable() {
			return false
		}
	}
	return len(coord.Roster) > 0
}

// advance reconciles once the roster is complete
func (c *Coordinator) advance(ctx context.Context, coord *core.Coordination, thread *core.Thread, now time.Time) error {
	if coord.Status != core.StatusCollecting || !Ready(coord) {
		return nil
	}
	if err := Transition(coord, core.StatusReconciling, "every participant responded", now); err != nil {
		return err
	}
	return c.reconcile(ctx, coord, thread, now)
}

func (c *Coordinator) record(coord *core.Coordination, member string, stmt *core.AvailabilityStatement, now time.Time) {
	r := coord.Response(member)
	if r == nil {
		r = &core.ParticipantResponse{Address: member}
		coord.Responses[member] = r
	}
	r.State = core.ResponseAvailable
	r.Statement = stmt
	r.UpdatedAt = now
	coord.UpdatedAt = now
}

// ambiguous records an unusable reply and asks the member to clarify, or
// gives up once the member has used every clarification
func (c *Coordinator) ambiguous(coord *core.Coordination, thread *core.Thread, member string, stmt *core.AvailabilityStatement, now time.Time) error {
	r := coord.Response(member)
	if r == nil {
		r = &core.ParticipantResponse{Address: member}
		coord.Responses[member] = r
	}
	r.State = core.ResponseAmbiguous
	r.Statement = stmt
	r.Clarifications++
	r.UpdatedAt = now
	coord.UpdatedAt = now

	if c.settings.MaxClarifications > 0 && r.Clarifications > c.settings.MaxClarifications {
		c.logger.Warn("Clarification limit reached",
			zap.String("coordination_id", coord.ID),
			zap.String("member", member),
			zap.Int("clarifications", r.Clarifications))
		return c.cancel(coord, thread, fmt.Sprintf("%s's availability remained unclear after %d attempts", member, c.settings.MaxClarifications), true, now)
	}

	question := "Which days and times work for you?"
	if stmt != nil && stmt.Question != "" {
		question = stmt.Question
	}
	coord.Outbox = append(coord.Outbox, c.composer.Clarification(coord, thread, member, question))
	return nil
}

// reconcile runs one round from RECONCILING to a decision, a revised
// availability request or cancellation
func (c *Coordinator) reconcile(ctx context.Context, coord *core.Coordination, thread *core.Thread, now time.Time) error {
	req := &reconciler.Request{
		Availability: make(map[string][]core.TimeWindow, len(coord.Roster)),
		Constraints:  coord.OrganizerConstraints,
		Duration:     coord.Duration,
		NotBefore:    now,
	}
	for _, member := range coord.Roster {
		req.Availability[member] = coord.Response(member).Statement.Windows
	}

	if c.settings.ReasoningMode && c.proposer != nil {
		req.Proposal = c.propose(ctx, coord, req, now)
	}

	res, err := c.reconciler.Reconcile(req)
	if errors.Is(err, core.ErrNoOverlap) {
		return c.noOverlap(coord, thread, req, now)
	}
	if err != nil {
		return fmt.Errorf("failed to reconcile coordination %s: %w", coord.ID, err)
	}

	if err := Transition(coord, core.StatusScheduled, "common slot found", now); err != nil {
		return err
	}
	coord.Decision = &core.SchedulingDecision{
		CoordinationID:   coord.ID,
		Slot:             core.Slot{Start: res.Chosen.Start, End: res.Chosen.End},
		Participants:     append([]string(nil), coord.Roster...),
		Recipients:       recipients(coord),
		ProposalAccepted: res.ProposalAccepted,
		CreatedAt:        now,
	}

	c.logger.Info("Coordination scheduled",
		zap.String("coordination_id", coord.ID),
		zap.String("thread_key", coord.ThreadKey),
		zap.Time("start", res.Chosen.Start),
		zap.Time("end", res.Chosen.End),
		zap.Bool("proposal_accepted", res.ProposalAccepted))
	return nil
}

func (c *Coordinator) propose(ctx context.Context, coord *core.Coordination, req *reconciler.Request, now time.Time) *core.Slot {
	pctx := ctx
	if c.settings.ReasoningTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, c.settings.ReasoningTimeout)
		defer cancel()
	}

	slot, err := c.proposer.Propose(pctx, &interpreter.ProposalRequest{
		Availability: req.Availability,
		Constraints:  req.Constraints,
		Duration:     req.Duration,
		Location:     c.settings.Location,
		Now:          now,
	})
	if err != nil {
		c.logger.Warn("Reasoning proposal unavailable, using deterministic result",
			zap.String("coordination_id", coord.ID),
			zap.Error(err))
		return nil
	}
	return slot
}

func (c *Coordinator) noOverlap(coord *core.Coordination, thread *core.Thread, req *reconciler.Request, now time.Time) error {
	coord.FailedRounds++
	if coord.FailedRounds > c.settings.ReconcileRetryBound {
		c.logger.Warn("Reconciliation retry bound exceeded",
			zap.String("coordination_id", coord.ID),
			zap.Int("failed_rounds", coord.FailedRounds))
		return c.cancel(coord, thread, fmt.Sprintf("no common time was found after %d rounds", coord.FailedRounds), true, now)
	}

	culprits := c.reconciler.Culprits(req)
	if err := Transition(coord, core.StatusNeedsClarification, "no overlapping availability", now); err != nil {
		return err
	}
	for _, member := range culprits {
		r := coord.Response(member)
		r.State = core.ResponsePending
		r.Statement = nil
		r.UpdatedAt = now
	}
	coord.Outbox = append(coord.Outbox, c.composer.RevisedAvailability(coord, thread, culprits))

	c.logger.Info("No overlapping availability",
		zap.String("coordination_id", coord.ID),
		zap.Strings("cleared", culprits),
		zap.Int("failed_rounds", coord.FailedRounds))
	return nil
}

func (c *Coordinator) cancel(coord *core.Coordination, thread *core.Thread, reason string, escalate bool, now time.Time) error {
	if err := Transition(coord, core.StatusCancelled, reason, now); err != nil {
		return err
	}
	if escalate {
		coord.Outbox = append(coord.Outbox, c.composer.Escalation(coord, thread, reason))
	} else {
		coord.Outbox = append(coord.Outbox, c.composer.Cancellation(coord, thread, reason))
	}
	return nil
}
