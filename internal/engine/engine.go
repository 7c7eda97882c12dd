package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mikey/llm-meeting-coordinator/internal/coordination"
	"github.com/mikey/llm-meeting-coordinator/internal/core"
	"github.com/mikey/llm-meeting-coordinator/internal/dispatch"
	"github.com/mikey/llm-meeting-coordinator/internal/identity"
	"github.com/mikey/llm-meeting-coordinator/internal/metrics"
	"github.com/mikey/llm-meeting-coordinator/internal/threading"
	"go.uber.org/zap"
)

// Interpreter reads availability from a message body
type Interpreter interface {
	Interpret(ctx context.Context, msg *core.Message, loc *time.Location, now time.Time) (*core.AvailabilityStatement, error)
}

// Settings tunes the engine
type Settings struct {
	Location *time.Location
	// LeaseRetries bounds how often thread leases are retaken when the
	// thread keys change between lookup and lease
	LeaseRetries int
	SendTimeout  time.Duration
}

// Outcome describes what handling one message did
type Outcome struct {
	Thread       *core.Thread
	Coordination *core.Coordination
	Statement    *core.AvailabilityStatement
	Duplicate    bool
	Ignored      string
}

// Engine is the entry operation for inbound messages
type Engine struct {
	store       core.StateStore
	resolver    *threading.Resolver
	interpreter Interpreter
	coordinator *coordination.Coordinator
	emitter     *dispatch.Emitter
	sender      core.Sender
	metrics     *metrics.Metrics
	settings    Settings
	logger      *zap.Logger
	now         func() time.Time
}

// NewEngine creates a new engine
func NewEngine(
	store core.StateStore,
	resolver *threading.Resolver,
	interp Interpreter,
	coordinator *coordination.Coordinator,
	emitter *dispatch.Emitter,
	sender core.Sender,
	m *metrics.Metrics,
	settings Settings,
	logger *zap.Logger,
) *Engine {
	if settings.Location == nil {
		settings.Location = time.UTC
	}
	if settings.LeaseRetries < 1 {
		settings.LeaseRetries = 3
	}
	return &Engine{
		store:       store,
		resolver:    resolver,
		interpreter: interp,
		coordinator: coordinator,
		emitter:     emitter,
		sender:      sender,
		metrics:     m,
		settings:    settings,
		logger:      logger,
		now:         time.Now,
	}
}

// HandleMessage processes one inbound message
func (e *Engine) HandleMessage(ctx context.Context, msg *core.Message) error {
	_, err := e.Process(ctx, msg)
	return err
}

// Process runs one message through normalization, thread resolution,
// interpretation and the coordination state machine, then dispatches
// whatever the step produced
func (e *Engine) Process(ctx context.Context, msg *core.Message) (*Outcome, error) {
	started := e.now()
	defer func() {
		e.metrics.ProcessingTime.Observe(time.Since(started).Seconds())
	}()

	classifier := e.coordinator.Classifier()
	if classifier.FromAssistant(msg) {
		e.logger.Debug("Ignoring message sent by the assistant", zap.String("message_id", msg.MessageID))
		e.metrics.MessagesReceived.WithLabelValues("ignored").Inc()
		return &Outcome{Ignored: "sent by the assistant"}, nil
	}

	ids := identity.Normalize(msg)
	logger := e.logger.With(
		zap.String("message_id", ids.Own),
		zap.String("sender", msg.From))

	stmt, err := e.interpretIfRelevant(ctx, msg, ids, started)
	if err != nil {
		e.metrics.MessagesReceived.WithLabelValues("deferred").Inc()
		return nil, err
	}

	lease, err := e.lease(ctx, ids)
	if err != nil {
		e.metrics.MessagesReceived.WithLabelValues("deferred").Inc()
		return nil, err
	}
	defer func() {
		if err := lease.Release(context.Background()); err != nil {
			logger.Warn("Failed to release leases", zap.Error(err))
		}
	}()

	res, err := e.resolver.Resolve(ctx, ids, msg)
	if err != nil {
		e.metrics.MessagesReceived.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("failed to resolve thread: %w", err)
	}
	thread := res.Thread
	logger = logger.With(zap.String("thread_key", thread.Key))

	if len(res.Retired) > 0 {
		e.metrics.ThreadMerges.Add(float64(len(res.Retired)))
	}
	if res.Conflict != nil {
		e.metrics.IdentityConflicts.Inc()
		logger.Error("Identity conflict, message kept on best-guess thread", zap.Error(res.Conflict))
	}

	out := &Outcome{Thread: thread, Statement: stmt, Duplicate: res.Duplicate}
	if res.Duplicate {
		e.metrics.DuplicateMessages.Inc()
		e.metrics.MessagesReceived.WithLabelValues("duplicate").Inc()
		logger.Info("Duplicate delivery, settling pending work only")
		coord, err := e.settleThread(ctx, thread)
		out.Coordination = coord
		if err != nil {
			return out, err
		}
		return out, conflictError(res)
	}

	coord, err := e.step(ctx, thread, ids, msg, stmt, logger)
	if err != nil {
		e.metrics.MessagesReceived.WithLabelValues("failed").Inc()
		return nil, err
	}
	out.Coordination = coord
	e.metrics.MessagesReceived.WithLabelValues("processed").Inc()
	if coord != nil {
		if err := e.settle(ctx, coord, thread); err != nil {
			return out, err
		}
	}
	return out, conflictError(res)
}

// conflictError reports a refused merge once the message itself is stored.
// The outcome stays valid alongside it.
func conflictError(res *threading.Resolution) error {
	if res.Conflict == nil {
		return nil
	}
	return fmt.Errorf("%w: message kept on thread %s: %w", core.ErrDataIntegrity, res.Thread.Key, res.Conflict)
}

// interpretIfRelevant interprets the body before any lease is taken. Messages
// that neither address the assistant nor belong to a thread with an active
// coordination, and known duplicates, skip the model.
func (e *Engine) interpretIfRelevant(ctx context.Context, msg *core.Message, ids core.IdentifierSet, now time.Time) (*core.AvailabilityStatement, error) {
	keys, err := e.resolver.Peek(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to look up thread: %w", err)
	}

	relevant := e.coordinator.Classifier().Addressed(msg)
	for _, key := range keys {
		if t, err := e.store.GetThread(ctx, key); err == nil && t.HasMessage(ids.Own) {
			return nil, nil
		}
		if _, err := e.store.ActiveCoordination(ctx, key); err == nil {
			relevant = true
		}
	}
	if !relevant {
		return nil, nil
	}

	stmt, err := e.interpreter.Interpret(ctx, msg, e.settings.Location, now)
	if err != nil {
		return nil, fmt.Errorf("failed to interpret message: %w", err)
	}
	e.metrics.InterpretSource.WithLabelValues(string(stmt.Source), fmt.Sprint(stmt.Ambiguous)).Inc()
	return stmt, nil
}

// step applies the message to the thread's active coordination, or starts
// a new one for a scheduling request, and persists the result
func (e *Engine) step(ctx context.Context, thread *core.Thread, ids core.IdentifierSet, msg *core.Message, stmt *core.AvailabilityStatement, logger *zap.Logger) (*core.Coordination, error) {
	coord, err := e.store.ActiveCoordination(ctx, thread.Key)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("failed to load coordination: %w", err)
	}

	in := &coordination.Inbound{Message: msg, IDs: ids, Statement: stmt, Now: e.now()}
	if coord != nil && stmt == nil {
		// the coordination appeared after the lock-free lookup
		if in.Statement, err = e.interpreter.Interpret(ctx, msg, e.settings.Location, in.Now); err != nil {
			return nil, fmt.Errorf("failed to interpret message: %w", err)
		}
	}
	before := 0
	switch {
	case coord != nil:
		before = len(coord.History)
		changed, err := e.coordinator.Apply(ctx, coord, thread, in)
		if err != nil {
			return nil, err
		}
		if !changed {
			return coord, nil
		}
	case e.coordinator.Classifier().IsRequest(msg, stmt):
		coord, err = e.coordinator.Start(ctx, thread, in)
		if err != nil {
			return nil, err
		}
		e.metrics.ActiveCoordination.Inc()
		logger.Info("Scheduling request detected", zap.String("coordination_id", coord.ID))
	default:
		logger.Debug("Message recorded on thread only")
		return nil, nil
	}

	for _, tr := range coord.History[before:] {
		e.metrics.Transitions.WithLabelValues(string(tr.To)).Inc()
	}
	if !coord.IsActive() {
		e.metrics.ActiveCoordination.Dec()
	}

	// replies to the assistant's own messages must resolve back here
	var outbound []string
	for _, m := range coord.Unsent() {
		outbound = append(outbound, identity.NormalizeID(m.MessageID))
	}
	if len(outbound) > 0 {
		thread.AddIdentifiers(outbound...)
		if err := e.store.SaveThreads(ctx, thread); err != nil {
			return nil, fmt.Errorf("failed to index outbound messages: %w", err)
		}
	}

	if err := e.store.SaveCoordination(ctx, coord); err != nil {
		return nil, fmt.Errorf("failed to save coordination: %w", err)
	}

	logger.Info("Coordination updated",
		zap.String("coordination_id", coord.ID),
		zap.String("status", string(coord.Status)),
		zap.Int("queued", len(outbound)))
	return coord, nil
}

// settleThread finishes work left behind by an earlier attempt on any
// coordination of the thread
func (e *Engine) settleThread(ctx context.Context, thread *core.Thread) (*core.Coordination, error) {
	coords, err := e.store.ListCoordinations(ctx, thread.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to list coordinations: %w", err)
	}
	var latest *core.Coordination
	for _, c := range coords {
		latest = c
		if err := e.settle(ctx, c, thread); err != nil {
			return latest, err
		}
	}
	return latest, nil
}

// settle sends queued messages and dispatches a pending decision
func (e *Engine) settle(ctx context.Context, coord *core.Coordination, thread *core.Thread) error {
	if err := e.flush(ctx, coord); err != nil {
		return err
	}
	if coord.Status != core.StatusScheduled || coord.Decision.Dispatched() {
		return nil
	}

	_, err := e.emitter.Emit(ctx, coord, thread)
	switch {
	case err == nil:
		e.metrics.DecisionsEmitted.Inc()
		e.metrics.OutboundSent.WithLabelValues(string(core.OutboundInvitation)).Inc()
		return nil
	case errors.Is(err, core.ErrUnsafeDispatch):
		// retrying cannot fix this; the message itself was handled
		e.logger.Error("Unsafe dispatch refused",
			zap.String("coordination_id", coord.ID),
			zap.String("thread_key", thread.Key),
			zap.Error(err))
		return nil
	default:
		e.metrics.OutboundFailures.Inc()
		return err
	}
}

// flush hands every unsent outbox message to the transport and persists
// the ones that went out. A failed send stays queued for the next attempt.
func (e *Engine) flush(ctx context.Context, coord *core.Coordination) error {
	pending := coord.Unsent()
	if len(pending) == 0 {
		return nil
	}

	var failed error
	sent := 0
	for _, m := range pending {
		sendCtx, cancel := context.WithTimeout(ctx, e.sendTimeout())
		err := e.sender.Send(sendCtx, m)
		cancel()
		if err != nil {
			e.metrics.OutboundFailures.Inc()
			e.logger.Warn("Failed to send outbound message",
				zap.String("coordination_id", coord.ID),
				zap.String("kind", string(m.Kind)),
				zap.Strings("to", m.To),
				zap.Error(err))
			failed = err
			continue
		}
		at := e.now()
		m.SentAt = &at
		sent++
		e.metrics.OutboundSent.WithLabelValues(string(m.Kind)).Inc()
	}

	if sent > 0 {
		if err := e.store.SaveCoordination(ctx, coord); err != nil {
			return fmt.Errorf("failed to record sent messages: %w", err)
		}
	}
	if failed != nil {
		return fmt.Errorf("%w: %d outbound messages still queued: %v", core.ErrTransient, len(pending)-sent, failed)
	}
	return nil
}

func (e *Engine) sendTimeout() time.Duration {
	if e.settings.SendTimeout > 0 {
		return e.settings.SendTimeout
	}
	return 30 * time.Second
}

// lease takes the identifier leases, then the thread leases, retaking the
// thread leases when the thread keys moved while waiting
func (e *Engine) lease(ctx context.Context, ids core.IdentifierSet) (core.Lease, error) {
	waitStart := e.now()
	defer func() {
		e.metrics.LeaseWaitTime.Observe(time.Since(waitStart).Seconds())
	}()

	all := ids.All()
	idKeys := make([]string, 0, len(all))
	for _, id := range all {
		idKeys = append(idKeys, "id:"+id)
	}
	idLease, err := e.store.Acquire(ctx, idKeys...)
	if err != nil {
		return nil, fmt.Errorf("failed to lease identifiers: %w", err)
	}

	for attempt := 0; attempt < e.settings.LeaseRetries; attempt++ {
		keys, err := e.threadKeys(ctx, ids)
		if err != nil {
			_ = idLease.Release(context.Background())
			return nil, err
		}
		threadLease, err := e.store.Acquire(ctx, keys...)
		if err != nil {
			_ = idLease.Release(context.Background())
			return nil, fmt.Errorf("failed to lease threads: %w", err)
		}

		again, err := e.threadKeys(ctx, ids)
		if err != nil {
			_ = threadLease.Release(context.Background())
			_ = idLease.Release(context.Background())
			return nil, err
		}
		if equal(keys, again) {
			return &leaseSet{leases: []core.Lease{threadLease, idLease}}, nil
		}

		e.logger.Debug("Thread keys changed while leasing, retrying",
			zap.Strings("before", keys),
			zap.Strings("after", again))
		_ = threadLease.Release(context.Background())
	}

	_ = idLease.Release(context.Background())
	return nil, fmt.Errorf("thread keys kept changing: %w", core.ErrLeaseTimeout)
}

// threadKeys returns the sorted lease keys of every thread the identifiers
// reach, plus the key a new thread would get
func (e *Engine) threadKeys(ctx context.Context, ids core.IdentifierSet) ([]string, error) {
	live, err := e.resolver.Peek(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to look up thread: %w", err)
	}
	seen := map[string]bool{threading.KeyFor(ids): true}
	for _, k := range live {
		seen[k] = true
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, "thread:"+k)
	}
	sort.Strings(keys)
	return keys, nil
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// leaseSet releases its leases in order
type leaseSet struct {
	leases []core.Lease
}

func (l *leaseSet) Keys() []string {
	var keys []string
	for _, lease := range l.leases {
		keys = append(keys, lease.Keys()...)
	}
	return keys
}

func (l *leaseSet) Release(ctx context.Context) error {
	var errs []error
	for _, lease := range l.leases {
		if err := lease.Release(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
