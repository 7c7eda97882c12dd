package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mikey/llm-meeting-coordinator/internal/adapters/store"
	"github.com/mikey/llm-meeting-coordinator/internal/coordination"
	"github.com/mikey/llm-meeting-coordinator/internal/core"
	"github.com/mikey/llm-meeting-coordinator/internal/dispatch"
	"github.com/mikey/llm-meeting-coordinator/internal/interpreter"
	"github.com/mikey/llm-meeting-coordinator/internal/metrics"
	"github.com/mikey/llm-meeting-coordinator/internal/reconciler"
	"github.com/mikey/llm-meeting-coordinator/internal/threading"
	"github.com/mikey/llm-meeting-coordinator/internal/utils"
	"github.com/mikey/llm-meeting-coordinator/internal/whitelist"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const assistant = "assistant@coord.example"

// Monday
var now = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

type recordingSender struct {
	mu       sync.Mutex
	sent     []*core.OutboundMessage
	failures int
}

func (s *recordingSender) Send(ctx context.Context, msg *core.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("connection refused")
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) kinds() []core.OutboundKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.OutboundKind
	for _, m := range s.sent {
		out = append(out, m.Kind)
	}
	return out
}

type failingLLM struct{}

func (failingLLM) Generate(ctx context.Context, prompt *core.Prompt) (*core.Completion, error) {
	return nil, errors.New("throttled")
}

type harness struct {
	engine *Engine
	store  *store.MemoryStore
	sender *recordingSender
}

func newHarness(t *testing.T, llm core.LLMClient) *harness {
	t.Helper()
	logger := zap.NewNop()
	clock := func() time.Time { return now }

	st := store.NewMemoryStore(logger, time.Second)
	sender := &recordingSender{}
	m := metrics.NewMetrics(prometheus.NewRegistry())

	resolver := threading.NewResolver(st, st, logger)
	interp := interpreter.NewInterpreter(llm, utils.NewTextProcessor(logger), interpreter.Settings{
		DefaultDuration: 30 * time.Minute,
		Horizon:         60 * 24 * time.Hour,
		MaxAttempts:     1,
		MaxBodySize:     4096,
		MinConfidence:   0.5,
	}, logger)

	classifier := coordination.NewClassifier(assistant, whitelist.NewChecker(nil, logger), logger)
	composer := coordination.NewComposer(assistant, "Coordinator", time.UTC)
	coordinator := coordination.NewCoordinator(classifier, reconciler.NewReconciler(logger), interp, composer, coordination.Settings{
		DefaultDuration:     30 * time.Minute,
		Location:            time.UTC,
		ReconcileRetryBound: 1,
		MaxClarifications:   3,
	}, logger)
	emitter := dispatch.NewEmitter(st, sender, composer, time.Second, logger)

	e := NewEngine(st, resolver, interp, coordinator, emitter, sender, m, Settings{Location: time.UTC}, logger)
	e.now = clock
	return &harness{engine: e, store: st, sender: sender}
}

func (h *harness) process(t *testing.T, msg *core.Message) *Outcome {
	t.Helper()
	out, err := h.engine.Process(context.Background(), msg)
	require.NoError(t, err)
	return out
}

func request() *core.Message {
	return &core.Message{
		From:      "Ann <ann@example.com>",
		To:        []string{"Coordinator <assistant@coord.example>", "bob@example.com"},
		Cc:        []string{"carol@example.com"},
		Subject:   "Planning",
		Body:      "Could you find a time for the three of us?",
		MessageID: "<a1@example.com>",
	}
}

func replyTo(parent *core.OutboundMessage, from, id, body string) *core.Message {
	return &core.Message{
		From:       from,
		To:         []string{assistant},
		Subject:    "Re: Planning",
		Body:       body,
		MessageID:  id,
		InReplyTo:  parent.MessageID,
		References: "<a1@example.com> " + parent.MessageID,
	}
}

func TestEndToEndScheduling(t *testing.T) {
	h := newHarness(t, nil)

	out := h.process(t, request())
	require.NotNil(t, out.Coordination)
	assert.Equal(t, core.StatusCollecting, out.Coordination.Status)
	require.Len(t, h.sender.sent, 1)
	ask := h.sender.sent[0]
	assert.Equal(t, core.OutboundAvailabilityRequest, ask.Kind)
	assert.Equal(t, []string{"bob@example.com", "carol@example.com", "ann@example.com"}, ask.To)

	out = h.process(t, replyTo(ask, "bob@example.com", "<b2@example.com>", "Tuesday 2-4pm works for me"))
	assert.Equal(t, "thread#a1@example.com", out.Thread.Key)
	assert.Equal(t, core.StatusCollecting, out.Coordination.Status)
	assert.Len(t, h.sender.sent, 1)

	carol := replyTo(ask, "carol@example.com", "<c3@example.com>", "Tue 3-5pm\n\n> Tuesday 2-4pm works for me")
	out = h.process(t, carol)
	assert.Equal(t, "thread#a1@example.com", out.Thread.Key)
	require.Equal(t, core.StatusScheduled, out.Coordination.Status)
	d := out.Coordination.Decision
	require.True(t, d.Dispatched())
	assert.Equal(t, time.Date(2026, 10, 20, 15, 0, 0, 0, time.UTC), d.Slot.Start)
	assert.Equal(t, time.Date(2026, 10, 20, 15, 30, 0, 0, time.UTC), d.Slot.End)

	assert.Equal(t, []core.OutboundKind{core.OutboundAvailabilityRequest, core.OutboundInvitation}, h.sender.kinds())
	invite := h.sender.sent[1]
	assert.Equal(t, []string{"bob@example.com", "carol@example.com", "ann@example.com"}, invite.To)
	require.NotNil(t, invite.Invitation)
	assert.Equal(t, int64(1), invite.Invitation.Sequence)

	// a redelivered reply neither reschedules nor resends
	out = h.process(t, carol)
	assert.True(t, out.Duplicate)
	assert.Len(t, h.sender.sent, 2)

	thread, err := h.store.GetThread(context.Background(), "thread#a1@example.com")
	require.NoError(t, err)
	assert.Len(t, thread.Messages, 3)
}

func TestIgnoresOwnMessages(t *testing.T) {
	h := newHarness(t, nil)
	msg := request()
	msg.From = assistant

	out := h.process(t, msg)
	assert.NotEmpty(t, out.Ignored)
	assert.Empty(t, h.sender.sent)
}

func TestUnaddressedMessageOnlyRecordsThread(t *testing.T) {
	h := newHarness(t, nil)
	msg := request()
	msg.To = []string{"bob@example.com"}
	msg.Cc = nil

	out := h.process(t, msg)
	assert.Nil(t, out.Coordination)
	assert.Nil(t, out.Statement)
	assert.Equal(t, "thread#a1@example.com", out.Thread.Key)
	assert.Empty(t, h.sender.sent)
}

func TestTransientModelFailureLeavesNoState(t *testing.T) {
	h := newHarness(t, failingLLM{})

	_, err := h.engine.Process(context.Background(), request())
	require.Error(t, err)
	assert.True(t, core.IsTransient(err))

	found, err := h.store.LookupIdentifiers(context.Background(), []string{"a1@example.com"})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestFailedSendIsRetriedOnRedelivery(t *testing.T) {
	h := newHarness(t, nil)
	h.sender.failures = 1

	_, err := h.engine.Process(context.Background(), request())
	require.Error(t, err)
	assert.True(t, core.IsTransient(err))
	assert.Empty(t, h.sender.sent)

	out := h.process(t, request())
	assert.True(t, out.Duplicate)
	require.Len(t, h.sender.sent, 1)
	assert.Equal(t, core.OutboundAvailabilityRequest, h.sender.sent[0].Kind)

	h.process(t, request())
	assert.Len(t, h.sender.sent, 1)
}

func TestSingleParticipantRequest(t *testing.T) {
	h := newHarness(t, nil)
	msg := &core.Message{
		From:      "ann@example.com",
		To:        []string{assistant},
		Subject:   "Focus time",
		Body:      "Please schedule a time for me: Tuesday 2-4pm",
		MessageID: "<solo@example.com>",
	}

	out := h.process(t, msg)
	require.Equal(t, core.StatusScheduled, out.Coordination.Status)
	assert.Equal(t, time.Date(2026, 10, 20, 14, 0, 0, 0, time.UTC), out.Coordination.Decision.Slot.Start)
	require.Len(t, h.sender.sent, 1)
	assert.Equal(t, []string{"ann@example.com"}, h.sender.sent[0].To)
}

func TestNoOverlapRequestsRevisedAvailability(t *testing.T) {
	h := newHarness(t, nil)
	h.process(t, request())
	ask := h.sender.sent[0]

	h.process(t, replyTo(ask, "bob@example.com", "<b2@example.com>", "Tuesday 9am-10am"))
	out := h.process(t, replyTo(ask, "carol@example.com", "<c3@example.com>", "Tuesday 1pm-2pm"))

	assert.Equal(t, core.StatusNeedsClarification, out.Coordination.Status)
	assert.Nil(t, out.Coordination.Decision)
	assert.Equal(t, []core.OutboundKind{core.OutboundAvailabilityRequest, core.OutboundRevisedAvailability}, h.sender.kinds())
}

func TestReplyToAssistantMessageResolvesToThread(t *testing.T) {
	h := newHarness(t, nil)
	h.process(t, request())
	ask := h.sender.sent[0]

	// only the assistant's message id is referenced
	msg := &core.Message{
		From:      "bob@example.com",
		To:        []string{assistant},
		Subject:   "Re: Planning",
		Body:      "Wednesday morning",
		MessageID: "<b9@example.com>",
		InReplyTo: ask.MessageID,
	}
	out := h.process(t, msg)
	assert.Equal(t, "thread#a1@example.com", out.Thread.Key)
	assert.Equal(t, core.ResponseAvailable, out.Coordination.Response("bob@example.com").State)
}

func TestQuotedEscalationDoesNotRestartCoordination(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.process(t, request())
	ask := h.sender.sent[0]

	h.process(t, replyTo(ask, "bob@example.com", "<b2@example.com>", "Tuesday 9am-10am"))
	h.process(t, replyTo(ask, "carol@example.com", "<c3@example.com>", "Tuesday 1pm-2pm"))
	revised := h.sender.sent[len(h.sender.sent)-1]
	h.process(t, replyTo(revised, "bob@example.com", "<b4@example.com>", "Tuesday 11am-12pm"))
	h.process(t, replyTo(revised, "carol@example.com", "<c5@example.com>", "Tuesday 4pm-5pm"))

	coords, err := h.store.ListCoordinations(ctx, "thread#a1@example.com")
	require.NoError(t, err)
	require.Len(t, coords, 1)
	require.Equal(t, core.StatusCancelled, coords[0].Status)
	sent := len(h.sender.sent)
	escalation := h.sender.sent[sent-1]
	require.Contains(t, escalation.Body, "find a time")

	out := h.process(t, replyTo(escalation, "Ann <ann@example.com>", "<a9@example.com>",
		"Thanks, I'll sort it out with them directly.\n\n> "+strings.ReplaceAll(escalation.Body, "\n", "\n> ")))
	assert.Equal(t, "thread#a1@example.com", out.Thread.Key)
	assert.Nil(t, out.Coordination)

	coords, err = h.store.ListCoordinations(ctx, "thread#a1@example.com")
	require.NoError(t, err)
	assert.Len(t, coords, 1)
	assert.Len(t, h.sender.sent, sent)
}

func TestOrganizerConstraintMentioningCancelledEventKeepsNegotiating(t *testing.T) {
	h := newHarness(t, nil)
	h.process(t, request())
	ask := h.sender.sent[0]

	out := h.process(t, replyTo(ask, "Ann <ann@example.com>", "<a2@example.com>",
		"My standup got cancelled, so I can only do Wednesday 2-4pm"))
	require.Equal(t, core.StatusCollecting, out.Coordination.Status)
	require.Len(t, out.Coordination.OrganizerConstraints, 1)
	assert.Equal(t, time.Date(2026, 10, 21, 14, 0, 0, 0, time.UTC), out.Coordination.OrganizerConstraints[0].Start)
	assert.Equal(t, []core.OutboundKind{core.OutboundAvailabilityRequest}, h.sender.kinds())

	h.process(t, replyTo(ask, "bob@example.com", "<b3@example.com>", "Wednesday 3-5pm"))
	out = h.process(t, replyTo(ask, "carol@example.com", "<c4@example.com>", "Wednesday 2-4pm"))
	require.Equal(t, core.StatusScheduled, out.Coordination.Status)
	assert.Equal(t, time.Date(2026, 10, 21, 15, 0, 0, 0, time.UTC), out.Coordination.Decision.Slot.Start)
	assert.Equal(t, []core.OutboundKind{core.OutboundAvailabilityRequest, core.OutboundInvitation}, h.sender.kinds())
}

func TestConcurrentRepliesScheduleOnce(t *testing.T) {
	for round := 0; round < 20; round++ {
		h := newHarness(t, nil)
		h.process(t, request())
		ask := h.sender.sent[0]

		replies := []*core.Message{
			replyTo(ask, "bob@example.com", "<b2@example.com>", "Tuesday 2-4pm works for me"),
			replyTo(ask, "carol@example.com", "<c3@example.com>", "Tue 3-5pm"),
			replyTo(ask, "bob@example.com", "<b2@example.com>", "Tuesday 2-4pm works for me"),
			replyTo(ask, "carol@example.com", "<c3@example.com>", "Tue 3-5pm"),
		}

		var wg sync.WaitGroup
		errs := make([]error, len(replies))
		for i, msg := range replies {
			wg.Add(1)
			go func(i int, msg *core.Message) {
				defer wg.Done()
				_, errs[i] = h.engine.Process(context.Background(), msg)
			}(i, msg)
		}
		wg.Wait()
		for _, err := range errs {
			require.NoError(t, err, "round %d", round)
		}

		coords, err := h.store.ListCoordinations(context.Background(), "thread#a1@example.com")
		require.NoError(t, err)
		require.Len(t, coords, 1, "round %d", round)
		assert.Equal(t, core.StatusScheduled, coords[0].Status, "round %d", round)
		assert.Equal(t, []core.OutboundKind{core.OutboundAvailabilityRequest, core.OutboundInvitation}, h.sender.kinds(), "round %d", round)

		thread, err := h.store.GetThread(context.Background(), "thread#a1@example.com")
		require.NoError(t, err)
		assert.Len(t, thread.Messages, 3, "round %d", round)
	}
}

func TestBridgingMessageSurfacesIdentityConflict(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first := request()
	first.MessageID = "<x@example.com>"
	h.process(t, first)
	second := request()
	second.MessageID = "<y@example.com>"
	second.Subject = "Retro"
	h.process(t, second)
	require.Len(t, h.sender.sent, 2)

	bridge := &core.Message{
		From:       "bob@example.com",
		To:         []string{assistant},
		Subject:    "Re: Planning",
		Body:       "Tuesday 2-4pm",
		MessageID:  "<z@example.com>",
		InReplyTo:  "<y@example.com>",
		References: "<x@example.com> <y@example.com>",
	}
	out, err := h.engine.Process(ctx, bridge)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrIdentityConflict)
	assert.ErrorIs(t, err, core.ErrDataIntegrity)
	assert.False(t, core.IsTransient(err))
	require.NotNil(t, out)
	assert.Equal(t, "thread#x@example.com", out.Thread.Key)

	x, err := h.store.ActiveCoordination(ctx, "thread#x@example.com")
	require.NoError(t, err)
	y, err := h.store.ActiveCoordination(ctx, "thread#y@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, x.ID, y.ID)
	assert.Equal(t, core.ResponseAvailable, x.Response("bob@example.com").State)
	assert.Equal(t, core.ResponsePending, y.Response("bob@example.com").State)

	retired, err := h.store.GetThread(ctx, "thread#y@example.com")
	require.NoError(t, err)
	assert.False(t, retired.Retired())
	hits, err := h.store.LookupIdentifiers(ctx, []string{"y@example.com", "z@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "thread#y@example.com", hits["y@example.com"])
	assert.Equal(t, "thread#x@example.com", hits["z@example.com"])

	// redelivery is recorded once and still reported
	_, err = h.engine.Process(ctx, bridge)
	assert.ErrorIs(t, err, core.ErrIdentityConflict)
	thread, err := h.store.GetThread(ctx, "thread#x@example.com")
	require.NoError(t, err)
	assert.Len(t, thread.Messages, 2)
	assert.Len(t, h.sender.sent, 2)
}
