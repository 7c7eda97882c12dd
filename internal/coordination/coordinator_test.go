package coordination

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mikey/llm-meeting-coordinator/internal/core"
	"github.com/mikey/llm-meeting-coordinator/internal/interpreter"
	"github.com/mikey/llm-meeting-coordinator/internal/reconciler"
	"github.com/mikey/llm-meeting-coordinator/internal/whitelist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const assistant = "assistant@coord.example"

var now = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

type stubProposer struct {
	slot *core.Slot
	err  error
}

func (s *stubProposer) Propose(ctx context.Context, req *interpreter.ProposalRequest) (*core.Slot, error) {
	return s.slot, s.err
}

func testSettings() Settings {
	return Settings{
		DefaultDuration:     30 * time.Minute,
		Location:            time.UTC,
		ReconcileRetryBound: 1,
		MaxClarifications:   3,
	}
}

func newTestCoordinator(settings Settings, proposer Proposer) *Coordinator {
	cls := NewClassifier(assistant, whitelist.NewChecker(nil, zap.NewNop()), zap.NewNop())
	return NewCoordinator(cls, reconciler.NewReconciler(zap.NewNop()), proposer,
		NewComposer(assistant, "Coordinator", time.UTC), settings, zap.NewNop())
}

func at(h, m int) time.Time {
	return time.Date(2026, 10, 20, h, m, 0, 0, time.UTC)
}

func available(windows ...[2]int) *core.AvailabilityStatement {
	stmt := &core.AvailabilityStatement{Kind: core.KindAvailabilityWindow, Source: core.SourceRules, Intent: core.IntentAvailability}
	for _, w := range windows {
		stmt.Windows = append(stmt.Windows, core.TimeWindow{Start: at(w[0], 0), End: at(w[1], 0), TimeZone: "UTC"})
	}
	return stmt
}

func unclear(question string) *core.AvailabilityStatement {
	return &core.AvailabilityStatement{Kind: core.KindAvailabilityWindow, Ambiguous: true, Question: question}
}

func newThread() *core.Thread {
	return &core.Thread{
		Key:      "thread#a1@example.com",
		Messages: []core.MessageRecord{{ID: "a1@example.com", From: "ann@example.com"}},
	}
}

func request(stmt *core.AvailabilityStatement, to ...string) *Inbound {
	return &Inbound{
		Message: &core.Message{
			From:    "Ann <ann@example.com>",
			To:      to,
			Subject: "Planning",
			Body:    "Please find a time for us",
		},
		IDs:       core.IdentifierSet{Own: "a1@example.com"},
		Statement: stmt,
		Now:       now,
	}
}

func reply(from, body string, stmt *core.AvailabilityStatement) *Inbound {
	return &Inbound{
		Message:   &core.Message{From: from, To: []string{assistant}, Subject: "Re: Planning", Body: body},
		Statement: stmt,
		Now:       now,
	}
}

func start(t *testing.T, c *Coordinator, thread *core.Thread) *core.Coordination {
	t.Helper()
	coord, err := c.Start(context.Background(), thread, request(nil, assistant, "bob@example.com", "carol@example.com"))
	require.NoError(t, err)
	return coord
}

func apply(t *testing.T, c *Coordinator, coord *core.Coordination, thread *core.Thread, in *Inbound) bool {
	t.Helper()
	changed, err := c.Apply(context.Background(), coord, thread, in)
	require.NoError(t, err)
	return changed
}

func TestStartRequestsAvailabilityFromRoster(t *testing.T) {
	c := newTestCoordinator(testSettings(), nil)
	thread := newThread()

	coord, err := c.Start(context.Background(), thread, request(available([2]int{10, 16}), assistant, "bob@example.com", "Carol@Example.com"))
	require.NoError(t, err)

	assert.Equal(t, core.StatusCollecting, coord.Status)
	assert.Equal(t, "ann@example.com", coord.Organizer)
	assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, coord.Roster)
	assert.Len(t, coord.OrganizerConstraints, 1)
	assert.Equal(t, 30*time.Minute, coord.Duration)
	require.Len(t, coord.Outbox, 1)
	assert.Equal(t, core.OutboundAvailabilityRequest, coord.Outbox[0].Kind)
	assert.Equal(t, []string{"bob@example.com", "carol@example.com", "ann@example.com"}, coord.Outbox[0].To)
	assert.Equal(t, "<a1@example.com>", coord.Outbox[0].InReplyTo)
	assert.Equal(t, "Re: Planning", coord.Outbox[0].Subject)
	assert.Contains(t, coord.Outbox[0].MessageID, "@coord.example>")
	require.Len(t, coord.History, 1)
	assert.Equal(t, core.StatusDetecting, coord.History[0].From)
}

func TestExplicitDurationOverridesDefault(t *testing.T) {
	c := newTestCoordinator(testSettings(), nil)
	stmt := &core.AvailabilityStatement{Kind: core.KindExplicitDuration, Duration: 45 * time.Minute, Ambiguous: true}

	coord, err := c.Start(context.Background(), newThread(), request(stmt, assistant, "bob@example.com"))
	require.NoError(t, err)
	assert.Equal(t, 45*time.Minute, coord.Duration)
	assert.True(t, coord.DurationExplicit)
	assert.Empty(t, coord.OrganizerConstraints)
}

func TestNeverScheduledWhileMemberPending(t *testing.T) {
	c := newTestCoordinator(testSettings(), nil)
	thread := newThread()
	coord := start(t, c, thread)

	assert.True(t, apply(t, c, coord, thread, reply("bob@example.com", "Tue 2-4pm", available([2]int{14, 16}))))
	assert.Equal(t, core.StatusCollecting, coord.Status)
	assert.Nil(t, coord.Decision)
	assert.False(t, Ready(coord))

	apply(t, c, coord, thread, reply("carol@example.com", "Tue 3-5pm", available([2]int{15, 17})))
	assert.Equal(t, core.StatusScheduled, coord.Status)
	require.NotNil(t, coord.Decision)
	assert.Equal(t, at(15, 0), coord.Decision.Slot.Start)
	assert.Equal(t, at(15, 30), coord.Decision.Slot.End)
	assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, coord.Decision.Participants)
	assert.Equal(t, []string{"bob@example.com", "carol@example.com", "ann@example.com"}, coord.Decision.Recipients)
}

func TestAmbiguousReplyBlocksScheduling(t *testing.T) {
	c := newTestCoordinator(testSettings(), nil)
	thread := newThread()
	coord := start(t, c, thread)

	apply(t, c, coord, thread, reply("bob@example.com", "Tue 2-4pm", available([2]int{14, 16})))
	apply(t, c, coord, thread, reply("carol@example.com", "1-3", unclear("AM or PM?")))

	assert.Equal(t, core.StatusCollecting, coord.Status)
	assert.Equal(t, core.ResponseAmbiguous, coord.Response("carol@example.com").State)
	last := coord.Outbox[len(coord.Outbox)-1]
	assert.Equal(t, core.OutboundClarification, last.Kind)
	assert.Equal(t, []string{"carol@example.com"}, last.To)
	assert.Contains(t, last.Body, "AM or PM?")
}

func TestLaterReplySupersedesEarlier(t *testing.T) {
	c := newTestCoordinator(testSettings(), nil)
	thread := newThread()
	coord := start(t, c, thread)

	apply(t, c, coord, thread, reply("bob@example.com", "1-3", unclear("AM or PM?")))
	apply(t, c, coord, thread, reply("bob@example.com", "Tue 1pm-3pm", available([2]int{13, 15})))
	assert.Equal(t, core.ResponseAvailable, coord.Response("bob@example.com").State)

	apply(t, c, coord, thread, reply("carol@example.com", "Tue 2-4pm", available([2]int{14, 16})))
	assert.Equal(t, core.StatusScheduled, coord.Status)
	assert.Equal(t, at(14, 0), coord.Decision.Slot.Start)
}

func TestClarificationLimitCancels(t *testing.T) {
	c := newTestCoordinator(testSettings(), nil)
	thread := newThread()
	coord := start(t, c, thread)

	for i := 0; i < 3; i++ {
		apply(t, c, coord, thread, reply("bob@example.com", "soon", unclear("When?")))
		require.Equal(t, core.StatusCollecting, coord.Status)
	}
	apply(t, c, coord, thread, reply("bob@example.com", "soon", unclear("When?")))

	assert.Equal(t, core.StatusCancelled, coord.Status)
	assert.Equal(t, core.OutboundCancellation, coord.Outbox[len(coord.Outbox)-1].Kind)
}

func TestNoOverlapClearsOnlyConflictingMember(t *testing.T) {
	c := newTestCoordinator(testSettings(), nil)
	thread := newThread()
	coord, err := c.Start(context.Background(), thread, request(nil, assistant, "bob@example.com", "carol@example.com", "dave@example.com"))
	require.NoError(t, err)

	apply(t, c, coord, thread, reply("bob@example.com", "", available([2]int{14, 16})))
	apply(t, c, coord, thread, reply("carol@example.com", "", available([2]int{14, 17})))
	apply(t, c, coord, thread, reply("dave@example.com", "", available([2]int{9, 10})))

	assert.Equal(t, core.StatusNeedsClarification, coord.Status)
	assert.Equal(t, 1, coord.FailedRounds)
	assert.Equal(t, core.ResponsePending, coord.Response("dave@example.com").State)
	assert.Equal(t, core.ResponseAvailable, coord.Response("bob@example.com").State)
	last := coord.Outbox[len(coord.Outbox)-1]
	assert.Equal(t, core.OutboundRevisedAvailability, last.Kind)
	assert.Equal(t, []string{"dave@example.com"}, last.To)

	apply(t, c, coord, thread, reply("dave@example.com", "", available([2]int{15, 16})))
	assert.Equal(t, core.StatusScheduled, coord.Status)
	assert.Equal(t, at(15, 0), coord.Decision.Slot.Start)

	var path []core.CoordinationStatus
	for _, tr := range coord.History {
		path = append(path, tr.To)
	}
	assert.Equal(t, []core.CoordinationStatus{
		core.StatusCollecting, core.StatusReconciling, core.StatusNeedsClarification,
		core.StatusCollecting, core.StatusReconciling, core.StatusScheduled,
	}, path)
}

func TestRepeatedFailureCancels(t *testing.T) {
	c := newTestCoordinator(testSettings(), nil)
	thread := newThread()
	coord := start(t, c, thread)

	apply(t, c, coord, thread, reply("bob@example.com", "", available([2]int{9, 10})))
	apply(t, c, coord, thread, reply("carol@example.com", "", available([2]int{13, 14})))
	require.Equal(t, core.StatusNeedsClarification, coord.Status)

	apply(t, c, coord, thread, reply("bob@example.com", "", available([2]int{11, 12})))
	apply(t, c, coord, thread, reply("carol@example.com", "", available([2]int{16, 17})))

	assert.Equal(t, core.StatusCancelled, coord.Status)
	assert.Nil(t, coord.Decision)
	last := coord.Outbox[len(coord.Outbox)-1]
	assert.Equal(t, core.OutboundCancellation, last.Kind)
	assert.Contains(t, last.Body, "ann@example.com")
}

func TestSingleParticipantShortCircuits(t *testing.T) {
	c := newTestCoordinator(testSettings(), nil)

	coord, err := c.Start(context.Background(), newThread(), request(available([2]int{14, 16}), assistant))
	require.NoError(t, err)

	assert.Equal(t, []string{"ann@example.com"}, coord.Roster)
	assert.Equal(t, core.StatusScheduled, coord.Status)
	assert.Equal(t, at(14, 0), coord.Decision.Slot.Start)
	assert.Equal(t, []string{"ann@example.com"}, coord.Decision.Recipients)
	assert.Equal(t, core.StatusReconciling, coord.History[0].To)
}

func TestSingleParticipantAmbiguousAsksOrganizer(t *testing.T) {
	c := newTestCoordinator(testSettings(), nil)
	thread := newThread()

	coord, err := c.Start(context.Background(), thread, request(unclear("Which day?"), assistant))
	require.NoError(t, err)
	assert.Equal(t, core.StatusCollecting, coord.Status)
	require.Len(t, coord.Outbox, 1)
	assert.Equal(t, []string{"ann@example.com"}, coord.Outbox[0].To)

	apply(t, c, coord, thread, reply("ann@example.com", "Tuesday 2pm", available([2]int{14, 15})))
	assert.Equal(t, core.StatusScheduled, coord.Status)
}

func TestOrganizerCancellation(t *testing.T) {
	c := newTestCoordinator(testSettings(), nil)
	thread := newThread()
	coord := start(t, c, thread)

	assert.True(t, apply(t, c, coord, thread, reply("ann@example.com", "Never mind, let's cancel this.", nil)))
	assert.Equal(t, core.StatusCancelled, coord.Status)
	assert.Equal(t, core.OutboundCancellation, coord.Outbox[len(coord.Outbox)-1].Kind)
}

func TestOrganizerConstraintsUpdate(t *testing.T) {
	c := newTestCoordinator(testSettings(), nil)
	thread := newThread()
	coord := start(t, c, thread)

	apply(t, c, coord, thread, reply("ann@example.com", "only after 3", available([2]int{15, 17})))
	apply(t, c, coord, thread, reply("bob@example.com", "", available([2]int{14, 16})))
	apply(t, c, coord, thread, reply("carol@example.com", "", available([2]int{14, 17})))

	assert.Equal(t, core.StatusScheduled, coord.Status)
	assert.Equal(t, at(15, 0), coord.Decision.Slot.Start)
}

func TestNonRosterReplyChangesNothing(t *testing.T) {
	c := newTestCoordinator(testSettings(), nil)
	thread := newThread()
	coord := start(t, c, thread)
	outbox := len(coord.Outbox)

	assert.False(t, apply(t, c, coord, thread, reply("eve@example.com", "Tue 2-4pm", available([2]int{14, 16}))))
	assert.Equal(t, core.StatusCollecting, coord.Status)
	assert.Len(t, coord.Outbox, outbox)
}

func TestTerminalCoordinationNeverMutates(t *testing.T) {
	c := newTestCoordinator(testSettings(), nil)
	thread := newThread()
	coord := start(t, c, thread)
	apply(t, c, coord, thread, reply("ann@example.com", "cancel", nil))
	history := len(coord.History)

	assert.False(t, apply(t, c, coord, thread, reply("bob@example.com", "", available([2]int{14, 16}))))
	assert.Len(t, coord.History, history)
	assert.Equal(t, core.ResponsePending, coord.Response("bob@example.com").State)
}

func TestReasoningProposalInsideWindowIsUsed(t *testing.T) {
	settings := testSettings()
	settings.ReasoningMode = true
	c := newTestCoordinator(settings, &stubProposer{slot: &core.Slot{Start: at(15, 15), End: at(15, 45)}})
	thread := newThread()
	coord := start(t, c, thread)

	apply(t, c, coord, thread, reply("bob@example.com", "", available([2]int{14, 16})))
	apply(t, c, coord, thread, reply("carol@example.com", "", available([2]int{15, 17})))

	assert.True(t, coord.Decision.ProposalAccepted)
	assert.Equal(t, at(15, 15), coord.Decision.Slot.Start)
}

func TestReasoningProposalOutsideWindowIsRejected(t *testing.T) {
	settings := testSettings()
	settings.ReasoningMode = true
	c := newTestCoordinator(settings, &stubProposer{slot: &core.Slot{Start: at(9, 0), End: at(9, 30)}})
	thread := newThread()
	coord := start(t, c, thread)

	apply(t, c, coord, thread, reply("bob@example.com", "", available([2]int{14, 16})))
	apply(t, c, coord, thread, reply("carol@example.com", "", available([2]int{15, 17})))

	assert.False(t, coord.Decision.ProposalAccepted)
	assert.Equal(t, at(15, 0), coord.Decision.Slot.Start)
}

func TestReasoningProposalFailureFallsBack(t *testing.T) {
	settings := testSettings()
	settings.ReasoningMode = true
	c := newTestCoordinator(settings, &stubProposer{err: errors.New("timeout")})
	thread := newThread()
	coord := start(t, c, thread)

	apply(t, c, coord, thread, reply("bob@example.com", "", available([2]int{14, 16})))
	apply(t, c, coord, thread, reply("carol@example.com", "", available([2]int{15, 17})))

	assert.Equal(t, core.StatusScheduled, coord.Status)
	assert.Equal(t, at(15, 0), coord.Decision.Slot.Start)
}
