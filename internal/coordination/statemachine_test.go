package coordination

import (
	"testing"

	"github.com/mikey/llm-meeting-coordinator/internal/core"
	"github.com/mikey/llm-meeting-coordinator/internal/whitelist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(core.StatusDetecting, core.StatusReconciling))
	assert.True(t, CanTransition(core.StatusNeedsClarification, core.StatusCollecting))
	assert.False(t, CanTransition(core.StatusCollecting, core.StatusScheduled))
	assert.False(t, CanTransition(core.StatusDetecting, core.StatusScheduled))

	for _, terminal := range []core.CoordinationStatus{core.StatusScheduled, core.StatusCancelled} {
		for _, to := range []core.CoordinationStatus{
			core.StatusDetecting, core.StatusCollecting, core.StatusReconciling,
			core.StatusScheduled, core.StatusNeedsClarification, core.StatusCancelled,
		} {
			assert.False(t, CanTransition(terminal, to), "%s -> %s", terminal, to)
		}
	}
}

func TestInvalidTransitionLeavesCoordinationUnchanged(t *testing.T) {
	coord := &core.Coordination{Status: core.StatusCollecting}

	err := Transition(coord, core.StatusScheduled, "skip reconciliation", now)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)
	assert.Equal(t, core.StatusCollecting, coord.Status)
	assert.Empty(t, coord.History)
}

func TestClassifierRequiresAddressAndKeyword(t *testing.T) {
	c := NewClassifier("Coordinator <Assistant@Coord.Example>", whitelist.NewChecker(nil, zap.NewNop()), zap.NewNop())

	msg := &core.Message{From: "ann@example.com", To: []string{"assistant@coord.example", "bob@example.com"}, Subject: "Sync", Body: "Can you find a time for us next week?"}
	assert.True(t, c.IsRequest(msg, nil))

	notAddressed := *msg
	notAddressed.To = []string{"bob@example.com"}
	assert.False(t, c.IsRequest(&notAddressed, nil))

	fromSelf := *msg
	fromSelf.From = "assistant@coord.example"
	assert.False(t, c.IsRequest(&fromSelf, nil))
	assert.True(t, c.FromAssistant(&fromSelf))

	plain := *msg
	plain.Body = "Lunch?"
	assert.False(t, c.IsRequest(&plain, nil))
	assert.True(t, c.IsRequest(&plain, &core.AvailabilityStatement{Intent: core.IntentNewRequest}))
}

func TestClassifierHonoursDomainAllowList(t *testing.T) {
	c := NewClassifier(assistant, whitelist.NewChecker([]string{"example.com"}, zap.NewNop()), zap.NewNop())

	ok := &core.Message{From: "ann@example.com", To: []string{assistant}, Body: "please coordinate"}
	blocked := &core.Message{From: "eve@elsewhere.test", To: []string{assistant}, Body: "please coordinate"}
	assert.True(t, c.IsRequest(ok, nil))
	assert.False(t, c.IsRequest(blocked, nil))
}

func TestRosterExcludesAssistantAndOrganizer(t *testing.T) {
	c := NewClassifier(assistant, nil, zap.NewNop())
	msg := &core.Message{
		From: "ann@example.com",
		To:   []string{"Assistant <assistant@coord.example>", "bob@example.com"},
		Cc:   []string{"ann@example.com", "carol@example.com", "bob@example.com"},
	}
	assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, c.Roster(msg))
}

func TestCancellationLanguage(t *testing.T) {
	c := NewClassifier(assistant, nil, zap.NewNop())
	assert.True(t, c.IsCancellation("Please cancel the meeting"))
	assert.True(t, c.IsCancellation("Let's call it off"))
	assert.True(t, c.IsCancellation("nevermind"))
	assert.True(t, c.IsCancellation("Cancel."))
	assert.True(t, c.IsCancellation("We no longer need a meeting, thanks"))
	assert.False(t, c.IsCancellation("Tuesday works"))
	assert.False(t, c.IsCancellation("My standup got cancelled, so I can only do Wednesday 2-4pm"))
	assert.False(t, c.IsCancellation("Thursday is out, the offsite was cancelled"))
	assert.False(t, c.IsCancellation("Wednesday 10am\n\n> Please cancel the meeting"))
}

func TestRequestIgnoresQuotedText(t *testing.T) {
	c := NewClassifier(assistant, nil, zap.NewNop())
	msg := &core.Message{
		From:      "ann@example.com",
		To:        []string{assistant},
		Subject:   "Re: Find a time for planning",
		Body:      "Thanks, I'll sort it out myself.\n\n> I wasn't able to find a time for this meeting on my own",
		InReplyTo: "<out-1@coord.example>",
	}
	assert.False(t, c.IsRequest(msg, nil))

	msg.Body = "Thanks, I'll sort it out myself.\n\nOn Mon, Oct 19, 2026 at 9:00 AM Coordinator wrote:\nI wasn't able to find a time"
	assert.False(t, c.IsRequest(msg, nil))

	msg.Body = "Could you find a time next week instead?"
	assert.True(t, c.IsRequest(msg, nil))
}
