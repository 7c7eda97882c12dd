package coordination

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mikey/llm-meeting-coordinator/internal/core"
	"github.com/mikey/llm-meeting-coordinator/internal/identity"
	"github.com/mikey/llm-meeting-coordinator/internal/threading"
)

const availabilityRequestBody = `Hi everyone,

I'll coordinate this meeting (%s).

Please reply with your availability, one or more lines such as:

  Tue, 02/11: 1pm-3pm, 4:30pm-5pm
  Wed 9-11am
  Thursday afternoon

Times are read as %s unless you say otherwise. Please include AM/PM.
`

const clarificationBody = `Quick clarification so I don't schedule the wrong time:

%s
`

const revisedAvailabilityBody = `I couldn't find a time that works for everyone.

Could you share a few additional time windows (same format as before)? I'll try again once I hear back.
`

const scheduledBody = `Thanks everyone, the meeting is scheduled for:

%s - %s (%s)

Attendees: %s

A calendar invitation is attached.
`

const cancelledBody = `This meeting request has been cancelled.

%s
`

const escalationBody = `I wasn't able to find a time for this meeting on my own: %s.

%s, could you pick a time directly with the group?
`

const displayLayout = "Mon 01/02 3:04PM"

// Composer renders the assistant's outbound messages
type Composer struct {
	assistant   string
	displayName string
	domain      string
	loc         *time.Location
}

// NewComposer creates a new composer sending as the assistant address
func NewComposer(assistant, displayName string, loc *time.Location) *Composer {
	addr := identity.NormalizeAddress(assistant)
	return &Composer{
		assistant:   addr,
		displayName: displayName,
		domain:      identity.Domain(addr),
		loc:         loc,
	}
}

// From returns the sender header value
func (m *Composer) From() string {
	if m.displayName == "" {
		return m.assistant
	}
	return fmt.Sprintf("%s <%s>", m.displayName, m.assistant)
}

func (m *Composer) location(c *core.Coordination) *time.Location {
	if c.TimeZone != "" {
		if loc, err := time.LoadLocation(c.TimeZone); err == nil {
			return loc
		}
	}
	return m.loc
}

// AvailabilityRequest asks the roster and organizer for their availability
func (m *Composer) AvailabilityRequest(c *core.Coordination, thread *core.Thread) *core.OutboundMessage {
	length := fmt.Sprintf("%d minutes", int(c.Duration/time.Minute))
	return m.message(core.OutboundAvailabilityRequest, recipients(c), c.Subject, thread,
		fmt.Sprintf(availabilityRequestBody, length, m.location(c).String()))
}

// Clarification asks one participant to restate an ambiguous reply
func (m *Composer) Clarification(c *core.Coordination, thread *core.Thread, to, question string) *core.OutboundMessage {
	return m.message(core.OutboundClarification, []string{to}, c.Subject, thread,
		fmt.Sprintf(clarificationBody, question))
}

// RevisedAvailability asks the members behind a conflict for more windows
func (m *Composer) RevisedAvailability(c *core.Coordination, thread *core.Thread, to []string) *core.OutboundMessage {
	return m.message(core.OutboundRevisedAvailability, to, c.Subject, thread, revisedAvailabilityBody)
}

// Cancellation tells everyone the coordination has ended
func (m *Composer) Cancellation(c *core.Coordination, thread *core.Thread, reason string) *core.OutboundMessage {
	return m.message(core.OutboundCancellation, recipients(c), c.Subject, thread,
		fmt.Sprintf(cancelledBody, reason))
}

// Escalation cancels the coordination and hands it back to the organizer
func (m *Composer) Escalation(c *core.Coordination, thread *core.Thread, reason string) *core.OutboundMessage {
	return m.message(core.OutboundCancellation, recipients(c), c.Subject, thread,
		fmt.Sprintf(escalationBody, reason, c.Organizer))
}

// Invitation renders the scheduled notice with its calendar payload
func (m *Composer) Invitation(c *core.Coordination, thread *core.Thread, d *core.SchedulingDecision) *core.OutboundMessage {
	loc := m.location(c)
	start, end := d.Slot.Start.In(loc), d.Slot.End.In(loc)
	body := fmt.Sprintf(scheduledBody,
		start.Format(displayLayout), end.Format("3:04PM"), loc.String(),
		strings.Join(d.Recipients, ", "))

	out := m.message(core.OutboundInvitation, d.Recipients, c.Subject, thread, body)
	out.Invitation = &core.Invitation{
		UID:       c.ID + "@" + m.domain,
		Summary:   c.Subject,
		Organizer: c.Organizer,
		Attendees: d.Recipients,
		Start:     d.Slot.Start.UTC(),
		End:       d.Slot.End.UTC(),
		Sequence:  d.Sequence,
	}
	return out
}

func (m *Composer) message(kind core.OutboundKind, to []string, subject string, thread *core.Thread, body string) *core.OutboundMessage {
	id := uuid.NewString()
	inReplyTo, refs := references(thread)
	return &core.OutboundMessage{
		ID:         id,
		MessageID:  "<" + id + "@" + m.domain + ">",
		Kind:       kind,
		To:         append([]string(nil), to...),
		Subject:    replySubject(subject),
		Body:       body,
		InReplyTo:  inReplyTo,
		References: refs,
	}
}

// references threads a reply under the root and the latest message
func references(thread *core.Thread) (string, []string) {
	if thread == nil {
		return "", nil
	}
	root := strings.TrimPrefix(thread.Key, threading.KeyPrefix)
	refs := []string{"<" + root + ">"}
	if n := len(thread.Messages); n > 0 {
		last := thread.Messages[n-1].ID
		if last != root {
			refs = append(refs, "<"+last+">")
		}
		return "<" + last + ">", refs
	}
	return "<" + root + ">", refs
}

func replySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "Meeting"
	}
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

// recipients returns the roster followed by the organizer
func recipients(c *core.Coordination) []string {
	out := append([]string(nil), c.Roster...)
	if !c.InRoster(c.Organizer) {
		out = append(out, c.Organizer)
	}
	return out
}
