package outbound

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/emersion/go-message/mail"
	"github.com/mikey/llm-meeting-coordinator/internal/core"
)

// MIMEBuilder renders outbound messages as RFC 5322 mail. Invitations carry
// an iCalendar REQUEST both inline and as an attachment.
type MIMEBuilder struct {
	from *mail.Address
	now  func() time.Time
}

// NewMIMEBuilder creates a builder sending as the assistant
func NewMIMEBuilder(address, displayName string) *MIMEBuilder {
	return &MIMEBuilder{
		from: &mail.Address{Name: displayName, Address: address},
		now:  time.Now,
	}
}

// Build renders msg
func (b *MIMEBuilder) Build(msg *core.OutboundMessage) ([]byte, error) {
	var h mail.Header
	h.SetDate(b.now())
	h.SetAddressList("From", []*mail.Address{b.from})
	to := make([]*mail.Address, 0, len(msg.To))
	for _, addr := range msg.To {
		to = append(to, &mail.Address{Address: addr})
	}
	h.SetAddressList("To", to)
	h.SetSubject(msg.Subject)
	h.SetMessageID(bare(msg.MessageID))
	if msg.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{bare(msg.InReplyTo)})
	}
	if len(msg.References) > 0 {
		refs := make([]string, 0, len(msg.References))
		for _, r := range msg.References {
			refs = append(refs, bare(r))
		}
		h.SetMsgIDList("References", refs)
	}
	h.Set("Auto-Submitted", "auto-generated")

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("failed to create inline part: %w", err)
	}
	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if err := writePart(func() (io.WriteCloser, error) { return iw.CreatePart(th) }, msg.Body); err != nil {
		return nil, err
	}

	var invite string
	if msg.Invitation != nil {
		if invite, err = b.calendar(msg.Invitation); err != nil {
			return nil, err
		}
		var ch mail.InlineHeader
		ch.SetContentType("text/calendar", map[string]string{"charset": "utf-8", "method": "REQUEST"})
		if err := writePart(func() (io.WriteCloser, error) { return iw.CreatePart(ch) }, invite); err != nil {
			return nil, err
		}
	}
	if err := iw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close inline part: %w", err)
	}

	if msg.Invitation != nil {
		var ah mail.AttachmentHeader
		ah.SetContentType("application/ics", map[string]string{"name": "invite.ics"})
		ah.SetFilename("invite.ics")
		if err := writePart(func() (io.WriteCloser, error) { return mw.CreateAttachment(ah) }, invite); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close message writer: %w", err)
	}
	return buf.Bytes(), nil
}

// calendar renders a single-event iCalendar REQUEST. The assistant sends
// the request, so it is the ORGANIZER; the people it schedules for are
// attendees.
func (b *MIMEBuilder) calendar(inv *core.Invitation) (string, error) {
	cal := ics.NewCalendar()
	cal.SetProductId("-//meeting-coordinator//EN")
	cal.SetCalscale("GREGORIAN")
	cal.SetMethod(ics.MethodRequest)

	event := cal.AddEvent(inv.UID)
	event.SetSequence(int(inv.Sequence))
	event.SetDtStampTime(b.now())
	event.SetStartAt(inv.Start)
	event.SetEndAt(inv.End)
	event.SetSummary(inv.Summary)
	var organizer []ics.PropertyParameter
	if b.from.Name != "" {
		organizer = append(organizer, ics.WithCN(b.from.Name))
	}
	event.SetOrganizer(b.from.Address, organizer...)
	for _, a := range inv.Attendees {
		event.AddAttendee(a,
			ics.ParticipationRoleReqParticipant,
			ics.ParticipationStatusNeedsAction,
			&ics.KeyValues{Key: string(ics.ParameterRsvp), Value: []string{"TRUE"}})
	}
	event.SetStatus(ics.ObjectStatusConfirmed)

	var sb strings.Builder
	if err := cal.SerializeTo(&sb, ics.WithNewLineWindows); err != nil {
		return "", fmt.Errorf("failed to render calendar: %w", err)
	}
	return sb.String(), nil
}

func writePart(create func() (io.WriteCloser, error), body string) error {
	w, err := create()
	if err != nil {
		return fmt.Errorf("failed to create part: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		w.Close()
		return fmt.Errorf("failed to write part: %w", err)
	}
	return w.Close()
}

func bare(id string) string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(id), "<"), ">")
}
