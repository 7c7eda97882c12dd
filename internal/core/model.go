package core

import (
	"time"
)

// Message represents an inbound email message
type Message struct {
	From       string
	To         []string
	Cc         []string
	Subject    string
	Body       string
	MessageID  string
	InReplyTo  string
	References string
	ReceivedAt time.Time
}

// Recipients returns the To recipients followed by the Cc recipients
func (m *Message) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.Cc))
	out = append(out, m.To...)
	out = append(out, m.Cc...)
	return out
}

// IdentifierSet is the normalized set of identifiers carried by one message
type IdentifierSet struct {
	Own       string
	Parent    string
	Ancestors []string
}

// All returns own, parent and ancestors in that order without duplicates
func (s IdentifierSet) All() []string {
	seen := make(map[string]struct{}, len(s.Ancestors)+2)
	out := make([]string, 0, len(s.Ancestors)+2)
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	add(s.Own)
	add(s.Parent)
	for _, id := range s.Ancestors {
		add(id)
	}
	return out
}

// Root returns the identifier a brand new thread is keyed on
func (s IdentifierSet) Root() string {
	if len(s.Ancestors) > 0 {
		return s.Ancestors[0]
	}
	if s.Parent != "" {
		return s.Parent
	}
	return s.Own
}

// MessageRecord is the part of a message kept in thread history
type MessageRecord struct {
	ID         string    `json:"id"`
	From       string    `json:"from"`
	To         []string  `json:"to"`
	Subject    string    `json:"subject"`
	ReceivedAt time.Time `json:"received_at"`
}

// Thread is a logical conversation assembled from one or more messages
type Thread struct {
	Key          string          `json:"key"`
	Identifiers  []string        `json:"identifiers"`
	Messages     []MessageRecord `json:"messages"`
	Participants []string        `json:"participants"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	RetiredInto  string          `json:"retired_into,omitempty"`
}

// HasMessage reports whether a message with the given own identifier is already recorded
func (t *Thread) HasMessage(id string) bool {
	for _, m := range t.Messages {
		if m.ID == id {
			return true
		}
	}
	return false
}

// HasIdentifier reports whether the thread owns the identifier
func (t *Thread) HasIdentifier(id string) bool {
	for _, existing := range t.Identifiers {
		if existing == id {
			return true
		}
	}
	return false
}

// AddIdentifiers unions identifiers into the thread, keeping first-seen order
func (t *Thread) AddIdentifiers(ids ...string) {
	for _, id := range ids {
		if id != "" && !t.HasIdentifier(id) {
			t.Identifiers = append(t.Identifiers, id)
		}
	}
}

// HasParticipant reports whether the address was observed on the thread
func (t *Thread) HasParticipant(addr string) bool {
	for _, p := range t.Participants {
		if p == addr {
			return true
		}
	}
	return false
}

// AddParticipants unions addresses into the participant set
func (t *Thread) AddParticipants(addrs ...string) {
	for _, a := range addrs {
		if a != "" && !t.HasParticipant(a) {
			t.Participants = append(t.Participants, a)
		}
	}
}

// Retired reports whether the thread was merged into another one
func (t *Thread) Retired() bool {
	return t.RetiredInto != ""
}

// TimeWindow is a single occurrence interval, inclusive of both bounds
type TimeWindow struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	TimeZone string    `json:"time_zone"`
}

// Length returns the length of the window
func (w TimeWindow) Length() time.Duration {
	return w.End.Sub(w.Start)
}

// UTC returns the window with both bounds converted to UTC
func (w TimeWindow) UTC() TimeWindow {
	return TimeWindow{Start: w.Start.UTC(), End: w.End.UTC(), TimeZone: w.TimeZone}
}

// Contains reports whether [start, end] lies fully inside the window
func (w TimeWindow) Contains(start, end time.Time) bool {
	return !start.Before(w.Start) && !end.After(w.End)
}

// StatementKind distinguishes availability windows from explicit duration statements
type StatementKind string

const (
	KindAvailabilityWindow StatementKind = "availability_window"
	KindExplicitDuration   StatementKind = "explicit_duration"
)

// StatementSource records which path produced a statement
type StatementSource string

const (
	SourceModel StatementSource = "model"
	SourceRules StatementSource = "rules"
)

// Intent is the conversational intent of a message
type Intent string

const (
	IntentNewRequest   Intent = "NEW_REQUEST"
	IntentAvailability Intent = "AVAILABILITY"
	IntentConfirmation Intent = "CONFIRMATION"
	IntentDecline      Intent = "DECLINE"
	IntentOther        Intent = "OTHER"
)

// AvailabilityStatement is the normalized reading of one participant reply.
// Duration is non-zero only when the text contained explicit duration language.
type AvailabilityStatement struct {
	Windows    []TimeWindow    `json:"windows"`
	Excerpt    string          `json:"excerpt"`
	Kind       StatementKind   `json:"kind"`
	Duration   time.Duration   `json:"duration,omitempty"`
	Ambiguous  bool            `json:"ambiguous"`
	Question   string          `json:"question,omitempty"`
	Source     StatementSource `json:"source"`
	Intent     Intent          `json:"intent"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Usable reports whether the statement can take part in reconciliation
func (s *AvailabilityStatement) Usable() bool {
	return s != nil && !s.Ambiguous && len(s.Windows) > 0
}

// CoordinationStatus is a coordination lifecycle state
type CoordinationStatus string

const (
	StatusDetecting          CoordinationStatus = "DETECTING"
	StatusCollecting         CoordinationStatus = "COLLECTING"
	StatusReconciling        CoordinationStatus = "RECONCILING"
	StatusScheduled          CoordinationStatus = "SCHEDULED"
	StatusNeedsClarification CoordinationStatus = "NEEDS_CLARIFICATION"
	StatusCancelled          CoordinationStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is possible
func (s CoordinationStatus) IsTerminal() bool {
	return s == StatusScheduled || s == StatusCancelled
}

// ResponseState tracks what is known about a roster member
type ResponseState string

const (
	ResponsePending   ResponseState = "pending"
	ResponseAvailable ResponseState = "available"
	ResponseAmbiguous ResponseState = "ambiguous"
)

// ParticipantResponse is the latest response state of a roster member
type ParticipantResponse struct {
	Address        string                 `json:"address"`
	State          ResponseState          `json:"state"`
	Statement      *AvailabilityStatement `json:"statement,omitempty"`
	Clarifications int                    `json:"clarifications"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// Transition records one status change
type Transition struct {
	From   CoordinationStatus `json:"from"`
	To     CoordinationStatus `json:"to"`
	Reason string             `json:"reason"`
	At     time.Time          `json:"at"`
}

// Slot is a concrete meeting time
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// SchedulingDecision is the single decision a coordination may emit
type SchedulingDecision struct {
	Sequence         int64      `json:"sequence"`
	CoordinationID   string     `json:"coordination_id"`
	Slot             Slot       `json:"slot"`
	Participants     []string   `json:"participants"`
	Recipients       []string   `json:"recipients"`
	ProposalAccepted bool       `json:"proposal_accepted"`
	CreatedAt        time.Time  `json:"created_at"`
	DispatchedAt     *time.Time `json:"dispatched_at,omitempty"`
}

// Dispatched reports whether the invitation was handed to the transport
func (d *SchedulingDecision) Dispatched() bool {
	return d != nil && d.DispatchedAt != nil
}

// OutboundKind identifies the template an outbound message was built from
type OutboundKind string

const (
	OutboundAvailabilityRequest OutboundKind = "availability_request"
	OutboundClarification       OutboundKind = "clarification"
	OutboundRevisedAvailability OutboundKind = "revised_availability"
	OutboundInvitation          OutboundKind = "invitation"
	OutboundCancellation        OutboundKind = "cancellation"
)

// Invitation is the calendar payload attached to a scheduled meeting notice
type Invitation struct {
	UID       string    `json:"uid"`
	Summary   string    `json:"summary"`
	Organizer string    `json:"organizer"`
	Attendees []string  `json:"attendees"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Sequence  int64     `json:"sequence"`
}

// OutboundMessage is a message the assistant sends
type OutboundMessage struct {
	ID         string       `json:"id"`
	MessageID  string       `json:"message_id"`
	Kind       OutboundKind `json:"kind"`
	To         []string     `json:"to"`
	Subject    string       `json:"subject"`
	Body       string       `json:"body"`
	InReplyTo  string       `json:"in_reply_to,omitempty"`
	References []string     `json:"references,omitempty"`
	Invitation *Invitation  `json:"invitation,omitempty"`
	SentAt     *time.Time   `json:"sent_at,omitempty"`
}

// Coordination is one scheduling negotiation bound to a thread
type Coordination struct {
	ID                   string                          `json:"id"`
	ThreadKey            string                          `json:"thread_key"`
	InitiatingMessageID  string                          `json:"initiating_message_id"`
	Organizer            string                          `json:"organizer"`
	Subject              string                          `json:"subject"`
	Roster               []string                        `json:"roster"`
	Responses            map[string]*ParticipantResponse `json:"responses"`
	OrganizerConstraints []TimeWindow                    `json:"organizer_constraints,omitempty"`
	Duration             time.Duration                   `json:"duration"`
	DurationExplicit     bool                            `json:"duration_explicit"`
	TimeZone             string                          `json:"time_zone"`
	Status               CoordinationStatus              `json:"status"`
	FailedRounds         int                             `json:"failed_rounds"`
	Decision             *SchedulingDecision             `json:"decision,omitempty"`
	Outbox               []*OutboundMessage              `json:"outbox,omitempty"`
	History              []Transition                    `json:"history"`
	CreatedAt            time.Time                       `json:"created_at"`
	UpdatedAt            time.Time                       `json:"updated_at"`
	Version              int64                           `json:"version"`
}

// IsActive reports whether the coordination can still change
func (c *Coordination) IsActive() bool {
	return !c.Status.IsTerminal()
}

// InRoster reports whether the address is a required participant
func (c *Coordination) InRoster(addr string) bool {
	for _, r := range c.Roster {
		if r == addr {
			return true
		}
	}
	return false
}

// Response returns the response record of a roster member, or nil
func (c *Coordination) Response(addr string) *ParticipantResponse {
	if c.Responses == nil {
		return nil
	}
	return c.Responses[addr]
}

// Unsent returns outbound messages that have not been handed to the transport yet
func (c *Coordination) Unsent() []*OutboundMessage {
	var out []*OutboundMessage
	for _, m := range c.Outbox {
		if m.SentAt == nil {
			out = append(out, m)
		}
	}
	return out
}
