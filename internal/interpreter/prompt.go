package interpreter

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mikey/llm-meeting-coordinator/internal/core"
)

const interpretSystem = `You read email replies for a meeting scheduling assistant and extract availability.
Respond with a JSON object containing:
- intent: one of NEW_REQUEST, AVAILABILITY, CONFIRMATION, DECLINE, OTHER
- needs_clarification: boolean (true if you cannot tell the days or times without guessing)
- clarifying_question: string (one short question to ask the sender, empty when not needed)
- timezone: IANA timezone name the sender used, or empty if unknown
- duration_minutes: integer, only when the sender states a meeting length explicitly, otherwise 0
- candidates: array of objects with
  - start_local: "YYYY-MM-DDTHH:MM" in the sender's timezone
  - end_local: "YYYY-MM-DDTHH:MM" in the sender's timezone
  - confidence: number between 0 and 1
  - source_text: the words the candidate came from

A range such as "2-4pm" is a window of availability, never a meeting length.
Never invent a time that the text does not state. If AM/PM is missing and the hour could be either, ask.
Respond only with the JSON object and nothing else.`

const interpretFormat = `Current local time: %s (%s)

Email:
From: %s
Subject: %s
Body:
%s`

const proposeSystem = `You help a meeting scheduling assistant pick one meeting time.
Respond with a JSON object containing:
- start_local: "YYYY-MM-DDTHH:MM" in the given timezone
- end_local: "YYYY-MM-DDTHH:MM" in the given timezone
- reason: string (one sentence)

The meeting must fit inside the availability of every participant.
Respond only with the JSON object and nothing else.`

const proposeFormat = `Timezone: %s
Current local time: %s
Meeting length: %d minutes

Availability:
%s`

// interpretReply is the structured response the model is asked for
type interpretReply struct {
	Intent             string           `json:"intent"`
	NeedsClarification bool             `json:"needs_clarification"`
	ClarifyingQuestion string           `json:"clarifying_question"`
	TimeZone           string           `json:"timezone"`
	DurationMinutes    int              `json:"duration_minutes"`
	Candidates         []modelCandidate `json:"candidates"`
}

type modelCandidate struct {
	StartLocal string   `json:"start_local"`
	EndLocal   string   `json:"end_local"`
	Confidence *float64 `json:"confidence"`
	SourceText string   `json:"source_text"`
}

// proposeReply is the structured response to a proposal prompt
type proposeReply struct {
	StartLocal string `json:"start_local"`
	EndLocal   string `json:"end_local"`
	Reason     string `json:"reason"`
}

const localLayout = "Monday 2006-01-02 15:04"

func buildInterpretPrompt(msg *core.Message, body string, loc *time.Location, now time.Time) string {
	return fmt.Sprintf(interpretFormat,
		now.In(loc).Format(localLayout), loc.String(),
		msg.From, msg.Subject, body)
}

func buildProposePrompt(req *ProposalRequest) string {
	var b strings.Builder
	members := make([]string, 0, len(req.Availability))
	for m := range req.Availability {
		members = append(members, m)
	}
	sort.Strings(members)

	for _, m := range members {
		fmt.Fprintf(&b, "%s:\n", m)
		for _, w := range req.Availability[m] {
			fmt.Fprintf(&b, "  - %s to %s\n", w.Start.In(req.Location).Format(localLayout), w.End.In(req.Location).Format("15:04"))
		}
	}
	if len(req.Constraints) > 0 {
		b.WriteString("organizer constraints:\n")
		for _, w := range req.Constraints {
			fmt.Fprintf(&b, "  - %s to %s\n", w.Start.In(req.Location).Format(localLayout), w.End.In(req.Location).Format("15:04"))
		}
	}

	return fmt.Sprintf(proposeFormat,
		req.Location.String(),
		req.Now.In(req.Location).Format(localLayout),
		int(req.Duration/time.Minute),
		b.String())
}

// decodeJSON parses the model's text as JSON, falling back to the outermost
// object when the model wrapped it in prose or code fences
func decodeJSON(text string, v interface{}) error {
	if err := json.Unmarshal([]byte(text), v); err == nil {
		return nil
	}

	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return fmt.Errorf("failed to extract JSON from LLM response")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return fmt.Errorf("failed to parse LLM response as JSON: %w", err)
	}
	return nil
}
