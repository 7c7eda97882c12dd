package coordination

import (
	"regexp"
	"strings"

	"github.com/mikey/llm-meeting-coordinator/internal/core"
	"github.com/mikey/llm-meeting-coordinator/internal/identity"
	"github.com/mikey/llm-meeting-coordinator/internal/utils"
	"github.com/mikey/llm-meeting-coordinator/internal/whitelist"
	"go.uber.org/zap"
)

var requestKeywords = []string{"coordinate", "find a time", "schedule us", "schedule a time", "availability"}

// cancelLanguage only matches cancellation aimed at the meeting itself, so
// "my standup got cancelled" is not one
var cancelLanguage = regexp.MustCompile(`(?i)\b(?:` +
	`please\s+cancel|` +
	`(?:let'?s|we\s+can|you\s+can|go\s+ahead\s+and)\s+cancel|` +
	`cancel\s+(?:this|the|that|our)\s+(?:meeting|request|invite|invitation|call|scheduling)|` +
	`call(?:ing)?\s+(?:it|this|the\s+meeting)\s+off|` +
	`never\s?mind,?\s+(?:this|the)\s+(?:meeting|request)|` +
	`no\s+longer\s+need\s+(?:a|the|this)\s+(?:meeting|call)|` +
	`(?:meeting|call)\s+is\s+no\s+longer\s+needed` +
	`)\b`)

// bareCancel matches a reply that says nothing but cancel
var bareCancel = regexp.MustCompile(`(?i)^(?:please\s+)?(?:cancel(?:\s+(?:it|this|that))?|never\s?mind)[.!]*$`)

// Classifier decides whether a message starts a coordination
type Classifier struct {
	assistant string
	domains   *whitelist.Checker
	text      *utils.TextProcessor
	logger    *zap.Logger
}

// NewClassifier creates a new classifier for the assistant's address
func NewClassifier(assistant string, domains *whitelist.Checker, logger *zap.Logger) *Classifier {
	return &Classifier{
		assistant: identity.NormalizeAddress(assistant),
		domains:   domains,
		text:      utils.NewTextProcessor(logger),
		logger:    logger,
	}
}

// Assistant returns the normalized assistant address
func (c *Classifier) Assistant() string {
	return c.assistant
}

// FromAssistant reports whether the message was sent by the assistant itself
func (c *Classifier) FromAssistant(msg *core.Message) bool {
	return identity.NormalizeAddress(msg.From) == c.assistant
}

// Addressed reports whether the assistant is among the recipients
func (c *Classifier) Addressed(msg *core.Message) bool {
	for _, r := range identity.NormalizeAddresses(msg.Recipients()) {
		if r == c.assistant {
			return true
		}
	}
	return false
}

// IsRequest combines the structural check with the keyword check or the
// model's intent. The model alone can never start a coordination.
func (c *Classifier) IsRequest(msg *core.Message, stmt *core.AvailabilityStatement) bool {
	if c.FromAssistant(msg) || !c.Addressed(msg) {
		return false
	}
	if c.domains != nil && !c.domains.Allows(msg.From) {
		c.logger.Info("Ignoring request from disallowed domain", zap.String("sender", msg.From))
		return false
	}

	// a reply subject repeats whatever the thread started with
	text := c.ownText(msg.Body)
	if msg.InReplyTo == "" && msg.References == "" {
		text = msg.Subject + "\n" + text
	}
	text = strings.ToLower(text)
	for _, k := range requestKeywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return stmt != nil && stmt.Intent == core.IntentNewRequest
}

// IsCancellation reports whether the sender's own text, quotes removed,
// explicitly asks to cancel the meeting
func (c *Classifier) IsCancellation(body string) bool {
	text := strings.TrimSpace(c.ownText(body))
	return cancelLanguage.MatchString(text) || bareCancel.MatchString(text)
}

// ownText drops quoted reply text
func (c *Classifier) ownText(body string) string {
	return c.text.StripQuoted(c.text.SanitizeUTF8(body))
}

// Roster returns the recipients who must respond: everyone addressed
// except the assistant and the organizer
func (c *Classifier) Roster(msg *core.Message) []string {
	organizer := identity.NormalizeAddress(msg.From)
	var roster []string
	for _, r := range identity.NormalizeAddresses(msg.Recipients()) {
		if r == c.assistant || r == organizer {
			continue
		}
		roster = append(roster, r)
	}
	return roster
}
