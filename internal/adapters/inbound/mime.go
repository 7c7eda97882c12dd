package inbound

import (
	"fmt"
	"html"
	"io"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"
	"github.com/mikey/llm-meeting-coordinator/internal/core"
)

var stripHTML = bluemonday.StrictPolicy()

// ParseMessage reads a raw RFC 5322 message. The body is the text/plain
// part; an HTML-only message falls back to its text content.
func ParseMessage(r io.Reader) (*core.Message, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	defer mr.Close()

	h := mr.Header
	msg := &core.Message{
		From:       firstAddress(h, "From"),
		To:         addresses(h, "To"),
		Cc:         addresses(h, "Cc"),
		MessageID:  h.Get("Message-Id"),
		InReplyTo:  h.Get("In-Reply-To"),
		References: h.Get("References"),
	}
	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = h.Get("Subject")
	}
	if date, err := h.Date(); err == nil {
		msg.ReceivedAt = date
	}

	var text, markup strings.Builder
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// keep what was read so far
			break
		}

		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := inline.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(contentType, "text/plain"):
			text.Write(body)
			text.WriteString("\n")
		case strings.HasPrefix(contentType, "text/html"):
			markup.Write(body)
		}
	}

	switch {
	case text.Len() > 0:
		msg.Body = text.String()
	case markup.Len() > 0:
		msg.Body = html.UnescapeString(stripHTML.Sanitize(markup.String()))
	}
	return msg, nil
}

func addresses(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		// unparseable lists are kept raw for the normalizer
		if raw := h.Get(key); raw != "" {
			return strings.Split(raw, ",")
		}
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}

func firstAddress(h mail.Header, key string) string {
	if list := addresses(h, key); len(list) > 0 {
		return strings.TrimSpace(list[0])
	}
	return ""
}
