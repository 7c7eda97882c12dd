package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/mikey/llm-meeting-coordinator/internal/core"
	"golang.org/x/text/cases"
)

// syntheticDomain marks identifiers the normalizer had to invent
const syntheticDomain = "synthetic.invalid"

// Normalize extracts the identifier set of a message. It never fails: a
// message without a Message-ID gets one derived from its content so that
// redeliveries of the same message still collide.
func Normalize(msg *core.Message) core.IdentifierSet {
	set := core.IdentifierSet{}

	if tokens := tokens(msg.MessageID); len(tokens) > 0 {
		set.Own = tokens[0]
	}
	if set.Own == "" {
		set.Own = synthesize(msg)
	}

	if tokens := tokens(msg.InReplyTo); len(tokens) > 0 && tokens[0] != set.Own {
		set.Parent = tokens[0]
	}

	for _, ref := range tokens(msg.References) {
		if ref == set.Own {
			continue
		}
		set.Ancestors = append(set.Ancestors, ref)
	}

	return set
}

// NormalizeID normalizes a single identifier value
func NormalizeID(raw string) string {
	if t := tokens(raw); len(t) > 0 {
		return t[0]
	}
	return ""
}

// tokens splits a header value into normalized identifiers. Angle-bracketed
// tokens win; values without brackets are split on whitespace.
func tokens(header string) []string {
	header = stripLineBreaks(header)
	if strings.TrimSpace(header) == "" {
		return nil
	}

	var raw []string
	if strings.Contains(header, "<") {
		rest := header
		for {
			open := strings.IndexByte(rest, '<')
			if open < 0 {
				break
			}
			end := strings.IndexByte(rest[open:], '>')
			if end < 0 {
				raw = append(raw, rest[open:])
				break
			}
			raw = append(raw, rest[open:open+end+1])
			rest = rest[open+end+1:]
		}
	} else {
		raw = strings.Fields(header)
	}

	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		id := normalizeToken(r)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// normalizeToken strips decoration only at the token boundaries and folds
// the case of the domain part. Local parts are left untouched.
func normalizeToken(tok string) string {
	tok = strings.Join(strings.Fields(tok), "")
	tok = strings.TrimPrefix(tok, "<")
	tok = strings.TrimSuffix(tok, ">")
	if len(tok) >= 7 && strings.EqualFold(tok[:7], "mailto:") {
		tok = tok[7:]
	}
	if tok == "" {
		return ""
	}

	at := strings.LastIndexByte(tok, '@')
	if at < 0 || at == len(tok)-1 {
		return tok
	}
	return tok[:at+1] + cases.Fold().String(tok[at+1:])
}

func stripLineBreaks(s string) string {
	return strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ").Replace(s)
}

func synthesize(msg *core.Message) string {
	h := sha256.New()
	h.Write([]byte(NormalizeAddress(msg.From)))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(msg.Subject)))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(msg.Body)))
	return hex.EncodeToString(h.Sum(nil))[:32] + "@" + syntheticDomain
}

// NormalizeAddress reduces a mailbox to its bare, case-folded address
func NormalizeAddress(raw string) string {
	raw = strings.TrimSpace(stripLineBreaks(raw))
	if raw == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(raw); err == nil {
		raw = addr.Address
	} else {
		raw = strings.Trim(raw, "<> ")
	}
	return cases.Fold().String(raw)
}

// NormalizeAddresses normalizes a list of mailboxes, dropping empties and duplicates
func NormalizeAddresses(raw []string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		a := NormalizeAddress(r)
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

// Domain returns the domain part of an address
func Domain(addr string) string {
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return ""
	}
	return addr[at+1:]
}
