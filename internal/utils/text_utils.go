package utils

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
)

var (
	wroteLine      = regexp.MustCompile(`(?i)^\s*On .* wrote:\s*$`)
	blankRuns      = regexp.MustCompile(`\n{3,}`)
	ishAfterMeridi = regexp.MustCompile(`(?i)\b(\d{1,2}\s*(?:am|pm))\s*-?\s*ish\b`)
	ishAfterClock  = regexp.MustCompile(`(?i)\b(\d{1,2}:\d{2})\s*ish\b`)
	ishAfterHour   = regexp.MustCompile(`(?i)\b(\d{1,2})\s*-?\s*ish\b`)
	noonish        = regexp.MustCompile(`(?i)\bnoon\s*-?\s*ish\b`)
)

// TextProcessor provides utilities for processing text
type TextProcessor struct {
	logger *zap.Logger
}

// NewTextProcessor creates a new TextProcessor
func NewTextProcessor(logger *zap.Logger) *TextProcessor {
	return &TextProcessor{
		logger: logger,
	}
}

// TruncateText safely truncates text to the specified maximum size
// and ensures the result is valid UTF-8
func (tp *TextProcessor) TruncateText(text string, maxSize int) string {
	if maxSize <= 0 || len(text) <= maxSize {
		return text
	}

	truncated := text[:maxSize]
	for !utf8.ValidString(truncated) && len(truncated) > 0 {
		truncated = truncated[:len(truncated)-1]
	}

	tp.logger.Debug("Text truncated",
		zap.Int("original_size", len(text)),
		zap.Int("truncated_size", len(truncated)),
		zap.Int("max_size", maxSize))

	return truncated
}

// SanitizeUTF8 drops invalid UTF-8 sequences and applies NFKC so that
// full-width digits and compatibility dashes read like their ASCII forms
func (tp *TextProcessor) SanitizeUTF8(text string) string {
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "")
		tp.logger.Debug("Text sanitized", zap.Int("sanitized_size", len(text)))
	}
	return norm.NFKC.String(text)
}

// StripQuoted removes quoted reply lines and everything below an attribution line
func (tp *TextProcessor) StripQuoted(text string) string {
	var kept []string
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), ">") {
			continue
		}
		if wroteLine.MatchString(line) {
			break
		}
		kept = append(kept, line)
	}
	return blankRuns.ReplaceAllString(strings.TrimSpace(strings.Join(kept, "\n")), "\n\n")
}

// NormalizeSlang rewrites loose time phrasing such as "2ish" into "around 2"
func (tp *TextProcessor) NormalizeSlang(text string) string {
	text = ishAfterMeridi.ReplaceAllString(text, "around $1")
	text = ishAfterClock.ReplaceAllString(text, "around $1")
	text = ishAfterHour.ReplaceAllString(text, "around $1")
	return noonish.ReplaceAllString(text, "around noon")
}

// ProcessText prepares a reply body for interpretation in one operation
func (tp *TextProcessor) ProcessText(text string, maxSize int) string {
	cleaned := tp.StripQuoted(tp.SanitizeUTF8(text))
	return tp.TruncateText(tp.NormalizeSlang(cleaned), maxSize)
}
