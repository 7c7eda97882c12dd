package interpreter

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mikey/llm-meeting-coordinator/internal/core"
)

const (
	maxWindowLength = 12 * time.Hour
	maxFieldLength  = 80
	maxExcerpt      = 200
)

var isoLayouts = []string{
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
}

var clockLayouts = []string{
	"3:04 PM",
	"3:04PM",
	"3 PM",
	"3PM",
	"15:04",
}

// validator checks model candidates against the deterministic rules every
// window must satisfy before it can reach the state machine
type validator struct {
	loc             *time.Location
	now             time.Time
	horizon         time.Duration
	defaultDuration time.Duration
	minConfidence   float64
}

// windows returns the candidates that survived validation and the reason
// the first rejected one failed
func (v *validator) windows(candidates []modelCandidate) ([]core.TimeWindow, []string) {
	var out []core.TimeWindow
	var rejected []string
	for _, c := range candidates {
		w, err := v.window(c)
		if err != nil {
			rejected = append(rejected, err.Error())
			continue
		}
		out = append(out, w)
	}
	return out, rejected
}

func (v *validator) window(c modelCandidate) (core.TimeWindow, error) {
	if c.Confidence != nil && *c.Confidence < v.minConfidence {
		return core.TimeWindow{}, fmt.Errorf("confidence %.2f below %.2f", *c.Confidence, v.minConfidence)
	}

	start, err := v.parseLocal(clip(c.StartLocal, maxFieldLength))
	if err != nil {
		return core.TimeWindow{}, err
	}

	var end time.Time
	endText := strings.TrimSpace(clip(c.EndLocal, maxFieldLength))
	if endText == "" {
		end = start.Add(v.defaultDuration)
	} else if end, err = v.parseLocal(endText); err != nil {
		return core.TimeWindow{}, err
	}
	if end.Equal(start) {
		end = start.Add(v.defaultDuration)
	}

	switch {
	case !end.After(start):
		return core.TimeWindow{}, fmt.Errorf("window %s ends before it starts", c.StartLocal)
	case end.Sub(start) > maxWindowLength:
		return core.TimeWindow{}, fmt.Errorf("window %s longer than %s", c.StartLocal, maxWindowLength)
	case start.YearDay() != end.Add(-time.Nanosecond).YearDay():
		return core.TimeWindow{}, fmt.Errorf("window %s spans more than one day", c.StartLocal)
	case !end.After(v.now):
		return core.TimeWindow{}, fmt.Errorf("window %s is in the past", c.StartLocal)
	case v.horizon > 0 && start.After(v.now.Add(v.horizon)):
		return core.TimeWindow{}, fmt.Errorf("window %s is beyond the planning horizon", c.StartLocal)
	}

	return core.TimeWindow{Start: start, End: end, TimeZone: v.loc.String()}, nil
}

// parseLocal reads the time formats the model is allowed to return
func (v *validator) parseLocal(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("missing time")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(v.loc), nil
	}
	for _, layout := range isoLayouts {
		if t, err := time.ParseInLocation(layout, s, v.loc); err == nil {
			return t, nil
		}
	}

	// "Tuesday 2:00 PM" resolves to the next such weekday
	fields := strings.SplitN(s, " ", 2)
	if len(fields) == 2 {
		if wd, ok := dayAliases[strings.ToLower(strings.TrimSuffix(fields[0], ","))]; ok {
			for _, layout := range clockLayouts {
				c, err := time.Parse(layout, strings.ToUpper(strings.TrimSpace(fields[1])))
				if err != nil {
					continue
				}
				local := v.now.In(v.loc)
				day := onOrAfter(time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, v.loc), wd)
				return time.Date(day.Year(), day.Month(), day.Day(), c.Hour(), c.Minute(), 0, 0, v.loc), nil
			}
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// clip cuts s to at most n bytes without splitting a rune
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// intentOf maps the model's intent label onto a known intent
func intentOf(label string) core.Intent {
	switch core.Intent(strings.ToUpper(strings.TrimSpace(label))) {
	case core.IntentNewRequest:
		return core.IntentNewRequest
	case core.IntentAvailability:
		return core.IntentAvailability
	case core.IntentConfirmation:
		return core.IntentConfirmation
	case core.IntentDecline:
		return core.IntentDecline
	default:
		return core.IntentOther
	}
}
