package interpreter

import (
	"regexp"
	"strconv"
	"time"
)

var (
	minutesPhrase  = regexp.MustCompile(`(?i)\b(\d{1,3})\s*(?:min|mins|minute|minutes)\b`)
	hoursPhrase    = regexp.MustCompile(`(?i)\b(\d{1,2})\s*(?:h|hr|hrs|hour|hours)\b`)
	halfHourPhrase = regexp.MustCompile(`(?i)\b(?:half\s*(?:an\s*)?hour|half-hour)\b`)
	anHourPhrase   = regexp.MustCompile(`(?i)\b(?:an|one)\s+hour\b`)
)

// maxDuration bounds explicit meeting lengths
const maxDuration = 8 * time.Hour

// ParseDuration finds explicit duration language in text. A time range such
// as "2-4pm" is never read as a duration.
func ParseDuration(text string) (time.Duration, bool) {
	if m := minutesPhrase.FindStringSubmatch(text); m != nil {
		return bounded(m[1], time.Minute)
	}
	if m := hoursPhrase.FindStringSubmatch(text); m != nil {
		return bounded(m[1], time.Hour)
	}
	if halfHourPhrase.MatchString(text) {
		return 30 * time.Minute, true
	}
	if anHourPhrase.MatchString(text) {
		return time.Hour, true
	}
	return 0, false
}

func bounded(digits string, unit time.Duration) (time.Duration, bool) {
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	d := time.Duration(n) * unit
	if d < time.Minute || d > maxDuration {
		return 0, false
	}
	return d, true
}
