package interpreter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mikey/llm-meeting-coordinator/internal/core"
)

const dayPattern = `(mon(?:day)?|tue(?:s|sday)?|wed(?:s|nesday)?|thu(?:r|rs|rsday)?|fri(?:day)?|sat(?:urday)?|sun(?:day)?)`

const clockPattern = `(\d{1,2})(?::(\d{2}))?\s*(am|pm)?`

var (
	dayMention    = regexp.MustCompile(`(?i)\b(?:today|tomorrow|` + dayPattern + `)\b`)
	dayToken      = regexp.MustCompile(`(?i)\b` + dayPattern + `\b`)
	dayRange      = regexp.MustCompile(`(?i)\b` + dayPattern + `\s*(?:-|to|through|thru)\s*` + dayPattern + `\b`)
	calendarDate  = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})\b`)
	nextWeek      = regexp.MustCompile(`(?i)\bnext\s+(?:week|` + dayPattern + `)\b`)
	timeish       = regexp.MustCompile(`(?i)\d\s*(?:am|pm)|\d:\d{2}|\d\s*-\s*\d|\bnoon\b|\bmorning\b|\bafternoon\b|\bevening\b`)
	betweenRange  = regexp.MustCompile(`(?i)\bbetween\s+` + clockPattern + `\s+and\s+` + clockPattern + `\b`)
	clockRange    = regexp.MustCompile(`(?i)\b` + clockPattern + `\s*(?:-|to|until|till)\s*` + clockPattern + `(?:\b|$)`)
	afterClock    = regexp.MustCompile(`(?i)\b(?:after|from)\s+` + clockPattern + `(?:\b|$)`)
	beforeClock   = regexp.MustCompile(`(?i)\b(?:before|until|by)\s+` + clockPattern + `(?:\b|$)`)
	pointClock    = regexp.MustCompile(`(?i)(?:^|\s|@)(?:at\s+|around\s+|about\s+)?` + clockPattern + `(?:\b|$)`)
	anchoredClock = regexp.MustCompile(`(?i)\b(?:at|around|about)\s`)
	noonWord      = regexp.MustCompile(`(?i)\b(?:at\s+|around\s+)?noon\b`)
	dottedAMPM    = regexp.MustCompile(`(?i)\b([ap])\.m\.`)
	dashes        = strings.NewReplacer("\u2013", "-", "\u2014", "-", "\u2012", "-", "\u2212", "-")
)

var dayAliases = map[string]time.Weekday{
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tues": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "weds": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
	"sun": time.Sunday, "sunday": time.Sunday,
}

// Part-of-day bounds in minutes after midnight
var partsOfDay = []struct {
	word       string
	start, end int
}{
	{"morning", 9 * 60, 12 * 60},
	{"afternoon", 12 * 60, 17 * 60},
	{"evening", 17 * 60, 21 * 60},
}

const (
	workdayStart = 9 * 60
	workdayEnd   = 17 * 60
	eveningEnd   = 21 * 60
)

// ruleResult is what the deterministic parser could read from a reply
type ruleResult struct {
	windows   []core.TimeWindow
	ambiguous string
}

// ruleParser reads common availability phrasing without a model
type ruleParser struct {
	loc             *time.Location
	now             time.Time
	defaultDuration time.Duration
}

// parse reads every line and day clause of text
func (p *ruleParser) parse(text string) ruleResult {
	var res ruleResult
	text = dottedAMPM.ReplaceAllString(dashes.Replace(text), "${1}m")

	for _, line := range strings.FieldsFunc(text, func(r rune) bool { return r == '\n' || r == ';' }) {
		for _, clause := range splitClauses(line) {
			p.parseClause(clause, &res)
		}
	}
	return res
}

// splitClauses starts a new clause at a day mention once the current clause
// already carries a time, so "Tue 2-4pm or Thu 10-11am" yields two clauses
// while "Mon-Wed afternoon" stays whole.
func splitClauses(line string) []string {
	idx := dayMention.FindAllStringIndex(line, -1)
	var out []string
	start := 0
	for _, loc := range idx {
		if loc[0] > start && timeish.MatchString(line[start:loc[0]]) {
			out = append(out, line[start:loc[0]])
			start = loc[0]
		}
	}
	return append(out, line[start:])
}

func (p *ruleParser) parseClause(clause string, res *ruleResult) {
	days := p.days(clause)
	slots, ambiguous := p.slots(clause)
	if ambiguous != "" {
		if res.ambiguous == "" {
			res.ambiguous = ambiguous
		}
		return
	}
	if len(days) == 0 {
		if len(slots) > 0 && res.ambiguous == "" {
			res.ambiguous = fmt.Sprintf("Which day did you mean for %q?", strings.TrimSpace(clause))
		}
		return
	}
	if len(slots) == 0 {
		slots = []minuteRange{{workdayStart, workdayEnd}}
	}

	for _, d := range days {
		for _, s := range slots {
			start := time.Date(d.Year(), d.Month(), d.Day(), 0, s.start, 0, 0, p.loc)
			end := time.Date(d.Year(), d.Month(), d.Day(), 0, s.end, 0, 0, p.loc)
			if !end.After(start) || !end.After(p.now) {
				continue
			}
			res.windows = append(res.windows, core.TimeWindow{Start: start, End: end, TimeZone: p.loc.String()})
		}
	}
}

// days returns the calendar days a clause refers to
func (p *ruleParser) days(clause string) []time.Time {
	local := p.now.In(p.loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, p.loc)

	if m := calendarDate.FindStringSubmatch(clause); m != nil {
		if d, ok := p.calendarDay(m[1], m[2], today); ok {
			return []time.Time{d}
		}
		return nil
	}

	lower := strings.ToLower(clause)
	base := today
	if nextWeek.MatchString(lower) {
		base = nextMonday(today)
	}

	var out []time.Time
	add := func(d time.Time) {
		for _, existing := range out {
			if existing.Equal(d) {
				return
			}
		}
		out = append(out, d)
	}

	if strings.Contains(lower, "today") {
		add(today)
	}
	if strings.Contains(lower, "tomorrow") {
		add(today.AddDate(0, 0, 1))
	}

	if m := dayRange.FindStringSubmatch(lower); m != nil {
		from, to := dayAliases[m[1]], dayAliases[m[2]]
		for i := 0; i < 7; i++ {
			d := base.AddDate(0, 0, i)
			if weekdayInRange(d.Weekday(), from, to) {
				add(d)
			}
		}
		sortDays(out)
		return out
	}

	for _, m := range dayToken.FindAllStringSubmatch(lower, -1) {
		wd, ok := dayAliases[m[1]]
		if !ok {
			continue
		}
		add(onOrAfter(base, wd))
	}
	sortDays(out)
	return out
}

func (p *ruleParser) calendarDay(mm, dd string, today time.Time) (time.Time, bool) {
	month, err1 := strconv.Atoi(mm)
	day, err2 := strconv.Atoi(dd)
	if err1 != nil || err2 != nil || month < 1 || month > 12 {
		return time.Time{}, false
	}
	d := time.Date(today.Year(), time.Month(month), day, 0, 0, 0, 0, p.loc)
	if d.Month() != time.Month(month) {
		return time.Time{}, false
	}
	if d.Before(today) {
		d = d.AddDate(1, 0, 0)
	}
	return d, true
}

type minuteRange struct {
	start, end int
}

// slots returns the time-of-day ranges of a clause, or a clarifying
// question when a range cannot be read without guessing
func (p *ruleParser) slots(clause string) ([]minuteRange, string) {
	lower := strings.ToLower(clause)
	var out []minuteRange

	if m := betweenRange.FindStringSubmatch(lower); m != nil {
		r, ok := rangeOf(m[1:4], m[4:7])
		if !ok {
			return nil, ampmQuestion(m[0])
		}
		return []minuteRange{r}, ""
	}

	for _, m := range clockRange.FindAllStringSubmatch(lower, -1) {
		r, ok := rangeOf(m[1:4], m[4:7])
		if !ok {
			return nil, ampmQuestion(m[0])
		}
		out = append(out, r)
	}
	if len(out) > 0 {
		return out, ""
	}

	if m := afterClock.FindStringSubmatch(lower); m != nil {
		c, ok := readClock(m[1], m[2], m[3])
		if !ok || !c.resolved() {
			return nil, ampmQuestion(m[0])
		}
		return []minuteRange{{c.minutes(), eveningEnd}}, ""
	}
	if m := beforeClock.FindStringSubmatch(lower); m != nil {
		c, ok := readClock(m[1], m[2], m[3])
		if !ok || !c.resolved() {
			return nil, ampmQuestion(m[0])
		}
		return []minuteRange{{workdayStart, c.minutes()}}, ""
	}

	dur := int(p.defaultDuration / time.Minute)
	if noonWord.MatchString(lower) {
		return []minuteRange{{12 * 60, 12*60 + dur}}, ""
	}
	for _, m := range pointClock.FindAllStringSubmatch(lower, -1) {
		if m[3] == "" && m[2] == "" && !anchoredClock.MatchString(m[0]) {
			// a bare number is not a time
			continue
		}
		c, ok := readClock(m[1], m[2], m[3])
		if !ok {
			continue
		}
		if !c.resolved() {
			return nil, ampmQuestion(strings.TrimSpace(m[0]))
		}
		out = append(out, minuteRange{c.minutes(), c.minutes() + dur})
	}
	if len(out) > 0 {
		return out, ""
	}

	for _, part := range partsOfDay {
		if strings.Contains(lower, part.word) {
			out = append(out, minuteRange{part.start, part.end})
		}
	}
	return out, ""
}

func ampmQuestion(fragment string) string {
	return fmt.Sprintf("I couldn't tell whether %q means AM or PM. Could you resend it with AM/PM, for example 1pm-3pm?", strings.TrimSpace(fragment))
}

// clock is a parsed time of day; meridiem is "", "am" or "pm"
type clock struct {
	hour, minute int
	meridiem     string
	padded       bool
}

func readClock(h, m, mer string) (clock, bool) {
	hour, err := strconv.Atoi(h)
	if err != nil {
		return clock{}, false
	}
	minute := 0
	if m != "" {
		if minute, err = strconv.Atoi(m); err != nil || minute > 59 {
			return clock{}, false
		}
	}
	mer = strings.ReplaceAll(strings.TrimSpace(mer), ".", "")
	c := clock{hour: hour, minute: minute, meridiem: mer, padded: len(h) == 2 && h[0] == '0'}
	if mer != "" && (hour < 1 || hour > 12) {
		return clock{}, false
	}
	if mer == "" && hour > 23 {
		return clock{}, false
	}
	return c, true
}

// resolved reports whether the clock names one time of day without guessing
func (c clock) resolved() bool {
	return c.meridiem != "" || c.hour >= 13 || c.hour == 0 || c.padded
}

func (c clock) minutes() int {
	h := c.hour
	switch c.meridiem {
	case "am":
		if h == 12 {
			h = 0
		}
	case "pm":
		if h != 12 {
			h += 12
		}
	}
	return h*60 + c.minute
}

// rangeOf reads a start/end pair, copying a missing AM/PM from the other end
func rangeOf(a, b []string) (minuteRange, bool) {
	start, ok1 := readClock(a[0], a[1], a[2])
	end, ok2 := readClock(b[0], b[1], b[2])
	if !ok1 || !ok2 {
		return minuteRange{}, false
	}

	switch {
	case start.meridiem != "" && end.meridiem != "":
	case start.meridiem == "" && end.meridiem != "":
		if start.resolved() {
			break
		}
		start.meridiem = end.meridiem
		if start.minutes() >= end.minutes() && end.meridiem == "pm" {
			start.meridiem = "am"
		}
	case end.meridiem == "" && start.meridiem != "":
		if end.resolved() {
			break
		}
		end.meridiem = start.meridiem
		if start.minutes() >= end.minutes() && start.meridiem == "am" {
			end.meridiem = "pm"
		}
	default:
		if !start.resolved() && !end.resolved() {
			return minuteRange{}, false
		}
	}

	r := minuteRange{start.minutes(), end.minutes()}
	if r.end <= r.start {
		return minuteRange{}, false
	}
	return r, true
}

func nextMonday(today time.Time) time.Time {
	days := (8 - int(today.Weekday())) % 7
	if days == 0 {
		days = 7
	}
	return today.AddDate(0, 0, days)
}

func onOrAfter(base time.Time, wd time.Weekday) time.Time {
	offset := (int(wd) - int(base.Weekday()) + 7) % 7
	return base.AddDate(0, 0, offset)
}

func weekdayInRange(d, from, to time.Weekday) bool {
	if from <= to {
		return d >= from && d <= to
	}
	return d >= from || d <= to
}

func sortDays(days []time.Time) {
	for i := 1; i < len(days); i++ {
		for j := i; j > 0 && days[j].Before(days[j-1]); j-- {
			days[j], days[j-1] = days[j-1], days[j]
		}
	}
}
