package reconciler

import (
	"fmt"
	"sort"
	"time"

	"github.com/mikey/llm-meeting-coordinator/internal/core"
	"go.uber.org/zap"
)

// Request is the input of one reconciliation round
type Request struct {
	// Availability holds the windows of every roster member, keyed by address
	Availability map[string][]core.TimeWindow
	// Constraints are organizer windows every slot must also satisfy
	Constraints []core.TimeWindow
	Duration    time.Duration
	// NotBefore is the earliest start any slot may have
	NotBefore time.Time
	// Proposal is an optional advisory slot, validated like any other input
	Proposal *core.Slot
}

// Candidate is a slot inside one intersected window
type Candidate struct {
	Start  time.Time       `json:"start"`
	End    time.Time       `json:"end"`
	Window core.TimeWindow `json:"window"`
}

// Result is the outcome of a successful reconciliation
type Result struct {
	Candidates       []Candidate
	Chosen           Candidate
	ProposalAccepted bool
	// ProposalRejected explains why a proposal was not used
	ProposalRejected string
}

// Reconciler intersects availability into schedulable slots
type Reconciler struct {
	logger *zap.Logger
}

// NewReconciler creates a new reconciler
func NewReconciler(logger *zap.Logger) *Reconciler {
	return &Reconciler{logger: logger}
}

type interval struct {
	start, end time.Time
}

// Reconcile intersects every member's availability with the constraints and
// returns the ranked candidates. ErrNoOverlap is returned when no window is
// long enough for the meeting.
func (r *Reconciler) Reconcile(req *Request) (*Result, error) {
	if req.Duration <= 0 {
		return nil, fmt.Errorf("invalid meeting duration %s", req.Duration)
	}
	if len(req.Availability) == 0 {
		return nil, fmt.Errorf("no availability to reconcile: %w", core.ErrNoOverlap)
	}

	windows := intersectAll(sets(req, ""), req.NotBefore)
	var candidates []Candidate
	for _, w := range windows {
		if w.end.Sub(w.start) < req.Duration {
			continue
		}
		candidates = append(candidates, Candidate{
			Start:  w.start,
			End:    w.start.Add(req.Duration),
			Window: core.TimeWindow{Start: w.start, End: w.end, TimeZone: "UTC"},
		})
	}
	if len(candidates) == 0 {
		return nil, core.ErrNoOverlap
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].Start.Equal(candidates[j].Start) {
			return candidates[i].Start.Before(candidates[j].Start)
		}
		return candidates[i].Window.Length() < candidates[j].Window.Length()
	})

	res := &Result{Candidates: candidates, Chosen: candidates[0]}
	if req.Proposal != nil {
		if chosen, reason := r.checkProposal(req.Proposal, req.Duration, candidates); reason == "" {
			res.Chosen = chosen
			res.ProposalAccepted = true
		} else {
			res.ProposalRejected = reason
			r.logger.Info("Rejected proposed slot",
				zap.Time("start", req.Proposal.Start),
				zap.String("reason", reason))
		}
	}

	r.logger.Debug("Reconciled availability",
		zap.Int("members", len(req.Availability)),
		zap.Int("candidates", len(candidates)),
		zap.Time("chosen", res.Chosen.Start))

	return res, nil
}

// Culprits returns the members whose windows explain an empty intersection:
// those whose removal alone leaves the others with a usable slot. When no
// single member explains the conflict every member is returned.
func (r *Reconciler) Culprits(req *Request) []string {
	members := sortedMembers(req.Availability)
	var out []string
	for _, m := range members {
		if feasible(intersectAll(sets(req, m), req.NotBefore), req.Duration) {
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		return members
	}
	return out
}

func (r *Reconciler) checkProposal(p *core.Slot, duration time.Duration, candidates []Candidate) (Candidate, string) {
	start := p.Start.UTC()
	end := start.Add(duration)
	if !p.End.IsZero() && p.End.Sub(p.Start) != duration {
		return Candidate{}, fmt.Sprintf("proposed length %s differs from %s", p.End.Sub(p.Start), duration)
	}
	for _, c := range candidates {
		if c.Window.Contains(start, end) {
			return Candidate{Start: start, End: end, Window: c.Window}, ""
		}
	}
	return Candidate{}, "proposed slot lies outside every common window"
}

// sets returns the normalized interval sets to intersect, leaving out skip.
// Members come first in address order, followed by the constraints.
func sets(req *Request, skip string) [][]interval {
	var out [][]interval
	for _, m := range sortedMembers(req.Availability) {
		if m == skip {
			continue
		}
		out = append(out, normalize(req.Availability[m]))
	}
	if len(req.Constraints) > 0 {
		out = append(out, normalize(req.Constraints))
	}
	return out
}

// intersectAll intersects every set and clips the result at notBefore. No
// sets at all means no constraint, which is reported as one unbounded
// interval starting at notBefore.
func intersectAll(all [][]interval, notBefore time.Time) []interval {
	if len(all) == 0 {
		return []interval{{start: notBefore.UTC(), end: notBefore.UTC().Add(365 * 24 * time.Hour)}}
	}
	acc := all[0]
	for _, s := range all[1:] {
		acc = intersect(acc, s)
		if len(acc) == 0 {
			return nil
		}
	}
	if notBefore.IsZero() {
		return acc
	}

	floor := notBefore.UTC()
	var out []interval
	for _, iv := range acc {
		if !iv.end.After(floor) {
			continue
		}
		if iv.start.Before(floor) {
			iv.start = floor
		}
		out = append(out, iv)
	}
	return out
}

func feasible(windows []interval, duration time.Duration) bool {
	for _, w := range windows {
		if w.end.Sub(w.start) >= duration {
			return true
		}
	}
	return false
}

// normalize converts windows to UTC, sorts them and merges overlaps
func normalize(windows []core.TimeWindow) []interval {
	var ivs []interval
	for _, w := range windows {
		s, e := w.Start.UTC(), w.End.UTC()
		if !e.After(s) {
			continue
		}
		ivs = append(ivs, interval{start: s, end: e})
	}
	sort.Slice(ivs, func(i, j int) bool { return ivs[i].start.Before(ivs[j].start) })

	var merged []interval
	for _, iv := range ivs {
		if n := len(merged); n > 0 && !iv.start.After(merged[n-1].end) {
			if iv.end.After(merged[n-1].end) {
				merged[n-1].end = iv.end
			}
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

// intersect intersects two sorted, non-overlapping interval lists
func intersect(a, b []interval) []interval {
	var out []interval
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		start := later(a[i].start, b[j].start)
		end := earlier(a[i].end, b[j].end)
		if end.After(start) {
			out = append(out, interval{start: start, end: end})
		}
		if a[i].end.Before(b[j].end) {
			i++
		} else {
			j++
		}
	}
	return out
}

func sortedMembers(availability map[string][]core.TimeWindow) []string {
	members := make([]string, 0, len(availability))
	for m := range availability {
		members = append(members, m)
	}
	sort.Strings(members)
	return members
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func earlier(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
