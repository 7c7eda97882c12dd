package interpreter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mikey/llm-meeting-coordinator/internal/core"
	"github.com/mikey/llm-meeting-coordinator/internal/utils"
	"go.uber.org/zap"
)

// defaultQuestion is asked when nothing usable could be read from a reply
const defaultQuestion = "Which days and times work for you? For example: Tue 2pm-4pm, Thu 10am-11am."

// ErrNoModel is returned by Propose when no language model is configured
var ErrNoModel = errors.New("no language model configured")

// Settings tunes the interpreter
type Settings struct {
	DefaultDuration time.Duration
	Horizon         time.Duration
	Timeout         time.Duration
	MaxAttempts     int
	RetryBackoff    time.Duration
	MaxBodySize     int
	MinConfidence   float64
	MaxTokens       int
	Temperature     float32
}

// Interpreter turns free-text replies into availability statements. The
// language model is advisory: every window it returns is validated and a
// deterministic parser takes over when its output is unusable.
type Interpreter struct {
	llm      core.LLMClient
	text     *utils.TextProcessor
	settings Settings
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// ProposalRequest is the input of a reasoning-mode slot proposal
type ProposalRequest struct {
	Availability map[string][]core.TimeWindow
	Constraints  []core.TimeWindow
	Duration     time.Duration
	Location     *time.Location
	Now          time.Time
}

// NewInterpreter creates a new interpreter; llm may be nil
func NewInterpreter(llm core.LLMClient, text *utils.TextProcessor, settings Settings, logger *zap.Logger) *Interpreter {
	if settings.MaxAttempts < 1 {
		settings.MaxAttempts = 1
	}
	if settings.DefaultDuration <= 0 {
		settings.DefaultDuration = 30 * time.Minute
	}
	return &Interpreter{
		llm:      llm,
		text:     text,
		settings: settings,
		logger:   logger,
		sleep:    sleepContext,
	}
}

// Interpret reads the availability stated in msg. Ambiguity is reported on
// the statement, not as an error; the only error is a transient model
// failure that outlived every retry.
func (i *Interpreter) Interpret(ctx context.Context, msg *core.Message, loc *time.Location, now time.Time) (*core.AvailabilityStatement, error) {
	body := i.text.ProcessText(msg.Body, i.settings.MaxBodySize)

	stmt := &core.AvailabilityStatement{
		Excerpt:    clip(strings.TrimSpace(body), maxExcerpt),
		Kind:       core.KindAvailabilityWindow,
		Intent:     core.IntentOther,
		ReceivedAt: now,
	}
	if d, ok := ParseDuration(body); ok {
		stmt.Duration = d
	}

	if i.llm != nil {
		handled, err := i.interpretWithModel(ctx, msg, body, loc, now, stmt)
		if err != nil {
			return nil, err
		}
		if handled {
			i.finish(stmt)
			return stmt, nil
		}
	}

	rules := &ruleParser{loc: loc, now: now, defaultDuration: i.settings.DefaultDuration}
	res := rules.parse(body)
	stmt.Source = core.SourceRules
	stmt.Windows = res.windows
	switch {
	case res.ambiguous != "":
		stmt.Ambiguous = true
		stmt.Question = res.ambiguous
	case len(res.windows) == 0:
		stmt.Ambiguous = true
		stmt.Question = defaultQuestion
	}

	i.finish(stmt)
	return stmt, nil
}

// interpretWithModel fills stmt from the model. It reports false when the
// output was unusable and the rule parser should run instead.
func (i *Interpreter) interpretWithModel(ctx context.Context, msg *core.Message, body string, loc *time.Location, now time.Time, stmt *core.AvailabilityStatement) (bool, error) {
	text, err := i.generate(ctx, &core.Prompt{
		System:      interpretSystem,
		User:        buildInterpretPrompt(msg, body, loc, now),
		MaxTokens:   i.settings.MaxTokens,
		Temperature: i.settings.Temperature,
	})
	if err != nil {
		return false, err
	}

	var reply interpretReply
	if err := decodeJSON(text, &reply); err != nil {
		i.logger.Warn("Discarding malformed model output", zap.Error(err))
		return false, nil
	}
	stmt.Intent = intentOf(reply.Intent)

	replyLoc := loc
	if reply.TimeZone != "" {
		if l, err := time.LoadLocation(reply.TimeZone); err == nil {
			replyLoc = l
		} else {
			i.logger.Debug("Ignoring unknown model timezone", zap.String("timezone", reply.TimeZone))
		}
	}

	if reply.DurationMinutes > 0 && time.Duration(reply.DurationMinutes)*time.Minute != stmt.Duration {
		i.logger.Debug("Ignoring model duration without explicit duration language",
			zap.Int("model_minutes", reply.DurationMinutes),
			zap.Duration("explicit", stmt.Duration))
	}

	v := &validator{
		loc:             replyLoc,
		now:             now,
		horizon:         i.settings.Horizon,
		defaultDuration: i.settings.DefaultDuration,
		minConfidence:   i.settings.MinConfidence,
	}
	windows, rejected := v.windows(reply.Candidates)
	if len(rejected) > 0 {
		i.logger.Debug("Rejected model candidates", zap.Strings("reasons", rejected))
	}

	if reply.NeedsClarification && len(windows) == 0 {
		stmt.Source = core.SourceModel
		stmt.Ambiguous = true
		stmt.Question = strings.TrimSpace(reply.ClarifyingQuestion)
		if stmt.Question == "" {
			stmt.Question = defaultQuestion
		}
		return true, nil
	}
	if len(windows) == 0 {
		return false, nil
	}

	stmt.Source = core.SourceModel
	stmt.Windows = windows
	if len(reply.Candidates) > 0 && reply.Candidates[0].SourceText != "" {
		stmt.Excerpt = clip(reply.Candidates[0].SourceText, maxExcerpt)
	}
	return true, nil
}

func (i *Interpreter) finish(stmt *core.AvailabilityStatement) {
	if stmt.Duration > 0 && len(stmt.Windows) == 0 {
		stmt.Kind = core.KindExplicitDuration
	}
}

// Propose asks the model for one slot. The result is advisory and must be
// validated by the reconciler before use.
func (i *Interpreter) Propose(ctx context.Context, req *ProposalRequest) (*core.Slot, error) {
	if i.llm == nil {
		return nil, ErrNoModel
	}

	text, err := i.generate(ctx, &core.Prompt{
		System:      proposeSystem,
		User:        buildProposePrompt(req),
		MaxTokens:   i.settings.MaxTokens,
		Temperature: i.settings.Temperature,
	})
	if err != nil {
		return nil, err
	}

	var reply proposeReply
	if err := decodeJSON(text, &reply); err != nil {
		return nil, err
	}

	v := &validator{loc: req.Location, now: req.Now, defaultDuration: req.Duration}
	start, err := v.parseLocal(reply.StartLocal)
	if err != nil {
		return nil, fmt.Errorf("failed to read proposed start: %w", err)
	}
	end := start.Add(req.Duration)
	if reply.EndLocal != "" {
		if end, err = v.parseLocal(reply.EndLocal); err != nil {
			return nil, fmt.Errorf("failed to read proposed end: %w", err)
		}
	}

	i.logger.Debug("Model proposed slot",
		zap.Time("start", start),
		zap.Time("end", end),
		zap.String("reason", reply.Reason))

	return &core.Slot{Start: start, End: end}, nil
}

// generate calls the model with a per-attempt timeout and bounded retries.
// Every client failure is treated as transient.
func (i *Interpreter) generate(ctx context.Context, prompt *core.Prompt) (string, error) {
	var lastErr error
	for attempt := 0; attempt < i.settings.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := i.sleep(ctx, i.settings.RetryBackoff*time.Duration(attempt)); err != nil {
				return "", fmt.Errorf("%w: %v", core.ErrTransient, err)
			}
		}

		callCtx := ctx
		cancel := func() {}
		if i.settings.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, i.settings.Timeout)
		}
		completion, err := i.llm.Generate(callCtx, prompt)
		cancel()
		if err == nil {
			return completion.Text, nil
		}

		lastErr = err
		i.logger.Warn("Language model call failed",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", i.settings.MaxAttempts),
			zap.Error(err))
	}
	return "", fmt.Errorf("%w: language model unavailable after %d attempts: %v", core.ErrTransient, i.settings.MaxAttempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
