package threading

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mikey/llm-meeting-coordinator/internal/core"
	"github.com/mikey/llm-meeting-coordinator/internal/identity"
	"go.uber.org/zap"
)

// KeyPrefix prefixes every thread key
const KeyPrefix = "thread#"

// maxRedirects bounds how many retired threads a lookup may walk through
const maxRedirects = 16

// Resolution is the outcome of resolving one message onto a thread
type Resolution struct {
	Thread    *core.Thread
	Created   bool
	Duplicate bool
	Retired   []string
	// Conflict is set when a merge was refused because more than one of the
	// candidate threads owns an active coordination
	Conflict error
}

// Resolver maps messages onto canonical threads
type Resolver struct {
	threads core.ThreadRepository
	coords  core.CoordinationRepository
	logger  *zap.Logger
	now     func() time.Time
}

// NewResolver creates a new thread resolver
func NewResolver(threads core.ThreadRepository, coords core.CoordinationRepository, logger *zap.Logger) *Resolver {
	return &Resolver{
		threads: threads,
		coords:  coords,
		logger:  logger,
		now:     time.Now,
	}
}

// KeyFor returns the key a new thread rooted at ids would get
func KeyFor(ids core.IdentifierSet) string {
	return KeyPrefix + ids.Root()
}

// Peek returns the sorted live thread keys the identifiers currently map to.
// It never writes.
func (r *Resolver) Peek(ctx context.Context, ids core.IdentifierSet) ([]string, error) {
	threads, err := r.candidates(ctx, ids)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(threads))
	for _, t := range threads {
		keys = append(keys, t.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Resolve attaches msg to its thread, creating or merging threads as needed,
// and persists the result. The caller must hold leases on every identifier
// and on every thread key Peek returned.
func (r *Resolver) Resolve(ctx context.Context, ids core.IdentifierSet, msg *core.Message) (*Resolution, error) {
	threads, err := r.candidates(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := r.now()
	res := &Resolution{}
	var retired []*core.Thread

	switch len(threads) {
	case 0:
		key := KeyFor(ids)
		existing, err := r.live(ctx, key)
		switch {
		case err == nil:
			res.Thread = existing
		case errors.Is(err, core.ErrNotFound):
			res.Thread = &core.Thread{Key: key, CreatedAt: now}
			res.Created = true
		default:
			return nil, err
		}
	case 1:
		res.Thread = threads[0]
	default:
		merged, err := r.merge(ctx, threads, now)
		if err != nil {
			return nil, err
		}
		res.Thread = merged.survivor
		res.Conflict = merged.conflict
		retired = merged.retired
		for _, t := range retired {
			res.Retired = append(res.Retired, t.Key)
		}
	}

	if res.Conflict == nil && !res.Created {
		moved, err := r.rekey(ctx, res.Thread, ids, now)
		if err != nil {
			return nil, err
		}
		if moved != res.Thread {
			retired = append(retired, res.Thread)
			res.Retired = append(res.Retired, res.Thread.Key)
			res.Thread = moved
		}
	}

	res.Duplicate = res.Thread.HasMessage(ids.Own)
	if res.Duplicate && len(retired) == 0 {
		r.logger.Debug("Duplicate message ignored",
			zap.String("message_id", ids.Own),
			zap.String("thread_key", res.Thread.Key))
		return res, nil
	}
	if !res.Duplicate {
		appendIDs := ids
		if res.Conflict != nil {
			appendIDs = withoutForeign(ids, threads, res.Thread.Key)
		}
		Append(res.Thread, appendIDs, msg, now)
	}

	if err := r.threads.SaveThreads(ctx, append([]*core.Thread{res.Thread}, retired...)...); err != nil {
		return nil, fmt.Errorf("failed to save thread: %w", err)
	}
	if err := r.moveCoordinations(ctx, retired, res.Thread.Key); err != nil {
		return nil, err
	}

	r.logger.Debug("Resolved message onto thread",
		zap.String("message_id", ids.Own),
		zap.String("thread_key", res.Thread.Key),
		zap.Bool("created", res.Created),
		zap.Strings("retired", res.Retired))

	return res, nil
}

// Append records msg on the thread without persisting it
func Append(t *core.Thread, ids core.IdentifierSet, msg *core.Message, now time.Time) {
	received := msg.ReceivedAt
	if received.IsZero() {
		received = now
	}
	t.AddIdentifiers(ids.All()...)
	t.Messages = append(t.Messages, core.MessageRecord{
		ID:         ids.Own,
		From:       identity.NormalizeAddress(msg.From),
		To:         identity.NormalizeAddresses(msg.Recipients()),
		Subject:    msg.Subject,
		ReceivedAt: received,
	})
	t.AddParticipants(identity.NormalizeAddress(msg.From))
	t.AddParticipants(identity.NormalizeAddresses(msg.Recipients())...)
	t.UpdatedAt = now
}

// withoutForeign drops identifiers owned by candidate threads other than keep
func withoutForeign(ids core.IdentifierSet, threads []*core.Thread, keep string) core.IdentifierSet {
	foreign := func(id string) bool {
		for _, t := range threads {
			if t.Key != keep && t.HasIdentifier(id) {
				return true
			}
		}
		return false
	}

	out := core.IdentifierSet{Own: ids.Own}
	if !foreign(ids.Parent) {
		out.Parent = ids.Parent
	}
	for _, a := range ids.Ancestors {
		if !foreign(a) {
			out.Ancestors = append(out.Ancestors, a)
		}
	}
	return out
}

// candidates returns the distinct live threads the identifiers belong to
func (r *Resolver) candidates(ctx context.Context, ids core.IdentifierSet) ([]*core.Thread, error) {
	hits, err := r.threads.LookupIdentifiers(ctx, ids.All())
	if err != nil {
		return nil, fmt.Errorf("failed to look up identifiers: %w", err)
	}

	seen := make(map[string]struct{})
	var out []*core.Thread
	for _, id := range ids.All() {
		key, ok := hits[id]
		if !ok {
			continue
		}
		t, err := r.live(ctx, key)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				return nil, fmt.Errorf("%w: identifier %s indexed to missing thread %s", core.ErrDataIntegrity, id, key)
			}
			return nil, err
		}
		if _, dup := seen[t.Key]; dup {
			continue
		}
		seen[t.Key] = struct{}{}
		out = append(out, t)
	}
	return out, nil
}

// live follows retirement redirects from key to the thread that absorbed it
func (r *Resolver) live(ctx context.Context, key string) (*core.Thread, error) {
	visited := make(map[string]struct{}, 2)
	for i := 0; i < maxRedirects; i++ {
		if _, loop := visited[key]; loop {
			return nil, fmt.Errorf("%w: redirect loop at thread %s", core.ErrDataIntegrity, key)
		}
		visited[key] = struct{}{}

		t, err := r.threads.GetThread(ctx, key)
		if err != nil {
			return nil, err
		}
		if !t.Retired() {
			return t, nil
		}
		key = t.RetiredInto
	}
	return nil, fmt.Errorf("%w: redirect chain from %s exceeds %d steps", core.ErrDataIntegrity, key, maxRedirects)
}

// rekey moves t onto a new key when ids show an ancestor above the
// thread's current root, so replies arriving before their parents end on
// the same key as the forward order. It returns t when nothing moves.
func (r *Resolver) rekey(ctx context.Context, t *core.Thread, ids core.IdentifierSet, now time.Time) (*core.Thread, error) {
	root := ids.Root()
	key := KeyFor(ids)
	if key == t.Key || t.HasIdentifier(root) {
		return t, nil
	}

	// the message must place the current root below the new one
	current := strings.TrimPrefix(t.Key, KeyPrefix)
	below := false
	for _, id := range ids.All() {
		if id == current && id != root {
			below = true
			break
		}
	}
	if !below {
		return t, nil
	}

	_, err := r.threads.GetThread(ctx, key)
	switch {
	case err == nil:
		return t, nil
	case !errors.Is(err, core.ErrNotFound):
		return nil, fmt.Errorf("failed to load thread %s: %w", key, err)
	}

	moved := &core.Thread{
		Key:          key,
		Identifiers:  append([]string(nil), t.Identifiers...),
		Messages:     append([]core.MessageRecord(nil), t.Messages...),
		Participants: append([]string(nil), t.Participants...),
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    now,
	}
	t.RetiredInto = key
	t.UpdatedAt = now

	r.logger.Info("Re-keyed thread onto earlier root",
		zap.String("retired_key", t.Key),
		zap.String("thread_key", key))
	return moved, nil
}

type mergeResult struct {
	survivor *core.Thread
	retired  []*core.Thread
	conflict error
}

// merge folds the candidate threads into the earliest created one. When more
// than one candidate owns an active coordination nothing is merged and the
// earliest thread is returned as the best guess.
func (r *Resolver) merge(ctx context.Context, threads []*core.Thread, now time.Time) (*mergeResult, error) {
	sort.Slice(threads, func(i, j int) bool {
		if threads[i].CreatedAt.Equal(threads[j].CreatedAt) {
			return threads[i].Key < threads[j].Key
		}
		return threads[i].CreatedAt.Before(threads[j].CreatedAt)
	})

	var active []string
	for _, t := range threads {
		_, err := r.coords.ActiveCoordination(ctx, t.Key)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to load coordination for %s: %w", t.Key, err)
		}
		active = append(active, t.Key)
	}

	survivor := threads[0]
	if len(active) > 1 {
		sort.Strings(active)
		return &mergeResult{
			survivor: survivor,
			conflict: fmt.Errorf("%w: threads %v each own an active coordination", core.ErrIdentityConflict, active),
		}, nil
	}

	retired := threads[1:]
	for _, t := range retired {
		survivor.AddIdentifiers(t.Identifiers...)
		survivor.AddParticipants(t.Participants...)
		for _, m := range t.Messages {
			if !survivor.HasMessage(m.ID) {
				survivor.Messages = append(survivor.Messages, m)
			}
		}
		t.RetiredInto = survivor.Key
		t.UpdatedAt = now

		r.logger.Info("Merged thread",
			zap.String("retired_key", t.Key),
			zap.String("thread_key", survivor.Key))
	}
	sort.SliceStable(survivor.Messages, func(i, j int) bool {
		return survivor.Messages[i].ReceivedAt.Before(survivor.Messages[j].ReceivedAt)
	})
	survivor.UpdatedAt = now

	return &mergeResult{survivor: survivor, retired: retired}, nil
}

// moveCoordinations rebinds every coordination of a retired thread, active
// or finished, to the survivor
func (r *Resolver) moveCoordinations(ctx context.Context, retired []*core.Thread, survivorKey string) error {
	for _, t := range retired {
		coords, err := r.coords.ListCoordinations(ctx, t.Key)
		if err != nil {
			return fmt.Errorf("failed to list coordinations for %s: %w", t.Key, err)
		}
		for _, c := range coords {
			c.ThreadKey = survivorKey
			if err := r.coords.SaveCoordination(ctx, c); err != nil {
				return fmt.Errorf("failed to move coordination %s: %w", c.ID, err)
			}
		}
	}
	return nil
}
