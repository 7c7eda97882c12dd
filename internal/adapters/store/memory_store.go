package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mikey/llm-meeting-coordinator/internal/core"
	"go.uber.org/zap"
)

// MemoryStore is an in-memory implementation of core.StateStore
type MemoryStore struct {
	mu        sync.RWMutex
	index     map[string]string
	threads   map[string][]byte
	coords    map[string][]byte
	coordIDs  []string
	sequences map[string]int64
	locks     *keyLocks
	logger    *zap.Logger
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(logger *zap.Logger, leaseWait time.Duration) *MemoryStore {
	return &MemoryStore{
		index:     make(map[string]string),
		threads:   make(map[string][]byte),
		coords:    make(map[string][]byte),
		sequences: make(map[string]int64),
		locks:     newKeyLocks(leaseWait),
		logger:    logger,
	}
}

// LookupIdentifiers returns the indexed thread key for each known identifier
func (s *MemoryStore) LookupIdentifiers(ctx context.Context, ids []string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if key, ok := s.index[id]; ok {
			out[id] = key
		}
	}
	return out, nil
}

// GetThread returns a thread by key
func (s *MemoryStore) GetThread(ctx context.Context, key string) (*core.Thread, error) {
	s.mu.RLock()
	data, ok := s.threads[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", key, core.ErrNotFound)
	}

	var t core.Thread
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode thread %s: %w", key, err)
	}
	return &t, nil
}

// SaveThreads stores threads and re-points identifiers of live threads
func (s *MemoryStore) SaveThreads(ctx context.Context, threads ...*core.Thread) error {
	encoded := make(map[string][]byte, len(threads))
	for _, t := range threads {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to encode thread %s: %w", t.Key, err)
		}
		encoded[t.Key] = data
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range threads {
		s.threads[t.Key] = encoded[t.Key]
		if t.Retired() {
			continue
		}
		for _, id := range t.Identifiers {
			s.index[id] = t.Key
		}
	}
	return nil
}

// ActiveCoordination returns the non-terminal coordination of a thread
func (s *MemoryStore) ActiveCoordination(ctx context.Context, threadKey string) (*core.Coordination, error) {
	all, err := s.ListCoordinations(ctx, threadKey)
	if err != nil {
		return nil, err
	}

	var active *core.Coordination
	for _, c := range all {
		if !c.IsActive() {
			continue
		}
		if active != nil {
			return nil, fmt.Errorf("%w: thread %s has more than one active coordination", core.ErrDataIntegrity, threadKey)
		}
		active = c
	}
	if active == nil {
		return nil, fmt.Errorf("active coordination for %s: %w", threadKey, core.ErrNotFound)
	}
	return active, nil
}

// ListCoordinations returns every coordination of a thread, oldest first
func (s *MemoryStore) ListCoordinations(ctx context.Context, threadKey string) ([]*core.Coordination, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.Coordination
	for _, id := range s.coordIDs {
		var c core.Coordination
		if err := json.Unmarshal(s.coords[id], &c); err != nil {
			return nil, fmt.Errorf("failed to decode coordination %s: %w", id, err)
		}
		if c.ThreadKey == threadKey {
			out = append(out, &c)
		}
	}
	return out, nil
}

// SaveCoordination stores the coordination under an optimistic version check
func (s *MemoryStore) SaveCoordination(ctx context.Context, coord *core.Coordination) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := int64(0)
	if data, ok := s.coords[coord.ID]; ok {
		var stored core.Coordination
		if err := json.Unmarshal(data, &stored); err != nil {
			return fmt.Errorf("failed to decode coordination %s: %w", coord.ID, err)
		}
		current = stored.Version
	}
	if current != coord.Version {
		return fmt.Errorf("coordination %s at version %d, have %d: %w", coord.ID, current, coord.Version, core.ErrStaleWrite)
	}

	coord.Version++
	data, err := json.Marshal(coord)
	if err != nil {
		coord.Version--
		return fmt.Errorf("failed to encode coordination %s: %w", coord.ID, err)
	}
	if current == 0 {
		s.coordIDs = append(s.coordIDs, coord.ID)
	}
	s.coords[coord.ID] = data
	return nil
}

// NextSequence returns the next value of a named sequence
func (s *MemoryStore) NextSequence(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sequences[name]++
	return s.sequences[name], nil
}

// Acquire takes exclusive leases on the keys in sorted order
func (s *MemoryStore) Acquire(ctx context.Context, keys ...string) (core.Lease, error) {
	return s.locks.acquire(ctx, keys)
}

// Close releases nothing; the memory store has no external resources
func (s *MemoryStore) Close() error {
	return nil
}

// keyLocks serializes holders of the same key inside one process
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
	wait  time.Duration
}

func newKeyLocks(wait time.Duration) *keyLocks {
	return &keyLocks{locks: make(map[string]chan struct{}), wait: wait}
}

func (k *keyLocks) get(key string) chan struct{} {
	k.mu.Lock()
	defer k.mu.Unlock()

	ch, ok := k.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		k.locks[key] = ch
	}
	return ch
}

func (k *keyLocks) acquire(ctx context.Context, keys []string) (core.Lease, error) {
	keys = sortedUnique(keys)
	if k.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.wait)
		defer cancel()
	}

	lease := &memoryLease{owner: k}
	for _, key := range keys {
		ch := k.get(key)
		select {
		case ch <- struct{}{}:
			lease.keys = append(lease.keys, key)
		case <-ctx.Done():
			_ = lease.Release(context.Background())
			return nil, fmt.Errorf("lease %s: %w", key, core.ErrLeaseTimeout)
		}
	}
	return lease, nil
}

type memoryLease struct {
	owner *keyLocks
	keys  []string
	once  sync.Once
}

func (l *memoryLease) Keys() []string {
	return l.keys
}

func (l *memoryLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		for i := len(l.keys) - 1; i >= 0; i-- {
			<-l.owner.get(l.keys[i])
		}
	})
	return nil
}

func sortedUnique(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok || k == "" {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
