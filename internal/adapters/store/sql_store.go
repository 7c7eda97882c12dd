package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mikey/llm-meeting-coordinator/internal/core"
	"go.uber.org/zap"
)

// leasePoll is how often a contended lease is retried
const leasePoll = 20 * time.Millisecond

// maxKeyLength is the widest value the VARCHAR key columns hold
const maxKeyLength = 255

// columnKey fits a key into the key columns. Message-IDs may run to 998
// characters, so longer keys are stored as their SHA-256 digest.
func columnKey(key string) string {
	if len(key) <= maxKeyLength {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	return "sha256:" + hex.EncodeToString(sum[:])
}

func columnKeys(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = columnKey(k)
	}
	return out
}

// dialect holds the statements that differ between SQL engines
type dialect struct {
	name         string
	schema       []string
	upsertThread string
	upsertIndex  string
	bumpSequence string
	insertLease  string
}

const insertCoordination = `INSERT INTO coordinations (id, thread_key, active, data, version, created_at) VALUES (?, ?, ?, ?, ?, ?)`

// SQLStore is a database/sql implementation of core.StateStore
type SQLStore struct {
	db          *sql.DB
	dialect     dialect
	leaseTTL    time.Duration
	leaseWait   time.Duration
	cleanupFreq time.Duration
	logger      *zap.Logger
	stopCh      chan struct{}
	now         func() time.Time
}

func newSQLStore(db *sql.DB, d dialect, leaseTTL, leaseWait, cleanupFreq time.Duration, logger *zap.Logger) (*SQLStore, error) {
	for _, stmt := range d.schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create %s schema: %w", d.name, err)
		}
	}

	s := &SQLStore{
		db:          db,
		dialect:     d,
		leaseTTL:    leaseTTL,
		leaseWait:   leaseWait,
		cleanupFreq: cleanupFreq,
		logger:      logger,
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}

	// Start background cleanup
	if cleanupFreq > 0 {
		go s.startCleanupTask()
	}
	return s, nil
}

// LookupIdentifiers returns the indexed thread key for each known identifier
func (s *SQLStore) LookupIdentifiers(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	stored := make(map[string]string, len(ids))
	for _, id := range ids {
		stored[columnKey(id)] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT identifier, thread_key FROM thread_index WHERE identifier IN (`+placeholders(len(ids))+`)`,
		args(columnKeys(ids))...)
	if err != nil {
		return nil, fmt.Errorf("failed to query identifier index: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, key string
		if err := rows.Scan(&id, &key); err != nil {
			return nil, fmt.Errorf("failed to scan identifier index: %w", err)
		}
		if original, ok := stored[id]; ok {
			id = original
		}
		out[id] = key
	}
	return out, rows.Err()
}

// GetThread returns a thread by key
func (s *SQLStore) GetThread(ctx context.Context, key string) (*core.Thread, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM threads WHERE thread_key = ?`, columnKey(key)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("thread %s: %w", key, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query thread %s: %w", key, err)
	}

	var t core.Thread
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("%w: failed to decode thread %s: %v", core.ErrDataIntegrity, key, err)
	}
	return &t, nil
}

// SaveThreads stores the threads in one transaction and re-points the
// identifiers of every live thread at its key
func (s *SQLStore) SaveThreads(ctx context.Context, threads ...*core.Thread) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, t := range threads {
			data, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("failed to encode thread %s: %w", t.Key, err)
			}
			if _, err := tx.ExecContext(ctx, s.dialect.upsertThread,
				columnKey(t.Key), string(data), columnKey(t.RetiredInto), t.UpdatedAt.UnixNano()); err != nil {
				return fmt.Errorf("failed to store thread %s: %w", t.Key, err)
			}
			if t.Retired() {
				continue
			}
			for _, id := range t.Identifiers {
				if _, err := tx.ExecContext(ctx, s.dialect.upsertIndex, columnKey(id), columnKey(t.Key)); err != nil {
					return fmt.Errorf("failed to index identifier %s: %w", id, err)
				}
			}
		}
		return nil
	})
}

// ActiveCoordination returns the non-terminal coordination of a thread
func (s *SQLStore) ActiveCoordination(ctx context.Context, threadKey string) (*core.Coordination, error) {
	coords, err := s.queryCoordinations(ctx,
		`SELECT data FROM coordinations WHERE thread_key = ? AND active = 1 ORDER BY created_at, id`, columnKey(threadKey))
	if err != nil {
		return nil, err
	}
	switch len(coords) {
	case 0:
		return nil, fmt.Errorf("active coordination for %s: %w", threadKey, core.ErrNotFound)
	case 1:
		return coords[0], nil
	default:
		return nil, fmt.Errorf("%w: thread %s has %d active coordinations", core.ErrDataIntegrity, threadKey, len(coords))
	}
}

// ListCoordinations returns every coordination of a thread, oldest first
func (s *SQLStore) ListCoordinations(ctx context.Context, threadKey string) ([]*core.Coordination, error) {
	return s.queryCoordinations(ctx,
		`SELECT data FROM coordinations WHERE thread_key = ? ORDER BY created_at, id`, columnKey(threadKey))
}

func (s *SQLStore) queryCoordinations(ctx context.Context, query string, args ...interface{}) ([]*core.Coordination, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query coordinations: %w", err)
	}
	defer rows.Close()

	var out []*core.Coordination
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan coordination: %w", err)
		}
		var c core.Coordination
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, fmt.Errorf("%w: failed to decode coordination: %v", core.ErrDataIntegrity, err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// SaveCoordination stores the coordination under an optimistic version check
func (s *SQLStore) SaveCoordination(ctx context.Context, coord *core.Coordination) error {
	expected := coord.Version
	coord.Version++
	data, err := json.Marshal(coord)
	if err != nil {
		coord.Version = expected
		return fmt.Errorf("failed to encode coordination %s: %w", coord.ID, err)
	}

	active := 0
	if coord.IsActive() {
		active = 1
	}

	var res sql.Result
	if expected == 0 {
		res, err = s.db.ExecContext(ctx, insertCoordination,
			coord.ID, columnKey(coord.ThreadKey), active, string(data), coord.Version, coord.CreatedAt.UnixNano())
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE coordinations SET thread_key = ?, active = ?, data = ?, version = ? WHERE id = ? AND version = ?`,
			columnKey(coord.ThreadKey), active, string(data), coord.Version, coord.ID, expected)
	}
	if err != nil {
		coord.Version = expected
		return fmt.Errorf("failed to store coordination %s: %w", coord.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		coord.Version = expected
		return fmt.Errorf("failed to store coordination %s: %w", coord.ID, err)
	}
	if n != 1 {
		coord.Version = expected
		return fmt.Errorf("coordination %s changed since version %d: %w", coord.ID, expected, core.ErrStaleWrite)
	}
	return nil
}

// NextSequence returns the next value of a named sequence
func (s *SQLStore) NextSequence(ctx context.Context, name string) (int64, error) {
	var value int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.dialect.bumpSequence, name); err != nil {
			return fmt.Errorf("failed to advance sequence %s: %w", name, err)
		}
		return tx.QueryRowContext(ctx, `SELECT value FROM sequences WHERE name = ?`, name).Scan(&value)
	})
	if err != nil {
		return 0, err
	}
	return value, nil
}

// Acquire takes leases on every key or none. Expired leases held by
// crashed workers are taken over.
func (s *SQLStore) Acquire(ctx context.Context, keys ...string) (core.Lease, error) {
	keys = sortedUnique(keys)
	owner := uuid.NewString()
	deadline := s.now().Add(s.leaseWait)

	for {
		ok, err := s.tryAcquire(ctx, keys, owner)
		if err != nil {
			return nil, err
		}
		if ok {
			return &sqlLease{store: s, keys: keys, owner: owner}, nil
		}
		if !s.now().Before(deadline) {
			return nil, fmt.Errorf("leases %v: %w", keys, core.ErrLeaseTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: lease wait cancelled: %v", core.ErrTransient, ctx.Err())
		case <-time.After(leasePoll):
		}
	}
}

func (s *SQLStore) tryAcquire(ctx context.Context, keys []string, owner string) (bool, error) {
	acquired := false
	now := s.now()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, key := range keys {
			column := columnKey(key)
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM leases WHERE lease_key = ? AND expires_at < ?`, column, now.UnixNano()); err != nil {
				return fmt.Errorf("failed to reclaim lease %s: %w", key, err)
			}
			res, err := tx.ExecContext(ctx, s.dialect.insertLease, column, owner, now.Add(s.leaseTTL).UnixNano())
			if err != nil {
				return fmt.Errorf("failed to take lease %s: %w", key, err)
			}
			if n, err := res.RowsAffected(); err != nil || n == 0 {
				return errLeaseHeld
			}
		}
		acquired = true
		return nil
	})
	if errors.Is(err, errLeaseHeld) {
		return false, nil
	}
	return acquired, err
}

var errLeaseHeld = errors.New("lease held")

func (s *SQLStore) release(ctx context.Context, keys []string, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE owner = ? AND lease_key IN (`+placeholders(len(keys))+`)`,
		append([]interface{}{owner}, args(columnKeys(keys))...)...)
	if err != nil {
		return fmt.Errorf("failed to release leases: %w", err)
	}
	return nil
}

// Cleanup removes expired leases
func (s *SQLStore) Cleanup(ctx context.Context) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE expires_at < ?`, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to clean up expired leases: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		s.logger.Warn("Failed to get rows affected during cleanup", zap.Error(err))
	} else if rowsAffected > 0 {
		s.logger.Info("Reclaimed expired leases", zap.Int64("expired_count", rowsAffected))
	}
	return nil
}

// startCleanupTask starts a background task to clean up expired leases
func (s *SQLStore) startCleanupTask() {
	ticker := time.NewTicker(s.cleanupFreq)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Cleanup(context.Background()); err != nil {
				s.logger.Error("Failed to clean up leases", zap.Error(err))
			}
		case <-s.stopCh:
			return
		}
	}
}

// Close stops the background cleanup task and closes the database connection
func (s *SQLStore) Close() error {
	close(s.stopCh)
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close %s database: %w", s.dialect.name, err)
	}
	return nil
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type sqlLease struct {
	store *SQLStore
	keys  []string
	owner string
}

func (l *sqlLease) Keys() []string {
	return l.keys
}

func (l *sqlLease) Release(ctx context.Context) error {
	return l.store.release(ctx, l.keys, l.owner)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func args(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
