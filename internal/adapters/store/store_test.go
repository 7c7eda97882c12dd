package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mikey/llm-meeting-coordinator/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testLeaseWait = 50 * time.Millisecond

func stores(t *testing.T) map[string]core.StateStore {
	t.Helper()
	sqlite, err := NewSQLiteStore(":memory:", zap.NewNop(), time.Minute, testLeaseWait, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]core.StateStore{
		"memory": NewMemoryStore(zap.NewNop(), testLeaseWait),
		"sqlite": sqlite,
	}
}

func TestThreadsAndIndex(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

			_, err := st.GetThread(ctx, "thread#a@x")
			assert.ErrorIs(t, err, core.ErrNotFound)

			a := &core.Thread{Key: "thread#a@x", Identifiers: []string{"a@x", "b@x"}, CreatedAt: now, UpdatedAt: now}
			b := &core.Thread{Key: "thread#c@x", Identifiers: []string{"c@x"}, CreatedAt: now.Add(time.Minute), UpdatedAt: now}
			require.NoError(t, st.SaveThreads(ctx, a, b))

			found, err := st.LookupIdentifiers(ctx, []string{"a@x", "c@x", "zz@x"})
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"a@x": "thread#a@x", "c@x": "thread#c@x"}, found)

			// merging c into a re-points c's identifiers; the retired thread keeps none
			a.AddIdentifiers("c@x")
			b.RetiredInto = a.Key
			require.NoError(t, st.SaveThreads(ctx, b, a))

			found, err = st.LookupIdentifiers(ctx, []string{"c@x"})
			require.NoError(t, err)
			assert.Equal(t, "thread#a@x", found["c@x"])

			retired, err := st.GetThread(ctx, "thread#c@x")
			require.NoError(t, err)
			assert.True(t, retired.Retired())
		})
	}
}

func TestCoordinationVersioning(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

			_, err := st.ActiveCoordination(ctx, "thread#a@x")
			assert.ErrorIs(t, err, core.ErrNotFound)

			c := &core.Coordination{ID: "c-1", ThreadKey: "thread#a@x", Status: core.StatusCollecting, CreatedAt: now}
			require.NoError(t, st.SaveCoordination(ctx, c))
			assert.Equal(t, int64(1), c.Version)

			stale, err := st.ActiveCoordination(ctx, "thread#a@x")
			require.NoError(t, err)

			c.Status = core.StatusReconciling
			require.NoError(t, st.SaveCoordination(ctx, c))
			assert.Equal(t, int64(2), c.Version)

			stale.Status = core.StatusCancelled
			err = st.SaveCoordination(ctx, stale)
			assert.ErrorIs(t, err, core.ErrStaleWrite)
			assert.True(t, core.IsTransient(err))
			assert.Equal(t, int64(1), stale.Version)

			c.Status = core.StatusScheduled
			require.NoError(t, st.SaveCoordination(ctx, c))
			_, err = st.ActiveCoordination(ctx, "thread#a@x")
			assert.ErrorIs(t, err, core.ErrNotFound)

			next := &core.Coordination{ID: "c-2", ThreadKey: "thread#a@x", Status: core.StatusCollecting, CreatedAt: now.Add(time.Hour)}
			require.NoError(t, st.SaveCoordination(ctx, next))

			all, err := st.ListCoordinations(ctx, "thread#a@x")
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "c-1", all[0].ID)
			assert.Equal(t, "c-2", all[1].ID)

			active, err := st.ActiveCoordination(ctx, "thread#a@x")
			require.NoError(t, err)
			assert.Equal(t, "c-2", active.ID)
		})
	}
}

func TestNextSequence(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for want := int64(1); want <= 3; want++ {
				got, err := st.NextSequence(ctx, "decision")
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}
			other, err := st.NextSequence(ctx, "other")
			require.NoError(t, err)
			assert.Equal(t, int64(1), other)
		})
	}
}

func TestLeasesAreExclusive(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			held, err := st.Acquire(ctx, "thread:b", "thread:a", "thread:a")
			require.NoError(t, err)
			assert.Equal(t, []string{"thread:a", "thread:b"}, held.Keys())

			_, err = st.Acquire(ctx, "thread:b", "thread:c")
			assert.ErrorIs(t, err, core.ErrLeaseTimeout)
			assert.True(t, core.IsTransient(err))

			// a failed attempt must not leave thread:c behind
			other, err := st.Acquire(ctx, "thread:c")
			require.NoError(t, err)
			require.NoError(t, other.Release(ctx))

			require.NoError(t, held.Release(ctx))
			again, err := st.Acquire(ctx, "thread:b")
			require.NoError(t, err)
			require.NoError(t, again.Release(ctx))
		})
	}
}

func TestExpiredSQLLeaseIsReclaimed(t *testing.T) {
	st, err := NewSQLiteStore(":memory:", zap.NewNop(), time.Minute, testLeaseWait, 0)
	require.NoError(t, err)
	defer st.Close()

	clock := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return clock }

	ctx := context.Background()
	_, err = st.Acquire(ctx, "thread:a")
	require.NoError(t, err)

	clock = clock.Add(2 * time.Minute)
	lease, err := st.Acquire(ctx, "thread:a")
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))

	_, err = st.Acquire(ctx, "thread:z")
	require.NoError(t, err)
	clock = clock.Add(2 * time.Minute)
	require.NoError(t, st.Cleanup(ctx))

	var n int
	require.NoError(t, st.db.QueryRow(`SELECT COUNT(*) FROM leases`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestLongIdentifiers(t *testing.T) {
	long := strings.Repeat("x", 900) + "@example.com"
	key := "thread#" + long

	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

			require.NoError(t, st.SaveThreads(ctx, &core.Thread{Key: key, Identifiers: []string{long, "short@x"}, CreatedAt: now, UpdatedAt: now}))

			found, err := st.LookupIdentifiers(ctx, []string{long, "short@x"})
			require.NoError(t, err)
			require.Contains(t, found, long)
			thread, err := st.GetThread(ctx, found[long])
			require.NoError(t, err)
			assert.Equal(t, key, thread.Key)
			assert.Equal(t, found[long], found["short@x"])

			require.NoError(t, st.SaveCoordination(ctx, &core.Coordination{ID: "c1", ThreadKey: key, Status: core.StatusCollecting, CreatedAt: now}))
			active, err := st.ActiveCoordination(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, key, active.ThreadKey)

			held, err := st.Acquire(ctx, "id:"+long)
			require.NoError(t, err)
			assert.Equal(t, []string{"id:" + long}, held.Keys())
			_, err = st.Acquire(ctx, "id:"+long)
			assert.ErrorIs(t, err, core.ErrLeaseTimeout)
			require.NoError(t, held.Release(ctx))
			again, err := st.Acquire(ctx, "id:"+long)
			require.NoError(t, err)
			require.NoError(t, again.Release(ctx))
		})
	}
}

func TestSQLKeyColumnsStayBounded(t *testing.T) {
	st, err := NewSQLiteStore(":memory:", zap.NewNop(), time.Minute, testLeaseWait, 0)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	long := strings.Repeat("y", 998)
	require.NoError(t, st.SaveThreads(ctx,
		&core.Thread{Key: "thread#" + long, Identifiers: []string{long}},
		&core.Thread{Key: "thread#old", RetiredInto: "thread#" + long},
	))
	require.NoError(t, st.SaveCoordination(ctx, &core.Coordination{ID: "c1", ThreadKey: "thread#" + long, Status: core.StatusCollecting}))
	_, err = st.Acquire(ctx, "id:"+long, "thread:thread#"+long)
	require.NoError(t, err)

	for _, q := range []string{
		`SELECT MAX(LENGTH(identifier)) FROM thread_index`,
		`SELECT MAX(LENGTH(thread_key)) FROM thread_index`,
		`SELECT MAX(LENGTH(thread_key)) FROM threads`,
		`SELECT MAX(LENGTH(retired_into)) FROM threads`,
		`SELECT MAX(LENGTH(thread_key)) FROM coordinations`,
		`SELECT MAX(LENGTH(lease_key)) FROM leases`,
	} {
		var n int
		require.NoError(t, st.db.QueryRow(q).Scan(&n), q)
		assert.LessOrEqual(t, n, maxKeyLength, q)
		assert.Positive(t, n, q)
	}

	assert.Equal(t, "short", columnKey("short"))
	assert.Equal(t, columnKey(long), columnKey(long))
	assert.NotEqual(t, columnKey(long), columnKey(long+"z"))
}
