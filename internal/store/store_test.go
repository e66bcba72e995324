package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow/flowguard/internal/machine"
	"github.com/linkflow/flowguard/internal/machine/machinetest"
	"github.com/linkflow/flowguard/internal/rollback"
	"github.com/linkflow/flowguard/internal/snapshot"
	"github.com/linkflow/flowguard/internal/txn"
)

func sampleSnapshot(id string) *machine.Snapshot {
	return &machine.Snapshot{
		MachineID:         id,
		ActiveID:          "IN_PROGRESS",
		ExtendedVariables: map[string]any{"counter": int64(2), "owner": "alice"},
		HistoryMemory:     map[string]string{machine.RootHistoryKey: "BACKLOG"},
		Children: []*machine.Snapshot{
			{ActiveID: "LEFT", ExtendedVariables: map[string]any{}, HistoryMemory: map[string]string{}},
		},
	}
}

// runStoreSuite checks the behaviour every Store must share.
func runStoreSuite(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("ReadMissing", func(t *testing.T) {
		_, err := s.Read(ctx, "missing-"+uuid.NewString())
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("WriteRead", func(t *testing.T) {
		id := uuid.NewString()
		in := sampleSnapshot(id)
		require.NoError(t, s.Write(ctx, id, in))

		out, err := s.Read(ctx, id)
		require.NoError(t, err)
		assert.True(t, snapshot.Equal(in, out), "got %+v", out)
	})

	t.Run("Overwrite", func(t *testing.T) {
		id := uuid.NewString()
		require.NoError(t, s.Write(ctx, id, sampleSnapshot(id)))

		next := sampleSnapshot(id)
		next.ActiveID = "DONE"
		require.NoError(t, s.Write(ctx, id, next))

		out, err := s.Read(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "DONE", out.ActiveID)
	})

	t.Run("ReadIsDetached", func(t *testing.T) {
		id := uuid.NewString()
		require.NoError(t, s.Write(ctx, id, sampleSnapshot(id)))

		out, err := s.Read(ctx, id)
		require.NoError(t, err)
		out.ActiveID = "CHANGED"

		again, err := s.Read(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "IN_PROGRESS", again.ActiveID)
	})

	t.Run("Delete", func(t *testing.T) {
		id := uuid.NewString()
		require.NoError(t, s.Write(ctx, id, sampleSnapshot(id)))
		require.NoError(t, s.Delete(ctx, id))
		require.NoError(t, s.Delete(ctx, id))

		_, err := s.Read(ctx, id)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("EmptyID", func(t *testing.T) {
		require.ErrorIs(t, s.Write(ctx, "", sampleSnapshot("")), ErrEmptyID)
	})
}

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "flowguard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, openTestSQLite(t))
}

func TestCachedStore(t *testing.T) {
	runStoreSuite(t, NewCachedStore(NewMemoryStore(), 16, time.Minute, nil))
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("FLOWGUARD_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("FLOWGUARD_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := NewPostgresStore(pool)
	require.NoError(t, s.EnsureSchema(ctx))
	runStoreSuite(t, s)

	t.Run("joins transaction", func(t *testing.T) {
		mgr := txn.NewPgxManager(pool, pgx.TxOptions{})
		id := "pg-" + uuid.NewString()

		h, err := mgr.Begin(ctx)
		require.NoError(t, err)
		txCtx := txn.WithHandle(ctx, h)
		require.NoError(t, s.Write(txCtx, id, sampleSnapshot(id)))
		_, err = s.Read(txCtx, id)
		require.NoError(t, err)
		require.NoError(t, mgr.Rollback(ctx, h))

		_, err = s.Read(ctx, id)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("FLOWGUARD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FLOWGUARD_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	runStoreSuite(t, NewRedisStore(client, "flowguard:test:"+uuid.NewString(), time.Minute))
}

func TestSQLiteStore_JoinsTransaction(t *testing.T) {
	s := openTestSQLite(t)
	mgr := txn.NewSQLManager(s.DB(), nil)
	ctx := context.Background()

	h, err := mgr.Begin(ctx)
	require.NoError(t, err)
	txCtx := txn.WithHandle(ctx, h)

	require.NoError(t, s.Write(txCtx, "m1", sampleSnapshot("m1")))
	_, err = s.Read(txCtx, "m1")
	require.NoError(t, err)

	require.NoError(t, mgr.Rollback(ctx, h))

	_, err = s.Read(ctx, "m1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_DetectsCorruption(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "m1", sampleSnapshot("m1")))

	_, err := s.DB().Exec(`UPDATE state_machines SET checksum = ? WHERE id = ?`, []byte{0, 0, 0, 0}, "m1")
	require.NoError(t, err)

	_, err = s.Read(ctx, "m1")
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestSQLiteStore_VersionBumps(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Write(ctx, "m1", sampleSnapshot("m1")))
	}

	var version int
	require.NoError(t, s.DB().QueryRow(`SELECT db_version FROM state_machines WHERE id = ?`, "m1").Scan(&version))
	assert.Equal(t, 3, version)
}

type countingMetrics struct{ hits, misses int }

func (c *countingMetrics) CacheHit()  { c.hits++ }
func (c *countingMetrics) CacheMiss() { c.misses++ }

func TestCachedStore_HitsAndTransactions(t *testing.T) {
	backing := openTestSQLite(t)
	metrics := &countingMetrics{}
	s := NewCachedStore(backing, 8, 0, metrics)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "m1", sampleSnapshot("m1")))
	_, err := s.Read(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.hits)

	mgr := txn.NewSQLManager(backing.DB(), nil)
	h, err := mgr.Begin(ctx)
	require.NoError(t, err)

	changed := sampleSnapshot("m1")
	changed.ActiveID = "DONE"
	require.NoError(t, s.Write(txn.WithHandle(ctx, h), "m1", changed))
	require.NoError(t, mgr.Rollback(ctx, h))

	out, err := s.Read(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "IN_PROGRESS", out.ActiveID)
}

func TestCachedStore_ReadDuringTransactionIsNotCached(t *testing.T) {
	backing := openTestSQLite(t)
	s := NewCachedStore(backing, 8, 0, nil)
	mgr := txn.NewSQLManager(backing.DB(), nil)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "other", sampleSnapshot("other")))

	moveOther := func(active string, fail error) rollback.ProcessFunc {
		return txn.Wrap(mgr, func(txCtx context.Context, _ machine.Machine) (any, error) {
			changed := sampleSnapshot("other")
			changed.ActiveID = active
			require.NoError(t, s.Write(txCtx, "other", changed))

			// a reader outside the transaction still sees the committed row
			seen, err := s.Read(ctx, "other")
			require.NoError(t, err)
			assert.Equal(t, "IN_PROGRESS", seen.ActiveID)
			return nil, fail
		})
	}

	_, err := moveOther("TESTING", assert.AnError)(ctx, machinetest.New("m", "A"))
	require.ErrorIs(t, err, assert.AnError)
	out, err := s.Read(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, "IN_PROGRESS", out.ActiveID)

	_, err = moveOther("DONE", nil)(ctx, machinetest.New("m", "A"))
	require.NoError(t, err)
	out, err = s.Read(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, "DONE", out.ActiveID)
	assert.Empty(t, s.pending)
}

func TestChecksum_Stable(t *testing.T) {
	assert.Equal(t, checksum([]byte("abc")), checksum([]byte("abc")))
	assert.NotEqual(t, checksum([]byte("abc")), checksum([]byte("abd")))
	assert.Len(t, checksum(nil), 4)
}
