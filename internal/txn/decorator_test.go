package txn_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow/flowguard/internal/machine"
	"github.com/linkflow/flowguard/internal/machine/machinetest"
	"github.com/linkflow/flowguard/internal/rollback"
	"github.com/linkflow/flowguard/internal/txn"
)

var errProcessing = errors.New("processing failed")

// recordingManager tracks calls and optionally fails begin or commit.
type recordingManager struct {
	mu        sync.Mutex
	calls     []string
	beginErr  error
	commitErr error
}

type fakeTx struct{ id int }

func (r *recordingManager) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recordingManager) Begin(context.Context) (txn.Handle, error) {
	r.record("begin")
	if r.beginErr != nil {
		return nil, r.beginErr
	}
	return &fakeTx{id: 1}, nil
}

func (r *recordingManager) Commit(context.Context, txn.Handle) error {
	r.record("commit")
	return r.commitErr
}

func (r *recordingManager) Rollback(context.Context, txn.Handle) error {
	r.record("rollback")
	return nil
}

func (r *recordingManager) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func newDecorator(mgr txn.Manager) *txn.Decorator {
	return txn.NewDecorator(rollback.NewExecutor(nil), mgr, txn.Config{})
}

func TestDecorator_CommitsOnSuccess(t *testing.T) {
	mgr := &recordingManager{}
	d := newDecorator(mgr)
	m := machinetest.New("m", "BACKLOG")

	res, err := d.Run(context.Background(), m, func(ctx context.Context, _ machine.Machine) (any, error) {
		h, ok := txn.HandleFrom(ctx)
		require.True(t, ok)
		assert.IsType(t, &fakeTx{}, h)
		m.Move("IN_PROGRESS")
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, []string{"begin", "commit"}, mgr.Calls())
	assert.Equal(t, "IN_PROGRESS", m.Active())
}

func TestDecorator_ErrorRollsBackBoth(t *testing.T) {
	mgr := &recordingManager{}
	d := newDecorator(mgr)
	m := machinetest.New("m", "BACKLOG")

	_, err := d.Run(context.Background(), m, func(context.Context, machine.Machine) (any, error) {
		m.Move("IN_PROGRESS")
		return nil, errProcessing
	})

	assert.Same(t, errProcessing, err)
	assert.Equal(t, []string{"begin", "rollback"}, mgr.Calls())
	assert.Equal(t, "BACKLOG", m.Active())
}

func TestDecorator_CommitFailureRestoresMachine(t *testing.T) {
	commitErr := errors.New("serialization failure")
	mgr := &recordingManager{commitErr: commitErr}
	d := newDecorator(mgr)
	m := machinetest.New("m", "BACKLOG")

	_, err := d.Run(context.Background(), m, func(context.Context, machine.Machine) (any, error) {
		m.Move("IN_PROGRESS")
		return nil, nil
	})

	require.ErrorIs(t, err, txn.ErrCommit)
	require.ErrorIs(t, err, txn.ErrTransaction)
	assert.ErrorIs(t, err, commitErr)
	assert.Equal(t, []string{"begin", "commit", "rollback"}, mgr.Calls())
	assert.Equal(t, "BACKLOG", m.Active())
}

func TestDecorator_BeginFailureSkipsFn(t *testing.T) {
	mgr := &recordingManager{beginErr: errors.New("pool exhausted")}
	d := newDecorator(mgr)
	called := false

	_, err := d.Run(context.Background(), machinetest.New("m", "A"), func(context.Context, machine.Machine) (any, error) {
		called = true
		return nil, nil
	})

	require.ErrorIs(t, err, txn.ErrBegin)
	assert.False(t, called)
}

func TestDecorator_PanicRollsBack(t *testing.T) {
	mgr := &recordingManager{}
	d := newDecorator(mgr)
	m := machinetest.New("m", "A")

	assert.Panics(t, func() {
		_, _ = d.Run(context.Background(), m, func(context.Context, machine.Machine) (any, error) {
			m.Move("B")
			panic("boom")
		})
	})
	assert.Equal(t, []string{"begin", "rollback"}, mgr.Calls())
	assert.Equal(t, "A", m.Active())
}

func TestAfterEnd_RunsOnceTransactionEnds(t *testing.T) {
	assert.False(t, txn.AfterEnd(context.Background(), func() { t.Fatal("called outside a transaction") }))

	for name, outcome := range map[string]error{"commit": nil, "rollback": errProcessing} {
		t.Run(name, func(t *testing.T) {
			mgr := &recordingManager{}
			var seen []string
			_, err := txn.Wrap(mgr, func(ctx context.Context, _ machine.Machine) (any, error) {
				require.True(t, txn.AfterEnd(ctx, func() {
					seen = append(seen, "hook after "+mgr.Calls()[len(mgr.Calls())-1])
				}))
				return nil, outcome
			})(context.Background(), machinetest.New("m", "A"))

			require.ErrorIs(t, err, outcome)
			assert.Equal(t, []string{"hook after " + name}, seen)
		})
	}
}

func TestDecorator_MissingArguments(t *testing.T) {
	d := newDecorator(&recordingManager{})

	_, err := d.Run(context.Background(), machinetest.New("m", "A"), nil)
	require.ErrorIs(t, err, rollback.ErrMissingArgument)

	_, err = d.Run(context.Background(), nil, func(context.Context, machine.Machine) (any, error) { return nil, nil })
	require.ErrorIs(t, err, rollback.ErrMachineRequired)

	_, err = txn.Wrap(&recordingManager{}, nil)(context.Background(), machinetest.New("m", "A"))
	require.ErrorIs(t, err, rollback.ErrProcessFuncRequired)
}

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "txn.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE audit (machine_id TEXT NOT NULL, note TEXT NOT NULL)`)
	require.NoError(t, err)
	return db
}

func countAudit(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM audit`).Scan(&n))
	return n
}

func TestSQLManager_WritesFollowOutcome(t *testing.T) {
	db := openSQLite(t)
	d := newDecorator(txn.NewSQLManager(db, nil))
	m := machinetest.New("m", "BACKLOG")

	insert := func(ctx context.Context) error {
		tx, ok := txn.SQLTx(ctx)
		require.True(t, ok)
		_, err := tx.ExecContext(ctx, `INSERT INTO audit (machine_id, note) VALUES (?, ?)`, "m", "moved")
		return err
	}

	_, err := d.Run(context.Background(), m, func(ctx context.Context, _ machine.Machine) (any, error) {
		require.NoError(t, insert(ctx))
		m.Move("IN_PROGRESS")
		return nil, errProcessing
	})
	require.ErrorIs(t, err, errProcessing)
	assert.Zero(t, countAudit(t, db))
	assert.Equal(t, "BACKLOG", m.Active())

	_, err = d.Run(context.Background(), m, func(ctx context.Context, _ machine.Machine) (any, error) {
		require.NoError(t, insert(ctx))
		m.Move("IN_PROGRESS")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countAudit(t, db))
	assert.Equal(t, "IN_PROGRESS", m.Active())
}

func TestSQLManager_InvalidHandle(t *testing.T) {
	mgr := txn.NewSQLManager(openSQLite(t), nil)
	require.ErrorIs(t, mgr.Commit(context.Background(), "not a tx"), txn.ErrInvalidHandle)
	require.ErrorIs(t, mgr.Rollback(context.Background(), 42), txn.ErrInvalidHandle)
}
