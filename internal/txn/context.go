package txn

import (
	"context"
	"database/sql"
	"sync"

	"github.com/jackc/pgx/v5"
)

type handleKey struct{}

// WithHandle returns ctx carrying the open transaction h.
func WithHandle(ctx context.Context, h Handle) context.Context {
	return context.WithValue(ctx, handleKey{}, h)
}

// HandleFrom returns the transaction carried by ctx.
func HandleFrom(ctx context.Context) (Handle, bool) {
	h := ctx.Value(handleKey{})
	return h, h != nil
}

// SQLTx returns the database/sql transaction carried by ctx.
func SQLTx(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(handleKey{}).(*sql.Tx)
	return tx, ok
}

// PgxTx returns the pgx transaction carried by ctx.
func PgxTx(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(handleKey{}).(pgx.Tx)
	return tx, ok
}

type hooksKey struct{}

// hooks collects callbacks to run once the transaction has ended.
type hooks struct {
	mu  sync.Mutex
	fns []func()
}

func withHooks(ctx context.Context) (context.Context, *hooks) {
	h := &hooks{}
	return context.WithValue(ctx, hooksKey{}, h), h
}

func (h *hooks) run() {
	h.mu.Lock()
	fns := h.fns
	h.fns = nil
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// AfterEnd registers fn to run after the transaction carried by ctx commits
// or rolls back. It reports false when ctx carries no transaction opened by
// a Decorator, in which case fn is never called.
func AfterEnd(ctx context.Context, fn func()) bool {
	h, ok := ctx.Value(hooksKey{}).(*hooks)
	if !ok {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fns = append(h.fns, fn)
	return true
}
