// Package txn layers transaction demarcation over a rollback.Guard so that
// caller logic, its transaction, and the machine succeed or fail together.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/linkflow/flowguard/internal/machine"
	"github.com/linkflow/flowguard/internal/observability/tracing"
	"github.com/linkflow/flowguard/internal/rollback"
)

var (
	ErrTransaction   = errors.New("transaction failure")
	ErrBegin         = fmt.Errorf("%w: begin", ErrTransaction)
	ErrCommit        = fmt.Errorf("%w: commit", ErrTransaction)
	ErrInvalidHandle = errors.New("txn: handle does not belong to this manager")
)

var tracer = tracing.Tracer("txn")

// Handle is an open transaction as returned by a Manager.
type Handle any

// Manager demarcates transactions.
type Manager interface {
	Begin(ctx context.Context) (Handle, error)
	Commit(ctx context.Context, h Handle) error
	Rollback(ctx context.Context, h Handle) error
}

// Metrics records transaction outcomes.
type Metrics interface {
	TransactionCompleted(status string)
}

type noopMetrics struct{}

func (noopMetrics) TransactionCompleted(string) {}

// Config holds decorator dependencies. Zero fields get defaults.
type Config struct {
	Logger  *slog.Logger
	Metrics Metrics
}

// Decorator runs every ProcessFunc inside a transaction, itself inside the
// inner guard. A commit failure therefore restores the machine as well.
type Decorator struct {
	inner   rollback.Guard
	mgr     Manager
	logger  *slog.Logger
	metrics Metrics
}

// NewDecorator creates a decorator running inside inner. A nil inner is only
// valid for Wrap.
func NewDecorator(inner rollback.Guard, mgr Manager, cfg Config) *Decorator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	return &Decorator{
		inner:   inner,
		mgr:     mgr,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Run wraps fn in a transaction and hands it to the inner guard.
func (d *Decorator) Run(ctx context.Context, m machine.Machine, fn rollback.ProcessFunc) (any, error) {
	if m == nil {
		return nil, rollback.ErrMachineRequired
	}
	if fn == nil {
		return nil, rollback.ErrProcessFuncRequired
	}
	return d.inner.Run(ctx, m, d.Wrap(fn))
}

// Wrap returns fn enclosed in begin/commit. An error from fn rolls the
// transaction back and is returned unchanged. Callbacks registered with
// AfterEnd run once the transaction is over, whatever its outcome.
func (d *Decorator) Wrap(fn rollback.ProcessFunc) rollback.ProcessFunc {
	if fn == nil {
		return func(context.Context, machine.Machine) (any, error) {
			return nil, rollback.ErrProcessFuncRequired
		}
	}
	return func(ctx context.Context, m machine.Machine) (result any, err error) {
		ctx, span := tracing.StartSpan(ctx, tracer, "txn.Run")
		defer func() { tracing.End(span, err) }()

		h, err := d.mgr.Begin(ctx)
		if err != nil {
			d.metrics.TransactionCompleted("begin_failed")
			return nil, fmt.Errorf("%w: %w", ErrBegin, err)
		}

		txCtx, after := withHooks(WithHandle(ctx, h))
		defer after.run()

		completed := false
		defer func() {
			if !completed {
				d.rollback(ctx, h, "panic")
			}
		}()

		result, err = fn(txCtx, m)
		completed = true
		if err != nil {
			d.rollback(ctx, h, "rolled_back")
			return nil, err
		}

		if err := d.mgr.Commit(ctx, h); err != nil {
			d.rollback(ctx, h, "commit_failed")
			return nil, fmt.Errorf("%w: %w", ErrCommit, err)
		}
		d.metrics.TransactionCompleted("committed")
		return result, nil
	}
}

func (d *Decorator) rollback(ctx context.Context, h Handle, status string) {
	d.metrics.TransactionCompleted(status)
	if err := d.mgr.Rollback(context.WithoutCancel(ctx), h); err != nil {
		d.logger.Warn("transaction rollback failed",
			slog.String("status", status),
			slog.Any("error", err),
		)
	}
}

// Wrap encloses fn in a transaction of mgr using default logging.
func Wrap(mgr Manager, fn rollback.ProcessFunc) rollback.ProcessFunc {
	return NewDecorator(nil, mgr, Config{}).Wrap(fn)
}

var _ rollback.Guard = (*Decorator)(nil)
