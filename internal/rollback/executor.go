// Package rollback runs caller logic against a machine under a per-machine
// lock and restores the machine's configuration when that logic fails.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/linkflow/flowguard/internal/machine"
	"github.com/linkflow/flowguard/internal/observability/metrics"
	"github.com/linkflow/flowguard/internal/observability/tracing"
	"github.com/linkflow/flowguard/internal/snapshot"
)

var (
	ErrMissingArgument     = errors.New("missing argument")
	ErrMachineRequired     = fmt.Errorf("%w: state machine is a mandatory argument", ErrMissingArgument)
	ErrProcessFuncRequired = fmt.Errorf("%w: processing function is a mandatory argument", ErrMissingArgument)

	ErrBackup  = errors.New("state machine backup error")
	ErrRestore = errors.New("state machine restore error")
)

var tracer = tracing.Tracer("rollback")

// ProcessFunc is caller logic run against a guarded machine.
type ProcessFunc func(ctx context.Context, m machine.Machine) (any, error)

// Guard runs a ProcessFunc so that a failure leaves the machine unchanged.
type Guard interface {
	Run(ctx context.Context, m machine.Machine, fn ProcessFunc) (any, error)
}

// Metrics records executor activity.
type Metrics interface {
	GuardedCallCompleted(outcome string, duration time.Duration)
	LockWaited(duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) GuardedCallCompleted(string, time.Duration) {}
func (noopMetrics) LockWaited(time.Duration)                   {}

// Config holds executor dependencies. Zero fields get defaults.
type Config struct {
	Logger  *slog.Logger
	Metrics Metrics
	Backups *BackupStore
	// MaxLockWait bounds how long a caller waits for a busy machine.
	// Zero waits until the context is done.
	MaxLockWait time.Duration
}

// Executor runs caller logic against a machine, serialized per machine key,
// and restores the machine from a backup when the logic fails or panics.
type Executor struct {
	logger  *slog.Logger
	metrics Metrics
	backups *BackupStore
	locks   *KeyLock
}

// NewExecutor creates an executor with a private backup store.
func NewExecutor(logger *slog.Logger) *Executor {
	return NewExecutorWithConfig(Config{Logger: logger})
}

// NewExecutorWithConfig creates an executor from cfg.
func NewExecutorWithConfig(cfg Config) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Backups == nil {
		cfg.Backups = NewBackupStore()
	}
	return &Executor{
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		backups: cfg.Backups,
		locks:   NewKeyLock(cfg.MaxLockWait),
	}
}

// SyncKey returns the lock key of m: its logical id, or its instance id when
// the logical id is empty.
func SyncKey(m machine.Machine) string {
	if id := m.ID(); id != "" {
		return id
	}
	return m.InstanceID().String()
}

// Run invokes fn on m under the lock for SyncKey(m).
func (e *Executor) Run(ctx context.Context, m machine.Machine, fn ProcessFunc) (any, error) {
	if m == nil {
		return nil, ErrMachineRequired
	}
	return e.RunKeyed(ctx, SyncKey(m), m, fn)
}

// RunKeyed invokes fn on m under the lock for key. If fn returns an error or
// panics, m is reset to the configuration it had before fn ran and the error
// is returned unchanged, or the panic resumes.
func (e *Executor) RunKeyed(ctx context.Context, key string, m machine.Machine, fn ProcessFunc) (result any, err error) {
	if m == nil {
		return nil, ErrMachineRequired
	}
	if fn == nil {
		return nil, ErrProcessFuncRequired
	}

	ctx, span := tracing.StartSpan(ctx, tracer, "rollback.Run", attribute.String("machine.key", key))
	defer func() { tracing.End(span, err) }()

	waitStart := time.Now()
	unlock, err := e.locks.Lock(ctx, key)
	e.metrics.LockWaited(time.Since(waitStart))
	if err != nil {
		return nil, fmt.Errorf("acquire lock for %q: %w", key, err)
	}
	defer unlock()

	return e.guarded(ctx, key, m, fn)
}

func (e *Executor) guarded(ctx context.Context, key string, m machine.Machine, fn ProcessFunc) (result any, err error) {
	start := time.Now()
	outcome := metrics.OutcomeCommitted
	defer func() { e.metrics.GuardedCallCompleted(outcome, time.Since(start)) }()

	backupKey := uuid.New()
	snap, err := snapshot.Build(m)
	if err != nil {
		outcome = metrics.OutcomeBackupFailed
		e.logger.Error("state machine backup failed",
			slog.String("key", key),
			slog.String("trace_id", tracing.TraceIDFromContext(ctx)),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("%w: %w", ErrBackup, err)
	}
	e.backups.Put(backupKey, snap)
	defer e.backups.Remove(backupKey)

	completed := false
	defer func() {
		if completed {
			return
		}
		r := recover()
		outcome = metrics.OutcomeRolledBack
		if rerr := e.restore(ctx, m, backupKey); rerr != nil {
			outcome = metrics.OutcomeRestoreFailed
			e.logger.Error("state machine restore failed after panic",
				slog.String("key", key),
				slog.String("trace_id", tracing.TraceIDFromContext(ctx)),
				slog.Any("error", rerr),
			)
		}
		// r is nil when fn called runtime.Goexit.
		if r != nil {
			panic(r)
		}
	}()

	result, err = fn(ctx, m)
	completed = true
	if err == nil {
		return result, nil
	}

	outcome = metrics.OutcomeRolledBack
	if rerr := e.restore(ctx, m, backupKey); rerr != nil {
		outcome = metrics.OutcomeRestoreFailed
		e.logger.Error("state machine restore failed",
			slog.String("key", key),
			slog.String("trace_id", tracing.TraceIDFromContext(ctx)),
			slog.Any("error", rerr),
			slog.Any("cause", err),
		)
		return nil, fmt.Errorf("%w: %w (processing error: %w)", ErrRestore, rerr, err)
	}

	e.logger.Warn("state machine rolled back",
		slog.String("key", key),
		slog.String("trace_id", tracing.TraceIDFromContext(ctx)),
		slog.String("backup", backupKey.String()),
		slog.Any("error", err),
	)
	return nil, err
}

func (e *Executor) restore(ctx context.Context, m machine.Machine, backupKey uuid.UUID) error {
	backup, ok := e.backups.Get(backupKey)
	if !ok {
		return fmt.Errorf("backup %s not found", backupKey)
	}
	return m.Reset(context.WithoutCancel(ctx), snapshot.Clone(backup))
}

var _ Guard = (*Executor)(nil)
