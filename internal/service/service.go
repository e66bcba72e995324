// Package service persists workflow machines and evaluates caller logic
// against them with rollback, optionally inside a transaction.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/linkflow/flowguard/internal/machine"
	"github.com/linkflow/flowguard/internal/retry"
	"github.com/linkflow/flowguard/internal/rollback"
	"github.com/linkflow/flowguard/internal/snapshot"
	"github.com/linkflow/flowguard/internal/store"
	"github.com/linkflow/flowguard/internal/txn"
)

// Factory builds a started machine for an id.
type Factory interface {
	New(ctx context.Context, id string) (machine.Machine, error)
}

// Resolver lists the events a machine currently accepts.
type Resolver interface {
	AvailableEvents(ctx context.Context, m machine.Machine) ([]string, error)
}

// Metrics records service operations.
type Metrics interface {
	OperationCompleted(operation, status string, duration time.Duration)
	PersistFailed(operation string)
}

type noopMetrics struct{}

func (noopMetrics) OperationCompleted(string, string, time.Duration) {}
func (noopMetrics) PersistFailed(string)                              {}

// Config holds service dependencies. Store and Factory are required.
type Config struct {
	Store    store.Store
	Factory  Factory
	Resolver Resolver
	// Guard runs non-transactional evaluations. Defaults to a
	// rollback.Executor.
	Guard rollback.Guard
	// TxManager enables the transactional operations.
	TxManager txn.Manager
	Logger    *slog.Logger
	// Metrics is also handed to the executor and the transaction decorator
	// when it implements their metrics interfaces.
	Metrics Metrics
	// MaxLockWait bounds how long an evaluation waits for a busy id.
	MaxLockWait time.Duration
	// PersistRetry retries failed store writes made outside a
	// transaction. Nil writes once.
	PersistRetry *retry.Policy
}

// Service creates, loads, evaluates and persists state machines.
type Service struct {
	store    store.Store
	factory  Factory
	resolver Resolver
	guard    rollback.Guard
	txGuard  rollback.Guard
	locks    *rollback.KeyLock
	retry    *retry.Policy
	logger   *slog.Logger
	metrics  Metrics
}

// NewService creates a new service without transaction support.
func NewService(st store.Store, factory Factory, resolver Resolver, logger *slog.Logger) *Service {
	return NewServiceWithConfig(Config{
		Store:    st,
		Factory:  factory,
		Resolver: resolver,
		Logger:   logger,
	})
}

// NewServiceWithConfig creates a new service from cfg.
func NewServiceWithConfig(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Guard == nil {
		execCfg := rollback.Config{Logger: cfg.Logger, MaxLockWait: cfg.MaxLockWait}
		if m, ok := cfg.Metrics.(rollback.Metrics); ok {
			execCfg.Metrics = m
		}
		cfg.Guard = rollback.NewExecutorWithConfig(execCfg)
	}

	s := &Service{
		store:    cfg.Store,
		factory:  cfg.Factory,
		resolver: cfg.Resolver,
		guard:    cfg.Guard,
		locks:    rollback.NewKeyLock(cfg.MaxLockWait),
		retry:    persistPolicy(cfg.PersistRetry),
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
	if cfg.TxManager != nil {
		txCfg := txn.Config{Logger: cfg.Logger}
		if m, ok := cfg.Metrics.(txn.Metrics); ok {
			txCfg.Metrics = m
		}
		s.txGuard = txn.NewDecorator(cfg.Guard, cfg.TxManager, txCfg)
	}
	return s
}

func persistPolicy(p *retry.Policy) *retry.Policy {
	if p == nil {
		return nil
	}
	cp := *p
	if cp.NonRetryable == nil {
		cp.NonRetryable = func(err error) bool { return errors.Is(err, store.ErrEmptyID) }
	}
	return &cp
}

func (s *Service) observe(op string, start time.Time, err error) {
	s.metrics.OperationCompleted(op, statusOf(err), time.Since(start))
}

// Create builds a machine for id and persists it. An empty id gets a
// generated one. When persisting fails the machine is still returned
// together with an ErrPersistNew error.
func (s *Service) Create(ctx context.Context, id string) (m machine.Machine, err error) {
	start := time.Now()
	defer func() { s.observe("create", start, err) }()
	if id == "" {
		id = uuid.NewString()
	}

	m, err = s.factory.New(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service: create %q: %w", id, err)
	}
	if err := s.persist(ctx, id, m); err != nil {
		s.metrics.PersistFailed("create")
		s.logger.Error("failed to persist new state machine",
			slog.String("machine_id", id),
			slog.Any("error", err),
		)
		return m, fmt.Errorf("%w: %w", ErrPersistNew, err)
	}

	s.logger.Debug("state machine created", slog.String("machine_id", id))
	return m, nil
}

// CreateRandom creates a machine under a generated id.
func (s *Service) CreateRandom(ctx context.Context) (machine.Machine, error) {
	return s.Create(ctx, "")
}

// CreateAndRun creates a machine for id and evaluates fn against it.
func (s *Service) CreateAndRun(ctx context.Context, id string, fn rollback.ProcessFunc) (machine.Machine, any, error) {
	return s.createAndRun(ctx, id, fn, s.guard)
}

// CreateAndRunTransactional is CreateAndRun with fn inside a transaction.
func (s *Service) CreateAndRunTransactional(ctx context.Context, id string, fn rollback.ProcessFunc) (machine.Machine, any, error) {
	if s.txGuard == nil {
		return nil, nil, ErrTransactionsDisabled
	}
	return s.createAndRun(ctx, id, fn, s.txGuard)
}

func (s *Service) createAndRun(ctx context.Context, id string, fn rollback.ProcessFunc, g rollback.Guard) (machine.Machine, any, error) {
	if fn == nil {
		return nil, nil, rollback.ErrProcessFuncRequired
	}
	m, err := s.Create(ctx, id)
	if err != nil {
		return m, nil, err
	}
	res, err := s.evaluateMachine(ctx, "create_and_run", m, fn, g)
	return m, res, err
}

// Get loads the machine stored under id. A missing id yields
// store.ErrNotFound unchanged.
func (s *Service) Get(ctx context.Context, id string) (m machine.Machine, err error) {
	start := time.Now()
	defer func() { s.observe("get", start, err) }()
	return s.load(ctx, id)
}

func (s *Service) load(ctx context.Context, id string) (machine.Machine, error) {
	if id == "" {
		return nil, ErrIDRequired
	}

	snap, err := s.store.Read(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %q: %w", ErrRead, id, err)
	}

	m, err := s.factory.New(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrRead, id, err)
	}
	if err := m.Reset(ctx, snap); err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrRead, id, err)
	}
	return m, nil
}

// Exists reports whether a machine is stored under id.
func (s *Service) Exists(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, ErrIDRequired
	}
	_, err := s.store.Read(ctx, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q: %w", ErrRead, id, err)
	}
}

// Update persists the current configuration of m under id and returns m.
func (s *Service) Update(ctx context.Context, id string, m machine.Machine) (_ machine.Machine, err error) {
	start := time.Now()
	defer func() { s.observe("update", start, err) }()
	if m == nil {
		return nil, rollback.ErrMachineRequired
	}
	if id == "" {
		return nil, ErrIDRequired
	}
	if err := s.update(ctx, "update", id, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Service) update(ctx context.Context, op, id string, m machine.Machine) error {
	if err := s.persist(ctx, id, m); err != nil {
		s.metrics.PersistFailed(op)
		s.logger.Error("failed to persist state machine",
			slog.String("machine_id", id),
			slog.String("operation", op),
			slog.Any("error", err),
		)
		return fmt.Errorf("%w: %w", ErrPersistUpdate, err)
	}
	return nil
}

// Delete removes the machine stored under id. Deleting a missing id is not
// an error.
func (s *Service) Delete(ctx context.Context, id string) (err error) {
	start := time.Now()
	defer func() { s.observe("delete", start, err) }()
	if id == "" {
		return ErrIDRequired
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("service: delete %q: %w", id, err)
	}
	return nil
}

func (s *Service) persist(ctx context.Context, id string, m machine.Machine) error {
	snap, err := snapshot.Build(m)
	if err != nil {
		return err
	}
	policy := s.retry
	if _, inTx := txn.HandleFrom(ctx); inTx {
		// a failed statement may already have aborted the transaction
		policy = nil
	}
	return retry.Do(ctx, policy, func(ctx context.Context) error {
		return s.store.Write(ctx, id, snap)
	})
}

// Evaluate loads the machine stored under id, runs fn against it with
// rollback, and persists the resulting configuration whether fn failed or
// not. fn's error is returned unchanged, joined with the persist error when
// both fail.
func (s *Service) Evaluate(ctx context.Context, id string, fn rollback.ProcessFunc) (any, error) {
	return s.evaluateID(ctx, "evaluate", id, fn, s.guard)
}

// EvaluateTransactional is Evaluate with fn run inside a transaction that
// commits before the machine is released.
func (s *Service) EvaluateTransactional(ctx context.Context, id string, fn rollback.ProcessFunc) (any, error) {
	if s.txGuard == nil {
		return nil, ErrTransactionsDisabled
	}
	return s.evaluateID(ctx, "evaluate_transactional", id, fn, s.txGuard)
}

// EvaluateMachine runs fn against a machine the caller already holds and
// persists it under m.ID().
func (s *Service) EvaluateMachine(ctx context.Context, m machine.Machine, fn rollback.ProcessFunc) (any, error) {
	return s.evaluateMachine(ctx, "evaluate_machine", m, fn, s.guard)
}

func (s *Service) EvaluateMachineTransactional(ctx context.Context, m machine.Machine, fn rollback.ProcessFunc) (any, error) {
	if s.txGuard == nil {
		return nil, ErrTransactionsDisabled
	}
	return s.evaluateMachine(ctx, "evaluate_machine_transactional", m, fn, s.txGuard)
}

// Run is Evaluate for logic without a result.
func (s *Service) Run(ctx context.Context, id string, fn func(context.Context, machine.Machine) error) error {
	_, err := s.Evaluate(ctx, id, discardResult(fn))
	return err
}

func (s *Service) RunTransactional(ctx context.Context, id string, fn func(context.Context, machine.Machine) error) error {
	_, err := s.EvaluateTransactional(ctx, id, discardResult(fn))
	return err
}

func discardResult(fn func(context.Context, machine.Machine) error) rollback.ProcessFunc {
	if fn == nil {
		return nil
	}
	return func(ctx context.Context, m machine.Machine) (any, error) {
		return nil, fn(ctx, m)
	}
}

// evaluateID holds the service lock for id across load, run and persist so
// that concurrent evaluations of one id see each other's results.
func (s *Service) evaluateID(ctx context.Context, op, id string, fn rollback.ProcessFunc, g rollback.Guard) (result any, err error) {
	start := time.Now()
	defer func() { s.observe(op, start, err) }()

	if fn == nil {
		return nil, rollback.ErrProcessFuncRequired
	}
	if id == "" {
		return nil, ErrIDRequired
	}

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service: lock %q: %w", id, err)
	}
	defer unlock()

	m, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, op, id, m, fn, g)
}

func (s *Service) evaluateMachine(ctx context.Context, op string, m machine.Machine, fn rollback.ProcessFunc, g rollback.Guard) (result any, err error) {
	start := time.Now()
	defer func() { s.observe(op, start, err) }()

	if m == nil {
		return nil, rollback.ErrMachineRequired
	}
	if fn == nil {
		return nil, rollback.ErrProcessFuncRequired
	}
	id := m.ID()
	if id == "" {
		return nil, ErrIDRequired
	}

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service: lock %q: %w", id, err)
	}
	defer unlock()

	return s.run(ctx, op, id, m, fn, g)
}

func (s *Service) run(ctx context.Context, op, id string, m machine.Machine, fn rollback.ProcessFunc, g rollback.Guard) (any, error) {
	result, runErr := g.Run(ctx, m, fn)
	if runErr != nil {
		s.logger.Warn("state machine evaluation failed",
			slog.String("machine_id", id),
			slog.String("operation", op),
			slog.Any("error", runErr),
		)
	}

	persistErr := s.update(ctx, op, id, m)
	switch {
	case runErr != nil && persistErr != nil:
		return nil, errors.Join(runErr, persistErr)
	case runErr != nil:
		return nil, runErr
	case persistErr != nil:
		return nil, persistErr
	}
	return result, nil
}

// AvailableEvents lists the events the machine stored under id accepts.
func (s *Service) AvailableEvents(ctx context.Context, id string) ([]string, error) {
	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.AvailableEventsFor(ctx, m)
}

// AvailableEventsFor lists the events m accepts.
func (s *Service) AvailableEventsFor(ctx context.Context, m machine.Machine) ([]string, error) {
	if m == nil {
		return nil, rollback.ErrMachineRequired
	}
	if s.resolver == nil {
		return nil, ErrNoResolver
	}
	return s.resolver.AvailableEvents(ctx, m)
}

// Transactional reports whether the transactional operations are enabled.
func (s *Service) Transactional() bool { return s.txGuard != nil }
