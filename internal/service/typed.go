package service

import (
	"context"

	"github.com/linkflow/flowguard/internal/machine"
	"github.com/linkflow/flowguard/internal/rollback"
)

// Evaluate is Service.Evaluate with a typed result.
func Evaluate[T any](ctx context.Context, s *Service, id string, fn func(context.Context, machine.Machine) (T, error)) (T, error) {
	return typed(fn, func(pf rollback.ProcessFunc) (any, error) {
		return s.Evaluate(ctx, id, pf)
	})
}

// EvaluateTransactional is Service.EvaluateTransactional with a typed result.
func EvaluateTransactional[T any](ctx context.Context, s *Service, id string, fn func(context.Context, machine.Machine) (T, error)) (T, error) {
	return typed(fn, func(pf rollback.ProcessFunc) (any, error) {
		return s.EvaluateTransactional(ctx, id, pf)
	})
}

func typed[T any](fn func(context.Context, machine.Machine) (T, error), call func(rollback.ProcessFunc) (any, error)) (T, error) {
	var zero T
	if fn == nil {
		return zero, rollback.ErrProcessFuncRequired
	}
	res, err := call(func(ctx context.Context, m machine.Machine) (any, error) {
		return fn(ctx, m)
	})
	if err != nil {
		return zero, err
	}
	v, _ := res.(T)
	return v, nil
}
