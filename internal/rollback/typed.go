package rollback

import (
	"context"

	"github.com/linkflow/flowguard/internal/machine"
)

// Evaluate runs fn through g and returns its typed result.
func Evaluate[T any](ctx context.Context, g Guard, m machine.Machine, fn func(context.Context, machine.Machine) (T, error)) (T, error) {
	var zero T
	if fn == nil {
		return zero, ErrProcessFuncRequired
	}
	res, err := g.Run(ctx, m, func(ctx context.Context, m machine.Machine) (any, error) {
		return fn(ctx, m)
	})
	if err != nil {
		return zero, err
	}
	v, _ := res.(T)
	return v, nil
}

// Do runs fn through g for its side effects only.
func Do(ctx context.Context, g Guard, m machine.Machine, fn func(context.Context, machine.Machine) error) error {
	if fn == nil {
		return ErrProcessFuncRequired
	}
	_, err := g.Run(ctx, m, func(ctx context.Context, m machine.Machine) (any, error) {
		return nil, fn(ctx, m)
	})
	return err
}
