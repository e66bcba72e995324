package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/linkflow/flowguard/internal/machine"
)

var ErrUnsupportedMachine = errors.New("workflow: machine was not built by this package")

// Factory builds started machines from one definition.
type Factory struct {
	def  *Definition
	opts []Option
}

// NewFactory validates def and the options against it once, up front.
func NewFactory(def *Definition, opts ...Option) (*Factory, error) {
	if _, err := New(def, "", opts...); err != nil {
		return nil, err
	}
	return &Factory{def: def, opts: opts}, nil
}

// New builds and starts a machine with the given id.
func (f *Factory) New(ctx context.Context, id string) (machine.Machine, error) {
	m, err := New(f.def, id, f.opts...)
	if err != nil {
		return nil, err
	}
	if err := m.Start(ctx); err != nil {
		return nil, fmt.Errorf("workflow: start %q: %w", id, err)
	}
	return m, nil
}

// Resolver lists the events a machine built by this package accepts.
type Resolver struct{}

func (Resolver) AvailableEvents(ctx context.Context, m machine.Machine) ([]string, error) {
	wm, ok := m.(*Machine)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedMachine, m)
	}
	return wm.AvailableEvents(ctx), nil
}
