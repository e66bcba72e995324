// Package machinetest provides an in-memory machine.Machine for tests.
package machinetest

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/linkflow/flowguard/internal/machine"
)

// Fake is a configurable machine. A Fake with Regions is orthogonal, one with
// Sub is a submachine state whose active leaf lives in Sub.
type Fake struct {
	mu sync.Mutex

	id       string
	instance uuid.UUID

	active     string
	sub        *Fake
	regions    []*Fake
	vars       map[string]any
	hasHistory bool
	remembered string
	declared   []*Fake

	resets   int
	resetErr error
}

func New(id, active string) *Fake {
	return &Fake{
		id:       id,
		instance: uuid.New(),
		active:   active,
		vars:     make(map[string]any),
	}
}

// WithSubmachine makes the active state a submachine state delegating to sub.
func (f *Fake) WithSubmachine(sub *Fake) *Fake {
	f.sub = sub
	f.declared = append(f.declared, sub)
	return f
}

func (f *Fake) WithRegions(regions ...*Fake) *Fake {
	f.regions = regions
	return f
}

// WithHistory gives the machine a history pseudo-state remembering state.
func (f *Fake) WithHistory(state string) *Fake {
	f.hasHistory = true
	f.remembered = state
	return f
}

func (f *Fake) FailReset(err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetErr = err
	return f
}

func (f *Fake) ID() string            { return f.id }
func (f *Fake) InstanceID() uuid.UUID { return f.instance }

func (f *Fake) State() machine.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case len(f.regions) > 0:
		regions := make([]machine.Machine, len(f.regions))
		for i, r := range f.regions {
			regions[i] = r
		}
		return machine.State{ID: f.active, Kind: machine.KindOrthogonal, Regions: regions}
	case f.sub != nil:
		return machine.State{ID: f.active, Kind: machine.KindSubmachine, IDs: f.sub.chain(f.active), Submachine: f.sub}
	default:
		return machine.State{ID: f.active, Kind: machine.KindLeaf}
	}
}

func (f *Fake) chain(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := []string{prefix, f.active}
	if f.sub != nil {
		return append([]string{prefix}, f.sub.chain(f.active)...)
	}
	return ids
}

func (f *Fake) States() []machine.State {
	f.mu.Lock()
	declared := slices.Clone(f.declared)
	f.mu.Unlock()

	var out []machine.State
	for _, d := range declared {
		out = append(out, machine.State{ID: d.id, Kind: machine.KindSubmachine, Submachine: d})
		out = append(out, d.States()...)
	}
	return out
}

func (f *Fake) Variables() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return maps.Clone(f.vars)
}

func (f *Fake) History() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remembered, f.hasHistory
}

func (f *Fake) Start(context.Context) error { return nil }
func (f *Fake) Stop(context.Context) error  { return nil }

func (f *Fake) Reset(ctx context.Context, s *machine.Snapshot) error {
	f.mu.Lock()
	if f.resetErr != nil {
		err := f.resetErr
		f.mu.Unlock()
		return err
	}
	f.resets++
	f.vars = maps.Clone(s.ExtendedVariables)
	if f.vars == nil {
		f.vars = make(map[string]any)
	}
	if v, ok := s.RootHistory(); ok {
		f.remembered = v
	}
	sub, regions := f.sub, f.regions
	if sub == nil {
		f.active = s.ActiveID
	}
	f.mu.Unlock()

	if sub != nil {
		sub.mu.Lock()
		sub.active = s.ActiveID
		sub.mu.Unlock()
	}
	for i, r := range regions {
		if child := s.Child(i); child != nil {
			if err := r.Reset(ctx, child); err != nil {
				return err
			}
		}
	}
	return nil
}

// Set writes an extended variable.
func (f *Fake) Set(key string, v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vars[key] = v
}

func (f *Fake) Get(key string) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vars[key]
}

// Move changes the active state without any transition logic.
func (f *Fake) Move(state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = state
}

func (f *Fake) Active() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *Fake) Resets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

var _ machine.Machine = (*Fake)(nil)
