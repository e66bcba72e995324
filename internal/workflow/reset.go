package workflow

import (
	"context"
	"fmt"
	"maps"

	"github.com/linkflow/flowguard/internal/machine"
)

// Reset stops the machine, applies s to it and every nested level, and
// starts it again. The active id of s may name a state at any submachine
// depth; the first match in declaration order wins.
func (m *Machine) Reset(ctx context.Context, s *machine.Snapshot) error {
	if s == nil {
		return ErrNilSnapshot
	}
	if err := m.Stop(ctx); err != nil {
		return err
	}

	if m.root {
		m.vars.mu.Lock()
		m.vars.m = maps.Clone(s.ExtendedVariables)
		if m.vars.m == nil {
			m.vars.m = make(map[string]any)
		}
		m.vars.mu.Unlock()
	}

	if err := m.apply(s); err != nil {
		return err
	}
	return m.Start(ctx)
}

func (m *Machine) apply(s *machine.Snapshot) error {
	var path []string
	if s.ActiveID != "" {
		var ok bool
		if path, ok = m.pathTo(s.ActiveID); !ok {
			return fmt.Errorf("%w: %q in %s", ErrUnknownState, s.ActiveID, m.label())
		}
	}

	m.setRemembered(s.HistoryMemory[machine.RootHistoryKey])
	m.applySubmachineHistory(s.HistoryMemory)

	if path == nil {
		m.clear()
		return nil
	}
	return m.applyPath(path, s)
}

func (m *Machine) applySubmachineHistory(h map[string]string) {
	for _, sd := range m.def.States {
		if n := m.nodes[sd.ID]; n.sub != nil {
			n.sub.setRemembered(h[sd.ID])
			n.sub.applySubmachineHistory(h)
		}
	}
}

func (m *Machine) applyPath(path []string, s *machine.Snapshot) error {
	target := path[0]
	for id, n := range m.nodes {
		if id == target {
			continue
		}
		if n.sub != nil {
			n.sub.clear()
		}
		for _, r := range n.regions {
			r.clear()
		}
	}

	m.mu.Lock()
	m.active = target
	m.mu.Unlock()

	n := m.nodes[target]
	switch {
	case len(path) > 1:
		return n.sub.applyPath(path[1:], s)
	case n.sub != nil:
		n.sub.clear()
	case len(n.regions) > 0:
		for i, r := range n.regions {
			child := s.Child(i)
			if child == nil {
				r.clear()
				continue
			}
			if err := r.apply(child); err != nil {
				return fmt.Errorf("region %d of %q: %w", i, target, err)
			}
		}
	}
	return nil
}

// pathTo returns the chain of state ids from this level down to id.
func (m *Machine) pathTo(id string) ([]string, bool) {
	if _, ok := m.nodes[id]; ok {
		return []string{id}, true
	}
	for _, sd := range m.def.States {
		n := m.nodes[sd.ID]
		if n.sub == nil {
			continue
		}
		if p, ok := n.sub.pathTo(id); ok {
			return append([]string{sd.ID}, p...), true
		}
	}
	return nil, false
}
