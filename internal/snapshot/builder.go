// Package snapshot captures and copies the configuration of hierarchical
// machines.
package snapshot

import (
	"errors"
	"fmt"

	"github.com/linkflow/flowguard/internal/machine"
)

var (
	ErrNilMachine   = errors.New("snapshot: nil machine")
	ErrEmptyIDChain = errors.New("snapshot: submachine state has empty id chain")
	ErrUnknownKind  = errors.New("snapshot: unknown state kind")
)

// Build captures the current configuration of m. It never mutates m.
func Build(m machine.Machine) (*machine.Snapshot, error) {
	if m == nil {
		return nil, ErrNilMachine
	}

	snap := &machine.Snapshot{
		MachineID:         m.ID(),
		ExtendedVariables: copyVariables(m.Variables()),
		HistoryMemory:     make(map[string]string),
	}

	state := m.State()
	switch state.Kind {
	case machine.KindLeaf:
		snap.ActiveID = state.ID
	case machine.KindSubmachine:
		if len(state.IDs) == 0 {
			return nil, fmt.Errorf("%w: state %q", ErrEmptyIDChain, state.ID)
		}
		snap.ActiveID = state.IDs[len(state.IDs)-1]
	case machine.KindOrthogonal:
		snap.ActiveID = state.ID
		snap.Children = make([]*machine.Snapshot, 0, len(state.Regions))
		for i, region := range state.Regions {
			child, err := Build(region)
			if err != nil {
				return nil, fmt.Errorf("region %d of %q: %w", i, state.ID, err)
			}
			snap.Children = append(snap.Children, child)
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, state.Kind)
	}

	if remembered, ok := m.History(); ok {
		snap.HistoryMemory[machine.RootHistoryKey] = remembered
	}
	for _, s := range m.States() {
		if s.Kind != machine.KindSubmachine || s.Submachine == nil {
			continue
		}
		if remembered, ok := s.Submachine.History(); ok && remembered != "" {
			snap.HistoryMemory[s.ID] = remembered
		}
	}

	return snap, nil
}

func copyVariables(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = cloneValue(v)
	}
	return dst
}
