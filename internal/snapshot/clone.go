package snapshot

import (
	"maps"
	"reflect"
	"slices"

	"github.com/linkflow/flowguard/internal/machine"
)

// Clone returns a deep copy of s. Variable values other than maps and slices
// are copied by value.
func Clone(s *machine.Snapshot) *machine.Snapshot {
	if s == nil {
		return nil
	}
	out := &machine.Snapshot{
		MachineID:         s.MachineID,
		ActiveID:          s.ActiveID,
		ExtendedVariables: copyVariables(s.ExtendedVariables),
		HistoryMemory:     maps.Clone(s.HistoryMemory),
	}
	if out.HistoryMemory == nil {
		out.HistoryMemory = make(map[string]string)
	}
	if s.Children != nil {
		out.Children = make([]*machine.Snapshot, len(s.Children))
		for i, c := range s.Children {
			out.Children[i] = Clone(c)
		}
	}
	return out
}

// Equal reports whether two snapshots describe the same configuration.
func Equal(a, b *machine.Snapshot) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.MachineID != b.MachineID || a.ActiveID != b.ActiveID {
		return false
	}
	if !maps.Equal(nonNilStrings(a.HistoryMemory), nonNilStrings(b.HistoryMemory)) {
		return false
	}
	if len(a.ExtendedVariables) != len(b.ExtendedVariables) {
		return false
	}
	for k, av := range a.ExtendedVariables {
		bv, ok := b.ExtendedVariables[k]
		if !ok || !reflect.DeepEqual(av, bv) {
			return false
		}
	}
	return slices.EqualFunc(a.Children, b.Children, Equal)
}

func nonNilStrings(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	case map[string]string:
		return maps.Clone(t)
	case []string:
		return slices.Clone(t)
	case []byte:
		return slices.Clone(t)
	default:
		return v
	}
}
