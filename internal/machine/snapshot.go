package machine

// Snapshot is a detached, serializable copy of a machine's configuration.
type Snapshot struct {
	MachineID         string            `json:"machine_id"`
	ActiveID          string            `json:"active_id"`
	Children          []*Snapshot       `json:"children,omitempty"`
	ExtendedVariables map[string]any    `json:"extended_variables"`
	HistoryMemory     map[string]string `json:"history_memory"`
}

// Child returns the i-th region snapshot or nil.
func (s *Snapshot) Child(i int) *Snapshot {
	if s == nil || i < 0 || i >= len(s.Children) {
		return nil
	}
	return s.Children[i]
}

// RootHistory returns the state remembered by the root history pseudo-state.
func (s *Snapshot) RootHistory() (string, bool) {
	if s == nil || s.HistoryMemory == nil {
		return "", false
	}
	v, ok := s.HistoryMemory[RootHistoryKey]
	return v, ok
}
