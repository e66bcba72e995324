package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/linkflow/flowguard/internal/machine"
)

// CurrentSchemaVersion is the schema version written by Marshal.
const CurrentSchemaVersion = 1

var ErrUnsupportedVersion = errors.New("snapshot: unsupported schema version")

type versionedSnapshot struct {
	SchemaVersion int             `json:"schema_version"`
	Data          json.RawMessage `json:"data"`
}

// Marshal encodes s with schema version metadata.
func Marshal(s *machine.Snapshot) ([]byte, error) {
	if s == nil {
		return nil, errors.New("snapshot: cannot marshal nil snapshot")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return json.Marshal(versionedSnapshot{
		SchemaVersion: CurrentSchemaVersion,
		Data:          data,
	})
}

// Unmarshal decodes data written by Marshal. Unversioned payloads are read
// as the current format. Integral numbers in variables decode as int64.
func Unmarshal(data []byte) (*machine.Snapshot, error) {
	var versioned versionedSnapshot
	if err := json.Unmarshal(data, &versioned); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot envelope: %w", err)
	}

	payload := data
	switch versioned.SchemaVersion {
	case 0:
	case 1:
		payload = versioned.Data
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, versioned.SchemaVersion)
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var s machine.Snapshot
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	normalize(&s)
	return &s, nil
}

func normalize(s *machine.Snapshot) {
	if s.ExtendedVariables == nil {
		s.ExtendedVariables = make(map[string]any)
	}
	if s.HistoryMemory == nil {
		s.HistoryMemory = make(map[string]string)
	}
	for k, v := range s.ExtendedVariables {
		s.ExtendedVariables[k] = normalizeValue(v)
	}
	for _, c := range s.Children {
		if c != nil {
			normalize(c)
		}
	}
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		for k, vv := range t {
			t[k] = normalizeValue(vv)
		}
		return t
	case []any:
		for i, vv := range t {
			t[i] = normalizeValue(vv)
		}
		return t
	default:
		return v
	}
}
