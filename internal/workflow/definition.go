package workflow

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidDefinition = errors.New("workflow: invalid definition")
	ErrUnknownAction     = errors.New("workflow: unknown action")
	ErrUnknownGuard      = errors.New("workflow: unknown guard")
)

// Definition describes one machine level: its states, the transitions
// between them and, through StateDef, any nested machines.
type Definition struct {
	Name        string          `yaml:"name"`
	Initial     string          `yaml:"initial"`
	History     bool            `yaml:"history"`
	States      []StateDef      `yaml:"states"`
	Transitions []TransitionDef `yaml:"transitions"`
}

// StateDef is a leaf state, a submachine state (Submachine set) or an
// orthogonal state (Regions set).
type StateDef struct {
	ID         string        `yaml:"id"`
	Submachine *Definition   `yaml:"submachine,omitempty"`
	Regions    []*Definition `yaml:"regions,omitempty"`
}

// TransitionDef fires on Event while Source is active. An empty Target makes
// it an internal transition that only runs its actions.
type TransitionDef struct {
	Source  string   `yaml:"source"`
	Target  string   `yaml:"target,omitempty"`
	Event   string   `yaml:"event"`
	Guard   string   `yaml:"guard,omitempty"`
	Actions []string `yaml:"actions,omitempty"`
}

// ParseDefinition decodes and validates a YAML definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("workflow: parse definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinition reads a YAML definition from path.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflow: read definition: %w", err)
	}
	return ParseDefinition(data)
}

// Validate checks d and every nested level, filling in a missing Initial.
// Regions below a submachine and history inside a region are rejected: a
// snapshot records neither, so a restore could not bring them back.
func (d *Definition) Validate() error {
	return d.validate(scope{})
}

// scope says where a definition sits in the tree.
type scope struct {
	inSubmachine bool
	inRegion     bool
}

func (d *Definition) validate(sc scope) error {
	if d == nil {
		return fmt.Errorf("%w: nil definition", ErrInvalidDefinition)
	}
	if len(d.States) == 0 {
		return fmt.Errorf("%w: %q has no states", ErrInvalidDefinition, d.Name)
	}
	if d.History && sc.inRegion {
		return fmt.Errorf("%w: %q enables history inside a region", ErrInvalidDefinition, d.Name)
	}

	ids := make(map[string]bool, len(d.States))
	for _, s := range d.States {
		if s.ID == "" {
			return fmt.Errorf("%w: %q has a state without id", ErrInvalidDefinition, d.Name)
		}
		if ids[s.ID] {
			return fmt.Errorf("%w: duplicate state %q in %q", ErrInvalidDefinition, s.ID, d.Name)
		}
		ids[s.ID] = true

		if s.Submachine != nil && len(s.Regions) > 0 {
			return fmt.Errorf("%w: state %q is both submachine and orthogonal", ErrInvalidDefinition, s.ID)
		}
		if len(s.Regions) > 0 && sc.inSubmachine {
			return fmt.Errorf("%w: state %q has regions inside a submachine", ErrInvalidDefinition, s.ID)
		}
		if s.Submachine != nil {
			if err := s.Submachine.validate(scope{inSubmachine: true, inRegion: sc.inRegion}); err != nil {
				return fmt.Errorf("state %q: %w", s.ID, err)
			}
		}
		for i, r := range s.Regions {
			if err := r.validate(scope{inSubmachine: sc.inSubmachine, inRegion: true}); err != nil {
				return fmt.Errorf("state %q region %d: %w", s.ID, i, err)
			}
		}
	}

	if d.Initial == "" {
		d.Initial = d.States[0].ID
	}
	if !ids[d.Initial] {
		return fmt.Errorf("%w: initial state %q not declared in %q", ErrInvalidDefinition, d.Initial, d.Name)
	}

	for _, t := range d.Transitions {
		if t.Event == "" {
			return fmt.Errorf("%w: transition from %q has no event", ErrInvalidDefinition, t.Source)
		}
		if !ids[t.Source] {
			return fmt.Errorf("%w: transition source %q not declared in %q", ErrInvalidDefinition, t.Source, d.Name)
		}
		if t.Target != "" && !ids[t.Target] {
			return fmt.Errorf("%w: transition target %q not declared in %q", ErrInvalidDefinition, t.Target, d.Name)
		}
	}
	return nil
}

// walk calls fn for d and every nested definition.
func (d *Definition) walk(fn func(*Definition)) {
	fn(d)
	for _, s := range d.States {
		if s.Submachine != nil {
			s.Submachine.walk(fn)
		}
		for _, r := range s.Regions {
			r.walk(fn)
		}
	}
}
