package workflow

import (
	"context"
	_ "embed"
)

// Variables used by the feature workflow.
const (
	VarCounter        = "counter"
	VarQAPassed       = "qa_passed"
	VarSecurityPassed = "security_passed"
)

//go:embed feature.yaml
var featureYAML []byte

// FeatureDefinition returns the bundled feature-delivery workflow.
func FeatureDefinition() (*Definition, error) {
	return ParseDefinition(featureYAML)
}

// FeatureOptions returns the actions and guards the feature workflow needs.
func FeatureOptions() []Option {
	return []Option{
		WithAction("increment", Increment(VarCounter)),
		WithAction("markQA", SetVariable(VarQAPassed, true)),
		WithAction("markSecurity", SetVariable(VarSecurityPassed, true)),
		WithAction("resetChecks", func(ctx context.Context, m *Machine) error {
			m.Set(VarQAPassed, false)
			m.Set(VarSecurityPassed, false)
			return nil
		}),
		WithGuard("checksPassed", func(ctx context.Context, m *Machine) bool {
			qa, _ := m.Get(VarQAPassed)
			sec, _ := m.Get(VarSecurityPassed)
			return qa == true && sec == true
		}),
	}
}

// Increment returns an action adding one to the integer variable key.
func Increment(key string) Action {
	return func(ctx context.Context, m *Machine) error {
		m.Set(key, m.Int(key)+1)
		return nil
	}
}

// SetVariable returns an action storing v under key.
func SetVariable(key string, v any) Action {
	return func(ctx context.Context, m *Machine) error {
		m.Set(key, v)
		return nil
	}
}
