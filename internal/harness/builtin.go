package harness

import (
	_ "embed"
	"fmt"
)

//go:embed scenarios/debootstrap.yaml
var debootstrapScenario []byte

// BuiltinName is the name of the embedded scenario.
const BuiltinName = "debootstrap"

// Builtin returns the embedded debootstrap scenario.
func Builtin() (*Scenario, error) {
	s, err := ParseScenario(debootstrapScenario)
	if err != nil {
		return nil, fmt.Errorf("builtin scenario: %w", err)
	}
	return s, nil
}
