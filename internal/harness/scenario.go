package harness

import (
	"bytes"
	"fmt"
	"os"
	"regexp"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"

	"github.com/roach88/rootcheck/internal/check"
	"github.com/roach88/rootcheck/internal/probe"
	"github.com/roach88/rootcheck/internal/wrapper"
)

// Scenario is a named, ordered list of steps run against one root.
type Scenario struct {
	// Name identifies the scenario. Nested scenarios are reported as
	// "parent/child".
	Name string `yaml:"name"`

	Description string `yaml:"description,omitempty"`

	// Wrapper runs command_output probes. Nested scenarios inherit it
	// unless they set their own. The default is no wrapper.
	Wrapper *wrapper.Spec `yaml:"wrapper,omitempty"`

	// Policy applies to every assertion that has no policy of its own,
	// including those of nested scenarios.
	Policy *check.Policy `yaml:"policy,omitempty"`

	Steps []Step `yaml:"steps"`
}

// Step is exactly one of an assertion or a nested scenario.
type Step struct {
	Assert   *AssertionSpec `yaml:"assert,omitempty"`
	Scenario *Scenario      `yaml:"scenario,omitempty"`
}

// AssertionSpec is an assertion as written in a scenario file.
type AssertionSpec struct {
	Name       string            `yaml:"name"`
	Probe      ProbeSpec         `yaml:"probe"`
	Expect     Expect            `yaml:"expect"`
	Match      string            `yaml:"match,omitempty"`
	Fatal      bool              `yaml:"fatal,omitempty"`
	Policy     *check.Policy     `yaml:"policy,omitempty"`
	SkipUnless []check.Condition `yaml:"skip_unless,omitempty"`
}

// ProbeSpec is a probe as written in a scenario file. Command is split
// with shell quoting rules.
type ProbeSpec struct {
	Kind    string `yaml:"kind"`
	Path    string `yaml:"path,omitempty"`
	Command string `yaml:"command,omitempty"`
}

// Expect is either a literal scalar or a mapping with a reference probe:
//
//	expect: true
//	expect: "1,7,0666"
//	expect: {reference: {kind: read_file, path: /etc/debian_version}}
type Expect struct {
	Value     any
	Reference *ProbeSpec
}

// UnmarshalYAML decodes the scalar or reference form.
func (e *Expect) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.MappingNode {
		var ref struct {
			Reference *ProbeSpec `yaml:"reference"`
		}
		if err := node.Decode(&ref); err != nil {
			return err
		}
		if ref.Reference == nil {
			return fmt.Errorf("line %d: expect mapping needs a reference probe", node.Line)
		}
		e.Reference = ref.Reference
		return nil
	}
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expect must be a scalar or a reference", node.Line)
	}
	return node.Decode(&e.Value)
}

// IsSet reports whether an expected value was given.
func (e Expect) IsSet() bool {
	return e.Value != nil || e.Reference != nil
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields, or fails validation.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "asert:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateSchema(data); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks what the schema cannot: one of assert or
// scenario per step, unique step names, probe arguments per kind, and
// parseable patterns and conditions.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("%s: steps list is required and must be non-empty", s.Name)
	}
	if s.Wrapper != nil {
		// The executable is only known at run time.
		if _, err := wrapper.FromSpec(*s.Wrapper, "rootcheck"); err != nil {
			return fmt.Errorf("%s: %w", s.Name, err)
		}
	}
	if s.Policy != nil {
		if err := s.Policy.Validate(); err != nil {
			return fmt.Errorf("%s: policy: %w", s.Name, err)
		}
	}

	seen := make(map[string]bool)
	for i, step := range s.Steps {
		var name string
		switch {
		case step.Assert != nil && step.Scenario != nil:
			return fmt.Errorf("%s: steps[%d]: assert and scenario are mutually exclusive", s.Name, i)
		case step.Assert != nil:
			if err := validateAssertion(step.Assert); err != nil {
				return fmt.Errorf("%s: steps[%d]: %w", s.Name, i, err)
			}
			name = step.Assert.Name
		case step.Scenario != nil:
			if err := validateScenario(step.Scenario); err != nil {
				return fmt.Errorf("%s: steps[%d]: %w", s.Name, i, err)
			}
			name = step.Scenario.Name
		default:
			return fmt.Errorf("%s: steps[%d]: assert or scenario is required", s.Name, i)
		}
		if seen[name] {
			return fmt.Errorf("%s: steps[%d]: duplicate name %q", s.Name, i, name)
		}
		seen[name] = true
	}
	return nil
}

// validateAssertion validates a single assertion based on its probe kind.
func validateAssertion(a *AssertionSpec) error {
	if a.Name == "" {
		return fmt.Errorf("name is required")
	}
	if err := validateProbe(a.Probe); err != nil {
		return fmt.Errorf("%s: probe: %w", a.Name, err)
	}
	if !a.Expect.IsSet() {
		return fmt.Errorf("%s: expect is required", a.Name)
	}
	if a.Expect.Reference != nil {
		if err := validateProbe(*a.Expect.Reference); err != nil {
			return fmt.Errorf("%s: expect.reference: %w", a.Name, err)
		}
	}

	switch check.Match(a.Match) {
	case "", check.MatchEqual:
	case check.MatchPattern:
		pattern, ok := a.Expect.Value.(string)
		if !ok {
			return fmt.Errorf("%s: pattern match needs a string expectation", a.Name)
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("%s: bad pattern: %w", a.Name, err)
		}
	default:
		return fmt.Errorf("%s: unknown match %q", a.Name, a.Match)
	}

	if a.Policy != nil {
		if err := a.Policy.Validate(); err != nil {
			return fmt.Errorf("%s: policy: %w", a.Name, err)
		}
	}
	for i, c := range a.SkipUnless {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("%s: skip_unless[%d]: %w", a.Name, i, err)
		}
	}
	return nil
}

func validateProbe(p ProbeSpec) error {
	kind, err := probe.ParseKind(p.Kind)
	if err != nil {
		return err
	}
	if kind == probe.KindCommandOutput {
		if p.Path != "" {
			return fmt.Errorf("command_output takes a command, not a path")
		}
		argv, err := shlex.Split(p.Command)
		if err != nil {
			return fmt.Errorf("command %q: %w", p.Command, err)
		}
		if len(argv) == 0 {
			return fmt.Errorf("command is required for command_output")
		}
		return nil
	}
	if p.Command != "" {
		return fmt.Errorf("%s takes a path, not a command", kind)
	}
	if p.Path == "" {
		return fmt.Errorf("path is required for %s", kind)
	}
	return nil
}

// spec converts p into a probe.Spec.
func (p ProbeSpec) spec() (probe.Spec, error) {
	kind, err := probe.ParseKind(p.Kind)
	if err != nil {
		return probe.Spec{}, err
	}
	s := probe.Spec{Kind: kind, Path: p.Path}
	if p.Command != "" {
		if s.Command, err = shlex.Split(p.Command); err != nil {
			return probe.Spec{}, fmt.Errorf("command %q: %w", p.Command, err)
		}
	}
	return s, nil
}

// assertion converts a into a check.Assertion. inherited is the policy of
// the enclosing scenario, used when a has none.
func (a *AssertionSpec) assertion(inherited *check.Policy) (check.Assertion, error) {
	spec, err := a.Probe.spec()
	if err != nil {
		return check.Assertion{}, fmt.Errorf("%s: %w", a.Name, err)
	}

	out := check.Assertion{
		Name:       a.Name,
		Probe:      spec,
		Match:      check.Match(a.Match),
		Fatal:      a.Fatal,
		SkipUnless: a.SkipUnless,
	}
	if out.Match == "" {
		out.Match = check.MatchEqual
	}

	switch {
	case a.Policy != nil:
		out.Policy = *a.Policy
	case inherited != nil:
		out.Policy = *inherited
	default:
		out.Policy = check.Required()
	}

	if a.Expect.Reference != nil {
		ref, err := a.Expect.Reference.spec()
		if err != nil {
			return check.Assertion{}, fmt.Errorf("%s: reference: %w", a.Name, err)
		}
		out.Expect = check.ReferenceTo(ref)
	} else {
		out.Expect = check.Literal(a.Expect.Value)
	}
	return out, nil
}
