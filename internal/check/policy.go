package check

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/rootcheck/internal/envctx"
)

// Condition is a predicate over the environment. Every field that is set
// must hold; a Condition with no fields set always holds.
type Condition struct {
	// KernelBelow holds when the running kernel is older than "major.minor".
	KernelBelow string `yaml:"kernel_below,omitempty" json:"kernel_below,omitempty"`

	// Container holds when the detected container type is listed. "*"
	// matches any container.
	Container []string `yaml:"container,omitempty" json:"container,omitempty"`

	// Virtualization holds when the detected hypervisor is listed. "*"
	// matches any hypervisor.
	Virtualization []string `yaml:"virtualization,omitempty" json:"virtualization,omitempty"`

	// MissingCapability holds when any listed capability is absent.
	MissingCapability []envctx.Capability `yaml:"missing_capability,omitempty" json:"missing_capability,omitempty"`
}

// Validate checks the condition's syntax.
func (c Condition) Validate() error {
	if c.KernelBelow != "" {
		if _, _, err := parseMajorMinor(c.KernelBelow); err != nil {
			return err
		}
	}
	return nil
}

// Holds evaluates the condition against env.
func (c Condition) Holds(env envctx.Context) bool {
	if c.KernelBelow != "" {
		major, minor, err := parseMajorMinor(c.KernelBelow)
		if err != nil || !env.KernelBelow(major, minor) {
			return false
		}
	}
	if len(c.Container) > 0 && !matchesDetected(c.Container, env.Container) {
		return false
	}
	if len(c.Virtualization) > 0 && !matchesDetected(c.Virtualization, env.Virtualization) {
		return false
	}
	if len(c.MissingCapability) > 0 {
		missing := false
		for _, capability := range c.MissingCapability {
			if !env.Has(capability) {
				missing = true
				break
			}
		}
		if !missing {
			return false
		}
	}
	return true
}

func (c Condition) String() string {
	var parts []string
	if c.KernelBelow != "" {
		parts = append(parts, "kernel<"+c.KernelBelow)
	}
	if len(c.Container) > 0 {
		parts = append(parts, "container in "+strings.Join(c.Container, "|"))
	}
	if len(c.Virtualization) > 0 {
		parts = append(parts, "virt in "+strings.Join(c.Virtualization, "|"))
	}
	for _, capability := range c.MissingCapability {
		parts = append(parts, "no "+string(capability))
	}
	if len(parts) == 0 {
		return "always"
	}
	return strings.Join(parts, " and ")
}

func matchesDetected(allowed []string, detected string) bool {
	if detected == "" {
		return false
	}
	for _, a := range allowed {
		if a == "*" || a == detected {
			return true
		}
	}
	return false
}

func parseMajorMinor(s string) (int, int, error) {
	major, minor, ok := strings.Cut(s, ".")
	if !ok {
		return 0, 0, fmt.Errorf("kernel_below %q: want major.minor", s)
	}
	maj, err := strconv.Atoi(major)
	if err != nil {
		return 0, 0, fmt.Errorf("kernel_below %q: %w", s, err)
	}
	mnr, err := strconv.Atoi(minor)
	if err != nil {
		return 0, 0, fmt.Errorf("kernel_below %q: %w", s, err)
	}
	return maj, mnr, nil
}

// AnyHolds reports whether at least one condition holds, and which.
func AnyHolds(conds []Condition, env envctx.Context) (Condition, bool) {
	for _, c := range conds {
		if c.Holds(env) {
			return c, true
		}
	}
	return Condition{}, false
}

// ExpectedFailure marks a known failure. It is active when any of When
// holds; an empty When means always.
type ExpectedFailure struct {
	Reason string      `yaml:"reason,omitempty" json:"reason,omitempty"`
	When   []Condition `yaml:"when,omitempty" json:"when,omitempty"`
}

// Policy decides how a mismatch is classified. The zero value is
// "required".
type Policy struct {
	ExpectedFailure *ExpectedFailure `yaml:"expected_failure,omitempty" json:"expected_failure,omitempty"`
}

// Required is the policy under which every mismatch is a failure.
func Required() Policy {
	return Policy{}
}

// ExpectedFailureUnder builds an expected-failure policy.
func ExpectedFailureUnder(reason string, when ...Condition) Policy {
	return Policy{ExpectedFailure: &ExpectedFailure{Reason: reason, When: when}}
}

// IsRequired reports whether p is the required policy.
func (p Policy) IsRequired() bool {
	return p.ExpectedFailure == nil
}

// ExpectsFailure reports whether a failure is expected in env, and a
// description of why.
func (p Policy) ExpectsFailure(env envctx.Context) (string, bool) {
	if p.ExpectedFailure == nil {
		return "", false
	}
	if len(p.ExpectedFailure.When) == 0 {
		return p.describe(Condition{}), true
	}
	cond, ok := AnyHolds(p.ExpectedFailure.When, env)
	if !ok {
		return "", false
	}
	return p.describe(cond), true
}

func (p Policy) describe(c Condition) string {
	if p.ExpectedFailure.Reason != "" {
		return fmt.Sprintf("%s (%s)", p.ExpectedFailure.Reason, c)
	}
	return c.String()
}

// Validate checks every condition.
func (p Policy) Validate() error {
	if p.ExpectedFailure == nil {
		return nil
	}
	for i, c := range p.ExpectedFailure.When {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("expected_failure.when[%d]: %w", i, err)
		}
	}
	return nil
}
