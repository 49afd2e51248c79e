package policy

import (
	"strings"

	"github.com/quantrail/identity/pkg/kernel"
)

// Effect is the outcome a policy contributes.
type Effect string

const (
	EffectAllow Effect = "ALLOW"
	EffectDeny  Effect = "DENY"
)

// ConditionKind selects the evaluator for a condition.
type ConditionKind string

const (
	// CondEquals matches when the context attribute equals Value.
	CondEquals ConditionKind = "equals"
	// CondIn matches when the context attribute is one of Values.
	CondIn ConditionKind = "in"
	// CondOwnership matches when the principal owns the trading account
	// named by the resource.
	CondOwnership ConditionKind = "ownership"
)

// Condition is one request-time predicate. A condition referencing a missing
// context attribute evaluates to false.
type Condition struct {
	Kind   ConditionKind `json:"kind"`
	Key    string        `json:"key,omitempty"`
	Value  string        `json:"value,omitempty"`
	Values []string      `json:"values,omitempty"`
}

// Policy is one access rule. Matchers support a trailing wildcard segment
// ("trading_account.*", "trading_account:*") and the bare "*".
type Policy struct {
	ID          string
	Description string
	Priority    int
	Effect      Effect
	Subjects    []string // "role:<name>", "user:<id>", "svc:<name>", "*"
	Actions     []string // dotted action names
	Resources   []string // "type:id" resource names
	Conditions  []Condition
}

// Input is one authorization question.
type Input struct {
	Principal kernel.Principal
	Action    string
	Resource  string
	Context   map[string]string
}

// Decision is the engine's answer. PolicyID names the rule that decided it;
// empty means the default deny.
type Decision struct {
	Allowed  bool
	PolicyID string
}

// Matches reports whether the policy applies to the input, conditions
// included.
func (p *Policy) Matches(in Input) bool {
	return matchAny(p.Subjects, subjectMatcher(in.Principal)) &&
		matchAny(p.Actions, func(pat string) bool { return globMatch(pat, in.Action, ".") }) &&
		matchAny(p.Resources, func(pat string) bool { return globMatch(pat, in.Resource, ":") }) &&
		p.conditionsHold(in)
}

func (p *Policy) conditionsHold(in Input) bool {
	for _, c := range p.Conditions {
		if !c.holds(in) {
			return false
		}
	}
	return true
}

func (c *Condition) holds(in Input) bool {
	switch c.Kind {
	case CondEquals:
		v, ok := in.Context[c.Key]
		return ok && v == c.Value
	case CondIn:
		v, ok := in.Context[c.Key]
		if !ok {
			return false
		}
		for _, candidate := range c.Values {
			if v == candidate {
				return true
			}
		}
		return false
	case CondOwnership:
		_, id, ok := strings.Cut(in.Resource, ":")
		return ok && in.Principal.OwnsAccount(kernel.NewAccountID(id))
	default:
		// Unknown condition kinds fail closed.
		return false
	}
}

func matchAny(patterns []string, match func(string) bool) bool {
	for _, pat := range patterns {
		if match(pat) {
			return true
		}
	}
	return false
}

func subjectMatcher(p kernel.Principal) func(string) bool {
	return func(pat string) bool {
		if pat == "*" {
			return true
		}
		kind, name, ok := strings.Cut(pat, ":")
		if !ok {
			return false
		}
		switch kind {
		case "role":
			return p.HasRole(name)
		case "user":
			return p.UserID.String() == name
		case "svc":
			return p.Service == name
		default:
			return false
		}
	}
}

// globMatch matches pattern against value where the pattern's final segment
// may be "*". "trading_account.*" matches "trading_account.read" but not
// "trading_account" itself.
func globMatch(pattern, value, sep string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, sep+"*"); ok {
		return strings.HasPrefix(value, prefix+sep)
	}
	return pattern == value
}
