package version

import (
	"fmt"
	"strings"
)

// Requirement operators.
const (
	OpEqual          = "="
	OpNotEqual       = "!="
	OpGreater        = ">"
	OpGreaterOrEqual = ">="
	OpLess           = "<"
	OpLessOrEqual    = "<="
	OpPessimistic    = "~>"
)

// Constraint pairs an operator with a version, e.g. "~> 3.2".
type Constraint struct {
	Operator string
	Version  Version
}

func (c Constraint) String() string {
	return fmt.Sprintf("%s %s", c.Operator, c.Version)
}

// Contains reports whether v satisfies the single constraint, ignoring the
// prerelease gate (see ConstraintSet.Match).
func (c Constraint) Contains(v Version) bool {
	cmp := Compare(v, c.Version)
	switch c.Operator {
	case OpEqual:
		return cmp == 0
	case OpNotEqual:
		return cmp != 0
	case OpGreater:
		return cmp > 0
	case OpGreaterOrEqual:
		return cmp >= 0
	case OpLess:
		return cmp < 0
	case OpLessOrEqual:
		return cmp <= 0
	case OpPessimistic:
		upper, err := c.Version.bump(len(c.Version.segments) - 2)
		if err != nil {
			return false
		}
		return cmp >= 0 && Compare(v, upper) < 0
	default:
		panic(fmt.Sprintf("unknown version constraint operator: %q", c.Operator))
	}
}

// ConstraintSet is a conjunction of constraints.
type ConstraintSet []Constraint

// operators in longest-match-first order so ">=" wins over ">".
var operators = []string{OpPessimistic, OpGreaterOrEqual, OpLessOrEqual, OpNotEqual, OpGreater, OpLess, OpEqual}

// ParseConstraint parses one "op version" pair. A missing operator means
// exact equality.
func ParseConstraint(s string) (Constraint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Constraint{}, fmt.Errorf("empty constraint")
	}

	op := OpEqual
	for _, candidate := range operators {
		if strings.HasPrefix(s, candidate) {
			op = candidate
			s = s[len(candidate):]
			break
		}
	}

	v, err := Parse(strings.TrimSpace(s))
	if err != nil {
		return Constraint{}, err
	}
	return Constraint{Operator: op, Version: v}, nil
}

// ParseConstraints parses a comma-separated conjunction such as
// ">= 1.0, < 2.0". Whitespace around operators and versions is tolerated.
func ParseConstraints(s string) (ConstraintSet, error) {
	var set ConstraintSet
	for _, piece := range strings.Split(s, ",") {
		if strings.TrimSpace(piece) == "" {
			continue
		}
		c, err := ParseConstraint(piece)
		if err != nil {
			return nil, fmt.Errorf("constraint %q: %w", strings.TrimSpace(piece), err)
		}
		set = append(set, c)
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("empty constraint list")
	}
	return set, nil
}

func (cs ConstraintSet) String() string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = c.String()
	}
	return strings.Join(parts, ", ")
}

// AllowsPrerelease reports whether any constraint in the set names a
// prerelease version. A prerelease only ever satisfies such a set.
func (cs ConstraintSet) AllowsPrerelease() bool {
	for _, c := range cs {
		if c.Version.Prerelease() {
			return true
		}
	}
	return false
}

// Match reports whether v satisfies every constraint in the set. A
// prerelease version is rejected outright unless some constraint itself
// references a prerelease version.
func (cs ConstraintSet) Match(v Version) bool {
	if v.Prerelease() && !cs.AllowsPrerelease() {
		return false
	}
	for _, c := range cs {
		if !c.Contains(v) {
			return false
		}
	}
	return true
}
