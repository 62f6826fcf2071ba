package version

import (
	"fmt"
	"strings"
)

// Range is a contiguous interval of versions with optional endpoints. A nil
// endpoint is unbounded. Excluded versions carry "!=" constraints, which a
// single interval cannot represent; Contains treats them as punched-out
// points and the solver filters candidates against them.
type Range struct {
	Min          *Version
	Max          *Version
	MinInclusive bool
	MaxInclusive bool

	Excludes []Version

	empty bool
}

// AnyRange returns the universal range.
func AnyRange() Range { return Range{} }

// EmptyRange returns the range containing no versions.
func EmptyRange() Range { return Range{empty: true} }

// Exact returns the range containing exactly v.
func Exact(v Version) Range {
	return Range{Min: &v, Max: &v, MinInclusive: true, MaxInclusive: true}
}

// IsAny reports whether the range admits every version.
func (r Range) IsAny() bool {
	return !r.empty && r.Min == nil && r.Max == nil && len(r.Excludes) == 0
}

// IsEmpty reports whether no version can satisfy the range.
func (r Range) IsEmpty() bool {
	if r.empty {
		return true
	}
	if r.Min == nil || r.Max == nil {
		return false
	}
	cmp := Compare(*r.Min, *r.Max)
	if cmp > 0 {
		return true
	}
	if cmp == 0 {
		if !(r.MinInclusive && r.MaxInclusive) {
			return true
		}
		for _, x := range r.Excludes {
			if x.Equal(*r.Min) {
				return true
			}
		}
	}
	return false
}

// Contains reports whether v lies within the range.
func (r Range) Contains(v Version) bool {
	if r.empty {
		return false
	}
	if r.Min != nil {
		cmp := Compare(v, *r.Min)
		if cmp < 0 || (cmp == 0 && !r.MinInclusive) {
			return false
		}
	}
	if r.Max != nil {
		cmp := Compare(v, *r.Max)
		if cmp > 0 || (cmp == 0 && !r.MaxInclusive) {
			return false
		}
	}
	for _, x := range r.Excludes {
		if x.Equal(v) {
			return false
		}
	}
	return true
}

// PrereleaseAllowed reports whether either endpoint references a prerelease,
// which opens the range to prerelease candidates during decisions.
func (r Range) PrereleaseAllowed() bool {
	if r.Min != nil && r.Min.Prerelease() {
		return true
	}
	if r.Max != nil && r.Max.Prerelease() {
		return true
	}
	return false
}

// cmpLower orders lower bounds; nil is negative infinity and an inclusive
// bound sits below an exclusive bound on the same version.
func cmpLower(av *Version, ai bool, bv *Version, bi bool) int {
	switch {
	case av == nil && bv == nil:
		return 0
	case av == nil:
		return -1
	case bv == nil:
		return 1
	}
	if c := Compare(*av, *bv); c != 0 {
		return c
	}
	switch {
	case ai == bi:
		return 0
	case ai:
		return -1
	default:
		return 1
	}
}

// cmpUpper orders upper bounds; nil is positive infinity and an inclusive
// bound sits above an exclusive bound on the same version.
func cmpUpper(av *Version, ai bool, bv *Version, bi bool) int {
	switch {
	case av == nil && bv == nil:
		return 0
	case av == nil:
		return 1
	case bv == nil:
		return -1
	}
	if c := Compare(*av, *bv); c != 0 {
		return c
	}
	switch {
	case ai == bi:
		return 0
	case ai:
		return 1
	default:
		return -1
	}
}

// Intersect tightens both endpoints; when the bounds meet on the same
// version the inclusivity flags are ANDed.
func Intersect(a, b Range) Range {
	if a.empty || b.empty {
		return EmptyRange()
	}

	out := Range{}
	if cmpLower(a.Min, a.MinInclusive, b.Min, b.MinInclusive) >= 0 {
		out.Min, out.MinInclusive = a.Min, a.MinInclusive
	} else {
		out.Min, out.MinInclusive = b.Min, b.MinInclusive
	}
	if a.Min != nil && b.Min != nil && Compare(*a.Min, *b.Min) == 0 {
		out.MinInclusive = a.MinInclusive && b.MinInclusive
	}

	if cmpUpper(a.Max, a.MaxInclusive, b.Max, b.MaxInclusive) <= 0 {
		out.Max, out.MaxInclusive = a.Max, a.MaxInclusive
	} else {
		out.Max, out.MaxInclusive = b.Max, b.MaxInclusive
	}
	if a.Max != nil && b.Max != nil && Compare(*a.Max, *b.Max) == 0 {
		out.MaxInclusive = a.MaxInclusive && b.MaxInclusive
	}

	out.Excludes = append(append([]Version(nil), a.Excludes...), b.Excludes...)
	if out.IsEmpty() {
		return EmptyRange()
	}
	return out
}

// AllowsAll reports whether every version admitted by other is admitted by
// r. Excluded points inside other make the answer false.
func (r Range) AllowsAll(other Range) bool {
	if other.empty || other.IsEmpty() {
		return true
	}
	if r.empty {
		return false
	}
	if cmpLower(r.Min, r.MinInclusive, other.Min, other.MinInclusive) > 0 {
		return false
	}
	if cmpUpper(r.Max, r.MaxInclusive, other.Max, other.MaxInclusive) < 0 {
		return false
	}
	for _, x := range r.Excludes {
		if other.Contains(x) {
			return false
		}
	}
	return true
}

// Intersects reports whether the two ranges share at least one point.
func (r Range) Intersects(other Range) bool {
	return !Intersect(r, other).IsEmpty()
}

func (r Range) String() string {
	switch {
	case r.empty:
		return "(none)"
	case r.IsAny():
		return ">= 0"
	}

	var parts []string
	if r.Min != nil && r.Max != nil && Compare(*r.Min, *r.Max) == 0 {
		parts = append(parts, fmt.Sprintf("= %s", *r.Min))
	} else {
		if r.Min != nil {
			op := OpGreater
			if r.MinInclusive {
				op = OpGreaterOrEqual
			}
			parts = append(parts, fmt.Sprintf("%s %s", op, *r.Min))
		}
		if r.Max != nil {
			op := OpLess
			if r.MaxInclusive {
				op = OpLessOrEqual
			}
			parts = append(parts, fmt.Sprintf("%s %s", op, *r.Max))
		}
	}
	for _, x := range r.Excludes {
		parts = append(parts, fmt.Sprintf("!= %s", x))
	}
	return strings.Join(parts, ", ")
}

// RangeFromConstraints folds a constraint set into a single interval.
// "!=" constraints are carried as excluded points and "~>" expands to its
// half-open pessimistic interval.
func RangeFromConstraints(cs ConstraintSet) (Range, error) {
	out := AnyRange()
	for _, c := range cs {
		var piece Range
		switch c.Operator {
		case OpEqual:
			piece = Exact(c.Version)
		case OpNotEqual:
			piece = Range{Excludes: []Version{c.Version}}
		case OpGreater:
			v := c.Version
			piece = Range{Min: &v}
		case OpGreaterOrEqual:
			v := c.Version
			piece = Range{Min: &v, MinInclusive: true}
		case OpLess:
			v := c.Version
			piece = Range{Max: &v}
		case OpLessOrEqual:
			v := c.Version
			piece = Range{Max: &v, MaxInclusive: true}
		case OpPessimistic:
			lower := c.Version
			upper, err := lower.bump(len(lower.segments) - 2)
			if err != nil {
				return Range{}, fmt.Errorf("pessimistic constraint %q: %w", c, err)
			}
			piece = Range{Min: &lower, MinInclusive: true, Max: &upper}
		default:
			return Range{}, fmt.Errorf("unknown operator %q", c.Operator)
		}
		out = Intersect(out, piece)
	}
	return out, nil
}
