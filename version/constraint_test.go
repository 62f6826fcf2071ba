package version

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseConstraints(t *testing.T) {
	set, err := ParseConstraints(">= 1.0, < 2.0")
	if err != nil {
		t.Fatal(err)
	}

	want := ConstraintSet{
		{Operator: OpGreaterOrEqual, Version: MustParse("1.0")},
		{Operator: OpLess, Version: MustParse("2.0")},
	}
	if diff := cmp.Diff(want, set, cmp.Comparer(func(a, b Version) bool { return a.String() == b.String() })); diff != "" {
		t.Errorf("ParseConstraints mismatch (-want +got):\n%s", diff)
	}
}

func TestParseConstraintDefaultsToEqual(t *testing.T) {
	c, err := ParseConstraint("1.4.2")
	if err != nil {
		t.Fatal(err)
	}
	if c.Operator != OpEqual {
		t.Errorf("Operator = %q, want %q", c.Operator, OpEqual)
	}
}

func TestPessimisticBounds(t *testing.T) {
	cases := []struct {
		constraint string
		version    string
		want       bool
	}{
		{"~> 4.1.1", "4.1.1", true},
		{"~> 4.1.1", "4.1.9", true},
		{"~> 4.1.1", "4.2.0", false},
		{"~> 4.1.1", "4.1.0", false},
		{"~> 4.1", "4.1", true},
		{"~> 4.1", "4.9.3", true},
		{"~> 4.1", "5.0", false},
		{"~> 4", "4.0", true},
		{"~> 4", "4.9", true},
		{"~> 4", "5.0", false},
	}

	for _, tc := range cases {
		set, err := ParseConstraints(tc.constraint)
		if err != nil {
			t.Fatalf("ParseConstraints(%q): %v", tc.constraint, err)
		}
		if got := set.Match(MustParse(tc.version)); got != tc.want {
			t.Errorf("%q.Match(%s) = %v, want %v", tc.constraint, tc.version, got, tc.want)
		}
	}
}

func TestPrereleaseGate(t *testing.T) {
	release, err := ParseConstraints(">= 1.0")
	if err != nil {
		t.Fatal(err)
	}
	if release.Match(MustParse("2.0.beta")) {
		t.Error("prerelease satisfied a release-only set")
	}

	pre, err := ParseConstraints(">= 2.0.beta")
	if err != nil {
		t.Fatal(err)
	}
	if !pre.Match(MustParse("2.0.beta")) {
		t.Error("prerelease rejected by a set naming a prerelease")
	}
}

func TestMatchSubsetMonotonic(t *testing.T) {
	set, err := ParseConstraints(">= 1.2, < 3.0, != 2.5")
	if err != nil {
		t.Fatal(err)
	}
	v := MustParse("2.0")
	if !set.Match(v) {
		t.Fatalf("%s does not match %s", v, set)
	}
	// Any subset of a matching conjunction still matches.
	for i := range set {
		subset := append(ConstraintSet{}, set[:i]...)
		subset = append(subset, set[i+1:]...)
		if !subset.Match(v) {
			t.Errorf("subset %s rejected %s", subset, v)
		}
	}
}

func TestNotEqual(t *testing.T) {
	set, err := ParseConstraints("!= 1.5")
	if err != nil {
		t.Fatal(err)
	}
	if set.Match(MustParse("1.5")) {
		t.Error("!= 1.5 matched 1.5")
	}
	if !set.Match(MustParse("1.6")) {
		t.Error("!= 1.5 rejected 1.6")
	}
}
