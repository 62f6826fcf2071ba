package version

import "testing"

func mustRange(t *testing.T, constraints string) Range {
	t.Helper()
	set, err := ParseConstraints(constraints)
	if err != nil {
		t.Fatal(err)
	}
	r, err := RangeFromConstraints(set)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestRangeContains(t *testing.T) {
	r := mustRange(t, ">= 1.0, < 2.0")

	for _, v := range []string{"1.0", "1.5", "1.9.9"} {
		if !r.Contains(MustParse(v)) {
			t.Errorf("%s should contain %s", r, v)
		}
	}
	for _, v := range []string{"0.9", "2.0", "2.1"} {
		if r.Contains(MustParse(v)) {
			t.Errorf("%s should not contain %s", r, v)
		}
	}
}

func TestRangeIntersectAgreesWithContains(t *testing.T) {
	a := mustRange(t, ">= 1.0, < 3.0")
	b := mustRange(t, "~> 2.0")
	both := Intersect(a, b)

	for _, s := range []string{"0.5", "1.0", "1.9", "2.0", "2.4", "2.9.9", "3.0", "3.1"} {
		v := MustParse(s)
		want := a.Contains(v) && b.Contains(v)
		if got := both.Contains(v); got != want {
			t.Errorf("Intersect contains %s = %v, want %v", s, got, want)
		}
	}
}

func TestRangeEmpty(t *testing.T) {
	if !EmptyRange().IsEmpty() {
		t.Error("EmptyRange is not empty")
	}
	if got := Intersect(mustRange(t, "< 1.0"), mustRange(t, ">= 2.0")); !got.IsEmpty() {
		t.Errorf("disjoint intersection %s is not empty", got)
	}
	if got := Intersect(mustRange(t, "> 1.0"), mustRange(t, "< 1.0")); !got.IsEmpty() {
		t.Errorf("open meeting point %s is not empty", got)
	}
	if got := Intersect(mustRange(t, ">= 1.0"), mustRange(t, "<= 1.0")); got.IsEmpty() {
		t.Error("[1.0, 1.0] should not be empty")
	}
}

func TestRangeExact(t *testing.T) {
	r := Exact(MustParse("1.2.3"))
	if !r.Contains(MustParse("1.2.3")) {
		t.Error("exact range rejects its own version")
	}
	// Trailing zeros compare equal, so the padded form is inside too.
	if !r.Contains(MustParse("1.2.3.0")) {
		t.Error("exact range rejects the zero-padded form")
	}
	if r.Contains(MustParse("1.2.4")) {
		t.Error("exact range accepts a different version")
	}
}

func TestRangeAllowsAll(t *testing.T) {
	outer := mustRange(t, ">= 1.0, < 3.0")
	inner := mustRange(t, "~> 2.0")

	if !outer.AllowsAll(inner) {
		t.Errorf("%s should allow all of %s", outer, inner)
	}
	if inner.AllowsAll(outer) {
		t.Errorf("%s should not allow all of %s", inner, outer)
	}
	if !outer.AllowsAll(EmptyRange()) {
		t.Error("everything allows the empty range")
	}
	if !AnyRange().AllowsAll(outer) {
		t.Error("the universal range allows everything")
	}
}

func TestRangeExcludes(t *testing.T) {
	r := mustRange(t, ">= 1.0, != 1.5")
	if r.Contains(MustParse("1.5")) {
		t.Error("excluded point contained")
	}
	if !r.Contains(MustParse("1.4")) {
		t.Error("non-excluded point rejected")
	}
	if r.AllowsAll(Exact(MustParse("1.5"))) {
		t.Error("range with exclusion allows the excluded point")
	}
}

func TestRangePrereleaseAllowed(t *testing.T) {
	if mustRange(t, ">= 1.0, < 2.0").PrereleaseAllowed() {
		t.Error("release endpoints allow prereleases")
	}
	if !mustRange(t, ">= 2.0.beta").PrereleaseAllowed() {
		t.Error("prerelease endpoint not detected")
	}
}
