// Package solver implements conflict-driven dependency resolution over
// gem-style versions using the PubGrub algorithm: unit propagation over
// incompatibilities, conflict learning with backjumping, and a
// most-constrained-first decision heuristic.
package solver

import (
	"context"
	"fmt"

	"github.com/igravious/twine/version"
)

// Dependency names a package together with the constraint set some other
// package (or the user) places on it.
type Dependency struct {
	Name        string
	Constraints version.ConstraintSet
}

// Provider feeds the solver package metadata, typically backed by the
// compact index.
type Provider interface {
	// ListVersions returns all known versions of a package, newest first.
	// An unknown package yields an empty list, not an error.
	ListVersions(ctx context.Context, name string) ([]version.Version, error)

	// Dependencies returns the dependency vector of an exact version.
	// An unknown version yields an empty vector.
	Dependencies(ctx context.Context, name string, v version.Version) ([]Dependency, error)
}

// Selection is one entry of a complete solution.
type Selection struct {
	Name    string
	Version version.Version
}

// maxIterations bounds the outer solve loop. Exceeding it means a solver
// bug, not a hard instance.
const maxIterations = 10000

const rootPackage = "$root"

// Solver holds the state of a single resolution run. All cross-references
// between incompatibilities, terms, and assignments are stable handles
// (indices into append-only slices), so nothing dangles as the slices
// grow. A Solver is not safe for concurrent use and is discarded after
// one Solve.
type Solver struct {
	provider Provider

	packages  *table
	incompats []Incompatibility
	byPackage map[pkgID][]incompatID

	assignments []Assignment
	level       int

	root pkgID
}

// New returns a solver drawing package metadata from provider.
func New(provider Provider) *Solver {
	return &Solver{
		provider:  provider,
		packages:  newTable(),
		byPackage: make(map[pkgID][]incompatID),
	}
}

func (s *Solver) addIncompatibility(inc Incompatibility) incompatID {
	id := incompatID(len(s.incompats))
	s.incompats = append(s.incompats, inc)
	for _, t := range inc.terms {
		s.byPackage[t.pkg] = append(s.byPackage[t.pkg], id)
	}
	return id
}

// Solve resolves the given direct requirements to a consistent set of
// exact versions.
func (s *Solver) Solve(ctx context.Context, roots []Dependency) ([]Selection, error) {
	s.root = s.packages.intern(rootPackage)
	rootVersion := version.MustParse("1.0.0")

	s.assignments = append(s.assignments, Assignment{
		pkg:      s.root,
		rng:      version.Exact(rootVersion),
		positive: true,
		decision: true,
		version:  rootVersion,
		cause:    noIncompat,
	})

	changed := []pkgID{s.root}
	for _, root := range roots {
		rng, err := version.RangeFromConstraints(root.Constraints)
		if err != nil {
			return nil, fmt.Errorf("requirement %s: %w", root.Name, err)
		}
		dep := s.packages.intern(root.Name)
		s.addIncompatibility(Incompatibility{
			terms: []Term{
				{pkg: s.root, rng: version.Exact(rootVersion), positive: true},
				{pkg: dep, rng: rng, positive: false},
			},
			cause: causeRoot,
		})
	}

	for iteration := 0; ; iteration++ {
		if iteration >= maxIterations {
			return nil, fmt.Errorf("resolution exceeded %d iterations", maxIterations)
		}

		if conflict, found := s.propagate(changed); found {
			learned, err := s.resolveConflict(conflict)
			if err != nil {
				return nil, err
			}
			changed = changed[:0]
			for _, t := range s.incompats[learned].terms {
				changed = append(changed, t.pkg)
			}
			continue
		}

		next, done, err := s.decide(ctx)
		if err != nil {
			return nil, err
		}
		if done {
			return s.solution(), nil
		}
		changed = next
	}
}

func (s *Solver) solution() []Selection {
	var out []Selection
	for _, a := range s.assignments {
		if a.decision && a.pkg != s.root {
			out = append(out, Selection{Name: s.packages.name(a.pkg), Version: a.version})
		}
	}
	return out
}

// Partial-solution queries. The relation of a term to the partial solution
// is computed from the package's decision if one exists, otherwise from
// the intersection of its positive assignment ranges and the list of
// negative exclusion ranges.

func (s *Solver) decisionFor(p pkgID) (Assignment, bool) {
	for i := len(s.assignments) - 1; i >= 0; i-- {
		if s.assignments[i].pkg == p && s.assignments[i].decision {
			return s.assignments[i], true
		}
	}
	return Assignment{}, false
}

func (s *Solver) positiveRange(p pkgID) (version.Range, bool) {
	rng := version.AnyRange()
	found := false
	for _, a := range s.assignments {
		if a.pkg == p && a.positive {
			rng = version.Intersect(rng, a.rng)
			found = true
		}
	}
	return rng, found
}

func (s *Solver) negativeRanges(p pkgID) []version.Range {
	var out []version.Range
	for _, a := range s.assignments {
		if a.pkg == p && !a.positive {
			out = append(out, a.rng)
		}
	}
	return out
}

type relation int

const (
	relSatisfied relation = iota
	relContradicted
	relInconclusive
)

func (s *Solver) relate(t Term) relation {
	if a, ok := s.decisionFor(t.pkg); ok {
		if t.rng.Contains(a.version) == t.positive {
			return relSatisfied
		}
		return relContradicted
	}

	pos, hasPos := s.positiveRange(t.pkg)
	negs := s.negativeRanges(t.pkg)

	if t.positive {
		if hasPos {
			if t.rng.AllowsAll(pos) {
				return relSatisfied
			}
			if !pos.Intersects(t.rng) {
				return relContradicted
			}
		}
		for _, n := range negs {
			if n.AllowsAll(t.rng) {
				return relContradicted
			}
		}
		return relInconclusive
	}

	// Negative term: the package must avoid t.rng entirely.
	if hasPos && !pos.Intersects(t.rng) {
		return relSatisfied
	}
	for _, n := range negs {
		if n.AllowsAll(t.rng) {
			return relSatisfied
		}
	}
	if hasPos && t.rng.AllowsAll(pos) {
		return relContradicted
	}
	return relInconclusive
}

// propagate runs unit propagation to a fixed point, scanning only
// incompatibilities that mention a changed package. It reports the first
// fully satisfied incompatibility as a conflict.
func (s *Solver) propagate(seed []pkgID) (incompatID, bool) {
	queue := append([]pkgID(nil), seed...)

	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]

		for _, id := range s.byPackage[p] {
			inc := &s.incompats[id]

			satisfied := 0
			undetermined := -1
			contradicted := false
			for i, t := range inc.terms {
				switch s.relate(t) {
				case relSatisfied:
					satisfied++
				case relContradicted:
					contradicted = true
				case relInconclusive:
					undetermined = i
				}
				if contradicted {
					break
				}
			}

			if contradicted {
				continue
			}
			if satisfied == len(inc.terms) {
				return id, true
			}
			if satisfied == len(inc.terms)-1 && undetermined >= 0 {
				t := inc.terms[undetermined].negate()
				s.assignments = append(s.assignments, Assignment{
					pkg:      t.pkg,
					rng:      t.rng,
					positive: t.positive,
					level:    s.level,
					cause:    id,
				})
				queue = append(queue, t.pkg)
			}
		}
	}

	return noIncompat, false
}

// latestAssignment returns the index of the most recent assignment for a
// package, or -1 if the package is unassigned.
func (s *Solver) latestAssignment(p pkgID) int {
	for i := len(s.assignments) - 1; i >= 0; i-- {
		if s.assignments[i].pkg == p {
			return i
		}
	}
	return -1
}

// resolveConflict turns a satisfied incompatibility into a learned one,
// backjumps, and truncates the partial solution. It returns the handle of
// the learned incompatibility, or a ConflictError when the conflict holds
// even with no decisions on the trail.
func (s *Solver) resolveConflict(conflict incompatID) (incompatID, error) {
	current := conflict

	for {
		inc := &s.incompats[current]

		// Find the terms whose package was last assigned at the current
		// decision level, tracking the most recent such assignment.
		atCurrent := 0
		pivotTerm := -1
		pivotAssignment := -1
		for i, t := range inc.terms {
			idx := s.latestAssignment(t.pkg)
			if idx < 0 {
				continue
			}
			if s.assignments[idx].level == s.level {
				atCurrent++
				if idx > pivotAssignment {
					pivotAssignment = idx
					pivotTerm = i
				}
			}
		}

		if atCurrent <= 1 || pivotTerm < 0 {
			break
		}

		pivot := inc.terms[pivotTerm].pkg
		cause := s.assignments[pivotAssignment].cause
		if cause == noIncompat {
			// The most recent relevant assignment is the decision itself;
			// nothing further to resolve against.
			break
		}

		merged := mergeTerms(inc.terms, s.incompats[cause].terms, pivot)
		current = s.addIncompatibility(Incompatibility{
			terms: merged,
			cause: causeConflict,
			left:  int(current),
			right: int(cause),
		})
	}

	learned := &s.incompats[current]
	if s.level == 0 || len(learned.terms) == 0 || s.onlyRoot(learned) {
		return noIncompat, &ConflictError{Explanation: s.explain(s.buildFailureChain(current))}
	}

	// Backjump to the highest level strictly below the current one at
	// which any of the learned terms' packages was assigned.
	backjump := 0
	for _, t := range learned.terms {
		for i := len(s.assignments) - 1; i >= 0; i-- {
			a := s.assignments[i]
			if a.pkg != t.pkg || a.level >= s.level {
				continue
			}
			if a.level > backjump {
				backjump = a.level
			}
			break
		}
	}

	kept := s.assignments[:0]
	for _, a := range s.assignments {
		if a.level <= backjump {
			kept = append(kept, a)
		}
	}
	s.assignments = kept
	s.level = backjump

	return current, nil
}

// buildFailureChain resolves a terminally conflicting incompatibility
// against the causes of the derivations satisfying it, so the explanation
// walk sees the complete chain back to the user's requirements.
func (s *Solver) buildFailureChain(conflict incompatID) incompatID {
	current := conflict
	for steps := 0; steps < maxIterations; steps++ {
		inc := &s.incompats[current]

		pivotAssignment := -1
		pivot := noPkg
		for _, t := range inc.terms {
			idx := s.latestAssignment(t.pkg)
			if idx < 0 || s.assignments[idx].cause == noIncompat {
				continue
			}
			if idx > pivotAssignment {
				pivotAssignment = idx
				pivot = t.pkg
			}
		}
		if pivotAssignment < 0 {
			break
		}

		cause := s.assignments[pivotAssignment].cause
		merged := mergeTerms(inc.terms, s.incompats[cause].terms, pivot)
		current = s.addIncompatibility(Incompatibility{
			terms: merged,
			cause: causeConflict,
			left:  int(current),
			right: int(cause),
		})
	}
	return current
}

func (s *Solver) onlyRoot(inc *Incompatibility) bool {
	for _, t := range inc.terms {
		if t.pkg != s.root {
			return false
		}
	}
	return true
}

// mergeTerms unions two parents' terms excluding the pivot package.
// Duplicate packages with the same polarity intersect their ranges;
// opposite polarities are kept side by side.
func mergeTerms(a, b []Term, pivot pkgID) []Term {
	var out []Term
	add := func(t Term) {
		if t.pkg == pivot {
			return
		}
		for i := range out {
			if out[i].pkg == t.pkg && out[i].positive == t.positive {
				out[i].rng = version.Intersect(out[i].rng, t.rng)
				return
			}
		}
		out = append(out, t)
	}
	for _, t := range a {
		add(t)
	}
	for _, t := range b {
		add(t)
	}
	return out
}

// decide picks the undecided package with the fewest versions matching its
// effective range, chooses its newest admissible version, and records the
// dependency incompatibilities of that choice.
func (s *Solver) decide(ctx context.Context) ([]pkgID, bool, error) {
	type candidate struct {
		pkg      pkgID
		rng      version.Range
		matching []version.Version
	}

	var best *candidate
	for id := pkgID(0); int(id) < len(s.packages.names); id++ {
		if id == s.root {
			continue
		}
		if _, decided := s.decisionFor(id); decided {
			continue
		}
		pos, hasPos := s.positiveRange(id)
		if !hasPos {
			continue
		}

		all, err := s.provider.ListVersions(ctx, s.packages.name(id))
		if err != nil {
			return nil, false, fmt.Errorf("listing versions of %s: %w", s.packages.name(id), err)
		}

		negs := s.negativeRanges(id)
		allowPre := pos.PrereleaseAllowed()
		var matching []version.Version
	versions:
		for _, v := range all {
			if v.Prerelease() && !allowPre {
				continue
			}
			if !pos.Contains(v) {
				continue
			}
			for _, n := range negs {
				if n.Contains(v) {
					continue versions
				}
			}
			matching = append(matching, v)
		}

		if best == nil || len(matching) < len(best.matching) {
			best = &candidate{pkg: id, rng: pos, matching: matching}
		}
	}

	if best == nil {
		return nil, true, nil
	}

	if len(best.matching) == 0 {
		// No version can satisfy the effective range; record that fact and
		// let propagation derive the conflict. The negative-assignment
		// ranges join as terms of their own so the failure chain keeps
		// their provenance.
		terms := []Term{{pkg: best.pkg, rng: best.rng, positive: true}}
		for _, n := range s.negativeRanges(best.pkg) {
			terms = append(terms, Term{pkg: best.pkg, rng: n, positive: false})
		}
		s.addIncompatibility(Incompatibility{
			terms: terms,
			cause: causeNoVersions,
		})
		return []pkgID{best.pkg}, false, nil
	}

	// Versions arrive newest first and the filter preserves order.
	choice := best.matching[0]

	s.level++
	s.assignments = append(s.assignments, Assignment{
		pkg:      best.pkg,
		rng:      version.Exact(choice),
		positive: true,
		decision: true,
		version:  choice,
		level:    s.level,
		cause:    noIncompat,
	})

	deps, err := s.provider.Dependencies(ctx, s.packages.name(best.pkg), choice)
	if err != nil {
		return nil, false, fmt.Errorf("dependencies of %s %s: %w", s.packages.name(best.pkg), choice, err)
	}
	for _, d := range deps {
		rng, err := version.RangeFromConstraints(d.Constraints)
		if err != nil {
			// The provider already skips unparseable constraints; anything
			// left that still fails is dropped the same way.
			continue
		}
		dep := s.packages.intern(d.Name)
		s.addIncompatibility(Incompatibility{
			terms: []Term{
				{pkg: best.pkg, rng: version.Exact(choice), positive: true},
				{pkg: dep, rng: rng, positive: false},
			},
			cause: causeDependency,
		})
	}

	return []pkgID{best.pkg}, false, nil
}
