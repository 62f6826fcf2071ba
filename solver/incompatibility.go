package solver

import (
	"github.com/igravious/twine/version"
)

// pkgID is a stable handle into the solver's package table. Handles never
// move for the lifetime of a solve, so incompatibilities and assignments
// reference packages by index rather than by pointer.
type pkgID int

// noPkg is the sentinel "none" handle.
const noPkg pkgID = -1

// table interns package names. Append-only: an id handed out stays valid
// until the solver is discarded.
type table struct {
	names []string
	ids   map[string]pkgID
}

func newTable() *table {
	return &table{ids: make(map[string]pkgID)}
}

func (t *table) intern(name string) pkgID {
	if id, ok := t.ids[name]; ok {
		return id
	}
	id := pkgID(len(t.names))
	t.names = append(t.names, name)
	t.ids[name] = id
	return id
}

func (t *table) name(id pkgID) string { return t.names[id] }

// Term constrains a single package within an incompatibility or an
// assignment. Positive means "the version must lie in Range"; negative
// means it must not.
type Term struct {
	pkg      pkgID
	rng      version.Range
	positive bool
}

func (t Term) negate() Term {
	return Term{pkg: t.pkg, rng: t.rng, positive: !t.positive}
}

type causeKind int

const (
	// causeRoot marks a direct user requirement.
	causeRoot causeKind = iota
	// causeDependency marks "package@version depends on package in range".
	causeDependency
	// causeConflict marks an incompatibility learned from two parents.
	causeConflict
	// causeNoVersions marks a package whose effective range matched nothing.
	causeNoVersions
)

// Incompatibility is a set of terms that cannot all hold simultaneously.
// Learned incompatibilities record both parents so failures can be
// explained after the fact.
type Incompatibility struct {
	terms []Term
	cause causeKind

	// set for causeConflict: handles of the two parent incompatibilities.
	left, right int
}

// incompatID indexes Solver.incompats; like pkgID it is relocation safe.
type incompatID int

const noIncompat incompatID = -1

func (inc *Incompatibility) termFor(p pkgID) (Term, bool) {
	for _, t := range inc.terms {
		if t.pkg == p {
			return t, true
		}
	}
	return Term{}, false
}

// Assignment is one entry in the partial solution: either a decision (an
// exact version was chosen) or a derivation propagated from an
// incompatibility.
type Assignment struct {
	pkg      pkgID
	rng      version.Range
	positive bool
	decision bool
	version  version.Version // meaningful when decision
	level    int
	cause    incompatID // noIncompat for decisions
}
