package planner

import (
	"github.com/relplan/relplan/cat"
	"github.com/relplan/relplan/intset"
	"github.com/relplan/relplan/nodes"
	"golang.org/x/exp/slices"
)

// RelKind classifies a RelOptInfo.
type RelKind int

const (
	// RelBase represents a single range-table entry.
	RelBase RelKind = iota
	// RelJoin represents the join of two or more base relations.
	RelJoin
	// RelOtherMember is a partition child considered on behalf of its
	// parent and never joined at the top level directly.
	RelOtherMember
)

// ColInfo describes one output column of a relation record.
type ColInfo struct {
	Name    string
	Type    nodes.Type
	NotNull bool
}

// RelOptInfo is the per-scope record of one relation (base or join): its
// identity, size estimates, candidate paths, and planning flags. Records are
// created when a scope's FROM list is materialized and live until the
// scope's plan is chosen.
type RelOptInfo struct {
	Kind   RelKind
	Relids intset.Set

	// Base-relation fields; zero for join relations.
	RTIndex int
	RTE     nodes.RangeTblEntry
	Table   *cat.Table

	Cols  []ColInfo
	Rows  float64
	Width int

	Paths        []Path
	PartialPaths []Path

	CheapestTotal   Path
	CheapestStartup Path

	ConsiderParallel     bool
	ConsiderParamStartup bool

	// BaseRestrict are the quals that reference only this relation;
	// JoinClauses reference this relation plus others.
	BaseRestrict []nodes.Expr
	JoinClauses  []nodes.Expr

	// LateralRefs are the relation indexes a lateral base relation consumes.
	LateralRefs intset.Set

	// Partitioning: a partitioned relation carries its scheme and one
	// RelOtherMember child relation per partition.
	PartScheme *cat.PartitionScheme
	PartRels   []*RelOptInfo

	// Subroot is the planned child scope backing a subquery relation.
	Subroot *scope
}

// AddPath offers a candidate path to the relation, discarding it or evicting
// existing paths according to cost domination within the same (ordering,
// parameterization, parallel-safety) class. Paths in different classes never
// dominate each other.
func (rel *RelOptInfo) AddPath(p Path) {
	pc := p.Common()
	keep := rel.Paths[:0]
	add := true
	for _, old := range rel.Paths {
		oc := old.Common()
		if !sameOrdering(oc.Ordering, pc.Ordering) ||
			!oc.RequiredOuter.Equals(pc.RequiredOuter) ||
			oc.ParallelSafe != pc.ParallelSafe {
			keep = append(keep, old)
			continue
		}
		if oc.TotalCost <= pc.TotalCost && oc.StartupCost <= pc.StartupCost {
			add = false
			keep = append(keep, old)
			continue
		}
		if pc.TotalCost <= oc.TotalCost && pc.StartupCost <= oc.StartupCost {
			continue // evicted
		}
		keep = append(keep, old)
	}
	rel.Paths = keep
	if add {
		rel.Paths = append(rel.Paths, p)
	}
}

// AddPartialPath offers a candidate partial (per-worker) path. Partial paths
// compete on total cost alone: their startup cost is dominated by the Gather
// that must sit above them.
func (rel *RelOptInfo) AddPartialPath(p Path) {
	pc := p.Common()
	if !pc.ParallelSafe {
		impossible("partial path %s is not parallel safe", pathName(p))
	}
	keep := rel.PartialPaths[:0]
	add := true
	for _, old := range rel.PartialPaths {
		oc := old.Common()
		if !sameOrdering(oc.Ordering, pc.Ordering) {
			keep = append(keep, old)
			continue
		}
		if oc.TotalCost <= pc.TotalCost {
			add = false
		}
		keep = append(keep, old)
	}
	rel.PartialPaths = keep
	if add {
		rel.PartialPaths = append(rel.PartialPaths, p)
	}
}

// SetCheapest orders the path list and records the cheapest-total and
// cheapest-startup unparameterized paths. A relation with no usable path is
// a planning defect: every relation kind generates at least one path.
func (rel *RelOptInfo) SetCheapest() {
	slices.SortStableFunc(rel.Paths, func(a, b Path) int {
		ac, bc := a.Common(), b.Common()
		switch {
		case ac.TotalCost < bc.TotalCost:
			return -1
		case ac.TotalCost > bc.TotalCost:
			return 1
		}
		return 0
	})
	rel.CheapestTotal = nil
	rel.CheapestStartup = nil
	for _, p := range rel.Paths {
		pc := p.Common()
		if !pc.RequiredOuter.Empty() {
			continue
		}
		if rel.CheapestTotal == nil {
			rel.CheapestTotal = p
		}
		if rel.CheapestStartup == nil || pc.StartupCost < rel.CheapestStartup.Common().StartupCost {
			rel.CheapestStartup = p
		}
	}
	if rel.CheapestTotal == nil {
		// Lateral relations may offer only parameterized paths; the join
		// search is then obliged to place them on a nestloop inner side.
		if len(rel.Paths) == 0 {
			impossible("relation %s has no path", rel.Relids)
		}
		rel.CheapestTotal = rel.Paths[0]
		rel.CheapestStartup = rel.Paths[0]
	}
}

// cheapestPartial returns the cheapest unordered partial path, or nil.
func (rel *RelOptInfo) cheapestPartial() Path {
	var best Path
	for _, p := range rel.PartialPaths {
		if len(p.Common().Ordering) != 0 {
			continue
		}
		if best == nil || p.Common().TotalCost < best.Common().TotalCost {
			best = p
		}
	}
	return best
}
