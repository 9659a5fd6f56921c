package planner

import (
	"github.com/relplan/relplan/intset"
	"github.com/relplan/relplan/nodes"
)

// JoinSearchStrategy enumerates join orders over the initial relations and
// returns the single relation covering all of them. Strategies must respect
// joinIsLegal; they differ only in which legal combinations they try.
type JoinSearchStrategy interface {
	Search(sc *scope, initial []*RelOptInfo) *RelOptInfo
}

// StandardJoinSearch is the dynamic-programming search: level n holds every
// legal join of n base relations, built by pairing lower levels, with path
// alternatives competing inside each relation record.
type StandardJoinSearch struct{}

// Search implements JoinSearchStrategy.
func (StandardJoinSearch) Search(sc *scope, initial []*RelOptInfo) *RelOptInfo {
	n := len(initial)
	levels := make([][]*RelOptInfo, n+1)
	levels[1] = initial

	for lev := 2; lev <= n; lev++ {
		for k := 1; k <= lev/2; k++ {
			for _, outer := range levels[lev-k] {
				for _, inner := range levels[k] {
					if outer.Relids.Intersects(inner.Relids) {
						continue
					}
					if join, created := makeJoinRel(sc, outer, inner); created {
						levels[lev] = append(levels[lev], join)
					}
				}
			}
		}
		for _, join := range levels[lev] {
			generateGatherPaths(sc, join)
			join.SetCheapest()
		}
	}

	if len(levels[n]) != 1 {
		impossible("join search produced %d top relations, want 1", len(levels[n]))
	}
	return levels[n][0]
}

// GreedyJoinSearch repeatedly merges the legal pair with the smallest
// estimated output, trading plan quality for linear-ish search cost on wide
// FROM lists.
type GreedyJoinSearch struct{}

// Search implements JoinSearchStrategy.
func (GreedyJoinSearch) Search(sc *scope, initial []*RelOptInfo) *RelOptInfo {
	rels := append([]*RelOptInfo(nil), initial...)
	for len(rels) > 1 {
		bestI, bestJ := -1, -1
		var best *RelOptInfo
		for i := 0; i < len(rels); i++ {
			for j := i + 1; j < len(rels); j++ {
				join, created := makeJoinRel(sc, rels[i], rels[j])
				if join == nil {
					continue
				}
				if created {
					generateGatherPaths(sc, join)
					join.SetCheapest()
				}
				if best == nil || join.Rows < best.Rows {
					best, bestI, bestJ = join, i, j
				}
			}
		}
		if best == nil {
			impossible("greedy join search found no legal pair among %d relations", len(rels))
		}
		rels[bestI] = best
		rels = append(rels[:bestJ], rels[bestJ+1:]...)
	}
	return rels[0]
}

// joinIsLegal checks a candidate pairing against the scope's special-join
// constraints. When the pairing realizes a special join it returns that
// join's type and ON quals; swap means a holds the right-hand side. ok=false
// rejects the pairing entirely.
func joinIsLegal(sc *scope, a, b intset.Set) (jt nodes.JoinType, quals []nodes.Expr, swap, ok bool) {
	combined := a.Union(b)
	var match *specialJoinInfo
	matchSwap := false
	for _, sj := range sc.sjInfos {
		whole := sj.minLeft.Union(sj.minRight)
		if whole.SubsetOf(a) || whole.SubsetOf(b) {
			// Realized inside one input already.
			continue
		}
		switch {
		case sj.minLeft.SubsetOf(a) && sj.minRight.SubsetOf(b):
			if match != nil {
				return 0, nil, false, false
			}
			match = sj
		case sj.minLeft.SubsetOf(b) && sj.minRight.SubsetOf(a):
			if match != nil {
				return 0, nil, false, false
			}
			match, matchSwap = sj, true
		case sj.minRight.Intersects(combined):
			// The protected side would join out before its required
			// left-hand side is complete.
			return 0, nil, false, false
		}
	}

	if match == nil {
		return nodes.JoinInner, poolQuals(sc, a, b), false, true
	}
	quals = append(quals, match.quals...)
	quals = append(quals, poolQuals(sc, a, b)...)
	return match.joinType, quals, matchSwap, true
}

// poolQuals selects the join clauses that become applicable exactly at this
// pairing: all their relations are covered, and neither input covers them
// alone (a lower level already applied those).
func poolQuals(sc *scope, a, b intset.Set) []nodes.Expr {
	combined := a.Union(b)
	var quals []nodes.Expr
	for _, q := range sc.joinQuals {
		relids := exprRelids(q)
		if relids.SubsetOf(combined) && !relids.SubsetOf(a) && !relids.SubsetOf(b) {
			quals = append(quals, q)
		}
	}
	return quals
}

// makeJoinRel builds or refreshes the join relation of two inputs, adding
// every applicable path. created reports whether the relation record is new
// at this scope; nil, false means the pairing is illegal.
func makeJoinRel(sc *scope, a, b *RelOptInfo) (*RelOptInfo, bool) {
	jt, quals, swap, ok := joinIsLegal(sc, a.Relids, b.Relids)
	if !ok {
		return nil, false
	}
	outer, inner := a, b
	if swap {
		outer, inner = b, a
	}

	relids := a.Relids.Union(b.Relids)
	key := relids.Key()
	join, seen := sc.joinRels[key]
	if !seen {
		join = &RelOptInfo{
			Kind:   RelJoin,
			Relids: relids,
			Width:  outer.Width + inner.Width,
			Rows:   sc.sess.cost.JoinRows(jt, outer.Rows, inner.Rows, len(quals)),
		}
		join.ConsiderParallel = outer.ConsiderParallel && inner.ConsiderParallel && qualsParallelSafe(quals)
		sc.joinRels[key] = join
	}

	addPathsToJoinRel(sc, join, outer, inner, jt, quals)
	if jt == nodes.JoinInner && !swap {
		// The commuted orientation competes on equal terms.
		addPathsToJoinRel(sc, join, inner, outer, jt, quals)
	}
	if !sc.sess.opts.DisablePartitionwiseJoin {
		tryPartitionwiseJoin(sc, join, outer, inner, jt, quals)
	}
	return join, !seen
}

// addPathsToJoinRel generates nestloop, hash, and merge alternatives for one
// orientation of one join relation.
func addPathsToJoinRel(sc *scope, join, outer, inner *RelOptInfo, jt nodes.JoinType, quals []nodes.Expr) {
	cost := sc.sess.cost
	outerPath := outer.CheapestTotal
	innerPath := inner.CheapestTotal

	innerParam := innerPath.Common().RequiredOuter
	if !innerParam.Empty() {
		// A parameterized inner runs once per outer row, so only a nestloop
		// applies. Parameters the outer side covers are bound here; the rest
		// stay on the join path for a join further up to supply.
		addJoinPath(sc, join, NestLoopJoin, jt, outerPath, innerPath, quals, nil)
		return
	}
	if outerPath.Common().RequiredOuter.Intersects(inner.Relids) {
		// The outer side would need values from a relation it drives.
		return
	}

	addJoinPath(sc, join, NestLoopJoin, jt, outerPath, innerPath, quals, nil)

	// Buffering the inner pays off whenever it is rescanned.
	if outer.Rows > 1 {
		mat := &MaterialPath{Subpath: innerPath}
		mat.Rel = inner
		mat.Rows = innerPath.Common().Rows
		mat.StartupCost, mat.TotalCost = cost.MaterialCost(innerPath.Common().TotalCost, mat.Rows)
		mat.ParallelSafe = innerPath.Common().ParallelSafe
		addJoinPath(sc, join, NestLoopJoin, jt, outerPath, mat, quals, nil)
	}

	eq := equijoinClauses(quals, outer.Relids, inner.Relids)
	if len(eq) > 0 {
		addJoinPath(sc, join, HashJoinKind, jt, outerPath, innerPath, quals, eq)

		sortedOuter := sortPathFor(sc, outerPath, eq, outer.Relids)
		sortedInner := sortPathFor(sc, innerPath, eq, inner.Relids)
		addJoinPath(sc, join, MergeJoinKind, jt, sortedOuter, sortedInner, quals, eq)
	}

	// Partial join path: partial outer against a full inner makes the join
	// itself partial, to be finished by a Gather above.
	if join.ConsiderParallel && innerPath.Common().ParallelSafe {
		if partialOuter := outer.cheapestPartial(); partialOuter != nil {
			kind := NestLoopJoin
			if len(eq) > 0 {
				kind = HashJoinKind
			}
			p := buildJoinPath(sc, join, kind, jt, partialOuter, innerPath, quals, eq)
			p.ParallelSafe = true
			p.ParallelWorkers = partialOuter.Common().ParallelWorkers
			join.AddPartialPath(p)
		}
	}
}

// addJoinPath costs and offers one join path.
func addJoinPath(sc *scope, join *RelOptInfo, kind JoinPathKind, jt nodes.JoinType,
	outerPath, innerPath Path, quals, eq []nodes.Expr) {
	p := buildJoinPath(sc, join, kind, jt, outerPath, innerPath, quals, eq)
	join.AddPath(p)
}

func buildJoinPath(sc *scope, join *RelOptInfo, kind JoinPathKind, jt nodes.JoinType,
	outerPath, innerPath Path, quals, eq []nodes.Expr) *JoinPath {
	oc, ic := outerPath.Common(), innerPath.Common()
	p := &JoinPath{Kind: kind, JoinType: jt, Outer: outerPath, Inner: innerPath, JoinQuals: quals, EqClauses: eq}
	p.Rel = join
	p.Rows = join.Rows
	p.StartupCost, p.TotalCost = sc.sess.cost.JoinCost(kind, jt,
		oc.StartupCost, oc.TotalCost, oc.Rows,
		ic.StartupCost, ic.TotalCost, ic.Rows,
		len(quals))
	p.RequiredOuter = oc.RequiredOuter.Union(ic.RequiredOuter).Difference(join.Relids)
	p.ParallelSafe = oc.ParallelSafe && ic.ParallelSafe && qualsParallelSafe(quals)
	if kind == MergeJoinKind {
		p.Ordering = oc.Ordering
	}
	return p
}

// equijoinClauses extracts the hashable equality clauses with one side per
// input, the form both hash and merge joins key on.
func equijoinClauses(quals []nodes.Expr, outerIds, innerIds intset.Set) []nodes.Expr {
	var eq []nodes.Expr
	for _, q := range quals {
		op, ok := q.(*nodes.OpExpr)
		if !ok || !op.Op.Hashable() || len(op.Args) != 2 {
			continue
		}
		l, r := exprRelids(op.Args[0]), exprRelids(op.Args[1])
		if l.Empty() || r.Empty() {
			continue
		}
		if (l.SubsetOf(outerIds) && r.SubsetOf(innerIds)) ||
			(l.SubsetOf(innerIds) && r.SubsetOf(outerIds)) {
			eq = append(eq, q)
		}
	}
	return eq
}

// sortPathFor wraps a path in a Sort on its side of the equality clauses,
// unless the path already delivers that order.
func sortPathFor(sc *scope, p Path, eq []nodes.Expr, sideIds intset.Set) Path {
	keys := make([]nodes.SortKey, 0, len(eq))
	for _, q := range eq {
		op := q.(*nodes.OpExpr)
		side := op.Args[0]
		if !exprRelids(side).SubsetOf(sideIds) {
			side = op.Args[1]
		}
		keys = append(keys, nodes.SortKey{Expr: side})
	}
	if orderingPrefix(keys, p.Common().Ordering) {
		return p
	}
	sp := &SortPath{Subpath: p}
	sp.Rel = p.Common().Rel
	sp.Rows = p.Common().Rows
	sp.StartupCost, sp.TotalCost = sc.sess.cost.SortCost(p.Common().TotalCost, sp.Rows)
	sp.Ordering = keys
	sp.RequiredOuter = p.Common().RequiredOuter
	sp.ParallelSafe = p.Common().ParallelSafe
	return sp
}

// tryPartitionwiseJoin joins compatible partitioned inputs partition by
// partition when an equality clause lines up their partition keys, emitting
// an Append of per-partition joins and propagating the scheme so higher
// joins can chain.
func tryPartitionwiseJoin(sc *scope, join, outer, inner *RelOptInfo, jt nodes.JoinType, quals []nodes.Expr) {
	if outer.PartScheme == nil || !outer.PartScheme.Compatible(inner.PartScheme) {
		return
	}
	if len(outer.PartRels) != len(inner.PartRels) {
		return
	}
	if !partitionKeysJoined(outer, inner, quals) {
		return
	}

	cost := sc.sess.cost
	var subpaths []Path
	var rows float64
	var total Cost
	for i := range outer.PartRels {
		po, pi := outer.PartRels[i], inner.PartRels[i]
		eq := equijoinClauses(quals, po.Relids, pi.Relids)
		childRows := cost.JoinRows(jt, po.Rows, pi.Rows, len(quals))
		child := &RelOptInfo{
			Kind:   RelOtherMember,
			Relids: join.Relids,
			Width:  join.Width,
			Rows:   childRows,
		}
		kind := NestLoopJoin
		if len(eq) > 0 {
			kind = HashJoinKind
		}
		p := buildJoinPath(sc, child, kind, jt, po.CheapestTotal, pi.CheapestTotal, quals, eq)
		child.AddPath(p)
		child.SetCheapest()
		subpaths = append(subpaths, child.CheapestTotal)
		rows += childRows
		total += child.CheapestTotal.Common().TotalCost
	}

	ap := &AppendPath{Subpaths: subpaths}
	ap.Rel = join
	ap.Rows = clampRows(rows)
	ap.TotalCost = total
	ap.ParallelSafe = join.ConsiderParallel
	join.AddPath(ap)

	if join.PartScheme == nil {
		join.PartScheme = outer.PartScheme
		// Per-partition join relations stand in as this relation's members
		// so a further partition-wise join can stack on top.
		for _, p := range subpaths {
			join.PartRels = append(join.PartRels, p.Common().Rel)
		}
	}
}

// partitionKeysJoined reports whether some equality clause compares the two
// inputs' partition key columns.
func partitionKeysJoined(outer, inner *RelOptInfo, quals []nodes.Expr) bool {
	if outer.Kind != RelBase || inner.Kind != RelBase {
		// Higher-level matching keys are not tracked; only base-to-base
		// partition-wise joins are recognized.
		return false
	}
	for _, q := range quals {
		op, ok := q.(*nodes.OpExpr)
		if !ok || op.Op != nodes.OpEq || len(op.Args) != 2 {
			continue
		}
		lv, lok := op.Args[0].(*nodes.Var)
		rv, rok := op.Args[1].(*nodes.Var)
		if !lok || !rok || lv.LevelsUp != 0 || rv.LevelsUp != 0 {
			continue
		}
		if lv.RelIndex == inner.RTIndex {
			lv, rv = rv, lv
		}
		if lv.RelIndex == outer.RTIndex && rv.RelIndex == inner.RTIndex &&
			lv.Col == outer.PartScheme.KeyColumn && rv.Col == inner.PartScheme.KeyColumn {
			return true
		}
	}
	return false
}

func qualsParallelSafe(quals []nodes.Expr) bool {
	for _, q := range quals {
		if nodes.ContainsVolatile(q) || nodes.ContainsSubLinks(q) {
			return false
		}
	}
	return true
}
