package planner

import (
	"fmt"

	"github.com/relplan/relplan/cat"
	"github.com/relplan/relplan/intset"
	"github.com/relplan/relplan/nodes"
)

// This file normalizes sub-selects. Each sub-link kind has a ladder of
// rewrite attempts, tried in order, each of which may decline; the bottom
// rung always works: plan the sub-select as its own scope and reference it
// through a SubPlan, parameter-bound to the outer row. Declining is routine
// and silent; only structural impossibilities panic.

// corrPair is one separable correlation conjunct of a sub-select: an
// operator comparing a pure outer-level operand against a pure local one.
type corrPair struct {
	op    nodes.Op
	outer nodes.Expr // rewritten to the enclosing level
	inner nodes.Expr // stays at the sub-select's level
}

// pullUpSublinks rewrites sub-links hanging off the join tree into joins
// where a rewrite preserves semantics: EXISTS and IN become semi joins,
// their negations anti joins, ALL an aggregated inner join, scalar
// aggregate sub-selects a grouped left join, and OR-of-EXISTS a left join
// probe per arm. Whatever declines every rung here is picked up later by
// makeSubplan.
func pullUpSublinks(sc *scope) {
	q := sc.query
	if q.JoinTree == nil || len(q.JoinTree.FromList) == 0 {
		return
	}
	pullUpScalarSublinks(sc)
	node, _ := pullUpSublinksNode(sc, q.JoinTree)
	if f, ok := node.(*nodes.FromExpr); ok {
		q.JoinTree = f
		return
	}
	q.JoinTree = &nodes.FromExpr{FromList: []nodes.JoinTreeNode{node}}
}

func pullUpSublinksNode(sc *scope, n nodes.JoinTreeNode) (nodes.JoinTreeNode, intset.Set) {
	switch t := n.(type) {
	case *nodes.RangeTblRef:
		return t, intset.MakeSet(t.Index)
	case *nodes.FromExpr:
		var relids intset.Set
		for i, item := range t.FromList {
			var r intset.Set
			t.FromList[i], r = pullUpSublinksNode(sc, item)
			relids.UnionWith(r)
		}
		qual, node := pullUpQualClauses(sc, t.Quals, relids, t)
		if node != nodes.JoinTreeNode(t) {
			// The pullup nested this node inside new joins. Kept quals must
			// distribute above those joins, once every relation they can
			// reference has a record.
			t.Quals = nil
			return &nodes.FromExpr{FromList: []nodes.JoinTreeNode{node}, Quals: qual}, relids
		}
		t.Quals = qual
		return node, relids
	case *nodes.JoinExpr:
		var lrel, rrel intset.Set
		t.Left, lrel = pullUpSublinksNode(sc, t.Left)
		t.Right, rrel = pullUpSublinksNode(sc, t.Right)
		relids := lrel.Union(rrel)
		if t.JoinType == nodes.JoinInner {
			qual, node := pullUpQualClauses(sc, t.Quals, relids, t)
			if node != nodes.JoinTreeNode(t) {
				t.Quals = nil
				return &nodes.FromExpr{FromList: []nodes.JoinTreeNode{node}, Quals: qual}, relids
			}
			t.Quals = qual
			return node, relids
		}
		// Sub-links in outer-join conditions keep their sub-plan form: a
		// pulled-up join there would change which rows null-extend.
		return t, relids
	}
	impossible("unhandled join-tree node %T in sublink pullup", n)
	return nil, intset.Set{}
}

// pullUpQualClauses tries each top-level conjunct against the conversion
// ladder. available is the set of relations whose columns the resulting
// join quals may reference; node is the join-tree position the new joins
// wrap around.
func pullUpQualClauses(sc *scope, qual nodes.Expr, available intset.Set, node nodes.JoinTreeNode) (nodes.Expr, nodes.JoinTreeNode) {
	if qual == nil {
		return nil, node
	}
	var kept []nodes.Expr
	for _, clause := range nodes.AndClauses(qual) {
		switch t := clause.(type) {
		case *nodes.SubLink:
			switch t.LinkType {
			case nodes.ExistsSubLink:
				if j, ok := convertExistsToJoin(sc, t, false, available, node); ok {
					node = j
					continue
				}
			case nodes.AnySubLink:
				if j, ok := convertAnyToJoin(sc, t, false, available, node); ok {
					node = j
					continue
				}
			case nodes.AllSubLink:
				if repl, j, ok := convertAllSublink(sc, t, available, node); ok {
					node = j
					if repl != nil {
						kept = append(kept, repl)
					}
					continue
				}
			}
		case *nodes.BoolExpr:
			if t.Op == nodes.NotOp && len(t.Args) == 1 {
				if sl, ok := t.Args[0].(*nodes.SubLink); ok {
					switch sl.LinkType {
					case nodes.ExistsSubLink:
						if j, ok := convertExistsToJoin(sc, sl, true, available, node); ok {
							node = j
							continue
						}
					case nodes.AnySubLink:
						if j, ok := convertAnyToJoin(sc, sl, true, available, node); ok {
							node = j
							continue
						}
					}
				}
			}
			if t.Op == nodes.OrOp {
				if repl, j, ok := convertOrExists(sc, t, available, node); ok {
					node = j
					kept = append(kept, repl)
					continue
				}
			}
		}
		kept = append(kept, clause)
	}
	return nodes.MakeAnd(kept), node
}

// simplifyExistsQuery strips the clauses irrelevant under EXISTS: target
// list, ordering, distinctness, and a provably row-preserving LIMIT. It
// declines shapes whose row count is entangled with those clauses. Applying
// it to an already-simplified query changes nothing.
func simplifyExistsQuery(sub *nodes.Query) bool {
	if sub.SetOp != nil || sub.HasAggs || len(sub.WindowClauses) > 0 || sub.HavingQual != nil {
		return false
	}
	if sub.LimitOffset != nil {
		c, ok := sub.LimitOffset.(*nodes.Const)
		if !ok || c.Null || asInt(c.Value) != 0 {
			return false
		}
	}
	if sub.LimitCount != nil {
		c, ok := sub.LimitCount.(*nodes.Const)
		if !ok || c.Null || asInt(c.Value) < 1 {
			return false
		}
	}
	// The row content is irrelevant under EXISTS, but a query with no
	// projection cannot execute; a constant stands in.
	sub.TargetList = []nodes.TargetEntry{{Expr: &nodes.Const{Value: true, ColType: nodes.TypeBool}}}
	sub.SortClause = nil
	sub.Distinct = false
	sub.DistinctOnRefs = nil
	sub.GroupRefs = nil
	sub.LimitCount = nil
	sub.LimitOffset = nil
	return true
}

func asInt(d nodes.Datum) int64 {
	switch v := d.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return -1
}

// convertExistsToJoin turns a top-level [NOT] EXISTS conjunct into a semi or
// anti join against the sub-select, with the correlation conjuncts becoming
// the join condition.
func convertExistsToJoin(sc *scope, sl *nodes.SubLink, negated bool, available intset.Set, node nodes.JoinTreeNode) (nodes.JoinTreeNode, bool) {
	sub := sl.Subselect
	if len(sub.CTEs) > 0 || !simplifyExistsQuery(sub) {
		return nil, false
	}
	pairs, residual, ok := separateCorrelation(sc, sub, false)
	if !ok || len(pairs) == 0 {
		return nil, false
	}
	for _, p := range pairs {
		if !exprRelids(p.outer).SubsetOf(available) {
			return nil, false
		}
	}

	commitCorrelation(sub, residual)
	rti := installSubqueryRTE(sc, "exists", sub, pairsInnerTargets(pairs))
	jt := nodes.JoinSemi
	if negated {
		jt = nodes.JoinAnti
	}
	return &nodes.JoinExpr{
		JoinType: jt,
		Left:     node,
		Right:    &nodes.RangeTblRef{Index: rti},
		Quals:    pairJoinQuals(pairs, rti, nil),
	}, true
}

// convertAnyToJoin turns x [NOT] IN (sub) into a semi or anti join. The anti
// variant is only sound under three-valued NOT IN semantics when every
// possibly-null comparison operand gains an IS NULL disjunct in the join
// condition; operands provably not null skip the disjunct.
func convertAnyToJoin(sc *scope, sl *nodes.SubLink, negated bool, available intset.Set, node nodes.JoinTreeNode) (nodes.JoinTreeNode, bool) {
	sub := sl.Subselect
	test := sl.TestExpr
	if test == nil || nodes.ContainsVolatile(test) || nodes.ContainsSubLinks(test) {
		return nil, false
	}
	testRels := exprRelids(test)
	if testRels.Empty() || !testRels.SubsetOf(available) {
		return nil, false
	}
	if nodes.HasCorrelation(test, 1) || nodes.QueryHasCorrelation(sub, 1) {
		return nil, false
	}
	lhs := rowOperands(test)
	if len(lhs) != len(sub.TargetList) {
		return nil, false
	}

	rti := sc.addRTE(&nodes.SubqueryRTE{Alias: fmt.Sprintf("any_%d", len(sc.query.RangeTable)+1), Subquery: sub})
	var quals []nodes.Expr
	for i, l := range lhs {
		rhs := &nodes.Var{RelIndex: rti, Col: i + 1, ColType: nodes.TypeOf(sub.TargetList[i].Expr)}
		cmp := nodes.Expr(&nodes.OpExpr{Op: sl.Oper, Args: []nodes.Expr{l, rhs}})
		if negated {
			disjuncts := []nodes.Expr{cmp}
			if !exprNotNullable(sc.query, sc.sess.catalog, l) {
				disjuncts = append(disjuncts, &nodes.NullTest{Arg: nodes.CopyExpr(l), Kind: nodes.IsNull})
			}
			if !exprNotNullable(sub, sc.sess.catalog, sub.TargetList[i].Expr) {
				disjuncts = append(disjuncts, &nodes.NullTest{Arg: nodes.CopyExpr(rhs), Kind: nodes.IsNull})
			}
			if len(disjuncts) > 1 {
				cmp = &nodes.BoolExpr{Op: nodes.OrOp, Args: disjuncts}
			}
		}
		quals = append(quals, cmp)
	}
	jt := nodes.JoinSemi
	if negated {
		jt = nodes.JoinAnti
	}
	return &nodes.JoinExpr{
		JoinType: jt,
		Left:     node,
		Right:    &nodes.RangeTblRef{Index: rti},
		Quals:    nodes.MakeAnd(quals),
	}, true
}

// convertAllSublink rewrites x < ALL (sub) through a MIN aggregate (or MAX
// for >): uncorrelated sub-selects become a scalar comparison against the
// aggregate completed by an emptiness test, both planned as initplans;
// correlated ones become a left join against the sub-select grouped by its
// correlation keys, with a null group standing for the vacuous case. The
// single output column must be provably non-null, since the aggregate
// ignores nulls the ALL comparison would have observed.
func convertAllSublink(sc *scope, sl *nodes.SubLink, available intset.Set, node nodes.JoinTreeNode) (nodes.Expr, nodes.JoinTreeNode, bool) {
	sub := sl.Subselect
	test := sl.TestExpr
	var aggFunc string
	switch sl.Oper {
	case nodes.OpLt:
		aggFunc = "min"
	case nodes.OpGt:
		aggFunc = "max"
	default:
		return nil, nil, false
	}
	if test == nil || nodes.ContainsVolatile(test) || nodes.ContainsSubLinks(test) || nodes.HasCorrelation(test, 1) {
		return nil, nil, false
	}
	if sub.SetOp != nil || len(sub.CTEs) > 0 || sub.HasAggs || len(sub.WindowClauses) > 0 ||
		sub.LimitCount != nil || sub.LimitOffset != nil || len(sub.TargetList) != 1 {
		return nil, nil, false
	}
	col := sub.TargetList[0].Expr
	if !exprNotNullable(sub, sc.sess.catalog, col) {
		return nil, nil, false
	}
	if !exprRelids(test).SubsetOf(available) {
		return nil, nil, false
	}

	agg := &nodes.Aggref{Func: aggFunc, Arg: col, RetType: nodes.TypeOf(col)}

	if !nodes.QueryHasCorrelation(sub, 1) {
		// ALL holds vacuously over an empty sub-select, where the aggregate
		// returns NULL and the bare comparison would drop the row; an
		// emptiness test completes the rewrite.
		probe := nodes.CopyQuery(sub)
		sub.TargetList = []nodes.TargetEntry{{Name: aggFunc, Expr: agg}}
		sub.HasAggs = true
		cmp := &nodes.OpExpr{Op: sl.Oper, Args: []nodes.Expr{
			test,
			&nodes.SubLink{LinkType: nodes.ExprSubLink, Subselect: sub},
		}}
		repl := &nodes.BoolExpr{Op: nodes.OrOp, Args: []nodes.Expr{
			cmp,
			&nodes.BoolExpr{Op: nodes.NotOp, Args: []nodes.Expr{
				&nodes.SubLink{LinkType: nodes.ExistsSubLink, Subselect: probe},
			}},
		}}
		return repl, node, true
	}

	pairs, residual, ok := separateCorrelation(sc, sub, true)
	if !ok || len(pairs) == 0 {
		return nil, nil, false
	}
	for _, p := range pairs {
		if !exprRelids(p.outer).SubsetOf(available) {
			return nil, nil, false
		}
	}

	commitCorrelation(sub, residual)
	targets := pairsInnerTargets(pairs)
	sub.GroupRefs = make([]int, len(targets))
	for i := range targets {
		sub.GroupRefs[i] = i
	}
	targets = append(targets, nodes.TargetEntry{Name: aggFunc, Expr: agg})
	sub.HasAggs = true
	rti := installSubqueryRTE(sc, "all", sub, targets)

	// A left join marks outer rows whose group is empty: the aggregate
	// column is non-null for every real group, so IS NULL identifies the
	// vacuously-true rows.
	aggVar := func() *nodes.Var {
		return &nodes.Var{RelIndex: rti, Col: len(pairs) + 1, ColType: agg.RetType}
	}
	repl := &nodes.BoolExpr{Op: nodes.OrOp, Args: []nodes.Expr{
		&nodes.OpExpr{Op: sl.Oper, Args: []nodes.Expr{test, aggVar()}},
		&nodes.NullTest{Arg: aggVar(), Kind: nodes.IsNull},
	}}
	return repl, &nodes.JoinExpr{
		JoinType: nodes.JoinLeft,
		Left:     node,
		Right:    &nodes.RangeTblRef{Index: rti},
		Quals:    pairJoinQuals(pairs, rti, nil),
	}, true
}

// convertOrExists rewrites the EXISTS arms of an OR conjunct into left-join
// probes: the sub-select, deduplicated over its correlation keys, left-joins
// in, and the arm becomes a matched-row test. Correlation must be equality
// only, so each outer row matches at most one deduplicated inner row.
func convertOrExists(sc *scope, or *nodes.BoolExpr, available intset.Set, node nodes.JoinTreeNode) (nodes.Expr, nodes.JoinTreeNode, bool) {
	if len(or.Args) == 0 {
		// A degenerate OR with no arms has nothing to pull up.
		return nil, nil, false
	}
	converted := false
	args := make([]nodes.Expr, len(or.Args))
	copy(args, or.Args)
	for i, arm := range args {
		sl, ok := arm.(*nodes.SubLink)
		if !ok || sl.LinkType != nodes.ExistsSubLink {
			continue
		}
		sub := sl.Subselect
		if len(sub.CTEs) > 0 || !simplifyExistsQuery(sub) {
			continue
		}
		pairs, residual, ok := separateCorrelation(sc, sub, true)
		if !ok || len(pairs) == 0 {
			continue
		}
		usable := true
		for _, p := range pairs {
			if !exprRelids(p.outer).SubsetOf(available) {
				usable = false
			}
		}
		if !usable {
			continue
		}

		commitCorrelation(sub, residual)
		sub.Distinct = true
		rti := installSubqueryRTE(sc, "orexists", sub, pairsInnerTargets(pairs))
		node = &nodes.JoinExpr{
			JoinType: nodes.JoinLeft,
			Left:     node,
			Right:    &nodes.RangeTblRef{Index: rti},
			Quals:    pairJoinQuals(pairs, rti, nil),
		}
		args[i] = &nodes.NullTest{
			Arg:  &nodes.Var{RelIndex: rti, Col: 1, ColType: nodes.TypeOf(pairs[0].inner)},
			Kind: nodes.IsNotNull,
		}
		converted = true
	}
	if !converted {
		return nil, nil, false
	}
	return &nodes.BoolExpr{Op: nodes.OrOp, Args: args}, node, true
}

// pullUpScalarSublinks rewrites scalar aggregate sub-selects appearing in
// the target list or filters into a grouped left join, replacing each
// sub-link with a column of the join. Only null-on-empty aggregates
// qualify: the left join's null extension must coincide with the
// aggregate's result over zero rows.
func pullUpScalarSublinks(sc *scope) {
	q := sc.query
	if q.SetOp != nil || q.HasAggs || len(q.GroupRefs) > 0 || len(q.JoinTree.FromList) == 0 {
		return
	}
	var available intset.Set
	for _, item := range q.JoinTree.FromList {
		available.UnionWith(joinTreeRelids(item))
	}

	var joins []*nodes.JoinExpr
	rewrite := func(e nodes.Expr) nodes.Expr {
		return nodes.MutateExpr(e, func(n nodes.Expr) (nodes.Expr, bool) {
			sl, ok := n.(*nodes.SubLink)
			if !ok || sl.LinkType != nodes.ExprSubLink {
				return nil, false
			}
			repl, join, ok := convertScalarToJoin(sc, sl, available)
			if !ok {
				return nil, false
			}
			joins = append(joins, join)
			return repl, true
		})
	}
	for i := range q.TargetList {
		q.TargetList[i].Expr = rewrite(q.TargetList[i].Expr)
	}
	q.JoinTree.Quals = rewrite(q.JoinTree.Quals)

	if len(joins) == 0 {
		return
	}
	inner := nodes.JoinTreeNode(&nodes.FromExpr{FromList: q.JoinTree.FromList})
	for _, j := range joins {
		j.Left = inner
		inner = j
	}
	q.JoinTree.FromList = []nodes.JoinTreeNode{inner}
}

func joinTreeRelids(n nodes.JoinTreeNode) intset.Set {
	var relids intset.Set
	switch t := n.(type) {
	case *nodes.RangeTblRef:
		relids.Add(t.Index)
	case *nodes.FromExpr:
		for _, item := range t.FromList {
			relids.UnionWith(joinTreeRelids(item))
		}
	case *nodes.JoinExpr:
		relids.UnionWith(joinTreeRelids(t.Left))
		relids.UnionWith(joinTreeRelids(t.Right))
	}
	return relids
}

func convertScalarToJoin(sc *scope, sl *nodes.SubLink, available intset.Set) (nodes.Expr, *nodes.JoinExpr, bool) {
	sub := sl.Subselect
	if sub.SetOp != nil || len(sub.CTEs) > 0 || sub.Distinct || len(sub.WindowClauses) > 0 ||
		sub.LimitCount != nil || sub.LimitOffset != nil || sub.HavingQual != nil {
		return nil, nil, false
	}
	if !sub.HasAggs || len(sub.GroupRefs) > 0 || len(sub.TargetList) != 1 {
		return nil, nil, false
	}
	agg, ok := sub.TargetList[0].Expr.(*nodes.Aggref)
	if !ok || agg.LevelsUp != 0 || !nullOnEmpty(agg.Func) {
		return nil, nil, false
	}
	pairs, residual, ok := separateCorrelation(sc, sub, true)
	if !ok || len(pairs) == 0 {
		return nil, nil, false
	}
	for _, p := range pairs {
		if !exprRelids(p.outer).SubsetOf(available) {
			return nil, nil, false
		}
	}

	commitCorrelation(sub, residual)
	targets := pairsInnerTargets(pairs)
	sub.GroupRefs = make([]int, len(targets))
	for i := range targets {
		sub.GroupRefs[i] = i
	}
	targets = append(targets, sub.TargetList[0])
	rti := installSubqueryRTE(sc, "scalar", sub, targets)

	join := &nodes.JoinExpr{
		JoinType: nodes.JoinLeft,
		Right:    &nodes.RangeTblRef{Index: rti},
		Quals:    pairJoinQuals(pairs, rti, nil),
	}
	repl := &nodes.Var{RelIndex: rti, Col: len(pairs) + 1, ColType: agg.RetType}
	return repl, join, true
}

// nullOnEmpty reports whether the aggregate returns NULL over zero input
// rows. count does not, which is exactly why it blocks the left-join form.
func nullOnEmpty(fn string) bool {
	switch fn {
	case "min", "max", "sum", "avg":
		return true
	}
	return false
}

// separateCorrelation analyzes the sub-select's correlated WHERE conjuncts
// and returns them as pairs alongside the residual local quals. It declines
// when correlation reaches a grandparent level, hides anywhere but a
// separable comparison conjunct, or (with equalityOnly) compares with
// anything but equality. The sub-select is not modified: callers that go
// through with a rewrite commit the residual with commitCorrelation once
// every other eligibility check has passed, so a declined rewrite leaves the
// sub-select intact for the sub-plan fallback.
func separateCorrelation(sc *scope, sub *nodes.Query, equalityOnly bool) ([]corrPair, nodes.Expr, bool) {
	if nodes.QueryHasCorrelation(sub, 2) {
		return nil, nil, false
	}
	if sub.JoinTree == nil {
		return nil, nil, false
	}
	var pairs []corrPair
	var local []nodes.Expr
	for _, clause := range nodes.AndClauses(sub.JoinTree.Quals) {
		if !nodes.HasCorrelation(clause, 1) {
			local = append(local, clause)
			continue
		}
		op, ok := clause.(*nodes.OpExpr)
		if !ok || !op.Op.Comparison() || len(op.Args) != 2 {
			return nil, nil, false
		}
		if equalityOnly && op.Op != nodes.OpEq {
			return nil, nil, false
		}
		l, r, oper := op.Args[0], op.Args[1], op.Op
		if pureOuterOperand(l) && pureLocalOperand(r) {
			pairs = append(pairs, corrPair{op: oper, outer: stripOuterLevel(l), inner: r})
			continue
		}
		if pureOuterOperand(r) && pureLocalOperand(l) {
			// Keep operand orientation: reverse the comparison instead.
			rev := oper
			switch oper {
			case nodes.OpLt:
				rev = nodes.OpGt
			case nodes.OpLe:
				rev = nodes.OpGe
			case nodes.OpGt:
				rev = nodes.OpLt
			case nodes.OpGe:
				rev = nodes.OpLe
			}
			pairs = append(pairs, corrPair{op: rev, outer: stripOuterLevel(r), inner: l})
			continue
		}
		return nil, nil, false
	}
	residual := nodes.MakeAnd(local)
	saved := sub.JoinTree.Quals
	sub.JoinTree.Quals = residual
	survives := nodes.QueryHasCorrelation(sub, 1)
	sub.JoinTree.Quals = saved
	if survives {
		// Correlation hides somewhere non-separable.
		return nil, nil, false
	}
	return pairs, residual, true
}

// commitCorrelation strips the correlated conjuncts a successful
// separateCorrelation identified, leaving only the residual local quals.
func commitCorrelation(sub *nodes.Query, residual nodes.Expr) {
	sub.JoinTree.Quals = residual
}

// pureOuterOperand: references the parent level only, through plain columns.
func pureOuterOperand(e nodes.Expr) bool {
	if nodes.ContainsVolatile(e) || nodes.ContainsSubLinks(e) {
		return false
	}
	hasOuter := false
	pure := true
	nodes.WalkExpr(e, func(n nodes.Expr) bool {
		switch t := n.(type) {
		case *nodes.Var:
			if t.LevelsUp == 1 {
				hasOuter = true
			} else {
				pure = false
			}
		case *nodes.PlaceHolderVar, *nodes.Aggref, *nodes.GroupingFunc:
			pure = false
		}
		return pure
	})
	return pure && hasOuter
}

// pureLocalOperand: no correlation, no sub-links, no volatility.
func pureLocalOperand(e nodes.Expr) bool {
	return !nodes.HasCorrelation(e, 1) && !nodes.ContainsSubLinks(e) && !nodes.ContainsVolatile(e)
}

// stripOuterLevel rebases a pure outer operand to the enclosing level.
func stripOuterLevel(e nodes.Expr) nodes.Expr {
	c := nodes.CopyExpr(e)
	return nodes.MutateExpr(c, func(n nodes.Expr) (nodes.Expr, bool) {
		if v, ok := n.(*nodes.Var); ok && v.LevelsUp == 1 {
			v.LevelsUp = 0
		}
		return nil, false
	})
}

// pairsInnerTargets projects the local sides of the correlation pairs.
func pairsInnerTargets(pairs []corrPair) []nodes.TargetEntry {
	targets := make([]nodes.TargetEntry, len(pairs))
	for i, p := range pairs {
		targets[i] = nodes.TargetEntry{Name: fmt.Sprintf("k%d", i+1), Expr: p.inner}
	}
	return targets
}

// pairJoinQuals builds the join condition comparing outer operands to the
// sub-select's projected correlation columns, plus an optional extra qual.
func pairJoinQuals(pairs []corrPair, rti int, extra nodes.Expr) nodes.Expr {
	quals := make([]nodes.Expr, 0, len(pairs)+1)
	for i, p := range pairs {
		quals = append(quals, &nodes.OpExpr{Op: p.op, Args: []nodes.Expr{
			p.outer,
			&nodes.Var{RelIndex: rti, Col: i + 1, ColType: nodes.TypeOf(p.inner)},
		}})
	}
	if extra != nil {
		quals = append(quals, extra)
	}
	return nodes.MakeAnd(quals)
}

// installSubqueryRTE finalizes a pulled-up sub-select's target list and adds
// it to the range table.
func installSubqueryRTE(sc *scope, kind string, sub *nodes.Query, targets []nodes.TargetEntry) int {
	sub.TargetList = targets
	return sc.addRTE(&nodes.SubqueryRTE{
		Alias:    fmt.Sprintf("%s_%d", kind, len(sc.query.RangeTable)+1),
		Subquery: sub,
	})
}

// exprNotNullable proves an expression cannot evaluate to NULL within query
// q: non-null literals, columns declared NOT NULL, and strict operators over
// such. Anything unprovable counts as nullable.
func exprNotNullable(q *nodes.Query, catalog cat.Catalog, e nodes.Expr) bool {
	switch t := e.(type) {
	case *nodes.Const:
		return !t.Null
	case *nodes.Var:
		if t.LevelsUp != 0 || t.Col == 0 || t.RelIndex < 1 || t.RelIndex > len(q.RangeTable) {
			return false
		}
		rel, ok := q.RangeTable[t.RelIndex-1].(*nodes.RelationRTE)
		if !ok {
			return false
		}
		tab, err := catalog.Table(rel.TableName)
		if err != nil || t.Col > len(tab.Columns) {
			return false
		}
		return tab.Columns[t.Col-1].NotNull
	case *nodes.OpExpr:
		for _, a := range t.Args {
			if !exprNotNullable(q, catalog, a) {
				return false
			}
		}
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// SubPlan fallback

// preprocessExpressions is the second normalization pass: every remaining
// sub-link becomes a SubPlan or initplan, and every remaining correlated
// reference becomes an exec param bound at its owning scope.
func preprocessExpressions(sc *scope) {
	nodes.MutateQueryExprs(sc.query, func(e nodes.Expr) (nodes.Expr, bool) {
		return preprocessNode(sc, e)
	})
}

func preprocessExpr(sc *scope, e nodes.Expr) nodes.Expr {
	return nodes.MutateExpr(e, func(n nodes.Expr) (nodes.Expr, bool) {
		return preprocessNode(sc, n)
	})
}

func preprocessNode(sc *scope, n nodes.Expr) (nodes.Expr, bool) {
	switch t := n.(type) {
	case *nodes.SubLink:
		return makeSubplan(sc, t), true
	case *nodes.Var:
		if t.LevelsUp > 0 {
			return bindVar(sc, t), true
		}
	case *nodes.PlaceHolderVar:
		if t.LevelsUp > 0 {
			return bindPlaceHolder(sc, t), true
		}
	case *nodes.Aggref:
		if t.LevelsUp > 0 {
			return bindAggref(sc, t), true
		}
	case *nodes.GroupingFunc:
		if t.LevelsUp > 0 {
			return bindGroupingFunc(sc, t), true
		}
	}
	return nil, false
}

// makeSubplan plans a sub-link's sub-select as a child scope and wraps it:
// an initplan when nothing flows in per outer row, a hashed SubPlan for
// uncorrelated equality membership, a plain parameter-bound SubPlan
// otherwise. This rung never declines.
func makeSubplan(sc *scope, sl *nodes.SubLink) nodes.Expr {
	testexpr := preprocessExpr(sc, sl.TestExpr)
	sub := sl.Subselect
	linkType := sl.LinkType
	oper := sl.Oper

	if linkType == nodes.ExistsSubLink {
		trial := nodes.CopyQuery(sub)
		if len(trial.CTEs) == 0 && simplifyExistsQuery(trial) {
			if test, ok := convertExistsToAny(sc, trial); ok {
				// Equality-correlated EXISTS re-expressed as an
				// uncorrelated IN, which the executor can hash.
				sub, testexpr, linkType, oper = trial, test, nodes.AnySubLink, nodes.OpEq
			} else {
				sub = trial
			}
		}
	}

	checkpoint := len(sc.planParams)
	child := sc.sess.planScope(sub, sc.idx)
	bindings := drainPlanParams(sc, checkpoint)

	sp := &nodes.SubPlan{LinkType: linkType, TestExpr: testexpr}
	for _, b := range bindings {
		sp.ParParam = append(sp.ParParam, b.paramID)
		sp.Args = append(sp.Args, b.source)
	}
	sp.Plan = child.plan
	pc := child.plan.Common()
	sp.StartupCost = pc.StartupCost
	sp.PerCallCost = pc.TotalCost
	sc.sess.registerSubplan(sp)

	correlated := len(sp.ParParam) > 0

	switch linkType {
	case nodes.ExistsSubLink:
		sp.RetType = nodes.TypeBool
		sp.TestExpr = nil
		if correlated {
			sp.PlanName = fmt.Sprintf("SubPlan %d", sp.PlanID)
			return sp
		}
		return attachInitPlan(sc, sp, nodes.TypeBool)

	case nodes.ExprSubLink:
		typ := nodes.TypeUnknown
		if len(sub.TargetList) > 0 {
			typ = nodes.TypeOf(sub.TargetList[0].Expr)
		}
		sp.RetType = typ
		sp.TestExpr = nil
		if correlated {
			sp.PlanName = fmt.Sprintf("SubPlan %d", sp.PlanID)
			return sp
		}
		return attachInitPlan(sc, sp, typ)

	case nodes.RowCompareSubLink:
		sp.RetType = nodes.TypeBool
		params := make([]nodes.Expr, len(sub.TargetList))
		for i, te := range sub.TargetList {
			p := newOutputParam(sc, nodes.TypeOf(te.Expr))
			sp.SetParam = append(sp.SetParam, p.ID)
			params[i] = p
		}
		sp.TestExpr = &nodes.OpExpr{Op: oper, Args: []nodes.Expr{testexpr, &nodes.RowExpr{Exprs: params}}}
		if correlated {
			sp.PlanName = fmt.Sprintf("SubPlan %d", sp.PlanID)
			return sp
		}
		sp.PlanName = fmt.Sprintf("InitPlan %d", sp.PlanID)
		sc.initPlans = append(sc.initPlans, sp)
		return sp.TestExpr

	case nodes.AnySubLink, nodes.AllSubLink:
		sp.RetType = nodes.TypeBool
		lhs := rowOperands(testexpr)
		if len(lhs) != len(sub.TargetList) {
			impossible("%s sub-link compares %d expressions against %d output columns",
				linkType, len(lhs), len(sub.TargetList))
		}
		quals := make([]nodes.Expr, len(lhs))
		for i, l := range lhs {
			p := newOutputParam(sc, nodes.TypeOf(sub.TargetList[i].Expr))
			sp.SetParam = append(sp.SetParam, p.ID)
			quals[i] = &nodes.OpExpr{Op: oper, Args: []nodes.Expr{l, p}}
		}
		sp.TestExpr = nodes.MakeAnd(quals)
		if linkType == nodes.AnySubLink && !correlated && oper == nodes.OpEq {
			sp.UseHashTable = true
			sp.StartupCost += pc.TotalCost
			sp.PerCallCost = sc.sess.cost.HashProbeCost()
		}
		sp.PlanName = fmt.Sprintf("SubPlan %d", sp.PlanID)
		if sp.UseHashTable {
			sp.PlanName += " (hashed)"
		}
		return sp
	}
	impossible("unhandled sub-link type %s", linkType)
	return nil
}

// attachInitPlan queues an uncorrelated sub-plan for one-time execution and
// returns the param carrying its scalar output.
func attachInitPlan(sc *scope, sp *nodes.SubPlan, typ nodes.Type) nodes.Expr {
	p := newOutputParam(sc, typ)
	sp.SetParam = []int{p.ID}
	sp.PlanName = fmt.Sprintf("InitPlan %d (returns $%d)", sp.PlanID, p.ID)
	sc.initPlans = append(sc.initPlans, sp)
	return p
}

// convertExistsToAny re-expresses an equality-correlated EXISTS as an
// uncorrelated membership test: the outer operands move into the test
// expression and the local operands become the sub-select's output.
func convertExistsToAny(sc *scope, sub *nodes.Query) (nodes.Expr, bool) {
	pairs, residual, ok := separateCorrelation(sc, sub, true)
	if !ok || len(pairs) == 0 {
		return nil, false
	}
	// EXISTS over a NULL correlation key is plainly false; ANY membership is
	// unknown. The two forms only agree, under negation included, when the
	// outer operands cannot be NULL.
	for _, p := range pairs {
		if !exprNotNullable(sc.query, sc.sess.catalog, p.outer) {
			return nil, false
		}
	}
	commitCorrelation(sub, residual)
	sub.TargetList = pairsInnerTargets(pairs)
	if len(pairs) == 1 {
		return preprocessExpr(sc, pairs[0].outer), true
	}
	outer := make([]nodes.Expr, len(pairs))
	for i, p := range pairs {
		outer[i] = p.outer
	}
	return preprocessExpr(sc, &nodes.RowExpr{Exprs: outer}), true
}

// rowOperands flattens a test expression into its per-column operands.
func rowOperands(e nodes.Expr) []nodes.Expr {
	if row, ok := e.(*nodes.RowExpr); ok {
		return row.Exprs
	}
	if e == nil {
		return nil
	}
	return []nodes.Expr{e}
}
