package nodes

import "fmt"

// exprChildren returns the sub-expressions of e evaluated at the same query
// level. SubLink sub-selects and SubPlan plan trees are deliberately not
// children: walks stop at query-level boundaries unless a caller descends
// explicitly.
func exprChildren(e Expr) []Expr {
	switch t := e.(type) {
	case *Var, *Const, *Param:
		return nil
	case *OpExpr:
		return t.Args
	case *BoolExpr:
		return t.Args
	case *NullTest:
		return []Expr{t.Arg}
	case *FuncExpr:
		return t.Args
	case *Aggref:
		if t.Arg == nil {
			return nil
		}
		return []Expr{t.Arg}
	case *GroupingFunc:
		return t.Args
	case *WindowFunc:
		return t.Args
	case *PlaceHolderVar:
		return []Expr{t.Expr}
	case *RowExpr:
		return t.Exprs
	case *SubLink:
		if t.TestExpr == nil {
			return nil
		}
		return []Expr{t.TestExpr}
	case *SubPlan:
		var c []Expr
		if t.TestExpr != nil {
			c = append(c, t.TestExpr)
		}
		c = append(c, t.Args...)
		return c
	}
	panic(fmt.Sprintf("nodes: unhandled expression type %T", e))
}

// WalkExpr visits e and its same-level sub-expressions in pre-order. The
// visitor returns whether to descend below the visited node. A nil
// expression is a no-op.
func WalkExpr(e Expr, visit func(Expr) bool) {
	if e == nil {
		return
	}
	if !visit(e) {
		return
	}
	for _, c := range exprChildren(e) {
		WalkExpr(c, visit)
	}
}

// MutateExpr rewrites an expression tree bottom-up control flow: fn is
// offered each node pre-order; returning a replacement stops descent at that
// node, otherwise the node's children are rewritten in place. Callers own
// the tree they pass in (clone first if it is shared).
func MutateExpr(e Expr, fn func(Expr) (Expr, bool)) Expr {
	if e == nil {
		return nil
	}
	if repl, ok := fn(e); ok {
		return repl
	}
	mutateChildren(e, fn)
	return e
}

func mutateList(exprs []Expr, fn func(Expr) (Expr, bool)) {
	for i, c := range exprs {
		exprs[i] = MutateExpr(c, fn)
	}
}

func mutateChildren(e Expr, fn func(Expr) (Expr, bool)) {
	switch t := e.(type) {
	case *Var, *Const, *Param:
	case *OpExpr:
		mutateList(t.Args, fn)
	case *BoolExpr:
		mutateList(t.Args, fn)
	case *NullTest:
		t.Arg = MutateExpr(t.Arg, fn)
	case *FuncExpr:
		mutateList(t.Args, fn)
	case *Aggref:
		t.Arg = MutateExpr(t.Arg, fn)
	case *GroupingFunc:
		mutateList(t.Args, fn)
	case *WindowFunc:
		mutateList(t.Args, fn)
	case *PlaceHolderVar:
		t.Expr = MutateExpr(t.Expr, fn)
	case *RowExpr:
		mutateList(t.Exprs, fn)
	case *SubLink:
		t.TestExpr = MutateExpr(t.TestExpr, fn)
	case *SubPlan:
		t.TestExpr = MutateExpr(t.TestExpr, fn)
		mutateList(t.Args, fn)
	default:
		panic(fmt.Sprintf("nodes: unhandled expression type %T", e))
	}
}

// VisitQueryExprs visits every expression belonging to one query level: the
// target list, join-tree quals, having, window-independent clauses, limit
// bounds, and expressions embedded in range-table entries. It does not
// descend into sub-queries (SubqueryRTE, SubLink, CTE bodies).
func VisitQueryExprs(q *Query, visit func(Expr) bool) {
	for _, te := range q.TargetList {
		WalkExpr(te.Expr, visit)
	}
	if q.JoinTree != nil {
		visitJoinTreeExprs(q.JoinTree, visit)
	}
	WalkExpr(q.HavingQual, visit)
	WalkExpr(q.LimitOffset, visit)
	WalkExpr(q.LimitCount, visit)
	for _, rte := range q.RangeTable {
		switch t := rte.(type) {
		case *FunctionRTE:
			WalkExpr(t.Func, visit)
		case *ValuesRTE:
			for _, row := range t.Rows {
				for _, e := range row {
					WalkExpr(e, visit)
				}
			}
		case *TableFuncRTE:
			for _, e := range t.Exprs {
				WalkExpr(e, visit)
			}
		case *RelationRTE:
			if t.Sample != nil {
				WalkExpr(t.Sample.Seed, visit)
			}
		}
	}
}

func visitJoinTreeExprs(n JoinTreeNode, visit func(Expr) bool) {
	switch t := n.(type) {
	case nil:
	case *RangeTblRef:
	case *FromExpr:
		for _, item := range t.FromList {
			visitJoinTreeExprs(item, visit)
		}
		WalkExpr(t.Quals, visit)
	case *JoinExpr:
		visitJoinTreeExprs(t.Left, visit)
		visitJoinTreeExprs(t.Right, visit)
		WalkExpr(t.Quals, visit)
	default:
		panic(fmt.Sprintf("nodes: unhandled join-tree node %T", n))
	}
}

// MutateQueryExprs rewrites every expression of one query level with fn,
// with the same boundary rules as VisitQueryExprs.
func MutateQueryExprs(q *Query, fn func(Expr) (Expr, bool)) {
	for i := range q.TargetList {
		q.TargetList[i].Expr = MutateExpr(q.TargetList[i].Expr, fn)
	}
	if q.JoinTree != nil {
		mutateJoinTreeExprs(q.JoinTree, fn)
	}
	q.HavingQual = MutateExpr(q.HavingQual, fn)
	q.LimitOffset = MutateExpr(q.LimitOffset, fn)
	q.LimitCount = MutateExpr(q.LimitCount, fn)
	for _, rte := range q.RangeTable {
		switch t := rte.(type) {
		case *FunctionRTE:
			t.Func = MutateExpr(t.Func, fn).(*FuncExpr)
		case *ValuesRTE:
			for _, row := range t.Rows {
				mutateList(row, fn)
			}
		case *TableFuncRTE:
			mutateList(t.Exprs, fn)
		case *RelationRTE:
			if t.Sample != nil {
				t.Sample.Seed = MutateExpr(t.Sample.Seed, fn)
			}
		}
	}
}

func mutateJoinTreeExprs(n JoinTreeNode, fn func(Expr) (Expr, bool)) {
	switch t := n.(type) {
	case nil:
	case *RangeTblRef:
	case *FromExpr:
		for _, item := range t.FromList {
			mutateJoinTreeExprs(item, fn)
		}
		t.Quals = MutateExpr(t.Quals, fn)
	case *JoinExpr:
		mutateJoinTreeExprs(t.Left, fn)
		mutateJoinTreeExprs(t.Right, fn)
		t.Quals = MutateExpr(t.Quals, fn)
	default:
		panic(fmt.Sprintf("nodes: unhandled join-tree node %T", n))
	}
}

// ContainsVolatile reports whether any function below e is volatile. It does
// not look into sub-selects.
func ContainsVolatile(e Expr) bool {
	found := false
	WalkExpr(e, func(n Expr) bool {
		if f, ok := n.(*FuncExpr); ok && f.Volatility == VolatilityVolatile {
			found = true
			return false
		}
		return true
	})
	return found
}

// ContainsSetReturning reports whether any function below e returns a set.
func ContainsSetReturning(e Expr) bool {
	found := false
	WalkExpr(e, func(n Expr) bool {
		if f, ok := n.(*FuncExpr); ok && f.ReturnsSet {
			found = true
			return false
		}
		return true
	})
	return found
}

// ContainsLeaky reports whether e contains a function that is not leakproof;
// such predicates may not be pushed through a security barrier.
func ContainsLeaky(e Expr) bool {
	found := false
	WalkExpr(e, func(n Expr) bool {
		if f, ok := n.(*FuncExpr); ok && !f.Leakproof {
			found = true
			return false
		}
		return true
	})
	return found
}

// ContainsSubLinks reports whether e contains any unplanned SubLink.
func ContainsSubLinks(e Expr) bool {
	found := false
	WalkExpr(e, func(n Expr) bool {
		if _, ok := n.(*SubLink); ok {
			found = true
			return false
		}
		return true
	})
	return found
}

// VarsOfLevel collects the Vars below e whose LevelsUp equals level.
func VarsOfLevel(e Expr, level int) []*Var {
	var vars []*Var
	WalkExpr(e, func(n Expr) bool {
		if v, ok := n.(*Var); ok && v.LevelsUp == level {
			vars = append(vars, v)
		}
		return true
	})
	return vars
}

// HasCorrelation reports whether e references any level above minLevel hops
// up, looking through Vars, placeholders, and outer aggregates.
func HasCorrelation(e Expr, minLevel int) bool {
	found := false
	WalkExpr(e, func(n Expr) bool {
		switch t := n.(type) {
		case *Var:
			if t.LevelsUp >= minLevel {
				found = true
				return false
			}
		case *PlaceHolderVar:
			if t.LevelsUp >= minLevel {
				found = true
				return false
			}
		case *Aggref:
			if t.LevelsUp >= minLevel {
				found = true
				return false
			}
		case *GroupingFunc:
			if t.LevelsUp >= minLevel {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

// QueryHasCorrelation reports whether any expression anywhere inside q,
// including nested sub-queries, references a query level at or above
// minLevel hops up from q itself.
func QueryHasCorrelation(q *Query, minLevel int) bool {
	found := false
	var walkQuery func(q *Query, depth int)
	walkQuery = func(q *Query, depth int) {
		check := func(e Expr) bool {
			switch t := e.(type) {
			case *Var:
				if t.LevelsUp >= depth+minLevel {
					found = true
				}
			case *PlaceHolderVar:
				if t.LevelsUp >= depth+minLevel {
					found = true
				}
			case *Aggref:
				if t.LevelsUp >= depth+minLevel {
					found = true
				}
			case *SubLink:
				walkQuery(t.Subselect, depth+1)
			}
			return !found
		}
		VisitQueryExprs(q, check)
		for _, rte := range q.RangeTable {
			if sub, ok := rte.(*SubqueryRTE); ok && !found {
				walkQuery(sub.Subquery, depth+1)
			}
		}
		for _, cte := range q.CTEs {
			if !found {
				walkQuery(cte.Query, depth+1)
			}
		}
	}
	walkQuery(q, 0)
	return found
}
