package nodes

import "fmt"

// CopyExpr deep-clones an expression tree, including sub-select queries
// inside SubLinks. SubPlan plan trees are shared, not cloned: a planned
// sub-tree is immutable once built.
func CopyExpr(e Expr) Expr {
	if e == nil {
		return nil
	}
	switch t := e.(type) {
	case *Var:
		c := *t
		return &c
	case *Const:
		c := *t
		return &c
	case *Param:
		c := *t
		return &c
	case *OpExpr:
		return &OpExpr{Op: t.Op, Args: copyExprList(t.Args)}
	case *BoolExpr:
		return &BoolExpr{Op: t.Op, Args: copyExprList(t.Args)}
	case *NullTest:
		return &NullTest{Arg: CopyExpr(t.Arg), Kind: t.Kind}
	case *FuncExpr:
		c := *t
		c.Args = copyExprList(t.Args)
		return &c
	case *Aggref:
		c := *t
		c.Arg = CopyExpr(t.Arg)
		return &c
	case *GroupingFunc:
		return &GroupingFunc{Args: copyExprList(t.Args), LevelsUp: t.LevelsUp}
	case *WindowFunc:
		c := *t
		c.Args = copyExprList(t.Args)
		return &c
	case *PlaceHolderVar:
		c := *t
		c.Expr = CopyExpr(t.Expr)
		return &c
	case *RowExpr:
		return &RowExpr{Exprs: copyExprList(t.Exprs)}
	case *SubLink:
		return &SubLink{
			LinkType:  t.LinkType,
			TestExpr:  CopyExpr(t.TestExpr),
			Oper:      t.Oper,
			Subselect: CopyQuery(t.Subselect),
		}
	case *SubPlan:
		c := *t
		c.TestExpr = CopyExpr(t.TestExpr)
		c.Args = copyExprList(t.Args)
		c.ParParam = append([]int(nil), t.ParParam...)
		c.SetParam = append([]int(nil), t.SetParam...)
		return &c
	}
	panic(fmt.Sprintf("nodes: unhandled expression type %T", e))
}

func copyExprList(exprs []Expr) []Expr {
	if exprs == nil {
		return nil
	}
	out := make([]Expr, len(exprs))
	for i, e := range exprs {
		out[i] = CopyExpr(e)
	}
	return out
}

// CopyQuery deep-clones a query tree. Every rewrite that mutates a sub-query
// must operate on a copy; the planner's normalizer relies on this.
func CopyQuery(q *Query) *Query {
	if q == nil {
		return nil
	}
	c := *q
	c.RangeTable = make([]RangeTblEntry, len(q.RangeTable))
	for i, rte := range q.RangeTable {
		c.RangeTable[i] = copyRTE(rte)
	}
	if q.JoinTree != nil {
		c.JoinTree = copyJoinTree(q.JoinTree).(*FromExpr)
	}
	c.TargetList = make([]TargetEntry, len(q.TargetList))
	for i, te := range q.TargetList {
		c.TargetList[i] = TargetEntry{Expr: CopyExpr(te.Expr), Name: te.Name}
	}
	c.GroupRefs = append([]int(nil), q.GroupRefs...)
	c.HavingQual = CopyExpr(q.HavingQual)
	c.DistinctOnRefs = append([]int(nil), q.DistinctOnRefs...)
	if q.WindowClauses != nil {
		c.WindowClauses = make([]*WindowClause, len(q.WindowClauses))
		for i, w := range q.WindowClauses {
			wc := &WindowClause{
				PartitionRefs: append([]int(nil), w.PartitionRefs...),
				OrderRefs:     append([]SortItem(nil), w.OrderRefs...),
			}
			c.WindowClauses[i] = wc
		}
	}
	c.SortClause = append([]SortItem(nil), q.SortClause...)
	c.LimitOffset = CopyExpr(q.LimitOffset)
	c.LimitCount = CopyExpr(q.LimitCount)
	if q.CTEs != nil {
		c.CTEs = make([]*CommonTableExpr, len(q.CTEs))
		for i, cte := range q.CTEs {
			cc := *cte
			cc.Query = CopyQuery(cte.Query)
			c.CTEs[i] = &cc
		}
	}
	c.SetOp = copySetOpNode(q.SetOp)
	return &c
}

func copySetOpNode(n *SetOpExpr) *SetOpExpr {
	if n == nil {
		return nil
	}
	return copySetOpTree(n).(*SetOpExpr)
}

func copySetOpTree(n SetOpNode) SetOpNode {
	switch t := n.(type) {
	case *SetOpExpr:
		return &SetOpExpr{
			Op:    t.Op,
			All:   t.All,
			Left:  copySetOpTree(t.Left),
			Right: copySetOpTree(t.Right),
		}
	case *SetOpRangeTblRef:
		c := *t
		return &c
	}
	panic(fmt.Sprintf("nodes: unhandled set-op node %T", n))
}

func copyRTE(rte RangeTblEntry) RangeTblEntry {
	switch t := rte.(type) {
	case *RelationRTE:
		c := *t
		if t.Sample != nil {
			s := *t.Sample
			s.Seed = CopyExpr(t.Sample.Seed)
			c.Sample = &s
		}
		return &c
	case *SubqueryRTE:
		c := *t
		c.Subquery = CopyQuery(t.Subquery)
		return &c
	case *FunctionRTE:
		c := *t
		c.Func = CopyExpr(t.Func).(*FuncExpr)
		c.ColTypes = append([]Type(nil), t.ColTypes...)
		return &c
	case *ValuesRTE:
		c := *t
		c.Rows = make([][]Expr, len(t.Rows))
		for i, row := range t.Rows {
			c.Rows[i] = copyExprList(row)
		}
		c.ColTypes = append([]Type(nil), t.ColTypes...)
		return &c
	case *CTERTE:
		c := *t
		c.ColTypes = append([]Type(nil), t.ColTypes...)
		return &c
	case *TableFuncRTE:
		c := *t
		c.Exprs = copyExprList(t.Exprs)
		c.ColTypes = append([]Type(nil), t.ColTypes...)
		return &c
	case *NamedTuplestoreRTE:
		c := *t
		c.ColTypes = append([]Type(nil), t.ColTypes...)
		return &c
	case *WorkTableRTE:
		c := *t
		c.ColTypes = append([]Type(nil), t.ColTypes...)
		return &c
	case *JoinRTE:
		c := *t
		return &c
	}
	panic(fmt.Sprintf("nodes: unhandled range-table entry %T", rte))
}

func copyJoinTree(n JoinTreeNode) JoinTreeNode {
	switch t := n.(type) {
	case nil:
		return nil
	case *RangeTblRef:
		c := *t
		return &c
	case *FromExpr:
		c := &FromExpr{Quals: CopyExpr(t.Quals)}
		c.FromList = make([]JoinTreeNode, len(t.FromList))
		for i, item := range t.FromList {
			c.FromList[i] = copyJoinTree(item)
		}
		return c
	case *JoinExpr:
		return &JoinExpr{
			JoinType: t.JoinType,
			Left:     copyJoinTree(t.Left),
			Right:    copyJoinTree(t.Right),
			Quals:    CopyExpr(t.Quals),
		}
	}
	panic(fmt.Sprintf("nodes: unhandled join-tree node %T", n))
}
