package nodes

// EqualExpr reports structural equality of two expression trees. It is the
// matching rule for parameter-binding dedup: two correlated references bind
// to the same exec param iff their normalized source expressions are equal
// under this predicate.
func EqualExpr(a, b Expr) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch x := a.(type) {
	case *Var:
		y, ok := b.(*Var)
		return ok && *x == *y
	case *Const:
		y, ok := b.(*Const)
		return ok && x.Null == y.Null && x.ColType == y.ColType && x.Value == y.Value
	case *Param:
		y, ok := b.(*Param)
		return ok && *x == *y
	case *OpExpr:
		y, ok := b.(*OpExpr)
		return ok && x.Op == y.Op && equalExprList(x.Args, y.Args)
	case *BoolExpr:
		y, ok := b.(*BoolExpr)
		return ok && x.Op == y.Op && equalExprList(x.Args, y.Args)
	case *NullTest:
		y, ok := b.(*NullTest)
		return ok && x.Kind == y.Kind && EqualExpr(x.Arg, y.Arg)
	case *FuncExpr:
		y, ok := b.(*FuncExpr)
		return ok && x.Name == y.Name && x.RetType == y.RetType &&
			x.Volatility == y.Volatility && x.ReturnsSet == y.ReturnsSet &&
			equalExprList(x.Args, y.Args)
	case *Aggref:
		y, ok := b.(*Aggref)
		return ok && x.Func == y.Func && x.LevelsUp == y.LevelsUp &&
			x.Distinct == y.Distinct && EqualExpr(x.Arg, y.Arg)
	case *GroupingFunc:
		y, ok := b.(*GroupingFunc)
		return ok && x.LevelsUp == y.LevelsUp && equalExprList(x.Args, y.Args)
	case *WindowFunc:
		y, ok := b.(*WindowFunc)
		return ok && x.Name == y.Name && x.WinRef == y.WinRef && equalExprList(x.Args, y.Args)
	case *PlaceHolderVar:
		y, ok := b.(*PlaceHolderVar)
		// Placeholders are identified by ID; the wrapped expression is the
		// same for equal IDs by construction.
		return ok && x.ID == y.ID && x.LevelsUp == y.LevelsUp
	case *RowExpr:
		y, ok := b.(*RowExpr)
		return ok && equalExprList(x.Exprs, y.Exprs)
	case *SubLink, *SubPlan:
		// Sub-selects never participate in binding dedup; identity only.
		return a == b
	}
	return false
}

func equalExprList(a, b []Expr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !EqualExpr(a[i], b[i]) {
			return false
		}
	}
	return true
}
