package exec

import (
	"github.com/cockroachdb/errors"
	"github.com/relplan/relplan/nodes"
	"go.uber.org/zap"
)

// runInitPlans executes a node's attached one-time sub-plans in order,
// publishing their outputs through their SetParam slots.
func (e *Executor) runInitPlans(plans []*nodes.SubPlan) {
	for _, sp := range plans {
		e.runInitPlan(sp)
	}
}

func (e *Executor) runInitPlan(sp *nodes.SubPlan) {
	switch sp.LinkType {
	case nodes.CTESubLink:
		e.cteRows[sp.PlanID] = e.runRows(sp.Plan)
		e.setParam(sp.SetParam[0], true)
		e.log.Debug("materialized cte",
			zap.String("plan", sp.PlanName),
			zap.Int("rows", len(e.cteRows[sp.PlanID])))
	case nodes.ExistsSubLink:
		rows := e.runRows(sp.Plan)
		e.setParam(sp.SetParam[0], len(rows) > 0)
	case nodes.ExprSubLink:
		rows := e.runRows(sp.Plan)
		switch {
		case len(rows) == 0:
			e.setParam(sp.SetParam[0], nil)
		case len(rows) == 1:
			e.setParam(sp.SetParam[0], rows[0][0])
		default:
			panic(errors.New("more than one row returned by a subquery used as an expression"))
		}
	case nodes.RowCompareSubLink:
		rows := e.runRows(sp.Plan)
		switch {
		case len(rows) == 0:
			for _, id := range sp.SetParam {
				e.setParam(id, nil)
			}
		case len(rows) == 1:
			for i, id := range sp.SetParam {
				e.setParam(id, rows[0][i])
			}
		default:
			panic(errors.New("more than one row returned by a subquery used as an expression"))
		}
	default:
		panic(errors.AssertionFailedf("initplan with link type %s", sp.LinkType))
	}
}

// evalSubPlan evaluates a per-row sub-plan reference: arguments are bound
// into their param slots, the sub-plan runs, and the link type decides how
// its rows combine into a scalar.
func (e *Executor) evalSubPlan(sp *nodes.SubPlan, t *tuple) nodes.Datum {
	for i, arg := range sp.Args {
		e.setParam(sp.ParParam[i], e.evalExpr(arg, t))
	}

	if sp.UseHashTable {
		return e.probeHashed(sp, t)
	}

	rows := e.runRows(sp.Plan)
	switch sp.LinkType {
	case nodes.ExistsSubLink:
		return len(rows) > 0
	case nodes.ExprSubLink:
		switch {
		case len(rows) == 0:
			return nil
		case len(rows) == 1:
			return rows[0][0]
		}
		panic(errors.New("more than one row returned by a subquery used as an expression"))
	case nodes.RowCompareSubLink:
		switch {
		case len(rows) == 0:
			return nil
		case len(rows) == 1:
			for i, id := range sp.SetParam {
				e.setParam(id, rows[0][i])
			}
			return e.evalExpr(sp.TestExpr, t)
		}
		panic(errors.New("more than one row returned by a subquery used as an expression"))
	case nodes.AnySubLink:
		return e.combineRows(sp, t, rows, false)
	case nodes.AllSubLink:
		return e.combineRows(sp, t, rows, true)
	}
	panic(errors.AssertionFailedf("sub-plan with link type %s", sp.LinkType))
}

// combineRows folds the sub-plan rows through the combining test expression.
// ANY is an OR over rows starting at false; ALL an AND starting at true. A
// NULL test result poisons the default but never a decided outcome.
func (e *Executor) combineRows(sp *nodes.SubPlan, t *tuple, rows [][]nodes.Datum, all bool) nodes.Datum {
	sawNull := false
	for _, row := range rows {
		for i, id := range sp.SetParam {
			e.setParam(id, row[i])
		}
		v := e.evalExpr(sp.TestExpr, t)
		if v == nil {
			sawNull = true
			continue
		}
		b := mustBool(v)
		if b && !all {
			return true
		}
		if !b && all {
			return false
		}
	}
	if sawNull {
		return nil
	}
	return all // vacuous truth for ALL, exhausted search for ANY
}

// subplanHash is the cached build side of a hashed ANY sub-plan: exact-match
// keys for NULL-free rows, plus the raw rows for the NULL-aware slow path.
type subplanHash struct {
	keys    map[string]bool
	rows    [][]nodes.Datum
	hasNull bool
}

func (e *Executor) probeHashed(sp *nodes.SubPlan, t *tuple) nodes.Datum {
	h, ok := e.hashTables[sp.PlanID]
	if !ok {
		h = &subplanHash{keys: make(map[string]bool)}
		h.rows = e.runRows(sp.Plan)
		for _, row := range h.rows {
			rowNull := false
			for _, d := range row {
				if d == nil {
					rowNull = true
					break
				}
			}
			if rowNull {
				h.hasNull = true
				continue
			}
			h.keys[encodeRow(row)] = true
		}
		e.hashTables[sp.PlanID] = h
		e.log.Debug("built subplan hash table",
			zap.String("plan", sp.PlanName),
			zap.Int("rows", len(h.rows)))
	}
	if len(h.rows) == 0 {
		return false
	}

	// Exact probe only when the probe row is NULL-free; otherwise the NULL
	// semantics of equality require the row-at-a-time path.
	probe := make([]nodes.Datum, len(sp.SetParam))
	probeNull := false
	lhs := probeOperands(sp.TestExpr)
	for i, l := range lhs {
		probe[i] = e.evalExpr(l, t)
		if probe[i] == nil {
			probeNull = true
		}
	}
	if !probeNull {
		if h.keys[encodeRow(probe)] {
			return true
		}
		if !h.hasNull {
			return false
		}
	}
	return e.combineRows(sp, t, h.rows, false)
}

// probeOperands extracts the outer-side operands of the combining
// expression built for an ANY sub-plan: one equality per output column.
func probeOperands(test nodes.Expr) []nodes.Expr {
	var lhs []nodes.Expr
	clauses := []nodes.Expr{test}
	if b, ok := test.(*nodes.BoolExpr); ok && b.Op == nodes.AndOp {
		clauses = b.Args
	}
	for _, c := range clauses {
		op, ok := c.(*nodes.OpExpr)
		if !ok || len(op.Args) != 2 {
			panic(errors.AssertionFailedf("malformed hashed sub-plan test %s", nodes.FormatExpr(test)))
		}
		lhs = append(lhs, op.Args[0])
	}
	return lhs
}

// runRecursiveUnion iterates a recursive CTE to its fixpoint: the
// non-recursive term seeds the work table, then the recursive term runs
// against it until it produces nothing new.
func (e *Executor) runRecursiveUnion(ru *nodes.RecursiveUnion) [][]nodes.Datum {
	const maxIterations = 10000

	seen := make(map[string]bool)
	var result [][]nodes.Datum
	appendRows := func(rows [][]nodes.Datum) [][]nodes.Datum {
		var fresh [][]nodes.Datum
		for _, row := range rows {
			if !ru.UnionAll {
				key := encodeRow(row)
				if seen[key] {
					continue
				}
				seen[key] = true
			}
			fresh = append(fresh, row)
		}
		result = append(result, fresh...)
		return fresh
	}

	working := appendRows(e.runRows(ru.Left))
	for iter := 0; len(working) > 0; iter++ {
		if iter >= maxIterations {
			panic(errors.New("recursive query exceeded the iteration limit"))
		}
		saved := e.workTables[ru.WTParam]
		e.workTables[ru.WTParam] = working
		working = appendRows(e.runRows(ru.Right))
		e.workTables[ru.WTParam] = saved
	}
	return result
}
