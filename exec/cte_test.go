package exec

import (
	"testing"

	"github.com/relplan/relplan/nodes"
	"github.com/relplan/relplan/planner"
	"github.com/stretchr/testify/require"
)

func cteRef(name string) *nodes.CTERTE {
	return &nodes.CTERTE{Name: name, ColTypes: []nodes.Type{nodes.TypeInt}}
}

func TestExecCteInlinedAndMaterializedAgree(t *testing.T) {
	build := func(m nodes.CTEMaterialize) *nodes.Query {
		return &nodes.Query{
			CTEs: []*nodes.CommonTableExpr{{
				Name:        "d",
				Query:       selectQuery("dept", entries(tv(1, 1)), nil),
				RefCount:    1,
				Materialize: m,
			}},
			RangeTable: []nodes.RangeTblEntry{cteRef("d")},
			JoinTree:   fromExpr(ltE(tv(1, 1), ci(30)), rtr(1)),
			TargetList: entries(tv(1, 1)),
		}
	}
	inlined := runQuery(t, build(nodes.CTEMaterializeNever), planner.Options{})
	materialized := runQuery(t, build(nodes.CTEMaterializeAlways), planner.Options{})
	requireSameRows(t, inlined, materialized)
	requireRows(t, inlined, []nodes.Datum{int64(10)}, []nodes.Datum{int64(20)})
}

func TestExecCteSharedByTwoReferences(t *testing.T) {
	q := &nodes.Query{
		CTEs: []*nodes.CommonTableExpr{{
			Name:        "d",
			Query:       selectQuery("dept", entries(tv(1, 1)), nil),
			RefCount:    2,
			Materialize: nodes.CTEMaterializeAlways,
		}},
		RangeTable: []nodes.RangeTblEntry{cteRef("d"), cteRef("d")},
		JoinTree:   fromExpr(eqE(tv(1, 1), tv(2, 1)), rtr(1), rtr(2)),
		TargetList: entries(tv(1, 1)),
	}
	rows := runQuery(t, q, planner.Options{})
	requireRows(t, rows,
		[]nodes.Datum{int64(10)},
		[]nodes.Datum{int64(20)},
		[]nodes.Datum{int64(40)})
}

func recursiveSeries(all bool, limit int64) *nodes.Query {
	// WITH RECURSIVE r(n) AS (
	//   SELECT 1 FROM dept WHERE id = 10
	//   UNION [ALL]
	//   SELECT n+1 FROM r WHERE n < limit
	// ) SELECT n FROM r
	nonRec := selectQuery("dept", entries(ci(1)), eqE(tv(1, 1), ci(10)))
	rec := &nodes.Query{
		RangeTable: []nodes.RangeTblEntry{&nodes.CTERTE{
			Name:          "r",
			LevelsUp:      1,
			SelfReference: true,
			ColTypes:      []nodes.Type{nodes.TypeInt},
		}},
		JoinTree: fromExpr(ltE(tv(1, 1), ci(limit)), rtr(1)),
		TargetList: entries(
			&nodes.OpExpr{Op: nodes.OpPlus, Args: []nodes.Expr{tv(1, 1), ci(1)}}),
	}
	body := &nodes.Query{
		RangeTable: []nodes.RangeTblEntry{
			&nodes.SubqueryRTE{Subquery: nonRec},
			&nodes.SubqueryRTE{Subquery: rec},
		},
		SetOp: &nodes.SetOpExpr{
			Op:    nodes.SetOpUnion,
			All:   all,
			Left:  &nodes.SetOpRangeTblRef{Index: 1},
			Right: &nodes.SetOpRangeTblRef{Index: 2},
		},
		TargetList: entries(tv(1, 1)),
	}
	return &nodes.Query{
		CTEs: []*nodes.CommonTableExpr{{
			Name:      "r",
			Query:     body,
			Recursive: true,
			RefCount:  1,
		}},
		RangeTable: []nodes.RangeTblEntry{cteRef("r")},
		JoinTree:   fromExpr(nil, rtr(1)),
		TargetList: entries(tv(1, 1)),
	}
}

func TestExecRecursiveCte(t *testing.T) {
	rows := runQuery(t, recursiveSeries(true, 4), planner.Options{})
	requireRows(t, rows,
		[]nodes.Datum{int64(1)},
		[]nodes.Datum{int64(2)},
		[]nodes.Datum{int64(3)},
		[]nodes.Datum{int64(4)})
}

func TestExecRecursiveCteDedups(t *testing.T) {
	// The recursive term maps 1 to 3 and 3 back to 1. Under UNION ALL the
	// cycle never drains; UNION retires values already seen and stops
	// after one round trip.
	q := recursiveSeries(false, 4)
	body := q.CTEs[0].Query
	rec := body.RangeTable[1].(*nodes.SubqueryRTE).Subquery
	rec.TargetList = entries(&nodes.OpExpr{Op: nodes.OpMinus, Args: []nodes.Expr{
		ci(4),
		tv(1, 1),
	}})
	rec.JoinTree = fromExpr(nil, rtr(1))
	rows := runQuery(t, q, planner.Options{})
	requireRows(t, rows,
		[]nodes.Datum{int64(1)},
		[]nodes.Datum{int64(3)})
}

func setOpQuery(op nodes.SetOpKind, all bool, left, right *nodes.Query) *nodes.Query {
	return &nodes.Query{
		RangeTable: []nodes.RangeTblEntry{
			&nodes.SubqueryRTE{Subquery: left},
			&nodes.SubqueryRTE{Subquery: right},
		},
		SetOp: &nodes.SetOpExpr{
			Op:    op,
			All:   all,
			Left:  &nodes.SetOpRangeTblRef{Index: 1},
			Right: &nodes.SetOpRangeTblRef{Index: 2},
		},
		TargetList: entries(tv(1, 1)),
	}
}

func TestExecSetOps(t *testing.T) {
	depts := func() *nodes.Query { return selectQuery("emp", entries(tv(1, 2)), nil) }
	deptIDs := func() *nodes.Query { return selectQuery("dept", entries(tv(1, 1)), nil) }

	t.Run("union", func(t *testing.T) {
		rows := runQuery(t, setOpQuery(nodes.SetOpUnion, false, depts(), deptIDs()), planner.Options{})
		requireRows(t, rows,
			[]nodes.Datum{int64(10)},
			[]nodes.Datum{int64(20)},
			[]nodes.Datum{int64(30)},
			[]nodes.Datum{int64(40)},
			[]nodes.Datum{nil})
	})
	t.Run("union-all", func(t *testing.T) {
		rows := runQuery(t, setOpQuery(nodes.SetOpUnion, true, depts(), deptIDs()), planner.Options{})
		require.Len(t, rows, 8)
	})
	t.Run("intersect", func(t *testing.T) {
		rows := runQuery(t, setOpQuery(nodes.SetOpIntersect, false, depts(), deptIDs()), planner.Options{})
		requireRows(t, rows,
			[]nodes.Datum{int64(10)},
			[]nodes.Datum{int64(20)})
	})
	t.Run("intersect-all", func(t *testing.T) {
		// emp has dept 10 twice but dept lists 10 once: min(2, 1) = 1.
		rows := runQuery(t, setOpQuery(nodes.SetOpIntersect, true, depts(), deptIDs()), planner.Options{})
		requireRows(t, rows,
			[]nodes.Datum{int64(10)},
			[]nodes.Datum{int64(20)})
	})
	t.Run("except", func(t *testing.T) {
		rows := runQuery(t, setOpQuery(nodes.SetOpExcept, false, depts(), deptIDs()), planner.Options{})
		requireRows(t, rows,
			[]nodes.Datum{int64(30)},
			[]nodes.Datum{nil})
	})
	t.Run("except-all", func(t *testing.T) {
		// dept 10 appears twice on the left, once on the right: one copy
		// survives.
		rows := runQuery(t, setOpQuery(nodes.SetOpExcept, true, depts(), deptIDs()), planner.Options{})
		requireRows(t, rows,
			[]nodes.Datum{int64(10)},
			[]nodes.Datum{int64(30)},
			[]nodes.Datum{nil})
	})
}

func TestExecSetOpNullsCompareEqual(t *testing.T) {
	// Set operations treat nulls as equal: the null dept on both sides
	// intersects.
	nullDepts := func(table string) *nodes.Query {
		return selectQuery(table, entries(tv(1, 2)),
			&nodes.NullTest{Arg: tv(1, 2), Kind: nodes.IsNull})
	}
	rows := runQuery(t,
		setOpQuery(nodes.SetOpIntersect, false, nullDepts("emp"), nullDepts("proj")),
		planner.Options{})
	requireRows(t, rows, []nodes.Datum{nil})
}
