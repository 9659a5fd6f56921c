package exec

import (
	"testing"

	"github.com/relplan/relplan/nodes"
	"github.com/relplan/relplan/planner"
	"github.com/stretchr/testify/require"
)

func existsSL(sub *nodes.Query) *nodes.SubLink {
	return &nodes.SubLink{LinkType: nodes.ExistsSubLink, Subselect: sub}
}

func anySL(test nodes.Expr, sub *nodes.Query) *nodes.SubLink {
	return &nodes.SubLink{LinkType: nodes.AnySubLink, TestExpr: test, Oper: nodes.OpEq, Subselect: sub}
}

func scalarSL(sub *nodes.Query) *nodes.SubLink {
	return &nodes.SubLink{LinkType: nodes.ExprSubLink, Subselect: sub}
}

// runBothWays plans the query with sublink pull-up enabled and disabled and
// requires identical results: the join rewrite and the row-at-a-time
// sub-plan must agree row for row.
func runBothWays(t *testing.T, q *nodes.Query) [][]nodes.Datum {
	t.Helper()
	pulled := runQuery(t, q, planner.Options{})
	direct := runQuery(t, q, planner.Options{DisableSublinkPullup: true})
	requireSameRows(t, direct, pulled)
	return pulled
}

func empSubQ(qual nodes.Expr) *nodes.Query {
	q := selectQuery("emp", entries(tv(1, 1)), qual)
	q.HasSubLinks = true
	return q
}

func TestExecExists(t *testing.T) {
	sub := selectQuery("dept", entries(ci(1)), eqE(tv(1, 1), outerVar(1, 2, 1)))
	rows := runBothWays(t, empSubQ(existsSL(sub)))
	requireRows(t, rows,
		[]nodes.Datum{int64(1)},
		[]nodes.Datum{int64(2)},
		[]nodes.Datum{int64(3)})
}

func TestExecNotExists(t *testing.T) {
	sub := selectQuery("dept", entries(ci(1)), eqE(tv(1, 1), outerVar(1, 2, 1)))
	rows := runBothWays(t, empSubQ(notE(existsSL(sub))))
	// The null-dept row has no match, so NOT EXISTS keeps it.
	requireRows(t, rows,
		[]nodes.Datum{int64(4)},
		[]nodes.Datum{int64(5)})
}

func TestExecIn(t *testing.T) {
	sub := selectQuery("dept", entries(tv(1, 1)), nil)
	rows := runBothWays(t, empSubQ(anySL(tv(1, 2), sub)))
	requireRows(t, rows,
		[]nodes.Datum{int64(1)},
		[]nodes.Datum{int64(2)},
		[]nodes.Datum{int64(3)})
}

func TestExecNotInWithNullRhs(t *testing.T) {
	// proj.dept contains a null: NOT IN can never be true, only false or
	// unknown, so no row qualifies.
	sub := selectQuery("proj", entries(tv(1, 2)), nil)
	rows := runBothWays(t, empSubQ(notE(anySL(tv(1, 2), sub))))
	require.Empty(t, rows)
}

func TestExecNotInWithoutNullRhs(t *testing.T) {
	sub := selectQuery("proj", entries(tv(1, 2)),
		&nodes.NullTest{Arg: tv(1, 2), Kind: nodes.IsNotNull})
	rows := runBothWays(t, empSubQ(notE(anySL(tv(1, 2), sub))))
	// dept 30 and 40 are absent from proj; the null-dept emp row stays
	// unknown and is filtered.
	requireRows(t, rows, []nodes.Datum{int64(5)})
}

func TestExecInNullProbe(t *testing.T) {
	// A null probe value is unknown against a non-empty list, so row 4
	// never qualifies, hashed or not.
	sub := selectQuery("dept", entries(tv(1, 1)), nil)
	q := empSubQ(anySL(tv(1, 2), sub))
	rows := runBothWays(t, q)
	for _, r := range rows {
		require.NotEqual(t, int64(4), r[0])
	}
}

func TestExecInEmptyRhs(t *testing.T) {
	// IN over an empty list is false for every probe, null included.
	sub := selectQuery("dept", entries(tv(1, 1)), eqE(ci(1), ci(2)))
	rows := runBothWays(t, empSubQ(anySL(tv(1, 2), sub)))
	require.Empty(t, rows)

	notin := runBothWays(t, empSubQ(notE(anySL(tv(1, 2), sub))))
	require.Len(t, notin, 5, "NOT IN () is true for every row, null probe included")
}

func TestExecScalarSubquery(t *testing.T) {
	maxAgg := &nodes.Aggref{Func: "max", Arg: tv(1, 3), RetType: nodes.TypeInt}
	sub := selectQuery("emp", []nodes.TargetEntry{{Expr: maxAgg, Name: "m"}}, nil)
	sub.HasAggs = true
	rows := runBothWays(t, empSubQ(eqE(tv(1, 3), scalarSL(sub))))
	requireRows(t, rows, []nodes.Datum{int64(5)})
}

func TestExecCorrelatedScalarAgg(t *testing.T) {
	// The filter compares each salary against an aggregate grouped by the
	// employee's own department.
	maxID := &nodes.Aggref{Func: "max", Arg: tv(1, 1), RetType: nodes.TypeInt}
	sub := selectQuery("proj", []nodes.TargetEntry{{Expr: maxID, Name: "m"}},
		eqE(tv(1, 2), outerVar(1, 2, 1)))
	sub.HasAggs = true
	rows := runBothWays(t, empSubQ(cmpExpr(nodes.OpGt,
		&nodes.OpExpr{Op: nodes.OpPlus, Args: []nodes.Expr{scalarSL(sub), ci(899)}},
		tv(1, 3))))
	// dept 10: max proj id 101, +899 = 1000 > salary? row 1 (1000) no,
	// row 2 (2000) no. dept 20: 102+899=1001 < 1500 no. Null and dept 30
	// rows: aggregate over no rows is null, comparison unknown.
	require.Empty(t, rows)
}

func TestExecScalarSubqueryMultipleRows(t *testing.T) {
	sub := selectQuery("dept", entries(tv(1, 1)), nil)
	q := empSubQ(eqE(tv(1, 2), scalarSL(sub)))
	c := testCatalog()
	stmt, err := planner.Plan(q, c, planner.Options{DisableSublinkPullup: true})
	require.NoError(t, err)
	_, err = New(stmt, c, Options{}).Run()
	require.ErrorContains(t, err, "more than one row")
}

func TestExecAllSublink(t *testing.T) {
	// salary < ALL (SELECT id*100 FROM dept) — smallest rhs is 1000.
	rhs := selectQuery("dept",
		entries(&nodes.OpExpr{Op: nodes.OpMult, Args: []nodes.Expr{tv(1, 1), ci(100)}}),
		nil)
	sl := &nodes.SubLink{LinkType: nodes.AllSubLink, TestExpr: tv(1, 3), Oper: nodes.OpLt, Subselect: rhs}
	rows := runBothWays(t, empSubQ(sl))
	requireRows(t, rows, []nodes.Datum{int64(4)})
}

func TestExecAllOverEmptySubquery(t *testing.T) {
	// ALL over an empty sub-select holds vacuously: every row qualifies,
	// even though min() over no rows is NULL.
	rhs := selectQuery("dept", entries(tv(1, 1)), eqE(tv(1, 1), ci(-1)))
	sl := &nodes.SubLink{LinkType: nodes.AllSubLink, TestExpr: tv(1, 3), Oper: nodes.OpLt, Subselect: rhs}
	rows := runBothWays(t, empSubQ(sl))
	require.Len(t, rows, 5)
}

func TestExecAllOverEmptyCorrelatedGroup(t *testing.T) {
	// salary < ALL (SELECT p.id FROM proj p WHERE p.dept = emp.dept): every
	// salary beats the project ids, so only the rows whose group is empty
	// qualify — the null-dept row and dept 30.
	rhs := selectQuery("proj", entries(tv(1, 1)), eqE(tv(1, 2), outerVar(1, 2, 1)))
	sl := &nodes.SubLink{LinkType: nodes.AllSubLink, TestExpr: tv(1, 3), Oper: nodes.OpLt, Subselect: rhs}
	rows := runBothWays(t, empSubQ(sl))
	requireRows(t, rows,
		[]nodes.Datum{int64(4)},
		[]nodes.Datum{int64(5)})
}

func TestExecOrExists(t *testing.T) {
	sub := selectQuery("dept", entries(ci(1)), eqE(tv(1, 1), outerVar(1, 2, 1)))
	or := &nodes.BoolExpr{Op: nodes.OrOp, Args: []nodes.Expr{
		eqE(tv(1, 3), ci(900)),
		existsSL(sub),
	}}
	rows := runBothWays(t, empSubQ(or))
	requireRows(t, rows,
		[]nodes.Datum{int64(1)},
		[]nodes.Datum{int64(2)},
		[]nodes.Datum{int64(3)},
		[]nodes.Datum{int64(4)})
}

func TestExecUncorrelatedExistsInitPlan(t *testing.T) {
	sub := selectQuery("dept", entries(ci(1)), eqE(tv(1, 1), ci(40)))
	rows := runBothWays(t, empSubQ(existsSL(sub)))
	require.Len(t, rows, 5)

	none := selectQuery("dept", entries(ci(1)), eqE(tv(1, 1), ci(-1)))
	rows = runBothWays(t, empSubQ(existsSL(none)))
	require.Empty(t, rows)
}

func TestExecDeepCorrelation(t *testing.T) {
	// Two levels of correlation: the innermost filter reads the outermost
	// row through a param that rides across the middle scope.
	deep := selectQuery("proj", entries(ci(1)),
		eqE(tv(1, 2), outerVar(1, 2, 2)))
	mid := selectQuery("dept", entries(ci(1)),
		nodes.MakeAnd([]nodes.Expr{
			eqE(tv(1, 1), outerVar(1, 2, 1)),
			existsSL(deep),
		}))
	mid.HasSubLinks = true
	rows := runQuery(t, empSubQ(existsSL(mid)), planner.Options{DisableSublinkPullup: true})
	// dept 10 and 20 exist and have projects; dept 30 has neither.
	requireRows(t, rows,
		[]nodes.Datum{int64(1)},
		[]nodes.Datum{int64(2)},
		[]nodes.Datum{int64(3)})
}
