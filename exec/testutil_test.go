package exec

import (
	"fmt"
	"sort"
	"testing"

	"github.com/relplan/relplan/cat"
	"github.com/relplan/relplan/nodes"
	"github.com/relplan/relplan/planner"
	"github.com/stretchr/testify/require"
)

// testCatalog builds the executor fixture: small tables with enough nulls
// to exercise three-valued logic.
//
//	emp(id, dept, salary):  5 rows, one null dept
//	dept(id, name):         3 rows
//	proj(id, dept):         4 rows, one null dept
//	pa(k, v), pb(k, w):     hash-partitioned, modulus 2
func testCatalog() *cat.MemCatalog {
	c := cat.NewMemCatalog()
	c.AddTable(&cat.Table{
		Name: "emp",
		Columns: []cat.Column{
			{Name: "id", Type: nodes.TypeInt, NotNull: true},
			{Name: "dept", Type: nodes.TypeInt},
			{Name: "salary", Type: nodes.TypeInt},
		},
		Stats: cat.Statistics{RowCount: 5},
		Rows: [][]nodes.Datum{
			{int64(1), int64(10), int64(1000)},
			{int64(2), int64(10), int64(2000)},
			{int64(3), int64(20), int64(1500)},
			{int64(4), nil, int64(900)},
			{int64(5), int64(30), int64(2500)},
		},
	})
	c.AddTable(&cat.Table{
		Name: "dept",
		Columns: []cat.Column{
			{Name: "id", Type: nodes.TypeInt, NotNull: true},
			{Name: "name", Type: nodes.TypeString},
		},
		Stats: cat.Statistics{RowCount: 3},
		Rows: [][]nodes.Datum{
			{int64(10), "eng"},
			{int64(20), "ops"},
			{int64(40), "hr"},
		},
	})
	c.AddTable(&cat.Table{
		Name: "proj",
		Columns: []cat.Column{
			{Name: "id", Type: nodes.TypeInt, NotNull: true},
			{Name: "dept", Type: nodes.TypeInt},
		},
		Stats: cat.Statistics{RowCount: 4},
		Rows: [][]nodes.Datum{
			{int64(100), int64(10)},
			{int64(101), int64(10)},
			{int64(102), int64(20)},
			{int64(103), nil},
		},
	})
	addPartitioned(c, "pa", "v", [][]nodes.Datum{
		{int64(0), int64(5)},
		{int64(1), int64(6)},
		{int64(2), int64(7)},
		{int64(3), int64(8)},
	})
	addPartitioned(c, "pb", "w", [][]nodes.Datum{
		{int64(1), int64(60)},
		{int64(2), int64(70)},
		{int64(2), int64(71)},
		{int64(5), int64(90)},
	})
	return c
}

func addPartitioned(c *cat.MemCatalog, name, valCol string, rows [][]nodes.Datum) {
	scheme := &cat.PartitionScheme{KeyColumn: 1, Modulus: 2}
	cols := []cat.Column{
		{Name: "k", Type: nodes.TypeInt, NotNull: true},
		{Name: valCol, Type: nodes.TypeInt},
	}
	parent := &cat.Table{
		Name:    name,
		Columns: cols,
		Stats:   cat.Statistics{RowCount: float64(len(rows))},
		Scheme:  scheme,
	}
	parts := make([]*cat.Table, scheme.Modulus)
	for i := range parts {
		parts[i] = &cat.Table{
			Name:    fmt.Sprintf("%s_p%d", name, i),
			Columns: cols,
			Stats:   cat.Statistics{RowCount: float64(len(rows)) / float64(scheme.Modulus)},
		}
		parent.Partitions = append(parent.Partitions, parts[i])
		c.AddTable(parts[i])
	}
	for _, row := range rows {
		p := parts[int(row[0].(int64))%scheme.Modulus]
		p.Rows = append(p.Rows, row)
	}
	c.AddTable(parent)
}

// Expression shorthands, mirroring the planner test builders.

func tv(rel, col int) *nodes.Var {
	return &nodes.Var{RelIndex: rel, Col: col, ColType: nodes.TypeInt}
}

func outerVar(rel, col, up int) *nodes.Var {
	return &nodes.Var{RelIndex: rel, Col: col, LevelsUp: up, ColType: nodes.TypeInt}
}

func ci(n int64) *nodes.Const {
	return &nodes.Const{Value: n, ColType: nodes.TypeInt}
}

func cmpExpr(op nodes.Op, l, r nodes.Expr) nodes.Expr {
	return &nodes.OpExpr{Op: op, Args: []nodes.Expr{l, r}}
}

func eqE(l, r nodes.Expr) nodes.Expr { return cmpExpr(nodes.OpEq, l, r) }
func ltE(l, r nodes.Expr) nodes.Expr { return cmpExpr(nodes.OpLt, l, r) }

func notE(e nodes.Expr) nodes.Expr {
	return &nodes.BoolExpr{Op: nodes.NotOp, Args: []nodes.Expr{e}}
}

func rtr(i int) *nodes.RangeTblRef { return &nodes.RangeTblRef{Index: i} }

func relRTE(table string) *nodes.RelationRTE {
	return &nodes.RelationRTE{TableName: table}
}

func fromExpr(quals nodes.Expr, items ...nodes.JoinTreeNode) *nodes.FromExpr {
	return &nodes.FromExpr{FromList: items, Quals: quals}
}

func entries(exprs ...nodes.Expr) []nodes.TargetEntry {
	out := make([]nodes.TargetEntry, len(exprs))
	for i, e := range exprs {
		out[i] = nodes.TargetEntry{Expr: e, Name: fmt.Sprintf("c%d", i+1)}
	}
	return out
}

func selectQuery(table string, targets []nodes.TargetEntry, where nodes.Expr) *nodes.Query {
	return &nodes.Query{
		RangeTable: []nodes.RangeTblEntry{relRTE(table)},
		JoinTree:   fromExpr(where, rtr(1)),
		TargetList: targets,
	}
}

// runQuery plans and executes a query against the fixture.
func runQuery(t *testing.T, q *nodes.Query, opts planner.Options) [][]nodes.Datum {
	t.Helper()
	c := testCatalog()
	stmt, err := planner.Plan(q, c, opts)
	require.NoError(t, err)
	rows, err := New(stmt, c, Options{}).Run()
	require.NoError(t, err)
	return rows
}

// rowKey renders one row for order-insensitive comparison.
func rowKey(row []nodes.Datum) string {
	s := ""
	for _, d := range row {
		if d == nil {
			s += "|<null>"
		} else {
			s += fmt.Sprintf("|%v", d)
		}
	}
	return s
}

func sortedKeys(rows [][]nodes.Datum) []string {
	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = rowKey(r)
	}
	sort.Strings(keys)
	return keys
}

// requireSameRows compares two result sets as bags, ignoring order.
func requireSameRows(t *testing.T, want, got [][]nodes.Datum) {
	t.Helper()
	require.Equal(t, sortedKeys(want), sortedKeys(got))
}

// requireRows asserts an exact unordered result. Expected rows use int64
// for integers and nil for nulls.
func requireRows(t *testing.T, got [][]nodes.Datum, want ...[]nodes.Datum) {
	t.Helper()
	require.Equal(t, sortedKeys(want), sortedKeys(got))
}
