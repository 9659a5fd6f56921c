package planner

import (
	"strings"
	"testing"

	"github.com/relplan/relplan/cat"
	"github.com/relplan/relplan/nodes"
	"github.com/stretchr/testify/require"
)

// testCatalog builds the fixture schema shared by the planner tests:
//
//	emp(id, dept, salary)   1000 rows
//	dept(id, name)           100 rows
//	proj(id, dept)           500 rows
//	remote(id, v)            200 rows, foreign
//	pa(k, v), pb(k, w)       hash-partitioned, modulus 4
func testCatalog() *cat.MemCatalog {
	c := cat.NewMemCatalog()
	c.AddTable(&cat.Table{
		Name: "emp",
		Columns: []cat.Column{
			{Name: "id", Type: nodes.TypeInt, NotNull: true},
			{Name: "dept", Type: nodes.TypeInt},
			{Name: "salary", Type: nodes.TypeInt},
		},
		Stats: cat.Statistics{RowCount: 1000},
	})
	c.AddTable(&cat.Table{
		Name: "dept",
		Columns: []cat.Column{
			{Name: "id", Type: nodes.TypeInt, NotNull: true},
			{Name: "name", Type: nodes.TypeString},
		},
		Stats: cat.Statistics{RowCount: 100},
	})
	c.AddTable(&cat.Table{
		Name: "proj",
		Columns: []cat.Column{
			{Name: "id", Type: nodes.TypeInt, NotNull: true},
			{Name: "dept", Type: nodes.TypeInt},
		},
		Stats: cat.Statistics{RowCount: 500},
	})
	c.AddTable(&cat.Table{
		Name: "remote",
		Columns: []cat.Column{
			{Name: "id", Type: nodes.TypeInt, NotNull: true},
			{Name: "v", Type: nodes.TypeInt},
		},
		Stats:   cat.Statistics{RowCount: 200},
		Foreign: true,
	})
	addPartitioned(c, "pa", "v", 400)
	addPartitioned(c, "pb", "w", 300)
	return c
}

func addPartitioned(c *cat.MemCatalog, name, valCol string, rows float64) {
	scheme := &cat.PartitionScheme{KeyColumn: 1, Modulus: 4}
	parent := &cat.Table{
		Name: name,
		Columns: []cat.Column{
			{Name: "k", Type: nodes.TypeInt, NotNull: true},
			{Name: valCol, Type: nodes.TypeInt},
		},
		Stats:  cat.Statistics{RowCount: rows},
		Scheme: scheme,
	}
	for i := 0; i < scheme.Modulus; i++ {
		part := &cat.Table{
			Name:    name + "_p" + string(rune('0'+i)),
			Columns: parent.Columns,
			Stats:   cat.Statistics{RowCount: rows / float64(scheme.Modulus)},
		}
		parent.Partitions = append(parent.Partitions, part)
		c.AddTable(part)
	}
	c.AddTable(parent)
}

// Expression shorthands. All test columns are integers unless stated.

func tv(rel, col int) *nodes.Var {
	return &nodes.Var{RelIndex: rel, Col: col, ColType: nodes.TypeInt}
}

func outerVar(rel, col, up int) *nodes.Var {
	return &nodes.Var{RelIndex: rel, Col: col, ColType: nodes.TypeInt, LevelsUp: up}
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
	tl := make([]nodes.TargetEntry, len(exprs))
	for i, e := range exprs {
		tl[i] = nodes.TargetEntry{Expr: e}
	}
	return tl
}

// selectQuery is the minimal single-table query the tests extend.
func selectQuery(table string, targets []nodes.TargetEntry, where nodes.Expr) *nodes.Query {
	return &nodes.Query{
		RangeTable: []nodes.RangeTblEntry{relRTE(table)},
		JoinTree:   fromExpr(where, rtr(1)),
		TargetList: targets,
	}
}

func mustPlan(t *testing.T, q *nodes.Query, opts Options) *nodes.PlannedStmt {
	t.Helper()
	stmt, err := Plan(q, testCatalog(), opts)
	require.NoError(t, err)
	require.NotNil(t, stmt.PlanTree)
	return stmt
}

// planContains asserts the formatted plan mentions every given fragment.
func planContains(t *testing.T, stmt *nodes.PlannedStmt, fragments ...string) {
	t.Helper()
	text := nodes.FormatPlan(stmt.PlanTree)
	for _, f := range fragments {
		require.Truef(t, strings.Contains(text, f), "plan lacks %q:\n%s", f, text)
	}
}

func planLacks(t *testing.T, stmt *nodes.PlannedStmt, fragments ...string) {
	t.Helper()
	text := nodes.FormatPlan(stmt.PlanTree)
	for _, f := range fragments {
		require.Falsef(t, strings.Contains(text, f), "plan unexpectedly has %q:\n%s", f, text)
	}
}

// topJoin descends through pass-through nodes to the first join node,
// failing if none is found.
func topJoin(t *testing.T, p nodes.Plan) nodes.Plan {
	t.Helper()
	for {
		switch p.(type) {
		case *nodes.NestLoop, *nodes.HashJoin, *nodes.MergeJoin:
			return p
		case *nodes.Sort, *nodes.Limit, *nodes.Material, *nodes.Result, *nodes.Agg, *nodes.Gather, *nodes.GatherMerge:
			p = p.Common().Left
		default:
			t.Fatalf("no join node at or under %T", p)
			return nil
		}
	}
}
