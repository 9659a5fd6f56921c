package planner

import (
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/relplan/relplan/nodes"
)

// planCases holds the named query shapes the golden-file test plans. The
// planner has no text frontend, so the data file keys each expectation by
// case name instead of carrying the query itself.
var planCases = map[string]func() *nodes.Query{
	"scan-filter": func() *nodes.Query {
		return selectQuery("emp", entries(tv(1, 1)), eqE(tv(1, 2), ci(7)))
	},
	"const-gate": func() *nodes.Query {
		return selectQuery("emp", entries(tv(1, 1)), eqE(ci(1), ci(2)))
	},
	"values": func() *nodes.Query {
		return &nodes.Query{
			RangeTable: []nodes.RangeTblEntry{&nodes.ValuesRTE{
				Alias:    "v",
				Rows:     [][]nodes.Expr{{ci(1)}, {ci(2)}},
				ColTypes: []nodes.Type{nodes.TypeInt},
			}},
			JoinTree:   fromExpr(nil, rtr(1)),
			TargetList: entries(tv(1, 1)),
		}
	},
	"sort-limit": func() *nodes.Query {
		q := selectQuery("emp", entries(tv(1, 1), tv(1, 3)), nil)
		q.SortClause = []nodes.SortItem{{TLIndex: 1, Desc: true}}
		q.LimitCount = ci(10)
		return q
	},
	"plain-agg": func() *nodes.Query {
		sum := &nodes.Aggref{Func: "sum", Arg: tv(1, 3), RetType: nodes.TypeInt}
		q := selectQuery("emp", []nodes.TargetEntry{{Expr: sum, Name: "total"}}, nil)
		q.HasAggs = true
		return q
	},
	"exists-semi": func() *nodes.Query {
		sub := selectQuery("dept", entries(ci(1)), eqE(tv(1, 1), outerVar(1, 2, 1)))
		q := selectQuery("emp", entries(tv(1, 1)), existsSL(sub))
		q.HasSubLinks = true
		return q
	},
}

func TestPlanData(t *testing.T) {
	datadriven.RunTest(t, "testdata/plans", func(t *testing.T, d *datadriven.TestData) string {
		switch d.Cmd {
		case "plan":
			if len(d.CmdArgs) != 1 {
				d.Fatalf(t, "plan expects exactly one case name")
			}
			build, ok := planCases[d.CmdArgs[0].Key]
			if !ok {
				d.Fatalf(t, "unknown plan case %q", d.CmdArgs[0].Key)
			}
			stmt, err := Plan(build(), testCatalog(), Options{})
			if err != nil {
				d.Fatalf(t, "%v", err)
			}
			return nodes.FormatPlan(stmt.PlanTree)
		default:
			d.Fatalf(t, "unknown command %q", d.Cmd)
			return ""
		}
	})
}
