package nodes

import (
	"bytes"
	"fmt"
)

var spaces = "                                                                "

// FormatExpr renders an expression in compact infix form.
func FormatExpr(e Expr) string {
	var buf bytes.Buffer
	formatExpr(&buf, e)
	return buf.String()
}

func formatExpr(buf *bytes.Buffer, e Expr) {
	switch t := e.(type) {
	case nil:
		buf.WriteString("<nil>")
	case *Var:
		if t.LevelsUp > 0 {
			fmt.Fprintf(buf, "@%d.", t.LevelsUp)
		}
		if t.Col == 0 {
			fmt.Fprintf(buf, "rel%d.*", t.RelIndex)
		} else {
			fmt.Fprintf(buf, "rel%d.c%d", t.RelIndex, t.Col)
		}
	case *Const:
		if t.Null {
			buf.WriteString("NULL")
		} else {
			fmt.Fprintf(buf, "%v", t.Value)
		}
	case *Param:
		if t.Kind == ParamExec {
			fmt.Fprintf(buf, "$exec%d", t.ID)
		} else {
			fmt.Fprintf(buf, "$%d", t.ID)
		}
	case *OpExpr:
		if len(t.Args) == 1 {
			fmt.Fprintf(buf, "(%s ", t.Op)
			formatExpr(buf, t.Args[0])
			buf.WriteString(")")
			return
		}
		buf.WriteString("(")
		formatExpr(buf, t.Args[0])
		fmt.Fprintf(buf, " %s ", t.Op)
		formatExpr(buf, t.Args[1])
		buf.WriteString(")")
	case *BoolExpr:
		if t.Op == NotOp {
			buf.WriteString("NOT ")
			formatExpr(buf, t.Args[0])
			return
		}
		buf.WriteString("(")
		for i, a := range t.Args {
			if i > 0 {
				fmt.Fprintf(buf, " %s ", t.Op)
			}
			formatExpr(buf, a)
		}
		buf.WriteString(")")
	case *NullTest:
		formatExpr(buf, t.Arg)
		if t.Kind == IsNull {
			buf.WriteString(" IS NULL")
		} else {
			buf.WriteString(" IS NOT NULL")
		}
	case *FuncExpr:
		fmt.Fprintf(buf, "%s(", t.Name)
		for i, a := range t.Args {
			if i > 0 {
				buf.WriteString(", ")
			}
			formatExpr(buf, a)
		}
		buf.WriteString(")")
	case *Aggref:
		fmt.Fprintf(buf, "%s(", t.Func)
		if t.Arg == nil {
			buf.WriteString("*")
		} else {
			formatExpr(buf, t.Arg)
		}
		buf.WriteString(")")
	case *GroupingFunc:
		buf.WriteString("grouping(...)")
	case *WindowFunc:
		fmt.Fprintf(buf, "%s() OVER w%d", t.Name, t.WinRef)
	case *PlaceHolderVar:
		fmt.Fprintf(buf, "phv%d[", t.ID)
		formatExpr(buf, t.Expr)
		buf.WriteString("]")
	case *RowExpr:
		buf.WriteString("row(")
		for i, x := range t.Exprs {
			if i > 0 {
				buf.WriteString(", ")
			}
			formatExpr(buf, x)
		}
		buf.WriteString(")")
	case *SubLink:
		fmt.Fprintf(buf, "%s-sublink", t.LinkType)
	case *SubPlan:
		kind := "subplan"
		if len(t.ParParam) == 0 {
			kind = "initplan"
		}
		fmt.Fprintf(buf, "%s(%s %d", kind, t.LinkType, t.PlanID)
		if t.UseHashTable {
			buf.WriteString(" hashed")
		}
		buf.WriteString(")")
	default:
		fmt.Fprintf(buf, "%T", e)
	}
}

// FormatPlan renders a plan tree one node per line, children indented. The
// join-search and finalizer tests compare against this form.
func FormatPlan(p Plan) string {
	var buf bytes.Buffer
	formatPlan(&buf, p, 0)
	return buf.String()
}

func formatPlan(buf *bytes.Buffer, p Plan, level int) {
	if p == nil {
		return
	}
	indent := spaces[:2*level]
	buf.WriteString(indent)
	buf.WriteString(planNodeLabel(p))
	buf.WriteString("\n")

	c := p.Common()
	switch t := p.(type) {
	case *NestLoop:
		for _, q := range t.JoinQuals {
			fmt.Fprintf(buf, "%s  join filter: %s\n", indent, FormatExpr(q))
		}
	case *HashJoin:
		for _, q := range t.HashClauses {
			fmt.Fprintf(buf, "%s  hash cond: %s\n", indent, FormatExpr(q))
		}
		for _, q := range t.JoinQuals {
			fmt.Fprintf(buf, "%s  join filter: %s\n", indent, FormatExpr(q))
		}
	case *MergeJoin:
		for _, q := range t.MergeClauses {
			fmt.Fprintf(buf, "%s  merge cond: %s\n", indent, FormatExpr(q))
		}
		for _, q := range t.JoinQuals {
			fmt.Fprintf(buf, "%s  join filter: %s\n", indent, FormatExpr(q))
		}
	}
	for _, q := range c.Quals {
		fmt.Fprintf(buf, "%s  filter: %s\n", indent, FormatExpr(q))
	}
	for _, ip := range c.InitPlans {
		fmt.Fprintf(buf, "%s  initplan %d (setParam=%v)\n", indent, ip.PlanID, ip.SetParam)
		formatPlan(buf, ip.Plan, level+2)
	}
	switch t := p.(type) {
	case *Append:
		for _, sub := range t.Subplans {
			formatPlan(buf, sub, level+1)
		}
		return
	}
	formatPlan(buf, c.Left, level+1)
	formatPlan(buf, c.Right, level+1)
}

func planNodeLabel(p Plan) string {
	switch t := p.(type) {
	case *SeqScan:
		return fmt.Sprintf("seqscan %s", t.TableName)
	case *SampleScan:
		return fmt.Sprintf("samplescan %s (%.0f%%)", t.TableName, t.Percent)
	case *ForeignScan:
		return fmt.Sprintf("foreignscan %s", t.TableName)
	case *SubqueryScan:
		return fmt.Sprintf("subqueryscan rel%d", t.RelIndex)
	case *FunctionScan:
		return fmt.Sprintf("functionscan %s", t.Func.Name)
	case *ValuesScan:
		return fmt.Sprintf("valuesscan (%d rows)", len(t.Rows))
	case *CteScan:
		return fmt.Sprintf("ctescan %s (initplan %d)", t.CTEName, t.InitPlanID)
	case *WorkTableScan:
		return fmt.Sprintf("worktablescan (wt=$%d)", t.WTParam)
	case *NamedTuplestoreScan:
		return fmt.Sprintf("tuplestorescan %s", t.StoreName)
	case *Result:
		return "result"
	case *Append:
		return "append"
	case *Material:
		return "material"
	case *Sort:
		return "sort"
	case *Agg:
		switch t.Strategy {
		case AggHashed:
			return "hashagg"
		case AggSorted:
			return "groupagg"
		}
		return "agg"
	case *WindowAgg:
		return "windowagg"
	case *Limit:
		return "limit"
	case *NestLoop:
		return fmt.Sprintf("nestloop (%s)", t.JoinType)
	case *HashJoin:
		return fmt.Sprintf("hashjoin (%s)", t.JoinType)
	case *MergeJoin:
		return fmt.Sprintf("mergejoin (%s)", t.JoinType)
	case *Gather:
		return fmt.Sprintf("gather (workers=%d)", t.NumWorkers)
	case *GatherMerge:
		return fmt.Sprintf("gathermerge (workers=%d)", t.NumWorkers)
	case *RecursiveUnion:
		return fmt.Sprintf("recursiveunion (wt=$%d)", t.WTParam)
	case *SetOp:
		return fmt.Sprintf("setop %s", t.Op)
	case *ModifyTable:
		return "modifytable"
	}
	return fmt.Sprintf("%T", p)
}
