package exec

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/relplan/relplan/nodes"
)

// evalExpr evaluates a scalar expression against the current tuple; nil is
// SQL NULL throughout.
func (e *Executor) evalExpr(ex nodes.Expr, t *tuple) nodes.Datum {
	switch n := ex.(type) {
	case nil:
		return nil
	case *nodes.Var:
		if n.LevelsUp > 0 {
			panic(errors.AssertionFailedf("outer-level variable survived planning: %s", nodes.FormatExpr(n)))
		}
		row, ok := t.rels[n.RelIndex]
		if !ok {
			panic(errors.AssertionFailedf("no binding for relation %d", n.RelIndex))
		}
		if n.Col == 0 {
			panic(errors.AssertionFailedf("whole-row reference reached the executor"))
		}
		if n.Col > len(row) {
			panic(errors.AssertionFailedf("column %d of relation %d out of range", n.Col, n.RelIndex))
		}
		return row[n.Col-1]
	case *nodes.Const:
		if n.Null {
			return nil
		}
		return n.Value
	case *nodes.Param:
		return e.paramValue(n.ID)
	case *nodes.OpExpr:
		return e.evalOp(n, t)
	case *nodes.BoolExpr:
		return e.evalBool(n, t)
	case *nodes.NullTest:
		v := e.evalExpr(n.Arg, t)
		if n.Kind == nodes.IsNull {
			return v == nil
		}
		return v != nil
	case *nodes.FuncExpr:
		return e.evalFunc(n, t)
	case *nodes.Aggref:
		if v, ok := t.lookupAgg(n); ok {
			return v
		}
		panic(errors.AssertionFailedf("aggregate %s evaluated outside an aggregation", n.Func))
	case *nodes.GroupingFunc:
		// Grouping sets are not planned; every grouped column is grouped.
		return int64(0)
	case *nodes.WindowFunc:
		if v, ok := t.lookupAgg(n); ok {
			return v
		}
		panic(errors.AssertionFailedf("window function %s evaluated outside its window", n.Name))
	case *nodes.PlaceHolderVar:
		return e.evalExpr(n.Expr, t)
	case *nodes.RowExpr:
		row := make([]nodes.Datum, len(n.Exprs))
		for i, sub := range n.Exprs {
			row[i] = e.evalExpr(sub, t)
		}
		return row
	case *nodes.SubPlan:
		return e.evalSubPlan(n, t)
	case *nodes.SubLink:
		panic(errors.AssertionFailedf("unplanned sublink reached the executor"))
	}
	panic(errors.AssertionFailedf("unhandled expression %T", ex))
}

// evalOp applies a strict built-in operator: any NULL input yields NULL.
// Row-valued operands compare lexicographically.
func (e *Executor) evalOp(op *nodes.OpExpr, t *tuple) nodes.Datum {
	if len(op.Args) != 2 {
		panic(errors.AssertionFailedf("operator %s with %d arguments", op.Op, len(op.Args)))
	}
	l := e.evalExpr(op.Args[0], t)
	r := e.evalExpr(op.Args[1], t)

	if op.Op.Comparison() {
		cmp, null := compareDatums(l, r)
		if null {
			return nil
		}
		switch op.Op {
		case nodes.OpEq:
			return cmp == 0
		case nodes.OpNe:
			return cmp != 0
		case nodes.OpLt:
			return cmp < 0
		case nodes.OpLe:
			return cmp <= 0
		case nodes.OpGt:
			return cmp > 0
		case nodes.OpGe:
			return cmp >= 0
		}
	}
	if l == nil || r == nil {
		return nil
	}
	return arith(op.Op, l, r)
}

func arith(op nodes.Op, l, r nodes.Datum) nodes.Datum {
	lf, lok := asFloat(l)
	rf, rok := asFloat(r)
	if !lok || !rok {
		panic(errors.AssertionFailedf("operator %s on non-numeric operands %v, %v", op, l, r))
	}
	_, lInt := l.(int64)
	_, rInt := r.(int64)
	if lInt && rInt {
		li, ri := int64(lf), int64(rf)
		switch op {
		case nodes.OpPlus:
			return li + ri
		case nodes.OpMinus:
			return li - ri
		case nodes.OpMult:
			return li * ri
		case nodes.OpDiv:
			if ri == 0 {
				panic(errors.New("division by zero"))
			}
			return li / ri
		}
	}
	switch op {
	case nodes.OpPlus:
		return lf + rf
	case nodes.OpMinus:
		return lf - rf
	case nodes.OpMult:
		return lf * rf
	case nodes.OpDiv:
		if rf == 0 {
			panic(errors.New("division by zero"))
		}
		return lf / rf
	}
	panic(errors.AssertionFailedf("unhandled operator %s", op))
}

// evalBool applies Kleene three-valued AND/OR/NOT.
func (e *Executor) evalBool(b *nodes.BoolExpr, t *tuple) nodes.Datum {
	switch b.Op {
	case nodes.NotOp:
		v := e.evalExpr(b.Args[0], t)
		if v == nil {
			return nil
		}
		return !mustBool(v)
	case nodes.AndOp:
		sawNull := false
		for _, a := range b.Args {
			v := e.evalExpr(a, t)
			if v == nil {
				sawNull = true
				continue
			}
			if !mustBool(v) {
				return false
			}
		}
		if sawNull {
			return nil
		}
		return true
	case nodes.OrOp:
		sawNull := false
		for _, a := range b.Args {
			v := e.evalExpr(a, t)
			if v == nil {
				sawNull = true
				continue
			}
			if mustBool(v) {
				return true
			}
		}
		if sawNull {
			return nil
		}
		return false
	}
	panic(errors.AssertionFailedf("unhandled boolean operator %s", b.Op))
}

// evalFunc evaluates the scalar functions the test fixtures declare. All of
// them are strict.
func (e *Executor) evalFunc(f *nodes.FuncExpr, t *tuple) nodes.Datum {
	args := make([]nodes.Datum, len(f.Args))
	for i, a := range f.Args {
		args[i] = e.evalExpr(a, t)
		if args[i] == nil {
			return nil
		}
	}
	switch f.Name {
	case "abs":
		if v, ok := args[0].(int64); ok {
			if v < 0 {
				return -v
			}
			return v
		}
		v, _ := asFloat(args[0])
		if v < 0 {
			return -v
		}
		return v
	case "mod":
		return asInt64(args[0]) % asInt64(args[1])
	case "length":
		return int64(len(args[0].(string)))
	case "lower":
		return strings.ToLower(args[0].(string))
	case "upper":
		return strings.ToUpper(args[0].(string))
	}
	panic(errors.AssertionFailedf("unknown function %q", f.Name))
}

func mustBool(v nodes.Datum) bool {
	b, ok := v.(bool)
	if !ok {
		panic(errors.AssertionFailedf("expected boolean, got %T", v))
	}
	return b
}

func asInt64(v nodes.Datum) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	panic(errors.AssertionFailedf("expected integer, got %T", v))
}

func asFloat(v nodes.Datum) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// compareDatums orders two datums; null reports whether either side (or any
// compared row element) was NULL before a difference was found.
func compareDatums(l, r nodes.Datum) (cmp int, null bool) {
	if lr, ok := l.([]nodes.Datum); ok {
		rr, ok := r.([]nodes.Datum)
		if !ok || len(lr) != len(rr) {
			panic(errors.AssertionFailedf("row comparison with mismatched shapes"))
		}
		for i := range lr {
			c, n := compareDatums(lr[i], rr[i])
			if n {
				return 0, true
			}
			if c != 0 {
				return c, false
			}
		}
		return 0, false
	}
	if l == nil || r == nil {
		return 0, true
	}
	if lf, ok := asFloat(l); ok {
		if rf, ok := asFloat(r); ok {
			switch {
			case lf < rf:
				return -1, false
			case lf > rf:
				return 1, false
			}
			return 0, false
		}
	}
	switch lv := l.(type) {
	case string:
		rv := r.(string)
		return strings.Compare(lv, rv), false
	case bool:
		rv := mustBool(r)
		switch {
		case !lv && rv:
			return -1, false
		case lv && !rv:
			return 1, false
		}
		return 0, false
	}
	panic(errors.AssertionFailedf("uncomparable datums %T, %T", l, r))
}

// encodeRow renders a row as a collation key; NULLs are distinct from every
// value and equal to each other, which is exactly what grouping and set
// operations require.
func encodeRow(row []nodes.Datum) string {
	var b strings.Builder
	for i, d := range row {
		if i > 0 {
			b.WriteByte(',')
		}
		encodeDatum(&b, d)
	}
	return b.String()
}

func encodeDatum(b *strings.Builder, d nodes.Datum) {
	switch v := d.(type) {
	case nil:
		b.WriteString("~")
	case int64:
		fmt.Fprintf(b, "i%d", v)
	case int:
		fmt.Fprintf(b, "i%d", v)
	case float64:
		fmt.Fprintf(b, "f%g", v)
	case string:
		fmt.Fprintf(b, "s%q", v)
	case bool:
		fmt.Fprintf(b, "b%t", v)
	default:
		panic(errors.AssertionFailedf("unencodable datum %T", d))
	}
}
