package exec

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/relplan/relplan/nodes"
)

func (e *Executor) execSort(s *nodes.Sort) []*tuple {
	tuples := e.execNode(s.Left)
	sort.SliceStable(tuples, func(i, j int) bool {
		return e.tupleLess(s.SortKeys, tuples[i], tuples[j])
	})
	return tuples
}

// tupleLess orders tuples on the sort keys; NULL sorts last ascending and
// first descending.
func (e *Executor) tupleLess(keys []nodes.SortKey, a, b *tuple) bool {
	for _, k := range keys {
		av := e.evalExpr(k.Expr, a)
		bv := e.evalExpr(k.Expr, b)
		if av == nil && bv == nil {
			continue
		}
		var cmp int
		switch {
		case av == nil:
			cmp = 1
		case bv == nil:
			cmp = -1
		default:
			cmp, _ = compareDatums(av, bv)
		}
		if cmp == 0 {
			continue
		}
		if k.Desc {
			return cmp > 0
		}
		return cmp < 0
	}
	return false
}

// execAgg groups the input and evaluates the aggregate references appearing
// in the node's projection and quals. A plain (ungrouped) aggregation over
// zero rows still produces its one group.
func (e *Executor) execAgg(a *nodes.Agg) []*tuple {
	input := e.execNode(a.Left)
	aggrefs := collectAggrefs(a)

	if len(a.GroupExprs) == 0 && a.Strategy == nodes.AggPlain {
		out := emptyTuple()
		if len(input) > 0 {
			out = &tuple{rels: input[0].rels, aggs: input[0].aggs}
		}
		out = withAggVals(out, aggrefs, e.computeAggs(aggrefs, input))
		return []*tuple{out}
	}

	type group struct {
		rep    *tuple
		tuples []*tuple
	}
	groups := make(map[string]*group)
	var order []string
	for _, t := range input {
		key := make([]nodes.Datum, len(a.GroupExprs))
		for i, ge := range a.GroupExprs {
			key[i] = e.evalExpr(ge, t)
		}
		k := encodeRow(key)
		g, ok := groups[k]
		if !ok {
			g = &group{rep: t}
			groups[k] = g
			order = append(order, k)
		}
		g.tuples = append(g.tuples, t)
	}

	out := make([]*tuple, 0, len(groups))
	for _, k := range order {
		g := groups[k]
		out = append(out, withAggVals(g.rep, aggrefs, e.computeAggs(aggrefs, g.tuples)))
	}
	return out
}

func withAggVals(t *tuple, aggrefs []*nodes.Aggref, vals []nodes.Datum) *tuple {
	out := &tuple{rels: t.rels}
	out.aggs = append(out.aggs, t.aggs...)
	for i, ref := range aggrefs {
		out.aggs = append(out.aggs, aggVal{expr: ref, val: vals[i]})
	}
	return out
}

// collectAggrefs gathers the distinct aggregate references the node must
// compute, from its projection and its HAVING-derived quals.
func collectAggrefs(a *nodes.Agg) []*nodes.Aggref {
	var refs []*nodes.Aggref
	add := func(ex nodes.Expr) {
		nodes.WalkExpr(ex, func(n nodes.Expr) bool {
			if ref, ok := n.(*nodes.Aggref); ok && ref.LevelsUp == 0 {
				for _, prev := range refs {
					if nodes.EqualExpr(prev, ref) {
						return true
					}
				}
				refs = append(refs, ref)
			}
			return true
		})
	}
	for _, te := range a.TargetList {
		add(te.Expr)
	}
	for _, q := range a.Quals {
		add(q)
	}
	return refs
}

func (e *Executor) computeAggs(aggrefs []*nodes.Aggref, tuples []*tuple) []nodes.Datum {
	vals := make([]nodes.Datum, len(aggrefs))
	for i, ref := range aggrefs {
		vals[i] = e.computeAgg(ref, tuples)
	}
	return vals
}

func (e *Executor) computeAgg(ref *nodes.Aggref, tuples []*tuple) nodes.Datum {
	var inputs []nodes.Datum
	seen := make(map[string]bool)
	for _, t := range tuples {
		var v nodes.Datum = int64(1)
		if ref.Arg != nil {
			v = e.evalExpr(ref.Arg, t)
			if v == nil {
				continue
			}
		}
		if ref.Distinct {
			k := encodeRow([]nodes.Datum{v})
			if seen[k] {
				continue
			}
			seen[k] = true
		}
		inputs = append(inputs, v)
	}

	switch ref.Func {
	case "count":
		return int64(len(inputs))
	case "sum":
		if len(inputs) == 0 {
			return nil
		}
		return sumDatums(inputs)
	case "avg":
		if len(inputs) == 0 {
			return nil
		}
		total, _ := asFloat(sumDatums(inputs))
		return total / float64(len(inputs))
	case "min", "max":
		if len(inputs) == 0 {
			return nil
		}
		best := inputs[0]
		for _, v := range inputs[1:] {
			cmp, _ := compareDatums(v, best)
			if (ref.Func == "min" && cmp < 0) || (ref.Func == "max" && cmp > 0) {
				best = v
			}
		}
		return best
	}
	panic(errors.AssertionFailedf("unknown aggregate %q", ref.Func))
}

func sumDatums(inputs []nodes.Datum) nodes.Datum {
	allInt := true
	for _, v := range inputs {
		if _, ok := v.(int64); !ok {
			allInt = false
			break
		}
	}
	if allInt {
		var total int64
		for _, v := range inputs {
			total += v.(int64)
		}
		return total
	}
	var total float64
	for _, v := range inputs {
		f, ok := asFloat(v)
		if !ok {
			panic(errors.AssertionFailedf("sum over non-numeric datum %T", v))
		}
		total += f
	}
	return total
}

// execWindowAgg computes the window functions visible in the node's
// projection over each partition of its sorted input.
func (e *Executor) execWindowAgg(w *nodes.WindowAgg) []*tuple {
	input := e.execNode(w.Left)
	funcs := collectWindowFuncs(w)
	if len(funcs) == 0 {
		return input
	}

	// Input arrives sorted on partition then order keys, so partitions are
	// contiguous runs.
	out := make([]*tuple, 0, len(input))
	for start := 0; start < len(input); {
		end := start + 1
		for end < len(input) && e.samePartition(w.PartitionExprs, input[start], input[end]) {
			end++
		}
		part := input[start:end]
		for pos, t := range part {
			nt := &tuple{rels: t.rels}
			nt.aggs = append(nt.aggs, t.aggs...)
			for _, wf := range funcs {
				nt.aggs = append(nt.aggs, aggVal{expr: wf, val: e.computeWindowFunc(wf, w, part, pos)})
			}
			out = append(out, nt)
		}
		start = end
	}
	return out
}

func (e *Executor) samePartition(exprs []nodes.Expr, a, b *tuple) bool {
	for _, ex := range exprs {
		av := e.evalExpr(ex, a)
		bv := e.evalExpr(ex, b)
		if encodeRow([]nodes.Datum{av}) != encodeRow([]nodes.Datum{bv}) {
			return false
		}
	}
	return true
}

func collectWindowFuncs(w *nodes.WindowAgg) []*nodes.WindowFunc {
	var funcs []*nodes.WindowFunc
	for _, te := range projectionList(w) {
		nodes.WalkExpr(te.Expr, func(n nodes.Expr) bool {
			if wf, ok := n.(*nodes.WindowFunc); ok {
				funcs = append(funcs, wf)
			}
			return true
		})
	}
	return funcs
}

func (e *Executor) computeWindowFunc(wf *nodes.WindowFunc, w *nodes.WindowAgg, part []*tuple, pos int) nodes.Datum {
	switch wf.Name {
	case "row_number":
		return int64(pos + 1)
	case "rank", "dense_rank":
		rank, dense := int64(1), int64(1)
		for i := 1; i <= pos; i++ {
			if !e.sameOrderValues(w.OrderKeys, part[i-1], part[i]) {
				rank = int64(i + 1)
				dense++
			}
		}
		if wf.Name == "rank" {
			return rank
		}
		return dense
	case "count", "sum", "avg", "min", "max":
		ref := &nodes.Aggref{Func: wf.Name, RetType: wf.RetType}
		if len(wf.Args) > 0 {
			ref.Arg = wf.Args[0]
		}
		return e.computeAgg(ref, part)
	}
	panic(errors.AssertionFailedf("unknown window function %q", wf.Name))
}

func (e *Executor) sameOrderValues(keys []nodes.SortKey, a, b *tuple) bool {
	for _, k := range keys {
		av := e.evalExpr(k.Expr, a)
		bv := e.evalExpr(k.Expr, b)
		if encodeRow([]nodes.Datum{av}) != encodeRow([]nodes.Datum{bv}) {
			return false
		}
	}
	return true
}

// execSetOp implements INTERSECT and EXCEPT by tallying row multiplicities
// on both sides.
func (e *Executor) execSetOp(s *nodes.SetOp) []*tuple {
	left := e.execNode(s.Left)
	right := e.execNode(s.Right)

	rightCount := make(map[string]int)
	for _, t := range right {
		rightCount[encodeRow(soleRow(t))]++
	}

	leftCount := make(map[string]int)
	reps := make(map[string]*tuple)
	var order []string
	for _, t := range left {
		k := encodeRow(soleRow(t))
		if leftCount[k] == 0 {
			reps[k] = t
			order = append(order, k)
		}
		leftCount[k]++
	}

	var out []*tuple
	for _, k := range order {
		l, r := leftCount[k], rightCount[k]
		var copies int
		switch s.Op {
		case nodes.SetOpIntersect:
			if s.All {
				copies = min(l, r)
			} else if r > 0 {
				copies = 1
			}
		case nodes.SetOpExcept:
			if s.All {
				copies = max(l-r, 0)
			} else if r == 0 {
				copies = 1
			}
		default:
			panic(errors.AssertionFailedf("set-op node with operator %s", s.Op))
		}
		for i := 0; i < copies; i++ {
			out = append(out, reps[k])
		}
	}
	return out
}

// soleRow extracts the single relation row a set-operation arm binds.
func soleRow(t *tuple) []nodes.Datum {
	if len(t.rels) != 1 {
		panic(errors.AssertionFailedf("set-operation arm bound %d relations", len(t.rels)))
	}
	for _, row := range t.rels {
		return row
	}
	return nil
}
