// Package exec is an in-memory executor for planned statements. It exists to
// validate planner rewrites: the hash tables, sort orders, and cost choices
// of a real engine are irrelevant here, only row-for-row semantics. Every
// node is evaluated eagerly; parallel nodes run single-threaded.
package exec

import (
	"github.com/cockroachdb/errors"
	"github.com/relplan/relplan/cat"
	"github.com/relplan/relplan/intset"
	"github.com/relplan/relplan/nodes"
	"go.uber.org/zap"
)

// Options configure an Executor.
type Options struct {
	// Logger receives node-level execution tracing at Debug level.
	Logger *zap.Logger
}

// Executor runs one planned statement against an in-memory catalog. It is
// single-use: Run may be called once per Executor.
type Executor struct {
	catalog cat.Catalog
	stmt    *nodes.PlannedStmt
	log     *zap.Logger

	params []paramSlot

	// cteRows is the materialized output of CTE initplans, addressed by
	// subplan id. workTables is the current work-table contents of a running
	// recursive union, addressed by its wtParam slot.
	cteRows    map[int][][]nodes.Datum
	workTables map[int][][]nodes.Datum

	// hashTables caches built hash tables of hashed sub-plans by plan id.
	hashTables map[int]*subplanHash

	// env is the ambient binding environment: the outer rows a nested loop
	// has in flight while its inner side runs. Lateral function scans
	// resolve their argument variables against it.
	env *tuple
}

type paramSlot struct {
	val nodes.Datum
	set bool
}

// tuple is one row of intermediate state: the current row of every base
// relation in scope plus the values of any aggregate or window expressions
// computed below, matched structurally.
type tuple struct {
	rels map[int][]nodes.Datum
	aggs []aggVal
}

type aggVal struct {
	expr nodes.Expr
	val  nodes.Datum
}

func (t *tuple) lookupAgg(e nodes.Expr) (nodes.Datum, bool) {
	for _, av := range t.aggs {
		if nodes.EqualExpr(av.expr, e) {
			return av.val, true
		}
	}
	return nil, false
}

// merge combines disjoint binding sets of a join's two inputs.
func (t *tuple) merge(o *tuple) *tuple {
	out := &tuple{rels: make(map[int][]nodes.Datum, len(t.rels)+len(o.rels))}
	for k, v := range t.rels {
		out.rels[k] = v
	}
	for k, v := range o.rels {
		out.rels[k] = v
	}
	out.aggs = append(out.aggs, t.aggs...)
	out.aggs = append(out.aggs, o.aggs...)
	return out
}

func emptyTuple() *tuple {
	return &tuple{rels: make(map[int][]nodes.Datum)}
}

// ambient returns the current outer-row environment, empty outside any
// nested loop.
func (e *Executor) ambient() *tuple {
	if e.env != nil {
		return e.env
	}
	return emptyTuple()
}

// New returns an executor for the statement.
func New(stmt *nodes.PlannedStmt, catalog cat.Catalog, opts Options) *Executor {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Executor{
		catalog:    catalog,
		stmt:       stmt,
		log:        opts.Logger,
		params:     make([]paramSlot, stmt.NextParamID),
		cteRows:    make(map[int][][]nodes.Datum),
		workTables: make(map[int][][]nodes.Datum),
		hashTables: make(map[int]*subplanHash),
	}
}

// Run evaluates the statement and returns its output rows.
func (e *Executor) Run() (rows [][]nodes.Datum, err error) {
	defer func() {
		if r := recover(); r != nil {
			if re, ok := r.(error); ok {
				err = re
				return
			}
			panic(r)
		}
	}()
	e.checkExtParams()
	rows = e.runRows(e.stmt.PlanTree)
	e.log.Debug("execution complete", zap.Int("rows", len(rows)))
	return rows, nil
}

// runRows executes a plan tree to its projected output rows.
func (e *Executor) runRows(p nodes.Plan) [][]nodes.Datum {
	if ru, ok := p.(*nodes.RecursiveUnion); ok {
		e.runInitPlans(ru.Common().InitPlans)
		return e.runRecursiveUnion(ru)
	}
	tuples := e.execNode(p)
	tl := projectionList(p)
	if tl == nil {
		panic(errors.AssertionFailedf("plan tree has no projection"))
	}
	out := make([][]nodes.Datum, len(tuples))
	for i, t := range tuples {
		out[i] = e.projectRow(tl, t)
	}
	return out
}

func (e *Executor) projectRow(tl []nodes.TargetEntry, t *tuple) []nodes.Datum {
	row := make([]nodes.Datum, len(tl))
	for i, te := range tl {
		row[i] = e.evalExpr(te.Expr, t)
	}
	return row
}

// projectionList finds the target list governing a tree's output: the
// topmost node carrying one.
func projectionList(p nodes.Plan) []nodes.TargetEntry {
	for p != nil {
		if tl := p.Common().TargetList; tl != nil {
			return tl
		}
		p = p.Common().Left
	}
	return nil
}

// execNode evaluates one plan node to its tuple stream. Initplans attached
// to the node run first; their outputs are visible to the node and
// everything below it.
func (e *Executor) execNode(p nodes.Plan) []*tuple {
	pc := p.Common()
	e.runInitPlans(pc.InitPlans)

	var out []*tuple
	switch t := p.(type) {
	case *nodes.SeqScan:
		out = e.scanTable(t.RelIndex, t.TableName)
	case *nodes.SampleScan:
		out = e.execSampleScan(t)
	case *nodes.ForeignScan:
		out = e.scanTable(t.RelIndex, t.TableName)
	case *nodes.SubqueryScan:
		for _, row := range e.runRows(t.Left) {
			out = append(out, &tuple{rels: map[int][]nodes.Datum{t.RelIndex: row}})
		}
	case *nodes.FunctionScan:
		out = e.execFunctionScan(t)
	case *nodes.ValuesScan:
		for _, exprs := range t.Rows {
			row := make([]nodes.Datum, len(exprs))
			for i, ex := range exprs {
				row[i] = e.evalExpr(ex, e.ambient())
			}
			out = append(out, &tuple{rels: map[int][]nodes.Datum{t.RelIndex: row}})
		}
	case *nodes.CteScan:
		if !e.params[t.CTEParam].set {
			panic(errors.AssertionFailedf("cte scan of %q before its initplan ran", t.CTEName))
		}
		for _, row := range e.cteRows[t.InitPlanID] {
			out = append(out, &tuple{rels: map[int][]nodes.Datum{t.RelIndex: row}})
		}
	case *nodes.WorkTableScan:
		for _, row := range e.workTables[t.WTParam] {
			out = append(out, &tuple{rels: map[int][]nodes.Datum{t.RelIndex: row}})
		}
	case *nodes.NamedTuplestoreScan:
		panic(errors.AssertionFailedf("no tuplestore %q registered", t.StoreName))
	case *nodes.Result:
		out = e.execResult(t)
	case *nodes.Append:
		for _, sub := range t.Subplans {
			out = append(out, e.execNode(sub)...)
		}
	case *nodes.NestLoop:
		out = e.execNestLoop(t)
	case *nodes.HashJoin:
		out = e.execJoin(pc.Left, pc.Right, t.JoinType, append(t.HashClauses[:len(t.HashClauses):len(t.HashClauses)], t.JoinQuals...))
	case *nodes.MergeJoin:
		out = e.execJoin(pc.Left, pc.Right, t.JoinType, append(t.MergeClauses[:len(t.MergeClauses):len(t.MergeClauses)], t.JoinQuals...))
	case *nodes.Material:
		out = e.execNode(pc.Left)
	case *nodes.Gather:
		out = e.execNode(pc.Left)
	case *nodes.GatherMerge:
		out = e.execNode(pc.Left)
	case *nodes.Sort:
		out = e.execSort(t)
	case *nodes.Agg:
		out = e.execAgg(t)
	case *nodes.WindowAgg:
		out = e.execWindowAgg(t)
	case *nodes.Limit:
		out = e.execLimit(t)
	case *nodes.SetOp:
		out = e.execSetOp(t)
	case *nodes.RecursiveUnion:
		panic(errors.AssertionFailedf("recursive union must be a sub-plan root"))
	case *nodes.ModifyTable:
		// DML applies its source rows; this executor only reports them.
		out = e.execNode(pc.Left)
	default:
		panic(errors.AssertionFailedf("unhandled plan node %T", p))
	}

	if len(pc.Quals) > 0 {
		switch p.(type) {
		case *nodes.SeqScan, *nodes.SampleScan, *nodes.ForeignScan, *nodes.SubqueryScan,
			*nodes.FunctionScan, *nodes.ValuesScan, *nodes.CteScan, *nodes.WorkTableScan,
			*nodes.Result, *nodes.NestLoop, *nodes.HashJoin, *nodes.MergeJoin,
			*nodes.Agg, *nodes.Append:
			out = e.filter(out, pc.Quals)
		}
	}
	return out
}

func (e *Executor) filter(tuples []*tuple, quals []nodes.Expr) []*tuple {
	kept := tuples[:0]
	for _, t := range tuples {
		if e.qualsPass(quals, t) {
			kept = append(kept, t)
		}
	}
	return kept
}

// qualsPass applies three-valued logic: a qual passes only when it evaluates
// to true, never on NULL.
func (e *Executor) qualsPass(quals []nodes.Expr, t *tuple) bool {
	for _, q := range quals {
		v := e.evalExpr(q, t)
		if b, ok := v.(bool); !ok || !b {
			return false
		}
	}
	return true
}

func (e *Executor) scanTable(relIndex int, name string) []*tuple {
	tab, err := e.catalog.Table(name)
	if err != nil {
		panic(errors.Wrap(err, "exec"))
	}
	var out []*tuple
	var walk func(t *cat.Table)
	walk = func(t *cat.Table) {
		if t.Partitioned() {
			for _, part := range t.Partitions {
				walk(part)
			}
			return
		}
		for _, row := range t.Rows {
			out = append(out, &tuple{rels: map[int][]nodes.Datum{relIndex: row}})
		}
	}
	walk(tab)
	return out
}

// execSampleScan reads a deterministic sample: every k-th row for a percent
// of 100/k. Real engines randomize; the differential harness needs
// repeatability.
func (e *Executor) execSampleScan(s *nodes.SampleScan) []*tuple {
	all := e.scanTable(s.RelIndex, s.TableName)
	if s.Percent >= 100 {
		return all
	}
	step := int(100 / s.Percent)
	if step < 1 {
		step = 1
	}
	var out []*tuple
	for i := 0; i < len(all); i += step {
		out = append(out, all[i])
	}
	return out
}

// execFunctionScan evaluates a set-returning function call row by row. The
// arguments resolve against the ambient environment, which is what makes
// lateral function references work without explicit parameter plumbing.
func (e *Executor) execFunctionScan(f *nodes.FunctionScan) []*tuple {
	args := make([]nodes.Datum, len(f.Func.Args))
	for i, a := range f.Func.Args {
		args[i] = e.evalExpr(a, e.ambient())
	}
	var out []*tuple
	switch f.Func.Name {
	case "generate_series":
		if args[0] == nil || args[1] == nil {
			return nil
		}
		step := int64(1)
		if len(args) > 2 && args[2] != nil {
			step = asInt64(args[2])
		}
		if step == 0 {
			panic(errors.New("step size cannot equal zero"))
		}
		for v := asInt64(args[0]); (step > 0 && v <= asInt64(args[1])) || (step < 0 && v >= asInt64(args[1])); v += step {
			out = append(out, &tuple{rels: map[int][]nodes.Datum{f.RelIndex: {v}}})
		}
	default:
		panic(errors.AssertionFailedf("unknown set-returning function %q", f.Func.Name))
	}
	return out
}

func (e *Executor) execResult(r *nodes.Result) []*tuple {
	for _, q := range r.OneTimeQuals {
		v := e.evalExpr(q, e.ambient())
		if b, ok := v.(bool); !ok || !b {
			return nil
		}
	}
	if r.Left == nil {
		return []*tuple{emptyTuple()}
	}
	return e.execNode(r.Left)
}

func (e *Executor) execNestLoop(nl *nodes.NestLoop) []*tuple {
	if nl.JoinType == nodes.JoinRight || nl.JoinType == nodes.JoinFull {
		panic(errors.AssertionFailedf("nestloop cannot run %s joins", nl.JoinType))
	}
	outer := e.execNode(nl.Left)
	innerShape := relShapes(e, nl.Right)

	var out []*tuple
	saved := e.env
	defer func() { e.env = saved }()
	for _, ot := range outer {
		for _, np := range nl.NestParams {
			e.setParam(np.ParamID, e.evalExpr(np.Value, ot))
		}
		e.env = ot
		if saved != nil {
			e.env = saved.merge(ot)
		}
		inner := e.execNode(nl.Right)
		out = e.joinOuterRow(out, ot, inner, nl.JoinType, nl.JoinQuals, innerShape)
	}
	return out
}

// execJoin evaluates hash and merge joins; inner is executed once since its
// tree carries no per-row parameters.
func (e *Executor) execJoin(left, right nodes.Plan, jt nodes.JoinType, quals []nodes.Expr) []*tuple {
	outer := e.execNode(left)
	inner := e.execNode(right)
	innerShape := relShapes(e, right)
	outerShape := relShapes(e, left)

	var out []*tuple
	innerMatched := make([]bool, len(inner))
	for _, ot := range outer {
		matched := false
		for i, it := range inner {
			joined := ot.merge(it)
			if e.qualsPass(quals, joined) {
				matched = true
				innerMatched[i] = true
				switch jt {
				case nodes.JoinSemi:
				case nodes.JoinAnti:
				default:
					out = append(out, joined)
				}
				if jt == nodes.JoinSemi {
					break
				}
			}
		}
		switch jt {
		case nodes.JoinSemi:
			if matched {
				out = append(out, ot)
			}
		case nodes.JoinAnti:
			if !matched {
				out = append(out, ot)
			}
		case nodes.JoinLeft, nodes.JoinFull:
			if !matched {
				out = append(out, padTuple(ot, innerShape))
			}
		}
	}
	if jt == nodes.JoinRight || jt == nodes.JoinFull {
		for i, it := range inner {
			if !innerMatched[i] {
				out = append(out, padTuple(it, outerShape))
			}
		}
	}
	return out
}

// joinOuterRow merges one outer tuple against an already-parameterized inner
// tuple stream.
func (e *Executor) joinOuterRow(out []*tuple, ot *tuple, inner []*tuple,
	jt nodes.JoinType, quals []nodes.Expr, innerShape map[int]int) []*tuple {
	matched := false
	for _, it := range inner {
		joined := ot.merge(it)
		if e.qualsPass(quals, joined) {
			matched = true
			switch jt {
			case nodes.JoinSemi, nodes.JoinAnti:
			default:
				out = append(out, joined)
			}
			if jt == nodes.JoinSemi {
				break
			}
		}
	}
	switch jt {
	case nodes.JoinSemi:
		if matched {
			out = append(out, ot)
		}
	case nodes.JoinAnti:
		if !matched {
			out = append(out, ot)
		}
	case nodes.JoinLeft:
		if !matched {
			out = append(out, padTuple(ot, innerShape))
		}
	}
	return out
}

// padTuple extends a tuple with all-NULL rows for the relations of the
// other join side.
func padTuple(t *tuple, shape map[int]int) *tuple {
	out := &tuple{rels: make(map[int][]nodes.Datum, len(t.rels)+len(shape))}
	for k, v := range t.rels {
		out.rels[k] = v
	}
	for rel, width := range shape {
		if _, ok := out.rels[rel]; !ok {
			out.rels[rel] = make([]nodes.Datum, width)
		}
	}
	out.aggs = t.aggs
	return out
}

// relShapes maps every base relation under a plan to its column count, used
// to build the NULL-extended side of outer joins.
func relShapes(e *Executor, p nodes.Plan) map[int]int {
	shapes := make(map[int]int)
	var walk func(p nodes.Plan)
	walk = func(p nodes.Plan) {
		if p == nil {
			return
		}
		switch t := p.(type) {
		case *nodes.SeqScan:
			shapes[t.RelIndex] = e.tableWidth(t.TableName)
		case *nodes.SampleScan:
			shapes[t.RelIndex] = e.tableWidth(t.TableName)
		case *nodes.ForeignScan:
			shapes[t.RelIndex] = e.tableWidth(t.TableName)
		case *nodes.SubqueryScan:
			shapes[t.RelIndex] = len(projectionList(t.Left))
			return
		case *nodes.FunctionScan:
			shapes[t.RelIndex] = 1
		case *nodes.ValuesScan:
			if len(t.Rows) > 0 {
				shapes[t.RelIndex] = len(t.Rows[0])
			}
		case *nodes.CteScan:
			if rows := e.cteRows[t.InitPlanID]; len(rows) > 0 {
				shapes[t.RelIndex] = len(rows[0])
			}
		case *nodes.WorkTableScan:
			if rows := e.workTables[t.WTParam]; len(rows) > 0 {
				shapes[t.RelIndex] = len(rows[0])
			}
		case *nodes.Append:
			for _, sub := range t.Subplans {
				walk(sub)
			}
		}
		pc := p.Common()
		walk(pc.Left)
		walk(pc.Right)
	}
	walk(p)
	return shapes
}

func (e *Executor) tableWidth(name string) int {
	tab, err := e.catalog.Table(name)
	if err != nil {
		panic(errors.Wrap(err, "exec"))
	}
	return len(tab.Columns)
}

func (e *Executor) execLimit(l *nodes.Limit) []*tuple {
	tuples := e.execNode(l.Left)
	offset, count := 0, -1
	if l.Offset != nil {
		offset = int(asInt64(e.evalExpr(l.Offset, e.ambient())))
	}
	if l.Count != nil {
		count = int(asInt64(e.evalExpr(l.Count, e.ambient())))
	}
	if offset > len(tuples) {
		offset = len(tuples)
	}
	tuples = tuples[offset:]
	if count >= 0 && count < len(tuples) {
		tuples = tuples[:count]
	}
	return tuples
}

func (e *Executor) setParam(id int, v nodes.Datum) {
	if id < 0 || id >= len(e.params) {
		panic(errors.AssertionFailedf("param id %d out of range", id))
	}
	e.params[id] = paramSlot{val: v, set: true}
}

func (e *Executor) paramValue(id int) nodes.Datum {
	if id < 0 || id >= len(e.params) {
		panic(errors.AssertionFailedf("param id %d out of range", id))
	}
	slot := e.params[id]
	if !slot.set {
		panic(errors.AssertionFailedf("param %d read before it was set", id))
	}
	return slot.val
}

// checkExtParams verifies the finalizer's contract at runtime: every param
// in the root's ExtParam set must be bound before execution starts.
func (e *Executor) checkExtParams() {
	ext := e.stmt.PlanTree.Common().ExtParam
	var unset intset.Set
	ext.ForEach(func(id int) {
		if !e.params[id].set {
			unset.Add(id)
		}
	})
	if !unset.Empty() {
		panic(errors.AssertionFailedf("plan requires unbound params %s", unset))
	}
}
