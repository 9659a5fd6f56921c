package planner

import (
	"github.com/relplan/relplan/intset"
	"github.com/relplan/relplan/nodes"
	"go.uber.org/zap"
)

// makeOneRel runs the access-path and join phases for one scope: scan paths
// for every base relation, then the join search, then Gather synthesis over
// the final relation, returning the single relation covering the whole FROM
// list.
func makeOneRel(sc *scope) *RelOptInfo {
	var initial []*RelOptInfo
	for rti := 1; rti < len(sc.relArray); rti++ {
		rel := sc.relArray[rti]
		if rel == nil {
			continue
		}
		setBaseRelPathlist(sc, rel)
		generateGatherPaths(sc, rel)
		rel.SetCheapest()
		initial = append(initial, rel)
	}

	if len(initial) == 0 {
		// SELECT with no FROM: a one-row Result relation.
		rel := &RelOptInfo{Kind: RelBase, Rows: 1}
		p := &ResultPath{}
		p.Rel = rel
		p.Rows = 1
		p.TotalCost = sc.sess.cost.TupleCost()
		p.ParallelSafe = true
		rel.AddPath(p)
		rel.SetCheapest()
		return rel
	}

	if len(initial) == 1 {
		return initial[0]
	}

	search := sc.sess.opts.JoinSearch
	if search == nil {
		search = StandardJoinSearch{}
	}
	final := search.Search(sc, initial)

	var all intset.Set
	for _, rel := range initial {
		all.UnionWith(rel.Relids)
	}
	if !final.Relids.Equals(all) {
		impossible("join search covered %s of %s", final.Relids, all)
	}
	sc.sess.log.Debug("join search complete",
		zap.Int("level", sc.level),
		zap.Int("relations", len(initial)),
		zap.Float64("rows", final.Rows))
	return final
}

// setBaseRelPathlist generates the scan paths of one base relation.
func setBaseRelPathlist(sc *scope, rel *RelOptInfo) {
	rel.ConsiderParallel = baseRelParallelSafe(sc, rel)
	rel.ConsiderParamStartup = innerOfSemiOrAnti(sc, rel)

	switch t := rel.RTE.(type) {
	case *nodes.RelationRTE:
		switch {
		case rel.Table.Foreign:
			foreignScanPaths(sc, rel)
		case rel.Table.Partitioned():
			partitionedRelPaths(sc, rel)
		case t.Sample != nil:
			sampleScanPaths(sc, rel, t.Sample)
		default:
			plainRelPaths(sc, rel)
		}
	case *nodes.SubqueryRTE:
		subqueryScanPaths(sc, rel, t)
	case *nodes.FunctionRTE:
		functionScanPaths(sc, rel)
	case *nodes.TableFuncRTE:
		functionScanPaths(sc, rel)
	case *nodes.ValuesRTE:
		valuesScanPaths(sc, rel)
	case *nodes.CTERTE:
		cteScanPaths(sc, rel, t)
	case *nodes.WorkTableRTE:
		workTableScanPaths(sc, rel)
	case *nodes.NamedTuplestoreRTE:
		p := &NamedTuplestoreScanPath{StoreName: t.Name}
		initScanPath(sc, rel, &p.PathCommon)
		rel.AddPath(p)
	default:
		impossible("no scan strategy for range-table entry %T", rel.RTE)
	}
}

// initScanPath fills the common fields shared by simple scan strategies.
func initScanPath(sc *scope, rel *RelOptInfo, pc *PathCommon) {
	pc.Rel = rel
	pc.Rows = rel.Rows
	pc.StartupCost, pc.TotalCost = sc.sess.cost.ScanCost(rel.Rows, rel.Width)
	pc.RequiredOuter = rel.LateralRefs.Copy()
	pc.ParallelSafe = rel.ConsiderParallel
}

func plainRelPaths(sc *scope, rel *RelOptInfo) {
	p := &SeqScanPath{}
	initScanPath(sc, rel, &p.PathCommon)
	rel.AddPath(p)

	if workers := sc.sess.opts.ParallelWorkers; rel.ConsiderParallel && workers > 0 {
		pp := &SeqScanPath{}
		pp.Rel = rel
		pp.Rows = clampRows(rel.Rows / float64(workers))
		pp.StartupCost, pp.TotalCost = sc.sess.cost.ScanCost(pp.Rows, rel.Width)
		pp.ParallelSafe = true
		pp.ParallelWorkers = workers
		rel.AddPartialPath(pp)
	}
}

func sampleScanPaths(sc *scope, rel *RelOptInfo, sample *nodes.TableSample) {
	p := &SampleScanPath{Percent: sample.Percent, Seed: sample.Seed}
	initScanPath(sc, rel, &p.PathCommon)
	// A seeded sample must produce one reproducible row set; workers would
	// each draw their own.
	p.ParallelSafe = false
	rel.AddPath(p)
}

func foreignScanPaths(sc *scope, rel *RelOptInfo) {
	p := &ForeignScanPath{FdwExprs: rel.BaseRestrict}
	initScanPath(sc, rel, &p.PathCommon)
	p.ParallelSafe = false
	rel.AddPath(p)
}

// partitionedRelPaths expands the partition tree into per-partition member
// relations and appends their cheapest scans. The member relations are kept
// on the parent for partition-wise join matching.
func partitionedRelPaths(sc *scope, rel *RelOptInfo) {
	var subpaths []Path
	var rows float64
	var startup, total Cost
	for _, part := range rel.Table.Partitions {
		child := &RelOptInfo{
			Kind:             RelOtherMember,
			Relids:           rel.Relids.Copy(),
			RTIndex:          rel.RTIndex,
			RTE:              rel.RTE,
			Table:            part,
			Cols:             rel.Cols,
			Width:            rel.Width,
			BaseRestrict:     rel.BaseRestrict,
			ConsiderParallel: rel.ConsiderParallel,
		}
		child.Rows = sc.sess.cost.RelRows(part.Stats.RowCount, len(child.BaseRestrict))
		p := &SeqScanPath{}
		initScanPath(sc, child, &p.PathCommon)
		child.AddPath(p)
		child.SetCheapest()
		rel.PartRels = append(rel.PartRels, child)

		best := child.CheapestTotal
		subpaths = append(subpaths, best)
		rows += best.Common().Rows
		if best.Common().StartupCost < startup || len(subpaths) == 1 {
			startup = best.Common().StartupCost
		}
		total += best.Common().TotalCost
	}
	ap := &AppendPath{Subpaths: subpaths}
	ap.Rel = rel
	ap.Rows = clampRows(rows)
	ap.StartupCost = startup
	ap.TotalCost = total
	ap.ParallelSafe = rel.ConsiderParallel
	rel.Rows = ap.Rows
	rel.AddPath(ap)
}

// subqueryScanPaths pushes safe restriction quals into the sub-query, plans
// it as a child scope, and wraps the result. A correlated sub-query yields a
// parameterized path that only a nestloop can sit above.
func subqueryScanPaths(sc *scope, rel *RelOptInfo, rte *nodes.SubqueryRTE) {
	sub := rte.Subquery
	safety := analyzePushdownSafety(sub)
	kept := rel.BaseRestrict[:0]
	for _, q := range rel.BaseRestrict {
		if qualIsPushdownSafe(sub, rte, rel.RTIndex, q, safety) {
			pushQualIntoSubquery(sub, rel.RTIndex, q)
		} else {
			kept = append(kept, q)
		}
	}
	rel.BaseRestrict = kept

	checkpoint := len(sc.planParams)
	child := sc.sess.planScope(sub, sc.idx)
	rel.Subroot = child
	bindings := drainPlanParams(sc, checkpoint)

	subCommon := child.plan.Common()
	rel.Rows = sc.sess.cost.RelRows(subCommon.Rows, len(rel.BaseRestrict))

	p := &SubqueryScanPath{Subroot: child, Bindings: bindings}
	p.Rel = rel
	p.Rows = rel.Rows
	p.StartupCost, p.TotalCost = sc.sess.cost.SubqueryScanCost(subCommon.StartupCost, subCommon.TotalCost, rel.Rows)
	for _, b := range bindings {
		v, ok := b.source.(*nodes.Var)
		if !ok {
			impossible("lateral sub-query binds %T, want a plain column", b.source)
		}
		p.RequiredOuter.Add(v.RelIndex)
	}
	rel.LateralRefs.UnionWith(p.RequiredOuter)
	rel.AddPath(p)
}

func functionScanPaths(sc *scope, rel *RelOptInfo) {
	p := &FunctionScanPath{}
	initScanPath(sc, rel, &p.PathCommon)
	rel.AddPath(p)
}

func valuesScanPaths(sc *scope, rel *RelOptInfo) {
	p := &ValuesScanPath{}
	initScanPath(sc, rel, &p.PathCommon)
	rel.AddPath(p)
}

// cteScanPaths resolves the reference to the defining scope's materialized
// CTE plan. Inlined CTE references never reach here: inlining rewrote them
// into sub-query entries.
func cteScanPaths(sc *scope, rel *RelOptInfo, rte *nodes.CTERTE) {
	if rte.SelfReference {
		impossible("recursive self-reference %q survived recursive-union rewriting", rte.Name)
	}
	cp := sc.ancestorAt(rte.LevelsUp).findCTEPlan(rte.Name)
	rel.Rows = sc.sess.cost.RelRows(cp.rows, len(rel.BaseRestrict))
	if len(rel.Cols) == 0 {
		rel.Cols = cp.cols
		rel.Width = 8 * len(cp.cols)
	}
	p := &CteScanPath{CTEName: cp.name, CTEParam: cp.cteParam, InitPlanID: cp.subplan.PlanID}
	initScanPath(sc, rel, &p.PathCommon)
	p.ParallelSafe = false
	rel.AddPath(p)
}

// workTableScanPaths finds the enclosing recursive union's work-table param
// by climbing scopes; the recursive term is always planned beneath the
// scope that owns the union.
func workTableScanPaths(sc *scope, rel *RelOptInfo) {
	for s := sc; s != nil; s = s.parentScope() {
		if s.wtParam >= 0 {
			p := &WorkTableScanPath{WTParam: s.wtParam}
			initScanPath(sc, rel, &p.PathCommon)
			p.ParallelSafe = false
			rel.AddPath(p)
			return
		}
	}
	impossible("work-table scan outside any recursive union")
}

// baseRelParallelSafe decides whether partial paths may be generated for a
// relation and whether its paths can appear under a Gather.
func baseRelParallelSafe(sc *scope, rel *RelOptInfo) bool {
	if sc.sess.opts.ParallelWorkers <= 0 {
		return false
	}
	for _, q := range rel.BaseRestrict {
		if nodes.ContainsVolatile(q) || nodes.ContainsSubLinks(q) {
			return false
		}
	}
	switch rel.RTE.(type) {
	case *nodes.RelationRTE:
		return true
	case *nodes.ValuesRTE:
		return true
	}
	// CTE and work-table scans share executor state with the leader;
	// functions and sub-queries are not analyzed for safety.
	return false
}

// innerOfSemiOrAnti reports whether the relation can be the inner of a semi
// or anti join, where fast-start paths pay off because each outer row stops
// at the first match.
func innerOfSemiOrAnti(sc *scope, rel *RelOptInfo) bool {
	for _, sj := range sc.sjInfos {
		if (sj.joinType == nodes.JoinSemi || sj.joinType == nodes.JoinAnti) &&
			sj.minRight.SubsetOf(rel.Relids) {
			return true
		}
	}
	return false
}
