package planner

import (
	"github.com/relplan/relplan/intset"
	"github.com/relplan/relplan/nodes"
	"go.uber.org/zap"
)

// createPlan converts the chosen path of a relation into plan nodes. Costs
// and row estimates were fixed when the path was built; conversion only
// reshapes structure and attaches quals.
func createPlan(sc *scope, p Path) nodes.Plan {
	pc := p.Common()
	var plan nodes.Plan
	switch t := p.(type) {
	case *SeqScanPath:
		plan = &nodes.SeqScan{RelIndex: pc.Rel.RTIndex, TableName: scanTableName(pc.Rel)}
	case *SampleScanPath:
		plan = &nodes.SampleScan{
			RelIndex:  pc.Rel.RTIndex,
			TableName: scanTableName(pc.Rel),
			Percent:   t.Percent,
			Seed:      t.Seed,
		}
	case *ForeignScanPath:
		plan = &nodes.ForeignScan{
			RelIndex:  pc.Rel.RTIndex,
			TableName: scanTableName(pc.Rel),
			FdwExprs:  t.FdwExprs,
		}
	case *SubqueryScanPath:
		scan := &nodes.SubqueryScan{RelIndex: pc.Rel.RTIndex}
		scan.Left = t.Subroot.plan
		plan = scan
	case *FunctionScanPath:
		plan = &nodes.FunctionScan{RelIndex: pc.Rel.RTIndex, Func: scanFuncExpr(pc.Rel.RTE)}
	case *ValuesScanPath:
		rte := pc.Rel.RTE.(*nodes.ValuesRTE)
		plan = &nodes.ValuesScan{RelIndex: pc.Rel.RTIndex, Rows: rte.Rows}
	case *CteScanPath:
		plan = &nodes.CteScan{
			RelIndex:   pc.Rel.RTIndex,
			CTEName:    t.CTEName,
			CTEParam:   t.CTEParam,
			InitPlanID: t.InitPlanID,
		}
	case *WorkTableScanPath:
		plan = &nodes.WorkTableScan{RelIndex: pc.Rel.RTIndex, WTParam: t.WTParam}
	case *NamedTuplestoreScanPath:
		plan = &nodes.NamedTuplestoreScan{RelIndex: pc.Rel.RTIndex, StoreName: t.StoreName}
	case *ResultPath:
		plan = &nodes.Result{}
	case *AppendPath:
		ap := &nodes.Append{Subplans: make([]nodes.Plan, len(t.Subpaths))}
		for i, sub := range t.Subpaths {
			ap.Subplans[i] = createPlan(sc, sub)
		}
		plan = ap
	case *JoinPath:
		plan = createJoinPlan(sc, t)
	case *SortPath:
		sort := &nodes.Sort{SortKeys: pc.Ordering}
		sort.Left = createPlan(sc, t.Subpath)
		plan = sort
	case *MaterialPath:
		mat := &nodes.Material{}
		mat.Left = createPlan(sc, t.Subpath)
		plan = mat
	case *GatherPath:
		g := &nodes.Gather{
			NumWorkers:  pc.ParallelWorkers,
			SingleCopy:  t.SingleCopy,
			RescanParam: bindSpecial(sc),
		}
		g.Left = createPlan(sc, t.Subpath)
		plan = g
	case *GatherMergePath:
		g := &nodes.GatherMerge{
			NumWorkers:  pc.ParallelWorkers,
			SortKeys:    pc.Ordering,
			RescanParam: bindSpecial(sc),
		}
		g.Left = createPlan(sc, t.Subpath)
		plan = g
	default:
		impossible("unhandled path %s", pathName(p))
	}

	c := plan.Common()
	c.StartupCost = pc.StartupCost
	c.TotalCost = pc.TotalCost
	c.Rows = pc.Rows
	c.Width = pc.Rel.Width
	c.ParallelSafe = pc.ParallelSafe
	if pc.Rel.Kind != RelJoin && len(pc.Rel.BaseRestrict) > 0 {
		switch p.(type) {
		case *SortPath, *MaterialPath, *GatherPath, *GatherMergePath, *AppendPath:
			// Quals were already attached on the scan underneath.
		default:
			c.Quals = append(c.Quals, pc.Rel.BaseRestrict...)
		}
	}
	return plan
}

func scanTableName(rel *RelOptInfo) string {
	// Partition members scan their own table, not the parent the
	// range-table entry names.
	if rel.Table != nil {
		return rel.Table.Name
	}
	return rel.RTE.(*nodes.RelationRTE).TableName
}

// scanFuncExpr resolves the function a function scan evaluates. A
// table-function construct has no single call in the analyzed tree, so it is
// wrapped in a synthetic set-returning call holding its input expressions.
func scanFuncExpr(rte nodes.RangeTblEntry) *nodes.FuncExpr {
	switch t := rte.(type) {
	case *nodes.FunctionRTE:
		return t.Func
	case *nodes.TableFuncRTE:
		return &nodes.FuncExpr{Name: "tablefunc", Args: t.Exprs, ReturnsSet: true}
	}
	impossible("function scan over %T", rte)
	return nil
}

func createJoinPlan(sc *scope, jp *JoinPath) nodes.Plan {
	outer := createPlan(sc, jp.Outer)
	inner := createPlan(sc, jp.Inner)

	var plan nodes.Plan
	switch jp.Kind {
	case NestLoopJoin:
		nl := &nodes.NestLoop{
			JoinType:   jp.JoinType,
			JoinQuals:  jp.JoinQuals,
			NestParams: collectNestParams(jp.Inner, jp.Outer.Common().Rel.Relids),
		}
		nl.Left = outer
		nl.Right = inner
		plan = nl
	case HashJoinKind:
		hj := &nodes.HashJoin{
			JoinType:    jp.JoinType,
			JoinQuals:   exceptExprs(jp.JoinQuals, jp.EqClauses),
			HashClauses: jp.EqClauses,
		}
		hj.Left = outer
		hj.Right = inner
		plan = hj
	case MergeJoinKind:
		mj := &nodes.MergeJoin{
			JoinType:     jp.JoinType,
			JoinQuals:    exceptExprs(jp.JoinQuals, jp.EqClauses),
			MergeClauses: jp.EqClauses,
		}
		mj.Left = outer
		mj.Right = inner
		plan = mj
	}
	return plan
}

// collectNestParams gathers the lateral bindings inside the inner path that
// this nestloop's outer side supplies. Bindings sourced from relations
// outside the outer side stay pending for a nestloop higher up.
func collectNestParams(inner Path, outerRelids intset.Set) []nodes.NestLoopParam {
	var out []nodes.NestLoopParam
	var walk func(Path)
	walk = func(p Path) {
		switch t := p.(type) {
		case *SubqueryScanPath:
			for _, b := range t.Bindings {
				v, ok := b.source.(*nodes.Var)
				if !ok {
					impossible("lateral binding for param %d is not a variable", b.paramID)
				}
				if outerRelids.Contains(v.RelIndex) {
					out = append(out, nodes.NestLoopParam{ParamID: b.paramID, Value: v})
				}
			}
		case *JoinPath:
			walk(t.Outer)
			walk(t.Inner)
		case *SortPath:
			walk(t.Subpath)
		case *MaterialPath:
			walk(t.Subpath)
		case *GatherPath:
			walk(t.Subpath)
		case *GatherMergePath:
			walk(t.Subpath)
		case *AppendPath:
			for _, sub := range t.Subpaths {
				walk(sub)
			}
		}
	}
	walk(inner)
	return out
}

// exceptExprs returns clauses minus the given subset, compared by identity.
func exceptExprs(clauses, minus []nodes.Expr) []nodes.Expr {
	if len(minus) == 0 {
		return clauses
	}
	var out []nodes.Expr
	for _, c := range clauses {
		skip := false
		for _, m := range minus {
			if c == m {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, c)
		}
	}
	return out
}

// planUpperStages layers grouping, windows, distinctness, ordering, limits,
// and the DML driver over the scope's join-tree plan, in execution order.
func planUpperStages(sc *scope, plan nodes.Plan) nodes.Plan {
	q := sc.query

	if len(sc.delayedQuals) > 0 {
		pc := plan.Common()
		pc.Quals = append(pc.Quals, sc.delayedQuals...)
	}

	grouped := q.HasAggs || len(q.GroupRefs) > 0
	if grouped {
		plan = planAggStage(sc, plan)
	} else if q.HavingQual != nil {
		// HAVING without aggregates or grouping filters rows like WHERE.
		pc := plan.Common()
		pc.Quals = append(pc.Quals, nodes.AndClauses(q.HavingQual)...)
	}

	for _, wc := range q.WindowClauses {
		plan = planWindowStage(sc, plan, wc)
	}

	if pc := plan.Common(); pc.TargetList == nil {
		pc.TargetList = q.TargetList
	}

	if q.Distinct || len(q.DistinctOnRefs) > 0 {
		plan = planDistinctStage(sc, plan)
	}

	if len(q.SortClause) > 0 {
		plan = planSortStage(sc, plan)
	}

	if q.LimitOffset != nil || q.LimitCount != nil {
		plan = planLimitStage(sc, plan)
	}

	if q.Command != nodes.CmdSelect {
		plan = planModifyStage(sc, plan)
	}
	return plan
}

func planAggStage(sc *scope, input nodes.Plan) nodes.Plan {
	q := sc.query
	ic := input.Common()

	strategy := nodes.AggPlain
	var group []nodes.Expr
	numGroups := 1.0
	if len(q.GroupRefs) > 0 {
		strategy = nodes.AggHashed
		group = make([]nodes.Expr, len(q.GroupRefs))
		for i, ref := range q.GroupRefs {
			group[i] = q.TargetList[ref].Expr
		}
		numGroups = clampRows(ic.Rows / 4)
	}

	agg := &nodes.Agg{Strategy: strategy, GroupExprs: group}
	agg.Left = input
	agg.StartupCost, agg.TotalCost = sc.sess.cost.AggCost(strategy, ic.StartupCost, ic.TotalCost, ic.Rows, numGroups)
	agg.Rows = numGroups
	agg.Width = ic.Width
	agg.TargetList = q.TargetList
	if q.HavingQual != nil {
		agg.Quals = nodes.AndClauses(q.HavingQual)
	}

	sc.sess.log.Debug("aggregation stage",
		zap.Int("strategy", int(strategy)),
		zap.Int("groupCols", len(group)),
		zap.Float64("groups", numGroups))
	return agg
}

func planWindowStage(sc *scope, input nodes.Plan, wc *nodes.WindowClause) nodes.Plan {
	q := sc.query

	partition := make([]nodes.Expr, len(wc.PartitionRefs))
	keys := make([]nodes.SortKey, 0, len(wc.PartitionRefs)+len(wc.OrderRefs))
	for i, ref := range wc.PartitionRefs {
		partition[i] = q.TargetList[ref].Expr
		keys = append(keys, nodes.SortKey{Expr: q.TargetList[ref].Expr})
	}
	order := make([]nodes.SortKey, len(wc.OrderRefs))
	for i, it := range wc.OrderRefs {
		order[i] = nodes.SortKey{Expr: q.TargetList[it.TLIndex].Expr, Desc: it.Desc}
	}
	keys = append(keys, order...)

	if len(keys) > 0 {
		input = sortPlan(sc, input, keys)
	}
	ic := input.Common()

	wa := &nodes.WindowAgg{PartitionExprs: partition, OrderKeys: order}
	wa.Left = input
	wa.StartupCost = ic.StartupCost
	wa.TotalCost = ic.TotalCost + ic.Rows*sc.sess.cost.TupleCost()
	wa.Rows = ic.Rows
	wa.Width = ic.Width
	return wa
}

func planDistinctStage(sc *scope, input nodes.Plan) nodes.Plan {
	q := sc.query
	ic := input.Common()

	var group []nodes.Expr
	if len(q.DistinctOnRefs) > 0 {
		group = make([]nodes.Expr, len(q.DistinctOnRefs))
		for i, ref := range q.DistinctOnRefs {
			group[i] = q.TargetList[ref].Expr
		}
	} else {
		group = make([]nodes.Expr, len(q.TargetList))
		for i := range q.TargetList {
			group[i] = q.TargetList[i].Expr
		}
	}

	numGroups := clampRows(ic.Rows / 2)
	agg := &nodes.Agg{Strategy: nodes.AggHashed, GroupExprs: group}
	agg.Left = input
	agg.StartupCost, agg.TotalCost = sc.sess.cost.AggCost(nodes.AggHashed, ic.StartupCost, ic.TotalCost, ic.Rows, numGroups)
	agg.Rows = numGroups
	agg.Width = ic.Width
	agg.TargetList = q.TargetList
	return agg
}

func planSortStage(sc *scope, input nodes.Plan) nodes.Plan {
	q := sc.query
	keys := make([]nodes.SortKey, len(q.SortClause))
	for i, it := range q.SortClause {
		keys[i] = nodes.SortKey{Expr: q.TargetList[it.TLIndex].Expr, Desc: it.Desc}
	}
	return sortPlan(sc, input, keys)
}

func sortPlan(sc *scope, input nodes.Plan, keys []nodes.SortKey) nodes.Plan {
	ic := input.Common()
	sort := &nodes.Sort{SortKeys: keys}
	sort.Left = input
	sort.StartupCost, sort.TotalCost = sc.sess.cost.SortCost(ic.TotalCost, ic.Rows)
	sort.Rows = ic.Rows
	sort.Width = ic.Width
	return sort
}

func planLimitStage(sc *scope, input nodes.Plan) nodes.Plan {
	q := sc.query
	ic := input.Common()

	lim := &nodes.Limit{Offset: q.LimitOffset, Count: q.LimitCount}
	lim.Left = input
	lim.StartupCost = ic.StartupCost
	lim.TotalCost = ic.TotalCost
	lim.Rows = ic.Rows
	lim.Width = ic.Width
	if c, ok := q.LimitCount.(*nodes.Const); ok && !c.Null {
		if n := asInt(c.Value); n >= 0 && float64(n) < lim.Rows {
			lim.Rows = clampRows(float64(n))
			// A bounded scan quits early; scale the run cost down.
			if ic.Rows > 0 {
				lim.TotalCost = ic.StartupCost + (ic.TotalCost-ic.StartupCost)*(lim.Rows/ic.Rows)
			}
		}
	}
	return lim
}

// planModifyStage drives INSERT/UPDATE/DELETE over the source plan. EPQParam
// is the shared epoch slot used to re-evaluate a candidate row after a
// concurrent update.
func planModifyStage(sc *scope, input nodes.Plan) nodes.Plan {
	q := sc.query
	ic := input.Common()

	mt := &nodes.ModifyTable{
		Operation: q.Command,
		ResultRel: q.ResultRel,
		EPQParam:  bindSpecial(sc),
	}
	mt.Left = input
	mt.StartupCost = ic.StartupCost
	mt.TotalCost = ic.TotalCost + ic.Rows*sc.sess.cost.TupleCost()
	mt.Rows = ic.Rows
	mt.Width = ic.Width
	return mt
}
