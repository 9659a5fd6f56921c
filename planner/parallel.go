package planner

// generateGatherPaths turns a relation's partial paths into complete ones by
// funneling them through a Gather, or a GatherMerge when the partial path
// carries an ordering worth preserving. Called once per relation after its
// path list is otherwise complete, at every join level.
func generateGatherPaths(sc *scope, rel *RelOptInfo) {
	if !rel.ConsiderParallel || len(rel.PartialPaths) == 0 {
		return
	}
	cost := sc.sess.cost
	for _, sub := range rel.PartialPaths {
		subc := sub.Common()
		workers := subc.ParallelWorkers
		if workers <= 0 {
			workers = sc.sess.opts.ParallelWorkers
		}
		rows := clampRows(subc.Rows * float64(workers))
		if len(subc.Ordering) == 0 {
			g := &GatherPath{Subpath: sub}
			g.Rel = rel
			g.Rows = rows
			g.StartupCost, g.TotalCost = cost.GatherCost(subc.StartupCost, subc.TotalCost, rows)
			g.ParallelWorkers = workers
			rel.AddPath(g)
			continue
		}
		g := &GatherMergePath{Subpath: sub}
		g.Rel = rel
		g.Rows = rows
		g.StartupCost, g.TotalCost = cost.GatherCost(subc.StartupCost, subc.TotalCost, rows)
		// Merging keeps the per-worker order at a comparison cost per row.
		g.TotalCost += rows * cost.TupleCost()
		g.Ordering = subc.Ordering
		g.ParallelWorkers = workers
		rel.AddPath(g)
	}
}
