package planner

import (
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/relplan/relplan/cat"
	"github.com/relplan/relplan/intset"
	"github.com/relplan/relplan/nodes"
	"go.uber.org/zap"
)

// Options are the planner's control knobs.
type Options struct {
	// MaxPlanDepth bounds query nesting; exceeding it returns
	// ErrPlanDepthExceeded. Zero means the default of 128.
	MaxPlanDepth int

	// DisableSublinkPullup forces every sublink down the SubPlan fallback,
	// never rewriting to joins. Used by the differential test harness.
	DisableSublinkPullup bool

	// DisablePartitionwiseJoin turns off partition-wise join generation.
	DisablePartitionwiseJoin bool

	// ParallelWorkers is the per-Gather worker budget; zero disables
	// parallel path generation.
	ParallelWorkers int

	// JoinSearch overrides the standard dynamic-programming join search.
	JoinSearch JoinSearchStrategy

	// Logger receives planner decision tracing at Debug level.
	Logger *zap.Logger

	// Cost overrides the default cost model.
	Cost CostModel
}

// Session owns all state shared across the scopes of one planning run: the
// scope arena, the exec-param counter, and the session-wide sub-plan lists.
// A Session must not be shared between concurrent planning runs; each query
// is planned by its own session.
type Session struct {
	catalog cat.Catalog
	cost    CostModel
	opts    Options
	log     *zap.Logger

	scopes []*scope

	nextParamID int
	paramTypes  []nodes.Type

	subplans []*nodes.SubPlan

	nextPlaceholderID int
}

// Plan plans an analyzed query against the catalog. "Cannot optimize"
// conditions inside the engine degrade to safer strategies and never
// surface here; an error return is either a resource limit or an internal
// invariant violation.
func Plan(q *nodes.Query, catalog cat.Catalog, opts Options) (stmt *nodes.PlannedStmt, err error) {
	if opts.MaxPlanDepth == 0 {
		opts.MaxPlanDepth = 128
	}
	if opts.Cost == nil {
		opts.Cost = DefaultCostModel{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Session{
		catalog: catalog,
		cost:    opts.Cost,
		opts:    opts,
		log:     opts.Logger.With(zap.String("session", uuid.NewString())),
	}

	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			panic(r)
		}
	}()

	root := s.planScope(nodes.CopyQuery(q), -1)

	// Stamp extParam/allParam over the whole tree and verify every
	// parameter reference is satisfiable where it occurs.
	if s.nextParamID > 0 {
		finalizePlan(s, root.plan, intset.Set{})
	}

	s.log.Debug("planning complete",
		zap.Int("scopes", len(s.scopes)),
		zap.Int("subplans", len(s.subplans)),
		zap.Int("params", s.nextParamID))

	return &nodes.PlannedStmt{
		PlanTree:    root.plan,
		SubPlans:    s.subplans,
		NextParamID: s.nextParamID,
	}, nil
}

// planScope plans one query nesting level. The caller transfers ownership
// of q; planScope mutates it freely. parentIdx is the arena index of the
// parent scope, -1 at the root.
func (s *Session) planScope(q *nodes.Query, parentIdx int) *scope {
	level := 1
	if parentIdx >= 0 {
		level = s.scopes[parentIdx].level + 1
	}
	if level > s.opts.MaxPlanDepth {
		panic(errors.Wrapf(ErrPlanDepthExceeded, "nesting depth %d", level))
	}

	sc := &scope{
		sess:     s,
		idx:      len(s.scopes),
		parent:   parentIdx,
		level:    level,
		query:    q,
		relArray: make([]*RelOptInfo, len(q.RangeTable)+1),
		joinRels: make(map[string]*RelOptInfo),
		wtParam:  -1,
	}
	s.scopes = append(s.scopes, sc)

	// Plan or inline WITH-list entries before anything can reference them.
	processCtes(sc)

	// Rewrite pullable sublinks in the join tree into semi/anti/inner
	// joins while the join tree is still malleable.
	if !s.opts.DisableSublinkPullup {
		pullUpSublinks(sc)
	}

	// Replace remaining correlated references with exec params and
	// remaining sublinks with SubPlans.
	preprocessExpressions(sc)

	var plan nodes.Plan
	if q.SetOp != nil {
		plan = planSetOps(sc)
	} else {
		constQuals := buildBaseRels(sc)
		final := makeOneRel(sc)
		plan = createPlan(sc, bestFinalPath(final))
		if len(constQuals) > 0 {
			plan = gateWithResult(sc, plan, constQuals)
		}
	}

	plan = planUpperStages(sc, plan)

	// The scope's deferred sub-plans run before its topmost node.
	if len(sc.initPlans) > 0 {
		pc := plan.Common()
		pc.InitPlans = append(pc.InitPlans, sc.initPlans...)
	}

	sc.plan = plan
	return sc
}

// bestFinalPath picks the path the scope's plan is built from.
func bestFinalPath(rel *RelOptInfo) Path {
	if rel.CheapestTotal == nil {
		impossible("final relation %s has no chosen path", rel.Relids)
	}
	return rel.CheapestTotal
}

// gateWithResult wraps plan in a Result applying pseudo-constant quals once
// per (re)scan instead of once per row.
func gateWithResult(sc *scope, plan nodes.Plan, quals []nodes.Expr) nodes.Plan {
	pc := plan.Common()
	res := &nodes.Result{OneTimeQuals: quals}
	res.StartupCost = pc.StartupCost
	res.TotalCost = pc.TotalCost
	res.Rows = pc.Rows
	res.Width = pc.Width
	res.Left = plan
	return res
}

// allocParamID allocates one exec param slot from the session-wide counter.
// Callers must not assume anything about the numbering beyond uniqueness.
func (s *Session) allocParamID(typ nodes.Type) int {
	id := s.nextParamID
	s.nextParamID++
	s.paramTypes = append(s.paramTypes, typ)
	return id
}

// registerSubplan assigns the 1-based plan id.
func (s *Session) registerSubplan(sp *nodes.SubPlan) {
	s.subplans = append(s.subplans, sp)
	sp.PlanID = len(s.subplans)
}

// rteCols resolves the output columns of a range-table entry.
func (s *Session) rteCols(rte nodes.RangeTblEntry) []ColInfo {
	switch t := rte.(type) {
	case *nodes.RelationRTE:
		tab, err := s.catalog.Table(t.TableName)
		if err != nil {
			panic(errors.Wrap(err, "planner"))
		}
		cols := make([]ColInfo, len(tab.Columns))
		for i, c := range tab.Columns {
			cols[i] = ColInfo{Name: c.Name, Type: c.Type, NotNull: c.NotNull}
		}
		return cols
	case *nodes.SubqueryRTE:
		cols := make([]ColInfo, len(t.Subquery.TargetList))
		for i, te := range t.Subquery.TargetList {
			cols[i] = ColInfo{Name: te.Name, Type: nodes.TypeOf(te.Expr)}
		}
		return cols
	case *nodes.FunctionRTE:
		return typedCols(t.ColTypes)
	case *nodes.ValuesRTE:
		return typedCols(t.ColTypes)
	case *nodes.CTERTE:
		return typedCols(t.ColTypes)
	case *nodes.TableFuncRTE:
		return typedCols(t.ColTypes)
	case *nodes.NamedTuplestoreRTE:
		return typedCols(t.ColTypes)
	case *nodes.WorkTableRTE:
		return typedCols(t.ColTypes)
	case *nodes.JoinRTE:
		return nil
	}
	impossible("unhandled range-table entry %T", rte)
	return nil
}

func typedCols(types []nodes.Type) []ColInfo {
	cols := make([]ColInfo, len(types))
	for i, typ := range types {
		cols[i] = ColInfo{Name: "", Type: typ}
	}
	return cols
}
