package nodes

import "github.com/relplan/relplan/intset"

// Cost is an abstract planner cost; units follow the cost model's constants.
type Cost = float64

// PlanCommon carries the fields shared by every plan node.
//
// Vars inside Quals and TargetList reference base range-table entries of the
// node's query level; the executor resolves them against the column bindings
// produced by the scans below. TargetList may be nil for nodes that pass
// their input through unchanged.
//
// ExtParam and AllParam are stamped by the plan finalizer after the tree is
// complete and are never mutated afterward. ExtParam holds the exec params
// referenced at or below this node that must be supplied from outside the
// node's own sub-plans; AllParam additionally includes params the node
// itself supplies to its descendants.
type PlanCommon struct {
	StartupCost Cost
	TotalCost   Cost
	Rows        float64
	Width       int

	ParallelSafe bool

	TargetList []TargetEntry
	Quals      []Expr

	Left  Plan
	Right Plan

	// InitPlans are sub-plans attached at this node that run once before it
	// and publish their results through their SetParam slots.
	InitPlans []*SubPlan

	ExtParam intset.Set
	AllParam intset.Set
}

// Common returns the embedded shared fields.
func (c *PlanCommon) Common() *PlanCommon { return c }

// Plan is a physical plan node.
type Plan interface {
	planNode()
	Common() *PlanCommon
}

// SeqScan reads a catalog table in storage order.
type SeqScan struct {
	PlanCommon
	RelIndex  int
	TableName string
}

// SampleScan reads a sampled subset of a catalog table.
type SampleScan struct {
	PlanCommon
	RelIndex  int
	TableName string
	Percent   float64
	Seed      Expr
}

// ForeignScan reads a foreign table; FdwExprs are expressions the wrapper
// evaluates remotely.
type ForeignScan struct {
	PlanCommon
	RelIndex  int
	TableName string
	FdwExprs  []Expr
}

// SubqueryScan scans the output of the plan in Left, projecting it as the
// columns of range-table entry RelIndex.
type SubqueryScan struct {
	PlanCommon
	RelIndex int
}

// FunctionScan evaluates a set-returning function.
type FunctionScan struct {
	PlanCommon
	RelIndex int
	Func     *FuncExpr
}

// ValuesScan emits a literal row list.
type ValuesScan struct {
	PlanCommon
	RelIndex int
	Rows     [][]Expr
}

// CteScan reads the materialized result of a CTE initplan. CTEParam is the
// signaling param published by the initplan; InitPlanID is the 1-based
// subplan id of the materialized plan.
type CteScan struct {
	PlanCommon
	RelIndex   int
	CTEName    string
	CTEParam   int
	InitPlanID int
}

// WorkTableScan reads the work table of the enclosing RecursiveUnion,
// identified by the shared WTParam slot.
type WorkTableScan struct {
	PlanCommon
	RelIndex int
	WTParam  int
}

// NamedTuplestoreScan reads an executor-supplied tuplestore.
type NamedTuplestoreScan struct {
	PlanCommon
	RelIndex  int
	StoreName string
}

// Result emits a single projected row (no input) or gates its input on
// one-time quals evaluated once per rescan.
type Result struct {
	PlanCommon
	OneTimeQuals []Expr
}

// Append concatenates its sub-plans; used for partitioned tables and UNION
// ALL arms.
type Append struct {
	PlanCommon
	Subplans []Plan
}

// Material buffers its input for cheap rescans.
type Material struct {
	PlanCommon
}

// SortKey is one ordering column of a Sort or GatherMerge.
type SortKey struct {
	Expr Expr
	Desc bool
}

// Sort orders its input.
type Sort struct {
	PlanCommon
	SortKeys []SortKey
}

// AggStrategy selects the aggregation implementation.
type AggStrategy int

const (
	AggPlain AggStrategy = iota
	AggHashed
	AggSorted
)

// Agg computes aggregates, optionally grouped; aggregate references live in
// the node's target list and HavingQual-derived quals in Quals.
type Agg struct {
	PlanCommon
	Strategy   AggStrategy
	GroupExprs []Expr
}

// WindowAgg evaluates window functions over its sorted input.
type WindowAgg struct {
	PlanCommon
	PartitionExprs []Expr
	OrderKeys      []SortKey
}

// Limit applies OFFSET/LIMIT bounds, each an expression evaluated once.
type Limit struct {
	PlanCommon
	Offset Expr
	Count  Expr
}

// NestLoopParam passes the value of an outer-side variable into the inner
// side of a nested loop through an exec param slot.
type NestLoopParam struct {
	ParamID int
	Value   *Var
}

// NestLoop joins by rescanning Right for each Left row.
type NestLoop struct {
	PlanCommon
	JoinType   JoinType
	JoinQuals  []Expr
	NestParams []NestLoopParam
}

// HashJoin joins by hashing Right on the equality clauses.
type HashJoin struct {
	PlanCommon
	JoinType    JoinType
	JoinQuals   []Expr
	HashClauses []Expr
}

// MergeJoin joins two inputs ordered on the merge clauses.
type MergeJoin struct {
	PlanCommon
	JoinType     JoinType
	JoinQuals    []Expr
	MergeClauses []Expr
}

// Gather collects rows from parallel workers running the Left sub-plan.
// RescanParam is a signaling slot forcing worker restart on rescan.
type Gather struct {
	PlanCommon
	NumWorkers  int
	SingleCopy  bool
	RescanParam int
}

// GatherMerge is Gather preserving the workers' common sort order.
type GatherMerge struct {
	PlanCommon
	NumWorkers  int
	SortKeys    []SortKey
	RescanParam int
}

// RecursiveUnion drives a recursive CTE: Left is the non-recursive term,
// Right the recursive term reading the work table through WTParam.
type RecursiveUnion struct {
	PlanCommon
	WTParam  int
	UnionAll bool
}

// SetOp implements INTERSECT and EXCEPT over its two inputs.
type SetOp struct {
	PlanCommon
	Op  SetOpKind
	All bool
}

// ModifyTable applies a DML operation; EPQParam is the shared epoch slot
// used by row-revalidation rechecks.
type ModifyTable struct {
	PlanCommon
	Operation CmdType
	ResultRel int
	EPQParam  int
}

func (*SeqScan) planNode()             {}
func (*SampleScan) planNode()          {}
func (*ForeignScan) planNode()         {}
func (*SubqueryScan) planNode()        {}
func (*FunctionScan) planNode()        {}
func (*ValuesScan) planNode()          {}
func (*CteScan) planNode()             {}
func (*WorkTableScan) planNode()       {}
func (*NamedTuplestoreScan) planNode() {}
func (*Result) planNode()              {}
func (*Append) planNode()              {}
func (*Material) planNode()            {}
func (*Sort) planNode()                {}
func (*Agg) planNode()                 {}
func (*WindowAgg) planNode()           {}
func (*Limit) planNode()               {}
func (*NestLoop) planNode()            {}
func (*HashJoin) planNode()            {}
func (*MergeJoin) planNode()           {}
func (*Gather) planNode()              {}
func (*GatherMerge) planNode()         {}
func (*RecursiveUnion) planNode()      {}
func (*SetOp) planNode()               {}
func (*ModifyTable) planNode()         {}

// PlannedStmt is the finished output of a planning session.
type PlannedStmt struct {
	PlanTree Plan

	// SubPlans is addressable by SubPlan.PlanID - 1.
	SubPlans []*SubPlan

	// NextParamID is one past the highest exec param id allocated; the
	// executor sizes its param array from it.
	NextParamID int
}
