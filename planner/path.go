package planner

import (
	"fmt"

	"github.com/relplan/relplan/intset"
	"github.com/relplan/relplan/nodes"
)

// PathCommon carries the fields shared by every path. A path is an immutable
// candidate physical strategy for one RelOptInfo; once added to a relation's
// path list it is never modified.
type PathCommon struct {
	Rel *RelOptInfo

	Rows        float64
	StartupCost Cost
	TotalCost   Cost

	// Ordering is the output sort order the path delivers, nil if unordered.
	Ordering []nodes.SortKey

	// RequiredOuter is the set of relation indexes whose row must be
	// available when this path runs (a parameterized path). Paths with a
	// non-empty RequiredOuter never become a relation's cheapest
	// unparameterized path.
	RequiredOuter intset.Set

	ParallelSafe    bool
	ParallelWorkers int
}

// Common returns the embedded shared fields.
func (c *PathCommon) Common() *PathCommon { return c }

// Path is a candidate physical plan alternative for a relation.
type Path interface {
	pathNode()
	Common() *PathCommon
}

// SeqScanPath reads a table in storage order.
type SeqScanPath struct {
	PathCommon
}

// SampleScanPath reads a sampled subset of a table.
type SampleScanPath struct {
	PathCommon
	Percent float64
	Seed    nodes.Expr
}

// ForeignScanPath reads a foreign table through its data wrapper.
type ForeignScanPath struct {
	PathCommon
	FdwExprs []nodes.Expr
}

// SubqueryScanPath reads the finished plan of a sub-query in FROM. A
// correlated (lateral) sub-query carries the param bindings a nestloop
// above must supply per outer row.
type SubqueryScanPath struct {
	PathCommon
	Subroot  *scope
	Bindings []*paramBinding
}

// FunctionScanPath evaluates a set-returning function.
type FunctionScanPath struct {
	PathCommon
}

// ValuesScanPath emits a literal row list.
type ValuesScanPath struct {
	PathCommon
}

// CteScanPath reads a materialized CTE initplan.
type CteScanPath struct {
	PathCommon
	CTEName    string
	CTEParam   int
	InitPlanID int
}

// WorkTableScanPath reads the enclosing recursive union's work table.
type WorkTableScanPath struct {
	PathCommon
	WTParam int
}

// NamedTuplestoreScanPath reads an executor-supplied tuplestore.
type NamedTuplestoreScanPath struct {
	PathCommon
	StoreName string
}

// ResultPath produces one projected row with no input.
type ResultPath struct {
	PathCommon
}

// AppendPath concatenates child paths (partitioned relations, union arms).
type AppendPath struct {
	PathCommon
	Subpaths []Path
}

// JoinPathKind selects the join algorithm of a JoinPath.
type JoinPathKind int

const (
	NestLoopJoin JoinPathKind = iota
	HashJoinKind
	MergeJoinKind
)

func (k JoinPathKind) String() string {
	switch k {
	case NestLoopJoin:
		return "nestloop"
	case HashJoinKind:
		return "hashjoin"
	}
	return "mergejoin"
}

// JoinPath joins two child paths.
type JoinPath struct {
	PathCommon
	Kind      JoinPathKind
	JoinType  nodes.JoinType
	Outer     Path
	Inner     Path
	JoinQuals []nodes.Expr
	// HashClauses / MergeClauses are the equality quals driving hashed and
	// merged variants; subsets of JoinQuals.
	EqClauses []nodes.Expr
}

// SortPath re-orders a child path.
type SortPath struct {
	PathCommon
	Subpath Path
}

// MaterialPath buffers a child path for cheap rescan.
type MaterialPath struct {
	PathCommon
	Subpath Path
}

// GatherPath funnels a partial child path out of parallel workers.
type GatherPath struct {
	PathCommon
	Subpath    Path
	SingleCopy bool
}

// GatherMergePath is GatherPath preserving the child's sort order.
type GatherMergePath struct {
	PathCommon
	Subpath Path
}

func (*SeqScanPath) pathNode()             {}
func (*SampleScanPath) pathNode()          {}
func (*ForeignScanPath) pathNode()         {}
func (*SubqueryScanPath) pathNode()        {}
func (*FunctionScanPath) pathNode()        {}
func (*ValuesScanPath) pathNode()          {}
func (*CteScanPath) pathNode()             {}
func (*WorkTableScanPath) pathNode()       {}
func (*NamedTuplestoreScanPath) pathNode() {}
func (*ResultPath) pathNode()              {}
func (*AppendPath) pathNode()              {}
func (*JoinPath) pathNode()                {}
func (*SortPath) pathNode()                {}
func (*MaterialPath) pathNode()            {}
func (*GatherPath) pathNode()              {}
func (*GatherMergePath) pathNode()         {}

func pathName(p Path) string {
	switch t := p.(type) {
	case *SeqScanPath:
		return "seqscan"
	case *SampleScanPath:
		return "samplescan"
	case *ForeignScanPath:
		return "foreignscan"
	case *SubqueryScanPath:
		return "subqueryscan"
	case *FunctionScanPath:
		return "functionscan"
	case *ValuesScanPath:
		return "valuesscan"
	case *CteScanPath:
		return "ctescan"
	case *WorkTableScanPath:
		return "worktablescan"
	case *NamedTuplestoreScanPath:
		return "tuplestorescan"
	case *ResultPath:
		return "result"
	case *AppendPath:
		return "append"
	case *JoinPath:
		return fmt.Sprintf("%s(%s)", t.Kind, t.JoinType)
	case *SortPath:
		return "sort"
	case *MaterialPath:
		return "material"
	case *GatherPath:
		return "gather"
	case *GatherMergePath:
		return "gathermerge"
	}
	return fmt.Sprintf("%T", p)
}

// sameOrdering reports whether two path orderings are identical.
func sameOrdering(a, b []nodes.SortKey) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Desc != b[i].Desc || !nodes.EqualExpr(a[i].Expr, b[i].Expr) {
			return false
		}
	}
	return true
}

// orderingPrefix reports whether want is a prefix of have.
func orderingPrefix(want, have []nodes.SortKey) bool {
	if len(want) > len(have) {
		return false
	}
	return sameOrdering(want, have[:len(want)])
}
