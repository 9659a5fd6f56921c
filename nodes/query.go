package nodes

// CmdType is the statement kind of a Query.
type CmdType int

const (
	CmdSelect CmdType = iota
	CmdInsert
	CmdUpdate
	CmdDelete
)

// Query is the analyzed representation of one query nesting level, the form
// handed to the planner by the semantic analyzer.
type Query struct {
	Command CmdType

	// ResultRel is the range-table index of the DML target, 0 for SELECT.
	ResultRel int

	RangeTable []RangeTblEntry
	JoinTree   *FromExpr

	TargetList []TargetEntry

	// GroupRefs and DistinctOnRefs index into TargetList.
	GroupRefs      []int
	HavingQual     Expr
	Distinct       bool
	DistinctOnRefs []int

	WindowClauses []*WindowClause

	SortClause  []SortItem
	LimitOffset Expr
	LimitCount  Expr

	CTEs []*CommonTableExpr

	// SetOp non-nil means this level is a set operation over subquery
	// range-table entries; JoinTree and TargetList describe the combined
	// output.
	SetOp *SetOpExpr

	HasAggs      bool
	HasSubLinks  bool
	HasRecursive bool
}

// TargetEntry is one output column of a query level.
type TargetEntry struct {
	Expr Expr
	Name string
}

// SortItem orders by a target-list column.
type SortItem struct {
	TLIndex int // 0-based index into TargetList
	Desc    bool
}

// WindowClause is one named window: partitioning and ordering target refs.
type WindowClause struct {
	PartitionRefs []int
	OrderRefs     []SortItem
}

// CTEMaterialize records the user's MATERIALIZED clause.
type CTEMaterialize int

const (
	CTEMaterializeDefault CTEMaterialize = iota
	CTEMaterializeAlways
	CTEMaterializeNever
)

// CommonTableExpr is one WITH-list entry. RefCount is filled in by the
// analyzer: the number of CTERTEs referencing this entry anywhere below.
type CommonTableExpr struct {
	Name        string
	Query       *Query
	Recursive   bool
	Materialize CTEMaterialize
	RefCount    int
}

// SetOpKind is the operator of a SetOpExpr.
type SetOpKind int

const (
	SetOpUnion SetOpKind = iota
	SetOpIntersect
	SetOpExcept
)

func (k SetOpKind) String() string {
	switch k {
	case SetOpUnion:
		return "UNION"
	case SetOpIntersect:
		return "INTERSECT"
	}
	return "EXCEPT"
}

// SetOpNode is either a nested SetOpExpr or a leaf range-table reference.
type SetOpNode interface {
	setOpNode()
}

// SetOpExpr combines two set-operation arms.
type SetOpExpr struct {
	Op    SetOpKind
	All   bool
	Left  SetOpNode
	Right SetOpNode
}

// SetOpRangeTblRef is a set-operation leaf: a subquery range-table entry.
type SetOpRangeTblRef struct {
	Index int // 1-based range-table index
}

func (*SetOpExpr) setOpNode()        {}
func (*SetOpRangeTblRef) setOpNode() {}

// JoinType is the semantic join kind. Semi and anti joins are produced only
// by sublink pullup, never written directly.
type JoinType int

const (
	JoinInner JoinType = iota
	JoinLeft
	JoinRight
	JoinFull
	JoinSemi
	JoinAnti
)

func (t JoinType) String() string {
	switch t {
	case JoinInner:
		return "inner"
	case JoinLeft:
		return "left"
	case JoinRight:
		return "right"
	case JoinFull:
		return "full"
	case JoinSemi:
		return "semi"
	}
	return "anti"
}

// JoinTreeNode is an item of a FROM list: a leaf range-table reference or an
// explicit join.
type JoinTreeNode interface {
	joinTreeNode()
}

// RangeTblRef is a join-tree leaf.
type RangeTblRef struct {
	Index int // 1-based range-table index
}

// JoinExpr is an explicit join between two join-tree items.
type JoinExpr struct {
	JoinType JoinType
	Left     JoinTreeNode
	Right    JoinTreeNode
	Quals    Expr
}

// FromExpr is the root of a query level's join tree.
type FromExpr struct {
	FromList []JoinTreeNode
	Quals    Expr
}

func (*RangeTblRef) joinTreeNode() {}
func (*JoinExpr) joinTreeNode()    {}
func (*FromExpr) joinTreeNode()    {}

// RangeTblEntry is one entry of a query level's range table.
type RangeTblEntry interface {
	rteNode()
	EntryName() string
}

// RelationRTE references a catalog table (possibly foreign or partitioned;
// the catalog decides).
type RelationRTE struct {
	TableName string
	Alias     string
	Sample    *TableSample
}

// TableSample is a TABLESAMPLE clause on a relation reference. Seed, when
// non-nil, is evaluated at executor startup.
type TableSample struct {
	Percent float64
	Seed    Expr
}

// SubqueryRTE is a sub-select in FROM.
type SubqueryRTE struct {
	Alias           string
	Subquery        *Query
	SecurityBarrier bool
}

// FunctionRTE is a function call in FROM.
type FunctionRTE struct {
	Alias    string
	Func     *FuncExpr
	Lateral  bool
	ColTypes []Type
}

// ValuesRTE is a VALUES list in FROM.
type ValuesRTE struct {
	Alias    string
	Rows     [][]Expr
	ColTypes []Type
}

// CTERTE references a WITH-list entry defined LevelsUp query levels above.
type CTERTE struct {
	Name          string
	LevelsUp      int
	SelfReference bool
	ColTypes      []Type
}

// TableFuncRTE is a table-function construct (XMLTABLE-style) in FROM.
type TableFuncRTE struct {
	Alias    string
	Exprs    []Expr
	ColTypes []Type
}

// NamedTuplestoreRTE references an executor-supplied transition table.
type NamedTuplestoreRTE struct {
	Name     string
	ColTypes []Type
}

// WorkTableRTE is the recursive self-reference of a recursive CTE, produced
// by the planner when it rewrites the recursive term.
type WorkTableRTE struct {
	Name     string
	ColTypes []Type
}

// JoinRTE is the analyzer's alias entry for an explicit join; it defines no
// scannable relation.
type JoinRTE struct {
	Alias string
}

func (*RelationRTE) rteNode()        {}
func (*SubqueryRTE) rteNode()        {}
func (*FunctionRTE) rteNode()        {}
func (*ValuesRTE) rteNode()          {}
func (*CTERTE) rteNode()             {}
func (*TableFuncRTE) rteNode()       {}
func (*NamedTuplestoreRTE) rteNode() {}
func (*WorkTableRTE) rteNode()       {}
func (*JoinRTE) rteNode()            {}

func (r *RelationRTE) EntryName() string {
	if r.Alias != "" {
		return r.Alias
	}
	return r.TableName
}
func (r *SubqueryRTE) EntryName() string        { return r.Alias }
func (r *FunctionRTE) EntryName() string        { return r.Alias }
func (r *ValuesRTE) EntryName() string          { return r.Alias }
func (r *CTERTE) EntryName() string             { return r.Name }
func (r *TableFuncRTE) EntryName() string       { return r.Alias }
func (r *NamedTuplestoreRTE) EntryName() string { return r.Name }
func (r *WorkTableRTE) EntryName() string       { return r.Name }
func (r *JoinRTE) EntryName() string            { return r.Alias }
