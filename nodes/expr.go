// Package nodes defines the tree representations exchanged between the
// analyzer, the planner, and the executor: scalar expressions, queries with
// their range tables, and physical plan nodes. Each tree category is a closed
// set of variants behind a marker interface so that dispatch sites switch
// exhaustively over concrete types.
package nodes

import "fmt"

// Type is the scalar type of an expression. The planner only needs enough
// typing to reason about hashability, nullability and aggregate results; the
// full type system lives in the analyzer.
type Type int

const (
	TypeUnknown Type = iota
	TypeBool
	TypeInt
	TypeFloat
	TypeString
)

func (t Type) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeString:
		return "string"
	}
	return "unknown"
}

// Datum is a runtime value: int64, float64, string, bool, or nil for NULL.
type Datum interface{}

// Volatility classifies functions for rewrite and pushdown safety.
type Volatility int

const (
	VolatilityImmutable Volatility = iota
	VolatilityStable
	VolatilityVolatile
)

// Op identifies a built-in operator. All built-in operators are strict: a
// NULL input yields a NULL result.
type Op int

const (
	OpInvalid Op = iota
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpPlus
	OpMinus
	OpMult
	OpDiv
)

var opNames = [...]string{
	OpInvalid: "?",
	OpEq:      "=",
	OpNe:      "<>",
	OpLt:      "<",
	OpLe:      "<=",
	OpGt:      ">",
	OpGe:      ">=",
	OpPlus:    "+",
	OpMinus:   "-",
	OpMult:    "*",
	OpDiv:     "/",
}

func (o Op) String() string { return opNames[o] }

// Comparison reports whether the operator returns a boolean.
func (o Op) Comparison() bool {
	switch o {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		return true
	}
	return false
}

// Hashable reports whether the operator can drive a hash table probe.
// Only plain equality hashes.
func (o Op) Hashable() bool { return o == OpEq }

// Negate returns the complementary comparison, or OpInvalid.
func (o Op) Negate() Op {
	switch o {
	case OpEq:
		return OpNe
	case OpNe:
		return OpEq
	case OpLt:
		return OpGe
	case OpLe:
		return OpGt
	case OpGt:
		return OpLe
	case OpGe:
		return OpLt
	}
	return OpInvalid
}

// Expr is a scalar expression node.
type Expr interface {
	exprNode()
}

// Var references an output column of a range-table entry. RelIndex is the
// 1-based range-table index at the query level LevelsUp hops above the level
// where the Var appears; LevelsUp > 0 marks a correlated reference. Col is
// the 1-based column number; Col == 0 is a whole-row reference.
type Var struct {
	RelIndex int
	Col      int
	ColType  Type
	LevelsUp int
}

// Const is a literal value. Value is nil iff Null is set.
type Const struct {
	Value   Datum
	Null    bool
	ColType Type
}

// ParamKind distinguishes externally-supplied statement parameters from
// execution parameters bound by the planner.
type ParamKind int

const (
	ParamExtern ParamKind = iota
	ParamExec
)

// Param is a runtime parameter slot. Exec params are allocated by the
// planner's binding manager; their IDs are unique across a planning session.
type Param struct {
	Kind    ParamKind
	ID      int
	ColType Type
}

// OpExpr applies a built-in operator to one or two arguments.
type OpExpr struct {
	Op   Op
	Args []Expr
}

// BoolOp is the operator of a BoolExpr.
type BoolOp int

const (
	AndOp BoolOp = iota
	OrOp
	NotOp
)

func (o BoolOp) String() string {
	switch o {
	case AndOp:
		return "AND"
	case OrOp:
		return "OR"
	}
	return "NOT"
}

// BoolExpr combines boolean arguments with AND, OR, or NOT.
type BoolExpr struct {
	Op   BoolOp
	Args []Expr
}

// NullTestKind selects IS NULL vs IS NOT NULL.
type NullTestKind int

const (
	IsNull NullTestKind = iota
	IsNotNull
)

// NullTest is an IS [NOT] NULL predicate.
type NullTest struct {
	Arg  Expr
	Kind NullTestKind
}

// FuncExpr is a function call. ReturnsSet marks set-returning functions;
// Leakproof marks functions safe to push through security barriers.
type FuncExpr struct {
	Name       string
	Args       []Expr
	RetType    Type
	Volatility Volatility
	ReturnsSet bool
	Leakproof  bool
}

// Aggref is an aggregate reference. Arg is nil for count(*). LevelsUp > 0
// marks an aggregate belonging to an outer query level.
type Aggref struct {
	Func     string
	Arg      Expr
	RetType  Type
	LevelsUp int
	Distinct bool
}

// GroupingFunc is a GROUPING(...) call; like Aggref it may belong to an
// outer query level.
type GroupingFunc struct {
	Args     []Expr
	LevelsUp int
}

// WindowFunc is a window function call attached to the window clause WinRef.
type WindowFunc struct {
	Name    string
	Args    []Expr
	RetType Type
	WinRef  int
}

// PlaceHolderVar wraps an expression that must be evaluated at a lower query
// level than where it is referenced; ID identifies the placeholder within the
// session and LevelsUp works as for Var.
type PlaceHolderVar struct {
	Expr     Expr
	ID       int
	LevelsUp int
}

// RowExpr is a row constructor, used for multi-column sublink tests.
type RowExpr struct {
	Exprs []Expr
}

// SubLinkType classifies a sublink.
type SubLinkType int

const (
	ExistsSubLink SubLinkType = iota
	AnySubLink
	AllSubLink
	ExprSubLink
	RowCompareSubLink
	// CTESubLink marks the initplan materializing a WITH query.
	CTESubLink
)

func (t SubLinkType) String() string {
	switch t {
	case ExistsSubLink:
		return "EXISTS"
	case AnySubLink:
		return "ANY"
	case AllSubLink:
		return "ALL"
	case ExprSubLink:
		return "EXPR"
	case RowCompareSubLink:
		return "ROWCOMPARE"
	}
	return "CTE"
}

// SubLink is an unplanned sub-select appearing in an expression. For ANY and
// ALL links, TestExpr is the left-hand expression (possibly a RowExpr) and
// Oper the comparison combining it with the sub-select's output row.
type SubLink struct {
	LinkType  SubLinkType
	TestExpr  Expr
	Oper      Op
	Subselect *Query
}

// SubPlan replaces a SubLink once the normalizer has planned the sub-select.
//
// ParParam lists the exec param IDs the sub-plan reads per invocation and
// Args the outer-level expressions supplying them, matched by position.
// SetParam lists the param IDs the sub-plan itself fills in: the output
// slots of an initplan. ParParam empty is exactly the initplan condition.
type SubPlan struct {
	PlanID       int // 1-based index into the session subplan list
	PlanName     string
	LinkType     SubLinkType
	TestExpr     Expr // combining expression with Params replacing sub outputs
	Plan         Plan
	ParParam     []int
	Args         []Expr
	SetParam     []int
	UseHashTable bool
	StartupCost  Cost
	PerCallCost  Cost
	RetType      Type
}

func (*Var) exprNode()            {}
func (*Const) exprNode()          {}
func (*Param) exprNode()          {}
func (*OpExpr) exprNode()         {}
func (*BoolExpr) exprNode()       {}
func (*NullTest) exprNode()       {}
func (*FuncExpr) exprNode()       {}
func (*Aggref) exprNode()         {}
func (*GroupingFunc) exprNode()   {}
func (*WindowFunc) exprNode()     {}
func (*PlaceHolderVar) exprNode() {}
func (*RowExpr) exprNode()        {}
func (*SubLink) exprNode()        {}
func (*SubPlan) exprNode()        {}

// TypeOf infers the scalar type of an expression.
func TypeOf(e Expr) Type {
	switch t := e.(type) {
	case *Var:
		return t.ColType
	case *Const:
		return t.ColType
	case *Param:
		return t.ColType
	case *OpExpr:
		if t.Op.Comparison() {
			return TypeBool
		}
		return TypeOf(t.Args[0])
	case *BoolExpr, *NullTest:
		return TypeBool
	case *FuncExpr:
		return t.RetType
	case *Aggref:
		return t.RetType
	case *GroupingFunc:
		return TypeInt
	case *WindowFunc:
		return t.RetType
	case *PlaceHolderVar:
		return TypeOf(t.Expr)
	case *RowExpr:
		return TypeUnknown
	case *SubLink:
		if t.LinkType == ExprSubLink && len(t.Subselect.TargetList) == 1 {
			return TypeOf(t.Subselect.TargetList[0].Expr)
		}
		return TypeBool
	case *SubPlan:
		return t.RetType
	}
	panic(fmt.Sprintf("nodes: unhandled expression type %T", e))
}

// AndClauses flattens an expression into its top-level conjuncts. A nil
// expression yields nil.
func AndClauses(e Expr) []Expr {
	if e == nil {
		return nil
	}
	if b, ok := e.(*BoolExpr); ok && b.Op == AndOp {
		var out []Expr
		for _, a := range b.Args {
			out = append(out, AndClauses(a)...)
		}
		return out
	}
	return []Expr{e}
}

// MakeAnd conjoins clauses, returning nil for an empty list and the sole
// clause unwrapped for a singleton.
func MakeAnd(clauses []Expr) Expr {
	switch len(clauses) {
	case 0:
		return nil
	case 1:
		return clauses[0]
	}
	return &BoolExpr{Op: AndOp, Args: clauses}
}
