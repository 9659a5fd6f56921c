package planner

import "github.com/relplan/relplan/nodes"

// Cost aliases the node package's cost unit.
type Cost = nodes.Cost

// CostModel supplies the numeric half of planning: row estimates and path
// costs. The planner calls it as a pure function of structural shape; the
// formulas themselves are outside this engine's scope. DefaultCostModel is a
// plain textbook implementation good enough to order alternatives.
type CostModel interface {
	// RelRows estimates output rows of a base relation after filtering:
	// rawRows reduced by numQuals restriction clauses.
	RelRows(rawRows float64, numQuals int) float64

	// JoinRows estimates join output cardinality.
	JoinRows(joinType nodes.JoinType, outerRows, innerRows float64, numQuals int) float64

	// ScanCost costs a base scan emitting rows tuples of the given width.
	ScanCost(rows float64, width int) (startup, total Cost)

	// SubqueryScanCost costs reading a finished sub-plan.
	SubqueryScanCost(subStartup, subTotal Cost, rows float64) (startup, total Cost)

	// JoinCost costs one join path given the chosen inputs.
	JoinCost(pathKind JoinPathKind, joinType nodes.JoinType,
		outerStartup, outerTotal, outerRows, innerStartup, innerTotal, innerRows float64,
		numQuals int) (startup, total Cost)

	// SortCost costs sorting rows tuples on top of inputTotal.
	SortCost(inputTotal Cost, rows float64) (startup, total Cost)

	// AggCost costs aggregating inputRows into numGroups groups.
	AggCost(strategy nodes.AggStrategy, inputStartup, inputTotal Cost, inputRows, numGroups float64) (startup, total Cost)

	// MaterialCost costs materializing rows tuples.
	MaterialCost(inputTotal Cost, rows float64) (startup, total Cost)

	// GatherCost costs funneling rows tuples from workers.
	GatherCost(subStartup, subTotal Cost, rows float64) (startup, total Cost)

	// TupleCost is the per-tuple bookkeeping surcharge used, among others,
	// by the CTE materialize-vs-inline comparison.
	TupleCost() Cost

	// HashProbeCost is the per-probe cost of a hashed sub-plan lookup.
	HashProbeCost() Cost
}

// DefaultCostModel is the built-in cost model.
type DefaultCostModel struct{}

const (
	cpuTupleCost    = 0.01
	cpuOperatorCost = 0.0025
	seqPageCost     = 1.0
	rowsPerPage     = 100.0
	parallelTuple   = 0.1
	defaultSel      = 0.25
	joinEqSel       = 0.1
)

func (DefaultCostModel) RelRows(rawRows float64, numQuals int) float64 {
	rows := rawRows
	for i := 0; i < numQuals; i++ {
		rows *= defaultSel
	}
	return clampRows(rows)
}

func (DefaultCostModel) JoinRows(joinType nodes.JoinType, outerRows, innerRows float64, numQuals int) float64 {
	rows := outerRows * innerRows
	for i := 0; i < numQuals; i++ {
		rows *= joinEqSel
	}
	switch joinType {
	case nodes.JoinSemi, nodes.JoinAnti:
		// At most one output row per outer row.
		if rows > outerRows {
			rows = outerRows
		}
		if joinType == nodes.JoinAnti {
			rows = outerRows - rows
		}
	case nodes.JoinLeft, nodes.JoinFull:
		if rows < outerRows {
			rows = outerRows
		}
	}
	return clampRows(rows)
}

func (DefaultCostModel) ScanCost(rows float64, width int) (Cost, Cost) {
	pages := rows / rowsPerPage
	if pages < 1 {
		pages = 1
	}
	return 0, pages*seqPageCost + rows*cpuTupleCost
}

func (DefaultCostModel) SubqueryScanCost(subStartup, subTotal Cost, rows float64) (Cost, Cost) {
	return subStartup, subTotal + rows*cpuTupleCost
}

func (DefaultCostModel) JoinCost(
	pathKind JoinPathKind, joinType nodes.JoinType,
	outerStartup, outerTotal, outerRows, innerStartup, innerTotal, innerRows float64,
	numQuals int,
) (Cost, Cost) {
	qualCost := float64(numQuals) * cpuOperatorCost
	switch pathKind {
	case NestLoopJoin:
		rescans := outerRows
		if rescans < 1 {
			rescans = 1
		}
		run := outerTotal + innerStartup + rescans*(innerTotal-innerStartup) +
			outerRows*innerRows*qualCost
		return outerStartup, run
	case HashJoinKind:
		build := innerTotal + innerRows*(cpuOperatorCost+cpuTupleCost)
		probe := outerTotal + outerRows*(cpuOperatorCost+qualCost)
		return innerTotal + outerStartup, build + probe
	case MergeJoinKind:
		run := outerTotal + innerTotal + (outerRows+innerRows)*(cpuOperatorCost+qualCost)
		return outerStartup + innerStartup, run
	}
	impossible("unknown join path kind %d", pathKind)
	return 0, 0
}

func (DefaultCostModel) SortCost(inputTotal Cost, rows float64) (Cost, Cost) {
	rows = clampRows(rows)
	c := inputTotal + rows*logTwo(rows)*cpuOperatorCost*2
	return c, c + rows*cpuOperatorCost
}

func (DefaultCostModel) AggCost(
	strategy nodes.AggStrategy, inputStartup, inputTotal Cost, inputRows, numGroups float64,
) (Cost, Cost) {
	work := inputRows * cpuOperatorCost
	switch strategy {
	case nodes.AggPlain:
		return inputTotal + work, inputTotal + work + cpuTupleCost
	case nodes.AggHashed:
		return inputTotal + work, inputTotal + work + numGroups*cpuTupleCost
	}
	return inputStartup, inputTotal + work + numGroups*cpuTupleCost
}

func (DefaultCostModel) MaterialCost(inputTotal Cost, rows float64) (Cost, Cost) {
	return 0, inputTotal + rows*2*cpuOperatorCost
}

func (DefaultCostModel) GatherCost(subStartup, subTotal Cost, rows float64) (Cost, Cost) {
	return subStartup + 1000*cpuOperatorCost, subTotal + 1000*cpuOperatorCost + rows*parallelTuple
}

func (DefaultCostModel) TupleCost() Cost { return cpuTupleCost }

func (DefaultCostModel) HashProbeCost() Cost { return cpuOperatorCost }

func clampRows(rows float64) float64 {
	if rows < 1 {
		return 1
	}
	return rows
}

func logTwo(x float64) float64 {
	if x < 2 {
		return 1
	}
	n := 0.0
	for x >= 2 {
		x /= 2
		n++
	}
	return n
}
