package planner

import (
	"github.com/relplan/relplan/nodes"
)

// This file is the parameter binding manager. Every value that flows from an
// outer query scope into an inner one travels through a numbered exec param
// slot; slot ids come from the single session-wide counter and are unique
// across the whole planning session. A binding is recorded at the scope that
// owns the source expression (found by climbing exactly levelsUp hops), and
// duplicate requests for a structurally equal source reuse the prior slot.

// assignBinding finds or creates the binding for source at the scope
// exactly levelsUp hops above sc. source must already be normalized to the
// owner's level (its own level offset stripped).
func assignBinding(sc *scope, levelsUp int, source nodes.Expr, typ nodes.Type) *nodes.Param {
	owner := sc.ancestorAt(levelsUp)
	for _, b := range owner.planParams {
		if nodes.EqualExpr(b.source, source) {
			return &nodes.Param{Kind: nodes.ParamExec, ID: b.paramID, ColType: typ}
		}
	}
	id := sc.sess.allocParamID(typ)
	owner.planParams = append(owner.planParams, &paramBinding{source: source, paramID: id})
	return &nodes.Param{Kind: nodes.ParamExec, ID: id, ColType: typ}
}

// bindVar replaces an outer-level Var with a param slot supplied by the
// owning ancestor scope.
func bindVar(sc *scope, v *nodes.Var) *nodes.Param {
	if v.LevelsUp <= 0 {
		impossible("bindVar on a local variable (rel%d.c%d)", v.RelIndex, v.Col)
	}
	local := *v
	local.LevelsUp = 0
	return assignBinding(sc, v.LevelsUp, &local, v.ColType)
}

// bindPlaceHolder replaces an outer-level placeholder expression.
func bindPlaceHolder(sc *scope, phv *nodes.PlaceHolderVar) *nodes.Param {
	if phv.LevelsUp <= 0 {
		impossible("bindPlaceHolder on a local placeholder %d", phv.ID)
	}
	local := nodes.CopyExpr(phv).(*nodes.PlaceHolderVar)
	local.LevelsUp = 0
	return assignBinding(sc, phv.LevelsUp, local, nodes.TypeOf(phv.Expr))
}

// bindAggref replaces an outer-level aggregate reference.
func bindAggref(sc *scope, agg *nodes.Aggref) *nodes.Param {
	if agg.LevelsUp <= 0 {
		impossible("bindAggref on a local aggregate %s", agg.Func)
	}
	local := nodes.CopyExpr(agg).(*nodes.Aggref)
	local.LevelsUp = 0
	return assignBinding(sc, agg.LevelsUp, local, agg.RetType)
}

// bindGroupingFunc replaces an outer-level GROUPING() reference.
func bindGroupingFunc(sc *scope, g *nodes.GroupingFunc) *nodes.Param {
	if g.LevelsUp <= 0 {
		impossible("bindGroupingFunc on a local grouping func")
	}
	local := nodes.CopyExpr(g).(*nodes.GroupingFunc)
	local.LevelsUp = 0
	return assignBinding(sc, g.LevelsUp, local, nodes.TypeInt)
}

// bindSpecial allocates a param slot that carries no value: a signaling
// handle such as a recursive work-table id, a CTE-ready marker, or a
// rescan-forcing token. No binding record is created since nothing supplies
// the slot.
func bindSpecial(sc *scope) int {
	return sc.sess.allocParamID(nodes.TypeUnknown)
}

// newOutputParam allocates the slot through which a sub-plan publishes one
// scalar output; the slot appears in the sub-plan's SetParam list.
func newOutputParam(sc *scope, typ nodes.Type) *nodes.Param {
	return &nodes.Param{Kind: nodes.ParamExec, ID: sc.sess.allocParamID(typ), ColType: typ}
}

// replaceCorrelationVars rewrites every outer-level reference in an
// expression of scope sc into a Param. It does not descend into sub-selects:
// those are planned separately and handle their own levels.
func replaceCorrelationVars(sc *scope, e nodes.Expr) nodes.Expr {
	return nodes.MutateExpr(e, func(n nodes.Expr) (nodes.Expr, bool) {
		switch t := n.(type) {
		case *nodes.Var:
			if t.LevelsUp > 0 {
				return bindVar(sc, t), true
			}
		case *nodes.PlaceHolderVar:
			if t.LevelsUp > 0 {
				return bindPlaceHolder(sc, t), true
			}
		case *nodes.Aggref:
			if t.LevelsUp > 0 {
				return bindAggref(sc, t), true
			}
		case *nodes.GroupingFunc:
			if t.LevelsUp > 0 {
				return bindGroupingFunc(sc, t), true
			}
		}
		return nil, false
	})
}

// drainPlanParams removes and returns the bindings accumulated on sc since
// the given checkpoint. The caller snapshots len(sc.planParams) before
// planning a child sub-query; the delta is exactly what that child needs
// from sc.
func drainPlanParams(sc *scope, checkpoint int) []*paramBinding {
	drained := sc.planParams[checkpoint:]
	sc.planParams = sc.planParams[:checkpoint]
	return drained
}
