package planner

import (
	"github.com/relplan/relplan/intset"
	"github.com/relplan/relplan/nodes"
)

// buildBaseRels deconstructs the join tree: it materializes a relation
// record per leaf, distributes WHERE and join quals to the relations or the
// scope's join-clause pool, records special-join ordering constraints for
// outer/semi/anti joins, and sizes every base relation. It returns the
// pseudo-constant quals (no relation references) for Result gating.
func buildBaseRels(sc *scope) []nodes.Expr {
	var constQuals []nodes.Expr

	distribute := func(e nodes.Expr) {
		for _, q := range nodes.AndClauses(e) {
			relids := exprRelids(q)
			switch relids.Len() {
			case 0:
				constQuals = append(constQuals, q)
			case 1:
				rti := relids.SingleElem()
				if sc.nullableSide(rti) {
					// Filtering the nullable side below the join would
					// suppress null-extended rows; keep the qual above.
					sc.delayedQuals = append(sc.delayedQuals, q)
				} else {
					sc.findBaseRel(rti).BaseRestrict = append(sc.findBaseRel(rti).BaseRestrict, q)
				}
			default:
				delayed := false
				relids.ForEach(func(rti int) {
					if sc.nullableSide(rti) {
						delayed = true
					}
				})
				if delayed {
					// Same rule as the single-relation case: a WHERE qual on
					// a null-extended relation must see the extended rows.
					sc.delayedQuals = append(sc.delayedQuals, q)
					continue
				}
				sc.joinQuals = append(sc.joinQuals, q)
				relids.ForEach(func(rti int) {
					rel := sc.findBaseRel(rti)
					rel.JoinClauses = append(rel.JoinClauses, q)
				})
			}
		}
	}

	var walk func(n nodes.JoinTreeNode) intset.Set
	walk = func(n nodes.JoinTreeNode) intset.Set {
		switch t := n.(type) {
		case *nodes.RangeTblRef:
			sc.baseRel(t.Index)
			return intset.MakeSet(t.Index)
		case *nodes.FromExpr:
			var relids intset.Set
			for _, item := range t.FromList {
				relids.UnionWith(walk(item))
			}
			// Sublink pullup nests FromExprs under the joins it builds;
			// their quals distribute like any inner-join quals.
			distribute(t.Quals)
			return relids
		case *nodes.JoinExpr:
			jt := t.JoinType
			left, right := t.Left, t.Right
			if jt == nodes.JoinRight {
				jt = nodes.JoinLeft
				left, right = right, left
			}
			lrelids := walk(left)
			rrelids := walk(right)
			switch jt {
			case nodes.JoinInner:
				distribute(t.Quals)
			case nodes.JoinLeft, nodes.JoinFull, nodes.JoinSemi, nodes.JoinAnti:
				sc.sjInfos = append(sc.sjInfos, &specialJoinInfo{
					joinType: jt,
					minLeft:  lrelids,
					minRight: rrelids,
					quals:    nodes.AndClauses(t.Quals),
				})
			default:
				impossible("unhandled join type %s in join tree", jt)
			}
			return lrelids.Union(rrelids)
		}
		impossible("unhandled join-tree node %T", n)
		return intset.Set{}
	}

	if sc.query.JoinTree == nil || len(sc.query.JoinTree.FromList) == 0 {
		// SELECT with no FROM plans as a Result; WHERE quals gate it.
		if sc.query.JoinTree != nil {
			constQuals = append(constQuals, nodes.AndClauses(sc.query.JoinTree.Quals)...)
		}
		return constQuals
	}

	for _, item := range sc.query.JoinTree.FromList {
		walk(item)
	}
	distribute(sc.query.JoinTree.Quals)

	for rti := 1; rti < len(sc.relArray); rti++ {
		if rel := sc.relArray[rti]; rel != nil {
			sizeBaseRel(sc, rel)
		}
	}
	return constQuals
}

// nullableSide reports whether the relation sits on the protected side of
// any special join, where WHERE-clause quals may not be pushed below.
func (sc *scope) nullableSide(rti int) bool {
	for _, sj := range sc.sjInfos {
		if sj.joinType == nodes.JoinLeft || sj.joinType == nodes.JoinFull {
			if sj.minRight.Contains(rti) {
				return true
			}
		}
		if sj.joinType == nodes.JoinFull && sj.minLeft.Contains(rti) {
			return true
		}
	}
	return false
}

// sizeBaseRel fills in a base relation's columns, width, and row estimate.
func sizeBaseRel(sc *scope, rel *RelOptInfo) {
	s := sc.sess
	rel.Cols = s.rteCols(rel.RTE)
	rel.Width = 8 * len(rel.Cols)

	var raw float64
	switch t := rel.RTE.(type) {
	case *nodes.RelationRTE:
		tab, err := s.catalog.Table(t.TableName)
		if err != nil {
			impossible("relation %q vanished between analysis and planning: %v", t.TableName, err)
		}
		rel.Table = tab
		raw = tab.Stats.RowCount
		if t.Sample != nil {
			raw *= t.Sample.Percent / 100
		}
		if tab.Partitioned() {
			rel.PartScheme = tab.Scheme
		}
	case *nodes.SubqueryRTE:
		raw = 1000 // refined once the sub-query is planned
	case *nodes.FunctionRTE:
		raw = 1000
		for _, a := range t.Func.Args {
			rel.LateralRefs.UnionWith(exprRelids(a))
		}
	case *nodes.ValuesRTE:
		raw = float64(len(t.Rows))
	case *nodes.CTERTE:
		raw = 1000
	case *nodes.TableFuncRTE:
		raw = 1000
	case *nodes.NamedTuplestoreRTE:
		raw = 1000
	case *nodes.WorkTableRTE:
		raw = 100
	case *nodes.JoinRTE:
		impossible("join alias entry %q reached relation sizing", t.Alias)
	default:
		impossible("unhandled range-table entry %T", rel.RTE)
	}
	rel.Rows = s.cost.RelRows(raw, len(rel.BaseRestrict))
}

// exprRelids returns the set of this-level relation indexes referenced by an
// expression. Sub-select internals do not count; SubPlan argument
// expressions do, since they are evaluated at this level.
func exprRelids(e nodes.Expr) intset.Set {
	var relids intset.Set
	nodes.WalkExpr(e, func(n nodes.Expr) bool {
		switch t := n.(type) {
		case *nodes.Var:
			if t.LevelsUp == 0 {
				relids.Add(t.RelIndex)
			}
		case *nodes.PlaceHolderVar:
			if t.LevelsUp != 0 {
				return false
			}
		}
		return true
	})
	return relids
}
