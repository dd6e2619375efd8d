// Copyright (c) 2024-2025 Lux Partners Limited
// SPDX-License-Identifier: BSD-3-Clause

package autoschedule

import (
	"slices"

	"github.com/luxfi/autosched/dag"
	"github.com/luxfi/autosched/expr"
	"github.com/luxfi/autosched/schedule"
)

// matchLockFree reports whether an update has the shape
//
//	s(r0, r1, ...) = s(r0, r1, ...) + e
//
// where every index is a reduction variable and every call of s inside e
// uses the same indices in the same order. It returns the indices.
func matchLockFree(stage string, def dag.Definition) ([]string, bool, error) {
	if len(def.Args) == 0 {
		return nil, false, nil
	}
	names := make([]string, len(def.Args))
	for i, a := range def.Args {
		r, ok := a.(expr.RVar)
		if !ok {
			return nil, false, nil
		}
		if _, found := def.Domain.Lookup(r.Name); !found {
			return nil, false, internalf(stage, "index %q is not a variable of the reduction domain", r.Name)
		}
		if slices.Contains(names[:i], r.Name) {
			return nil, false, nil
		}
		names[i] = r.Name
	}

	sum, ok := def.Value.(expr.Binary)
	if !ok || sum.Op != expr.OpAdd {
		return nil, false, nil
	}
	acc, ok := sum.A.(expr.Call)
	if !ok || !selfCall(stage, acc, def.Args) {
		return nil, false, nil
	}

	consistent := true
	expr.Visit(sum.B, func(e expr.Expr) bool {
		if c, ok := e.(expr.Call); ok && c.Kind == expr.CallStage && c.Name == stage {
			consistent = consistent && selfCall(stage, c, def.Args)
		}
		return consistent
	})
	if !consistent {
		return nil, false, nil
	}
	return names, true, nil
}

// selfCall reports whether c reads stage at exactly the indices args.
func selfCall(stage string, c expr.Call, args []expr.Expr) bool {
	if c.Kind != expr.CallStage || c.Name != stage || len(c.Args) != len(args) {
		return false
	}
	for i, a := range c.Args {
		if _, ok := a.(expr.RVar); !ok || !expr.Equal(a, args[i]) {
			return false
		}
	}
	return true
}

// lockFreePlan is a matched lock-free reduction that has enough
// parallelism to be tiled.
type lockFreePlan struct {
	rvars   []string
	extents []int64
	r       ranking
	twoD    bool
}

// planLockFree checks the tiling thresholds of the matched indices. It
// returns nil when the reduction is too small.
func (t tiling) planLockFree(rvars []string, domain dag.ReductionDomain, rext []int64) *lockFreePlan {
	p := &lockFreePlan{rvars: rvars, extents: make([]int64, len(rvars))}
	for i, name := range rvars {
		j, _ := domain.Lookup(name)
		p.extents[i] = rext[j]
	}
	p.r = rankAxes(p.extents)
	switch {
	case t.tile2DFits(p.extents, p.r):
		p.twoD = true
	case t.tile1DFits(p.extents, p.r):
	default:
		return nil
	}
	return p
}

// split returns the reduction variables the plan tiles.
func (p *lockFreePlan) split() []string {
	if p.twoD {
		return []string{p.rvars[p.r.width], p.rvars[p.r.height]}
	}
	return []string{p.rvars[p.r.largest]}
}

// applyLockFree tiles the reduction variables directly and lets the tiles race.
func (t tiling) applyLockFree(b *schedule.LoopBuilder, p *lockFreePlan) schedule.Directive {
	b.AllowRace()
	if p.twoD {
		rw, rh := p.rvars[p.r.width], p.rvars[p.r.height]
		xo, yo, xi, yi := b.Fresh("xo"), b.Fresh("yo"), b.Fresh("xi"), b.Fresh("yi")
		b.Tile(rw, rh, xo, yo, xi, yi, int(t.w), int(t.h))
		tileIndex := b.Fresh("tile_index")
		b.Fuse(xo, yo, tileIndex).
			Parallel(tileIndex).
			Vectorize(xi, VectorWidth)
	} else {
		xo, xi := b.Fresh("xo"), b.Fresh("xi")
		b.Split(p.rvars[p.r.largest], xo, xi, int(t.w*t.h)).
			Parallel(xo).
			Vectorize(xi, VectorWidth)
	}
	return schedule.RaceTolerant{RVars: p.split(), Device: schedule.Host}
}
