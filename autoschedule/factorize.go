// Copyright (c) 2024-2025 Lux Partners Limited
// SPDX-License-Identifier: BSD-3-Clause

package autoschedule

import (
	"fmt"
	"slices"

	"github.com/luxfi/autosched/dag"
	"github.com/luxfi/autosched/expr"
	"github.com/luxfi/autosched/schedule"
)

// Split describes a reduction split handed to a Factorizer.
type Split struct {
	// Pairs maps each reduction loop that stays in the combine to the pure
	// variable indexing the intermediate.
	Pairs [][2]string
	// Pure lists the update's pure variables.
	Pure []string
}

// Factorization is the intermediate stage produced by a Factorizer.
type Factorization struct {
	Intermediate string
	// Vars are the intermediate's pure loops, innermost first.
	Vars []string
}

// Factorizer introduces the intermediate stage of a factorized reduction.
type Factorizer interface {
	Factorize(s *dag.Stage, update int, split Split) (Factorization, error)
}

// DefaultFactorizer names the intermediate after the stage and indexes it
// by the update's pure variables followed by the paired variables.
type DefaultFactorizer struct{}

// Factorize implements Factorizer.
func (DefaultFactorizer) Factorize(s *dag.Stage, update int, split Split) (Factorization, error) {
	if len(split.Pairs) == 0 {
		return Factorization{}, fmt.Errorf("factorization of %q needs at least one pair", s.Name)
	}
	name := s.Name + "_intm"
	if update > 0 {
		name = fmt.Sprintf("%s_intm%d", s.Name, update)
	}
	vars := slices.Clone(split.Pure)
	for _, p := range split.Pairs {
		if slices.Contains(vars, p[1]) {
			return Factorization{}, fmt.Errorf("factorization of %q: variable %q already indexes the stage", s.Name, p[1])
		}
		vars = append(vars, p[1])
	}
	return Factorization{Intermediate: name, Vars: vars}, nil
}

// unique returns base, suffixed until it differs from every taken name.
func unique(base string, taken []string) string {
	name := base
	for i := 1; slices.Contains(taken, name); i++ {
		name = fmt.Sprintf("%s_%d", base, i)
	}
	return name
}

// usesRVar reports whether any expression refers to one of the named
// reduction variables.
func usesRVar(es []expr.Expr, names ...string) bool {
	found := false
	for _, e := range es {
		expr.Visit(e, func(n expr.Expr) bool {
			if r, ok := n.(expr.RVar); ok && slices.Contains(names, r.Name) {
				found = true
			}
			return !found
		})
	}
	return found
}

// factorizeJob carries the state of one reduction factorization.
type factorizeJob struct {
	t      tiling
	stage  *dag.Stage
	update int
	b      *schedule.LoopBuilder
	pure   []string
	f      Factorizer
}

// rloops returns the update's current reduction loops.
func (j *factorizeJob) rloops() []string {
	return slices.DeleteFunc(j.b.Vars(), func(v string) bool { return slices.Contains(j.pure, v) })
}

// factorize2D splits the width and height reduction variables and moves
// their inner height range into an intermediate stage.
func (j *factorizeJob) factorize2D(rx, ry string) (schedule.Directive, *schedule.IntermediateSchedule, error) {
	rxo, rxi := j.b.Fresh("rxo"), j.b.Fresh("rxi")
	ryo, ryi := j.b.Fresh("ryo"), j.b.Fresh("ryi")
	xi, xo, yo := unique("xi", j.pure), unique("xo", j.pure), unique("yo", j.pure)

	sx, sy := int(j.t.w), int(j.t.h)
	if j.t.gpu {
		sx, sy = gpuReductionSplit, gpuReductionSplit
	}
	j.b.Split(rx, rxo, rxi, sx).Split(ry, ryo, ryi, sy)

	var pairs [][2]string
	if j.t.gpu {
		pairs = [][2]string{{rxi, xi}, {rxo, xo}, {ryo, yo}}
	} else {
		pairs = [][2]string{{rxo, xo}, {ryo, yo}, {rxi, xi}}
	}
	fz, err := j.f.Factorize(j.stage, j.update, Split{Pairs: pairs, Pure: j.pure})
	if err != nil {
		return nil, nil, err
	}
	loops := j.rloops()
	j.b.RFactor(fz.Intermediate, loops, pairs)

	kept := unpaired(loops, pairs)
	pure := j.intermediatePure(fz, xi, xo, yo)
	ip := schedule.NewLoopBuilder(fz.Intermediate, fz.Vars...).ComputeRoot()
	iu := schedule.NewLoopBuilder(fz.Intermediate+".update(0)", append(kept, fz.Vars...)...)

	if j.t.gpu {
		ip.Reorder(xi, xo, yo).GPUBlocks(xo, yo).GPUThreads(xi)
		order := append(append([]string{ryi}, pure...), xi, xo, yo)
		iu.Reorder(order...).GPUBlocks(xo, yo).GPUThreads(xi)
	} else {
		tile := ip.Fresh("tile_index")
		ip.Fuse(xo, yo, tile).Parallel(tile).Vectorize(xi, sx)
		iu.Fuse(xo, yo, tile)
		order := append(append([]string{ryi, xi}, pure...), tile)
		iu.Reorder(order...).Parallel(tile).Vectorize(xi, sx)
	}

	inter, err := intermediate(fz.Intermediate, ip, iu)
	if err != nil {
		return nil, nil, err
	}
	return schedule.ReductionFactorized{
		Intermediate: fz.Intermediate,
		CombineAxes:  []string{xi, xo, yo},
		RVars:        []string{rx, ry},
		Device:       j.t.device(),
	}, inter, nil
}

// factorize1D splits the largest reduction variable into tiles of
// width*height, each tile split again by width.
func (j *factorizeJob) factorize1D(rx string) (schedule.Directive, *schedule.IntermediateSchedule, error) {
	rxo, rxi, ryi := j.b.Fresh("rxo"), j.b.Fresh("rxi"), j.b.Fresh("ryi")
	xi, xo := unique("xi", j.pure), unique("xo", j.pure)
	w := int(j.t.w)

	j.b.Split(rx, rxo, rxi, int(j.t.w*j.t.h)).Split(rxi, ryi, rxi, w)

	var pairs [][2]string
	if j.t.gpu {
		pairs = [][2]string{{rxi, xi}, {rxo, xo}}
	} else {
		pairs = [][2]string{{rxo, xo}, {rxi, xi}}
	}
	fz, err := j.f.Factorize(j.stage, j.update, Split{Pairs: pairs, Pure: j.pure})
	if err != nil {
		return nil, nil, err
	}
	loops := j.rloops()
	j.b.RFactor(fz.Intermediate, loops, pairs)

	kept := unpaired(loops, pairs)
	pure := j.intermediatePure(fz, xi, xo)
	ip := schedule.NewLoopBuilder(fz.Intermediate, fz.Vars...).ComputeRoot()
	iu := schedule.NewLoopBuilder(fz.Intermediate+".update(0)", append(kept, fz.Vars...)...)

	if j.t.gpu {
		ip.Reorder(xi, xo).GPUBlocks(xo).GPUThreads(xi)
		order := append(append([]string{ryi}, pure...), xi, xo)
		iu.Reorder(order...).GPUBlocks(xo).GPUThreads(xi)
	} else {
		ip.Parallel(xo).Vectorize(xi, w)
		order := append([]string{ryi, xi}, pure...)
		iu.Reorder(order...).Parallel(xo).Vectorize(xi, w)
	}

	inter, err := intermediate(fz.Intermediate, ip, iu)
	if err != nil {
		return nil, nil, err
	}
	return schedule.ReductionFactorized{
		Intermediate: fz.Intermediate,
		CombineAxes:  []string{xi, xo},
		RVars:        []string{rx},
		Device:       j.t.device(),
	}, inter, nil
}

// unpaired returns the loops that move into the intermediate's update.
func unpaired(loops []string, pairs [][2]string) []string {
	var out []string
	for _, v := range loops {
		if !slices.ContainsFunc(pairs, func(p [2]string) bool { return p[0] == v }) {
			out = append(out, v)
		}
	}
	return out
}

// intermediatePure returns the intermediate's variables that come from the
// update's pure arguments.
func (j *factorizeJob) intermediatePure(fz Factorization, added ...string) []string {
	return slices.DeleteFunc(slices.Clone(fz.Vars), func(v string) bool { return slices.Contains(added, v) })
}

func intermediate(name string, pure, update *schedule.LoopBuilder) (*schedule.IntermediateSchedule, error) {
	ps, err := pure.Steps()
	if err != nil {
		return nil, err
	}
	us, err := update.Steps()
	if err != nil {
		return nil, err
	}
	return &schedule.IntermediateSchedule{Name: name, PureSteps: ps, UpdateSteps: us}, nil
}
