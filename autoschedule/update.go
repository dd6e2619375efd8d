// Copyright (c) 2024-2025 Lux Partners Limited
// SPDX-License-Identifier: BSD-3-Clause

package autoschedule

import (
	"context"
	"fmt"
	"slices"

	"github.com/luxfi/autosched/dag"
	"github.com/luxfi/autosched/expr"
	"github.com/luxfi/autosched/logutil"
	"github.com/luxfi/autosched/schedule"
)

// rankReduction ranks reduction extents. Unlike pure axes, a candidate
// that misses its tile threshold is dropped instead of deprioritized.
func (t tiling) rankReduction(extents []int64) ranking {
	r := rankAxes(extents)
	if r.has2D() && (extents[r.width] < t.w || extents[r.height] < t.h) {
		r.width, r.height = -1, -1
	}
	if r.largest >= 0 && extents[r.largest] < t.w*t.h {
		r.largest = -1
	}
	return r
}

// tilable reports whether a width/height pair or a largest axis remains.
func (r ranking) tilable() bool {
	return r.has2D() || r.largest >= 0
}

// pureArgs returns the left-hand indices of an update that are plain pure
// variables, with the extent of the stage axis each one indexes.
func pureArgs(def dag.Definition, extents []int64) ([]string, []int64) {
	var names []string
	var ext []int64
	for i, a := range def.Args {
		if v, ok := a.(expr.Var); ok {
			names = append(names, v.Name)
			ext = append(ext, extents[i])
		}
	}
	return names, ext
}

// scheduleUpdate decides one update definition of st. extents are the
// resolved extents of the stage and tilable reports whether its pure
// definition was tiled.
func (s *Scheduler) scheduleUpdate(ctx context.Context, st *dag.Stage, index int, extents []int64, tilable bool, params map[string]int64) (schedule.UpdateSchedule, error) {
	t := s.opts.tiling()
	def := st.Updates[index]
	us := schedule.UpdateSchedule{Index: index}

	rext, err := reductionExtents(st.Name, def, params)
	if err != nil {
		return us, err
	}
	rnames := make([]string, len(def.Domain.Vars))
	for i, rv := range def.Domain.Vars {
		rnames[i] = rv.Name
	}
	r := t.rankReduction(rext)
	rvarTilable := r.tilable()

	pure, pext := pureArgs(def, extents)
	b := schedule.NewLoopBuilder(fmt.Sprintf("%s.update(%d)", st.Name, index), append(slices.Clone(rnames), pure...)...)

	var plan *lockFreePlan
	if !t.gpu {
		lhs, ok, err := matchLockFree(st.Name, def)
		if err != nil {
			return us, err
		}
		if ok {
			plan = t.planLockFree(lhs, def.Domain, rext)
		}
	}

	var split []string
	switch {
	case plan != nil:
		split = plan.split()
	case r.has2D():
		split = []string{rnames[r.width], rnames[r.height]}
	case r.largest >= 0:
		split = []string{rnames[r.largest]}
	}

	s.logger.Log(ctx, logutil.LevelTrace, "reduction ranking",
		"stage", st.Name, "update", index, "extents", rext,
		"rdim_width", r.width, "rdim_height", r.height, "largest_rdim", r.largest,
		"rvar_tilable", rvarTilable, "lock_free", plan != nil)

	for i, name := range rnames {
		if !slices.Contains(split, name) && rext[i] <= t.unroll {
			b.Unroll(name)
			us.Unrolled = append(us.Unrolled, name)
		}
	}

	if !tilable && rvarTilable && plan == nil {
		if usesRVar(def.Args, split...) {
			s.logger.Debug("reduction indexes its own output, not factorizing", "stage", st.Name, "update", index)
		} else {
			job := &factorizeJob{t: t, stage: st, update: index, b: b, pure: pure, f: s.factorizer}
			var red schedule.Directive
			var inter *schedule.IntermediateSchedule
			if r.has2D() {
				red, inter, err = job.factorize2D(rnames[r.width], rnames[r.height])
			} else {
				red, inter, err = job.factorize1D(rnames[r.largest])
			}
			if err != nil {
				return us, &InternalError{Stage: st.Name, Msg: "reduction factorization", Err: err}
			}
			us.Reduction, us.Intermediate = red, inter
			s.logger.Debug("factorized reduction", "stage", st.Name, "update", index, "intermediate", inter.Name)
		}
	}

	b.WithTail(schedule.TailGuardWithIf)
	us.Directive = t.tile(b, pure, pext)
	b.WithTail(schedule.TailAuto)

	if us.Directive == nil {
		switch {
		case !t.gpu && len(pure) > 0:
			fused := t.fuseAll(b, pure)
			b.Parallel(fused)
			us.Directive = schedule.MaterializeFused{Axis: fused, Sources: pure, Device: schedule.Host}
		case !t.gpu:
			us.Directive = schedule.MaterializeSerial{}
		case tilable && rvarTilable:
			race := t.raceTolerant(b, rnames, r, pure)
			us.Directive, us.Reduction = race, race
		default:
			us.Directive = t.launch(b, pure, pext)
		}
	}

	if plan != nil {
		us.Reduction = t.applyLockFree(b, plan)
	}

	steps, err := b.Steps()
	if err != nil {
		return us, &InternalError{Stage: st.Name, Msg: fmt.Sprintf("update %d", index), Err: err}
	}
	us.Steps = steps
	return us, nil
}

// raceTolerant tiles the reduction variables inside the update and maps
// them to device blocks and threads with atomic accumulation. Pure
// arguments, if any, are fused into a third channel axis.
func (t tiling) raceTolerant(b *schedule.LoopBuilder, rnames []string, r ranking, pure []string) schedule.RaceTolerant {
	d := schedule.RaceTolerant{Device: schedule.GPU, Atomic: true}
	var fused string
	if len(pure) > 0 {
		fused = t.fuseAll(b, pure)
		d.Channel = fused
	}

	b.AllowRace()
	var inner, outer []string
	if r.has2D() {
		rw, rh := rnames[r.width], rnames[r.height]
		xo, xi, yo, yi := b.Fresh("xo"), b.Fresh("xi"), b.Fresh("yo"), b.Fresh("yi")
		b.Split(rw, xo, xi, int(t.w)).Split(rh, yo, yi, int(t.h))
		inner, outer = []string{xi, yi}, []string{xo, yo}
		d.RVars = []string{rw, rh}
	} else {
		rl := rnames[r.largest]
		xo, xi := b.Fresh("xo"), b.Fresh("xi")
		b.Split(rl, xo, xi, int(t.w*t.h))
		inner, outer = []string{xi}, []string{xo}
		d.RVars = []string{rl}
	}
	if fused != "" {
		zo, zi := b.Fresh("zo"), b.Fresh("zi")
		b.Split(fused, zo, zi, int(t.channel))
		inner, outer = append(inner, zi), append(outer, zo)
	}

	b.Reorder(append(slices.Clone(inner), outer...)...).
		GPUBlocks(outer...).
		GPUThreads(inner...)
	return d
}
