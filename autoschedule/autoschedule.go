// Package autoschedule decides how every stage of a stencil pipeline is
// materialized: inlined into its consumers or computed at root with
// tiling, parallel, vector and device-kernel assignments.
//
// The scheduler runs as one synchronous pass:
// - Inline trivial and element-wise stages until nothing changes
// - Resolve the integer bounds of every surviving stage
// - Decide each stage's pure definition and each of its updates
// - Hand the decisions to a schedule.Pipeline, outputs first
//
// A failure aborts the pass and leaves stages already applied in place.
//
// Copyright (c) 2024-2025 Lux Partners Limited
// SPDX-License-Identifier: BSD-3-Clause
package autoschedule

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/luxfi/autosched/dag"
	"github.com/luxfi/autosched/logutil"
	"github.com/luxfi/autosched/schedule"
)

// Scheduler schedules one pipeline graph.
type Scheduler struct {
	graph *dag.Graph

	opts       Options
	cost       dag.CostModel
	factorizer Factorizer
	bounds     BoundsInference
	logger     *slog.Logger
}

// Result describes a completed scheduling pass.
type Result struct {
	// Graph is the environment after inlining.
	Graph *dag.Graph
	// Inlined lists the stages removed by inlining and their absorbers.
	Inlined []dag.Inlined
	// Order is the realization order of the surviving stages.
	Order  []string
	Bounds Bounds
	Stats  schedule.EmitStats
}

// NewScheduler creates a scheduler for g.
func NewScheduler(g *dag.Graph, opts ...Option) *Scheduler {
	s := &Scheduler{
		graph:      g,
		opts:       DefaultOptions(),
		cost:       dag.NewDefaultCostModel(),
		factorizer: DefaultFactorizer{},
		bounds:     DeclaredBounds{},
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Schedule runs the pass. params supplies an estimate for every parameter
// named by an extent, and regions holds the (min, extent) ranges of each
// output, in the order of the graph's outputs. Every decision is applied
// to pipe.
func (s *Scheduler) Schedule(ctx context.Context, params map[string]int64, regions [][]Range, pipe schedule.Pipeline) (*Result, error) {
	if s.graph == nil {
		return nil, preconditionf("", "no pipeline graph")
	}
	if err := s.opts.Validate(); err != nil {
		return nil, err
	}
	outputs, err := s.declaredRegions(regions)
	if err != nil {
		return nil, err
	}

	g, inlined, err := dag.Stabilize(s.graph, s.cost)
	if err != nil {
		return nil, &InternalError{Msg: "inlining", Err: err}
	}
	order, err := g.RealizationOrder()
	if err != nil {
		return nil, &InternalError{Msg: "realization order", Err: err}
	}
	for i, name := range order {
		if slices.Contains(order[:i], name) {
			return nil, internalf(name, "stage appears twice in the compute order")
		}
	}
	s.logger.Debug("stabilized pipeline", "stages", g.Len(), "inlined", len(inlined), "order", order)

	bounds, err := s.resolveBounds(ctx, g, order, outputs, params)
	if err != nil {
		return nil, err
	}

	emitter := schedule.NewEmitter(pipe, schedule.WithEmitLogger(s.logger))
	res := &Result{Graph: g, Inlined: inlined, Order: order, Bounds: bounds}

	for _, in := range inlined {
		if _, ok := g.Stage(in.Stage); ok {
			// absorbed by some callers only; scheduled as a survivor below
			continue
		}
		err := emitter.Emit(ctx, &schedule.StageSchedule{
			Stage:     in.Stage,
			Directive: schedule.Inline{Into: in.Into},
		})
		if err != nil {
			res.Stats = emitter.Stats()
			return res, err
		}
	}

	for i := len(order) - 1; i >= 0; i-- {
		st, _ := g.Stage(order[i])
		ss, err := s.scheduleStage(ctx, st, bounds.Extents(st.Name), params)
		if err == nil {
			err = emitter.Emit(ctx, ss)
		}
		if err != nil {
			res.Stats = emitter.Stats()
			return res, err
		}
	}

	res.Stats = emitter.Stats()
	s.logger.Info("scheduled pipeline", "stages", res.Stats.Stages, "inlined", res.Stats.Inlined,
		"parallel", res.Stats.Parallel, "kernels", res.Stats.Kernels)
	return res, nil
}

// declaredRegions checks regions against the graph outputs.
func (s *Scheduler) declaredRegions(regions [][]Range) (map[string][]Range, error) {
	outputs := s.graph.Outputs()
	if len(regions) != len(outputs) {
		return nil, preconditionf("", "%d output regions for %d outputs", len(regions), len(outputs))
	}
	declared := make(map[string][]Range, len(outputs))
	for i, name := range outputs {
		st, _ := s.graph.Stage(name)
		if len(regions[i]) != st.Dimensions() {
			return nil, preconditionf(name, "region has %d dimensions, stage has %d", len(regions[i]), st.Dimensions())
		}
		declared[name] = regions[i]
	}
	return declared, nil
}

// scheduleStage decides the pure definition and every update of st.
func (s *Scheduler) scheduleStage(ctx context.Context, st *dag.Stage, extents []int64, params map[string]int64) (*schedule.StageSchedule, error) {
	t := s.opts.tiling()
	names := st.AxisNames()

	r := rankAxes(extents)
	s.logger.Log(ctx, logutil.LevelTrace, "axis ranking", "stage", st.Name, "extents", extents,
		"dim_width", r.width, "dim_height", r.height, "largest_dim", r.largest)

	b := schedule.NewLoopBuilder(st.Name, names...).ComputeRoot()
	d, tilable := t.schedulePure(b, names, extents)
	steps, err := b.Steps()
	if err != nil {
		return nil, &InternalError{Stage: st.Name, Msg: "pure definition", Err: err}
	}
	ss := &schedule.StageSchedule{Stage: st.Name, Directive: d, Steps: steps}
	s.logger.Debug("scheduled pure definition", "stage", st.Name, "directive", d, "tilable", tilable)

	for i := range st.Updates {
		u, err := s.scheduleUpdate(ctx, st, i, extents, tilable, params)
		if err != nil {
			return nil, err
		}
		s.logger.Debug("scheduled update", "stage", st.Name, "update", i, "directive", u.Directive, "reduction", u.Reduction)
		ss.Updates = append(ss.Updates, u)
	}
	return ss, nil
}

// Schedule runs a scheduling pass over g with the given options.
func Schedule(ctx context.Context, g *dag.Graph, params map[string]int64, regions [][]Range, pipe schedule.Pipeline, opts ...Option) (*Result, error) {
	res, err := NewScheduler(g, opts...).Schedule(ctx, params, regions, pipe)
	if err != nil {
		return res, fmt.Errorf("autoschedule: %w", err)
	}
	return res, nil
}
