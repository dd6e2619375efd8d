// Copyright (c) 2024-2025 Lux Partners Limited
// SPDX-License-Identifier: BSD-3-Clause

package autoschedule

import (
	"context"
	"fmt"

	"github.com/luxfi/autosched/dag"
	"github.com/luxfi/autosched/expr"
	"github.com/luxfi/autosched/logutil"
)

// Range is a resolved (min, extent) pair of one axis.
type Range struct {
	Min    int64
	Extent int64
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Min, r.Min+r.Extent)
}

// Bounds maps each stage to its resolved per-axis ranges.
type Bounds map[string][]Range

// Extents returns the extents of one stage.
func (b Bounds) Extents(stage string) []int64 {
	rs := b[stage]
	out := make([]int64, len(rs))
	for i, r := range rs {
		out[i] = r.Extent
	}
	return out
}

// BoundsInference supplies the symbolic region every stage must compute.
// outputs holds the declared region of each output stage.
type BoundsInference interface {
	Region(g *dag.Graph, stage string, outputs map[string][]Range) ([]dag.Axis, error)
}

// BoundsInferenceFunc adapts a function to BoundsInference.
type BoundsInferenceFunc func(g *dag.Graph, stage string, outputs map[string][]Range) ([]dag.Axis, error)

// Region calls f.
func (f BoundsInferenceFunc) Region(g *dag.Graph, stage string, outputs map[string][]Range) ([]dag.Axis, error) {
	return f(g, stage, outputs)
}

// DeclaredBounds uses the declared region for outputs and each stage's own
// axis bounds for everything else.
type DeclaredBounds struct{}

// Region implements BoundsInference.
func (DeclaredBounds) Region(g *dag.Graph, stage string, outputs map[string][]Range) ([]dag.Axis, error) {
	s, ok := g.Stage(stage)
	if !ok {
		return nil, fmt.Errorf("%w: %q", dag.ErrUnknownStage, stage)
	}
	axes := make([]dag.Axis, len(s.Axes))
	copy(axes, s.Axes)
	if declared, ok := outputs[stage]; ok {
		for i := range axes {
			axes[i].Min = expr.I(declared[i].Min)
			axes[i].Extent = expr.I(declared[i].Extent)
		}
	}
	return axes, nil
}

// resolveBounds folds every stage's region to integers, visiting stages in
// reverse realization order.
func (s *Scheduler) resolveBounds(ctx context.Context, g *dag.Graph, order []string, outputs map[string][]Range, params map[string]int64) (Bounds, error) {
	bounds := make(Bounds, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		axes, err := s.bounds.Region(g, name, outputs)
		if err != nil {
			return nil, &InternalError{Stage: name, Msg: "bounds inference", Err: err}
		}
		st, _ := g.Stage(name)
		if len(axes) != st.Dimensions() {
			return nil, internalf(name, "bounds inference returned %d axes, stage has %d", len(axes), st.Dimensions())
		}

		ranges := make([]Range, len(axes))
		for j, a := range axes {
			lo, err := evalOr(a.Min, params, 0)
			if err != nil {
				return nil, &PreconditionError{Stage: name, Msg: "axis " + a.Name, Err: err}
			}
			ext, err := evalOr(a.Extent, params, 0)
			if err != nil {
				return nil, &PreconditionError{Stage: name, Msg: "axis " + a.Name, Err: err}
			}
			ranges[j] = Range{Min: lo, Extent: ext}
		}
		bounds[name] = ranges
		s.logger.Log(ctx, logutil.LevelTrace, "resolved bounds", "stage", name, "ranges", ranges)
	}
	return bounds, nil
}

// evalOr folds e, treating a missing expression as def.
func evalOr(e expr.Expr, params map[string]int64, def int64) (int64, error) {
	if e == nil {
		return def, nil
	}
	return expr.Eval(e, params)
}

// reductionExtents folds the extents of an update's reduction variables.
func reductionExtents(stage string, d dag.Definition, params map[string]int64) ([]int64, error) {
	extents := make([]int64, len(d.Domain.Vars))
	for i, rv := range d.Domain.Vars {
		v, err := evalOr(rv.Extent, params, 0)
		if err != nil {
			return nil, &PreconditionError{Stage: stage, Msg: "reduction variable " + rv.Name, Err: err}
		}
		extents[i] = v
	}
	return extents, nil
}
