// Copyright (c) 2024-2025 Lux Partners Limited
// SPDX-License-Identifier: BSD-3-Clause

package dag

import (
	"log/slog"
	"slices"

	"github.com/luxfi/autosched/expr"
	"github.com/luxfi/autosched/logutil"
)

// CostModel decides whether recomputing a stage at every call site costs
// about the same as loading its stored value.
type CostModel interface {
	IsTrivialToInline(s *Stage) bool
}

// CostModelFunc adapts a function to CostModel.
type CostModelFunc func(s *Stage) bool

// IsTrivialToInline calls f(s).
func (f CostModelFunc) IsTrivialToInline(s *Stage) bool {
	return f(s)
}

// DefaultCostModel treats a stage as trivial when its pure value performs at
// most MaxArith arithmetic operations and MaxLoads loads.
type DefaultCostModel struct {
	MaxArith int
	MaxLoads int
}

// NewDefaultCostModel returns the cost model of a single call: one
// arithmetic operation and one load.
func NewDefaultCostModel() DefaultCostModel {
	return DefaultCostModel{MaxArith: 1, MaxLoads: 1}
}

// IsTrivialToInline implements CostModel.
func (m DefaultCostModel) IsTrivialToInline(s *Stage) bool {
	if !s.CanBeInlined() {
		return false
	}
	arith, loads := expr.Cost(s.Pure.Value)
	logutil.Trace("inline cost", "stage", s.Name, "arith", arith, "loads", loads)
	return arith <= m.MaxArith && loads <= m.MaxLoads
}

// Inlined records that Stage was substituted into the stages in Into.
type Inlined struct {
	Stage string
	Into  []string
}

// inlinePass carries the working state of one inlining iteration. Stages are
// replaced copy-on-write; the environment is rebuilt once at the end.
type inlinePass struct {
	g        *Graph
	order    []string
	current  map[string]*Stage
	replaced map[string]*Stage
	locked   map[string]bool
	inlined  []Inlined
}

func newInlinePass(g *Graph) (*inlinePass, error) {
	order, err := g.RealizationOrder()
	if err != nil {
		return nil, err
	}
	p := &inlinePass{
		g:        g,
		order:    order,
		current:  make(map[string]*Stage, g.Len()),
		replaced: make(map[string]*Stage),
		locked:   make(map[string]bool),
	}
	for _, s := range g.Stages() {
		p.current[s.Name] = s
	}
	return p, nil
}

// candidates is the number of leading order positions worth checking: the
// last len(outputs) positions are the final producers.
func (p *inlinePass) candidates() int {
	return len(p.order) - len(p.g.Outputs())
}

func (p *inlinePass) inline(callee, caller string) {
	s := inlineInto(p.current[caller], p.current[callee])
	p.current[caller] = s
	p.replaced[caller] = s
}

func (p *inlinePass) finish() (*Graph, []Inlined, error) {
	if len(p.inlined) == 0 {
		return p.g, nil, nil
	}
	g, err := p.g.With(p.replaced)
	if err != nil {
		return nil, nil, err
	}
	return g, p.inlined, nil
}

// InlineTrivial inlines every non-output stage the cost model considers
// trivial into each of its callers. Opaque callers only absorb wrappers
// whose value forwards another stage at the wrapper's own indices; a stage
// skipped by an opaque caller stays materialized for that caller.
func InlineTrivial(g *Graph, cost CostModel) (*Graph, []Inlined, error) {
	p, err := newInlinePass(g)
	if err != nil {
		return nil, nil, err
	}

	for i := 0; i < p.candidates(); i++ {
		name := p.order[i]
		if g.IsOutput(name) {
			slog.Debug("skip inlining output stage", "stage", name)
			continue
		}
		s := p.current[name]
		if !cost.IsTrivialToInline(s) {
			continue
		}
		slog.Debug("stage is trivial to inline", "stage", name)

		var into []string
		complete := true
		for _, caller := range p.order[i+1:] {
			c := p.current[caller]
			if p.locked[caller] || !c.Calls(name) {
				continue
			}
			if _, ok := s.Wrapped(); c.Opaque && !ok {
				slog.Debug("skip inlining into opaque stage, not a forwarding wrapper", "stage", name, "caller", caller)
				complete = false
				continue
			}
			p.inline(name, caller)
			into = append(into, caller)
		}
		if len(into) == 0 {
			continue
		}
		if complete {
			p.locked[name] = true
		}
		p.inlined = append(p.inlined, Inlined{Stage: name, Into: into})
	}
	return p.finish()
}

// InlineElementWise inlines every stage consumed element-wise by exactly one
// other stage.
func InlineElementWise(g *Graph) (*Graph, []Inlined, error) {
	p, err := newInlinePass(g)
	if err != nil {
		return nil, nil, err
	}

	for i := 0; i < p.candidates(); i++ {
		name := p.order[i]
		if g.IsOutput(name) {
			slog.Debug("skip inlining output stage", "stage", name)
			continue
		}
		caller, ok := p.elementWiseConsumer(i)
		if !ok {
			continue
		}
		slog.Debug("inline stage consumed element-wise", "stage", name, "caller", caller)
		p.inline(name, caller)
		p.locked[name] = true
		p.inlined = append(p.inlined, Inlined{Stage: name, Into: []string{caller}})
	}
	return p.finish()
}

// elementWiseConsumer returns the unique stage that consumes order[index]
// element-wise: every call site passes exactly the caller definition's own
// index list.
func (p *inlinePass) elementWiseConsumer(index int) (string, bool) {
	s := p.current[p.order[index]]
	if !s.CanBeInlined() {
		return "", false
	}

	caller := ""
	for _, name := range p.order[index+1:] {
		if p.locked[name] {
			continue
		}
		c := p.current[name]
		if c.Opaque {
			if slices.Contains(c.Inputs, s.Name) {
				return "", false
			}
			continue
		}
		for _, e := range c.Edges() {
			if e.Callee != s.Name {
				continue
			}
			if caller != "" && caller != c.Name {
				return "", false
			}
			caller = c.Name

			def := c.Definitions()[e.Definition]
			if len(e.Args) != len(s.Axes) || !expr.EqualList(e.Args, def.Args) {
				return "", false
			}
		}
	}
	return caller, caller != ""
}

// inlineInto returns a copy of caller with every call to callee replaced by
// callee's pure value. For opaque callers only a wrapper can be absorbed, by
// redirecting the input to the wrapped stage.
func inlineInto(caller, callee *Stage) *Stage {
	c := caller.clone()
	if c.Opaque {
		if wrapped, ok := callee.Wrapped(); ok {
			for i, in := range c.Inputs {
				if in == callee.Name {
					c.Inputs[i] = wrapped
				}
			}
		}
		return c
	}

	body := func(args []expr.Expr) expr.Expr {
		b := expr.Bindings{Vars: make(map[string]expr.Expr, len(callee.Axes))}
		for i, a := range callee.Axes {
			if i < len(args) {
				b.Vars[a.Name] = args[i]
			}
		}
		return expr.Substitute(callee.Pure.Value, b)
	}
	rewrite := func(d Definition) Definition {
		args := make([]expr.Expr, len(d.Args))
		for i, a := range d.Args {
			args[i] = expr.ReplaceCalls(a, callee.Name, body)
		}
		return Definition{Args: args, Value: expr.ReplaceCalls(d.Value, callee.Name, body), Domain: d.Domain}
	}

	c.Pure = rewrite(c.Pure)
	for i, u := range c.Updates {
		c.Updates[i] = rewrite(u)
	}
	return c
}

// Stabilize runs the trivial and element-wise inlining passes, each to a
// fixed point, until neither changes the graph. A pass reports a stage
// only for callers that stopped calling it, so every reported pass removes
// at least one call and the loop terminates.
func Stabilize(g *Graph, cost CostModel) (*Graph, []Inlined, error) {
	var all []Inlined
	for {
		changed := false
		for _, pass := range []func(*Graph) (*Graph, []Inlined, error){
			func(g *Graph) (*Graph, []Inlined, error) { return InlineTrivial(g, cost) },
			InlineElementWise,
		} {
			for {
				next, inlined, err := pass(g)
				if err != nil {
					return nil, nil, err
				}
				if len(inlined) == 0 {
					break
				}
				g = next
				all = mergeInlined(all, inlined)
				changed = true
			}
		}
		if !changed {
			return g, all, nil
		}
	}
}

func mergeInlined(all, more []Inlined) []Inlined {
	for _, in := range more {
		i := slices.IndexFunc(all, func(x Inlined) bool { return x.Stage == in.Stage })
		if i < 0 {
			all = append(all, Inlined{Stage: in.Stage, Into: append([]string(nil), in.Into...)})
			continue
		}
		for _, into := range in.Into {
			if !slices.Contains(all[i].Into, into) {
				all[i].Into = append(all[i].Into, into)
			}
		}
	}
	return all
}
