// Package dag models a stencil pipeline as a directed acyclic call graph of
// stages.
//
// The graph is used by the auto-scheduler to:
// - Collect every stage reachable from the pipeline outputs
// - Order stages so producers are realized before their consumers
// - Inline trivial and element-wise producers into their consumers
// - Distinguish a stage reading its own prior value from a real cycle
//
// Copyright (c) 2024-2025 Lux Partners Limited
// SPDX-License-Identifier: BSD-3-Clause
package dag

import (
	"errors"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/luxfi/autosched/expr"
)

var (
	// ErrCycle is returned when the inter-stage call graph has a cycle.
	ErrCycle = errors.New("stage graph contains a cycle")
	// ErrUnknownStage is returned when a call names a stage that was never defined.
	ErrUnknownStage = errors.New("unknown stage")
	// ErrDuplicateStage is returned when a stage name is defined or ordered twice.
	ErrDuplicateStage = errors.New("duplicate stage")
	// ErrStageCollision is returned when one name resolves to two different definitions.
	ErrStageCollision = errors.New("stage name collision")
)

// Axis is a pure loop axis with a symbolic bound.
type Axis struct {
	Name   string
	Min    expr.Expr
	Extent expr.Expr
}

// Dim returns an axis starting at zero.
func Dim(name string, extent expr.Expr) Axis {
	return Axis{Name: name, Min: expr.I(0), Extent: extent}
}

// Dims returns zero-based axes that share one extent.
func Dims(extent expr.Expr, names ...string) []Axis {
	axes := make([]Axis, len(names))
	for i, n := range names {
		axes[i] = Dim(n, extent)
	}
	return axes
}

// ReductionVar is one variable of a reduction domain.
type ReductionVar struct {
	Name   string
	Min    expr.Expr
	Extent expr.Expr
}

// RV returns a zero-based reduction variable.
func RV(name string, extent expr.Expr) ReductionVar {
	return ReductionVar{Name: name, Min: expr.I(0), Extent: extent}
}

// ReductionDomain is the ordered iteration space of an update definition.
type ReductionDomain struct {
	Vars []ReductionVar
}

// Lookup returns the position of the named reduction variable.
func (d ReductionDomain) Lookup(name string) (int, bool) {
	for i, v := range d.Vars {
		if v.Name == name {
			return i, true
		}
	}
	return -1, false
}

// Definition is one formula of a stage: the pure definition or an update.
// Args is the left-hand index list.
type Definition struct {
	Args   []expr.Expr
	Value  expr.Expr
	Domain ReductionDomain
}

// Stage is a named unit of computation.
type Stage struct {
	Name    string
	Axes    []Axis
	Pure    Definition
	Updates []Definition

	// Opaque stages are implemented outside the pipeline and consume the
	// named Inputs as whole buffers.
	Opaque bool
	Inputs []string

	// Wrapper marks a stage whose pure definition forwards another stage
	// unchanged.
	Wrapper bool
	// NoInline pins the stage to its own storage.
	NoInline bool
}

// Dimensions returns the number of pure axes.
func (s *Stage) Dimensions() int {
	return len(s.Axes)
}

// AxisNames returns the pure axis names in order.
func (s *Stage) AxisNames() []string {
	names := make([]string, len(s.Axes))
	for i, a := range s.Axes {
		names[i] = a.Name
	}
	return names
}

// Definitions returns the pure definition followed by the updates.
func (s *Stage) Definitions() []Definition {
	defs := make([]Definition, 0, len(s.Updates)+1)
	defs = append(defs, s.Pure)
	return append(defs, s.Updates...)
}

// CanBeInlined reports whether the stage may be substituted into callers.
func (s *Stage) CanBeInlined() bool {
	return !s.NoInline && !s.Opaque && len(s.Updates) == 0 && s.Pure.Value != nil
}

// Wrapped returns the stage forwarded by a wrapper.
func (s *Stage) Wrapped() (string, bool) {
	if !s.Wrapper {
		return "", false
	}
	c, ok := s.Pure.Value.(expr.Call)
	if !ok || c.Kind != expr.CallStage || !expr.EqualList(c.Args, s.Pure.Args) {
		return "", false
	}
	return c.Name, true
}

// Calls reports whether any definition or input of s refers to the named stage.
func (s *Stage) Calls(name string) bool {
	for _, e := range s.Edges() {
		if e.Callee == name && e.Kind == EdgeCall {
			return true
		}
	}
	return false
}

func (s *Stage) clone() *Stage {
	c := *s
	c.Axes = append([]Axis(nil), s.Axes...)
	c.Updates = append([]Definition(nil), s.Updates...)
	c.Inputs = append([]string(nil), s.Inputs...)
	return &c
}

// EdgeKind distinguishes inter-stage calls from self references.
type EdgeKind uint8

const (
	// EdgeCall is an inter-stage call and takes part in acyclicity checks.
	EdgeCall EdgeKind = iota
	// EdgeSelf is an update reading the stage's own prior value.
	EdgeSelf
)

// CallEdge is one call site. Definition is 0 for the pure definition,
// i+1 for update i, and -1 for an opaque stage input.
type CallEdge struct {
	Caller     string
	Callee     string
	Args       []expr.Expr
	Definition int
	Kind       EdgeKind
}

// Edges returns every stage call made by s, in definition order.
func (s *Stage) Edges() []CallEdge {
	var edges []CallEdge
	if s.Opaque {
		for _, in := range s.Inputs {
			edges = append(edges, CallEdge{Caller: s.Name, Callee: in, Definition: -1})
		}
	}
	for i, d := range s.Definitions() {
		var calls []expr.Call
		for _, a := range d.Args {
			calls = append(calls, expr.Calls(a)...)
		}
		calls = append(calls, expr.Calls(d.Value)...)
		for _, c := range calls {
			kind := EdgeCall
			if c.Name == s.Name {
				kind = EdgeSelf
			}
			edges = append(edges, CallEdge{Caller: s.Name, Callee: c.Name, Args: c.Args, Definition: i, Kind: kind})
		}
	}
	return edges
}

// Graph is the environment of stages reachable from the outputs.
type Graph struct {
	stages  *orderedmap.OrderedMap[string, *Stage]
	catalog map[string]*Stage
	outputs []string
}

// NewGraph builds the transitive closure of the call graph rooted at the
// named outputs. The catalog supplies every definition by name.
func NewGraph(catalog map[string]*Stage, outputs ...string) (*Graph, error) {
	g := &Graph{
		stages:  orderedmap.New[string, *Stage](),
		catalog: catalog,
		outputs: append([]string(nil), outputs...),
	}

	seen := make(map[string]bool, len(outputs))
	for _, out := range outputs {
		if seen[out] {
			return nil, fmt.Errorf("%w: output %q listed twice", ErrDuplicateStage, out)
		}
		seen[out] = true
		if err := g.collect(out); err != nil {
			return nil, err
		}
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// collect adds name and everything it calls to the environment.
func (g *Graph) collect(name string) error {
	s, ok := g.catalog[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStage, name)
	}
	if s.Name != name {
		return fmt.Errorf("%w: %q is registered as %q", ErrStageCollision, name, s.Name)
	}
	if existing, present := g.stages.Get(name); present {
		if existing != s {
			return fmt.Errorf("%w: %q has two definitions", ErrStageCollision, name)
		}
		return nil
	}
	g.stages.Set(name, s)

	for _, e := range s.Edges() {
		if e.Kind == EdgeSelf {
			continue
		}
		if err := g.collect(e.Callee); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Stage retrieves a stage by name.
func (g *Graph) Stage(name string) (*Stage, bool) {
	return g.stages.Get(name)
}

// Outputs returns the output stage names in declaration order.
func (g *Graph) Outputs() []string {
	return g.outputs
}

// IsOutput reports whether name is a pipeline output.
func (g *Graph) IsOutput(name string) bool {
	for _, o := range g.outputs {
		if o == name {
			return true
		}
	}
	return false
}

// Len returns the number of stages in the environment.
func (g *Graph) Len() int {
	return g.stages.Len()
}

// Names returns the stage names in discovery order.
func (g *Graph) Names() []string {
	names := make([]string, 0, g.stages.Len())
	for p := g.stages.Oldest(); p != nil; p = p.Next() {
		names = append(names, p.Key)
	}
	return names
}

// Stages returns the stages in discovery order.
func (g *Graph) Stages() []*Stage {
	stages := make([]*Stage, 0, g.stages.Len())
	for p := g.stages.Oldest(); p != nil; p = p.Next() {
		stages = append(stages, p.Value)
	}
	return stages
}

// Callers returns the stages that call name, excluding self references.
func (g *Graph) Callers(name string) []string {
	var callers []string
	for p := g.stages.Oldest(); p != nil; p = p.Next() {
		if p.Key != name && p.Value.Calls(name) {
			callers = append(callers, p.Key)
		}
	}
	return callers
}

// Validate checks that every callee exists and that inter-stage calls form
// a DAG. Self references inside update definitions are not edges; a stage
// whose pure definition or inputs refer to itself is a cycle.
func (g *Graph) Validate() error {
	ids := make(map[string]int64, g.stages.Len())
	dg := simple.NewDirectedGraph()
	for p := g.stages.Oldest(); p != nil; p = p.Next() {
		id := int64(len(ids))
		ids[p.Key] = id
		dg.AddNode(simple.Node(id))
	}

	for p := g.stages.Oldest(); p != nil; p = p.Next() {
		for _, e := range p.Value.Edges() {
			if e.Callee == e.Caller {
				if e.Kind == EdgeSelf && e.Definition > 0 {
					continue
				}
				return fmt.Errorf("%w: %q refers to itself outside an update", ErrCycle, e.Caller)
			}
			callee, ok := ids[e.Callee]
			if !ok {
				return fmt.Errorf("%w: %q called by %q", ErrUnknownStage, e.Callee, e.Caller)
			}
			dg.SetEdge(dg.NewEdge(simple.Node(callee), simple.Node(ids[e.Caller])))
		}
	}

	if _, err := topo.Sort(dg); err != nil {
		return fmt.Errorf("%w: %v", ErrCycle, err)
	}
	return nil
}

// With returns a new graph in which the given stages replace the catalog
// entries of the same name. The environment is rebuilt from the outputs, so
// stages no longer reachable drop out.
func (g *Graph) With(replaced map[string]*Stage) (*Graph, error) {
	catalog := make(map[string]*Stage, len(g.catalog))
	for k, v := range g.catalog {
		catalog[k] = v
	}
	for k, v := range replaced {
		catalog[k] = v
	}
	return NewGraph(catalog, g.outputs...)
}

// Builder provides a fluent API for constructing pipelines.
type Builder struct {
	catalog map[string]*Stage
	outputs []string
	last    *Stage
	err     error
}

// NewBuilder creates a new pipeline builder.
func NewBuilder() *Builder {
	return &Builder{
		catalog: make(map[string]*Stage),
	}
}

// Func adds a stage with a pure definition over the given axes.
func (b *Builder) Func(name string, axes []Axis, value expr.Expr) *Builder {
	if b.err != nil {
		return b
	}
	args := make([]expr.Expr, len(axes))
	for i, a := range axes {
		args[i] = expr.V(a.Name)
	}
	return b.add(&Stage{
		Name: name,
		Axes: axes,
		Pure: Definition{Args: args, Value: value},
	})
}

// Extern adds an opaque stage consuming the named inputs.
func (b *Builder) Extern(name string, axes []Axis, inputs ...string) *Builder {
	if b.err != nil {
		return b
	}
	return b.add(&Stage{
		Name:   name,
		Axes:   axes,
		Opaque: true,
		Inputs: inputs,
	})
}

// Stage adds a prebuilt stage.
func (b *Builder) Stage(s *Stage) *Builder {
	if b.err != nil {
		return b
	}
	return b.add(s)
}

// Update appends an update definition to an existing stage.
func (b *Builder) Update(name string, args []expr.Expr, value expr.Expr, domain ...ReductionVar) *Builder {
	if b.err != nil {
		return b
	}
	s, ok := b.catalog[name]
	if !ok {
		b.err = fmt.Errorf("update of %w: %q", ErrUnknownStage, name)
		return b
	}
	if s.Opaque {
		b.err = fmt.Errorf("stage %q is opaque and cannot have updates", name)
		return b
	}
	if len(args) != len(s.Axes) {
		b.err = fmt.Errorf("update of %q has %d args, stage has %d axes", name, len(args), len(s.Axes))
		return b
	}
	def := Definition{Args: args, Value: value, Domain: ReductionDomain{Vars: domain}}
	if err := checkReductionVars(def); err != nil {
		b.err = fmt.Errorf("update of %q: %w", name, err)
		return b
	}
	s.Updates = append(s.Updates, def)
	b.last = s
	return b
}

// Wrapper marks the last added stage as a wrapper.
func (b *Builder) Wrapper() *Builder {
	if b.err != nil || b.last == nil {
		return b
	}
	b.last.Wrapper = true
	return b
}

// NoInline pins the last added stage to its own storage.
func (b *Builder) NoInline() *Builder {
	if b.err != nil || b.last == nil {
		return b
	}
	b.last.NoInline = true
	return b
}

// Output marks the last added stage as a pipeline output.
func (b *Builder) Output() *Builder {
	if b.err != nil || b.last == nil {
		return b
	}
	b.outputs = append(b.outputs, b.last.Name)
	return b
}

// Build finalizes and returns the graph.
func (b *Builder) Build() (*Graph, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.outputs) == 0 {
		return nil, errors.New("pipeline has no outputs")
	}
	return NewGraph(b.catalog, b.outputs...)
}

func (b *Builder) add(s *Stage) *Builder {
	if s.Name == "" {
		b.err = errors.New("stage name is empty")
		return b
	}
	if _, exists := b.catalog[s.Name]; exists {
		b.err = fmt.Errorf("%w: %q", ErrDuplicateStage, s.Name)
		return b
	}
	b.catalog[s.Name] = s
	b.last = s
	return b
}

// checkReductionVars verifies that every reduction variable referenced by
// an update belongs to its domain.
func checkReductionVars(d Definition) error {
	var err error
	check := func(e expr.Expr) bool {
		if r, ok := e.(expr.RVar); ok && err == nil {
			if _, found := d.Domain.Lookup(r.Name); !found {
				err = fmt.Errorf("reduction variable %q is not in the update domain", r.Name)
			}
		}
		return err == nil
	}
	for _, a := range d.Args {
		expr.Visit(a, check)
	}
	expr.Visit(d.Value, check)
	return err
}
