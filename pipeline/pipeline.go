// Package pipeline loads stencil pipelines described in YAML.
//
// A pipeline file lists stages in definition order. Index and value
// expressions use Go expression syntax:
//
//	params:
//	  N: 1024
//	images: [input]
//	stages:
//	  - name: blur
//	    axes: [{name: x, extent: N}, {name: y, extent: N}]
//	    value: (input(x, y) + input(x+1, y)) / 2
//	    output: true
//	    region: [[0, 1024], [0, 1024]]
//
// Copyright (c) 2024-2025 Lux Partners Limited
// SPDX-License-Identifier: BSD-3-Clause
package pipeline

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/luxfi/autosched/autoschedule"
	"github.com/luxfi/autosched/dag"
	"github.com/luxfi/autosched/expr"
)

// File is the YAML document.
type File struct {
	Params  map[string]int64 `yaml:"params,omitempty"`
	Images  []string         `yaml:"images,omitempty"`
	Stages  []StageSpec      `yaml:"stages"`
	Options *OptionsSpec     `yaml:"options,omitempty"`
}

// StageSpec describes one stage.
type StageSpec struct {
	Name     string       `yaml:"name"`
	Axes     []AxisSpec   `yaml:"axes,omitempty"`
	Value    string       `yaml:"value,omitempty"`
	Updates  []UpdateSpec `yaml:"updates,omitempty"`
	Extern   bool         `yaml:"extern,omitempty"`
	Inputs   []string     `yaml:"inputs,omitempty"`
	Wrapper  bool         `yaml:"wrapper,omitempty"`
	NoInline bool         `yaml:"no_inline,omitempty"`
	Output   bool         `yaml:"output,omitempty"`
	// Region is the (min, extent) of each axis of an output. When absent it
	// is folded from the axes.
	Region [][2]int64 `yaml:"region,omitempty"`
}

// AxisSpec describes a pure axis or a reduction variable. Min defaults to 0.
type AxisSpec struct {
	Name   string `yaml:"name"`
	Min    string `yaml:"min,omitempty"`
	Extent string `yaml:"extent"`
}

// UpdateSpec describes an update definition.
type UpdateSpec struct {
	Args   []string   `yaml:"args"`
	Value  string     `yaml:"value"`
	Domain []AxisSpec `yaml:"domain,omitempty"`
}

// OptionsSpec overrides scheduler options. Unset fields keep the base value.
type OptionsSpec struct {
	GPU            *bool `yaml:"gpu,omitempty"`
	CPUTileWidth   *int  `yaml:"cpu_tile_width,omitempty"`
	CPUTileHeight  *int  `yaml:"cpu_tile_height,omitempty"`
	GPUTileWidth   *int  `yaml:"gpu_tile_width,omitempty"`
	GPUTileHeight  *int  `yaml:"gpu_tile_height,omitempty"`
	GPUTileChannel *int  `yaml:"gpu_tile_channel,omitempty"`
	UnrollRVarSize *int  `yaml:"unroll_rvar_size,omitempty"`
}

// Overlay returns base with every set field replaced.
func (o *OptionsSpec) Overlay(base autoschedule.Options) autoschedule.Options {
	if o == nil {
		return base
	}
	for _, f := range []struct {
		src *int
		dst *int
	}{
		{o.CPUTileWidth, &base.CPUTileWidth},
		{o.CPUTileHeight, &base.CPUTileHeight},
		{o.GPUTileWidth, &base.GPUTileWidth},
		{o.GPUTileHeight, &base.GPUTileHeight},
		{o.GPUTileChannel, &base.GPUTileChannel},
		{o.UnrollRVarSize, &base.UnrollRVarSize},
	} {
		if f.src != nil {
			*f.dst = *f.src
		}
	}
	if o.GPU != nil {
		base.GPU = *o.GPU
	}
	return base
}

// Pipeline is a loaded pipeline, ready to schedule.
type Pipeline struct {
	Graph  *dag.Graph
	Params map[string]int64
	// Regions holds the region of each output in Graph.Outputs order.
	Regions [][]autoschedule.Range
	Options *OptionsSpec
}

// Load decodes and builds a pipeline.
func Load(r io.Reader) (*Pipeline, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty pipeline file")
		}
		return nil, fmt.Errorf("decode pipeline: %w", err)
	}
	return f.Build()
}

// LoadFile loads the pipeline stored at path.
func LoadFile(path string) (*Pipeline, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	p, err := Load(fh)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Build turns the document into a graph.
func (f *File) Build() (*Pipeline, error) {
	root := scope{stages: make(map[string]bool, len(f.Stages)), images: set(f.Images)}
	for _, s := range f.Stages {
		root.stages[s.Name] = true
	}
	for _, img := range f.Images {
		if root.stages[img] {
			return nil, fmt.Errorf("image %q shadows a stage", img)
		}
	}

	b := dag.NewBuilder()
	var outputs []StageSpec
	for _, s := range f.Stages {
		if err := addStage(b, root, s); err != nil {
			return nil, fmt.Errorf("stage %q: %w", s.Name, err)
		}
		if s.Output {
			outputs = append(outputs, s)
		}
	}
	g, err := b.Build()
	if err != nil {
		return nil, err
	}

	p := &Pipeline{Graph: g, Params: f.Params, Options: f.Options}
	if p.Params == nil {
		p.Params = map[string]int64{}
	}
	for _, s := range outputs {
		rs, err := region(g, s, p.Params)
		if err != nil {
			return nil, fmt.Errorf("stage %q: %w", s.Name, err)
		}
		p.Regions = append(p.Regions, rs)
	}
	return p, nil
}

func addStage(b *dag.Builder, root scope, s StageSpec) error {
	axes, err := root.parseAxes(s.Axes)
	if err != nil {
		return err
	}
	names := make([]string, len(axes))
	for i, a := range axes {
		names[i] = a.Name
	}

	if s.Extern {
		if s.Value != "" || len(s.Updates) > 0 {
			return errors.New("an extern stage has no definitions")
		}
		b.Extern(s.Name, axes, s.Inputs...)
	} else {
		value, err := root.with(names, nil).parse(s.Value)
		if err != nil {
			return err
		}
		b.Func(s.Name, axes, value)
	}
	if s.Wrapper {
		b.Wrapper()
	}
	if s.NoInline {
		b.NoInline()
	}

	for i, u := range s.Updates {
		domain := make([]dag.ReductionVar, len(u.Domain))
		rnames := make([]string, len(u.Domain))
		for j, d := range u.Domain {
			lo, extent, err := root.bounds(d)
			if err != nil {
				return fmt.Errorf("update %d: %w", i, err)
			}
			domain[j] = dag.ReductionVar{Name: d.Name, Min: lo, Extent: extent}
			rnames[j] = d.Name
		}
		sc := root.with(names, rnames)
		args, err := sc.parseList(u.Args)
		if err != nil {
			return fmt.Errorf("update %d: %w", i, err)
		}
		value, err := sc.parse(u.Value)
		if err != nil {
			return fmt.Errorf("update %d: %w", i, err)
		}
		b.Update(s.Name, args, value, domain...)
	}

	if s.Output {
		b.Output()
	}
	return nil
}

func (sc scope) parseAxes(specs []AxisSpec) ([]dag.Axis, error) {
	axes := make([]dag.Axis, len(specs))
	for i, a := range specs {
		lo, extent, err := sc.bounds(a)
		if err != nil {
			return nil, err
		}
		axes[i] = dag.Axis{Name: a.Name, Min: lo, Extent: extent}
	}
	return axes, nil
}

// bounds parses the bounds of an axis. They may only name parameters.
func (sc scope) bounds(a AxisSpec) (expr.Expr, expr.Expr, error) {
	if a.Name == "" {
		return nil, nil, errors.New("axis without a name")
	}
	lo := expr.I(0)
	if a.Min != "" {
		m, err := sc.with(nil, nil).parse(a.Min)
		if err != nil {
			return nil, nil, fmt.Errorf("axis %s: %w", a.Name, err)
		}
		lo = m
	}
	extent, err := sc.with(nil, nil).parse(a.Extent)
	if err != nil {
		return nil, nil, fmt.Errorf("axis %s: %w", a.Name, err)
	}
	return lo, extent, nil
}

// region returns the declared region of an output, or folds it from the
// stage axes.
func region(g *dag.Graph, s StageSpec, params map[string]int64) ([]autoschedule.Range, error) {
	if len(s.Region) > 0 {
		rs := make([]autoschedule.Range, len(s.Region))
		for i, r := range s.Region {
			rs[i] = autoschedule.Range{Min: r[0], Extent: r[1]}
		}
		return rs, nil
	}
	st, _ := g.Stage(s.Name)
	rs := make([]autoschedule.Range, len(st.Axes))
	for i, a := range st.Axes {
		lo, err := expr.Eval(a.Min, params)
		if err != nil {
			return nil, fmt.Errorf("region of axis %s: %w", a.Name, err)
		}
		ext, err := expr.Eval(a.Extent, params)
		if err != nil {
			return nil, fmt.Errorf("region of axis %s: %w", a.Name, err)
		}
		rs[i] = autoschedule.Range{Min: lo, Extent: ext}
	}
	return rs, nil
}
