// Package schedule describes how each stage of a pipeline is materialized and
// carries those decisions to the pipeline representation.
//
// A stage receives exactly one top-level Directive plus one per update
// definition. Alongside the directive the scheduler records the concrete
// loop-transformation Steps that realize it, in the order a code generator
// applies them.
//
// Copyright (c) 2024-2025 Lux Partners Limited
// SPDX-License-Identifier: BSD-3-Clause
package schedule

import (
	"fmt"
	"strings"
)

// Device selects where a stage's loops run.
type Device uint8

const (
	// Host runs loops on CPU threads and vector lanes.
	Host Device = iota
	// GPU maps loops to device blocks and threads.
	GPU
)

// String returns the device name.
func (d Device) String() string {
	switch d {
	case Host:
		return "host"
	case GPU:
		return "gpu"
	default:
		return fmt.Sprintf("Device(%d)", d)
	}
}

// Directive is the materialization decision for one stage or update
// definition. The set of implementations is closed.
type Directive interface {
	fmt.Stringer
	directive()
}

// Inline substitutes the stage into the named callers; it has no storage.
type Inline struct {
	Into []string
}

// Materialize2D tiles two axes. On the host the tile index is parallel and
// the inner width axis is vectorized; on the GPU the tiles map to blocks and
// threads, with an optional fused channel axis as a third dimension.
type Materialize2D struct {
	Axes         [2]string
	TileW, TileH int
	VectorWidth  int
	Device       Device
	Channel      string
	TileChannel  int
}

// Materialize1D splits the largest axis.
type Materialize1D struct {
	Axis        string
	Tile        int
	VectorWidth int
	Device      Device
	Channel     string
	TileChannel int
}

// MaterializeFused collapses Sources into one axis. On the host the fused
// loop is parallel; on the GPU it is device-tiled with Threads per block.
type MaterializeFused struct {
	Axis    string
	Sources []string
	Device  Device
	Threads int
}

// MaterializeSerial computes the stage at root with no parallelism.
type MaterializeSerial struct{}

// DeviceSingleThread launches a one-thread kernel for a stage with no axes.
type DeviceSingleThread struct{}

// ReductionFactorized splits RVars and computes partial results in the
// Intermediate stage; the update then combines over CombineAxes.
type ReductionFactorized struct {
	Intermediate string
	CombineAxes  []string
	RVars        []string
	Device       Device
}

// RaceTolerant tiles reduction variables directly in the update and lets
// tiles accumulate into the same element concurrently. Atomic is set when
// the device must use atomic accumulation.
type RaceTolerant struct {
	RVars   []string
	Channel string
	Device  Device
	Atomic  bool
}

func (Inline) directive()              {}
func (Materialize2D) directive()       {}
func (Materialize1D) directive()       {}
func (MaterializeFused) directive()    {}
func (MaterializeSerial) directive()   {}
func (DeviceSingleThread) directive()  {}
func (ReductionFactorized) directive() {}
func (RaceTolerant) directive()        {}

func (d Inline) String() string {
	return "inline into " + strings.Join(d.Into, ", ")
}

func (d Materialize2D) String() string {
	s := fmt.Sprintf("tile2d %s,%s %dx%d", d.Axes[0], d.Axes[1], d.TileW, d.TileH)
	if d.Device == GPU {
		if d.Channel != "" {
			s += fmt.Sprintf(" channel %s/%d", d.Channel, d.TileChannel)
		}
		return s + " gpu"
	}
	return s + fmt.Sprintf(" vec%d", d.VectorWidth)
}

func (d Materialize1D) String() string {
	s := fmt.Sprintf("tile1d %s %d", d.Axis, d.Tile)
	if d.Device == GPU {
		if d.Channel != "" {
			s += fmt.Sprintf(" channel %s/%d", d.Channel, d.TileChannel)
		}
		return s + " gpu"
	}
	return s + fmt.Sprintf(" vec%d", d.VectorWidth)
}

func (d MaterializeFused) String() string {
	s := fmt.Sprintf("fused %s(%s)", d.Axis, strings.Join(d.Sources, ","))
	if d.Device == GPU {
		return s + fmt.Sprintf(" gpu %d", d.Threads)
	}
	return s + " parallel"
}

func (MaterializeSerial) String() string  { return "serial" }
func (DeviceSingleThread) String() string { return "gpu single thread" }

func (d ReductionFactorized) String() string {
	return fmt.Sprintf("rfactor %s over %s -> %s %s",
		strings.Join(d.RVars, ","), strings.Join(d.CombineAxes, ","), d.Intermediate, d.Device)
}

func (d RaceTolerant) String() string {
	s := "race-tolerant " + strings.Join(d.RVars, ",")
	if d.Channel != "" {
		s += " channel " + d.Channel
	}
	if d.Atomic {
		s += " atomic"
	}
	return s + " " + d.Device.String()
}

// UpdateSchedule is the decision for one update definition.
type UpdateSchedule struct {
	// Index is the position of the update among the stage's updates.
	Index int
	// Directive covers the update's pure arguments.
	Directive Directive
	// Reduction is set when the reduction variables are restructured:
	// ReductionFactorized or RaceTolerant.
	Reduction Directive
	Unrolled  []string
	Steps     []Step
	// Intermediate holds the loops of the stage introduced by factorization.
	Intermediate *IntermediateSchedule
}

// IntermediateSchedule is the schedule of a factorization intermediate.
type IntermediateSchedule struct {
	Name        string
	PureSteps   []Step
	UpdateSteps []Step
}

// StageSchedule is everything decided for one stage.
type StageSchedule struct {
	Stage     string
	Directive Directive
	Steps     []Step
	Updates   []UpdateSchedule
}

// Inlined reports whether the stage was inlined.
func (s *StageSchedule) Inlined() bool {
	_, ok := s.Directive.(Inline)
	return ok
}
