// Copyright (c) 2024-2025 Lux Partners Limited
// SPDX-License-Identifier: BSD-3-Clause

package schedule

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// StepKind identifies a loop transformation.
type StepKind uint8

const (
	StepComputeRoot StepKind = iota
	StepSplit
	StepFuse
	StepTile
	StepReorder
	StepParallel
	StepVectorize
	StepUnroll
	StepGPUTile
	StepGPUBlocks
	StepGPUThreads
	StepGPUSingleThread
	StepAllowRace
	StepRFactor
)

var stepNames = [...]string{
	StepComputeRoot:     "compute_root",
	StepSplit:           "split",
	StepFuse:            "fuse",
	StepTile:            "tile",
	StepReorder:         "reorder",
	StepParallel:        "parallel",
	StepVectorize:       "vectorize",
	StepUnroll:          "unroll",
	StepGPUTile:         "gpu_tile",
	StepGPUBlocks:       "gpu_blocks",
	StepGPUThreads:      "gpu_threads",
	StepGPUSingleThread: "gpu_single_thread",
	StepAllowRace:       "allow_race_conditions",
	StepRFactor:         "rfactor",
}

// String returns the transformation name.
func (k StepKind) String() string {
	if int(k) < len(stepNames) {
		return stepNames[k]
	}
	return fmt.Sprintf("StepKind(%d)", k)
}

// TailStrategy tells the code generator how to handle a split whose factor
// does not divide the extent.
type TailStrategy uint8

const (
	// TailAuto lets the code generator pick.
	TailAuto TailStrategy = iota
	// TailGuardWithIf keeps the extent and guards the last tile.
	TailGuardWithIf
)

// String returns the strategy name.
func (t TailStrategy) String() string {
	switch t {
	case TailAuto:
		return "auto"
	case TailGuardWithIf:
		return "guard_with_if"
	default:
		return fmt.Sprintf("TailStrategy(%d)", t)
	}
}

// Step is one loop transformation.
//
// Vars layout per kind:
//   - split: old, outer, inner
//   - fuse: inner, outer, fused
//   - tile: x, y, xo, yo, xi, yi
//   - reorder, gpu_blocks, gpu_threads: loop order, innermost first
//   - parallel, vectorize, unroll: the loop
//   - gpu_tile: the tiled axes, then for each its block and thread loop
//   - rfactor: pairs of reduction variable and the pure variable replacing it
type Step struct {
	Kind   StepKind
	Vars   []string
	Sizes  []int
	Tail   TailStrategy
	Target string // rfactor intermediate
}

// String formats the step as a call.
func (s Step) String() string {
	args := slices.Clone(s.Vars)
	if s.Kind == StepRFactor {
		pairs := make([]string, 0, len(s.Vars)/2)
		for i := 0; i+1 < len(s.Vars); i += 2 {
			pairs = append(pairs, s.Vars[i]+": "+s.Vars[i+1])
		}
		args = []string{s.Target, "{" + strings.Join(pairs, ", ") + "}"}
	}
	for _, n := range s.Sizes {
		args = append(args, strconv.Itoa(n))
	}
	if s.Tail != TailAuto {
		args = append(args, s.Tail.String())
	}
	return s.Kind.String() + "(" + strings.Join(args, ", ") + ")"
}

// ErrUnknownLoop is returned when a step names a loop the definition does not have.
var ErrUnknownLoop = errors.New("unknown loop variable")

// LoopBuilder records the loop transformations of one definition while
// tracking its current loop nest, innermost first. The first failing step
// latches its error and every later step is ignored.
type LoopBuilder struct {
	name  string
	vars  []string
	tail  TailStrategy
	steps []Step
	err   error
}

// NewLoopBuilder starts from the given loops, innermost first.
func NewLoopBuilder(name string, vars ...string) *LoopBuilder {
	return &LoopBuilder{name: name, vars: slices.Clone(vars)}
}

// WithTail sets the tail strategy of subsequent splits.
func (b *LoopBuilder) WithTail(t TailStrategy) *LoopBuilder {
	b.tail = t
	return b
}

// Vars returns the current loop nest, innermost first.
func (b *LoopBuilder) Vars() []string {
	return slices.Clone(b.vars)
}

// Has reports whether v is a loop of the current nest.
func (b *LoopBuilder) Has(v string) bool {
	return slices.Contains(b.vars, v)
}

// Fresh returns base, or base with a numeric suffix when base is taken.
func (b *LoopBuilder) Fresh(base string) string {
	name := base
	for i := 1; b.Has(name); i++ {
		name = base + "_" + strconv.Itoa(i)
	}
	return name
}

// Steps returns the recorded steps or the first error.
func (b *LoopBuilder) Steps() ([]Step, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.steps, nil
}

// Err returns the latched error.
func (b *LoopBuilder) Err() error {
	return b.err
}

func (b *LoopBuilder) fail(format string, args ...any) *LoopBuilder {
	if b.err == nil {
		b.err = fmt.Errorf("%s: "+format, append([]any{b.name}, args...)...)
	}
	return b
}

func (b *LoopBuilder) index(v string) int {
	return slices.Index(b.vars, v)
}

func (b *LoopBuilder) require(vs ...string) bool {
	for _, v := range vs {
		if !b.Has(v) {
			b.fail("%w %q", ErrUnknownLoop, v)
			return false
		}
	}
	return true
}

func (b *LoopBuilder) fresh(vs ...string) bool {
	for i, v := range vs {
		if b.Has(v) || slices.Contains(vs[:i], v) {
			b.fail("loop %q already exists", v)
			return false
		}
	}
	return true
}

func (b *LoopBuilder) record(s Step) *LoopBuilder {
	b.steps = append(b.steps, s)
	return b
}

// ComputeRoot stores the stage at the outermost level.
func (b *LoopBuilder) ComputeRoot() *LoopBuilder {
	if b.err != nil {
		return b
	}
	return b.record(Step{Kind: StepComputeRoot})
}

// Split replaces old with inner and outer loops, inner of the given size.
func (b *LoopBuilder) Split(old, outer, inner string, factor int) *LoopBuilder {
	if b.err != nil || !b.require(old) {
		return b
	}
	if factor <= 0 {
		return b.fail("split of %q by %d", old, factor)
	}
	var added []string
	for _, v := range []string{outer, inner} {
		if v != old {
			added = append(added, v)
		}
	}
	if !b.fresh(added...) {
		return b
	}
	i := b.index(old)
	b.vars = slices.Replace(b.vars, i, i+1, inner, outer)
	return b.record(Step{Kind: StepSplit, Vars: []string{old, outer, inner}, Sizes: []int{factor}, Tail: b.tail})
}

// Fuse merges inner and outer into one loop at the position of inner. The
// fused loop may reuse the name of inner.
func (b *LoopBuilder) Fuse(inner, outer, fused string) *LoopBuilder {
	if b.err != nil || !b.require(inner, outer) {
		return b
	}
	if inner == outer {
		return b.fail("fuse of %q with itself", inner)
	}
	if fused != inner && fused != outer && b.Has(fused) {
		return b.fail("loop %q already exists", fused)
	}
	b.vars = slices.Delete(b.vars, b.index(outer), b.index(outer)+1)
	b.vars[b.index(inner)] = fused
	return b.record(Step{Kind: StepFuse, Vars: []string{inner, outer, fused}})
}

// Tile splits x and y and orders the result xi, yi, xo, yo.
func (b *LoopBuilder) Tile(x, y, xo, yo, xi, yi string, tw, th int) *LoopBuilder {
	if b.err != nil || !b.require(x, y) || !b.fresh(xo, yo, xi, yi) {
		return b
	}
	if tw <= 0 || th <= 0 {
		return b.fail("tile of %q, %q by %dx%d", x, y, tw, th)
	}
	ix, iy := b.index(x), b.index(y)
	first := min(ix, iy)
	rest := slices.DeleteFunc(slices.Clone(b.vars), func(v string) bool { return v == x || v == y })
	b.vars = slices.Insert(rest, first, xi, yi, xo, yo)
	return b.record(Step{Kind: StepTile, Vars: []string{x, y, xo, yo, xi, yi}, Sizes: []int{tw, th}, Tail: b.tail})
}

// Reorder places the named loops, innermost first, in the slots they
// currently occupy.
func (b *LoopBuilder) Reorder(vs ...string) *LoopBuilder {
	if b.err != nil || !b.require(vs...) {
		return b
	}
	slots := make([]int, len(vs))
	for i, v := range vs {
		slots[i] = b.index(v)
	}
	slices.Sort(slots)
	for i, v := range vs {
		b.vars[slots[i]] = v
	}
	return b.record(Step{Kind: StepReorder, Vars: slices.Clone(vs)})
}

// Parallel marks v as a parallel loop.
func (b *LoopBuilder) Parallel(v string) *LoopBuilder {
	if b.err != nil || !b.require(v) {
		return b
	}
	return b.record(Step{Kind: StepParallel, Vars: []string{v}})
}

// Vectorize maps v onto vector lanes of the given width.
func (b *LoopBuilder) Vectorize(v string, width int) *LoopBuilder {
	if b.err != nil || !b.require(v) {
		return b
	}
	return b.record(Step{Kind: StepVectorize, Vars: []string{v}, Sizes: []int{width}})
}

// Unroll fully unrolls v.
func (b *LoopBuilder) Unroll(v string) *LoopBuilder {
	if b.err != nil || !b.require(v) {
		return b
	}
	return b.record(Step{Kind: StepUnroll, Vars: []string{v}})
}

// GPUTile splits each axis by its size into a block loop (suffix "o") and
// a thread loop (suffix "i"). Up to three axes may be tiled.
func (b *LoopBuilder) GPUTile(axes []string, sizes []int) *LoopBuilder {
	if b.err != nil || !b.require(axes...) {
		return b
	}
	if len(axes) == 0 || len(axes) > 3 || len(axes) != len(sizes) {
		return b.fail("gpu_tile of %d axes with %d sizes", len(axes), len(sizes))
	}
	if slices.ContainsFunc(sizes, func(n int) bool { return n <= 0 }) {
		return b.fail("gpu_tile of %v by %v", axes, sizes)
	}
	vars := slices.Clone(axes)
	var inner, outer []string
	for _, a := range axes {
		inner = append(inner, b.Fresh(a+"i"))
		outer = append(outer, b.Fresh(a+"o"))
	}
	if !b.fresh(append(slices.Clone(inner), outer...)...) {
		return b
	}
	first := len(b.vars)
	for _, a := range axes {
		first = min(first, b.index(a))
	}
	rest := slices.DeleteFunc(slices.Clone(b.vars), func(v string) bool { return slices.Contains(axes, v) })
	b.vars = slices.Insert(rest, first, append(inner, outer...)...)
	for i := range axes {
		vars = append(vars, outer[i], inner[i])
	}
	return b.record(Step{Kind: StepGPUTile, Vars: vars, Sizes: slices.Clone(sizes), Tail: b.tail})
}

// GPUBlocks maps the loops onto device blocks.
func (b *LoopBuilder) GPUBlocks(vs ...string) *LoopBuilder {
	if b.err != nil || !b.require(vs...) {
		return b
	}
	return b.record(Step{Kind: StepGPUBlocks, Vars: slices.Clone(vs)})
}

// GPUThreads maps the loops onto device threads.
func (b *LoopBuilder) GPUThreads(vs ...string) *LoopBuilder {
	if b.err != nil || !b.require(vs...) {
		return b
	}
	return b.record(Step{Kind: StepGPUThreads, Vars: slices.Clone(vs)})
}

// GPUSingleThread runs the definition as one device thread.
func (b *LoopBuilder) GPUSingleThread() *LoopBuilder {
	if b.err != nil {
		return b
	}
	return b.record(Step{Kind: StepGPUSingleThread})
}

// AllowRace lets iterations write the same element concurrently.
func (b *LoopBuilder) AllowRace() *LoopBuilder {
	if b.err != nil {
		return b
	}
	return b.record(Step{Kind: StepAllowRace})
}

// RFactor moves every reduction loop not named in pairs into the
// intermediate stage into. The paired reduction loops stay and combine
// the intermediate over the pure variable each is paired with.
func (b *LoopBuilder) RFactor(into string, rvars []string, pairs [][2]string) *LoopBuilder {
	if b.err != nil || !b.require(rvars...) {
		return b
	}
	var vars []string
	kept := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		if !slices.Contains(rvars, p[0]) {
			return b.fail("rfactor of %w %q", ErrUnknownLoop, p[0])
		}
		kept[p[0]] = true
		vars = append(vars, p[0], p[1])
	}
	b.vars = slices.DeleteFunc(b.vars, func(v string) bool {
		return slices.Contains(rvars, v) && !kept[v]
	})
	return b.record(Step{Kind: StepRFactor, Vars: vars, Target: into})
}
