// Copyright (c) 2024-2025 Lux Partners Limited
// SPDX-License-Identifier: BSD-3-Clause

package schedule

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopBuilderTileFuse(t *testing.T) {
	b := NewLoopBuilder("blur", "x", "y", "c")
	b.ComputeRoot().
		Tile("x", "y", "xo", "yo", "xi", "yi", 16, 16).
		Fuse("xo", "yo", "tile_index").
		Parallel("tile_index").
		Vectorize("xi", 8)

	steps, err := b.Steps()
	require.NoError(t, err)
	assert.Equal(t, []string{"xi", "yi", "tile_index", "c"}, b.Vars())

	want := []string{
		"compute_root()",
		"tile(x, y, xo, yo, xi, yi, 16, 16)",
		"fuse(xo, yo, tile_index)",
		"parallel(tile_index)",
		"vectorize(xi, 8)",
	}
	got := make([]string, len(steps))
	for i, s := range steps {
		got[i] = s.String()
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("steps mismatch (-want +got):\n%s", diff)
	}
}

func TestLoopBuilderSplitReuse(t *testing.T) {
	b := NewLoopBuilder("f", "r", "x").WithTail(TailGuardWithIf)
	b.Split("r", "ro", "ri", 256).
		Split("ri", "ryi", "ri", 16).
		Fuse("ri", "x", "ri")

	steps, err := b.Steps()
	require.NoError(t, err)
	assert.Equal(t, []string{"ri", "ryi", "ro"}, b.Vars())
	assert.Equal(t, "split(r, ro, ri, 256, guard_with_if)", steps[0].String())
	assert.Equal(t, TailGuardWithIf, steps[1].Tail)
}

func TestLoopBuilderReorder(t *testing.T) {
	b := NewLoopBuilder("f", "a", "b", "c", "d")
	b.Reorder("d", "b")
	require.NoError(t, b.Err())
	assert.Equal(t, []string{"a", "d", "c", "b"}, b.Vars())
}

func TestLoopBuilderGPUTile(t *testing.T) {
	b := NewLoopBuilder("f", "c", "x", "y")
	b.Fuse("c", "c", "c")
	require.Error(t, b.Err(), "fusing a loop with itself must fail")

	b = NewLoopBuilder("f", "x", "y", "c")
	b.GPUTile([]string{"x", "y", "c"}, []int{16, 16, 4})
	steps, err := b.Steps()
	require.NoError(t, err)
	assert.Equal(t, []string{"xi", "yi", "ci", "xo", "yo", "co"}, b.Vars())
	assert.Equal(t, "gpu_tile(x, y, c, xo, xi, yo, yi, co, ci, 16, 16, 4)", steps[0].String())
}

func TestLoopBuilderGPUTileRejectsSizes(t *testing.T) {
	tests := []struct {
		name  string
		axes  []string
		sizes []int
	}{
		{"zero size", []string{"x"}, []int{0}},
		{"negative size", []string{"x", "y"}, []int{16, -1}},
		{"size count", []string{"x", "y"}, []int{16}},
		{"no axes", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewLoopBuilder("f", "x", "y")
			b.GPUTile(tt.axes, tt.sizes)
			require.Error(t, b.Err())
			assert.Contains(t, b.Err().Error(), "gpu_tile")
			assert.Equal(t, []string{"x", "y"}, b.Vars())
		})
	}
}

func TestLoopBuilderRFactor(t *testing.T) {
	b := NewLoopBuilder("hist.update(0)", "rx", "ry", "x")
	b.Split("rx", "rxo", "rxi", 16).
		Split("ry", "ryo", "ryi", 16).
		RFactor("hist_intm", []string{"rxi", "rxo", "ryi", "ryo"}, [][2]string{{"rxo", "xo"}, {"ryo", "yo"}})

	steps, err := b.Steps()
	require.NoError(t, err)
	assert.Equal(t, []string{"rxo", "ryo", "x"}, b.Vars())
	assert.Equal(t, "rfactor(hist_intm, {rxo: xo, ryo: yo})", steps[2].String())
}

func TestLoopBuilderLatchesFirstError(t *testing.T) {
	b := NewLoopBuilder("f", "x")
	b.Split("y", "yo", "yi", 8).
		Split("x", "xo", "xi", 0).
		Parallel("x")

	_, err := b.Steps()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownLoop))
	assert.Contains(t, err.Error(), `"y"`)
	assert.Equal(t, []string{"x"}, b.Vars())
}

func TestLoopBuilderFresh(t *testing.T) {
	b := NewLoopBuilder("f", "xo", "xo_1", "y")
	assert.Equal(t, "xo_2", b.Fresh("xo"))
	assert.Equal(t, "yi", b.Fresh("yi"))
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	require.NoError(t, r.Apply(&StageSchedule{Stage: "a", Directive: Inline{Into: []string{"b"}}}))
	require.NoError(t, r.Apply(&StageSchedule{Stage: "b", Directive: MaterializeSerial{}}))

	err := r.Apply(&StageSchedule{Stage: "b", Directive: MaterializeSerial{}})
	assert.True(t, errors.Is(err, ErrAlreadyScheduled))

	err = r.Apply(&StageSchedule{Stage: "a", Directive: MaterializeSerial{}})
	assert.True(t, errors.Is(err, ErrLocked))

	err = r.Apply(&StageSchedule{Stage: "c", Directive: Inline{Into: []string{"a"}}})
	assert.True(t, errors.Is(err, ErrLocked))

	assert.Error(t, r.Apply(&StageSchedule{Stage: "d"}))

	assert.Equal(t, 2, r.Len())
	s, ok := r.Get("a")
	require.True(t, ok)
	assert.True(t, s.Inlined())
}

func TestEmitter(t *testing.T) {
	r := NewRecorder()
	e := NewEmitter(r)
	ctx := context.Background()

	schedules := []*StageSchedule{
		{Stage: "in", Directive: Inline{Into: []string{"out"}}},
		{Stage: "out", Directive: Materialize2D{Axes: [2]string{"x", "y"}, TileW: 16, TileH: 16, VectorWidth: 8}},
		{
			Stage:     "sum",
			Directive: DeviceSingleThread{},
			Updates: []UpdateSchedule{{
				Directive: DeviceSingleThread{},
				Reduction: ReductionFactorized{Intermediate: "sum_intm", Device: GPU},
			}},
		},
		{Stage: "out", Directive: MaterializeSerial{}},
		{Stage: "never", Directive: MaterializeSerial{}},
	}

	err := e.EmitAll(ctx, schedules)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyScheduled))
	assert.Contains(t, err.Error(), `stage "out"`)

	// Non-atomic: earlier schedules stay applied.
	assert.Equal(t, 3, r.Len())
	_, ok := r.Get("never")
	assert.False(t, ok)

	assert.Equal(t, EmitStats{Stages: 3, Inlined: 1, Parallel: 1, Kernels: 2, Factorized: 1}, e.Stats())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = NewEmitter(NewRecorder()).Emit(cancelled, schedules[1])
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDirectiveString(t *testing.T) {
	tests := []struct {
		d    Directive
		want string
	}{
		{Inline{Into: []string{"a", "b"}}, "inline into a, b"},
		{Materialize2D{Axes: [2]string{"x", "y"}, TileW: 16, TileH: 8, VectorWidth: 8}, "tile2d x,y 16x8 vec8"},
		{Materialize2D{Axes: [2]string{"x", "y"}, TileW: 16, TileH: 16, Device: GPU, Channel: "c", TileChannel: 4}, "tile2d x,y 16x16 channel c/4 gpu"},
		{Materialize1D{Axis: "x", Tile: 256, VectorWidth: 8}, "tile1d x 256 vec8"},
		{MaterializeFused{Axis: "x", Sources: []string{"x", "y"}, Device: GPU, Threads: 32}, "fused x(x,y) gpu 32"},
		{MaterializeSerial{}, "serial"},
		{RaceTolerant{RVars: []string{"rx", "ry"}, Device: GPU, Atomic: true}, "race-tolerant rx,ry atomic gpu"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.d.String())
	}
}
