// Copyright (c) 2024-2025 Lux Partners Limited
// SPDX-License-Identifier: BSD-3-Clause

package autoschedule

import (
	"github.com/luxfi/autosched/schedule"
)

func (t tiling) device() schedule.Device {
	if t.gpu {
		return schedule.GPU
	}
	return schedule.Host
}

// tile2DFits reports whether the width/height pair has enough full tiles.
func (t tiling) tile2DFits(extents []int64, r ranking) bool {
	if !r.has2D() {
		return false
	}
	ew, eh := extents[r.width], extents[r.height]
	return ew >= t.w && eh >= t.h && (ew/t.w)*(eh/t.h) >= t.minThreads
}

// tile1DFits reports whether the largest axis has enough full tiles.
func (t tiling) tile1DFits(extents []int64, r ranking) bool {
	if r.largest < 0 {
		return false
	}
	e := extents[r.largest]
	return e >= t.w*t.h && e/(t.w*t.h) >= t.minThreads
}

// tile applies the first matching of the 2D and 1D tilings to the loops
// names, whose extents are given. It returns nil when neither applies.
func (t tiling) tile(b *schedule.LoopBuilder, names []string, extents []int64) schedule.Directive {
	r := rankAxes(extents)
	switch {
	case t.tile2DFits(extents, r):
		return t.tile2D(b, names, extents, r)
	case t.tile1DFits(extents, r):
		return t.tile1D(b, names, extents, r)
	}
	return nil
}

func (t tiling) tile2D(b *schedule.LoopBuilder, names []string, extents []int64, r ranking) schedule.Directive {
	x, y := names[r.width], names[r.height]
	d := schedule.Materialize2D{
		Axes:        [2]string{x, y},
		TileW:       int(t.w),
		TileH:       int(t.h),
		VectorWidth: VectorWidth,
		Device:      t.device(),
	}

	if !t.gpu {
		xo, yo, xi, yi := b.Fresh("xo"), b.Fresh("yo"), b.Fresh("xi"), b.Fresh("yi")
		b.Tile(x, y, xo, yo, xi, yi, int(t.w), int(t.h))
		tileIndex := b.Fresh("tile_index")
		b.Fuse(xo, yo, tileIndex).
			Parallel(tileIndex).
			Vectorize(xi, VectorWidth)
		return d
	}

	if fused := t.fuseChannel(b, names, extents, r.width, r.height); fused != "" {
		d.Channel, d.TileChannel = fused, int(t.channel)
		b.Reorder(x, y, fused).
			GPUTile([]string{x, y, fused}, []int{int(t.w), int(t.h), int(t.channel)})
		return d
	}
	b.Reorder(x, y).
		GPUTile([]string{x, y}, []int{int(t.w), int(t.h)})
	return d
}

func (t tiling) tile1D(b *schedule.LoopBuilder, names []string, extents []int64, r ranking) schedule.Directive {
	l := names[r.largest]
	size := t.w * t.h
	d := schedule.Materialize1D{
		Axis:        l,
		Tile:        int(size),
		VectorWidth: VectorWidth,
		Device:      t.device(),
	}

	if !t.gpu {
		xo, xi := b.Fresh("xo"), b.Fresh("xi")
		b.Split(l, xo, xi, int(size)).
			Parallel(xo).
			Vectorize(xi, VectorWidth)
		return d
	}

	if fused := t.fuseChannel(b, names, extents, r.largest); fused != "" {
		d.Channel, d.TileChannel = fused, int(t.channel)
		b.Reorder(l, fused).
			GPUTile([]string{l, fused}, []int{int(size), int(t.channel)})
		return d
	}
	b.GPUTile([]string{l}, []int{int(size)})
	return d
}

// fuseChannel fuses every axis other than the tiled ones into the first of
// them when their combined extent fills a channel tile. It returns the
// fused loop, or "" when nothing was fused.
func (t tiling) fuseChannel(b *schedule.LoopBuilder, names []string, extents []int64, tiled ...int) string {
	rest := others(len(names), tiled...)
	if len(rest) == 0 || product(extents, rest) < t.channel {
		return ""
	}
	fused := names[rest[0]]
	for _, i := range rest[1:] {
		b.Fuse(fused, names[i], fused)
	}
	return fused
}

// launch is the minimal device launch: one thread for a stage without
// loops, otherwise all loops fused and tiled by up to gpuLaunchThreads. An
// empty region still launches one thread per block.
func (t tiling) launch(b *schedule.LoopBuilder, names []string, extents []int64) schedule.Directive {
	if len(names) == 0 {
		b.GPUSingleThread()
		return schedule.DeviceSingleThread{}
	}
	fused := t.fuseAll(b, names)
	threads := max(1, min(product(extents, others(len(extents))), gpuLaunchThreads))
	b.GPUTile([]string{fused}, []int{int(threads)})
	return schedule.MaterializeFused{
		Axis:    fused,
		Sources: append([]string(nil), names...),
		Device:  schedule.GPU,
		Threads: int(threads),
	}
}

// fuseAll fuses every loop into the first and returns it.
func (t tiling) fuseAll(b *schedule.LoopBuilder, names []string) string {
	fused := names[0]
	for _, n := range names[1:] {
		b.Fuse(fused, n, fused)
	}
	return fused
}

// schedulePure decides the pure definition of a stage. The second result
// reports whether the definition was tiled.
func (t tiling) schedulePure(b *schedule.LoopBuilder, names []string, extents []int64) (schedule.Directive, bool) {
	if d := t.tile(b, names, extents); d != nil {
		return d, true
	}
	if t.gpu {
		return t.launch(b, names, extents), false
	}
	return schedule.MaterializeSerial{}, false
}
