// Copyright (c) 2024-2025 Lux Partners Limited
// SPDX-License-Identifier: BSD-3-Clause

package autoschedule

import (
	"log/slog"

	"github.com/luxfi/autosched/dag"
	"github.com/luxfi/autosched/envconfig"
)

const (
	// VectorWidth is the host vector lane count used for every vectorized loop.
	VectorWidth = 8

	minHostThreads = 8
	minGPUThreads  = 1

	// gpuLaunchThreads caps the threads of a minimal device launch.
	gpuLaunchThreads = 32
	// gpuReductionSplit is the split size of both axes of a 2D device reduction.
	gpuReductionSplit = 32
)

// Options tunes the tiling heuristics.
type Options struct {
	GPU            bool
	CPUTileWidth   int
	CPUTileHeight  int
	GPUTileWidth   int
	GPUTileHeight  int
	GPUTileChannel int
	UnrollRVarSize int
}

// DefaultOptions returns the built-in options.
func DefaultOptions() Options {
	return Options{
		CPUTileWidth:   16,
		CPUTileHeight:  16,
		GPUTileWidth:   16,
		GPUTileHeight:  16,
		GPUTileChannel: 4,
	}
}

// EnvOptions returns the options set through AUTOSCHED_* variables.
func EnvOptions() Options {
	return Options{
		GPU:            envconfig.GPU(),
		CPUTileWidth:   envconfig.CPUTileWidth(),
		CPUTileHeight:  envconfig.CPUTileHeight(),
		GPUTileWidth:   envconfig.GPUTileWidth(),
		GPUTileHeight:  envconfig.GPUTileHeight(),
		GPUTileChannel: envconfig.GPUTileChannel(),
		UnrollRVarSize: envconfig.UnrollRVarSize(),
	}
}

// Validate rejects tile sizes that cannot split a loop.
func (o Options) Validate() error {
	for _, f := range []struct {
		name string
		v    int
	}{
		{"cpu_tile_width", o.CPUTileWidth},
		{"cpu_tile_height", o.CPUTileHeight},
		{"gpu_tile_width", o.GPUTileWidth},
		{"gpu_tile_height", o.GPUTileHeight},
		{"gpu_tile_channel", o.GPUTileChannel},
	} {
		if f.v <= 0 {
			return preconditionf("", "%s must be positive, got %d", f.name, f.v)
		}
	}
	if o.UnrollRVarSize < 0 {
		return preconditionf("", "unroll_rvar_size must not be negative, got %d", o.UnrollRVarSize)
	}
	return nil
}

// tiling is the resolved set of thresholds for one device.
type tiling struct {
	gpu        bool
	w, h       int64
	channel    int64
	minThreads int64
	unroll     int64
}

func (o Options) tiling() tiling {
	t := tiling{
		gpu:        o.GPU,
		w:          int64(o.CPUTileWidth),
		h:          int64(o.CPUTileHeight),
		channel:    int64(o.GPUTileChannel),
		minThreads: minHostThreads,
		unroll:     int64(o.UnrollRVarSize),
	}
	if o.GPU {
		t.w, t.h = int64(o.GPUTileWidth), int64(o.GPUTileHeight)
		t.minThreads = minGPUThreads
	}
	return t
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithOptions replaces all tiling options.
func WithOptions(o Options) Option {
	return func(s *Scheduler) {
		s.opts = o
	}
}

// WithGPU enables/disables device scheduling.
func WithGPU(enable bool) Option {
	return func(s *Scheduler) {
		s.opts.GPU = enable
	}
}

// WithCPUTile sets the host tile size.
func WithCPUTile(width, height int) Option {
	return func(s *Scheduler) {
		s.opts.CPUTileWidth = width
		s.opts.CPUTileHeight = height
	}
}

// WithGPUTile sets the device tile size and channel depth.
func WithGPUTile(width, height, channel int) Option {
	return func(s *Scheduler) {
		s.opts.GPUTileWidth = width
		s.opts.GPUTileHeight = height
		s.opts.GPUTileChannel = channel
	}
}

// WithUnrollRVarSize unrolls reduction variables up to the given extent.
func WithUnrollRVarSize(size int) Option {
	return func(s *Scheduler) {
		s.opts.UnrollRVarSize = size
	}
}

// WithCostModel sets the predicate deciding trivial inlines.
func WithCostModel(m dag.CostModel) Option {
	return func(s *Scheduler) {
		s.cost = m
	}
}

// WithFactorizer sets the reduction factorization operator.
func WithFactorizer(f Factorizer) Option {
	return func(s *Scheduler) {
		s.factorizer = f
	}
}

// WithBoundsInference sets the source of symbolic stage regions.
func WithBoundsInference(b BoundsInference) Option {
	return func(s *Scheduler) {
		s.bounds = b
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}
