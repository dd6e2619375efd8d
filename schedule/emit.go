// Copyright (c) 2024-2025 Lux Partners Limited
// SPDX-License-Identifier: BSD-3-Clause

package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrAlreadyScheduled is returned when a stage receives a second schedule.
	ErrAlreadyScheduled = errors.New("stage already scheduled")
	// ErrLocked is returned when an inlined stage is targeted again.
	ErrLocked = errors.New("stage storage is locked by inlining")
)

// Pipeline is the pipeline representation that receives stage schedules.
// Apply is called once per stage and must not retain s beyond the call.
type Pipeline interface {
	Apply(s *StageSchedule) error
}

// PipelineFunc adapts a function to Pipeline.
type PipelineFunc func(s *StageSchedule) error

// Apply calls f(s).
func (f PipelineFunc) Apply(s *StageSchedule) error {
	return f(s)
}

// Recorder is an in-memory Pipeline. It enforces that every stage is
// scheduled once and that inlined stages are never targeted again.
type Recorder struct {
	mu      sync.Mutex
	order   []string
	stages  map[string]*StageSchedule
	inlined map[string]bool
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		stages:  make(map[string]*StageSchedule),
		inlined: make(map[string]bool),
	}
}

// Apply records s.
func (r *Recorder) Apply(s *StageSchedule) error {
	if s == nil || s.Directive == nil {
		return errors.New("schedule has no directive")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inlined[s.Stage] {
		return fmt.Errorf("%w: %q", ErrLocked, s.Stage)
	}
	if _, exists := r.stages[s.Stage]; exists {
		return fmt.Errorf("%w: %q", ErrAlreadyScheduled, s.Stage)
	}
	if in, ok := s.Directive.(Inline); ok {
		for _, into := range in.Into {
			if r.inlined[into] {
				return fmt.Errorf("%w: cannot inline %q into %q", ErrLocked, s.Stage, into)
			}
		}
		r.inlined[s.Stage] = true
	}

	r.stages[s.Stage] = s
	r.order = append(r.order, s.Stage)
	return nil
}

// Get returns the schedule recorded for a stage.
func (r *Recorder) Get(stage string) (*StageSchedule, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stages[stage]
	return s, ok
}

// Schedules returns the recorded schedules in application order.
func (r *Recorder) Schedules() []*StageSchedule {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*StageSchedule, len(r.order))
	for i, name := range r.order {
		out[i] = r.stages[name]
	}
	return out
}

// Len returns the number of scheduled stages.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// EmitStats counts what an Emitter has written.
type EmitStats struct {
	Stages     int
	Inlined    int
	Parallel   int // stages or updates with a host parallel loop
	Kernels    int // device launches
	Factorized int
	Races      int // race-tolerant updates
}

// Emitter writes stage schedules to a Pipeline in order.
type Emitter struct {
	pipe   Pipeline
	logger *slog.Logger
	stats  EmitStats
}

// EmitterOption configures the emitter.
type EmitterOption func(*Emitter)

// WithEmitLogger sets the logger used to report each applied schedule.
func WithEmitLogger(l *slog.Logger) EmitterOption {
	return func(e *Emitter) {
		e.logger = l
	}
}

// NewEmitter creates an emitter writing to pipe.
func NewEmitter(pipe Pipeline, opts ...EmitterOption) *Emitter {
	e := &Emitter{
		pipe:   pipe,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Emit applies one stage schedule.
func (e *Emitter) Emit(ctx context.Context, s *StageSchedule) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := e.pipe.Apply(s); err != nil {
		return fmt.Errorf("stage %q: %w", s.Stage, err)
	}
	e.count(s)

	e.logger.Debug("applied schedule", "stage", s.Stage, "directive", s.Directive, "updates", len(s.Updates))
	return nil
}

// EmitAll applies every schedule in order and stops at the first failure.
// Schedules applied before the failure stay applied.
func (e *Emitter) EmitAll(ctx context.Context, schedules []*StageSchedule) error {
	for _, s := range schedules {
		if err := e.Emit(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns what has been emitted so far.
func (e *Emitter) Stats() EmitStats {
	return e.stats
}

func (e *Emitter) count(s *StageSchedule) {
	e.stats.Stages++
	if s.Inlined() {
		e.stats.Inlined++
		return
	}
	e.countDirective(s.Directive)
	for _, u := range s.Updates {
		e.countDirective(u.Directive)
		switch u.Reduction.(type) {
		case ReductionFactorized:
			e.stats.Factorized++
		case RaceTolerant:
			e.stats.Races++
		}
	}
}

func (e *Emitter) countDirective(d Directive) {
	switch d := d.(type) {
	case Materialize2D:
		e.countDevice(d.Device)
	case Materialize1D:
		e.countDevice(d.Device)
	case MaterializeFused:
		e.countDevice(d.Device)
	case DeviceSingleThread:
		e.stats.Kernels++
	}
}

func (e *Emitter) countDevice(d Device) {
	if d == GPU {
		e.stats.Kernels++
		return
	}
	e.stats.Parallel++
}
