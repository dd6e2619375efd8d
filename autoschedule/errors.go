// Copyright (c) 2024-2025 Lux Partners Limited
// SPDX-License-Identifier: BSD-3-Clause

package autoschedule

import (
	"errors"
	"fmt"
)

var (
	// ErrPrecondition matches every user error.
	ErrPrecondition = errors.New("precondition violated")
	// ErrInternal matches every invariant violation.
	ErrInternal = errors.New("internal invariant violated")
)

// PreconditionError reports invalid input: mismatched regions or an extent
// that does not fold to a constant.
type PreconditionError struct {
	Stage string
	Msg   string
	Err   error
}

func (e *PreconditionError) Error() string {
	msg := e.Msg
	if e.Err != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Err.Error()
	}
	if e.Stage == "" {
		return msg
	}
	return fmt.Sprintf("stage %q: %s", e.Stage, msg)
}

// Unwrap lets errors.Is match ErrPrecondition and the cause.
func (e *PreconditionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrPrecondition}
	}
	return []error{ErrPrecondition, e.Err}
}

// InternalError reports a broken invariant of the scheduler or its graph.
type InternalError struct {
	Stage string
	Msg   string
	Err   error
}

func (e *InternalError) Error() string {
	msg := "internal error: " + e.Msg
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stage == "" {
		return msg
	}
	return fmt.Sprintf("stage %q: %s", e.Stage, msg)
}

// Unwrap lets errors.Is match ErrInternal and the cause.
func (e *InternalError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInternal}
	}
	return []error{ErrInternal, e.Err}
}

func preconditionf(stage, format string, args ...any) error {
	return &PreconditionError{Stage: stage, Msg: fmt.Sprintf(format, args...)}
}

func internalf(stage, format string, args ...any) error {
	return &InternalError{Stage: stage, Msg: fmt.Sprintf(format, args...)}
}
