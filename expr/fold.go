// Copyright (c) 2024-2025 Lux Partners Limited
// SPDX-License-Identifier: BSD-3-Clause

package expr

import (
	"errors"
	"fmt"
)

// ErrNotConstant is returned when an expression does not fold to an
// integer literal.
var ErrNotConstant = errors.New("expression is not constant")

// Fold constant-folds e. Integer arithmetic follows floor semantics for
// division and modulo; division by zero is left unfolded.
func Fold(e Expr) Expr {
	return Map(e, func(n Expr) Expr {
		b, ok := n.(Binary)
		if !ok {
			return nil
		}
		if r, ok := foldInts(b); ok {
			return r
		}
		return simplifyIdentity(b)
	})
}

// AsInt returns the value of an integer literal.
func AsInt(e Expr) (int64, bool) {
	i, ok := e.(Int)
	return i.Value, ok
}

// Eval substitutes the parameter estimates into e and folds the result to an
// integer. The returned error wraps ErrNotConstant and names the residual
// expression.
func Eval(e Expr, params map[string]int64) (int64, error) {
	if e == nil {
		return 0, fmt.Errorf("%w: missing expression", ErrNotConstant)
	}
	folded := Fold(SubstituteParams(e, params))
	v, ok := AsInt(folded)
	if !ok {
		return 0, fmt.Errorf("%w: extent %s", ErrNotConstant, folded)
	}
	return v, nil
}

func foldInts(b Binary) (Expr, bool) {
	x, okA := AsInt(b.A)
	y, okB := AsInt(b.B)
	if !okA || !okB {
		return nil, false
	}
	switch b.Op {
	case OpAdd:
		return Int{Value: x + y}, true
	case OpSub:
		return Int{Value: x - y}, true
	case OpMul:
		return Int{Value: x * y}, true
	case OpDiv:
		if y == 0 {
			return nil, false
		}
		return Int{Value: floorDiv(x, y)}, true
	case OpMod:
		if y == 0 {
			return nil, false
		}
		return Int{Value: x - floorDiv(x, y)*y}, true
	case OpMin:
		return Int{Value: min(x, y)}, true
	case OpMax:
		return Int{Value: max(x, y)}, true
	}
	return nil, false
}

// simplifyIdentity removes additive and multiplicative identities so that
// extents such as (N + 0) * 1 reduce to N before parameters are bound.
func simplifyIdentity(b Binary) Expr {
	zeroA, zeroB := isInt(b.A, 0), isInt(b.B, 0)
	oneA, oneB := isInt(b.A, 1), isInt(b.B, 1)
	switch b.Op {
	case OpAdd:
		if zeroA {
			return b.B
		}
		if zeroB {
			return b.A
		}
	case OpSub:
		if zeroB {
			return b.A
		}
		if Equal(b.A, b.B) {
			return Int{Value: 0}
		}
	case OpMul:
		if zeroA || zeroB {
			return Int{Value: 0}
		}
		if oneA {
			return b.B
		}
		if oneB {
			return b.A
		}
	case OpDiv:
		if oneB {
			return b.A
		}
	case OpMin, OpMax:
		if Equal(b.A, b.B) {
			return b.A
		}
	}
	return nil
}

func isInt(e Expr, v int64) bool {
	x, ok := AsInt(e)
	return ok && x == v
}

func floorDiv(x, y int64) int64 {
	q := x / y
	if (x%y != 0) && ((x < 0) != (y < 0)) {
		q--
	}
	return q
}
