// Copyright (c) 2024-2025 Lux Partners Limited
// SPDX-License-Identifier: BSD-3-Clause

package expr

import "fmt"

// Equal reports whether a and b are structurally identical.
func Equal(a, b Expr) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case Int:
		y, ok := b.(Int)
		return ok && x.Value == y.Value
	case Float:
		y, ok := b.(Float)
		return ok && x.Value == y.Value
	case Var:
		y, ok := b.(Var)
		return ok && x.Name == y.Name
	case RVar:
		y, ok := b.(RVar)
		return ok && x.Name == y.Name
	case Param:
		y, ok := b.(Param)
		return ok && x.Name == y.Name
	case Binary:
		y, ok := b.(Binary)
		return ok && x.Op == y.Op && Equal(x.A, y.A) && Equal(x.B, y.B)
	case Call:
		y, ok := b.(Call)
		return ok && x.Kind == y.Kind && x.Name == y.Name && EqualList(x.Args, y.Args)
	default:
		panic(fmt.Sprintf("expr: unknown node %T", a))
	}
}

// EqualList reports whether two expression lists are pairwise identical.
func EqualList(a, b []Expr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// Map rebuilds e bottom-up, calling fn on every node after its children
// have been rebuilt. A nil result from fn keeps the rebuilt node.
func Map(e Expr, fn func(Expr) Expr) Expr {
	var out Expr
	switch x := e.(type) {
	case nil:
		return nil
	case Int, Float, Var, RVar, Param:
		out = x
	case Binary:
		out = Binary{Op: x.Op, A: Map(x.A, fn), B: Map(x.B, fn)}
	case Call:
		out = Call{Kind: x.Kind, Name: x.Name, Args: MapList(x.Args, fn)}
	default:
		panic(fmt.Sprintf("expr: unknown node %T", e))
	}
	if r := fn(out); r != nil {
		return r
	}
	return out
}

// MapList applies Map to each element of es.
func MapList(es []Expr, fn func(Expr) Expr) []Expr {
	if es == nil {
		return nil
	}
	out := make([]Expr, len(es))
	for i, e := range es {
		out[i] = Map(e, fn)
	}
	return out
}

// Visit calls fn on every node of e in pre-order. Returning false from fn
// skips the node's children.
func Visit(e Expr, fn func(Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	switch x := e.(type) {
	case Binary:
		Visit(x.A, fn)
		Visit(x.B, fn)
	case Call:
		for _, a := range x.Args {
			Visit(a, fn)
		}
	}
}

// Calls returns every stage call in e, in pre-order.
func Calls(e Expr) []Call {
	var calls []Call
	Visit(e, func(n Expr) bool {
		if c, ok := n.(Call); ok && c.Kind == CallStage {
			calls = append(calls, c)
		}
		return true
	})
	return calls
}

// Bindings maps names to replacement expressions.
type Bindings struct {
	Vars   map[string]Expr
	Params map[string]Expr
}

// Substitute replaces Var and Param nodes by name. The replacement is
// simultaneous: substituted subtrees are never substituted again, so
// bindings may reference the names they replace.
func Substitute(e Expr, b Bindings) Expr {
	switch x := e.(type) {
	case nil:
		return nil
	case Var:
		if r, ok := b.Vars[x.Name]; ok {
			return r
		}
		return x
	case Param:
		if r, ok := b.Params[x.Name]; ok {
			return r
		}
		return x
	case Int, Float, RVar:
		return x
	case Binary:
		return Binary{Op: x.Op, A: Substitute(x.A, b), B: Substitute(x.B, b)}
	case Call:
		args := make([]Expr, len(x.Args))
		for i, a := range x.Args {
			args[i] = Substitute(a, b)
		}
		return Call{Kind: x.Kind, Name: x.Name, Args: args}
	default:
		panic(fmt.Sprintf("expr: unknown node %T", e))
	}
}

// SubstituteParams binds parameters to integer literals.
func SubstituteParams(e Expr, params map[string]int64) Expr {
	if len(params) == 0 {
		return e
	}
	b := Bindings{Params: make(map[string]Expr, len(params))}
	for k, v := range params {
		b.Params[k] = Int{Value: v}
	}
	return Substitute(e, b)
}

// ReplaceCalls rewrites every call to the named stage with the result of fn
// applied to the (already rewritten) call arguments.
func ReplaceCalls(e Expr, name string, fn func(args []Expr) Expr) Expr {
	return Map(e, func(n Expr) Expr {
		if c, ok := n.(Call); ok && c.Kind == CallStage && c.Name == name {
			return fn(c.Args)
		}
		return nil
	})
}

// Cost counts the arithmetic operations and memory loads of e. Stage and
// image calls count as one load each; intrinsics and binary operators count
// as one arithmetic operation each.
func Cost(e Expr) (arith, loads int) {
	Visit(e, func(n Expr) bool {
		switch x := n.(type) {
		case Binary:
			arith++
		case Call:
			if x.Kind == CallIntrinsic {
				arith++
			} else {
				loads++
			}
		}
		return true
	})
	return arith, loads
}
