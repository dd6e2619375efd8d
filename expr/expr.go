// Package expr provides the index and value expression IR consumed by the
// scheduler.
//
// The IR is a closed sum type: every node implements the unexported
// exprNode method, so only the types declared in this package are valid
// expressions. Analyses switch over the concrete types and treat the
// default case as unreachable.
//
// Copyright (c) 2024-2025 Lux Partners Limited
// SPDX-License-Identifier: BSD-3-Clause
package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// Expr is a node of the expression IR.
type Expr interface {
	fmt.Stringer
	exprNode()
}

// Int is an integer literal.
type Int struct {
	Value int64
}

// Float is a floating point literal.
type Float struct {
	Value float64
}

// Var references a pure loop axis of the enclosing definition.
type Var struct {
	Name string
}

// RVar references a reduction variable of the enclosing update definition.
type RVar struct {
	Name string
}

// Param references a scalar pipeline parameter whose value is only known
// through an estimate.
type Param struct {
	Name string
}

// BinaryOp enumerates the binary operators of the IR.
type BinaryOp uint8

const (
	OpAdd BinaryOp = iota
	OpSub
	OpMul
	OpDiv
	OpMod
	OpMin
	OpMax
)

// String returns the operator symbol or function name.
func (op BinaryOp) String() string {
	names := []string{"+", "-", "*", "/", "%", "min", "max"}
	if int(op) < len(names) {
		return names[op]
	}
	return fmt.Sprintf("BinaryOp(%d)", op)
}

// Binary applies a BinaryOp to two operands.
type Binary struct {
	Op   BinaryOp
	A, B Expr
}

// CallKind distinguishes what a Call refers to.
type CallKind uint8

const (
	// CallStage calls another stage of the pipeline (or the stage itself
	// from inside one of its update definitions).
	CallStage CallKind = iota
	// CallImage reads an input buffer that is not part of the stage graph.
	CallImage
	// CallIntrinsic applies a built-in math function such as sin or a cast.
	CallIntrinsic
)

// String returns the call kind name.
func (k CallKind) String() string {
	switch k {
	case CallStage:
		return "Stage"
	case CallImage:
		return "Image"
	case CallIntrinsic:
		return "Intrinsic"
	default:
		return fmt.Sprintf("CallKind(%d)", k)
	}
}

// Call invokes a stage, an input image or an intrinsic.
type Call struct {
	Kind CallKind
	Name string
	Args []Expr
}

func (Int) exprNode()    {}
func (Float) exprNode()  {}
func (Var) exprNode()    {}
func (RVar) exprNode()   {}
func (Param) exprNode()  {}
func (Binary) exprNode() {}
func (Call) exprNode()   {}

func (e Int) String() string   { return strconv.FormatInt(e.Value, 10) }
func (e Float) String() string { return strconv.FormatFloat(e.Value, 'g', -1, 64) + "f" }
func (e Var) String() string   { return e.Name }
func (e RVar) String() string  { return e.Name }
func (e Param) String() string { return e.Name }

func (e Binary) String() string {
	switch e.Op {
	case OpMin, OpMax:
		return fmt.Sprintf("%s(%s, %s)", e.Op, e.A, e.B)
	default:
		return fmt.Sprintf("(%s %s %s)", e.A, e.Op, e.B)
	}
}

func (e Call) String() string {
	return e.Name + "(" + Join(e.Args, ", ") + ")"
}

// Join formats a list of expressions with the given separator.
func Join(es []Expr, sep string) string {
	parts := make([]string, len(es))
	for i, e := range es {
		parts[i] = e.String()
	}
	return strings.Join(parts, sep)
}

// I returns an integer literal.
func I(v int64) Expr { return Int{Value: v} }

// F returns a float literal.
func F(v float64) Expr { return Float{Value: v} }

// V returns a pure axis reference.
func V(name string) Expr { return Var{Name: name} }

// R returns a reduction variable reference.
func R(name string) Expr { return RVar{Name: name} }

// P returns a parameter reference.
func P(name string) Expr { return Param{Name: name} }

// Vars returns pure axis references for each name, in order.
func Vars(names ...string) []Expr {
	out := make([]Expr, len(names))
	for i, n := range names {
		out[i] = Var{Name: n}
	}
	return out
}

func Add(a, b Expr) Expr { return Binary{Op: OpAdd, A: a, B: b} }
func Sub(a, b Expr) Expr { return Binary{Op: OpSub, A: a, B: b} }
func Mul(a, b Expr) Expr { return Binary{Op: OpMul, A: a, B: b} }
func Div(a, b Expr) Expr { return Binary{Op: OpDiv, A: a, B: b} }
func Mod(a, b Expr) Expr { return Binary{Op: OpMod, A: a, B: b} }
func Min(a, b Expr) Expr { return Binary{Op: OpMin, A: a, B: b} }
func Max(a, b Expr) Expr { return Binary{Op: OpMax, A: a, B: b} }

// Stage calls another stage.
func Stage(name string, args ...Expr) Expr {
	return Call{Kind: CallStage, Name: name, Args: args}
}

// Image reads an input buffer.
func Image(name string, args ...Expr) Expr {
	return Call{Kind: CallImage, Name: name, Args: args}
}

// Intrinsic applies a built-in function.
func Intrinsic(name string, args ...Expr) Expr {
	return Call{Kind: CallIntrinsic, Name: name, Args: args}
}
