// Copyright (c) 2024-2025 Lux Partners Limited
// SPDX-License-Identifier: BSD-3-Clause

package pipeline

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"

	"github.com/luxfi/autosched/expr"
)

// ErrSyntax is returned for expressions outside the supported grammar.
var ErrSyntax = errors.New("unsupported expression")

var binaryOps = map[token.Token]func(a, b expr.Expr) expr.Expr{
	token.ADD: expr.Add,
	token.SUB: expr.Sub,
	token.MUL: expr.Mul,
	token.QUO: expr.Div,
	token.REM: expr.Mod,
}

// scope resolves the identifiers of one definition.
type scope struct {
	axes   map[string]bool
	rvars  map[string]bool
	stages map[string]bool
	images map[string]bool
}

func (sc scope) with(axes, rvars []string) scope {
	next := sc
	next.axes = set(axes)
	next.rvars = set(rvars)
	return next
}

func set(names []string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// parse reads one expression in Go syntax. Identifiers resolve to
// reduction variables, then axes, then parameters. Calls resolve to
// stages, images, min/max, then intrinsics.
func (sc scope) parse(src string) (expr.Expr, error) {
	node, err := parser.ParseExpr(src)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", src, err)
	}
	e, err := sc.convert(node)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", src, err)
	}
	return e, nil
}

func (sc scope) parseList(srcs []string) ([]expr.Expr, error) {
	out := make([]expr.Expr, len(srcs))
	for i, s := range srcs {
		e, err := sc.parse(s)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

func (sc scope) convert(n ast.Expr) (expr.Expr, error) {
	switch n := n.(type) {
	case *ast.ParenExpr:
		return sc.convert(n.X)

	case *ast.BasicLit:
		return literal(n)

	case *ast.Ident:
		switch {
		case sc.rvars[n.Name]:
			return expr.R(n.Name), nil
		case sc.axes[n.Name]:
			return expr.V(n.Name), nil
		default:
			return expr.P(n.Name), nil
		}

	case *ast.UnaryExpr:
		x, err := sc.convert(n.X)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case token.ADD:
			return x, nil
		case token.SUB:
			switch v := x.(type) {
			case expr.Int:
				return expr.I(-v.Value), nil
			case expr.Float:
				return expr.F(-v.Value), nil
			}
			return expr.Sub(expr.I(0), x), nil
		}
		return nil, fmt.Errorf("%w: unary %s", ErrSyntax, n.Op)

	case *ast.BinaryExpr:
		op, ok := binaryOps[n.Op]
		if !ok {
			return nil, fmt.Errorf("%w: operator %s", ErrSyntax, n.Op)
		}
		a, err := sc.convert(n.X)
		if err != nil {
			return nil, err
		}
		b, err := sc.convert(n.Y)
		if err != nil {
			return nil, err
		}
		return op(a, b), nil

	case *ast.CallExpr:
		return sc.call(n)
	}
	return nil, fmt.Errorf("%w: %T", ErrSyntax, n)
}

func (sc scope) call(n *ast.CallExpr) (expr.Expr, error) {
	fn, ok := n.Fun.(*ast.Ident)
	if !ok {
		return nil, fmt.Errorf("%w: call of %T", ErrSyntax, n.Fun)
	}
	args := make([]expr.Expr, len(n.Args))
	for i, a := range n.Args {
		e, err := sc.convert(a)
		if err != nil {
			return nil, err
		}
		args[i] = e
	}

	switch {
	case sc.stages[fn.Name]:
		return expr.Stage(fn.Name, args...), nil
	case sc.images[fn.Name]:
		return expr.Image(fn.Name, args...), nil
	case fn.Name == "min" || fn.Name == "max":
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: %s takes 2 arguments, got %d", ErrSyntax, fn.Name, len(args))
		}
		if fn.Name == "min" {
			return expr.Min(args[0], args[1]), nil
		}
		return expr.Max(args[0], args[1]), nil
	}
	return expr.Intrinsic(fn.Name, args...), nil
}

func literal(n *ast.BasicLit) (expr.Expr, error) {
	switch n.Kind {
	case token.INT:
		v, err := strconv.ParseInt(n.Value, 0, 64)
		if err != nil {
			return nil, err
		}
		return expr.I(v), nil
	case token.FLOAT:
		v, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			return nil, err
		}
		return expr.F(v), nil
	}
	return nil, fmt.Errorf("%w: literal %s", ErrSyntax, n.Value)
}
