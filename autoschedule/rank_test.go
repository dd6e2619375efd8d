// Copyright (c) 2024-2025 Lux Partners Limited
// SPDX-License-Identifier: BSD-3-Clause

package autoschedule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/autosched/dag"
	"github.com/luxfi/autosched/expr"
)

func TestRankTieBreak(t *testing.T) {
	assert.Equal(t, []int{3, 0, 2, 1}, rank([]int{4, 8, 8, 2}))

	r := rankAxes([]int64{4, 8, 8, 2})
	assert.Equal(t, ranking{width: 1, height: 2, largest: 1}, r)

	// width always holds the smaller index
	r = rankAxes([]int64{512, 16, 1024})
	assert.Equal(t, ranking{width: 0, height: 2, largest: 2}, r)

	assert.Equal(t, ranking{width: -1, height: -1, largest: 0}, rankAxes([]int64{7}))
	assert.Equal(t, ranking{width: -1, height: -1, largest: -1}, rankAxes([]int64{}))
}

func TestRankReductionThresholds(t *testing.T) {
	host := DefaultOptions().tiling()

	r := host.rankReduction([]int64{1024, 8})
	assert.False(t, r.has2D(), "a pair below the tile size is dropped")
	assert.Equal(t, 0, r.largest)
	assert.True(t, r.tilable())

	r = host.rankReduction([]int64{100, 100})
	assert.True(t, r.has2D())
	assert.Equal(t, -1, r.largest, "100 < 16*16")

	r = host.rankReduction([]int64{5})
	assert.False(t, r.tilable())
}

func TestOthersAndProduct(t *testing.T) {
	assert.Equal(t, []int{1, 3}, others(4, 0, 2))
	assert.Nil(t, others(2, 0, 1))
	assert.Equal(t, int64(6), product([]int64{2, 3, 5}, []int{0, 1}))
	assert.Equal(t, int64(1), product([]int64{2}, nil))
}

func TestMatchLockFree(t *testing.T) {
	rx, ry := expr.R("rx"), expr.R("ry")
	domain := dag.ReductionDomain{Vars: []dag.ReductionVar{dag.RV("rx", expr.I(64)), dag.RV("ry", expr.I(64))}}
	in := expr.Image("in", rx, ry)

	tests := []struct {
		name  string
		args  []expr.Expr
		value expr.Expr
		want  bool
	}{
		{"accumulate", []expr.Expr{rx, ry}, expr.Add(expr.Stage("f", rx, ry), in), true},
		{"self read in rhs", []expr.Expr{rx, ry}, expr.Add(expr.Stage("f", rx, ry), expr.Mul(expr.Stage("f", rx, ry), in)), true},
		{"rhs reads elsewhere", []expr.Expr{rx, ry}, expr.Add(expr.Stage("f", rx, ry), expr.Stage("f", ry, rx)), false},
		{"swapped", []expr.Expr{rx, ry}, expr.Add(expr.Stage("f", ry, rx), in), false},
		{"other functor", []expr.Expr{rx, ry}, expr.Add(expr.Stage("g", rx, ry), in), false},
		{"accumulator second", []expr.Expr{rx, ry}, expr.Add(in, expr.Stage("f", rx, ry)), false},
		{"product", []expr.Expr{rx, ry}, expr.Mul(expr.Stage("f", rx, ry), in), false},
		{"pure index", []expr.Expr{expr.V("x"), ry}, expr.Add(expr.Stage("f", expr.V("x"), ry), in), false},
		{"repeated index", []expr.Expr{rx, rx}, expr.Add(expr.Stage("f", rx, rx), in), false},
		{"no indices", nil, expr.Add(expr.Stage("f"), in), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			names, ok, err := matchLockFree("f", dag.Definition{Args: tt.args, Value: tt.value, Domain: domain})
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
			if tt.want {
				assert.Equal(t, []string{"rx", "ry"}, names)
			}
		})
	}

	_, _, err := matchLockFree("f", dag.Definition{
		Args:   []expr.Expr{expr.R("rz")},
		Value:  expr.Add(expr.Stage("f", expr.R("rz")), in),
		Domain: domain,
	})
	require.ErrorIs(t, err, ErrInternal)
}

func TestPlanLockFree(t *testing.T) {
	host := DefaultOptions().tiling()
	domain := dag.ReductionDomain{Vars: []dag.ReductionVar{dag.RV("a", expr.I(0)), dag.RV("b", expr.I(0))}}

	// indices name the domain out of order; extents follow the names
	p := host.planLockFree([]string{"b", "a"}, domain, []int64{4096, 4})
	require.NotNil(t, p)
	assert.False(t, p.twoD)
	assert.Equal(t, []int64{4, 4096}, p.extents)
	assert.Equal(t, []string{"a"}, p.split())

	p = host.planLockFree([]string{"a", "b"}, domain, []int64{512, 512})
	require.NotNil(t, p)
	assert.True(t, p.twoD)
	assert.Equal(t, []string{"a", "b"}, p.split())

	assert.Nil(t, host.planLockFree([]string{"a", "b"}, domain, []int64{20, 20}))
}

func TestDefaultFactorizer(t *testing.T) {
	s := &dag.Stage{Name: "hist"}
	f, err := DefaultFactorizer{}.Factorize(s, 0, Split{Pairs: [][2]string{{"rxo", "xo"}}, Pure: []string{"c"}})
	require.NoError(t, err)
	assert.Equal(t, Factorization{Intermediate: "hist_intm", Vars: []string{"c", "xo"}}, f)

	f, err = DefaultFactorizer{}.Factorize(s, 2, Split{Pairs: [][2]string{{"rxo", "xo"}}})
	require.NoError(t, err)
	assert.Equal(t, "hist_intm2", f.Intermediate)

	_, err = DefaultFactorizer{}.Factorize(s, 0, Split{Pairs: [][2]string{{"rxo", "c"}}, Pure: []string{"c"}})
	require.Error(t, err)
	_, err = DefaultFactorizer{}.Factorize(s, 0, Split{})
	require.Error(t, err)
}

func TestUniqueAndUsesRVar(t *testing.T) {
	assert.Equal(t, "xi", unique("xi", []string{"x", "y"}))
	assert.Equal(t, "xi_2", unique("xi", []string{"xi", "xi_1"}))

	args := []expr.Expr{expr.V("x"), expr.Add(expr.R("r"), expr.I(1))}
	assert.True(t, usesRVar(args, "r"))
	assert.False(t, usesRVar(args, "q"))
	assert.False(t, usesRVar(nil, "r"))
}
