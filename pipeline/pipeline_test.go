// Copyright (c) 2024-2025 Lux Partners Limited
// SPDX-License-Identifier: BSD-3-Clause

package pipeline

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/autosched/autoschedule"
	"github.com/luxfi/autosched/dag"
	"github.com/luxfi/autosched/expr"
	"github.com/luxfi/autosched/schedule"
)

func TestParse(t *testing.T) {
	sc := scope{
		stages: set([]string{"f"}),
		images: set([]string{"input"}),
	}.with([]string{"x", "y"}, []string{"r"})

	tests := []struct {
		src  string
		want string
	}{
		{"input(x, y) * 2.0", "(input(x, y) * 2f)"},
		{"f(x + r, y)", "f((x + r), y)"},
		{"min(x, N)", "min(x, N)"},
		{"max(x - 1, 0)", "max((x - 1), 0)"},
		{"sin(x)", "sin(x)"},
		{"-3", "-3"},
		{"-x", "(0 - x)"},
		{"0x10 % 3", "(16 % 3)"},
		{"(x / 2)", "(x / 2)"},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			e, err := sc.parse(tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, e.String())
		})
	}

	e, err := sc.parse("f(r)")
	require.NoError(t, err)
	assert.Equal(t, expr.Stage("f", expr.R("r")), e)

	for _, src := range []string{"x << 1", "x[1]", "a.b(x)", "min(x)", "(", "!x", `"s"`} {
		_, err := sc.parse(src)
		assert.Error(t, err, src)
	}
	_, err = sc.parse("x << 1")
	assert.ErrorIs(t, err, ErrSyntax)
}

func TestParseCallResolution(t *testing.T) {
	sc := scope{
		stages: set([]string{"max"}),
		images: set([]string{"min"}),
	}.with([]string{"x", "y"}, nil)
	x, y := expr.V("x"), expr.V("y")

	tests := []struct {
		src  string
		want expr.Expr
	}{
		{"max(x, y)", expr.Stage("max", x, y)},
		{"min(x, y)", expr.Image("min", x, y)},
		{"min(x)", expr.Image("min", x)},
		{"clamp(x, y)", expr.Intrinsic("clamp", x, y)},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			e, err := sc.parse(tt.src)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, e); diff != "" {
				t.Errorf("parse mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

const blurYAML = `
params:
  K: 5
images: [input, kernel]
stages:
  - name: bright
    axes: [{name: x, extent: 256}, {name: y, extent: 256}]
    value: "input(x, y) * 2.0"
  - name: conv
    axes: [{name: x, extent: 256}, {name: y, extent: 256}]
    value: "bright(x, y) + 1.0"
    updates:
      - args: [x, y]
        value: "conv(x, y) + bright(x + k, y) * kernel(k)"
        domain: [{name: k, extent: K}]
    output: true
    region: [[0, 256], [0, 256]]
options:
  unroll_rvar_size: 8
`

func blurGraph(t *testing.T) *dag.Graph {
	t.Helper()
	x, y, k := expr.V("x"), expr.V("y"), expr.R("k")
	g, err := dag.NewBuilder().
		Func("bright", dag.Dims(expr.I(256), "x", "y"), expr.Mul(expr.Image("input", x, y), expr.F(2))).
		Func("conv", dag.Dims(expr.I(256), "x", "y"), expr.Add(expr.Stage("bright", x, y), expr.F(1))).
		Update("conv", []expr.Expr{x, y},
			expr.Add(expr.Stage("conv", x, y), expr.Mul(expr.Stage("bright", expr.Add(x, k), y), expr.Image("kernel", k))),
			dag.RV("k", expr.P("K"))).
		Output().
		Build()
	require.NoError(t, err)
	return g
}

func scheduleAll(t *testing.T, g *dag.Graph, params map[string]int64, regions [][]autoschedule.Range, opts autoschedule.Options) []*schedule.StageSchedule {
	t.Helper()
	rec := schedule.NewRecorder()
	_, err := autoschedule.NewScheduler(g,
		autoschedule.WithOptions(opts),
		autoschedule.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	).Schedule(context.Background(), params, regions, rec)
	require.NoError(t, err)
	return rec.Schedules()
}

func TestLoadRoundTrip(t *testing.T) {
	p, err := Load(strings.NewReader(blurYAML))
	require.NoError(t, err)

	assert.Equal(t, []string{"conv"}, p.Graph.Outputs())
	assert.Equal(t, map[string]int64{"K": 5}, p.Params)
	assert.Equal(t, [][]autoschedule.Range{{{Min: 0, Extent: 256}, {Min: 0, Extent: 256}}}, p.Regions)

	opts := p.Options.Overlay(autoschedule.DefaultOptions())
	assert.Equal(t, 8, opts.UnrollRVarSize)

	want := blurGraph(t)
	for _, name := range want.Names() {
		ws, _ := want.Stage(name)
		gs, ok := p.Graph.Stage(name)
		require.True(t, ok, name)
		if diff := cmp.Diff(ws.Pure.Value.String(), gs.Pure.Value.String()); diff != "" {
			t.Errorf("stage %s value (-want +got):\n%s", name, diff)
		}
	}

	got := scheduleAll(t, p.Graph, p.Params, p.Regions, opts)
	exp := scheduleAll(t, want, map[string]int64{"K": 5}, p.Regions, opts)
	if diff := cmp.Diff(exp, got); diff != "" {
		t.Errorf("schedules differ (-builder +yaml):\n%s", diff)
	}
	require.Len(t, got, 2)
	assert.Equal(t, schedule.Inline{Into: []string{"conv"}}, got[0].Directive)
	assert.Equal(t, []string{"k"}, got[1].Updates[0].Unrolled)
}

func TestLoadFoldsMissingRegion(t *testing.T) {
	p, err := Load(strings.NewReader(`
params: {N: 64}
images: [input]
stages:
  - name: out
    axes: [{name: x, min: "1", extent: "N * 2"}]
    value: "input(x)"
    output: true
`))
	require.NoError(t, err)
	assert.Equal(t, [][]autoschedule.Range{{{Min: 1, Extent: 128}}}, p.Regions)
}

func TestLoadExtern(t *testing.T) {
	p, err := Load(strings.NewReader(`
images: [input]
stages:
  - name: src
    axes: [{name: x, extent: 64}]
    value: "input(x)"
    no_inline: true
  - name: fft
    axes: [{name: x, extent: 64}]
    extern: true
    inputs: [src]
    output: true
`))
	require.NoError(t, err)

	fft, ok := p.Graph.Stage("fft")
	require.True(t, ok)
	assert.True(t, fft.Opaque)
	assert.Equal(t, []string{"src"}, fft.Inputs)
	src, _ := p.Graph.Stage("src")
	assert.True(t, src.NoInline)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		msg  string
	}{
		{"empty", "", "empty pipeline file"},
		{"unknown field", "stages: []\nbogus: 1\n", "bogus"},
		{"no outputs", "stages:\n  - {name: a, value: \"1\"}\n", "no outputs"},
		{"bad value", "stages:\n  - {name: a, value: \"x <<\", output: true}\n", `stage "a"`},
		{"unknown region param", "stages:\n  - {name: a, axes: [{name: x, extent: N}], value: \"x\", output: true}\n", "region of axis x"},
		{"extern with value", "stages:\n  - {name: a, extern: true, value: \"1\", output: true}\n", "no definitions"},
		{"image shadows stage", "images: [a]\nstages:\n  - {name: a, value: \"1\", output: true}\n", "shadows"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blur.yaml")
	require.NoError(t, os.WriteFile(path, []byte(blurYAML), 0o600))

	p, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Graph.Len())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestOverlay(t *testing.T) {
	var nilSpec *OptionsSpec
	base := autoschedule.DefaultOptions()
	assert.Equal(t, base, nilSpec.Overlay(base))

	gpu, w := true, 32
	got := (&OptionsSpec{GPU: &gpu, GPUTileWidth: &w}).Overlay(base)
	assert.True(t, got.GPU)
	assert.Equal(t, 32, got.GPUTileWidth)
	assert.Equal(t, base.GPUTileHeight, got.GPUTileHeight)
}
