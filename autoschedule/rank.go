// Copyright (c) 2024-2025 Lux Partners Limited
// SPDX-License-Identifier: BSD-3-Clause

package autoschedule

import (
	"slices"

	"golang.org/x/exp/constraints"
)

// rank returns the axis indices sorted ascending by extent. Equal extents
// put the higher index first, so the lower index wins when picking the
// largest axes.
func rank[T constraints.Integer](extents []T) []int {
	idx := make([]int, len(extents))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		switch {
		case extents[a] < extents[b]:
			return -1
		case extents[a] > extents[b]:
			return 1
		default:
			return b - a
		}
	})
	return idx
}

// ranking is the outcome of ranking a list of extents.
type ranking struct {
	// width and height are the two largest axes, width holding the smaller
	// index; both are -1 with fewer than two axes.
	width, height int
	// largest is the single largest axis, -1 with no axes.
	largest int
}

func rankAxes[T constraints.Integer](extents []T) ranking {
	r := ranking{width: -1, height: -1, largest: -1}
	order := rank(extents)
	n := len(order)
	if n >= 2 {
		r.width = min(order[n-1], order[n-2])
		r.height = max(order[n-1], order[n-2])
	}
	if n >= 1 {
		r.largest = order[n-1]
	}
	return r
}

// has2D reports whether a width/height pair exists.
func (r ranking) has2D() bool {
	return r.width >= 0 && r.height >= 0
}

// others returns every index in [0, n) except the excluded ones.
func others(n int, excluded ...int) []int {
	var out []int
	for i := 0; i < n; i++ {
		if !slices.Contains(excluded, i) {
			out = append(out, i)
		}
	}
	return out
}

func product[T constraints.Integer](extents []T, idx []int) T {
	var p T = 1
	for _, i := range idx {
		p *= extents[i]
	}
	return p
}
