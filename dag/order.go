// Copyright (c) 2024-2025 Lux Partners Limited
// SPDX-License-Identifier: BSD-3-Clause

package dag

import (
	"fmt"

	"github.com/emirpasic/gods/v2/trees/binaryheap"
)

// readyStage is a stage whose callees have all been realized.
type readyStage struct {
	name   string
	output bool
	index  int // discovery index in the environment
}

// compareReady puts non-outputs first, then the most recently discovered
// stage, so leaves come before the stages that reach them and outputs
// occupy the tail of the order.
func compareReady(a, b readyStage) int {
	if a.output != b.output {
		if a.output {
			return 1
		}
		return -1
	}
	return b.index - a.index
}

// RealizationOrder returns every stage in an order where each callee comes
// before all of its callers. Ties are broken deterministically.
func (g *Graph) RealizationOrder() ([]string, error) {
	names := g.Names()
	index := make(map[string]int, len(names))
	for i, n := range names {
		index[n] = i
	}

	// Kahn's algorithm over callee -> caller edges
	pending := make(map[string]int, len(names))
	consumers := make(map[string][]string, len(names))
	for _, s := range g.Stages() {
		callees := make(map[string]bool)
		for _, e := range s.Edges() {
			if e.Kind == EdgeSelf || callees[e.Callee] {
				continue
			}
			callees[e.Callee] = true
			consumers[e.Callee] = append(consumers[e.Callee], s.Name)
		}
		pending[s.Name] = len(callees)
	}

	ready := binaryheap.NewWith[readyStage](compareReady)
	for _, n := range names {
		if pending[n] == 0 {
			ready.Push(readyStage{name: n, output: g.IsOutput(n), index: index[n]})
		}
	}

	order := make([]string, 0, len(names))
	placed := make(map[string]bool, len(names))
	for !ready.Empty() {
		next, _ := ready.Pop()
		if placed[next.name] {
			return nil, fmt.Errorf("%w: %q appears twice in the realization order", ErrDuplicateStage, next.name)
		}
		placed[next.name] = true
		order = append(order, next.name)

		for _, c := range consumers[next.name] {
			pending[c]--
			if pending[c] == 0 {
				ready.Push(readyStage{name: c, output: g.IsOutput(c), index: index[c]})
			}
		}
	}

	if len(order) != len(names) {
		return nil, fmt.Errorf("%w: ordered %d of %d stages", ErrCycle, len(order), len(names))
	}
	return order, nil
}
