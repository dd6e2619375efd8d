// Copyright (c) 2024-2025 Lux Partners Limited
// SPDX-License-Identifier: BSD-3-Clause

package dag

// Level is a group of stages with no call path between them.
type Level struct {
	Depth  int
	Stages []string
}

// Levels groups the stages by depth: the longest call chain from a stage
// that calls no other stage. Stages within a level keep realization order.
func (g *Graph) Levels() ([]Level, error) {
	order, depth, _, err := g.depths()
	if err != nil {
		return nil, err
	}

	var levels []Level
	for _, name := range order {
		d := depth[name]
		for len(levels) <= d {
			levels = append(levels, Level{Depth: len(levels)})
		}
		levels[d].Stages = append(levels[d].Stages, name)
	}
	return levels, nil
}

// CriticalPath returns the longest callee-to-caller chain of stages. Among
// equal chains the one ending earliest in realization order wins.
func (g *Graph) CriticalPath() ([]string, error) {
	order, depth, parent, err := g.depths()
	if err != nil {
		return nil, err
	}
	if len(order) == 0 {
		return nil, nil
	}

	end := order[0]
	for _, name := range order[1:] {
		if depth[name] > depth[end] {
			end = name
		}
	}

	path := make([]string, depth[end]+1)
	for i, cur := len(path)-1, end; i >= 0; i-- {
		path[i] = cur
		cur = parent[cur]
	}
	return path, nil
}

// depths walks the realization order, so every callee is settled before
// its callers.
func (g *Graph) depths() ([]string, map[string]int, map[string]string, error) {
	order, err := g.RealizationOrder()
	if err != nil {
		return nil, nil, nil, err
	}

	depth := make(map[string]int, len(order))
	parent := make(map[string]string, len(order))
	for _, name := range order {
		s, _ := g.Stage(name)
		d := 0
		for _, e := range s.Edges() {
			if e.Kind == EdgeSelf {
				continue
			}
			if depth[e.Callee]+1 > d {
				d = depth[e.Callee] + 1
				parent[name] = e.Callee
			}
		}
		depth[name] = d
	}
	return order, depth, parent, nil
}
