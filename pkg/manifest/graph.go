// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package manifest

import (
	"strings"

	"github.com/tombee/ferry/pkg/errors"
)

// TopologicalOrder returns the steps in execution order. Among steps that
// are ready at the same time the one declared first wins, so the order is
// deterministic for a given manifest.
func (m *Manifest) TopologicalOrder() ([]Step, error) {
	index := make(map[string]int, len(m.Steps))
	for i, s := range m.Steps {
		index[s.ID] = i
	}

	indegree := make([]int, len(m.Steps))
	dependents := make([][]int, len(m.Steps))
	for i, s := range m.Steps {
		for _, dep := range s.Needs {
			j, ok := index[dep]
			if !ok {
				return nil, &errors.ValidationError{
					Field:   "steps",
					Message: "step " + s.ID + " needs unknown step " + dep,
				}
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	done := make([]bool, len(m.Steps))
	order := make([]Step, 0, len(m.Steps))
	for len(order) < len(m.Steps) {
		next := -1
		for i := range m.Steps {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			msg := "dependency cycle"
			if cycle := findCycle(m); cycle != nil {
				msg += ": " + joinPath(cycle)
			}
			return nil, &errors.ValidationError{Field: "steps", Message: msg}
		}
		done[next] = true
		order = append(order, m.Steps[next])
		for _, d := range dependents[next] {
			indegree[d]--
		}
	}
	return order, nil
}

// Dependents returns the ids of steps that list id in their needs, in
// declaration order.
func (m *Manifest) Dependents(id string) []string {
	var out []string
	for _, s := range m.Steps {
		for _, dep := range s.Needs {
			if dep == id {
				out = append(out, s.ID)
				break
			}
		}
	}
	return out
}

// Downstream returns every step reachable from id through dependents,
// in declaration order.
func (m *Manifest) Downstream(id string) []string {
	reached := map[string]bool{}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range m.Dependents(cur) {
			if !reached[d] {
				reached[d] = true
				queue = append(queue, d)
			}
		}
	}

	var out []string
	for _, s := range m.Steps {
		if reached[s.ID] {
			out = append(out, s.ID)
		}
	}
	return out
}

// findCycle runs a three-colour depth-first search over needs edges and
// returns the first cycle found as a closed path, or nil.
func findCycle(m *Manifest) []string {
	const (
		white = iota
		grey
		black
	)

	needs := make(map[string][]string, len(m.Steps))
	for _, s := range m.Steps {
		needs[s.ID] = s.Needs
	}

	colour := make(map[string]int, len(m.Steps))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		colour[id] = grey
		stack = append(stack, id)
		for _, dep := range needs[id] {
			if _, known := needs[dep]; !known {
				continue
			}
			switch colour[dep] {
			case grey:
				for i, s := range stack {
					if s == dep {
						cycle := append([]string(nil), stack[i:]...)
						return append(cycle, dep)
					}
				}
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		colour[id] = black
		return nil
	}

	for _, s := range m.Steps {
		if colour[s.ID] == white {
			if c := visit(s.ID); c != nil {
				return c
			}
		}
	}
	return nil
}

func joinPath(ids []string) string {
	return strings.Join(ids, " -> ")
}
