// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

// Package depgraph tracks dependency edges between plugins and computes a
// safe load order.
//
// Nodes live in an arena addressed by integer index. Edges are stored as
// index sets on both ends, so a node never holds a reference to another
// node and the dependency/dependent sides are always updated together.
package depgraph

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/samber/oops"
)

// ErrCyclicDependency is wrapped by errors reporting a dependency cycle.
var ErrCyclicDependency = errors.New("cyclic dependency")

// CycleError reports a cycle found while ordering the graph.
type CycleError struct {
	// ID is the node that was revisited while still on the DFS stack.
	ID string
	// Path is the cycle, starting and ending at ID.
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cyclic dependency detected at %s: %s", e.ID, strings.Join(e.Path, " -> "))
}

// Is makes errors.Is(err, ErrCyclicDependency) match.
func (e *CycleError) Is(target error) bool {
	return target == ErrCyclicDependency
}

type index int

type node struct {
	id           string
	dependencies map[index]struct{}
	dependents   map[index]struct{}
}

// Graph is a dependency graph keyed by plugin id. It is safe for
// concurrent use.
type Graph struct {
	mu    sync.RWMutex
	nodes []*node // arena; removed slots are nil
	free  []index
	ids   map[string]index
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{ids: make(map[string]index)}
}

// AddNode inserts id or replaces its dependency set. Dependencies that are
// not yet in the graph are created as placeholder nodes. Dependent edges
// are updated on every referenced node.
func (g *Graph) AddNode(id string, deps []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	i := g.ensure(id)
	n := g.nodes[i]

	for d := range n.dependencies {
		delete(g.nodes[d].dependents, i)
	}
	clear(n.dependencies)

	for _, dep := range deps {
		if dep == "" {
			continue
		}
		d := g.ensure(dep)
		n.dependencies[d] = struct{}{}
		g.nodes[d].dependents[i] = struct{}{}
	}
}

// RemoveNode deletes id and severs its edges in both directions.
func (g *Graph) RemoveNode(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	i, ok := g.ids[id]
	if !ok {
		return
	}
	n := g.nodes[i]
	for d := range n.dependencies {
		delete(g.nodes[d].dependents, i)
	}
	for d := range n.dependents {
		delete(g.nodes[d].dependencies, i)
	}
	g.nodes[i] = nil
	g.free = append(g.free, i)
	delete(g.ids, id)
}

// Has reports whether id is in the graph.
func (g *Graph) Has(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.ids[id]
	return ok
}

// Nodes returns every id in the graph, sorted.
func (g *Graph) Nodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.ids))
	for id := range g.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Dependencies returns the direct dependencies of id, sorted.
func (g *Graph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	i, ok := g.ids[id]
	if !ok {
		return []string{}
	}
	return g.names(g.nodes[i].dependencies)
}

// Dependents returns the direct dependents of id, sorted.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	i, ok := g.ids[id]
	if !ok {
		return []string{}
	}
	return g.names(g.nodes[i].dependents)
}

// LoadOrder returns every id ordered so each node follows all of its
// dependencies. A cycle fails with a *CycleError; a partial order is never
// returned.
func (g *Graph) LoadOrder() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	const (
		white = iota
		gray
		black
	)
	color := make([]uint8, len(g.nodes))
	order := make([]string, 0, len(g.ids))
	var stack []index

	var visit func(i index) error
	visit = func(i index) error {
		switch color[i] {
		case black:
			return nil
		case gray:
			return g.cycleError(stack, i)
		}
		color[i] = gray
		stack = append(stack, i)
		for _, d := range g.sorted(g.nodes[i].dependencies) {
			if err := visit(d); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		color[i] = black
		order = append(order, g.nodes[i].id)
		return nil
	}

	// Visit roots in id order so the result is deterministic.
	for _, id := range g.sortedIDs() {
		if err := visit(g.ids[id]); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// CheckCircularDependency reports cycles as error strings without failing.
// An empty result means the graph is acyclic.
func (g *Graph) CheckCircularDependency() []string {
	if _, err := g.LoadOrder(); err != nil {
		return []string{err.Error()}
	}
	return []string{}
}

// ensure returns the index of id, creating a node if needed. Caller holds mu.
func (g *Graph) ensure(id string) index {
	if i, ok := g.ids[id]; ok {
		return i
	}
	n := &node{
		id:           id,
		dependencies: make(map[index]struct{}),
		dependents:   make(map[index]struct{}),
	}
	var i index
	if len(g.free) > 0 {
		i = g.free[len(g.free)-1]
		g.free = g.free[:len(g.free)-1]
		g.nodes[i] = n
	} else {
		i = index(len(g.nodes))
		g.nodes = append(g.nodes, n)
	}
	g.ids[id] = i
	return i
}

func (g *Graph) names(set map[index]struct{}) []string {
	out := make([]string, 0, len(set))
	for i := range set {
		out = append(out, g.nodes[i].id)
	}
	sort.Strings(out)
	return out
}

func (g *Graph) sorted(set map[index]struct{}) []index {
	out := make([]index, 0, len(set))
	for i := range set {
		out = append(out, i)
	}
	slices.SortFunc(out, func(a, b index) int {
		return strings.Compare(g.nodes[a].id, g.nodes[b].id)
	})
	return out
}

func (g *Graph) sortedIDs() []string {
	ids := make([]string, 0, len(g.ids))
	for id := range g.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (g *Graph) cycleError(stack []index, at index) error {
	start := slices.Index(stack, at)
	path := make([]string, 0, len(stack)-start+1)
	for _, i := range stack[start:] {
		path = append(path, g.nodes[i].id)
	}
	path = append(path, g.nodes[at].id)
	return oops.In("depgraph").Code("CYCLIC_DEPENDENCY").With("plugin", g.nodes[at].id).
		Wrap(&CycleError{ID: g.nodes[at].id, Path: path})
}
