// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package graph holds the directed graph of published deltas between image
// digests and finds the cheapest chain of deltas between two digests.
package graph

import (
	"fmt"
	"iter"
	"maps"
	"slices"

	"github.com/atomic-arch/imgdelta/pkg/tags"
)

// Unresolved is the size of an edge whose delta size is not yet known.
const Unresolved int64 = -1

// Edge is one delta. Src and Dst are base62 digests.
type Edge struct {
	Src  string
	Dst  string
	Tag  string
	Size int64
}

// Graph maps source digest to destination digest to delta. Nodes are
// base62 encoded digests.
type Graph struct {
	edges map[string]map[string]Edge
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{edges: map[string]map[string]Edge{}}
}

// AddDiff adds an unresolved edge for tag and reports whether tag is a
// diff tag.
func (g *Graph) AddDiff(tag string) bool {
	t := tags.Classify(tag)
	if t.Kind != tags.KindDiff {
		return false
	}
	g.add(Edge{Src: t.Src, Dst: t.Dst, Tag: tag, Size: Unresolved})
	return true
}

// AddEdge adds e, replacing any edge with the same endpoints.
func (g *Graph) AddEdge(e Edge) error {
	if e.Size < 0 && e.Size != Unresolved {
		return fmt.Errorf("edge %s has negative size %d", e.Tag, e.Size)
	}
	g.add(e)
	return nil
}

func (g *Graph) add(e Edge) {
	m, ok := g.edges[e.Src]
	if !ok {
		m = map[string]Edge{}
		g.edges[e.Src] = m
	}
	m[e.Dst] = e
}

// SetSize resolves the size of the edge src -> dst.
func (g *Graph) SetSize(src, dst string, size int64) error {
	e, ok := g.edges[src][dst]
	if !ok {
		return fmt.Errorf("no edge %s -> %s", src, dst)
	}
	if size < 0 {
		return fmt.Errorf("edge %s has negative size %d", e.Tag, size)
	}
	e.Size = size
	g.edges[src][dst] = e
	return nil
}

// Edge returns the edge src -> dst.
func (g *Graph) Edge(src, dst string) (Edge, bool) {
	e, ok := g.edges[src][dst]
	return e, ok
}

// Edges yields every edge, ordered by source then destination.
func (g *Graph) Edges() iter.Seq[Edge] {
	return func(yield func(Edge) bool) {
		for _, src := range slices.Sorted(maps.Keys(g.edges)) {
			out := g.edges[src]
			for _, dst := range slices.Sorted(maps.Keys(out)) {
				if !yield(out[dst]) {
					return
				}
			}
		}
	}
}

// Len returns the number of edges.
func (g *Graph) Len() int {
	n := 0
	for _, m := range g.edges {
		n += len(m)
	}
	return n
}

type visit struct {
	cost int64
	path []string
}

// ShortestPath returns the cheapest chain of delta tags from src to dst
// and its total size. Unresolved edges are never used. ok is false when dst
// is unreachable. src == dst is the empty chain with zero cost.
func (g *Graph) ShortestPath(src, dst string) (cost int64, path []string, ok bool) {
	if src == dst {
		return 0, nil, true
	}
	best := map[string]visit{src: {}}
	queue := []string{src}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		cur := best[node]
		out := g.edges[node]
		for _, next := range slices.Sorted(maps.Keys(out)) {
			e := out[next]
			if e.Size == Unresolved {
				continue
			}
			c := cur.cost + e.Size
			if v, seen := best[next]; seen && c >= v.cost {
				continue
			}
			best[next] = visit{cost: c, path: append(slices.Clip(cur.path), e.Tag)}
			queue = append(queue, next)
		}
	}
	v, found := best[dst]
	if !found {
		return 0, nil, false
	}
	return v.cost, v.path, true
}
