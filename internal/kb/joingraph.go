// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

package kb

import (
	"sort"
)

// # FK Join Graph

// FKEdge is one directed foreign-key relationship (child -> parent).
type FKEdge struct {
	FromTable      string `json:"from_table"`
	FromColumn     string `json:"from_column"`
	ToTable        string `json:"to_table"`
	ToColumn       string `json:"to_column"`
	ConstraintName string `json:"constraint_name"`
}

// JoinPathEdge is one hop of a join path. Column names the FK column on
// the From side of the hop.
type JoinPathEdge struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Column string `json:"column"`
}

// JoinPath is the shortest FK route between two tables.
type JoinPath struct {
	FromTable string         `json:"from_table"`
	ToTable   string         `json:"to_table"`
	Path      []string       `json:"path"`
	Edges     []JoinPathEdge `json:"edges"`
	Depth     int            `json:"depth"`
}

// JoinGraphDoc is the serialized form of the graph inside compiled rules.
type JoinGraphDoc struct {
	Nodes []string `json:"nodes"`
	Edges []FKEdge `json:"edges"`
}

// graphEdge is an adjacency entry. Forward edges carry the FK column on the
// child; reverse edges swap the column pair so traversal works both ways.
type graphEdge struct {
	to         string
	fromColumn string
	toColumn   string
	constraint string
}

// Graph is the undirected-traversable FK graph over qualified table names.
type Graph struct {
	nodes map[string]struct{}
	adj   map[string][]graphEdge
	fks   []FKEdge
}

// BuildGraph constructs the FK graph from an introspected snapshot.
//
// Every FK contributes two adjacency entries (child->parent and the
// reverse) so BFS can route through either side of a relationship. Only
// the child->parent direction is kept as a canonical FKEdge.
func BuildGraph(snapshot *Snapshot) *Graph {
	g := &Graph{
		nodes: make(map[string]struct{}, len(snapshot.Tables)),
		adj:   make(map[string][]graphEdge),
	}

	for qualified := range snapshot.Tables {
		g.nodes[qualified] = struct{}{}
	}

	for _, table := range sortedTables(snapshot) {
		child := table.QualifiedName()
		for _, fk := range table.ForeignKeys {
			parent := fk.RefSchema + "." + fk.RefTable

			g.fks = append(g.fks, FKEdge{
				FromTable:      child,
				FromColumn:     fk.Column,
				ToTable:        parent,
				ToColumn:       fk.RefColumn,
				ConstraintName: fk.ConstraintName,
			})

			g.adj[child] = append(g.adj[child], graphEdge{
				to: parent, fromColumn: fk.Column, toColumn: fk.RefColumn, constraint: fk.ConstraintName,
			})
			g.adj[parent] = append(g.adj[parent], graphEdge{
				to: child, fromColumn: fk.RefColumn, toColumn: fk.Column, constraint: fk.ConstraintName,
			})
		}
	}

	return g
}

// Nodes returns all qualified table names in stable order.
func (g *Graph) Nodes() []string {
	out := make([]string, 0, len(g.nodes))
	for node := range g.nodes {
		out = append(out, node)
	}
	sort.Strings(out)
	return out
}

// FKEdges returns the canonical child->parent edges.
func (g *Graph) FKEdges() []FKEdge {
	out := make([]FKEdge, len(g.fks))
	copy(out, g.fks)
	return out
}

// ComputeJoinPaths runs a BFS from every node and returns the shortest
// path to every reachable table within maxDepth hops, keyed "from->to".
func (g *Graph) ComputeJoinPaths(maxDepth int) map[string]JoinPath {
	paths := make(map[string]JoinPath)

	for _, source := range g.Nodes() {
		for target, path := range g.shortestPathsFrom(source, maxDepth) {
			paths[source+"->"+target] = path
		}
	}

	return paths
}

// shortestPathsFrom is a bounded BFS producing one JoinPath per reachable node.
func (g *Graph) shortestPathsFrom(source string, maxDepth int) map[string]JoinPath {
	type queueItem struct {
		node  string
		path  []string
		edges []JoinPathEdge
	}

	visited := map[string]struct{}{source: {}}
	queue := []queueItem{{node: source, path: []string{source}}}
	out := make(map[string]JoinPath)

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if len(current.edges) >= maxDepth {
			continue
		}

		neighbors := append([]graphEdge(nil), g.adj[current.node]...)
		sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].to < neighbors[j].to })

		for _, edge := range neighbors {
			if _, seen := visited[edge.to]; seen {
				continue
			}
			visited[edge.to] = struct{}{}

			path := append(append([]string(nil), current.path...), edge.to)
			edges := append(append([]JoinPathEdge(nil), current.edges...), JoinPathEdge{
				From:   current.node,
				To:     edge.to,
				Column: edge.fromColumn,
			})

			out[edge.to] = JoinPath{
				FromTable: source,
				ToTable:   edge.to,
				Path:      path,
				Edges:     edges,
				Depth:     len(edges),
			}

			queue = append(queue, queueItem{node: edge.to, path: path, edges: edges})
		}
	}

	return out
}

// sortedTables returns snapshot tables ordered by qualified name for
// deterministic artifact output.
func sortedTables(snapshot *Snapshot) []*Table {
	keys := make([]string, 0, len(snapshot.Tables))
	for key := range snapshot.Tables {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]*Table, 0, len(keys))
	for _, key := range keys {
		out = append(out, snapshot.Tables[key])
	}
	return out
}
