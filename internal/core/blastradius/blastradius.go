// Package blastradius implements the Blast-Radius Engine (§4.E): BFS over
// a merged graph's reverse-adjacency from a seed set.
package blastradius

import (
	"github.com/ste-bah/rollup-engine/domain/graph"
)

const (
	DefaultMaxDepth      = 50
	DefaultMaxGraphNodes = 100000
)

// Query mirrors the Compute contract's input shape (§4.E). MaxGraphNodes
// overrides DefaultMaxGraphNodes when set; tests use this to exercise
// truncation without constructing a 100,000-node graph.
type Query struct {
	NodeIDs          []string
	MaxDepth         int
	IncludeCrossRepo bool
	MaxGraphNodes    int
}

// Summary is the aggregate count block returned alongside the impact sets.
type Summary struct {
	TotalImpacted int `json:"totalImpacted"`
	DirectCount   int `json:"directCount"`
	IndirectCount int `json:"indirectCount"`
	CrossRepoCount int `json:"crossRepoCount"`
}

// Result is the Blast-Radius Engine's output (§4.E).
type Result struct {
	DirectImpact    []string `json:"directImpact"`
	IndirectImpact  []string `json:"indirectImpact"`
	CrossRepoImpact []string `json:"crossRepoImpact"`
	Summary         Summary  `json:"summary"`
	Truncated       bool     `json:"truncated"`
}

// reverseAdjacency maps a merged node id to the merged node ids of edges
// pointing at it.
func reverseAdjacency(g graph.MergedGraph) map[string][]string {
	adj := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		adj[e.ToMergedNodeID] = append(adj[e.ToMergedNodeID], e.FromMergedNodeID)
		adj[e.FromMergedNodeID] = append(adj[e.FromMergedNodeID], e.ToMergedNodeID)
	}
	return adj
}

// Compute runs BFS from query.NodeIDs over g's reverse-adjacency, classifying
// depth-1 hits as direct, deeper hits as indirect, and any traversed edge
// crossing sourceRepoIds as cross-repo (§4.E).
func Compute(g graph.MergedGraph, query Query) Result {
	maxDepth := query.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	maxGraphNodes := query.MaxGraphNodes
	if maxGraphNodes <= 0 {
		maxGraphNodes = DefaultMaxGraphNodes
	}

	adj := reverseAdjacency(g)
	seeds := make(map[string]bool, len(query.NodeIDs))
	for _, id := range query.NodeIDs {
		seeds[id] = true
	}

	visited := make(map[string]int) // node id -> depth
	for _, id := range query.NodeIDs {
		visited[id] = 0
	}

	type frontierEntry struct {
		id    string
		depth int
	}
	queue := make([]frontierEntry, 0, len(query.NodeIDs))
	for _, id := range query.NodeIDs {
		queue = append(queue, frontierEntry{id: id, depth: 0})
	}

	var direct, indirect, crossRepo []string
	crossRepoSeen := make(map[string]bool)
	truncated := false

	for len(queue) > 0 {
		head := queue[0]
		queue = queue[1:]

		if head.depth >= maxDepth {
			continue
		}

		for _, neighbor := range adj[head.id] {
			if len(visited) >= maxGraphNodes {
				truncated = true
				break
			}
			depth := head.depth + 1
			if existing, seen := visited[neighbor]; seen && existing <= depth {
				continue
			}
			visited[neighbor] = depth

			if depth == 1 {
				direct = append(direct, neighbor)
			} else {
				indirect = append(indirect, neighbor)
			}

			if query.IncludeCrossRepo && crossesRepo(g, head.id, neighbor) && !crossRepoSeen[neighbor] {
				crossRepoSeen[neighbor] = true
				crossRepo = append(crossRepo, neighbor)
			}

			queue = append(queue, frontierEntry{id: neighbor, depth: depth})
		}
		if truncated {
			break
		}
	}

	totalImpacted := len(direct) + len(indirect)
	if truncated {
		totalImpacted = maxGraphNodes
	}

	return Result{
		DirectImpact:    direct,
		IndirectImpact:  indirect,
		CrossRepoImpact: crossRepo,
		Summary: Summary{
			TotalImpacted:  totalImpacted,
			DirectCount:    len(direct),
			IndirectCount:  len(indirect),
			CrossRepoCount: len(crossRepo),
		},
		Truncated: truncated,
	}
}

func crossesRepo(g graph.MergedGraph, fromID, toID string) bool {
	from, fok := g.Nodes[fromID]
	to, tok := g.Nodes[toID]
	if !fok || !tok {
		return false
	}
	fromRepos := make(map[string]bool, len(from.SourceRepoIDs))
	for _, r := range from.SourceRepoIDs {
		fromRepos[r] = true
	}
	for _, r := range to.SourceRepoIDs {
		if !fromRepos[r] {
			return true
		}
	}
	return false
}
