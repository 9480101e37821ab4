// Package merge implements the Merge Engine (§4.D): union-find over
// matched (repoId, nodeId) pairs, producing MergedNodes and cross-repo
// edges.
package merge

import (
	"encoding/hex"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/ste-bah/rollup-engine/domain/graph"
	"github.com/ste-bah/rollup-engine/domain/rollup"
	svcerrors "github.com/ste-bah/rollup-engine/infrastructure/errors"
)

// SourceNode is the graph.Node plus the repo it came from, keyed for
// lookups during metadata merge.
type SourceNode struct {
	RepoID   string
	NodeID   string
	Type     string
	Name     string
	Location graph.Location
	Metadata map[string]interface{}
}

type NodeKey struct {
	RepoID string
	NodeID string
}

// SourceEdge is a structural edge from one repo's scan graph, tagged with
// the repo it came from so its endpoints resolve to the right NodeKey.
type SourceEdge struct {
	RepoID string
	Edge   graph.Edge
}

// unionFind is a minimal disjoint-set structure over NodeKey.
type unionFind struct {
	parent map[NodeKey]NodeKey
	rank   map[NodeKey]int
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[NodeKey]NodeKey), rank: make(map[NodeKey]int)}
}

func (u *unionFind) find(x NodeKey) NodeKey {
	if _, ok := u.parent[x]; !ok {
		u.parent[x] = x
		return x
	}
	if u.parent[x] != x {
		u.parent[x] = u.find(u.parent[x])
	}
	return u.parent[x]
}

func (u *unionFind) union(a, b NodeKey) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if u.rank[ra] < u.rank[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	if u.rank[ra] == u.rank[rb] {
		u.rank[ra]++
	}
}

// Merge builds MergedNodes from matches over nodes, and lifts edges (each
// repo's structural Graph.Edges) to cross-repo edges between MergedNodes,
// per §4.D's algorithm.
func Merge(matches []graph.MatchResult, nodes map[NodeKey]SourceNode, edges []SourceEdge, opts rollup.MergeOptions, repositoryOrder []string) (graph.MergedGraph, error) {
	uf := newUnionFind()
	aboveThreshold := make([]graph.MatchResult, 0, len(matches))
	for _, m := range matches {
		c := m.Canonicalize()
		sk := NodeKey{RepoID: c.SourceRepoID, NodeID: c.SourceNodeID}
		tk := NodeKey{RepoID: c.TargetRepoID, NodeID: c.TargetNodeID}
		uf.find(sk)
		uf.find(tk)
		uf.union(sk, tk)
		aboveThreshold = append(aboveThreshold, c)
	}
	// Ensure every node present in the input set, even unmatched ones,
	// gets its own singleton component.
	for k := range nodes {
		pk := NodeKey{RepoID: k.RepoID, NodeID: k.NodeID}
		uf.find(pk)
	}

	components := make(map[NodeKey][]NodeKey)
	for k := range uf.parent {
		root := uf.find(k)
		components[root] = append(components[root], k)
	}

	if opts.MaxNodes > 0 && len(components) > opts.MaxNodes {
		return graph.MergedGraph{}, svcerrors.NewConfiguration("merge would produce more components than maxNodes allows")
	}

	matchesByPair := make(map[NodeKey][]graph.MatchResult)
	for _, m := range aboveThreshold {
		sk := NodeKey{RepoID: m.SourceRepoID, NodeID: m.SourceNodeID}
		tk := NodeKey{RepoID: m.TargetRepoID, NodeID: m.TargetNodeID}
		matchesByPair[sk] = append(matchesByPair[sk], m)
		matchesByPair[tk] = append(matchesByPair[tk], m)
	}

	repoPosition := make(map[string]int, len(repositoryOrder))
	for i, r := range repositoryOrder {
		repoPosition[r] = i
	}

	mergedNodes := make(map[string]graph.MergedNode, len(components))
	pairToMergedID := make(map[NodeKey]string, len(uf.parent))

	var roots []NodeKey
	for root := range components {
		roots = append(roots, root)
	}
	sort.Slice(roots, func(i, j int) bool { return lessNodeKey(roots[i], roots[j]) })

	for _, root := range roots {
		members := components[root]
		sort.Slice(members, func(i, j int) bool { return lessNodeKey(members[i], members[j]) })

		sourceNodeIDs := make([]string, 0, len(members))
		sourceRepoIDsSet := make(map[string]bool)
		var locations []graph.Location
		for _, m := range members {
			sourceNodeIDs = append(sourceNodeIDs, m.NodeID)
			sourceRepoIDsSet[m.RepoID] = true
			if sn, ok := nodes[m]; ok {
				locations = append(locations, sn.Location)
			}
		}
		sort.Strings(sourceNodeIDs)

		sourceRepoIDs := make([]string, 0, len(sourceRepoIDsSet))
		for r := range sourceRepoIDsSet {
			sourceRepoIDs = append(sourceRepoIDs, r)
		}
		sort.Strings(sourceRepoIDs)

		id := stableMergedID(sourceNodeIDs)

		var bestMatch graph.MatchResult
		matchCount := 0
		seenMatchKeys := make(map[string]bool)
		for _, m := range members {
			for _, match := range matchesByPair[m] {
				if seenMatchKeys[match.CanonicalKey()] {
					continue
				}
				seenMatchKeys[match.CanonicalKey()] = true
				matchCount++
				if match.Confidence > bestMatch.Confidence {
					bestMatch = match
				}
			}
		}

		winner, metadata := resolveMetadata(members, nodes, opts, repoPosition, bestMatch)

		mergedNodes[id] = graph.MergedNode{
			ID:            id,
			Type:          winner.Type,
			Name:          winner.Name,
			SourceNodeIDs: sourceNodeIDs,
			SourceRepoIDs: sourceRepoIDs,
			Locations:     locations,
			Metadata:      metadata,
			MatchInfo: graph.MatchInfo{
				Strategy:   bestMatch.Strategy,
				Confidence: bestMatch.Confidence,
				MatchCount: matchCount,
			},
		}
		for _, m := range members {
			pairToMergedID[m] = id
		}
	}

	var crossRepoEdges []graph.CrossRepoEdge
	if opts.CreateCrossRepoEdges {
		crossRepoEdges = liftCrossRepoEdges(edges, pairToMergedID)
	}

	return graph.MergedGraph{Nodes: mergedNodes, Edges: crossRepoEdges}, nil
}

// liftCrossRepoEdges walks each repo's structural edges and keeps the ones
// whose two endpoints landed in different MergedNodes; an edge whose
// endpoints were unified into the same component stays internal to that
// MergedNode and is dropped (§4.D).
func liftCrossRepoEdges(edges []SourceEdge, pairToMergedID map[NodeKey]string) []graph.CrossRepoEdge {
	seen := make(map[string]bool)
	var keys []string
	for _, se := range edges {
		fromKey := NodeKey{RepoID: se.RepoID, NodeID: se.Edge.From}
		toKey := NodeKey{RepoID: se.RepoID, NodeID: se.Edge.To}
		fromID, toID := pairToMergedID[fromKey], pairToMergedID[toKey]
		if fromID == "" || toID == "" || fromID == toID {
			continue
		}
		a, b := fromID, toID
		if b < a {
			a, b = b, a
		}
		key := a + "|" + b
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := make([]graph.CrossRepoEdge, 0, len(keys))
	for _, k := range keys {
		parts := strings.SplitN(k, "|", 2)
		out = append(out, graph.CrossRepoEdge{FromMergedNodeID: parts[0], ToMergedNodeID: parts[1], Confidence: 100})
	}
	return out
}

func lessNodeKey(a, b NodeKey) bool {
	if a.RepoID != b.RepoID {
		return a.RepoID < b.RepoID
	}
	return a.NodeID < b.NodeID
}

// stableMergedID derives MergedNode.id as a blake2b hash of the sorted
// sourceNodeIds, per §4.D's determinism requirement.
func stableMergedID(sortedSourceNodeIDs []string) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(strings.Join(sortedSourceNodeIDs, "\x00")))
	return "mn_" + hex.EncodeToString(h.Sum(nil))[:32]
}

func resolveMetadata(members []NodeKey, nodes map[NodeKey]SourceNode, opts rollup.MergeOptions, repoPosition map[string]int, best graph.MatchResult) (SourceNode, map[string]interface{}) {
	switch opts.ConflictResolution {
	case rollup.PreferFirstSource, rollup.PreferLastSource:
		sorted := make([]NodeKey, len(members))
		copy(sorted, members)
		sort.Slice(sorted, func(i, j int) bool {
			return repoPosition[sorted[i].RepoID] < repoPosition[sorted[j].RepoID]
		})
		idx := 0
		if opts.ConflictResolution == rollup.PreferLastSource {
			idx = len(sorted) - 1
		}
		winner := nodes[sorted[idx]]
		return winner, winner.Metadata
	case rollup.Union:
		return unionMetadata(members, nodes)
	default: // PreferHigherConfidence, and any unset/unknown value
		winnerKey := NodeKey{RepoID: best.SourceRepoID, NodeID: best.SourceNodeID}
		winner, ok := nodes[winnerKey]
		if !ok && len(members) > 0 {
			winner = nodes[members[0]]
		}
		return winner, winner.Metadata
	}
}

func unionMetadata(members []NodeKey, nodes map[NodeKey]SourceNode) (SourceNode, map[string]interface{}) {
	merged := make(map[string]interface{})
	var winner SourceNode
	for i, m := range members {
		sn, ok := nodes[m]
		if !ok {
			continue
		}
		if i == 0 {
			winner = sn
		}
		for k, v := range sn.Metadata {
			existing, ok := merged[k]
			if !ok {
				merged[k] = v
				continue
			}
			merged[k] = unionValue(existing, v)
		}
	}
	return winner, merged
}

func unionValue(existing, next interface{}) interface{} {
	if existing == next {
		return existing
	}
	arr, ok := existing.([]interface{})
	if !ok {
		arr = []interface{}{existing}
	}
	for _, v := range arr {
		if v == next {
			return arr
		}
	}
	return append(arr, next)
}
