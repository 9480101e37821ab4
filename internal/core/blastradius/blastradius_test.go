package blastradius

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ste-bah/rollup-engine/domain/graph"
)

func chainGraph(n int) graph.MergedGraph {
	nodes := make(map[string]graph.MergedNode, n)
	var edges []graph.CrossRepoEdge
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("n%d", i)
		nodes[id] = graph.MergedNode{ID: id, SourceRepoIDs: []string{"repoA"}}
	}
	for i := 0; i < n-1; i++ {
		edges = append(edges, graph.CrossRepoEdge{FromMergedNodeID: fmt.Sprintf("n%d", i), ToMergedNodeID: fmt.Sprintf("n%d", i+1)})
	}
	return graph.MergedGraph{Nodes: nodes, Edges: edges}
}

func TestDirectAndIndirectClassification(t *testing.T) {
	g := chainGraph(5) // n0-n1-n2-n3-n4
	result := Compute(g, Query{NodeIDs: []string{"n0"}})
	assert.ElementsMatch(t, []string{"n1"}, result.DirectImpact)
	assert.ElementsMatch(t, []string{"n2", "n3", "n4"}, result.IndirectImpact)
	assert.False(t, result.Truncated)
	assert.Equal(t, 4, result.Summary.TotalImpacted)
}

func TestMaxDepthLimitsTraversal(t *testing.T) {
	g := chainGraph(5)
	result := Compute(g, Query{NodeIDs: []string{"n0"}, MaxDepth: 1})
	assert.ElementsMatch(t, []string{"n1"}, result.DirectImpact)
	assert.Empty(t, result.IndirectImpact)
}

// scenario 6, scaled down for test speed: a 200-node chain with
// maxGraphNodes overridden to 50 — the engine must report truncated=true
// with totalImpacted pinned to exactly maxGraphNodes.
func TestBlastRadiusTruncation(t *testing.T) {
	g := chainGraph(200)
	result := Compute(g, Query{NodeIDs: []string{"n0"}, MaxGraphNodes: 50})
	assert.True(t, result.Truncated)
	assert.Equal(t, 50, result.Summary.TotalImpacted)
}

func TestCrossRepoImpactRecorded(t *testing.T) {
	g := graph.MergedGraph{
		Nodes: map[string]graph.MergedNode{
			"a": {ID: "a", SourceRepoIDs: []string{"repoA"}},
			"b": {ID: "b", SourceRepoIDs: []string{"repoB"}},
		},
		Edges: []graph.CrossRepoEdge{{FromMergedNodeID: "a", ToMergedNodeID: "b"}},
	}
	result := Compute(g, Query{NodeIDs: []string{"a"}, IncludeCrossRepo: true})
	assert.Contains(t, result.CrossRepoImpact, "b")
	assert.Equal(t, 1, result.Summary.CrossRepoCount)
}
