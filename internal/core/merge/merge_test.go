package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ste-bah/rollup-engine/domain/graph"
	"github.com/ste-bah/rollup-engine/domain/rollup"
)

func sampleMatch() graph.MatchResult {
	return graph.MatchResult{
		SourceNodeID: "X", SourceRepoID: "repoA",
		TargetNodeID: "Y", TargetRepoID: "repoB",
		Strategy: graph.StrategyArn, Confidence: 100,
	}
}

func sampleNodes() map[NodeKey]SourceNode {
	return map[NodeKey]SourceNode{
		{RepoID: "repoA", NodeID: "X"}: {RepoID: "repoA", NodeID: "X", Type: "aws_s3_bucket", Name: "foo"},
		{RepoID: "repoB", NodeID: "Y"}: {RepoID: "repoB", NodeID: "Y", Type: "aws_s3_bucket", Name: "foo"},
	}
}

// scenario 2 from the testable-properties seed list, continued: merge
// produces exactly one MergedNode with sourceNodeIds=[X,Y] and confidence
// carried through from the match.
func TestArnMatchProducesOneMergedNode(t *testing.T) {
	opts := rollup.MergeOptions{ConflictResolution: rollup.PreferHigherConfidence, MaxNodes: 10}
	result, err := Merge([]graph.MatchResult{sampleMatch()}, sampleNodes(), nil, opts, []string{"repoA", "repoB"})
	require.NoError(t, err)
	require.Len(t, result.Nodes, 1)

	var node graph.MergedNode
	for _, n := range result.Nodes {
		node = n
	}
	assert.ElementsMatch(t, []string{"X", "Y"}, node.SourceNodeIDs)
	assert.Equal(t, 100.0, node.MatchInfo.Confidence)
}

func TestMergeIsDeterministic(t *testing.T) {
	opts := rollup.MergeOptions{ConflictResolution: rollup.PreferHigherConfidence, MaxNodes: 10}
	r1, err := Merge([]graph.MatchResult{sampleMatch()}, sampleNodes(), nil, opts, []string{"repoA", "repoB"})
	require.NoError(t, err)
	r2, err := Merge([]graph.MatchResult{sampleMatch()}, sampleNodes(), nil, opts, []string{"repoA", "repoB"})
	require.NoError(t, err)

	ids1 := mergedIDs(r1)
	ids2 := mergedIDs(r2)
	assert.Equal(t, ids1, ids2)
}

func mergedIDs(g graph.MergedGraph) []string {
	var ids []string
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	return ids
}

func TestMergeFailsWhenExceedingMaxNodes(t *testing.T) {
	nodes := map[NodeKey]SourceNode{
		{RepoID: "repoA", NodeID: "A"}: {RepoID: "repoA", NodeID: "A"},
		{RepoID: "repoB", NodeID: "B"}: {RepoID: "repoB", NodeID: "B"},
		{RepoID: "repoC", NodeID: "C"}: {RepoID: "repoC", NodeID: "C"},
	}
	opts := rollup.MergeOptions{MaxNodes: 1}
	_, err := Merge(nil, nodes, nil, opts, nil)
	assert.Error(t, err)
}

func TestMergeUnionConflictResolution(t *testing.T) {
	nodes := map[NodeKey]SourceNode{
		{RepoID: "repoA", NodeID: "X"}: {RepoID: "repoA", NodeID: "X", Metadata: map[string]interface{}{"owner": "teamA"}},
		{RepoID: "repoB", NodeID: "Y"}: {RepoID: "repoB", NodeID: "Y", Metadata: map[string]interface{}{"owner": "teamB"}},
	}
	opts := rollup.MergeOptions{ConflictResolution: rollup.Union, MaxNodes: 10}
	result, err := Merge([]graph.MatchResult{sampleMatch()}, nodes, nil, opts, []string{"repoA", "repoB"})
	require.NoError(t, err)
	require.Len(t, result.Nodes, 1)

	var node graph.MergedNode
	for _, n := range result.Nodes {
		node = n
	}
	owners, ok := node.Metadata["owner"].([]interface{})
	require.True(t, ok)
	assert.ElementsMatch(t, []interface{}{"teamA", "teamB"}, owners)
}

func TestCrossRepoEdgeEmittedWhenEnabled(t *testing.T) {
	nodes := map[NodeKey]SourceNode{
		{RepoID: "repoA", NodeID: "X"}: {RepoID: "repoA", NodeID: "X"},
		{RepoID: "repoB", NodeID: "Y"}: {RepoID: "repoB", NodeID: "Y"},
		{RepoID: "repoC", NodeID: "Z"}: {RepoID: "repoC", NodeID: "Z"},
	}
	// X-Y match puts them in one merged node; Z stays its own component.
	// repoA's structural edge X->Z straddles the two post-merge components,
	// so it should be lifted to a CrossRepoEdge between them.
	edges := []SourceEdge{
		{RepoID: "repoA", Edge: graph.Edge{ID: "e1", From: "X", To: "Z", Type: "references"}},
	}
	opts := rollup.MergeOptions{ConflictResolution: rollup.PreferHigherConfidence, MaxNodes: 10, CreateCrossRepoEdges: true}
	result, err := Merge([]graph.MatchResult{sampleMatch()}, nodes, edges, opts, []string{"repoA", "repoB", "repoC"})
	require.NoError(t, err)
	assert.Len(t, result.Nodes, 2) // {X,Y} merged, Z alone
	require.Len(t, result.Edges, 1)

	var xyID, zID string
	for id, n := range result.Nodes {
		if len(n.SourceNodeIDs) == 2 {
			xyID = id
		} else {
			zID = id
		}
	}
	edge := result.Edges[0]
	assert.ElementsMatch(t, []string{xyID, zID}, []string{edge.FromMergedNodeID, edge.ToMergedNodeID})
}

func TestCrossRepoEdgeOmittedWhenBothEndpointsInSameMergedNode(t *testing.T) {
	nodes := map[NodeKey]SourceNode{
		{RepoID: "repoA", NodeID: "X"}: {RepoID: "repoA", NodeID: "X"},
		{RepoID: "repoB", NodeID: "Y"}: {RepoID: "repoB", NodeID: "Y"},
	}
	edges := []SourceEdge{
		{RepoID: "repoA", Edge: graph.Edge{ID: "e1", From: "X", To: "X", Type: "self"}},
	}
	opts := rollup.MergeOptions{ConflictResolution: rollup.PreferHigherConfidence, MaxNodes: 10, CreateCrossRepoEdges: true}
	result, err := Merge([]graph.MatchResult{sampleMatch()}, nodes, edges, opts, []string{"repoA", "repoB"})
	require.NoError(t, err)
	assert.Empty(t, result.Edges)
}
