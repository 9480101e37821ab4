// Package graph holds the scan-graph and merged-graph types shared by the
// index, match, merge, and blast-radius subsystems (§3, §9 "cyclic graph
// shape").
package graph

// Node is one entity in a repository's scan graph.
type Node struct {
	ID       string                 `json:"id"`
	RepoID   string                 `json:"repoId"`
	Type     string                 `json:"type"`
	Name     string                 `json:"name"`
	FilePath string                 `json:"filePath"`
	Metadata map[string]interface{} `json:"metadata"`
}

// Edge is a directed edge within a single repo's scan graph.
type Edge struct {
	ID   string `json:"id"`
	From string `json:"fromNodeId"`
	To   string `json:"toNodeId"`
	Type string `json:"type"`
}

// Graph is one repository's scan graph as returned by ScanGraphStore.GetGraph.
type Graph struct {
	ScanID   string                 `json:"scanId"`
	RepoID   string                 `json:"repoId"`
	Nodes    map[string]Node        `json:"nodes"`
	Edges    map[string]Edge        `json:"edges"`
	Metadata map[string]interface{} `json:"metadata"`
}

// Reference is what an extractor (§4.A) produces from a single node.
type Reference struct {
	ExternalID      string                 `json:"externalId"`
	ReferenceType   ReferenceType          `json:"referenceType"`
	NormalizedID    string                 `json:"normalizedId"`
	Components      map[string]string      `json:"components,omitempty"`
	SourceAttribute string                 `json:"sourceAttribute"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

type ReferenceType string

const (
	ReferenceTypeArn          ReferenceType = "arn"
	ReferenceTypeResourceID   ReferenceType = "resource_id"
	ReferenceTypeK8sReference ReferenceType = "k8s_reference"
	ReferenceTypeGcpResource  ReferenceType = "gcp_resource"
	ReferenceTypeAzResource   ReferenceType = "azure_resource"
)

// ExternalObjectEntry is the indexed record held by the External Object
// Index (§3, §4.B).
type ExternalObjectEntry struct {
	ID            string                 `json:"id"`
	ExternalID    string                 `json:"externalId"`
	ReferenceType ReferenceType          `json:"referenceType"`
	NormalizedID  string                 `json:"normalizedId"`
	Tenant        string                 `json:"tenant"`
	RepositoryID  string                 `json:"repositoryId"`
	ScanID        string                 `json:"scanId"`
	NodeID        string                 `json:"nodeId"`
	NodeName      string                 `json:"nodeName"`
	NodeType      string                 `json:"nodeType"`
	FilePath      string                 `json:"filePath"`
	Components    map[string]string      `json:"components,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	IndexedAt     int64                  `json:"indexedAt"`
}

// MatchStrategy identifies which matcher produced a MatchResult.
type MatchStrategy string

const (
	StrategyArn        MatchStrategy = "arn"
	StrategyResourceID MatchStrategy = "resource_id"
	StrategyName       MatchStrategy = "name"
	StrategyTag        MatchStrategy = "tag"
)

// MatchResult is the canonical output of a matcher (§3, §4.C).
type MatchResult struct {
	SourceNodeID string        `json:"sourceNodeId"`
	SourceRepoID string        `json:"sourceRepoId"`
	TargetNodeID string        `json:"targetNodeId"`
	TargetRepoID string        `json:"targetRepoId"`
	Strategy     MatchStrategy `json:"strategy"`
	Confidence   float64       `json:"confidence"`
	Details      MatchDetails  `json:"details"`
}

type MatchDetails struct {
	MatchedAttribute string `json:"matchedAttribute"`
	SourceValue      string `json:"sourceValue"`
	TargetValue      string `json:"targetValue"`
}

// Canonicalize reorders a MatchResult so (sourceRepoId, sourceNodeId) is
// lexicographically ≤ (targetRepoId, targetNodeId), per §3's symmetry
// invariant. Strategy, confidence, and details.matched* fields are
// preserved; sourceValue/targetValue are swapped along with the endpoints.
func (m MatchResult) Canonicalize() MatchResult {
	if lessPair(m.TargetRepoID, m.TargetNodeID, m.SourceRepoID, m.SourceNodeID) {
		m.SourceRepoID, m.TargetRepoID = m.TargetRepoID, m.SourceRepoID
		m.SourceNodeID, m.TargetNodeID = m.TargetNodeID, m.SourceNodeID
		m.Details.SourceValue, m.Details.TargetValue = m.Details.TargetValue, m.Details.SourceValue
	}
	return m
}

func lessPair(repoA, nodeA, repoB, nodeB string) bool {
	if repoA != repoB {
		return repoA < repoB
	}
	return nodeA < nodeB
}

// CanonicalKey returns the deduplication key for a canonicalized match.
func (m MatchResult) CanonicalKey() string {
	c := m.Canonicalize()
	return c.SourceRepoID + "|" + c.SourceNodeID + "|" + c.TargetRepoID + "|" + c.TargetNodeID
}

// Location points at a merged node's source in one contributing repo.
type Location struct {
	RepoID    string `json:"repoId"`
	File      string `json:"file"`
	LineStart int    `json:"lineStart"`
	LineEnd   int    `json:"lineEnd"`
}

type MatchInfo struct {
	Strategy   MatchStrategy `json:"strategy"`
	Confidence float64       `json:"confidence"`
	MatchCount int           `json:"matchCount"`
}

// MergedNode is the Merge Engine's output unit (§3, §4.D).
type MergedNode struct {
	ID             string                 `json:"id"`
	Type           string                 `json:"type"`
	Name           string                 `json:"name"`
	SourceNodeIDs  []string               `json:"sourceNodeIds"`
	SourceRepoIDs  []string               `json:"sourceRepoIds"`
	Locations      []Location             `json:"locations"`
	Metadata       map[string]interface{} `json:"metadata"`
	MatchInfo      MatchInfo              `json:"matchInfo"`
}

// CrossRepoEdge is an edge lifted to the merged-node level (§4.D).
type CrossRepoEdge struct {
	FromMergedNodeID string  `json:"fromMergedNodeId"`
	ToMergedNodeID    string  `json:"toMergedNodeId"`
	Confidence        float64 `json:"confidence"`
}

// MergedGraph is the merge engine's full output, the input to persistence
// and the blast-radius engine.
type MergedGraph struct {
	Nodes map[string]MergedNode `json:"nodes"`
	Edges []CrossRepoEdge       `json:"edges"`
}
