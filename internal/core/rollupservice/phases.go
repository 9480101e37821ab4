package rollupservice

import (
	"context"
	"sync"

	"github.com/ste-bah/rollup-engine/domain/execution"
	"github.com/ste-bah/rollup-engine/domain/graph"
	"github.com/ste-bah/rollup-engine/domain/rollup"
	svcerrors "github.com/ste-bah/rollup-engine/infrastructure/errors"
	"github.com/ste-bah/rollup-engine/internal/core/extract"
	"github.com/ste-bah/rollup-engine/internal/core/match"
	"github.com/ste-bah/rollup-engine/internal/core/merge"
	"github.com/ste-bah/rollup-engine/internal/core/orchestrator"
	"github.com/ste-bah/rollup-engine/internal/ports"
)

// PhaseDeps bundles the collaborators RegisterPhases wires into the
// Execution Orchestrator's fetch→match→merge→store→callback pipeline
// (§4.G, §2 "data flow of a single execution").
type PhaseDeps struct {
	Store    ports.RollupStore
	Scans    ports.ScanGraphStore
	Registry *extract.Registry
}

// phaseWork holds the intermediate state threaded between one execution's
// phases: the nodes and structural edges fetched in PhaseFetch, the matches
// found in PhaseMatch, and the merged graph built in PhaseMerge.
type phaseWork struct {
	nodes        map[merge.NodeKey]merge.SourceNode
	edges        []merge.SourceEdge
	candidatesBy map[string][]match.Candidate
	repoOrder    []string
	matches      []graph.MatchResult
	merged       graph.MergedGraph
}

// phaseWorkTable caches phaseWork per execution for the lifetime of this
// process. A worker that resumes an execution after its own restart finds
// no cached entry and getOrBuild transparently rebuilds it from the scan
// graphs, so resuming at a non-fetch phase (§4.G's checkpoint rule) never
// depends on in-memory state surviving a crash.
type phaseWorkTable struct {
	mu   sync.Mutex
	byID map[string]*phaseWork
}

func newPhaseWorkTable() *phaseWorkTable {
	return &phaseWorkTable{byID: make(map[string]*phaseWork)}
}

func (t *phaseWorkTable) get(id string) (*phaseWork, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.byID[id]
	return w, ok
}

func (t *phaseWorkTable) set(id string, w *phaseWork) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[id] = w
}

func (t *phaseWorkTable) clear(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, id)
}

// getOrBuild returns the cached phaseWork for exec, rebuilding it by
// re-running the fetch step (and the match and merge steps whose
// checkpoints show they already ran) when this is the first phase to touch
// exec.ID in this process.
func (t *phaseWorkTable) getOrBuild(ctx context.Context, deps PhaseDeps, exec *execution.RollupExecution) (*phaseWork, error) {
	if w, ok := t.get(exec.ID); ok {
		return w, nil
	}
	w, err := buildFetchWork(ctx, deps, exec)
	if err != nil {
		return nil, err
	}
	t.set(exec.ID, w)
	done := -1
	if exec.Checkpoint != nil {
		done = exec.Checkpoint.Phase.Index()
	}
	if done >= execution.PhaseMatch.Index() {
		if err := matchPhase(deps, t)(ctx, exec); err != nil {
			t.clear(exec.ID)
			return nil, err
		}
	}
	if done >= execution.PhaseMerge.Index() {
		if err := mergePhase(deps, t)(ctx, exec); err != nil {
			t.clear(exec.ID)
			return nil, err
		}
	}
	return w, nil
}

// RegisterPhases constructs the five PhaseRunners that carry a
// RollupExecution through fetch→match→merge→store→callback and registers
// them on o. It is the wiring point between the orchestrator's generic
// phase loop and the index/match/merge subsystems (§4.G).
func RegisterPhases(o *orchestrator.Orchestrator, deps PhaseDeps) {
	work := newPhaseWorkTable()

	o.RegisterPhase(execution.PhaseFetch, fetchPhase(deps, work))
	o.RegisterPhase(execution.PhaseMatch, matchPhase(deps, work))
	o.RegisterPhase(execution.PhaseMerge, mergePhase(deps, work))
	o.RegisterPhase(execution.PhaseStore, storePhase(deps, work))
	o.RegisterPhase(execution.PhaseCallback, callbackPhase(work))
}

// buildFetchWork loads the RollupConfig, resolves each repository's scan
// graph (using exec.ScanIDs positionally where provided, otherwise the
// latest scan), and extracts references into match.Candidates and
// merge.SourceNodes (§4.A, §4.G step 1).
func buildFetchWork(ctx context.Context, deps PhaseDeps, exec *execution.RollupExecution) (*phaseWork, error) {
	cfg, ok, err := deps.Store.GetRollup(ctx, exec.Tenant, exec.RollupID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, svcerrors.NewNotFound("rollup", exec.RollupID)
	}

	w := &phaseWork{
		nodes:        make(map[merge.NodeKey]merge.SourceNode),
		candidatesBy: make(map[string][]match.Candidate),
		repoOrder:    cfg.RepositoryIDs,
	}

	nodesProcessed := 0
	for i, repoID := range cfg.RepositoryIDs {
		scanID := ""
		if i < len(exec.ScanIDs) {
			scanID = exec.ScanIDs[i]
		}
		if scanID == "" {
			resolved, found, err := deps.Scans.GetLatestScan(ctx, exec.Tenant, repoID)
			if err != nil {
				return nil, err
			}
			if !found {
				return nil, svcerrors.NewNotFound("scan", repoID)
			}
			scanID = resolved
		}

		g, err := deps.Scans.GetGraph(ctx, exec.Tenant, scanID)
		if err != nil {
			return nil, err
		}

		for _, node := range g.Nodes {
			key := merge.NodeKey{RepoID: repoID, NodeID: node.ID}
			w.nodes[key] = merge.SourceNode{
				RepoID:   repoID,
				NodeID:   node.ID,
				Type:     node.Type,
				Name:     node.Name,
				Location: graph.Location{RepoID: repoID, File: node.FilePath},
				Metadata: node.Metadata,
			}
			w.candidatesBy[repoID] = append(w.candidatesBy[repoID], match.Candidate{
				RepoID:     repoID,
				NodeID:     node.ID,
				References: deps.Registry.Extract(node),
				Tags:       tagsFromMetadata(node.Metadata),
			})
			nodesProcessed++
		}
		for _, e := range g.Edges {
			w.edges = append(w.edges, merge.SourceEdge{RepoID: repoID, Edge: e})
		}
	}

	exec.Progress.TotalScans = len(cfg.RepositoryIDs)
	exec.Progress.ScansProcessed = len(cfg.RepositoryIDs)
	exec.Progress.NodesProcessed = nodesProcessed
	return w, nil
}

func fetchPhase(deps PhaseDeps, work *phaseWorkTable) orchestrator.PhaseRunner {
	return func(ctx context.Context, exec *execution.RollupExecution) error {
		w, err := buildFetchWork(ctx, deps, exec)
		if err != nil {
			return err
		}
		work.set(exec.ID, w)
		return nil
	}
}

// tagsFromMetadata reads a "tags" map out of raw node metadata for the tag
// matcher (§4.C); nodes with no tags metadata simply have no tag candidates.
func tagsFromMetadata(metadata map[string]interface{}) map[string]string {
	raw, ok := metadata["tags"].(map[string]interface{})
	if !ok {
		return nil
	}
	tags := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			tags[k] = s
		}
	}
	return tags
}

func rollupConfig(ctx context.Context, deps PhaseDeps, exec *execution.RollupExecution) (rollup.Config, error) {
	cfg, ok, err := deps.Store.GetRollup(ctx, exec.Tenant, exec.RollupID)
	if err != nil {
		return rollup.Config{}, err
	}
	if !ok {
		return rollup.Config{}, svcerrors.NewNotFound("rollup", exec.RollupID)
	}
	return cfg, nil
}

// matchPhase runs every enabled matcher over every pair of repositories
// fetched in PhaseFetch (§4.C).
func matchPhase(deps PhaseDeps, work *phaseWorkTable) orchestrator.PhaseRunner {
	return func(ctx context.Context, exec *execution.RollupExecution) error {
		w, err := work.getOrBuild(ctx, deps, exec)
		if err != nil {
			return err
		}
		cfg, err := rollupConfig(ctx, deps, exec)
		if err != nil {
			return err
		}

		var matches []graph.MatchResult
		for i := 0; i < len(w.repoOrder); i++ {
			for j := i + 1; j < len(w.repoOrder); j++ {
				source := w.candidatesBy[w.repoOrder[i]]
				target := w.candidatesBy[w.repoOrder[j]]
				matches = append(matches, match.Run(source, target, &cfg)...)
			}
		}

		w.matches = matches
		exec.Progress.MatchesFound = len(matches)
		return nil
	}
}

// mergePhase resolves the RollupConfig's merge options and runs the Merge
// Engine over the matches and structural edges gathered so far (§4.D).
func mergePhase(deps PhaseDeps, work *phaseWorkTable) orchestrator.PhaseRunner {
	return func(ctx context.Context, exec *execution.RollupExecution) error {
		w, err := work.getOrBuild(ctx, deps, exec)
		if err != nil {
			return err
		}
		cfg, err := rollupConfig(ctx, deps, exec)
		if err != nil {
			return err
		}

		merged, err := merge.Merge(w.matches, w.nodes, w.edges, cfg.MergeOptions, w.repoOrder)
		if err != nil {
			return err
		}
		w.merged = merged

		mergedIDs := make([]string, 0, len(merged.Nodes))
		for id := range merged.Nodes {
			mergedIDs = append(mergedIDs, id)
		}
		exec.PartialResults = &execution.PartialResults{
			NodesProcessed: exec.Progress.NodesProcessed,
			MatchesFound:   exec.Progress.MatchesFound,
			MergedNodeIDs:  mergedIDs,
			Phase:          execution.PhaseMerge,
		}
		return nil
	}
}

// storePhase persists the merged graph via the ScanGraphStore port (§4.D,
// §6).
func storePhase(deps PhaseDeps, work *phaseWorkTable) orchestrator.PhaseRunner {
	return func(ctx context.Context, exec *execution.RollupExecution) error {
		w, err := work.getOrBuild(ctx, deps, exec)
		if err != nil {
			return err
		}
		return deps.Scans.PersistMergedGraph(ctx, exec.Tenant, exec.ID, w.merged)
	}
}

// callbackPhase is the pipeline's final step: it finalizes the execution's
// progress counters and releases the in-process working set. The
// orchestrator itself emits rollup.execution.completed once every phase,
// including this one, has returned (§4.G, §4.I).
func callbackPhase(work *phaseWorkTable) orchestrator.PhaseRunner {
	return func(ctx context.Context, exec *execution.RollupExecution) error {
		if w, ok := work.get(exec.ID); ok {
			exec.Progress.MatchesFound = len(w.matches)
		}
		work.clear(exec.ID)
		return nil
	}
}
