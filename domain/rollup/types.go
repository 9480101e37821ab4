// Package rollup holds the RollupConfig aggregate: matcher configuration,
// merge options, and the validation rules that govern both.
package rollup

import "time"

// Status is the lifecycle state of a RollupConfig.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusActive     Status = "active"
	StatusExecuting  Status = "executing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusArchived   Status = "archived"
)

// ConflictResolution picks how the merge engine resolves metadata collisions
// across sources in a single merged component.
type ConflictResolution string

const (
	PreferHigherConfidence ConflictResolution = "preferHigherConfidence"
	PreferFirstSource      ConflictResolution = "preferFirstSource"
	PreferLastSource       ConflictResolution = "preferLastSource"
	Union                  ConflictResolution = "union"
)

// MergeOptions controls how the Merge Engine (4.D) turns matched pairs into
// MergedNodes.
type MergeOptions struct {
	ConflictResolution  ConflictResolution `json:"conflictResolution"`
	PreserveSourceInfo  bool               `json:"preserveSourceInfo"`
	CreateCrossRepoEdges bool              `json:"createCrossRepoEdges"`
	MaxNodes            int                `json:"maxNodes"`
}

// Config is the RollupConfig aggregate (§3).
type Config struct {
	RollupID       string          `json:"rollupId"`
	Tenant         string          `json:"tenant"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	CreatedBy      string          `json:"createdBy"`
	UpdatedBy      string          `json:"updatedBy"`
	RepositoryIDs  []string        `json:"repositoryIds"`
	Matchers       []MatcherConfig `json:"matchers"`
	MergeOptions   MergeOptions    `json:"mergeOptions"`
	Schedule       string          `json:"schedule,omitempty"`
	Status         Status          `json:"status"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// EnabledMatchers returns the subset of Matchers with Enabled == true.
func (c *Config) EnabledMatchers() []MatcherConfig {
	out := make([]MatcherConfig, 0, len(c.Matchers))
	for _, m := range c.Matchers {
		if m.Base().Enabled {
			out = append(out, m)
		}
	}
	return out
}

// RequiresExecutionInvariants reports whether c is in a status that must
// satisfy the "≥2 repos, ≥1 enabled matcher" invariant from §3.
func (c *Config) RequiresExecutionInvariants() bool {
	switch c.Status {
	case StatusDraft, StatusArchived:
		return false
	default:
		return true
	}
}
