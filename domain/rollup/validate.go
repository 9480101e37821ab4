package rollup

import (
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"

	svcerrors "github.com/ste-bah/rollup-engine/infrastructure/errors"
)

// Limits bounds the sizes Validate enforces. Populated from pkg/config.
type Limits struct {
	MaxRepositories int
	MaxMatchers     int
	MaxNameLength   int
}

// DefaultLimits mirrors the defaults a fresh RollupService would be
// constructed with absent any override.
func DefaultLimits() Limits {
	return Limits{MaxRepositories: 50, MaxMatchers: 20, MaxNameLength: 200}
}

// catastrophicPattern flags the nested-quantifier and ".*.*"-pair shapes
// called out in §4.C as likely-catastrophic-backtracking regexes.
var catastrophicPattern = regexp.MustCompile(`\([^)]*[+*]\)[+*]|(\.\*){2,}`)

// Validate runs the pure, side-effect-free checks §4.F requires before any
// persistence. It never mutates cfg and its classification is stable across
// repeated calls (invariant 2 in §8).
func Validate(cfg *Config, limits Limits) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return svcerrors.NewValidation("name", "must not be empty")
	}
	if len(cfg.Name) > limits.MaxNameLength {
		return svcerrors.NewValidation("name", "exceeds maximum length")
	}
	if len(cfg.RepositoryIDs) < 2 {
		return svcerrors.NewValidation("repositoryIds", "at least two repositories are required")
	}
	if len(cfg.RepositoryIDs) > limits.MaxRepositories {
		return svcerrors.NewValidation("repositoryIds", "exceeds maxRepositoriesPerRollup")
	}
	if len(cfg.Matchers) == 0 {
		return svcerrors.NewValidation("matchers", "at least one matcher is required")
	}
	if len(cfg.Matchers) > limits.MaxMatchers {
		return svcerrors.NewValidation("matchers", "exceeds maxMatchersPerRollup")
	}
	enabledCount := 0
	for _, m := range cfg.Matchers {
		if err := ValidateMatcher(m); err != nil {
			return err
		}
		if m.Base().Enabled {
			enabledCount++
		}
	}
	if cfg.RequiresExecutionInvariants() && enabledCount == 0 {
		return svcerrors.NewValidation("matchers", "at least one enabled matcher is required outside draft/archived status")
	}
	if cfg.Schedule != "" {
		if err := ValidateSchedule(cfg.Schedule); err != nil {
			return err
		}
	}
	if cfg.MergeOptions.MaxNodes <= 0 {
		return svcerrors.NewValidation("mergeOptions.maxNodes", "must be positive")
	}
	switch cfg.MergeOptions.ConflictResolution {
	case PreferHigherConfidence, PreferFirstSource, PreferLastSource, Union:
	default:
		return svcerrors.NewValidation("mergeOptions.conflictResolution", "unknown variant")
	}
	return nil
}

// ValidateMatcher validates a single MatcherConfig variant per §4.C.
func ValidateMatcher(m MatcherConfig) error {
	base := m.Base()
	if base.Priority < 0 || base.Priority > 100 {
		return svcerrors.NewValidation("priority", "must be in [0,100]")
	}
	if base.MinConfidence < 0 || base.MinConfidence > 100 {
		return svcerrors.NewValidation("minConfidence", "must be in [0,100]")
	}

	switch v := m.(type) {
	case *ArnMatcherConfig:
		if strings.TrimSpace(v.Pattern) == "" {
			return svcerrors.NewValidation("arn.pattern", "must not be empty")
		}
		if catastrophicPattern.MatchString(v.Pattern) {
			return svcerrors.NewValidation("arn.pattern", "pattern risks catastrophic backtracking")
		}
	case *ResourceIDMatcherConfig:
		if strings.TrimSpace(v.ResourceType) == "" {
			return svcerrors.NewValidation("resource_id.resourceType", "must not be empty")
		}
		if v.ExtractPattern != "" {
			if catastrophicPattern.MatchString(v.ExtractPattern) {
				return svcerrors.NewValidation("resource_id.extractPattern", "pattern risks catastrophic backtracking")
			}
			if _, err := regexp.Compile(v.ExtractPattern); err != nil {
				return svcerrors.NewValidation("resource_id.extractPattern", "invalid regular expression")
			}
		}
	case *NameMatcherConfig:
		if v.Pattern != "" && catastrophicPattern.MatchString(v.Pattern) {
			return svcerrors.NewValidation("name.pattern", "pattern risks catastrophic backtracking")
		}
		if v.FuzzyThreshold != nil && (*v.FuzzyThreshold < 0 || *v.FuzzyThreshold > 100) {
			return svcerrors.NewValidation("name.fuzzyThreshold", "must be in [0,100]")
		}
	case *TagMatcherConfig:
		if len(v.RequiredTags) == 0 {
			return svcerrors.NewValidation("tag.requiredTags", "must not be empty")
		}
		if v.MatchMode != TagMatchAll && v.MatchMode != TagMatchAny {
			return svcerrors.NewValidation("tag.matchMode", "must be \"all\" or \"any\"")
		}
		for _, rt := range v.RequiredTags {
			if rt.ValuePattern != "" && catastrophicPattern.MatchString(rt.ValuePattern) {
				return svcerrors.NewValidation("tag.requiredTags.valuePattern", "pattern risks catastrophic backtracking")
			}
		}
	default:
		return svcerrors.NewValidation("matcher", "unknown matcher variant")
	}
	return nil
}

// scheduleParser accepts either 5-field (standard) or 6-field (with seconds)
// cron strings, matching the "validated only by field count" rule in §3.
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ValidateSchedule confirms a cron string has 5 or 6 whitespace-separated
// fields and parses under that field count. It never schedules anything —
// invocation remains an external scheduler's responsibility per spec.md's
// Non-goals.
func ValidateSchedule(schedule string) error {
	fields := strings.Fields(schedule)
	if len(fields) != 5 && len(fields) != 6 {
		return svcerrors.NewConfiguration("schedule must have 5 or 6 fields")
	}
	if _, err := scheduleParser.Parse(schedule); err != nil {
		return svcerrors.NewConfiguration("schedule is not a valid cron expression: " + err.Error())
	}
	return nil
}
