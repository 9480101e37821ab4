// Package match implements the Matchers subsystem (§4.C): pure functions
// that compare two sets of extracted references and emit MatchResults.
package match

import (
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/ste-bah/rollup-engine/domain/graph"
	"github.com/ste-bah/rollup-engine/domain/rollup"
)

// Candidate is one side of a match comparison: a node plus the references
// extracted from it.
type Candidate struct {
	RepoID     string
	NodeID     string
	References []graph.Reference
	Tags       map[string]string
}

// Matcher runs one matcher strategy over a source/target candidate set.
type Matcher interface {
	Match(source, target []Candidate, base rollup.MatcherBase) []graph.MatchResult
}

// Run executes every enabled matcher in cfg.Matchers, priority-ordered
// (ties in declaration order), dedups canonicalized pairs keeping the
// highest confidence, and drops results under the matcher's minConfidence.
func Run(source, target []Candidate, cfg *rollup.Config) []graph.MatchResult {
	matchers := cfg.EnabledMatchers()
	sort.SliceStable(matchers, func(i, j int) bool {
		return matchers[i].Base().Priority > matchers[j].Base().Priority
	})

	best := make(map[string]graph.MatchResult)
	order := make(map[string]int) // canonical key -> winning matcher priority, for tie-break bookkeeping
	for _, mcfg := range matchers {
		base := *mcfg.Base()
		results := dispatch(mcfg, source, target)
		for _, r := range results {
			if r.Confidence < float64(base.MinConfidence) {
				continue
			}
			c := r.Canonicalize()
			key := c.CanonicalKey()
			if existing, ok := best[key]; ok {
				if c.Confidence <= existing.Confidence {
					continue
				}
			}
			best[key] = c
			order[key] = base.Priority
		}
	}

	out := make([]graph.MatchResult, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CanonicalKey() < out[j].CanonicalKey()
	})
	return out
}

func dispatch(cfg rollup.MatcherConfig, source, target []Candidate) []graph.MatchResult {
	switch c := cfg.(type) {
	case *rollup.ArnMatcherConfig:
		return MatchArn(source, target, c)
	case *rollup.ResourceIDMatcherConfig:
		return MatchResourceID(source, target, c)
	case *rollup.NameMatcherConfig:
		return MatchName(source, target, c)
	case *rollup.TagMatcherConfig:
		return MatchTag(source, target, c)
	default:
		return nil
	}
}

func refsByType(c Candidate, rt graph.ReferenceType) []graph.Reference {
	var out []graph.Reference
	for _, r := range c.References {
		if r.ReferenceType == rt {
			out = append(out, r)
		}
	}
	return out
}

func emit(s, t Candidate, strategy graph.MatchStrategy, confidence float64, attr, sv, tv string) graph.MatchResult {
	return graph.MatchResult{
		SourceNodeID: s.NodeID, SourceRepoID: s.RepoID,
		TargetNodeID: t.NodeID, TargetRepoID: t.RepoID,
		Strategy: strategy, Confidence: clampConfidence(confidence),
		Details: graph.MatchDetails{MatchedAttribute: attr, SourceValue: sv, TargetValue: tv},
	}
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}

// MatchArn implements the ARN confidence ladder from §4.C.
func MatchArn(source, target []Candidate, cfg *rollup.ArnMatcherConfig) []graph.MatchResult {
	var results []graph.MatchResult
	for _, s := range source {
		for _, sr := range refsByType(s, graph.ReferenceTypeArn) {
			for _, t := range target {
				for _, tr := range refsByType(t, graph.ReferenceTypeArn) {
					if conf, ok := arnConfidence(sr, tr, cfg); ok {
						results = append(results, emit(s, t, graph.StrategyArn, conf, "arn", sr.ExternalID, tr.ExternalID))
					}
				}
			}
		}
	}
	return results
}

func arnConfidence(sr, tr graph.Reference, cfg *rollup.ArnMatcherConfig) (float64, bool) {
	if sr.NormalizedID == tr.NormalizedID {
		return 100, true
	}

	equal := 0
	total := 0
	onlyRegionAccountDiffer := true
	anyRegionOrAccountDiffers := false
	for _, key := range []string{"partition", "service", "region", "account", "resource"} {
		sv, sok := sr.Components[key]
		tv, tok := tr.Components[key]
		if !sok || !tok {
			continue
		}
		total++
		if sv == tv {
			equal++
			continue
		}
		if key == "region" || key == "account" {
			anyRegionOrAccountDiffers = true
		} else {
			onlyRegionAccountDiffer = false
		}
	}
	if total > 0 && onlyRegionAccountDiffer && anyRegionOrAccountDiffers {
		return 90, true
	}

	if cfg.Pattern != "" {
		if matchGlob(cfg.Pattern, sr.ExternalID) && matchGlob(cfg.Pattern, tr.ExternalID) {
			return 80, true
		}
	}

	if cfg.AllowPartial && total > 0 {
		ratio := float64(equal) / float64(total)
		if ratio > 0 {
			return 60 + ratio*15, true
		}
	}
	return 0, false
}

func matchGlob(pattern, value string) bool {
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

// MatchResourceID implements §4.C's resource-id confidence ladder.
func MatchResourceID(source, target []Candidate, cfg *rollup.ResourceIDMatcherConfig) []graph.MatchResult {
	var extractRe *regexp.Regexp
	if cfg.ExtractPattern != "" {
		extractRe = regexp.MustCompile(cfg.ExtractPattern)
	}

	var results []graph.MatchResult
	for _, s := range source {
		for _, sr := range refsByType(s, graph.ReferenceTypeResourceID) {
			for _, t := range target {
				for _, tr := range refsByType(t, graph.ReferenceTypeResourceID) {
					if conf, ok := resourceIDConfidence(sr, tr, extractRe); ok {
						results = append(results, emit(s, t, graph.StrategyResourceID, conf, "resourceId", sr.ExternalID, tr.ExternalID))
					}
				}
			}
		}
	}
	return results
}

func resourceIDConfidence(sr, tr graph.Reference, extractRe *regexp.Regexp) (float64, bool) {
	if sr.NormalizedID == tr.NormalizedID {
		return 95, true
	}
	if strings.EqualFold(stripProviderPrefix(sr.ExternalID), stripProviderPrefix(tr.ExternalID)) {
		return 85, true
	}
	if extractRe != nil {
		sm := extractRe.FindStringSubmatch(sr.ExternalID)
		tm := extractRe.FindStringSubmatch(tr.ExternalID)
		if len(sm) > 0 && len(tm) > 0 && sm[0] == tm[0] {
			return 75, true
		}
	}
	return 0, false
}

func stripProviderPrefix(raw string) string {
	for _, prefix := range []string{"aws_", "google_", "azurerm_"} {
		if strings.HasPrefix(raw, prefix) {
			return strings.TrimPrefix(raw, prefix)
		}
	}
	return raw
}

// MatchName implements §4.C's name confidence ladder, including the
// Levenshtein-ratio fuzzy tier.
func MatchName(source, target []Candidate, cfg *rollup.NameMatcherConfig) []graph.MatchResult {
	var results []graph.MatchResult
	for _, s := range source {
		for _, sr := range refsByType(s, graph.ReferenceType("name")) {
			for _, t := range target {
				for _, tr := range refsByType(t, graph.ReferenceType("name")) {
					if conf, ok := nameConfidence(sr, tr, cfg); ok {
						results = append(results, emit(s, t, graph.StrategyName, conf, "name", sr.ExternalID, tr.ExternalID))
					}
				}
			}
		}
	}
	return results
}

func nameConfidence(sr, tr graph.Reference, cfg *rollup.NameMatcherConfig) (float64, bool) {
	sv, tv := sr.NormalizedID, tr.NormalizedID
	if sv == tv {
		conf := 80.0
		if cfg.IncludeNamespace {
			conf += 10
		}
		return clampConfidence(conf), true
	}
	if cfg.FuzzyThreshold != nil {
		ratio := levenshteinRatio(sv, tv)
		threshold := float64(*cfg.FuzzyThreshold) / 100
		if ratio >= threshold {
			return ratio * 100, true
		}
	}
	return 0, false
}

func levenshteinRatio(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(maxLen)
}

// MatchTag implements §4.C's tag confidence ladder.
func MatchTag(source, target []Candidate, cfg *rollup.TagMatcherConfig) []graph.MatchResult {
	ignore := make(map[string]bool, len(cfg.IgnoreTags))
	for _, k := range cfg.IgnoreTags {
		ignore[strings.ToLower(k)] = true
	}

	var results []graph.MatchResult
	for _, s := range source {
		for _, t := range target {
			if conf, ok := tagConfidence(s.Tags, t.Tags, cfg, ignore); ok {
				results = append(results, emit(s, t, graph.StrategyTag, conf, "tags", "", ""))
			}
		}
	}
	return results
}

func tagConfidence(sourceTags, targetTags map[string]string, cfg *rollup.TagMatcherConfig, ignore map[string]bool) (float64, bool) {
	matched := 0
	penalty := 0.0
	for _, req := range cfg.RequiredTags {
		if ignore[strings.ToLower(req.Key)] {
			continue
		}
		sv, sok := lookupTag(sourceTags, req.Key)
		tv, tok := lookupTag(targetTags, req.Key)
		if !sok || !tok {
			continue
		}
		switch {
		case req.Value != "" && sv == req.Value && tv == req.Value:
			matched++
		case req.ValuePattern != "":
			re, err := regexp.Compile("(?i)" + req.ValuePattern)
			if err == nil && re.MatchString(sv) && re.MatchString(tv) {
				matched++
				penalty += 5
			}
		case req.Value == "" && req.ValuePattern == "" && sv == tv:
			matched++
		}
	}

	if matched == 0 {
		return 0, false
	}

	required := 0
	for _, req := range cfg.RequiredTags {
		if !ignore[strings.ToLower(req.Key)] {
			required++
		}
	}

	var base float64
	switch cfg.MatchMode {
	case rollup.TagMatchAll:
		if matched < required {
			return 0, false
		}
		base = 85
	case rollup.TagMatchAny:
		base = 70
	default:
		return 0, false
	}
	return base - penalty, true
}

func lookupTag(tags map[string]string, key string) (string, bool) {
	v, ok := tags[key]
	return v, ok
}
