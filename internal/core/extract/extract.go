// Package extract implements the ID Normalizers & Extractors subsystem
// (§4.A): stateless, pure functions that pull external-system references
// out of a scan-graph node.
package extract

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ste-bah/rollup-engine/domain/graph"
)

// Extractor produces zero or more References from a single node. Extractors
// are stateless and must never mutate the node.
type Extractor interface {
	Extract(node graph.Node) []graph.Reference
}

// providerPrefixes are stripped by the resource-id normalizer when
// options.normalize is requested (§4.A).
var providerPrefixes = []string{"aws_", "google_", "azurerm_"}

// ArnExtractor pulls an "arn" attribute out of node metadata and emits a
// single canonicalized ARN reference.
type ArnExtractor struct {
	MetadataPath string // gjson path within node.Metadata, default "arn"
}

func (e ArnExtractor) Extract(node graph.Node) []graph.Reference {
	path := e.MetadataPath
	if path == "" {
		path = "arn"
	}
	raw, ok := lookupMetadata(node.Metadata, path)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	components, normalized, ok := NormalizeArn(raw)
	if !ok {
		return nil
	}
	return []graph.Reference{{
		ExternalID:      raw,
		ReferenceType:   graph.ReferenceTypeArn,
		NormalizedID:    normalized,
		Components:      components,
		SourceAttribute: path,
	}}
}

// NormalizeArn implements §4.A's bit-exact ARN normalization: lowercase
// partition/service/region, preserve resource case, strip a trailing
// slash, and build normalizedId = "arn:{partition}:{service}:{region}:{account}:{resource}".
func NormalizeArn(raw string) (components map[string]string, normalizedID string, ok bool) {
	parts := strings.SplitN(raw, ":", 6)
	if len(parts) != 6 || parts[0] != "arn" {
		return nil, "", false
	}
	partition := strings.ToLower(parts[1])
	service := strings.ToLower(parts[2])
	region := strings.ToLower(parts[3])
	account := parts[4]
	resource := strings.TrimSuffix(parts[5], "/")

	normalizedID = "arn:" + partition + ":" + service + ":" + region + ":" + account + ":" + resource
	components = map[string]string{
		"partition": partition,
		"service":   service,
		"region":    region,
		"account":   account,
		"resource":  resource,
	}
	return components, normalizedID, true
}

// ResourceIDExtractor pulls a provider resource-id attribute.
type ResourceIDExtractor struct {
	IDAttribute string // metadata path, default "id"
	Normalize   bool
}

func (e ResourceIDExtractor) Extract(node graph.Node) []graph.Reference {
	attr := e.IDAttribute
	if attr == "" {
		attr = "id"
	}
	raw, ok := lookupMetadata(node.Metadata, attr)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	normalized := raw
	if e.Normalize {
		normalized = NormalizeResourceID(raw)
	}
	return []graph.Reference{{
		ExternalID:      raw,
		ReferenceType:   graph.ReferenceTypeResourceID,
		NormalizedID:    normalized,
		SourceAttribute: attr,
	}}
}

// NormalizeResourceID strips known provider prefixes, lowercases, and
// replaces whitespace with underscores (§4.A).
func NormalizeResourceID(raw string) string {
	out := raw
	for _, prefix := range providerPrefixes {
		if strings.HasPrefix(out, prefix) {
			out = strings.TrimPrefix(out, prefix)
			break
		}
	}
	out = strings.ToLower(out)
	out = strings.Join(strings.Fields(out), "_")
	return out
}

// K8sReferenceExtractor builds a {kind}/{namespace|"_"}/{name} reference
// from node metadata.
type K8sReferenceExtractor struct{}

func (e K8sReferenceExtractor) Extract(node graph.Node) []graph.Reference {
	kind, ok := lookupMetadata(node.Metadata, "kind")
	if !ok || strings.TrimSpace(kind) == "" {
		return nil
	}
	name, ok := lookupMetadata(node.Metadata, "name")
	if !ok || strings.TrimSpace(name) == "" {
		return nil
	}
	namespace, _ := lookupMetadata(node.Metadata, "namespace")

	normalized := NormalizeK8sReference(kind, namespace, name)
	return []graph.Reference{{
		ExternalID:      normalized,
		ReferenceType:   graph.ReferenceTypeK8sReference,
		NormalizedID:    normalized,
		SourceAttribute: "kind/namespace/name",
	}}
}

// NormalizeK8sReference implements §4.A's "{kind}/{namespace|_}/{name} all
// lowercase" rule.
func NormalizeK8sReference(kind, namespace, name string) string {
	ns := strings.TrimSpace(namespace)
	if ns == "" {
		ns = "_"
	}
	return strings.ToLower(kind) + "/" + strings.ToLower(ns) + "/" + strings.ToLower(name)
}

// NameExtractor derives a reference from the node's display name.
type NameExtractor struct {
	CaseSensitive bool
}

func (e NameExtractor) Extract(node graph.Node) []graph.Reference {
	if strings.TrimSpace(node.Name) == "" {
		return nil
	}
	return []graph.Reference{{
		ExternalID:      node.Name,
		ReferenceType:   graph.ReferenceType("name"),
		NormalizedID:    NormalizeName(node.Name, e.CaseSensitive),
		SourceAttribute: "name",
	}}
}

// NormalizeName lowercases (unless caseSensitive) and collapses internal
// whitespace (§4.A).
func NormalizeName(raw string, caseSensitive bool) string {
	collapsed := strings.Join(strings.Fields(raw), " ")
	if caseSensitive {
		return collapsed
	}
	return strings.ToLower(collapsed)
}

// NormalizeTagValue applies a case-insensitive valuePattern match (§4.A:
// "values untouched unless valuePattern matches case-insensitively") by
// lowercasing only for comparison purposes; the stored value is untouched.
func NormalizeTagValue(value string) string {
	return strings.ToLower(value)
}

func lookupMetadata(metadata map[string]interface{}, path string) (string, bool) {
	if len(metadata) == 0 {
		return "", false
	}
	if v, ok := metadata[path]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	// Fall back to gjson for dotted/nested paths against a flattened
	// representation, matching how the index build pipeline reads
	// arbitrary nested metadata blobs off raw scan output.
	if raw, ok := metadata["_raw"].(string); ok {
		result := gjson.Get(raw, path)
		if result.Exists() {
			return result.String(), true
		}
	}
	return "", false
}

// Registry maps node types to the extractors applicable to them (§4.A
// factory). Unknown node types yield no references, never an error.
type Registry struct {
	byType map[string][]Extractor
}

func NewRegistry() *Registry {
	return &Registry{byType: make(map[string][]Extractor)}
}

func (r *Registry) Register(nodeType string, extractors ...Extractor) {
	r.byType[nodeType] = append(r.byType[nodeType], extractors...)
}

func (r *Registry) For(nodeType string) []Extractor {
	return r.byType[nodeType]
}

// DefaultRegistry returns the standard extractor set wired for common
// infrastructure node types. It is a fresh instance, not a shared
// singleton — §9's "process-scoped singleton" treatment is left to the
// caller that wants one (see internal/core/index for the Build() default).
func DefaultRegistry() *Registry {
	r := NewRegistry()
	common := []Extractor{
		ArnExtractor{},
		ResourceIDExtractor{Normalize: true},
		NameExtractor{},
	}
	r.Register("aws_resource", common...)
	r.Register("gcp_resource", common...)
	r.Register("azure_resource", common...)
	r.Register("k8s_resource", K8sReferenceExtractor{}, NameExtractor{})
	return r
}

// Extract runs every extractor registered for node.Type and aggregates
// their references. Extractor panics are not caught here — callers that
// stream untrusted extractors (the index build pipeline) must recover
// per node, per §4.B step 2.
func (r *Registry) Extract(node graph.Node) []graph.Reference {
	var refs []graph.Reference
	for _, ex := range r.For(node.Type) {
		refs = append(refs, ex.Extract(node)...)
	}
	return refs
}
