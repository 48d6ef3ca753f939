package experiment

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/antigravity-dev/agentlab/internal/canonjson"
	"github.com/antigravity-dev/agentlab/internal/labrerr"
)

// Override is a single JSON-pointer override, tagged with its source so
// the builder can apply manifest-declared knobs before ad-hoc ones
// ("later writes win").
type Override struct {
	Pointer string // RFC 6901 JSON pointer, e.g. "/design/replications"
	Value   any
	Source  OverrideSource
}

// OverrideSource orders override application: manifest-declared knobs are
// applied first, ad-hoc (e.g. CLI --set) overrides are applied last.
type OverrideSource int

const (
	SourceManifestKnob OverrideSource = iota
	SourceAdHoc
)

// KnobBound constrains an override's numeric value, surfaced to callers
// (e.g. an external schema-compilation step) but enforced here because
// the resolved-experiment builder is the last point before the value is
// baked into the digested document.
type KnobBound struct {
	KnobID string
	Min    *float64
	Max    *float64
}

// Build merges baseline into overrides in the defined order, validates
// the result, and computes its digest. overrides must already be sorted
// by the caller into the intended application order within each source;
// Build stabilizes cross-source order (manifest knobs, then ad-hoc).
func Build(base ResolvedExperiment, overrides []Override, bounds []KnobBound) (*ResolvedExperiment, string, error) {
	ordered := make([]Override, len(overrides))
	copy(ordered, overrides)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Source < ordered[j].Source
	})

	raw, err := canonjson.CanonicalizeValue(base)
	if err != nil {
		return nil, "", fmt.Errorf("experiment: encode base: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, "", fmt.Errorf("experiment: decode base: %w", err)
	}

	boundByID := make(map[string]KnobBound, len(bounds))
	for _, b := range bounds {
		boundByID[b.KnobID] = b
	}

	for _, ov := range ordered {
		if bound, ok := boundByID[ov.Pointer]; ok {
			if err := checkBound(bound, ov.Value); err != nil {
				return nil, "", err
			}
		}
		if err := applyPointer(doc, ov.Pointer, ov.Value); err != nil {
			return nil, "", err
		}
	}

	merged, err := json.Marshal(doc)
	if err != nil {
		return nil, "", fmt.Errorf("experiment: re-encode merged document: %w", err)
	}

	var resolved ResolvedExperiment
	if err := json.Unmarshal(merged, &resolved); err != nil {
		return nil, "", labrerr.Wrap(labrerr.ConfigInvalid, "decode merged resolved experiment", err)
	}

	if err := Validate(&resolved); err != nil {
		return nil, "", err
	}

	digest, err := Digest(&resolved)
	if err != nil {
		return nil, "", fmt.Errorf("experiment: digest: %w", err)
	}

	return &resolved, digest, nil
}

func checkBound(b KnobBound, value any) error {
	num, ok := toFloat(value)
	if !ok {
		return nil // non-numeric knobs have no bound to check
	}
	if b.Min != nil && num < *b.Min {
		return labrerr.Newf(labrerr.ConfigInvalid, "knob %s value %v below minimum %v", b.KnobID, value, *b.Min).
			WithDetails(map[string]any{"knob_id": b.KnobID, "bound": "min", "limit": *b.Min})
	}
	if b.Max != nil && num > *b.Max {
		return labrerr.Newf(labrerr.ConfigInvalid, "knob %s value %v above maximum %v", b.KnobID, value, *b.Max).
			WithDetails(map[string]any{"knob_id": b.KnobID, "bound": "max", "limit": *b.Max})
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// applyPointer sets value at the RFC 6901 JSON pointer path within doc.
// Every segment, including the last, must already exist; an unknown
// segment is a ConfigInvalid error. Array indices are supported
// for existing arrays only (schema-declared slices are materialized by
// Build's marshal/unmarshal round trip already).
func applyPointer(doc map[string]any, pointer string, value any) error {
	if pointer == "" || pointer[0] != '/' {
		return labrerr.Newf(labrerr.ConfigInvalid, "unsupported pointer %q: must start with /", pointer)
	}
	tokens := strings.Split(pointer[1:], "/")
	for i, t := range tokens {
		tokens[i] = unescapePointerToken(t)
	}

	cur := any(doc)
	for i := 0; i < len(tokens)-1; i++ {
		tok := tokens[i]
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[tok]
			if !ok {
				return labrerr.Newf(labrerr.ConfigInvalid, "unknown pointer segment %q in %q", tok, pointer).WithDetails(map[string]any{"pointer": pointer})
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(tok)
			if err != nil || idx < 0 || idx >= len(node) {
				return labrerr.Newf(labrerr.ConfigInvalid, "pointer %q: bad array index %q", pointer, tok)
			}
			cur = node[idx]
		default:
			return labrerr.Newf(labrerr.ConfigInvalid, "pointer %q: cannot descend into leaf value", pointer)
		}
	}

	last := tokens[len(tokens)-1]
	switch node := cur.(type) {
	case map[string]any:
		if _, ok := node[last]; !ok {
			return labrerr.Newf(labrerr.ConfigInvalid, "unknown pointer %q", pointer).WithDetails(map[string]any{"pointer": pointer})
		}
		node[last] = value
		return nil
	case []any:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= len(node) {
			return labrerr.Newf(labrerr.ConfigInvalid, "pointer %q: bad array index %q", pointer, last)
		}
		node[idx] = value
		return nil
	default:
		return labrerr.Newf(labrerr.ConfigInvalid, "pointer %q: parent is not an object or array", pointer)
	}
}

func unescapePointerToken(t string) string {
	t = strings.ReplaceAll(t, "~1", "/")
	t = strings.ReplaceAll(t, "~0", "~")
	return t
}

// Digest computes the SHA-256 of the canonical JSON of a resolved
// experiment.
func Digest(r *ResolvedExperiment) (string, error) {
	d, err := canonjson.Digest(r)
	if err != nil {
		return "", err
	}
	return "sha256:" + d, nil
}
