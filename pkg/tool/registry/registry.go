// Package registry builds and serves immutable snapshots of the tool set
// the engine may execute.
//
// [Build] validates every descriptor up front and fails with one joined
// error listing every violation, so a registry that exists is internally
// consistent. Snapshots are read-only after build and need no locking for
// lookups; changing the set means building a new snapshot and swapping it
// in at the dispatcher.
//
// Typical usage:
//
//	defs, err := registry.LoadDir("descriptors")
//	if err != nil { ... }
//	bound, err := registry.BindHandlers(defs, handlers)
//	if err != nil { ... }
//	reg, err := registry.Build(bound)
//	if err != nil { ... }
//	slog.Info("registry ready", "version", reg.Version(), "tools", reg.Len())
package registry

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"

	"github.com/antzucaro/matchr"
	"github.com/google/jsonschema-go/jsonschema"

	"github.com/MrWong99/toolgate/pkg/tool"
)

var (
	idPattern      = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	versionPattern = regexp.MustCompile(`^v?\d+\.\d+\.\d+$`)
)

// suggestionThreshold is the minimum Jaro-Winkler similarity between an
// unknown tool ID and a registered one before resolve offers a suggestion.
const suggestionThreshold = 0.84

// Entry is one registered tool: its definition, bound handler and compiled
// argument schema.
type Entry struct {
	def     tool.Definition
	handler tool.Handler
	schema  *jsonschema.Resolved
}

// Definition returns the entry's tool definition.
func (e *Entry) Definition() tool.Definition { return e.def }

// Handler returns the entry's bound handler.
func (e *Entry) Handler() tool.Handler { return e.handler }

// ValidateArgs checks a raw JSON argument payload against the tool's
// compiled schema. Nil and empty payloads count as an empty object. The
// returned error is a VALIDATION error naming what to fix.
func (e *Entry) ValidateArgs(raw json.RawMessage) *tool.CallError {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		trimmed = []byte("{}")
	}
	var instance any
	if err := json.Unmarshal(trimmed, &instance); err != nil {
		return tool.Errorf(tool.KindValidation,
			"arguments for %s are not valid JSON: %v", e.def.ID, err)
	}
	if err := e.schema.Validate(instance); err != nil {
		return tool.Errorf(tool.KindValidation,
			"arguments for %s were rejected: %v; fix the named field and call the tool again", e.def.ID, err)
	}
	return nil
}

// Registry is an immutable snapshot of the executable tool set. It is safe
// for concurrent use without locking.
//
// The zero value is not usable; create instances with [Build].
type Registry struct {
	entries map[string]*Entry
	ids     []string // sorted
	version string
}

// Build assembles a registry from one or more tool sets. All violations
// across all sets are collected and returned as a single joined error;
// a partially valid registry is never produced.
func Build(sets ...[]tool.Tool) (*Registry, error) {
	entries := map[string]*Entry{}
	var errs []error

	for si, set := range sets {
		for ti, tl := range set {
			d := tl.Definition
			label := d.ID
			if label == "" {
				label = fmt.Sprintf("sets[%d].tools[%d]", si, ti)
			}

			if !idPattern.MatchString(d.ID) {
				errs = append(errs, fmt.Errorf("%s: invalid tool ID %q (want lowercase snake_case)", label, d.ID))
			}
			if _, dup := entries[d.ID]; dup {
				errs = append(errs, fmt.Errorf("%s: duplicate tool ID", label))
				continue
			}
			if !versionPattern.MatchString(d.Version) {
				errs = append(errs, fmt.Errorf("%s: invalid version %q (want a semantic version like 1.2.0)", label, d.Version))
			}
			if !d.Category.IsValid() {
				errs = append(errs, fmt.Errorf("%s: unknown category %q", label, d.Category))
			}
			if len(d.Modes) == 0 {
				errs = append(errs, fmt.Errorf("%s: at least one mode is required", label))
			}
			for _, m := range d.Modes {
				if !m.IsValid() {
					errs = append(errs, fmt.Errorf("%s: unknown mode %q", label, m))
				}
			}
			for _, p := range d.Preconditions {
				if !p.IsValid() {
					errs = append(errs, fmt.Errorf("%s: unknown precondition %q", label, p))
				}
			}
			if d.EstimatedDurationMs < 0 || d.MaxDurationMs < 0 {
				errs = append(errs, fmt.Errorf("%s: duration hints must not be negative", label))
			}
			if tl.Handler == nil {
				errs = append(errs, fmt.Errorf("%s: no handler bound", label))
			}

			resolved, err := compileSchema(d.Schema)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: schema: %w", label, err))
			}

			entries[d.ID] = &Entry{def: d, handler: tl.Handler, schema: resolved}
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("registry: build: %w", errors.Join(errs...))
	}

	ids := slices.Sorted(maps.Keys(entries))
	return &Registry{
		entries: entries,
		ids:     ids,
		version: fingerprint(entries, ids),
	}, nil
}

// compileSchema turns a descriptor's schema map into a resolved validator.
// A nil map compiles as an unconstrained object.
func compileSchema(schema map[string]any) (*jsonschema.Resolved, error) {
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}
	return resolved, nil
}

// fingerprint derives the registry version from the canonical content of
// every definition. Descriptor order never changes it; any field change
// does.
func fingerprint(entries map[string]*Entry, sortedIDs []string) string {
	h := sha256.New()
	for _, id := range sortedIDs {
		d := entries[id].def

		modes := make([]string, len(d.Modes))
		for i, m := range d.Modes {
			modes[i] = string(m)
		}
		slices.Sort(modes)

		pre := make([]string, len(d.Preconditions))
		for i, p := range d.Preconditions {
			pre[i] = string(p)
		}
		slices.Sort(pre)

		schemaJSON, _ := json.Marshal(d.Schema) // map keys sort deterministically

		fmt.Fprintf(h, "%s\x1f%s\x1f%s\x1f%s\x1f%v\x1f%v\x1f%s\x1f%d\x1f%d\x1e",
			d.ID, d.Version, d.Description, d.Category, modes, pre,
			schemaJSON, d.EstimatedDurationMs, d.MaxDurationMs)
	}
	return "reg-" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Resolve returns the entry for toolID if it exists and is enabled for
// mode. Unknown IDs yield a NOT_FOUND error carrying a "did you mean"
// suggestion when a registered ID is close enough.
func (r *Registry) Resolve(toolID string, mode tool.Mode) (*Entry, error) {
	e, ok := r.entries[toolID]
	if !ok {
		if s := r.closestID(toolID); s != "" {
			return nil, tool.Errorf(tool.KindNotFound, "unknown tool %q; did you mean %q?", toolID, s)
		}
		return nil, tool.Errorf(tool.KindNotFound, "unknown tool %q", toolID)
	}
	if !e.def.SupportsMode(mode) {
		return nil, tool.Errorf(tool.KindNotFound, "tool %q is not available in %s mode", toolID, mode)
	}
	return e, nil
}

// closestID returns the registered ID most similar to toolID, or "" when
// nothing clears the suggestion threshold.
func (r *Registry) closestID(toolID string) string {
	best, bestScore := "", 0.0
	for _, id := range r.ids {
		if score := matchr.JaroWinkler(toolID, id, false); score > bestScore {
			best, bestScore = id, score
		}
	}
	if bestScore < suggestionThreshold {
		return ""
	}
	return best
}

// Version returns the registry's content fingerprint.
func (r *Registry) Version() string { return r.version }

// Len reports the number of registered tools.
func (r *Registry) Len() int { return len(r.entries) }

// Definitions returns the definitions enabled for mode, sorted by ID.
// Prompt builders use this to describe the available tools to an agent.
func (r *Registry) Definitions(mode tool.Mode) []tool.Definition {
	out := make([]tool.Definition, 0, len(r.ids))
	for _, id := range r.ids {
		if d := r.entries[id].def; d.SupportsMode(mode) {
			out = append(out, d)
		}
	}
	return out
}

// All returns every registered definition, sorted by ID.
func (r *Registry) All() []tool.Definition {
	out := make([]tool.Definition, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.entries[id].def)
	}
	return out
}

// Source supplies tools from an external system, such as an MCP server.
// Implementations return fully bound tools ready for [Build].
type Source interface {
	// Tools returns the source's current tool set.
	Tools(ctx context.Context) ([]tool.Tool, error)
}

// FromSources collects the tool sets of all sources, preserving source
// order so [Build] reports duplicate IDs against the later source.
func FromSources(ctx context.Context, sources ...Source) ([][]tool.Tool, error) {
	sets := make([][]tool.Tool, 0, len(sources))
	for i, src := range sources {
		set, err := src.Tools(ctx)
		if err != nil {
			return nil, fmt.Errorf("registry: source %d: %w", i, err)
		}
		sets = append(sets, set)
	}
	return sets, nil
}
