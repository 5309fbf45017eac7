// Package tool defines the shared vocabulary of the toolgate engine: tool
// definitions, call requests, the handler contract, the response envelope
// and the error taxonomy used by every layer above.
//
// A tool is a named, versioned capability an agent may call. Its
// [Definition] declares the contract (argument schema, category, supported
// agent modes, optional session-state preconditions and latency hints); a
// [Handler] implements the behavior. pkg/tool/registry snapshots a set of
// tools into an immutable, fingerprinted registry and pkg/tool/dispatch
// executes requests against that snapshot under per-mode budgets.
//
// Typical usage:
//
//	tools := []tool.Tool{{
//		Definition: tool.Definition{
//			ID:          "kb_search",
//			Version:     "1.0.0",
//			Description: "Search the knowledge base for relevant passages.",
//			Category:    tool.CategoryRetrieval,
//			Modes:       []tool.Mode{tool.ModeText, tool.ModeVoice},
//			Schema: map[string]any{
//				"type": "object",
//				"properties": map[string]any{
//					"query": map[string]any{"type": "string"},
//				},
//				"required": []string{"query"},
//			},
//		},
//		Handler: searchHandler,
//	}}
//	reg, err := registry.Build(tools)
//
// All types in this package are plain data. They carry no locks and are
// safe to copy.
package tool

import (
	"context"
	"encoding/json"
)

// Mode identifies which conversational agent issued a call. Both modes run
// through the same execution path but under different budgets and timeout
// policies.
type Mode string

const (
	// ModeText is the relaxed-latency text chat agent.
	ModeText Mode = "text"

	// ModeVoice is the latency-critical realtime voice agent.
	ModeVoice Mode = "voice"
)

// IsValid reports whether m is a recognised agent mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeText, ModeVoice:
		return true
	}
	return false
}

// Category classifies what a tool does. The dispatcher uses it for budget
// accounting: retrieval tools draw from the per-turn retrieval allowance in
// addition to the total call allowance.
type Category string

const (
	// CategoryRetrieval is a read-only lookup (search, fetch, list).
	CategoryRetrieval Category = "retrieval"

	// CategoryAction performs work with side effects outside the session.
	CategoryAction Category = "action"

	// CategorySessionControl mutates conversation session state when it
	// succeeds (voice start/end, ignore lists).
	CategorySessionControl Category = "session-control"
)

// IsValid reports whether c is a recognised tool category.
func (c Category) IsValid() bool {
	switch c {
	case CategoryRetrieval, CategoryAction, CategorySessionControl:
		return true
	}
	return false
}

// Precondition names a session-state predicate that must hold before a tool
// may run. The dispatcher checks declared preconditions against the
// session's state controller and rejects violations as SESSION_INACTIVE
// without invoking the handler.
type Precondition string

const (
	// PrecondVoiceActive requires an ACTIVE voice sub-session.
	PrecondVoiceActive Precondition = "voice_active"

	// PrecondVoiceInactive requires the voice sub-session to be INACTIVE.
	PrecondVoiceInactive Precondition = "voice_inactive"
)

// IsValid reports whether p is a recognised precondition name.
func (p Precondition) IsValid() bool {
	switch p {
	case PrecondVoiceActive, PrecondVoiceInactive:
		return true
	}
	return false
}

// Definition describes a callable tool: identity, contract and policy
// metadata. Definitions are immutable once a registry has been built from
// them; rebuilding the registry is the only way to change one.
type Definition struct {
	// ID uniquely identifies the tool (lowercase snake_case, e.g.
	// "kb_search").
	ID string `yaml:"id" json:"id"`

	// Version is the tool's semantic version (e.g. "1.0.0"), reported in
	// every response envelope so callers can correlate behavior changes.
	Version string `yaml:"version" json:"version"`

	// Description tells the agent what the tool does and when to call it.
	Description string `yaml:"description" json:"description"`

	// Category classifies the tool for budget accounting.
	Category Category `yaml:"category" json:"category"`

	// Modes lists the agent modes the tool is enabled for. A tool absent
	// from a mode resolves as NOT_FOUND for that mode.
	Modes []Mode `yaml:"modes" json:"modes"`

	// Preconditions are session-state predicates checked before dispatch.
	Preconditions []Precondition `yaml:"preconditions,omitempty" json:"preconditions,omitempty"`

	// Schema is the JSON Schema object for the tool's arguments. It is
	// compiled at registry build and enforced on every call.
	Schema map[string]any `yaml:"schema" json:"schema"`

	// EstimatedDurationMs is an advisory latency hint used in voice-mode
	// soft-target reporting. Zero means unknown.
	EstimatedDurationMs int `yaml:"estimated_duration_ms,omitempty" json:"estimated_duration_ms,omitempty"`

	// MaxDurationMs optionally caps this tool's execution time below the
	// mode's own limit. Zero means no per-tool cap.
	MaxDurationMs int `yaml:"max_duration_ms,omitempty" json:"max_duration_ms,omitempty"`
}

// SupportsMode reports whether the definition is enabled for mode.
func (d Definition) SupportsMode(mode Mode) bool {
	for _, m := range d.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// Request is a single tool invocation submitted by an agent.
type Request struct {
	// Tool is the ID of the tool to invoke.
	Tool string `json:"tool"`

	// Args is the raw JSON argument object, validated against the tool's
	// schema before the handler runs. Nil is treated as {}.
	Args json.RawMessage `json:"args,omitempty"`

	// Mode selects the issuing agent's budget and timeout policy.
	Mode Mode `json:"mode"`

	// SessionID identifies the conversation session. Sessions own their
	// budgets, loop state and statistics independently of each other.
	SessionID string `json:"session_id"`

	// TurnID is the conversation turn this call belongs to. Advancing the
	// turn resets per-turn budgets and loop state. IDs must not decrease
	// within a session.
	TurnID uint64 `json:"turn_id"`
}

// Call is the validated form of a [Request] handed to a [Handler]. Args
// have already passed schema validation when the handler sees them.
type Call struct {
	// Tool is the resolved tool ID.
	Tool string

	// Args is the validated raw JSON argument object.
	Args json.RawMessage

	// Mode is the issuing agent's mode.
	Mode Mode

	// SessionID identifies the owning conversation session.
	SessionID string

	// TurnID is the conversation turn the call belongs to.
	TurnID uint64
}

// Result is what a [Handler] returns on success.
type Result struct {
	// Data is the payload placed in the response envelope. It must be
	// JSON-serialisable.
	Data any

	// Empty marks the result as semantically empty (a search with no hits,
	// a list with no entries) even when Data is non-nil. The loop detector
	// tracks consecutive empty results per tool per turn.
	Empty bool

	// Intents are follow-up suggestions for the calling agent, surfaced
	// verbatim in the envelope.
	Intents []string
}

// Handler executes a tool call. Handlers run outside all engine locks; ctx
// carries the mode's execution deadline and implementations should return
// promptly once it is done. A returned error is classified into the error
// taxonomy by [KindOf]; return a [*CallError] to pre-classify.
type Handler func(ctx context.Context, call Call) (Result, error)

// Tool bundles a [Definition] with the [Handler] implementing it. Slices
// of Tool are the input to the registry's Build.
type Tool struct {
	Definition Definition
	Handler    Handler
}
