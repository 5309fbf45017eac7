package tool

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Response is the uniform envelope returned for every tool call, success or
// failure. Exactly one of Data and Error is meaningful: OK true carries
// Data, OK false carries Error. Intents and Meta are always present.
//
// The envelope is always well-formed: handler panics, timeouts and
// serialisation failures are translated into it, never propagated to the
// caller.
type Response struct {
	// OK reports whether the call succeeded.
	OK bool `json:"ok"`

	// Data is the handler's payload. Present only when OK is true.
	Data any `json:"data,omitempty"`

	// Error describes the failure. Present only when OK is false.
	Error *ErrorInfo `json:"error,omitempty"`

	// Intents are follow-up suggestions for the agent. Serialised as an
	// empty array, never null, when the handler suggested nothing.
	Intents []string `json:"intents"`

	// Meta carries execution metadata for every call.
	Meta Meta `json:"meta"`
}

// ErrorInfo is the failure half of a [Response].
type ErrorInfo struct {
	// Kind is the taxonomy classification.
	Kind Kind `json:"kind"`

	// Message is the agent-facing description of the failure.
	Message string `json:"message"`

	// Retryable reports whether an immediate retry may succeed. Derived
	// from Kind; the engine itself never retries.
	Retryable bool `json:"retryable"`
}

// Meta is the execution metadata attached to every [Response].
type Meta struct {
	// DurationMs is the wall-clock time the call took, in milliseconds.
	DurationMs int64 `json:"duration_ms"`

	// ToolVersion is the resolved tool's version. Empty when resolution
	// itself failed.
	ToolVersion string `json:"tool_version,omitempty"`

	// RegistryVersion is the fingerprint of the registry snapshot the call
	// resolved against.
	RegistryVersion string `json:"registry_version"`

	// Category is the resolved tool's category. Empty when resolution
	// failed.
	Category Category `json:"category,omitempty"`

	// Mode is the agent mode the call ran under.
	Mode Mode `json:"mode"`
}

// OK builds a success envelope.
func OK(data any, meta Meta, intents ...string) Response {
	if intents == nil {
		intents = []string{}
	}
	return Response{OK: true, Data: data, Intents: intents, Meta: meta}
}

// Fail builds a failure envelope for the given kind and message.
// Retryability is derived from the kind.
func Fail(kind Kind, message string, meta Meta) Response {
	return Response{
		OK:      false,
		Error:   &ErrorInfo{Kind: kind, Message: message, Retryable: kind.Retryable()},
		Intents: []string{},
		Meta:    meta,
	}
}

// FailErr builds a failure envelope from err, classifying it with [KindOf].
func FailErr(err error, meta Meta) Response {
	kind := KindOf(err)
	var msg string
	var ce *CallError
	switch {
	case errors.As(err, &ce):
		msg = ce.Message
		if msg == "" && ce.Err != nil {
			msg = ce.Err.Error()
		}
	case err != nil:
		msg = err.Error()
	}
	return Fail(kind, msg, meta)
}

// IsEmptyJSON reports whether b encodes a semantically empty payload:
// nothing at all, whitespace, JSON null, an empty string, or an object or
// array with no elements.
func IsEmptyJSON(b []byte) bool {
	t := bytes.TrimSpace(b)
	if len(t) == 0 {
		return true
	}
	switch string(t) {
	case "null", `""`:
		return true
	}
	if t[0] == '{' || t[0] == '[' {
		var buf bytes.Buffer
		if err := json.Compact(&buf, t); err != nil {
			return false
		}
		s := buf.String()
		return s == "{}" || s == "[]"
	}
	return false
}
