// Package summarize provides the built-in "summarize_text" action tool,
// which condenses a block of text using a pluggable LLM completion backend.
//
// The tool is text-mode only: a completion round-trip does not fit inside
// the voice latency envelope. Backend failures are returned unclassified so
// the dispatcher can map throttling and connectivity errors to their
// retryable kinds.
package summarize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/toolgate/pkg/tool"
)

// Completer produces a text completion for a prompt. Implementations wrap a
// specific LLM backend; [github.com/MrWong99/toolgate/internal/builtin/summarize/anyllm]
// provides one backed by any-llm-go.
type Completer interface {
	// Complete returns the model's completion for prompt.
	Complete(ctx context.Context, prompt string) (string, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// summarize_text
// ─────────────────────────────────────────────────────────────────────────────

// summarizeTextArgs is the JSON-decoded input for the "summarize_text" tool.
type summarizeTextArgs struct {
	// Text is the content to summarise.
	Text string `json:"text"`

	// MaxWords caps the summary length. Defaults to 120 when ≤ 0.
	MaxWords int `json:"max_words,omitempty"`

	// Focus optionally names an aspect the summary should concentrate on
	// (e.g. "action items", "open risks"). Leave empty for a general summary.
	Focus string `json:"focus,omitempty"`
}

// summarizeTextResult is the payload returned by a successful summarize_text call.
type summarizeTextResult struct {
	// Summary is the condensed text produced by the backend.
	Summary string `json:"summary"`

	// Words is the word count of Summary.
	Words int `json:"words"`
}

// defaultMaxWords is the summary length cap when max_words is not provided.
const defaultMaxWords = 120

// buildPrompt assembles the completion prompt sent to the backend.
func buildPrompt(text string, maxWords int, focus string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize the following text in at most %d words.", maxWords)
	if focus != "" {
		fmt.Fprintf(&b, " Focus on: %s.", focus)
	}
	b.WriteString(" Reply with the summary only, no preamble.\n\n")
	b.WriteString(text)
	return b.String()
}

// makeSummarizeTextHandler returns a handler for the "summarize_text" tool
// that delegates to completer.Complete.
func makeSummarizeTextHandler(completer Completer) tool.Handler {
	return func(ctx context.Context, call tool.Call) (tool.Result, error) {
		var a summarizeTextArgs
		if err := json.Unmarshal(call.Args, &a); err != nil {
			return tool.Result{}, tool.Errorf(tool.KindValidation,
				"summarize_text arguments are not a JSON object: %v", err)
		}
		if strings.TrimSpace(a.Text) == "" {
			return tool.Result{}, tool.Errorf(tool.KindValidation,
				"text must not be empty; pass the content to summarise in the \"text\" argument")
		}

		maxWords := a.MaxWords
		if maxWords <= 0 {
			maxWords = defaultMaxWords
		}

		raw, err := completer.Complete(ctx, buildPrompt(a.Text, maxWords, strings.TrimSpace(a.Focus)))
		if err != nil {
			// Returned unclassified: the dispatcher maps throttling and
			// connectivity failures to their retryable kinds.
			return tool.Result{}, fmt.Errorf("summarize tool: summarize_text: %w", err)
		}

		summary := strings.TrimSpace(raw)
		if summary == "" {
			return tool.Result{Empty: true}, nil
		}
		return tool.Result{Data: summarizeTextResult{
			Summary: summary,
			Words:   len(strings.Fields(summary)),
		}}, nil
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// NewTools
// ─────────────────────────────────────────────────────────────────────────────

// NewTools constructs the summarize tool set wired to the provided completion
// backend. completer must be non-nil.
func NewTools(completer Completer) []tool.Tool {
	return []tool.Tool{
		{
			Definition: tool.Definition{
				ID:          "summarize_text",
				Version:     "1.0.0",
				Description: "Condense a block of text into a short summary. Pass the full text to summarise; use max_words to cap the summary length and focus to steer it toward a specific aspect (e.g. action items). Returns the summary and its word count.",
				Category:    tool.CategoryAction,
				Modes:       []tool.Mode{tool.ModeText},
				Schema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"text": map[string]any{
							"type":        "string",
							"description": "The text to summarise.",
						},
						"max_words": map[string]any{
							"type":        "integer",
							"description": "Maximum summary length in words. Defaults to 120.",
							"minimum":     1,
							"maximum":     1000,
						},
						"focus": map[string]any{
							"type":        "string",
							"description": "Aspect to concentrate the summary on. Omit for a general summary.",
						},
					},
					"required": []string{"text"},
				},
				EstimatedDurationMs: 1200,
				MaxDurationMs:       8000,
			},
			Handler: makeSummarizeTextHandler(completer),
		},
	}
}
