package registry_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/toolgate/pkg/tool"
	"github.com/MrWong99/toolgate/pkg/tool/registry"
)

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func noopHandler(_ context.Context, _ tool.Call) (tool.Result, error) {
	return tool.Result{Data: "ok"}, nil
}

// testTool returns a valid tool with the given ID, ready for Build.
func testTool(id string) tool.Tool {
	return tool.Tool{
		Definition: tool.Definition{
			ID:          id,
			Version:     "1.0.0",
			Description: "test tool " + id,
			Category:    tool.CategoryRetrieval,
			Modes:       []tool.Mode{tool.ModeText, tool.ModeVoice},
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
				},
				"required": []any{"query"},
			},
		},
		Handler: noopHandler,
	}
}

func mustBuild(t *testing.T, sets ...[]tool.Tool) *registry.Registry {
	t.Helper()
	reg, err := registry.Build(sets...)
	if err != nil {
		t.Fatalf("Build: unexpected error: %v", err)
	}
	return reg
}

// ─────────────────────────────────────────────────────────────────────────────
// Build
// ─────────────────────────────────────────────────────────────────────────────

// TestBuildValid builds a registry from two sets and checks the basics.
func TestBuildValid(t *testing.T) {
	t.Parallel()

	reg := mustBuild(t,
		[]tool.Tool{testTool("kb_search"), testTool("note_add")},
		[]tool.Tool{testTool("voice_start")},
	)

	if reg.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", reg.Len())
	}
	if !strings.HasPrefix(reg.Version(), "reg-") {
		t.Fatalf("Version() = %q, want reg- prefix", reg.Version())
	}
	if len(reg.Version()) != len("reg-")+16 {
		t.Fatalf("Version() = %q, want 16 hex chars after prefix", reg.Version())
	}
}

// TestBuildCollectsAllViolations verifies that one build error reports
// every violation instead of stopping at the first.
func TestBuildCollectsAllViolations(t *testing.T) {
	t.Parallel()

	bad := []tool.Tool{
		{ // bad ID, bad version
			Definition: tool.Definition{
				ID: "Bad-ID", Version: "one", Category: tool.CategoryAction,
				Modes: []tool.Mode{tool.ModeText},
			},
			Handler: noopHandler,
		},
		{ // no modes, unknown category, nil handler
			Definition: tool.Definition{
				ID: "broken_tool", Version: "1.0.0", Category: "banana",
			},
		},
		{ // unknown precondition
			Definition: tool.Definition{
				ID: "half_tool", Version: "1.0.0", Category: tool.CategoryAction,
				Modes:         []tool.Mode{tool.ModeText},
				Preconditions: []tool.Precondition{"standing_on_one_leg"},
			},
			Handler: noopHandler,
		},
	}

	_, err := registry.Build(bad)
	if err == nil {
		t.Fatal("Build: expected error for invalid set")
	}
	for _, want := range []string{
		`invalid tool ID "Bad-ID"`,
		`invalid version "one"`,
		"at least one mode is required",
		`unknown category "banana"`,
		"no handler bound",
		`unknown precondition "standing_on_one_leg"`,
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Build error: missing %q in:\n%v", want, err)
		}
	}
}

// TestBuildRejectsDuplicateIDs verifies cross-set duplicate detection.
func TestBuildRejectsDuplicateIDs(t *testing.T) {
	t.Parallel()

	_, err := registry.Build(
		[]tool.Tool{testTool("kb_search")},
		[]tool.Tool{testTool("kb_search")},
	)
	if err == nil || !strings.Contains(err.Error(), "duplicate tool ID") {
		t.Fatalf("Build: expected duplicate ID error, got %v", err)
	}
}

// TestBuildRejectsBadSchema verifies that an uncompilable schema fails the
// build.
func TestBuildRejectsBadSchema(t *testing.T) {
	t.Parallel()

	broken := testTool("kb_search")
	broken.Definition.Schema = map[string]any{"type": 42}

	_, err := registry.Build([]tool.Tool{broken})
	if err == nil || !strings.Contains(err.Error(), "schema") {
		t.Fatalf("Build: expected schema error, got %v", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Fingerprint
// ─────────────────────────────────────────────────────────────────────────────

// TestFingerprintIgnoresOrder verifies that descriptor order, both within
// and across sets, never changes the registry version.
func TestFingerprintIgnoresOrder(t *testing.T) {
	t.Parallel()

	a := mustBuild(t, []tool.Tool{testTool("alpha"), testTool("beta"), testTool("gamma")})
	b := mustBuild(t, []tool.Tool{testTool("gamma")}, []tool.Tool{testTool("beta"), testTool("alpha")})

	if a.Version() != b.Version() {
		t.Fatalf("Version: %q != %q for reordered identical sets", a.Version(), b.Version())
	}
}

// TestFingerprintReflectsContent verifies that changing any descriptor
// field produces a different version.
func TestFingerprintReflectsContent(t *testing.T) {
	t.Parallel()

	base := mustBuild(t, []tool.Tool{testTool("kb_search")})

	bumped := testTool("kb_search")
	bumped.Definition.Version = "1.1.0"
	afterBump := mustBuild(t, []tool.Tool{bumped})
	if base.Version() == afterBump.Version() {
		t.Fatal("Version: expected change after version bump")
	}

	reworded := testTool("kb_search")
	reworded.Definition.Description = "something else entirely"
	afterReword := mustBuild(t, []tool.Tool{reworded})
	if base.Version() == afterReword.Version() {
		t.Fatal("Version: expected change after description edit")
	}

	reschema := testTool("kb_search")
	reschema.Definition.Schema = map[string]any{"type": "object"}
	afterSchema := mustBuild(t, []tool.Tool{reschema})
	if base.Version() == afterSchema.Version() {
		t.Fatal("Version: expected change after schema edit")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Resolve and listings
// ─────────────────────────────────────────────────────────────────────────────

func TestResolve(t *testing.T) {
	t.Parallel()

	textOnly := testTool("note_add")
	textOnly.Definition.Modes = []tool.Mode{tool.ModeText}
	reg := mustBuild(t, []tool.Tool{testTool("kb_search"), textOnly})

	t.Run("known tool", func(t *testing.T) {
		t.Parallel()
		e, err := reg.Resolve("kb_search", tool.ModeVoice)
		if err != nil {
			t.Fatalf("Resolve: unexpected error: %v", err)
		}
		if e.Definition().ID != "kb_search" {
			t.Fatalf("Resolve: got %q", e.Definition().ID)
		}
	})

	t.Run("mode mismatch is NOT_FOUND", func(t *testing.T) {
		t.Parallel()
		_, err := reg.Resolve("note_add", tool.ModeVoice)
		var ce *tool.CallError
		if !errors.As(err, &ce) || ce.Kind != tool.KindNotFound {
			t.Fatalf("Resolve: expected NOT_FOUND, got %v", err)
		}
	})

	t.Run("near miss gets a suggestion", func(t *testing.T) {
		t.Parallel()
		_, err := reg.Resolve("kb_serch", tool.ModeText)
		if err == nil || !strings.Contains(err.Error(), `did you mean "kb_search"`) {
			t.Fatalf("Resolve: expected suggestion, got %v", err)
		}
	})

	t.Run("far miss gets no suggestion", func(t *testing.T) {
		t.Parallel()
		_, err := reg.Resolve("frobnicate", tool.ModeText)
		if err == nil {
			t.Fatal("Resolve: expected error")
		}
		if strings.Contains(err.Error(), "did you mean") {
			t.Fatalf("Resolve: unexpected suggestion in %v", err)
		}
	})
}

func TestDefinitions(t *testing.T) {
	t.Parallel()

	voiceOnly := testTool("voice_end")
	voiceOnly.Definition.Modes = []tool.Mode{tool.ModeVoice}
	reg := mustBuild(t, []tool.Tool{testTool("zeta_tool"), voiceOnly, testTool("alpha_tool")})

	text := reg.Definitions(tool.ModeText)
	if len(text) != 2 {
		t.Fatalf("Definitions(text): got %d, want 2", len(text))
	}
	if text[0].ID != "alpha_tool" || text[1].ID != "zeta_tool" {
		t.Fatalf("Definitions(text): not sorted: %v, %v", text[0].ID, text[1].ID)
	}

	if all := reg.All(); len(all) != 3 {
		t.Fatalf("All(): got %d, want 3", len(all))
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Argument validation
// ─────────────────────────────────────────────────────────────────────────────

func TestValidateArgs(t *testing.T) {
	t.Parallel()

	reg := mustBuild(t, []tool.Tool{testTool("kb_search")})
	entry, err := reg.Resolve("kb_search", tool.ModeText)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	t.Run("valid arguments", func(t *testing.T) {
		t.Parallel()
		if err := entry.ValidateArgs([]byte(`{"query":"dragons"}`)); err != nil {
			t.Fatalf("ValidateArgs: unexpected error: %v", err)
		}
	})

	t.Run("missing required field", func(t *testing.T) {
		t.Parallel()
		err := entry.ValidateArgs([]byte(`{}`))
		if err == nil || err.Kind != tool.KindValidation {
			t.Fatalf("ValidateArgs: expected VALIDATION, got %v", err)
		}
	})

	t.Run("wrong field type", func(t *testing.T) {
		t.Parallel()
		err := entry.ValidateArgs([]byte(`{"query":17}`))
		if err == nil || err.Kind != tool.KindValidation {
			t.Fatalf("ValidateArgs: expected VALIDATION, got %v", err)
		}
	})

	t.Run("malformed JSON", func(t *testing.T) {
		t.Parallel()
		err := entry.ValidateArgs([]byte(`{"query":`))
		if err == nil || err.Kind != tool.KindValidation {
			t.Fatalf("ValidateArgs: expected VALIDATION, got %v", err)
		}
	})

	t.Run("nil args pass an unconstrained schema", func(t *testing.T) {
		t.Parallel()
		open := testTool("note_list")
		open.Definition.Schema = nil
		openReg := mustBuild(t, []tool.Tool{open})
		e, err := openReg.Resolve("note_list", tool.ModeText)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if err := e.ValidateArgs(nil); err != nil {
			t.Fatalf("ValidateArgs(nil): unexpected error: %v", err)
		}
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Sources
// ─────────────────────────────────────────────────────────────────────────────

type staticSource struct {
	tools []tool.Tool
	err   error
}

func (s staticSource) Tools(_ context.Context) ([]tool.Tool, error) {
	return s.tools, s.err
}

func TestFromSources(t *testing.T) {
	t.Parallel()

	sets, err := registry.FromSources(context.Background(),
		staticSource{tools: []tool.Tool{testTool("kb_search")}},
		staticSource{tools: []tool.Tool{testTool("note_add")}},
	)
	if err != nil {
		t.Fatalf("FromSources: unexpected error: %v", err)
	}
	if len(sets) != 2 || len(sets[0]) != 1 || sets[1][0].Definition.ID != "note_add" {
		t.Fatalf("FromSources: wrong shape: %+v", sets)
	}

	_, err = registry.FromSources(context.Background(),
		staticSource{err: errors.New("server unreachable")},
	)
	if err == nil || !strings.Contains(err.Error(), "server unreachable") {
		t.Fatalf("FromSources: expected wrapped source error, got %v", err)
	}
}
