// Package notes provides the built-in per-session scratchpad tools.
//
// Two tools are exported via [NewTools]:
//   - "note_add"  — append a note to the calling session's scratchpad.
//   - "note_list" — list the calling session's notes in insertion order.
//
// Notes live in process memory only and are scoped to the session that
// created them; they do not survive a restart. Wire [Store.Clear] to the
// session manager's remove hook so a session's notes are released with it.
package notes

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/toolgate/pkg/tool"
)

// Note is a single scratchpad entry.
type Note struct {
	// Index is the note's 1-based position in the session's scratchpad.
	Index int `json:"index"`

	// Text is the note content.
	Text string `json:"text"`

	// CreatedAt is when the note was added.
	CreatedAt time.Time `json:"created_at"`
}

// Store is a thread-safe, in-memory store of per-session notes.
// The zero value is ready to use.
type Store struct {
	mu    sync.RWMutex
	notes map[string][]Note
}

// NewStore returns an initialised [Store].
func NewStore() *Store {
	return &Store{notes: make(map[string][]Note)}
}

// Add appends text as a new note for the session and returns the stored note.
func (s *Store) Add(sessionID, text string, now time.Time) Note {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.notes == nil {
		s.notes = make(map[string][]Note)
	}

	n := Note{
		Index:     len(s.notes[sessionID]) + 1,
		Text:      text,
		CreatedAt: now,
	}
	s.notes[sessionID] = append(s.notes[sessionID], n)
	return n
}

// List returns a copy of the session's notes in insertion order.
func (s *Store) List(sessionID string) []Note {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.notes[sessionID])
}

// Clear removes all notes for the session and reports how many were dropped.
func (s *Store) Clear(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.notes[sessionID])
	delete(s.notes, sessionID)
	return n
}

// ─────────────────────────────────────────────────────────────────────────────
// note_add
// ─────────────────────────────────────────────────────────────────────────────

// noteAddArgs is the JSON-decoded input for the "note_add" tool.
type noteAddArgs struct {
	// Text is the note content to append.
	Text string `json:"text"`
}

// noteAddResult is the payload returned by a successful note_add call.
type noteAddResult struct {
	// Index is the 1-based position the note was stored at.
	Index int `json:"index"`

	// Total is the session's note count after the add.
	Total int `json:"total"`
}

// makeNoteAddHandler returns a handler for the "note_add" tool.
func makeNoteAddHandler(store *Store) tool.Handler {
	return func(_ context.Context, call tool.Call) (tool.Result, error) {
		var a noteAddArgs
		if err := json.Unmarshal(call.Args, &a); err != nil {
			return tool.Result{}, tool.Errorf(tool.KindValidation,
				"note_add arguments are not a JSON object: %v", err)
		}
		if strings.TrimSpace(a.Text) == "" {
			return tool.Result{}, tool.Errorf(tool.KindValidation,
				"text must not be empty; pass the note content in the \"text\" argument")
		}

		// The appended note is always last, so its index doubles as the count.
		n := store.Add(call.SessionID, a.Text, time.Now().UTC())
		return tool.Result{Data: noteAddResult{Index: n.Index, Total: n.Index}}, nil
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// note_list
// ─────────────────────────────────────────────────────────────────────────────

// makeNoteListHandler returns a handler for the "note_list" tool. The tool
// takes no arguments.
func makeNoteListHandler(store *Store) tool.Handler {
	return func(_ context.Context, call tool.Call) (tool.Result, error) {
		list := store.List(call.SessionID)
		if list == nil {
			list = []Note{}
		}
		return tool.Result{Data: list, Empty: len(list) == 0}, nil
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// NewTools
// ─────────────────────────────────────────────────────────────────────────────

// NewTools constructs the scratchpad tool set backed by store. store must be
// non-nil.
func NewTools(store *Store) []tool.Tool {
	return []tool.Tool{
		{
			Definition: tool.Definition{
				ID:          "note_add",
				Version:     "1.0.0",
				Description: "Append a note to this session's scratchpad. Notes are private to the session and listed in insertion order by note_list. Use them to keep short reminders or intermediate findings during a conversation.",
				Category:    tool.CategoryAction,
				Modes:       []tool.Mode{tool.ModeText, tool.ModeVoice},
				Schema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"text": map[string]any{
							"type":        "string",
							"description": "The note content to append.",
						},
					},
					"required": []string{"text"},
				},
				EstimatedDurationMs: 5,
				MaxDurationMs:       50,
			},
			Handler: makeNoteAddHandler(store),
		},
		{
			Definition: tool.Definition{
				ID:          "note_list",
				Version:     "1.0.0",
				Description: "List this session's scratchpad notes in insertion order. Returns an empty list when the session has no notes; there is no point calling it again in the same turn if it came back empty.",
				Category:    tool.CategoryRetrieval,
				Modes:       []tool.Mode{tool.ModeText, tool.ModeVoice},
				Schema: map[string]any{
					"type":       "object",
					"properties": map[string]any{},
				},
				EstimatedDurationMs: 5,
				MaxDurationMs:       50,
			},
			Handler: makeNoteListHandler(store),
		},
	}
}
