// Package sessionctl provides the built-in session-control tools that drive
// conversation state transitions.
//
// Three tools are exported via [NewTools]:
//   - "voice_start" — activate the voice sub-session (idempotent).
//   - "voice_end"   — deactivate the voice sub-session (requires it active).
//   - "ignore_user" — add or remove a user from the session's ignored set.
//
// Successful execution of these tools is the only mutation path into the
// session state controller.
package sessionctl

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/MrWong99/toolgate/internal/observe"
	"github.com/MrWong99/toolgate/pkg/tool"
	"github.com/MrWong99/toolgate/pkg/tool/session"
)

// Intent strings suggested to the outer system after a voice transition.
const (
	intentSwitchToVoice = "switch_to_voice"
	intentSwitchToText  = "switch_to_text"
)

// ─────────────────────────────────────────────────────────────────────────────
// voice_start
// ─────────────────────────────────────────────────────────────────────────────

// voiceStartResult is the payload returned by a successful voice_start call.
type voiceStartResult struct {
	// Active is always true after a successful call.
	Active bool `json:"active"`

	// Changed reports whether this call performed the INACTIVE→ACTIVE
	// transition. False means the sub-session was already active.
	Changed bool `json:"changed"`
}

// makeVoiceStartHandler returns a handler for the "voice_start" tool. The
// switch_to_voice intent is emitted only when this call performed the
// transition; the gauge moves with it.
func makeVoiceStartHandler(mgr *session.Manager, metrics *observe.Metrics) tool.Handler {
	return func(ctx context.Context, call tool.Call) (tool.Result, error) {
		changed := mgr.GetOrCreate(call.SessionID).State().StartVoice()
		if changed && metrics != nil {
			metrics.ActiveVoiceSessions.Add(ctx, 1)
		}

		res := tool.Result{Data: voiceStartResult{Active: true, Changed: changed}}
		if changed {
			res.Intents = []string{intentSwitchToVoice}
		}
		return res, nil
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// voice_end
// ─────────────────────────────────────────────────────────────────────────────

// voiceEndResult is the payload returned by a successful voice_end call.
type voiceEndResult struct {
	// Active is always false after a successful call.
	Active bool `json:"active"`
}

// makeVoiceEndHandler returns a handler for the "voice_end" tool. Success
// always means a real ACTIVE→INACTIVE transition; ending an inactive
// sub-session is a SESSION_INACTIVE error.
func makeVoiceEndHandler(mgr *session.Manager, metrics *observe.Metrics) tool.Handler {
	return func(ctx context.Context, call tool.Call) (tool.Result, error) {
		if err := mgr.GetOrCreate(call.SessionID).State().EndVoice(); err != nil {
			return tool.Result{}, err
		}
		if metrics != nil {
			metrics.ActiveVoiceSessions.Add(ctx, -1)
		}

		return tool.Result{
			Data:    voiceEndResult{Active: false},
			Intents: []string{intentSwitchToText},
		}, nil
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// ignore_user
// ─────────────────────────────────────────────────────────────────────────────

// ignoreUserArgs is the JSON-decoded input for the "ignore_user" tool.
type ignoreUserArgs struct {
	// UserID identifies the user to ignore or unignore.
	UserID string `json:"user_id"`

	// Ignored selects the direction: true adds the user to the ignored
	// set, false removes them. Defaults to true when omitted.
	Ignored *bool `json:"ignored,omitempty"`
}

// ignoreUserResult is the payload returned by a successful ignore_user call.
type ignoreUserResult struct {
	// UserID echoes the affected user.
	UserID string `json:"user_id"`

	// Ignored is the user's membership in the ignored set after the call.
	Ignored bool `json:"ignored"`

	// Changed reports whether the set actually changed.
	Changed bool `json:"changed"`
}

// makeIgnoreUserHandler returns a handler for the "ignore_user" tool.
func makeIgnoreUserHandler(mgr *session.Manager) tool.Handler {
	return func(_ context.Context, call tool.Call) (tool.Result, error) {
		var a ignoreUserArgs
		if err := json.Unmarshal(call.Args, &a); err != nil {
			return tool.Result{}, tool.Errorf(tool.KindValidation,
				"ignore_user arguments are not a JSON object: %v", err)
		}
		userID := strings.TrimSpace(a.UserID)
		if userID == "" {
			return tool.Result{}, tool.Errorf(tool.KindValidation,
				"user_id must not be empty; pass the user to ignore in the \"user_id\" argument")
		}

		ignored := true
		if a.Ignored != nil {
			ignored = *a.Ignored
		}

		state := mgr.GetOrCreate(call.SessionID).State()
		var changed bool
		if ignored {
			changed = state.IgnoreUser(userID)
		} else {
			changed = state.UnignoreUser(userID)
		}

		return tool.Result{Data: ignoreUserResult{
			UserID:  userID,
			Ignored: ignored,
			Changed: changed,
		}}, nil
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// NewTools
// ─────────────────────────────────────────────────────────────────────────────

// NewTools constructs the session-control tool set wired to the session
// manager. mgr must be non-nil; metrics may be nil to skip gauge updates.
func NewTools(mgr *session.Manager, metrics *observe.Metrics) []tool.Tool {
	return []tool.Tool{
		{
			Definition: tool.Definition{
				ID:          "voice_start",
				Version:     "1.0.0",
				Description: "Activate this session's voice sub-session. Idempotent: calling it while voice is already active succeeds without a second activation; check the changed field in the result. Emits a switch_to_voice intent when the transition happens.",
				Category:    tool.CategorySessionControl,
				Modes:       []tool.Mode{tool.ModeText, tool.ModeVoice},
				Schema: map[string]any{
					"type":       "object",
					"properties": map[string]any{},
				},
				EstimatedDurationMs: 5,
				MaxDurationMs:       50,
			},
			Handler: makeVoiceStartHandler(mgr, metrics),
		},
		{
			Definition: tool.Definition{
				ID:          "voice_end",
				Version:     "1.0.0",
				Description: "Deactivate this session's voice sub-session and suggest switching back to text. Requires an active voice sub-session; calling it while inactive is a SESSION_INACTIVE error.",
				Category:    tool.CategorySessionControl,
				Modes:       []tool.Mode{tool.ModeText, tool.ModeVoice},
				Preconditions: []tool.Precondition{
					tool.PrecondVoiceActive,
				},
				Schema: map[string]any{
					"type":       "object",
					"properties": map[string]any{},
				},
				EstimatedDurationMs: 5,
				MaxDurationMs:       50,
			},
			Handler: makeVoiceEndHandler(mgr, metrics),
		},
		{
			Definition: tool.Definition{
				ID:          "ignore_user",
				Version:     "1.0.0",
				Description: "Add a user to this session's ignored set, or remove one by passing ignored=false. Upstream routing consults the set before offering messages to the session; the tools themselves only maintain it.",
				Category:    tool.CategorySessionControl,
				Modes:       []tool.Mode{tool.ModeText, tool.ModeVoice},
				Schema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"user_id": map[string]any{
							"type":        "string",
							"description": "The user to ignore or unignore.",
						},
						"ignored": map[string]any{
							"type":        "boolean",
							"description": "true to ignore the user, false to unignore. Defaults to true.",
						},
					},
					"required": []string{"user_id"},
				},
				EstimatedDurationMs: 5,
				MaxDurationMs:       50,
			},
			Handler: makeIgnoreUserHandler(mgr),
		},
	}
}
