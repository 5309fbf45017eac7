package session

import (
	"slices"
	"sync"

	"github.com/MrWong99/toolgate/pkg/tool"
)

// Controller tracks the conversation state the engine gates on: the voice
// sub-session (INACTIVE or ACTIVE) and the set of ignored users. State
// transitions happen only through successful execution of the
// session-control tools; the engine wires no other mutation path.
//
// All methods are safe for concurrent use.
type Controller struct {
	mu          sync.Mutex
	voiceActive bool
	ignored     map[string]struct{}
}

// NewController creates a Controller with an INACTIVE voice sub-session
// and an empty ignored-user set.
func NewController() *Controller {
	return &Controller{ignored: map[string]struct{}{}}
}

// StartVoice activates the voice sub-session. Starting an already ACTIVE
// session is not an error; the return reports whether this call performed
// the transition.
func (c *Controller) StartVoice() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.voiceActive {
		return false
	}
	c.voiceActive = true
	return true
}

// EndVoice deactivates the voice sub-session. Ending while INACTIVE
// returns a SESSION_INACTIVE error and changes nothing.
func (c *Controller) EndVoice() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.voiceActive {
		return tool.Errorf(tool.KindSessionInactive,
			"no voice session is active; call voice_start before ending one")
	}
	c.voiceActive = false
	return nil
}

// VoiceActive reports whether the voice sub-session is ACTIVE.
func (c *Controller) VoiceActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voiceActive
}

// IgnoreUser adds userID to the ignored set and reports whether the set
// changed.
func (c *Controller) IgnoreUser(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ignored[userID]; ok {
		return false
	}
	c.ignored[userID] = struct{}{}
	return true
}

// UnignoreUser removes userID from the ignored set and reports whether the
// set changed.
func (c *Controller) UnignoreUser(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ignored[userID]; !ok {
		return false
	}
	delete(c.ignored, userID)
	return true
}

// IsIgnored reports whether userID is in the ignored set.
func (c *Controller) IsIgnored(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.ignored[userID]
	return ok
}

// IgnoredUsers returns a sorted copy of the ignored set.
func (c *Controller) IgnoredUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.ignored))
	for id := range c.ignored {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Check reports whether the named precondition holds, returning a
// SESSION_INACTIVE error when it does not.
func (c *Controller) Check(p tool.Precondition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch p {
	case tool.PrecondVoiceActive:
		if !c.voiceActive {
			return tool.Errorf(tool.KindSessionInactive,
				"this tool requires an active voice session; call voice_start first")
		}
	case tool.PrecondVoiceInactive:
		if c.voiceActive {
			return tool.Errorf(tool.KindSessionInactive,
				"this tool requires the voice session to be inactive; call voice_end first")
		}
	}
	return nil
}
