// Package loopdetect tracks repetitive tool calling within a conversation
// turn and tells the dispatcher when an agent is stuck.
//
// Two patterns count as loops:
//
//   - The same tool called with identical canonical arguments three or more
//     times in one turn. The third attempt is blocked before the handler
//     runs.
//   - The same tool returning an empty result twice in a row in one turn.
//     The second empty response is converted into a LOOP_DETECTED failure
//     and further calls to that tool are blocked for the rest of the turn.
//
// A [Detector] belongs to exactly one session, so cross-session isolation
// follows from ownership. Per-turn state is dropped when the turn advances.
//
// The zero value is not usable; create instances with [New].
package loopdetect

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/toolgate/pkg/tool"
)

// Sentinel causes carried by detector errors so callers can tell which
// repetition rule fired without parsing the message.
var (
	// ErrSameArgs marks an intervention by the identical-arguments rule.
	ErrSameArgs = errors.New("identical call repeated")

	// ErrEmptyResults marks an intervention by the consecutive-empty-results
	// rule.
	ErrEmptyResults = errors.New("consecutive empty results")
)

const (
	// sameCallLimit is how many identical (tool, arguments) calls are
	// tolerated per turn. The limit-th attempt is blocked before invoke.
	sameCallLimit = 3

	// emptyRunLimit is how many consecutive empty results one tool may
	// produce per turn. The response that reaches the limit is converted
	// into a failure and the tool is blocked for the rest of the turn.
	emptyRunLimit = 2
)

// Detector holds the per-turn repetition counters for one session.
// All methods are safe for concurrent use.
type Detector struct {
	mu         sync.Mutex
	turnID     uint64
	occurrence map[string]int // (toolID, argHash) → calls this turn
	emptyRun   map[string]int // toolID → consecutive empty results this turn
}

// New creates an empty Detector.
func New() *Detector {
	return &Detector{
		occurrence: map[string]int{},
		emptyRun:   map[string]int{},
	}
}

// ensureTurn drops per-turn state once turnID moves past the tracked turn.
// Stale turn IDs are counted against the current ledger rather than
// resurrecting an old one. Callers must hold d.mu.
func (d *Detector) ensureTurn(turnID uint64) {
	if turnID <= d.turnID {
		return
	}
	d.turnID = turnID
	clear(d.occurrence)
	clear(d.emptyRun)
}

// Check reports whether a call to toolID with the given canonical argument
// hash must be blocked. Check never mutates counters, so blocked attempts
// do not extend the loop. A nil return means the call may proceed.
func (d *Detector) Check(turnID uint64, toolID, argHash string) *tool.CallError {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureTurn(turnID)

	if n := d.occurrence[occurrenceKey(toolID, argHash)]; n >= sameCallLimit-1 {
		return &tool.CallError{
			Kind: tool.KindLoopDetected,
			Message: fmt.Sprintf("%s was already called %d times this turn with identical arguments; repeating the call will not change the result. Vary the arguments or pick a different tool.",
				toolID, n),
			Err: ErrSameArgs,
		}
	}
	if run := d.emptyRun[toolID]; run >= emptyRunLimit {
		return &tool.CallError{
			Kind: tool.KindLoopDetected,
			Message: fmt.Sprintf("%s returned nothing %d times in a row this turn and is blocked until the next turn. Use a different tool or tell the user nothing was found.",
				toolID, run),
			Err: ErrEmptyResults,
		}
	}
	return nil
}

// Observe records a completed call and reports whether it closed an
// empty-result loop. A non-nil return means the dispatcher must replace
// the otherwise successful response with a LOOP_DETECTED failure.
func (d *Detector) Observe(turnID uint64, toolID, argHash string, empty bool) *tool.CallError {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureTurn(turnID)

	d.occurrence[occurrenceKey(toolID, argHash)]++

	if !empty {
		d.emptyRun[toolID] = 0
		return nil
	}
	d.emptyRun[toolID]++
	if run := d.emptyRun[toolID]; run >= emptyRunLimit {
		return &tool.CallError{
			Kind: tool.KindLoopDetected,
			Message: fmt.Sprintf("%s returned nothing %d times in a row this turn. Stop retrying it; rephrase the request or tell the user nothing was found.",
				toolID, run),
			Err: ErrEmptyResults,
		}
	}
	return nil
}

// Reset drops all per-turn state and records turnID as the current turn.
func (d *Detector) Reset(turnID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.turnID = turnID
	clear(d.occurrence)
	clear(d.emptyRun)
}

func occurrenceKey(toolID, argHash string) string {
	return toolID + "\x00" + argHash
}

// ArgHash returns the canonical hash of a JSON argument payload. The
// payload is decoded and re-encoded before hashing so that key order and
// number formatting differences do not yield distinct hashes for
// semantically identical arguments. Nil and empty payloads hash like {}.
func ArgHash(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		trimmed = []byte("{}")
	}
	canonical := trimmed
	var v any
	if err := json.Unmarshal(trimmed, &v); err == nil {
		if b, err := json.Marshal(v); err == nil {
			canonical = b
		}
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:16]
}
