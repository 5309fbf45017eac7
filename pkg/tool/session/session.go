// Package session owns all per-conversation state of the toolgate engine:
// the turn and budget ledger, the voice/ignore state controller, the loop
// detector and the statistics accumulator.
//
// A [Session] is created on first use by the [Manager] and belongs to
// exactly one conversation ID. Nothing in a session is shared across
// conversations, which is what makes loop detection, budgets and stats
// isolated between concurrent sessions.
//
// The zero values are not usable; create instances with [NewManager].
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/toolgate/pkg/tool"
	"github.com/MrWong99/toolgate/pkg/tool/loopdetect"
	"github.com/MrWong99/toolgate/pkg/tool/stats"
)

// Sentinel causes carried by [Session.Admit] rejections so callers can tell
// which cap tripped without parsing the message.
var (
	// ErrTotalBudget marks a rejection by the per-turn total call cap.
	ErrTotalBudget = errors.New("turn call budget exhausted")

	// ErrRetrievalBudget marks a rejection by the per-turn retrieval cap.
	ErrRetrievalBudget = errors.New("turn retrieval budget exhausted")
)

// Session is the engine state for one conversation. The session's own
// mutex guards only the turn and budget ledger plus the idle timestamp;
// the controller, detector and accumulator carry their own locks.
type Session struct {
	id string

	mu         sync.Mutex
	turnID     uint64
	calls      int
	retrievals int
	lastSeen   time.Time

	state *Controller
	loops *loopdetect.Detector
	stats *stats.Accumulator
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		id:       id,
		lastSeen: now,
		state:    NewController(),
		loops:    loopdetect.New(),
		stats:    stats.New(),
	}
}

// ID returns the conversation ID the session belongs to.
func (s *Session) ID() string { return s.id }

// State returns the session's state controller.
func (s *Session) State() *Controller { return s.state }

// Loops returns the session's loop detector.
func (s *Session) Loops() *loopdetect.Detector { return s.loops }

// Stats returns the session's statistics accumulator.
func (s *Session) Stats() *stats.Accumulator { return s.stats }

// Turn returns the most recent turn ID the budget ledger has seen.
func (s *Session) Turn() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnID
}

// Touch records activity for idle sweeping.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) lastSeenBefore(t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen.Before(t)
}

// Admit applies the per-turn budget to one call in a single critical
// section: it rolls the ledger forward when turnID has advanced, checks
// the caps and reserves one slot. A non-nil return means the call must be
// rejected as BUDGET_EXCEEDED and nothing was reserved. Budget spent on a
// call the loop detector later blocks is not refunded.
func (s *Session) Admit(turnID uint64, category tool.Category, maxCalls, maxRetrieval int) *tool.CallError {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turnID > s.turnID {
		s.turnID = turnID
		s.calls = 0
		s.retrievals = 0
		s.loops.Reset(turnID)
	}

	if s.calls >= maxCalls {
		return &tool.CallError{
			Kind:    tool.KindBudgetExceeded,
			Message: fmt.Sprintf("the turn's tool budget (%d calls) is spent; answer with what you already have or wait for the next turn", maxCalls),
			Err:     ErrTotalBudget,
		}
	}
	if category == tool.CategoryRetrieval && s.retrievals >= maxRetrieval {
		return &tool.CallError{
			Kind:    tool.KindBudgetExceeded,
			Message: fmt.Sprintf("the turn's retrieval budget (%d lookups) is spent; work with the material already retrieved or answer directly", maxRetrieval),
			Err:     ErrRetrievalBudget,
		}
	}

	s.calls++
	if category == tool.CategoryRetrieval {
		s.retrievals++
	}
	return nil
}
