// Package stats accumulates per-session tool call statistics: outcome and
// per-error-kind counts, latency percentiles over a sliding sample window,
// response payload sizes and a rough cumulative token estimate.
//
// Recording never fails the call path: methods have no error returns and a
// nil [*Accumulator] is a valid no-op receiver.
package stats

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/toolgate/pkg/tool"
)

const (
	// defaultWindowSize is how many latency samples the percentile window
	// keeps before overwriting the oldest.
	defaultWindowSize = 256

	// bytesPerToken is the fixed serialized-bytes-to-token ratio behind
	// the cumulative token estimate.
	bytesPerToken = 4
)

// window is a fixed-size ring of latency samples. It has no lock of its
// own; the owning Accumulator's mutex guards it.
type window struct {
	samples []float64
	idx     int
	full    bool
}

func newWindow(size int) *window {
	return &window{samples: make([]float64, size)}
}

func (w *window) add(v float64) {
	w.samples[w.idx] = v
	w.idx++
	if w.idx == len(w.samples) {
		w.idx = 0
		w.full = true
	}
}

// sortedCopy returns the occupied portion of the ring in ascending order.
func (w *window) sortedCopy() []float64 {
	n := w.idx
	if w.full {
		n = len(w.samples)
	}
	out := make([]float64, n)
	copy(out, w.samples[:n])
	slices.Sort(out)
	return out
}

// percentile reads the p-th percentile from an ascending sample slice
// using the nearest-rank method. Empty input yields 0.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// Accumulator collects call statistics for one session. All methods are
// safe for concurrent use.
type Accumulator struct {
	mu        sync.Mutex
	total     int64
	successes int64
	failures  int64
	byKind    map[tool.Kind]int64
	latencies *window
	respBytes int64
	respCount int64
}

// New creates an Accumulator with the default latency window.
func New() *Accumulator {
	return &Accumulator{
		byKind:    map[tool.Kind]int64{},
		latencies: newWindow(defaultWindowSize),
	}
}

// Record adds one completed call. ok reports envelope success; kind is the
// failure classification and is ignored when ok is true; d is the call's
// wall-clock duration; respBytes is the serialized payload size and is
// counted only for successful calls.
func (a *Accumulator) Record(ok bool, kind tool.Kind, d time.Duration, respBytes int) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.total++
	if ok {
		a.successes++
		a.respBytes += int64(respBytes)
		a.respCount++
	} else {
		a.failures++
		a.byKind[kind]++
	}
	a.latencies.add(float64(d) / float64(time.Millisecond))
}

// Snapshot is a point-in-time view of an [Accumulator].
type Snapshot struct {
	// TotalCalls counts every recorded call, success or failure.
	TotalCalls int64 `json:"total_calls"`

	// Successes counts calls whose envelope reported ok.
	Successes int64 `json:"successes"`

	// Failures counts calls whose envelope carried an error.
	Failures int64 `json:"failures"`

	// ByKind breaks failures down by taxonomy kind. Omitted while empty.
	ByKind map[tool.Kind]int64 `json:"by_kind,omitempty"`

	// P50Ms, P95Ms and P99Ms are latency percentiles over the sample
	// window, in milliseconds. Zero while no samples exist.
	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
	P99Ms float64 `json:"p99_ms"`

	// AvgResponseBytes is the mean serialized payload size of successful
	// calls.
	AvgResponseBytes float64 `json:"avg_response_bytes"`

	// EstimatedTokens approximates the cumulative token volume returned
	// to the agent, at a fixed bytes-per-token ratio.
	EstimatedTokens int64 `json:"estimated_tokens"`
}

// Snapshot returns a copy of the current counters with derived
// percentiles. A nil receiver returns the zero Snapshot.
func (a *Accumulator) Snapshot() Snapshot {
	if a == nil {
		return Snapshot{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{
		TotalCalls:      a.total,
		Successes:       a.successes,
		Failures:        a.failures,
		EstimatedTokens: a.respBytes / bytesPerToken,
	}
	if len(a.byKind) > 0 {
		snap.ByKind = make(map[tool.Kind]int64, len(a.byKind))
		for k, v := range a.byKind {
			snap.ByKind[k] = v
		}
	}
	sorted := a.latencies.sortedCopy()
	snap.P50Ms = percentile(sorted, 50)
	snap.P95Ms = percentile(sorted, 95)
	snap.P99Ms = percentile(sorted, 99)
	if a.respCount > 0 {
		snap.AvgResponseBytes = float64(a.respBytes) / float64(a.respCount)
	}
	return snap
}
