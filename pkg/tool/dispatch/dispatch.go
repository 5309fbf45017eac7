// Package dispatch executes tool calls against an immutable registry
// snapshot under per-mode budget, loop and timeout policy.
//
// [Dispatcher.Execute] runs every request through the same pipeline:
// resolve the tool, validate arguments, check session-state preconditions,
// reserve per-turn budget, consult the loop detector, invoke the handler
// under the mode's time limits, then record the outcome. Whatever happens
// inside, the caller receives a well-formed [tool.Response]: handler
// errors, panics and timeouts are folded into the envelope's error
// taxonomy and never propagate.
//
// The dispatcher itself never retries a call. Failure envelopes carry a
// retryable flag so the calling agent can decide.
//
// Typical usage:
//
//	reg, err := registry.Build(tools)
//	if err != nil {
//		return err
//	}
//	d := dispatch.New(reg, session.NewManager())
//	resp := d.Execute(ctx, tool.Request{
//		Tool:      "kb_search",
//		Args:      json.RawMessage(`{"query": "opening hours"}`),
//		Mode:      tool.ModeText,
//		SessionID: "conv-81",
//		TurnID:    4,
//	})
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/toolgate/pkg/tool"
	"github.com/MrWong99/toolgate/pkg/tool/loopdetect"
	"github.com/MrWong99/toolgate/pkg/tool/registry"
	"github.com/MrWong99/toolgate/pkg/tool/session"
)

// defaultBatchLimit caps concurrent handler invocations in
// [Dispatcher.ExecuteBatch] unless overridden with [WithBatchLimit].
const defaultBatchLimit = 8

// Label values passed to [Observer] methods. Unknown tools and modes are
// folded into fixed values to keep the metric label space bounded.
const (
	statusOK         = "ok"
	budgetTotal      = "total"
	budgetRetrieval  = "retrieval"
	ruleSameArgs     = "same_args"
	ruleEmptyResults = "empty_results"
	unknownTool      = "unknown"
	unknownMode      = tool.Mode("unknown")
)

// Budget is the per-mode execution policy the dispatcher enforces on every
// call.
type Budget struct {
	// MaxCallsPerTurn caps tool calls of any category per conversation
	// turn.
	MaxCallsPerTurn int

	// MaxRetrievalPerTurn caps retrieval-category calls per turn, counted
	// inside the total cap.
	MaxRetrievalPerTurn int

	// CallTimeout is the hard per-call deadline. The handler's context is
	// cancelled when it expires and the call fails TRANSIENT. Zero means
	// the mode imposes no deadline.
	CallTimeout time.Duration

	// SoftTarget is the advisory latency target. Calls that finish later
	// are logged and counted but never cancelled. Zero disables the check.
	SoftTarget time.Duration

	// HardCeiling optionally cancels calls in modes that otherwise run
	// without a deadline. Zero means no ceiling.
	HardCeiling time.Duration
}

// TextBudget returns the default policy for the relaxed-latency text
// agent: 10 calls per turn, 5 of them retrieval, 30 second hard timeout.
func TextBudget() Budget {
	return Budget{
		MaxCallsPerTurn:     10,
		MaxRetrievalPerTurn: 5,
		CallTimeout:         30 * time.Second,
	}
}

// VoiceBudget returns the default policy for the latency-critical voice
// agent: 3 calls per turn, 2 of them retrieval, an 800 millisecond
// advisory target and no hard deadline.
func VoiceBudget() Budget {
	return Budget{
		MaxCallsPerTurn:     3,
		MaxRetrievalPerTurn: 2,
		SoftTarget:          800 * time.Millisecond,
	}
}

// Observer receives execution events for metrics export; internal/observe
// implements it on OpenTelemetry instruments. Implementations must be safe
// for concurrent use. The dispatcher contains observer panics, so a
// misbehaving implementation can never fail a call.
type Observer interface {
	// RecordCall is invoked once per completed envelope. status is "ok" or
	// the error kind.
	RecordCall(ctx context.Context, toolID string, mode tool.Mode, status string, d time.Duration)

	// RecordLoopBlock is invoked when the loop detector blocks or converts
	// a call. rule is "same_args" or "empty_results".
	RecordLoopBlock(ctx context.Context, toolID, rule string)

	// RecordBudgetRejection is invoked when the per-turn budget rejects a
	// call. budget is "total" or "retrieval".
	RecordBudgetRejection(ctx context.Context, mode tool.Mode, budget string)

	// RecordSoftOverrun is invoked when a call finishes past the mode's
	// advisory latency target.
	RecordSoftOverrun(ctx context.Context, toolID string, d time.Duration)
}

// Dispatcher executes tool requests for all sessions of one engine
// instance. It is safe for concurrent use: the registry snapshot is
// swapped atomically and all mutable per-conversation state lives in the
// [session.Manager].
//
// The zero value is not usable; create instances with [New].
type Dispatcher struct {
	reg      atomic.Pointer[registry.Registry]
	sessions *session.Manager
	budgets  map[tool.Mode]Budget
	logger   *slog.Logger
	now      func() time.Time
	obs      Observer

	batchLimit int
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithBudget replaces the policy for one mode. Unconfigured modes keep
// [TextBudget] and [VoiceBudget].
func WithBudget(mode tool.Mode, b Budget) Option {
	return func(d *Dispatcher) { d.budgets[mode] = b }
}

// WithLogger sets the logger for policy warnings and contained panics.
// Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithObserver installs the metrics sink for execution events.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.obs = o }
}

// WithClock overrides the dispatcher's time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithBatchLimit caps how many requests [Dispatcher.ExecuteBatch] runs
// concurrently. Defaults to 8.
func WithBatchLimit(n int) Option {
	return func(d *Dispatcher) { d.batchLimit = n }
}

// New creates a Dispatcher executing against reg, with per-conversation
// state held by sessions. Both must be non-nil.
func New(reg *registry.Registry, sessions *session.Manager, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sessions: sessions,
		budgets: map[tool.Mode]Budget{
			tool.ModeText:  TextBudget(),
			tool.ModeVoice: VoiceBudget(),
		},
		logger:     slog.Default(),
		now:        time.Now,
		batchLimit: defaultBatchLimit,
	}
	d.reg.Store(reg)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SwapRegistry atomically replaces the registry snapshot. In-flight calls
// finish against the snapshot they resolved; later calls use the new one.
func (d *Dispatcher) SwapRegistry(reg *registry.Registry) {
	d.reg.Store(reg)
}

// Registry returns the snapshot currently serving calls.
func (d *Dispatcher) Registry() *registry.Registry {
	return d.reg.Load()
}

// Execute runs one request through the full policy pipeline and always
// returns a well-formed envelope.
func (d *Dispatcher) Execute(ctx context.Context, req tool.Request) (resp tool.Response) {
	start := d.now()
	reg := d.reg.Load()
	meta := tool.Meta{RegistryVersion: reg.Version(), Mode: req.Mode}

	metricTool := unknownTool
	var sess *session.Session
	var respBytes int

	// Stamp the duration and record the outcome on every exit path. The
	// session is nil until the tool resolved, so rejected lookups reach
	// the observer but never a session's stats. Recording never fails the
	// call: session stats have no error returns and observer panics are
	// contained.
	defer func() {
		elapsed := d.now().Sub(start)
		resp.Meta.DurationMs = elapsed.Milliseconds()

		status := statusOK
		var kind tool.Kind
		if !resp.OK && resp.Error != nil {
			kind = resp.Error.Kind
			status = string(kind)
		}
		if sess != nil {
			sess.Stats().Record(resp.OK, kind, elapsed, respBytes)
		}
		mode := req.Mode
		if !mode.IsValid() {
			mode = unknownMode
		}
		d.observe(func(o Observer) { o.RecordCall(ctx, metricTool, mode, status, elapsed) })
		d.logger.Debug("tool call finished",
			"tool", metricTool, "session", req.SessionID, "mode", req.Mode,
			"status", status, "duration_ms", resp.Meta.DurationMs)
	}()

	if err := ctx.Err(); err != nil {
		return tool.Fail(tool.KindTransient, "request aborted before dispatch: "+err.Error(), meta)
	}
	if req.SessionID == "" {
		return tool.Fail(tool.KindValidation, "request is missing a session ID", meta)
	}
	if !req.Mode.IsValid() {
		return tool.Fail(tool.KindValidation, fmt.Sprintf("unknown agent mode %q", req.Mode), meta)
	}
	if req.Tool == "" {
		return tool.Fail(tool.KindValidation, "request is missing a tool ID", meta)
	}

	entry, err := reg.Resolve(req.Tool, req.Mode)
	if err != nil {
		return tool.FailErr(err, meta)
	}
	def := entry.Definition()
	metricTool = def.ID
	meta.ToolVersion = def.Version
	meta.Category = def.Category

	// Session state is allocated only for requests naming a real tool, so
	// a mistyped tool ID neither creates a session nor skews its stats.
	sess = d.sessions.GetOrCreate(req.SessionID)

	if verr := entry.ValidateArgs(req.Args); verr != nil {
		return tool.FailErr(verr, meta)
	}

	for _, p := range def.Preconditions {
		if perr := sess.State().Check(p); perr != nil {
			return tool.FailErr(perr, meta)
		}
	}

	// Reserve budget before the loop check. Budget spent on a call the
	// detector then blocks is not refunded.
	b := d.budgets[req.Mode]
	if aerr := sess.Admit(req.TurnID, def.Category, b.MaxCallsPerTurn, b.MaxRetrievalPerTurn); aerr != nil {
		d.observe(func(o Observer) { o.RecordBudgetRejection(ctx, req.Mode, budgetLabel(aerr)) })
		return tool.FailErr(aerr, meta)
	}

	argHash := loopdetect.ArgHash(req.Args)
	if lerr := sess.Loops().Check(req.TurnID, def.ID, argHash); lerr != nil {
		d.observe(func(o Observer) { o.RecordLoopBlock(ctx, def.ID, loopRule(lerr)) })
		return tool.FailErr(lerr, meta)
	}

	// The handler runs outside all engine locks.
	callCtx, cancel, limit := d.callContext(ctx, b, def)
	defer cancel()

	call := tool.Call{
		Tool:      def.ID,
		Args:      req.Args,
		Mode:      req.Mode,
		SessionID: req.SessionID,
		TurnID:    req.TurnID,
	}
	invokeStart := d.now()
	result, herr := d.invoke(callCtx, entry.Handler(), call)
	invokeDur := d.now().Sub(invokeStart)

	if b.SoftTarget > 0 && invokeDur > b.SoftTarget {
		attrs := []any{
			"tool", def.ID,
			"mode", req.Mode,
			"duration_ms", invokeDur.Milliseconds(),
			"target_ms", b.SoftTarget.Milliseconds(),
		}
		if def.EstimatedDurationMs > 0 {
			attrs = append(attrs, "estimated_ms", def.EstimatedDurationMs)
		}
		d.logger.Warn("tool call exceeded the soft latency target", attrs...)
		d.observe(func(o Observer) { o.RecordSoftOverrun(ctx, def.ID, invokeDur) })
	}

	if herr != nil {
		if limit > 0 && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return tool.Fail(tool.KindTransient,
				fmt.Sprintf("%s did not finish within %s and was cancelled", def.ID, limit), meta)
		}
		return tool.FailErr(herr, meta)
	}

	// Serialise once: the byte count feeds the session stats and the
	// payload decides emptiness for the loop detector.
	payload, merr := json.Marshal(result.Data)
	if merr != nil {
		return tool.Fail(tool.KindInternal,
			fmt.Sprintf("the result of %s could not be serialised: %v", def.ID, merr), meta)
	}
	respBytes = len(payload)
	empty := result.Empty || tool.IsEmptyJSON(payload)

	if lerr := sess.Loops().Observe(req.TurnID, def.ID, argHash, empty); lerr != nil {
		d.observe(func(o Observer) { o.RecordLoopBlock(ctx, def.ID, ruleEmptyResults) })
		return tool.FailErr(lerr, meta)
	}

	return tool.OK(result.Data, meta, result.Intents...)
}

// ExecuteBatch executes several requests concurrently, at most the batch
// limit at a time, and returns the responses in request order. Every slot
// gets an envelope; one failing call does not affect the others.
func (d *Dispatcher) ExecuteBatch(ctx context.Context, reqs []tool.Request) []tool.Response {
	out := make([]tool.Response, len(reqs))
	var g errgroup.Group
	g.SetLimit(d.batchLimit)
	for i, req := range reqs {
		g.Go(func() error {
			out[i] = d.Execute(ctx, req)
			return nil
		})
	}
	// Workers never return an error; every outcome is an envelope in out.
	_ = g.Wait()
	return out
}

// callContext derives the handler context from the mode's hard limits and
// the tool's own cap. The returned cancel must always be called; limit is
// the effective deadline, zero when the call runs unbounded.
func (d *Dispatcher) callContext(ctx context.Context, b Budget, def tool.Definition) (context.Context, context.CancelFunc, time.Duration) {
	limit := b.CallTimeout
	if b.HardCeiling > 0 && (limit == 0 || b.HardCeiling < limit) {
		limit = b.HardCeiling
	}
	if def.MaxDurationMs > 0 {
		if perTool := time.Duration(def.MaxDurationMs) * time.Millisecond; limit == 0 || perTool < limit {
			limit = perTool
		}
	}
	if limit <= 0 {
		return ctx, func() {}, 0
	}
	callCtx, cancel := context.WithTimeout(ctx, limit)
	return callCtx, cancel, limit
}

// invoke runs the handler, containing panics so they surface as INTERNAL
// envelopes instead of taking down the process.
func (d *Dispatcher) invoke(ctx context.Context, h tool.Handler, call tool.Call) (result tool.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool handler panicked",
				"tool", call.Tool, "session", call.SessionID, "panic", r)
			err = tool.Errorf(tool.KindInternal,
				"%s failed unexpectedly; the failure was contained and logged", call.Tool)
		}
	}()
	return h(ctx, call)
}

// observe runs fn against the installed Observer, isolating the call path
// from a misbehaving implementation.
func (d *Dispatcher) observe(fn func(Observer)) {
	if d.obs == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("observer panicked", "panic", r)
		}
	}()
	fn(d.obs)
}

// budgetLabel names the cap behind a budget rejection.
func budgetLabel(err error) string {
	if errors.Is(err, session.ErrRetrievalBudget) {
		return budgetRetrieval
	}
	return budgetTotal
}

// loopRule names the repetition rule behind a loop intervention.
func loopRule(err error) string {
	if errors.Is(err, loopdetect.ErrEmptyResults) {
		return ruleEmptyResults
	}
	return ruleSameArgs
}
