// Package observe provides process-wide observability for toolgate:
// OpenTelemetry metrics, tracing helpers, structured logging enrichment and
// HTTP middleware tying them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so everything stays
// scrapeable on the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) exists for convenience; tests
// should use [NewMetrics] with their own [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/toolgate/pkg/tool"
	"github.com/MrWong99/toolgate/pkg/tool/dispatch"
)

// Compile-time check: Metrics must satisfy the dispatcher's observer.
var _ dispatch.Observer = (*Metrics)(nil)

// meterName is the instrumentation scope name used for all toolgate metrics.
const meterName = "github.com/MrWong99/toolgate"

// Metrics holds all OpenTelemetry metric instruments for the engine.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// CallDuration tracks tool call latency end to end, including
	// validation and policy checks. Attributes: tool, mode, status.
	CallDuration metric.Float64Histogram

	// Calls counts tool call envelopes by outcome. Attributes: tool, mode,
	// status ("ok" or the error kind).
	Calls metric.Int64Counter

	// LoopBlocks counts calls the loop detector blocked or converted.
	// Attributes: tool, rule ("same_args" or "empty_results").
	LoopBlocks metric.Int64Counter

	// BudgetRejections counts calls rejected by the per-turn budget.
	// Attributes: mode, budget ("total" or "retrieval").
	BudgetRejections metric.Int64Counter

	// SoftTargetOverruns counts voice-mode calls that finished but blew
	// the advisory latency target. Attribute: tool.
	SoftTargetOverruns metric.Int64Counter

	// RegistryRebuilds counts explicit registry rebuilds. Attribute:
	// status ("ok" or "error").
	RegistryRebuilds metric.Int64Counter

	// ActiveVoiceSessions tracks how many voice sub-sessions are ACTIVE
	// right now.
	ActiveVoiceSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks ops-surface request processing time.
	// Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) spanning
// the voice soft target (0.8s) up to the text hard timeout (30s).
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 0.8, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] using the given
// [metric.MeterProvider]. Returns an error if any instrument creation
// fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.CallDuration, err = m.Float64Histogram("toolgate.call.duration",
		metric.WithDescription("End-to-end tool call latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Calls, err = m.Int64Counter("toolgate.calls",
		metric.WithDescription("Total tool call envelopes by tool, mode, and status."),
	); err != nil {
		return nil, err
	}
	if met.LoopBlocks, err = m.Int64Counter("toolgate.loop.blocks",
		metric.WithDescription("Calls blocked or converted by the loop detector, by tool and rule."),
	); err != nil {
		return nil, err
	}
	if met.BudgetRejections, err = m.Int64Counter("toolgate.budget.rejections",
		metric.WithDescription("Calls rejected by the per-turn budget, by mode and budget."),
	); err != nil {
		return nil, err
	}
	if met.SoftTargetOverruns, err = m.Int64Counter("toolgate.soft_target.overruns",
		metric.WithDescription("Voice-mode calls that exceeded the advisory latency target."),
	); err != nil {
		return nil, err
	}
	if met.RegistryRebuilds, err = m.Int64Counter("toolgate.registry.rebuilds",
		metric.WithDescription("Explicit registry rebuilds by status."),
	); err != nil {
		return nil, err
	}
	if met.ActiveVoiceSessions, err = m.Int64UpDownCounter("toolgate.voice_sessions.active",
		metric.WithDescription("Number of voice sub-sessions currently ACTIVE."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("toolgate.http.request.duration",
		metric.WithDescription("Ops HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call from [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (which the global
// provider does not do).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity
// at call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordCall records one completed call envelope: the outcome counter plus
// the latency histogram. status is "ok" or the error kind. It satisfies
// the dispatcher's Observer interface.
func (m *Metrics) RecordCall(ctx context.Context, toolID string, mode tool.Mode, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("tool", toolID),
		attribute.String("mode", string(mode)),
		attribute.String("status", status),
	)
	m.Calls.Add(ctx, 1, attrs)
	m.CallDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordLoopBlock records a loop detector intervention for toolID under
// the given rule ("same_args" or "empty_results").
func (m *Metrics) RecordLoopBlock(ctx context.Context, toolID, rule string) {
	m.LoopBlocks.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", toolID),
			attribute.String("rule", rule),
		),
	)
}

// RecordBudgetRejection records a budget rejection for the given mode and
// budget ("total" or "retrieval").
func (m *Metrics) RecordBudgetRejection(ctx context.Context, mode tool.Mode, budget string) {
	m.BudgetRejections.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", string(mode)),
			attribute.String("budget", budget),
		),
	)
}

// RecordSoftOverrun records a voice-mode call that exceeded the advisory
// soft target. The duration itself lands in [Metrics.CallDuration] when
// the call finishes, so only the counter moves here.
func (m *Metrics) RecordSoftOverrun(ctx context.Context, toolID string, _ time.Duration) {
	m.SoftTargetOverruns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("tool", toolID)),
	)
}

// RecordRegistryRebuild records an explicit registry rebuild outcome.
func (m *Metrics) RecordRegistryRebuild(ctx context.Context, status string) {
	m.RegistryRebuilds.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
