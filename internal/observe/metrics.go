// Package observe provides application-wide observability primitives for
// Parlance: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parlance metrics.
const meterName = "github.com/parlancehq/parlance"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks full user-speech-end to assistant-audio-end turn
	// latency. Use with attribute.String("pipeline", "cascade"|"realtime").
	TurnDuration metric.Float64Histogram

	// LLMFirstToken tracks time from LLM request to first streamed token.
	LLMFirstToken metric.Float64Histogram

	// TTSFirstChunk tracks time from synthesis start to first audio chunk.
	TTSFirstChunk metric.Float64Histogram

	// ToolExecutionDuration tracks tool execution latency. Use with
	// attribute.String("tool", ...).
	ToolExecutionDuration metric.Float64Histogram

	// BargeInReaction tracks speech-start to outbound-silence latency.
	BargeInReaction metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed turns. Use with attributes:
	//   attribute.String("agent", ...), attribute.String("status", ...)
	Turns metric.Int64Counter

	// Handoffs counts agent handoffs. Use with attributes:
	//   attribute.String("kind", "announced"|"discrete"), attribute.String("to", ...)
	Handoffs metric.Int64Counter

	// ToolErrors counts failed tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("kind", ...)
	ToolErrors metric.Int64Counter

	// QueueEvictions counts partial transcripts evicted from a full
	// cascade queue.
	QueueEvictions metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// PoolInUse tracks leased pool resources. Use with attribute:
	//   attribute.String("pool", "stt"|"tts"|"llm")
	PoolInUse metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// reactionBuckets covers the barge-in budget with finer resolution around the
// 250ms contract.
var reactionBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.15, 0.2, 0.25, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("parlance.turn.duration",
		metric.WithDescription("Full turn latency from end of user speech to end of assistant audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMFirstToken, err = m.Float64Histogram("parlance.llm.first_token",
		metric.WithDescription("Time from LLM request to first streamed token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSFirstChunk, err = m.Float64Histogram("parlance.tts.first_chunk",
		metric.WithDescription("Time from synthesis start to first audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("parlance.tool.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BargeInReaction, err = m.Float64Histogram("parlance.bargein.reaction",
		metric.WithDescription("Latency from caller speech start to outbound silence."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(reactionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("parlance.turns",
		metric.WithDescription("Total completed turns by agent and status."),
	); err != nil {
		return nil, err
	}
	if met.Handoffs, err = m.Int64Counter("parlance.handoffs",
		metric.WithDescription("Total agent handoffs by kind and target agent."),
	); err != nil {
		return nil, err
	}
	if met.ToolErrors, err = m.Int64Counter("parlance.tool.errors",
		metric.WithDescription("Total failed tool invocations by tool and fault kind."),
	); err != nil {
		return nil, err
	}
	if met.QueueEvictions, err = m.Int64Counter("parlance.queue.evictions",
		metric.WithDescription("Partial transcripts evicted from a full cascade queue."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("parlance.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("parlance.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parlance.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.PoolInUse, err = m.Int64UpDownCounter("parlance.pool.in_use",
		metric.WithDescription("Leased provider pool resources by pool."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parlance.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTurn records a completed turn with its full latency.
func (m *Metrics) RecordTurn(ctx context.Context, agent, pipeline, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("status", status),
	)
	m.Turns.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("pipeline", pipeline)),
	)
}

// RecordHandoff records an agent handoff by kind and target.
func (m *Metrics) RecordHandoff(ctx context.Context, kind, to string) {
	m.Handoffs.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("to", to),
		),
	)
}

// RecordToolExecution records one tool invocation, counting a failure when
// faultKind is non-empty.
func (m *Metrics) RecordToolExecution(ctx context.Context, tool, faultKind string, d time.Duration) {
	m.ToolExecutionDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("tool", tool)),
	)
	if faultKind != "" {
		m.ToolErrors.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("tool", tool),
				attribute.String("kind", faultKind),
			),
		)
	}
}

// RecordBargeIn records one interruption's reaction latency.
func (m *Metrics) RecordBargeIn(ctx context.Context, d time.Duration) {
	m.BargeInReaction.Record(ctx, d.Seconds())
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
