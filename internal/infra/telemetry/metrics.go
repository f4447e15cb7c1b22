package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Instrument names.
const (
	MetricDetections      = "copier.detections"
	MetricReplications    = "copier.replications"
	MetricFanoutDuration  = "copier.fanout.duration"
	MetricSessionsActive  = "copier.sessions.active"
	MetricQueueSaturated  = "copier.queue.saturated"
	MetricRegistryCycles  = "copier.registry.cycles"
	MetricSessionStates   = "copier.sessions.transitions"
	MetricCredentialCache = "copier.credentials.cache"
)

// ReplicationMetrics bundles the instruments recorded along the replication path.
// A zero value records nothing.
type ReplicationMetrics struct {
	Detections       metric.Int64Counter
	Replications     metric.Int64Counter
	FanoutDuration   metric.Float64Histogram
	SessionsActive   metric.Int64UpDownCounter
	SessionStates    metric.Int64Counter
	QueueSaturated   metric.Int64Counter
	RegistryCycles   metric.Int64Counter
	CredentialLookup metric.Int64Counter
}

// NewReplicationMetrics registers the instruments on the global meter provider.
func NewReplicationMetrics() *ReplicationMetrics {
	meter := otel.Meter("copier")
	m := new(ReplicationMetrics)
	m.Detections, _ = meter.Int64Counter(MetricDetections,
		metric.WithDescription("Qualifying master fills detected"),
		metric.WithUnit("{event}"))
	m.Replications, _ = meter.Int64Counter(MetricReplications,
		metric.WithDescription("Follower replication outcomes"),
		metric.WithUnit("{order}"))
	m.FanoutDuration, _ = meter.Float64Histogram(MetricFanoutDuration,
		metric.WithDescription("Time to produce every follower outcome for one event"),
		metric.WithUnit("ms"))
	m.SessionsActive, _ = meter.Int64UpDownCounter(MetricSessionsActive,
		metric.WithDescription("Master sessions currently tracked"),
		metric.WithUnit("{session}"))
	m.SessionStates, _ = meter.Int64Counter(MetricSessionStates,
		metric.WithDescription("Master session state transitions"),
		metric.WithUnit("{transition}"))
	m.QueueSaturated, _ = meter.Int64Counter(MetricQueueSaturated,
		metric.WithDescription("Events that hit a full session queue"),
		metric.WithUnit("{event}"))
	m.RegistryCycles, _ = meter.Int64Counter(MetricRegistryCycles,
		metric.WithDescription("Relationship registry poll cycles"),
		metric.WithUnit("{cycle}"))
	m.CredentialLookup, _ = meter.Int64Counter(MetricCredentialCache,
		metric.WithDescription("Credential cache lookups by result"),
		metric.WithUnit("{lookup}"))
	return m
}

// Detection counts a qualifying master fill.
func (m *ReplicationMetrics) Detection(master, symbol, side string) {
	if m == nil || m.Detections == nil {
		return
	}
	m.Detections.Add(context.Background(), 1, metric.WithAttributes(DetectionAttributes(Environment(), master, symbol, side)...))
}

// Replication counts one follower outcome.
func (m *ReplicationMetrics) Replication(symbol, result, errorType string) {
	if m == nil || m.Replications == nil {
		return
	}
	m.Replications.Add(context.Background(), 1, metric.WithAttributes(ReplicationAttributes(Environment(), symbol, result, errorType)...))
}

// Fanout records how long one event took to reach every follower.
func (m *ReplicationMetrics) Fanout(ms float64, symbol string) {
	if m == nil || m.FanoutDuration == nil {
		return
	}
	m.FanoutDuration.Record(context.Background(), ms, metric.WithAttributes(
		AttrEnvironment.String(Environment()), AttrSymbol.String(symbol)))
}

// SessionDelta moves the active session gauge.
func (m *ReplicationMetrics) SessionDelta(delta int64) {
	if m == nil || m.SessionsActive == nil {
		return
	}
	m.SessionsActive.Add(context.Background(), delta, metric.WithAttributes(AttrEnvironment.String(Environment())))
}

// SessionState counts a session transition.
func (m *ReplicationMetrics) SessionState(master, state string) {
	if m == nil || m.SessionStates == nil {
		return
	}
	m.SessionStates.Add(context.Background(), 1, metric.WithAttributes(ConnectionAttributes(Environment(), master, state)...))
}

// Saturated counts an event that found its session queue full.
func (m *ReplicationMetrics) Saturated(master string) {
	if m == nil || m.QueueSaturated == nil {
		return
	}
	m.QueueSaturated.Add(context.Background(), 1, metric.WithAttributes(
		AttrEnvironment.String(Environment()), AttrMasterAccount.String(master)))
}

// RegistryCycle counts a registry poll by operation and result.
func (m *ReplicationMetrics) RegistryCycle(operation, result string) {
	if m == nil || m.RegistryCycles == nil {
		return
	}
	m.RegistryCycles.Add(context.Background(), 1, metric.WithAttributes(OperationResultAttributes(Environment(), operation, result)...))
}

// CacheLookup counts a credential cache hit or miss.
func (m *ReplicationMetrics) CacheLookup(cache string, hit bool) {
	if m == nil || m.CredentialLookup == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	attrs := append(CacheAttributes(Environment(), cache), AttrResult.String(result))
	m.CredentialLookup.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}
