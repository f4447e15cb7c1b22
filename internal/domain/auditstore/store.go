// Package auditstore defines the audit sink contract for detections and replication outcomes.
package auditstore

import (
	"context"
	"errors"

	"github.com/coachpo/copytrader/internal/domain/copytrade"
)

// Sink receives audit records. Callers treat failures as non-fatal.
type Sink interface {
	WriteDetection(ctx context.Context, detection copytrade.Detection) error
	WriteReplication(ctx context.Context, outcome copytrade.ReplicationOutcome) error
	WriteSessionEvent(ctx context.Context, event copytrade.SessionEvent) error
}

// ReplicationQuery scopes outcome lookups.
type ReplicationQuery struct {
	MasterAccountID   string
	FollowerAccountID string
	Limit             int
}

// Reader exposes stored audit records.
type Reader interface {
	ListReplications(ctx context.Context, query ReplicationQuery) ([]copytrade.ReplicationOutcome, error)
}

// MultiSink writes every record to each sink and joins the failures.
type MultiSink []Sink

// WriteDetection implements Sink.
func (m MultiSink) WriteDetection(ctx context.Context, d copytrade.Detection) error {
	return m.each(func(s Sink) error { return s.WriteDetection(ctx, d) })
}

// WriteReplication implements Sink.
func (m MultiSink) WriteReplication(ctx context.Context, o copytrade.ReplicationOutcome) error {
	return m.each(func(s Sink) error { return s.WriteReplication(ctx, o) })
}

// WriteSessionEvent implements Sink.
func (m MultiSink) WriteSessionEvent(ctx context.Context, ev copytrade.SessionEvent) error {
	return m.each(func(s Sink) error { return s.WriteSessionEvent(ctx, ev) })
}

func (m MultiSink) each(fn func(Sink) error) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := fn(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
