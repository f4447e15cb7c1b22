// Package audit records detections, replication outcomes and session
// transitions on a best-effort basis and emits the matching user notifications.
package audit

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/copytrader/errs"
	"github.com/coachpo/copytrader/internal/domain/auditstore"
	"github.com/coachpo/copytrader/internal/domain/copytrade"
	"github.com/coachpo/copytrader/internal/domain/notify"
)

const defaultWriteTimeout = 3 * time.Second

// Recorder writes audit records and notifications. Failures are logged and
// swallowed; nothing here can fail a replicated order or a session.
type Recorder struct {
	sink     auditstore.Sink
	notifier notify.Notifier
	logger   *log.Logger
	timeout  time.Duration
	clock    func() time.Time

	pending conc.WaitGroup
}

// Option customises a Recorder.
type Option func(*Recorder)

// WithTimeout bounds each sink write and notification.
func WithTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithClock overrides the clock used for notification timestamps.
func WithClock(clock func() time.Time) Option {
	return func(r *Recorder) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewRecorder constructs a recorder. Either collaborator may be nil.
func NewRecorder(sink auditstore.Sink, notifier notify.Notifier, logger *log.Logger, opts ...Option) *Recorder {
	if logger == nil {
		logger = log.New(os.Stdout, "audit ", log.LstdFlags|log.Lmicroseconds)
	}
	r := &Recorder{
		sink:     sink,
		notifier: notifier,
		logger:   logger,
		timeout:  defaultWriteTimeout,
		clock:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RecordDetection stores a master fill and notifies the master account.
func (r *Recorder) RecordDetection(ctx context.Context, d copytrade.Detection) {
	if r.sink != nil {
		r.write(ctx, "detection", func(wctx context.Context) error { return r.sink.WriteDetection(wctx, d) })
	}
	r.notify(ctx, notify.Notification{
		AccountID: d.MasterAccountID,
		Level:     notify.LevelInfo,
		Message:   fmt.Sprintf("detected %s %s %s @ %s", d.Side, d.Quantity.String(), d.Symbol, d.Price.String()),
	})
}

// RecordReplication stores a follower outcome and notifies the follower.
func (r *Recorder) RecordReplication(ctx context.Context, o copytrade.ReplicationOutcome) {
	if r.sink != nil {
		r.write(ctx, "replication", func(wctx context.Context) error { return r.sink.WriteReplication(wctx, o) })
	}
	n := notify.Notification{AccountID: o.FollowerAccountID, Level: notify.LevelInfo}
	switch {
	case o.Succeeded():
		n.Message = fmt.Sprintf("replicated %s %s %s from master %s (order %s)", o.Side, o.ScaledQuantity, o.Symbol, o.MasterAccountID, o.ResultOrderID)
	default:
		n.Level = notify.LevelError
		if o.ErrorKind == errs.KindQuantityTooSmall {
			n.Level = notify.LevelWarn
		}
		n.Message = fmt.Sprintf("replication of %s %s from master %s failed: %s", o.Side, o.Symbol, o.MasterAccountID, o.ErrorKind)
		if o.Reason != "" {
			n.Message += " (" + o.Reason + ")"
		}
	}
	if n.AccountID == "" {
		n.AccountID = o.MasterAccountID
	}
	r.notify(ctx, n)
}

// RecordSessionEvent stores a session transition and notifies the master
// for the transitions users care about.
func (r *Recorder) RecordSessionEvent(ctx context.Context, ev copytrade.SessionEvent) {
	if r.sink != nil {
		r.write(ctx, "session", func(wctx context.Context) error { return r.sink.WriteSessionEvent(wctx, ev) })
	}
	var n notify.Notification
	switch ev.State {
	case copytrade.StateSubscribed:
		n = notify.Notification{Level: notify.LevelInfo, Message: "master stream connected"}
	case copytrade.StateFailed:
		n = notify.Notification{Level: notify.LevelError, Message: fmt.Sprintf("master stream failed: %s", ev.ErrorKind)}
		if ev.Reason != "" {
			n.Message += " (" + ev.Reason + ")"
		}
	case copytrade.StateClosed:
		n = notify.Notification{Level: notify.LevelInfo, Message: "master stream closed"}
	default:
		return
	}
	n.AccountID = ev.MasterAccountID
	r.notify(ctx, n)
}

// Wait blocks until in-flight notifications have been handed off.
func (r *Recorder) Wait() {
	r.pending.Wait()
}

func (r *Recorder) write(ctx context.Context, kind string, fn func(context.Context) error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := fn(wctx); err != nil {
		r.logger.Printf("audit %s write failed: %v", kind, err)
	}
}

func (r *Recorder) notify(ctx context.Context, n notify.Notification) {
	if r.notifier == nil {
		return
	}
	if n.At.IsZero() {
		n.At = r.clock()
	}
	detached := context.WithoutCancel(ctx)
	r.pending.Go(func() {
		nctx, cancel := context.WithTimeout(detached, r.timeout)
		defer cancel()
		if err := r.notifier.Notify(nctx, n); err != nil {
			r.logger.Printf("notify account=%s failed: %v", n.AccountID, err)
		}
	})
}
