package audit

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/copytrader/errs"
	"github.com/coachpo/copytrader/internal/domain/copytrade"
	"github.com/coachpo/copytrader/internal/domain/notify"
)

type memorySink struct {
	mu           sync.Mutex
	fail         bool
	detections   []copytrade.Detection
	replications []copytrade.ReplicationOutcome
	sessions     []copytrade.SessionEvent
}

func (s *memorySink) WriteDetection(_ context.Context, d copytrade.Detection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	s.detections = append(s.detections, d)
	return nil
}

func (s *memorySink) WriteReplication(_ context.Context, o copytrade.ReplicationOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	s.replications = append(s.replications, o)
	return nil
}

func (s *memorySink) WriteSessionEvent(_ context.Context, ev copytrade.SessionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	s.sessions = append(s.sessions, ev)
	return nil
}

type memoryNotifier struct {
	mu    sync.Mutex
	block chan struct{}
	got   []notify.Notification
}

func (n *memoryNotifier) Notify(ctx context.Context, note notify.Notification) error {
	if n.block != nil {
		select {
		case <-n.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, note)
	return nil
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestRecorderWritesAndNotifies(t *testing.T) {
	sink := &memorySink{}
	notifier := &memoryNotifier{}
	r := NewRecorder(sink, notifier, quietLogger())

	r.RecordDetection(context.Background(), copytrade.Detection{
		MasterAccountID: "m1", Symbol: "BTCUSDT", Side: copytrade.SideBuy,
		Quantity: decimal.RequireFromString("0.10"), Price: decimal.RequireFromString("50000"),
	})
	r.RecordReplication(context.Background(), copytrade.ReplicationOutcome{
		MasterAccountID: "m1", FollowerAccountID: "f1", Symbol: "BTCUSDT", Side: copytrade.SideBuy,
		ScaledQuantity: "0.0500", ResultOrderID: "o-1",
	})
	r.RecordReplication(context.Background(), copytrade.ReplicationOutcome{
		MasterAccountID: "m1", FollowerAccountID: "f2", Symbol: "BTCUSDT", Side: copytrade.SideBuy,
		ScaledQuantity: "0.0000", ErrorKind: errs.KindQuantityTooSmall,
	})
	r.Wait()

	require.Len(t, sink.detections, 1)
	require.Len(t, sink.replications, 2)
	require.Len(t, notifier.got, 3)

	levels := map[string]notify.Level{}
	for _, n := range notifier.got {
		levels[n.AccountID] = n.Level
	}
	require.Equal(t, notify.LevelInfo, levels["m1"])
	require.Equal(t, notify.LevelInfo, levels["f1"])
	require.Equal(t, notify.LevelWarn, levels["f2"])
}

func TestRecorderSwallowsSinkFailures(t *testing.T) {
	sink := &memorySink{fail: true}
	notifier := &memoryNotifier{}
	r := NewRecorder(sink, notifier, quietLogger())

	require.NotPanics(t, func() {
		r.RecordReplication(context.Background(), copytrade.ReplicationOutcome{FollowerAccountID: "f1", ResultOrderID: "x"})
		r.RecordSessionEvent(context.Background(), copytrade.SessionEvent{MasterAccountID: "m1", State: copytrade.StateFailed, ErrorKind: errs.KindAuthFailure})
	})
	r.Wait()
	require.Len(t, notifier.got, 2)
}

func TestRecorderDoesNotBlockOnNotifier(t *testing.T) {
	notifier := &memoryNotifier{block: make(chan struct{})}
	r := NewRecorder(nil, notifier, quietLogger(), WithTimeout(time.Second))

	done := make(chan struct{})
	go func() {
		r.RecordSessionEvent(context.Background(), copytrade.SessionEvent{MasterAccountID: "m1", State: copytrade.StateSubscribed})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("recorder blocked on notifier")
	}
	close(notifier.block)
	r.Wait()
	require.Len(t, notifier.got, 1)
}

func TestRecorderSkipsIntermediateSessionStates(t *testing.T) {
	sink := &memorySink{}
	notifier := &memoryNotifier{}
	r := NewRecorder(sink, notifier, quietLogger())
	r.RecordSessionEvent(context.Background(), copytrade.SessionEvent{MasterAccountID: "m1", State: copytrade.StateAuthenticating})
	r.Wait()
	require.Len(t, sink.sessions, 1)
	require.Empty(t, notifier.got)
}
