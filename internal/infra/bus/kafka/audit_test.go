package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/copytrader/errs"
	"github.com/coachpo/copytrader/internal/domain/copytrade"
)

type captureWriter struct {
	mu     sync.Mutex
	msgs   []kafkago.Message
	err    error
	closed bool
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error {
	w.closed = true
	return nil
}

func TestAuditPublisherKeysByMaster(t *testing.T) {
	w := &captureWriter{}
	p := newAuditPublisher(w, DefaultTopic)
	p.clock = func() time.Time { return time.Unix(1700000000, 0) }
	ctx := context.Background()

	require.NoError(t, p.WriteDetection(ctx, copytrade.Detection{ID: "d1", MasterAccountID: "M1", Symbol: "BTCUSDT", Quantity: decimal.NewFromInt(1)}))
	require.NoError(t, p.WriteReplication(ctx, copytrade.ReplicationOutcome{
		ID: "r1", MasterAccountID: "M1", FollowerAccountID: "F1", ErrorKind: errs.KindRateLimited,
	}))
	require.NoError(t, p.WriteSessionEvent(ctx, copytrade.SessionEvent{ID: "s1", MasterAccountID: "M2", State: copytrade.StateFailed}))

	require.Len(t, w.msgs, 3)
	require.Equal(t, "M1", string(w.msgs[0].Key))
	require.Equal(t, "M2", string(w.msgs[2].Key))
	require.Equal(t, TypeReplication, string(w.msgs[1].Headers[0].Value))

	var env Envelope
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &env))
	require.Equal(t, TypeReplication, env.Type)
	require.Equal(t, "M1", env.Master)
	var outcome copytrade.ReplicationOutcome
	require.NoError(t, json.Unmarshal(env.Record, &outcome))
	require.Equal(t, "F1", outcome.FollowerAccountID)
	require.Equal(t, errs.KindRateLimited, outcome.ErrorKind)

	require.NoError(t, p.Close())
	require.True(t, w.closed)
}

func TestAuditPublisherWrapsWriteErrors(t *testing.T) {
	w := &captureWriter{err: errors.New("leader not available")}
	p := newAuditPublisher(w, "audit")
	err := p.WriteSessionEvent(context.Background(), copytrade.SessionEvent{ID: "s1", MasterAccountID: "M1"})
	require.ErrorContains(t, err, "kafka write audit")
}

func TestNewAuditPublisherRequiresBrokers(t *testing.T) {
	_, err := NewAuditPublisher([]string{" ", ""}, "")
	require.Error(t, err)

	p, err := NewAuditPublisher([]string{"localhost:9092"}, "")
	require.NoError(t, err)
	require.Equal(t, DefaultTopic, p.topic)
	require.NoError(t, p.Close())
}
