package processor

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/copytrader/internal/domain/copytrade"
)

var received = time.UnixMilli(1700000000500)

type recordingReplicator struct {
	mu     sync.Mutex
	events []copytrade.ExecutionEvent
	counts []int
}

func (r *recordingReplicator) Replicate(_ context.Context, ev copytrade.ExecutionEvent, followers []copytrade.FollowerSubscription) []copytrade.ReplicationOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	r.counts = append(r.counts, len(followers))
	out := make([]copytrade.ReplicationOutcome, len(followers))
	for i, f := range followers {
		out[i] = copytrade.ReplicationOutcome{FollowerAccountID: f.FollowerAccountID, ResultOrderID: "o"}
	}
	return out
}

type recordingDetections struct {
	detections []copytrade.Detection
}

func (r *recordingDetections) RecordDetection(_ context.Context, d copytrade.Detection) {
	r.detections = append(r.detections, d)
}

const mixedFrame = `{"topic":"execution","creationTime":1700000000400,"data":[
 {"category":"linear","symbol":"BTCUSDT","side":"Buy","orderId":"o1","execType":"Trade","execQty":"0.10","execPrice":"50000","execTime":"1700000000300"},
 {"category":"linear","symbol":"BTCUSDT","side":"Buy","orderId":"o2","execType":"Funding","execQty":"0.10","execPrice":"50000"},
 {"category":"linear","symbol":"ETHUSDT","side":"Sell","orderId":"o3","execType":"Trade","execQty":"2","execPrice":"3000","createdTime":"1700000000200"},
 {"category":"linear","symbol":"SOLUSDT","side":"None","orderId":"o4","execType":"Trade","execQty":"1","execPrice":"100"}
]}`

func TestParseQualifiesCompletedFills(t *testing.T) {
	events, err := Parse("M1", []byte(mixedFrame), nil, received)
	require.NoError(t, err)
	require.Len(t, events, 2)

	first := events[0]
	require.Equal(t, "M1", first.MasterAccountID)
	require.Equal(t, "BTCUSDT", first.Symbol)
	require.Equal(t, copytrade.SideBuy, first.Side)
	require.True(t, decimal.RequireFromString("0.10").Equal(first.Quantity))
	require.Equal(t, "o1", first.OrderID)
	require.Equal(t, "1700000000300", first.RawTimestamp)
	require.Equal(t, received, first.ReceivedAt)

	require.Equal(t, copytrade.SideSell, events[1].Side)
	require.Equal(t, "1700000000200", events[1].RawTimestamp)
}

func TestParseFiltersMonitoredInstruments(t *testing.T) {
	events, err := Parse("M1", []byte(mixedFrame), []string{" ethusdt "}, received)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "ETHUSDT", events[0].Symbol)
}

func TestParseIgnoresOtherTopicsAndControlFrames(t *testing.T) {
	for _, payload := range []string{
		`{"op":"pong","args":["1700000000000"]}`,
		`{"topic":"order","data":[{"execType":"Trade","side":"Buy","symbol":"BTCUSDT","execQty":"1"}]}`,
		`{"topic":"execution"}`,
	} {
		events, err := Parse("M1", []byte(payload), nil, received)
		require.NoError(t, err, payload)
		require.Empty(t, events, payload)
	}
}

func TestParseRejectsMalformedFrame(t *testing.T) {
	_, err := Parse("M1", []byte(`{"topic":`), nil, received)
	require.Error(t, err)
	_, err = Parse("M1", []byte(`{"topic":"execution","data":{"oops":1}}`), nil, received)
	require.Error(t, err)
}

func TestParseDropsNonPositiveQuantity(t *testing.T) {
	payload := `{"topic":"execution","data":[{"symbol":"BTCUSDT","side":"Buy","execType":"Trade","execQty":"0"},{"symbol":"BTCUSDT","side":"Buy","execType":"Trade","execQty":"abc"}]}`
	events, err := Parse("M1", []byte(payload), nil, received)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestHandleReplicatesInArrivalOrder(t *testing.T) {
	rep := &recordingReplicator{}
	det := &recordingDetections{}
	p := New(rep,
		WithRecorder(det),
		WithLogger(log.New(io.Discard, "", 0)),
		WithClock(func() time.Time { return received }))

	target := Target{
		MasterAccountID: "M1",
		Followers: []copytrade.FollowerSubscription{
			{FollowerAccountID: "F1", AllocationPercent: decimal.NewFromInt(50), Active: true},
			{FollowerAccountID: "F2", AllocationPercent: decimal.NewFromInt(25), Active: true},
		},
	}
	n := p.Handle(context.Background(), target, []byte(mixedFrame))
	require.Equal(t, 2, n)
	require.Len(t, rep.events, 2)
	require.Equal(t, "o1", rep.events[0].OrderID)
	require.Equal(t, "o3", rep.events[1].OrderID)
	require.Equal(t, []int{2, 2}, rep.counts)

	require.Len(t, det.detections, 2)
	require.Equal(t, "o1", det.detections[0].OrderID)
	require.NotEmpty(t, det.detections[0].ID)
	require.Equal(t, received, det.detections[0].DetectedAt)
}

func TestHandleWithoutFollowersOnlyAudits(t *testing.T) {
	rep := &recordingReplicator{}
	det := &recordingDetections{}
	p := New(rep, WithRecorder(det), WithLogger(log.New(io.Discard, "", 0)))

	n := p.Handle(context.Background(), Target{MasterAccountID: "M1"}, []byte(mixedFrame))
	require.Equal(t, 2, n)
	require.Empty(t, rep.events)
	require.Len(t, det.detections, 2)
}

func TestHandleDropsMalformedFrame(t *testing.T) {
	rep := &recordingReplicator{}
	p := New(rep, WithLogger(log.New(io.Discard, "", 0)))
	require.Zero(t, p.Handle(context.Background(), Target{MasterAccountID: "M1"}, []byte("not json")))
	require.Empty(t, rep.events)
}
