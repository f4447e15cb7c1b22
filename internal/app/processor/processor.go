// Package processor turns raw private stream frames into replication work.
package processor

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/copytrader/internal/domain/copytrade"
	"github.com/coachpo/copytrader/internal/infra/exchange"
	"github.com/coachpo/copytrader/internal/infra/telemetry"
)

const execTypeTrade = "Trade"

// Replicator fans one fill out to followers.
type Replicator interface {
	Replicate(ctx context.Context, ev copytrade.ExecutionEvent, followers []copytrade.FollowerSubscription) []copytrade.ReplicationOutcome
}

// DetectionRecorder audits qualifying fills.
type DetectionRecorder interface {
	RecordDetection(ctx context.Context, d copytrade.Detection)
}

// Target is the follower snapshot a frame is processed against. Sessions
// fetch it when the frame is dequeued, so a registry refresh applies to the
// next frame without restarting the stream.
type Target struct {
	MasterAccountID string
	Instruments     []string
	Followers       []copytrade.FollowerSubscription
}

// Processor parses execution frames and hands qualifying fills to the
// replicator one at a time, in arrival order.
type Processor struct {
	replicator Replicator
	recorder   DetectionRecorder
	metrics    *telemetry.ReplicationMetrics
	logger     *log.Logger
	clock      func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithRecorder wires detection auditing.
func WithRecorder(r DetectionRecorder) Option {
	return func(p *Processor) { p.recorder = r }
}

// WithMetrics wires detection counters.
func WithMetrics(m *telemetry.ReplicationMetrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithLogger overrides the default logger.
func WithLogger(l *log.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClock overrides the detection clock.
func WithClock(clock func() time.Time) Option {
	return func(p *Processor) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// New constructs a Processor.
func New(replicator Replicator, opts ...Option) *Processor {
	p := &Processor{
		replicator: replicator,
		logger:     log.New(os.Stdout, "processor ", log.LstdFlags|log.Lmicroseconds),
		clock:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

type frame struct {
	Topic        string          `json:"topic"`
	Op           string          `json:"op"`
	CreationTime int64           `json:"creationTime"`
	Data         json.RawMessage `json:"data"`
}

type execution struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderID     string `json:"orderId"`
	ExecType    string `json:"execType"`
	ExecQty     string `json:"execQty"`
	ExecPrice   string `json:"execPrice"`
	ExecTime    string `json:"execTime"`
	CreatedTime string `json:"createdTime"`
}

// Parse extracts the qualifying fills from one frame. Frames on other topics
// and control frames yield no events and no error. Individual records that
// are not completed Buy/Sell fills on a monitored instrument are dropped.
func Parse(master string, payload []byte, instruments []string, receivedAt time.Time) ([]copytrade.ExecutionEvent, error) {
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if !strings.EqualFold(strings.TrimSpace(f.Topic), exchange.TopicExecution) {
		return nil, nil
	}
	if len(f.Data) == 0 {
		return nil, nil
	}
	var records []execution
	if err := json.Unmarshal(f.Data, &records); err != nil {
		return nil, fmt.Errorf("decode execution data: %w", err)
	}

	monitored := instrumentSet(instruments)
	events := make([]copytrade.ExecutionEvent, 0, len(records))
	for _, rec := range records {
		ev, ok := qualify(master, rec, monitored, receivedAt)
		if ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

func qualify(master string, rec execution, monitored map[string]struct{}, receivedAt time.Time) (copytrade.ExecutionEvent, bool) {
	if rec.ExecType != execTypeTrade {
		return copytrade.ExecutionEvent{}, false
	}
	side, ok := copytrade.ParseSide(rec.Side)
	if !ok {
		return copytrade.ExecutionEvent{}, false
	}
	symbol := strings.ToUpper(strings.TrimSpace(rec.Symbol))
	if symbol == "" {
		return copytrade.ExecutionEvent{}, false
	}
	if len(monitored) > 0 {
		if _, ok := monitored[symbol]; !ok {
			return copytrade.ExecutionEvent{}, false
		}
	}
	qty, err := decimal.NewFromString(strings.TrimSpace(rec.ExecQty))
	if err != nil || !qty.IsPositive() {
		return copytrade.ExecutionEvent{}, false
	}
	price, err := decimal.NewFromString(strings.TrimSpace(rec.ExecPrice))
	if err != nil {
		price = decimal.Zero
	}
	ts := rec.ExecTime
	if ts == "" {
		ts = rec.CreatedTime
	}
	return copytrade.ExecutionEvent{
		MasterAccountID: master,
		Symbol:          symbol,
		Side:            side,
		Quantity:        qty,
		Price:           price,
		OrderID:         rec.OrderID,
		Category:        rec.Category,
		RawTimestamp:    ts,
		ReceivedAt:      receivedAt,
	}, true
}

func instrumentSet(instruments []string) map[string]struct{} {
	if len(instruments) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(instruments))
	for _, inst := range instruments {
		if s := strings.ToUpper(strings.TrimSpace(inst)); s != "" {
			set[s] = struct{}{}
		}
	}
	return set
}

// Handle processes one frame for target. Each qualifying fill is audited and
// fully replicated before the next one starts. It returns the number of
// qualifying fills.
func (p *Processor) Handle(ctx context.Context, target Target, payload []byte) int {
	events, err := Parse(target.MasterAccountID, payload, target.Instruments, p.clock())
	if err != nil {
		p.logger.Printf("master=%s: drop malformed frame: %v", target.MasterAccountID, err)
		return 0
	}
	for _, ev := range events {
		p.metrics.Detection(ev.MasterAccountID, ev.Symbol, string(ev.Side))
		if p.recorder != nil {
			p.recorder.RecordDetection(ctx, copytrade.Detection{
				ID:              uuid.NewString(),
				MasterAccountID: ev.MasterAccountID,
				Symbol:          ev.Symbol,
				Side:            ev.Side,
				Quantity:        ev.Quantity,
				Price:           ev.Price,
				OrderID:         ev.OrderID,
				DetectedAt:      ev.ReceivedAt,
			})
		}
		if len(target.Followers) == 0 {
			continue
		}
		outcomes := p.replicator.Replicate(ctx, ev, target.Followers)
		failed := 0
		for _, o := range outcomes {
			if !o.Succeeded() {
				failed++
			}
		}
		p.logger.Printf("master=%s order=%s %s %s %s: %d/%d followers replicated",
			ev.MasterAccountID, ev.OrderID, ev.Side, ev.Quantity.String(), ev.Symbol,
			len(outcomes)-failed, len(outcomes))
	}
	return len(events)
}
