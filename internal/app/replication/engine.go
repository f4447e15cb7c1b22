// Package replication fans one master fill out to every follower of that master.
package replication

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/copytrader/errs"
	"github.com/coachpo/copytrader/internal/domain/copytrade"
	"github.com/coachpo/copytrader/internal/domain/credentials"
	"github.com/coachpo/copytrader/internal/infra/telemetry"
)

const (
	defaultPrecision    = 4
	defaultConcurrency  = 8
	defaultOrderTimeout = 5 * time.Second
)

var hundred = decimal.NewFromInt(100)

// Placers hands out an order placer bound to exactly one credential.
type Placers interface {
	Placer(cred copytrade.Credential) (copytrade.OrderPlacer, error)
}

// Recorder receives every outcome the engine produces.
type Recorder interface {
	RecordReplication(ctx context.Context, outcome copytrade.ReplicationOutcome)
}

// Config tunes scaling and submission. Precision 0 scales to whole units;
// a negative value selects the default of four places.
type Config struct {
	Precision    int32
	Concurrency  int
	OrderType    copytrade.OrderType
	Category     string
	OrderTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Precision < 0 {
		c.Precision = defaultPrecision
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.OrderType == "" {
		c.OrderType = copytrade.OrderTypeMarket
	}
	if c.OrderTimeout <= 0 {
		c.OrderTimeout = defaultOrderTimeout
	}
	return c
}

// DefaultConfig returns four decimal places, eight concurrent submissions and market orders.
func DefaultConfig() Config {
	return Config{Precision: defaultPrecision}.withDefaults()
}

// Engine scales and submits follower orders.
type Engine struct {
	cfg      Config
	placers  Placers
	resolver credentials.Resolver
	recorder Recorder
	metrics  *telemetry.ReplicationMetrics
	logger   *log.Logger
	clock    func() time.Time
	newID    func() string
}

// Option configures optional engine behaviour.
type Option func(*Engine)

// WithRecorder wires the audit recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithMetrics wires replication instruments.
func WithMetrics(m *telemetry.ReplicationMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger overrides the default logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the outcome timestamp clock.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// NewEngine constructs a fan-out engine. The resolver is consulted for
// followers whose snapshot carries no credential.
func NewEngine(cfg Config, placers Placers, resolver credentials.Resolver, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg.withDefaults(),
		placers:  placers,
		resolver: resolver,
		logger:   log.New(os.Stdout, "replication ", log.LstdFlags|log.Lmicroseconds),
		clock:    time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Precision returns the configured quantity precision.
func (e *Engine) Precision() int32 { return e.cfg.Precision }

// Scale computes qty * alloc / 100 truncated toward zero to precision places.
func Scale(qty, allocationPercent decimal.Decimal, precision int32) decimal.Decimal {
	return qty.Mul(allocationPercent).Div(hundred).Truncate(precision)
}

// FormatQuantity renders q with exactly precision decimal places.
func FormatQuantity(q decimal.Decimal, precision int32) string {
	return q.StringFixed(precision)
}

// Replicate produces exactly one outcome per follower, in follower order.
// Submissions run concurrently up to the configured limit and each follower
// gets a single attempt. Cancelling ctx does not abort submissions already
// started; each is bounded by the order timeout instead.
func (e *Engine) Replicate(ctx context.Context, ev copytrade.ExecutionEvent, followers []copytrade.FollowerSubscription) []copytrade.ReplicationOutcome {
	return e.fanout(ctx, ev, followers, e.cfg.OrderType)
}

// ReplicateManual mirrors a manually placed master order onto one follower
// using the order type of the manual request.
func (e *Engine) ReplicateManual(ctx context.Context, ev copytrade.ExecutionEvent, follower copytrade.FollowerSubscription, orderType copytrade.OrderType) copytrade.ReplicationOutcome {
	if orderType == "" {
		orderType = e.cfg.OrderType
	}
	return e.fanout(ctx, ev, []copytrade.FollowerSubscription{follower}, orderType)[0]
}

func (e *Engine) fanout(ctx context.Context, ev copytrade.ExecutionEvent, followers []copytrade.FollowerSubscription, orderType copytrade.OrderType) []copytrade.ReplicationOutcome {
	if len(followers) == 0 {
		return nil
	}
	started := e.clock()
	detached := context.WithoutCancel(ctx)
	outcomes := make([]copytrade.ReplicationOutcome, len(followers))

	p := pool.New().WithMaxGoroutines(e.cfg.Concurrency)
	for i, follower := range followers {
		i, follower := i, follower
		p.Go(func() {
			outcomes[i] = e.replicateOne(detached, ev, follower, orderType)
		})
	}
	p.Wait()

	for _, outcome := range outcomes {
		if e.recorder != nil {
			e.recorder.RecordReplication(detached, outcome)
		}
	}
	e.metrics.Fanout(float64(e.clock().Sub(started).Microseconds())/1000, ev.Symbol)
	return outcomes
}

func (e *Engine) replicateOne(ctx context.Context, ev copytrade.ExecutionEvent, follower copytrade.FollowerSubscription, orderType copytrade.OrderType) (outcome copytrade.ReplicationOutcome) {
	outcome = copytrade.ReplicationOutcome{
		ID:                e.newID(),
		FollowerAccountID: follower.FollowerAccountID,
		MasterAccountID:   ev.MasterAccountID,
		MasterOrderID:     ev.OrderID,
		Symbol:            ev.Symbol,
		Side:              ev.Side,
	}
	defer func() {
		if r := recover(); r != nil {
			outcome.ErrorKind = errs.KindTransportFailure
			outcome.Reason = fmt.Sprintf("panic: %v", r)
		}
		outcome.Timestamp = e.clock()
		e.observe(outcome)
	}()

	alloc := follower.AllocationPercent
	if alloc.IsNegative() || alloc.GreaterThan(hundred) {
		outcome.ScaledQuantity = FormatQuantity(decimal.Zero, e.cfg.Precision)
		outcome.ErrorKind = errs.KindConfigurationMissing
		outcome.Reason = "allocation percent out of range: " + alloc.String()
		return outcome
	}

	scaled := Scale(ev.Quantity, alloc, e.cfg.Precision)
	outcome.ScaledQuantity = FormatQuantity(scaled, e.cfg.Precision)
	if !scaled.IsPositive() {
		outcome.ErrorKind = errs.KindQuantityTooSmall
		outcome.Reason = fmt.Sprintf("%s x %s%% truncates to zero", ev.Quantity.String(), alloc.String())
		return outcome
	}

	params := copytrade.OrderParams{
		Symbol:      ev.Symbol,
		Side:        ev.Side,
		Type:        orderType,
		Quantity:    outcome.ScaledQuantity,
		Category:    firstNonEmpty(ev.Category, e.cfg.Category),
		OrderLinkID: outcome.ID,
	}
	if params.Type == copytrade.OrderTypeLimit {
		params.Price = ev.Price.String()
	}
	result, err := e.submit(ctx, follower, params)
	if err != nil {
		outcome.ErrorKind = errs.KindOf(err)
		outcome.Reason = err.Error()
		return outcome
	}
	outcome.ResultOrderID = result.OrderID
	return outcome
}

func (e *Engine) submit(ctx context.Context, follower copytrade.FollowerSubscription, params copytrade.OrderParams) (copytrade.OrderResult, error) {
	cred, err := e.credentialFor(ctx, follower)
	if err != nil {
		return copytrade.OrderResult{}, err
	}
	placer, err := e.placers.Placer(cred)
	if err != nil {
		return copytrade.OrderResult{}, err
	}
	orderCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	defer cancel()
	return placer.CreateOrder(orderCtx, params)
}

func (e *Engine) credentialFor(ctx context.Context, follower copytrade.FollowerSubscription) (copytrade.Credential, error) {
	if follower.Credential != nil && follower.Credential.Valid() {
		return *follower.Credential, nil
	}
	if e.resolver == nil {
		return copytrade.Credential{}, errs.New("replication", errs.CodeConfigMissing,
			errs.WithMessage("no credential for follower "+follower.FollowerAccountID))
	}
	cred, err := e.resolver.Resolve(ctx, follower.FollowerAccountID)
	if err != nil {
		return copytrade.Credential{}, err
	}
	if !cred.Valid() {
		return copytrade.Credential{}, errs.New("replication", errs.CodeConfigMissing,
			errs.WithMessage("incomplete credential for follower "+follower.FollowerAccountID))
	}
	return cred, nil
}

func (e *Engine) observe(o copytrade.ReplicationOutcome) {
	result := telemetry.ResultSuccess
	switch {
	case o.ErrorKind == errs.KindQuantityTooSmall:
		result = telemetry.ResultSkipped
	case o.ErrorKind != errs.KindNone:
		result = telemetry.ResultFailure
	}
	e.metrics.Replication(o.Symbol, result, string(o.ErrorKind))
	if o.ErrorKind != errs.KindNone {
		e.logger.Printf("follower=%s master=%s symbol=%s qty=%s: %s %s",
			o.FollowerAccountID, o.MasterAccountID, o.Symbol, o.ScaledQuantity, o.ErrorKind, o.Reason)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
