// Package engine exposes the copy trading service lifecycle and account operations.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/copytrader/errs"
	"github.com/coachpo/copytrader/internal/app/session"
	"github.com/coachpo/copytrader/internal/domain/copytrade"
	"github.com/coachpo/copytrader/internal/domain/credentials"
)

const (
	defaultStopTimeout  = 10 * time.Second
	defaultOrderTimeout = 5 * time.Second
	masterFailedReason  = "master order failed"
)

var hundred = decimal.NewFromInt(100)

// Poller is the registry loop.
type Poller interface {
	Run(ctx context.Context) error
}

// Sessions is the part of the session manager the service controls.
type Sessions interface {
	SetLifecycleContext(ctx context.Context)
	StopAll(ctx context.Context) error
	Snapshot() []session.Info
}

// ManualReplicator mirrors one master order onto one follower.
type ManualReplicator interface {
	ReplicateManual(ctx context.Context, ev copytrade.ExecutionEvent, follower copytrade.FollowerSubscription, orderType copytrade.OrderType) copytrade.ReplicationOutcome
}

// Accounts hands out per-credential exchange clients.
type Accounts interface {
	Account(cred copytrade.Credential) (copytrade.AccountClient, error)
}

// OutcomeRecorder audits manual trade outcomes.
type OutcomeRecorder interface {
	RecordReplication(ctx context.Context, outcome copytrade.ReplicationOutcome)
}

// Deps groups the collaborators of the service.
type Deps struct {
	Poller     Poller
	Sessions   Sessions
	Replicator ManualReplicator
	Accounts   Accounts
	Resolver   credentials.Resolver
	Recorder   OutcomeRecorder
	Logger     *log.Logger
}

// Service owns the registry loop and the session table lifecycle.
type Service struct {
	deps         Deps
	logger       *log.Logger
	stopTimeout  time.Duration
	orderTimeout time.Duration
	clock        func() time.Time

	mu     sync.Mutex
	active bool
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures optional service behaviour.
type Option func(*Service)

// WithStopTimeout bounds how long Stop waits for session queues to drain.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.stopTimeout = d
		}
	}
}

// WithOrderTimeout bounds the master order of a manual trade.
func WithOrderTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.orderTimeout = d
		}
	}
}

// NewService wires the service.
func NewService(deps Deps, opts ...Option) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "copier ", log.LstdFlags|log.Lmicroseconds)
	}
	s := &Service{
		deps:         deps,
		logger:       logger,
		stopTimeout:  defaultStopTimeout,
		orderTimeout: defaultOrderTimeout,
		clock:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start launches the registry loop. Starting an active service is a no-op.
// The loop outlives ctx's cancellation; use Stop to end it.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.deps.Sessions.SetLifecycleContext(runCtx)
	go func() {
		defer close(done)
		if err := s.deps.Poller.Run(runCtx); err != nil {
			s.logger.Printf("registry loop: %v", err)
		}
	}()
	s.active = true
	s.cancel = cancel
	s.done = done
	s.logger.Printf("service started")
	return nil
}

// Stop ends the registry loop and every session. Stopping an inactive
// service is a no-op.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	cancel()
	stopCtx, stopCancel := context.WithTimeout(ctx, s.stopTimeout)
	defer stopCancel()
	select {
	case <-done:
	case <-stopCtx.Done():
		return fmt.Errorf("wait for registry loop: %w", stopCtx.Err())
	}
	if err := s.deps.Sessions.StopAll(stopCtx); err != nil {
		return fmt.Errorf("stop sessions: %w", err)
	}
	s.logger.Printf("service stopped")
	return nil
}

// IsActive reports whether the registry loop is running.
func (s *Service) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Sessions describes the running master sessions.
func (s *Service) Sessions() []session.Info {
	return s.deps.Sessions.Snapshot()
}

// ExecuteManualTrade places order on the master account and, if the venue
// accepts it, mirrors it once onto the follower scaled by allocationPercent.
// A nil allocation means 100; an explicit zero scales to nothing and yields
// QuantityTooSmall. An allocation outside [0,100] fails both sides with
// ConfigurationMissing before any order is sent. Neither order is retried.
// When the master order fails no follower order is sent and the follower
// outcome carries the master's error kind.
func (s *Service) ExecuteManualTrade(ctx context.Context, master, follower copytrade.Credential, order copytrade.OrderParams, allocationPercent *decimal.Decimal) (copytrade.ReplicationOutcome, copytrade.ReplicationOutcome) {
	alloc := hundred
	if allocationPercent != nil {
		alloc = *allocationPercent
	}
	order.Symbol = strings.ToUpper(strings.TrimSpace(order.Symbol))
	if order.OrderLinkID == "" {
		order.OrderLinkID = uuid.NewString()
	}

	masterOutcome := copytrade.ReplicationOutcome{
		ID:              order.OrderLinkID,
		MasterAccountID: master.AccountID,
		Symbol:          order.Symbol,
		Side:            order.Side,
		ScaledQuantity:  order.Quantity,
	}
	if alloc.IsNegative() || alloc.GreaterThan(hundred) {
		reason := "allocation percent out of range: " + alloc.String()
		masterOutcome.ErrorKind = errs.KindConfigurationMissing
		masterOutcome.Reason = reason
		masterOutcome.Timestamp = s.clock()
		followerOutcome := copytrade.ReplicationOutcome{
			ID:                uuid.NewString(),
			FollowerAccountID: follower.AccountID,
			MasterAccountID:   master.AccountID,
			Symbol:            order.Symbol,
			Side:              order.Side,
			ErrorKind:         errs.KindConfigurationMissing,
			Reason:            reason,
			Timestamp:         s.clock(),
		}
		s.record(ctx, masterOutcome)
		s.record(ctx, followerOutcome)
		return masterOutcome, followerOutcome
	}

	result, err := s.placeMaster(ctx, master, order)
	masterOutcome.Timestamp = s.clock()
	if err != nil {
		masterOutcome.ErrorKind = errs.KindOf(err)
		masterOutcome.Reason = err.Error()
	} else {
		masterOutcome.MasterOrderID = result.OrderID
		masterOutcome.ResultOrderID = result.OrderID
	}
	s.record(ctx, masterOutcome)

	if err != nil {
		followerOutcome := copytrade.ReplicationOutcome{
			ID:                uuid.NewString(),
			FollowerAccountID: follower.AccountID,
			MasterAccountID:   master.AccountID,
			Symbol:            order.Symbol,
			Side:              order.Side,
			ErrorKind:         masterOutcome.ErrorKind,
			Reason:            masterFailedReason,
			Timestamp:         s.clock(),
		}
		s.record(ctx, followerOutcome)
		return masterOutcome, followerOutcome
	}

	qty, _ := decimal.NewFromString(order.Quantity)
	price := decimal.Zero
	if order.Price != "" {
		price, _ = decimal.NewFromString(order.Price)
	}
	ev := copytrade.ExecutionEvent{
		MasterAccountID: master.AccountID,
		Symbol:          order.Symbol,
		Side:            order.Side,
		Quantity:        qty,
		Price:           price,
		OrderID:         result.OrderID,
		Category:        order.Category,
		ReceivedAt:      s.clock(),
	}
	sub := copytrade.FollowerSubscription{
		FollowerAccountID: follower.AccountID,
		MasterAccountID:   master.AccountID,
		AllocationPercent: alloc,
		Credential:        &follower,
		Active:            true,
	}
	followerOutcome := s.deps.Replicator.ReplicateManual(ctx, ev, sub, order.Type)
	return masterOutcome, followerOutcome
}

func (s *Service) placeMaster(ctx context.Context, master copytrade.Credential, order copytrade.OrderParams) (copytrade.OrderResult, error) {
	if err := order.Validate(); err != nil {
		return copytrade.OrderResult{}, err
	}
	client, err := s.deps.Accounts.Account(master)
	if err != nil {
		return copytrade.OrderResult{}, err
	}
	orderCtx, cancel := context.WithTimeout(ctx, s.orderTimeout)
	defer cancel()
	return client.CreateOrder(orderCtx, order)
}

// ManualTrade references accounts by id; credentials are resolved on use.
// A nil AllocationPercent means 100.
type ManualTrade struct {
	MasterAccountID   string
	FollowerAccountID string
	AllocationPercent *decimal.Decimal
	Order             copytrade.OrderParams
}

// ExecuteManualTradeFor resolves both credentials and runs ExecuteManualTrade.
// A missing credential fails the call before any order is sent.
func (s *Service) ExecuteManualTradeFor(ctx context.Context, trade ManualTrade) (copytrade.ReplicationOutcome, copytrade.ReplicationOutcome, error) {
	master, err := s.resolve(ctx, trade.MasterAccountID)
	if err != nil {
		return copytrade.ReplicationOutcome{}, copytrade.ReplicationOutcome{}, err
	}
	follower, err := s.resolve(ctx, trade.FollowerAccountID)
	if err != nil {
		return copytrade.ReplicationOutcome{}, copytrade.ReplicationOutcome{}, err
	}
	m, f := s.ExecuteManualTrade(ctx, master, follower, trade.Order, trade.AllocationPercent)
	return m, f, nil
}

// Balance fetches the wallet balance of accountID.
func (s *Service) Balance(ctx context.Context, accountID string) (copytrade.Balance, error) {
	client, err := s.account(ctx, accountID)
	if err != nil {
		return copytrade.Balance{}, err
	}
	return client.GetBalance(ctx)
}

// OrderHistory lists past orders of accountID.
func (s *Service) OrderHistory(ctx context.Context, accountID string, query copytrade.HistoryQuery) (copytrade.OrderHistory, error) {
	client, err := s.account(ctx, accountID)
	if err != nil {
		return copytrade.OrderHistory{}, err
	}
	return client.OrderHistory(ctx, query)
}

// PositionHistory lists closed positions of accountID.
func (s *Service) PositionHistory(ctx context.Context, accountID string, query copytrade.HistoryQuery) (copytrade.PositionHistory, error) {
	client, err := s.account(ctx, accountID)
	if err != nil {
		return copytrade.PositionHistory{}, err
	}
	return client.PositionHistory(ctx, query)
}

func (s *Service) account(ctx context.Context, accountID string) (copytrade.AccountClient, error) {
	cred, err := s.resolve(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return s.deps.Accounts.Account(cred)
}

func (s *Service) resolve(ctx context.Context, accountID string) (copytrade.Credential, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return copytrade.Credential{}, errs.New("engine", errs.CodeInvalid, errs.WithMessage("account id required"))
	}
	if s.deps.Resolver == nil {
		return copytrade.Credential{}, errs.New("engine", errs.CodeConfigMissing, errs.WithMessage("no credential resolver"))
	}
	cred, err := s.deps.Resolver.Resolve(ctx, accountID)
	if err != nil {
		return copytrade.Credential{}, err
	}
	if !cred.Valid() {
		return copytrade.Credential{}, errs.New("engine", errs.CodeConfigMissing,
			errs.WithMessage("credential incomplete"), errs.WithVenueField("account", accountID))
	}
	return cred, nil
}

func (s *Service) record(ctx context.Context, outcome copytrade.ReplicationOutcome) {
	if s.deps.Recorder != nil {
		s.deps.Recorder.RecordReplication(ctx, outcome)
	}
}
