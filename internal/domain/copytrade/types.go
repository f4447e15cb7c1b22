// Package copytrade defines the core types shared by the replication engine.
package copytrade

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/copytrader/errs"
)

// Credential is an API key bundle for one exchange account. It is held in
// memory only for the duration of a session or order call.
type Credential struct {
	AccountID string `json:"accountId"`
	APIKey    string `json:"-"`
	APISecret string `json:"-"`
	Testnet   bool   `json:"testnet"`
}

// Valid reports whether both key and secret are present.
func (c Credential) Valid() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.APISecret) != ""
}

// String hides the key material.
func (c Credential) String() string {
	return "credential{account=" + c.AccountID + "}"
}

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// ParseSide normalises the exchange casing and reports whether the side is tradable.
func ParseSide(raw string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy":
		return SideBuy, true
	case "sell":
		return SideSell, true
	default:
		return "", false
	}
}

// OrderType selects market or limit execution.
type OrderType string

const (
	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"
)

// ParseOrderType accepts exchange casing; empty input defaults to Market.
func ParseOrderType(raw string) (OrderType, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "market":
		return OrderTypeMarket, true
	case "limit":
		return OrderTypeLimit, true
	default:
		return "", false
	}
}

// OrderParams describes a single order submission. Quantity and Price are
// decimal strings sent to the exchange as given.
type OrderParams struct {
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	Type        OrderType `json:"orderType"`
	Quantity    string    `json:"qty"`
	Price       string    `json:"price,omitempty"`
	Category    string    `json:"category,omitempty"`
	OrderLinkID string    `json:"orderLinkId,omitempty"`
}

// Validate checks the fields the exchange would reject outright.
func (p OrderParams) Validate() error {
	if strings.TrimSpace(p.Symbol) == "" {
		return errs.New("", errs.CodeInvalid, errs.WithMessage("symbol required"), errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))
	}
	if p.Side != SideBuy && p.Side != SideSell {
		return errs.New("", errs.CodeInvalid, errs.WithMessage("side must be Buy or Sell"))
	}
	qty, err := decimal.NewFromString(strings.TrimSpace(p.Quantity))
	if err != nil || qty.Sign() <= 0 {
		return errs.New("", errs.CodeInvalid, errs.WithMessage("quantity must be a positive decimal"), errs.WithCanonicalCode(errs.CanonicalInvalidQuantity))
	}
	switch p.Type {
	case OrderTypeMarket:
	case OrderTypeLimit:
		price, err := decimal.NewFromString(strings.TrimSpace(p.Price))
		if err != nil || price.Sign() <= 0 {
			return errs.New("", errs.CodeInvalid, errs.WithMessage("limit orders require a positive price"))
		}
	default:
		return errs.New("", errs.CodeInvalid, errs.WithMessage("order type must be Market or Limit"))
	}
	return nil
}

// OrderResult is the exchange acknowledgement of a created order.
type OrderResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

// CoinBalance is the per-coin slice of a wallet balance.
type CoinBalance struct {
	Coin                string          `json:"coin"`
	Equity              decimal.Decimal `json:"equity"`
	WalletBalance       decimal.Decimal `json:"walletBalance"`
	AvailableToWithdraw decimal.Decimal `json:"availableToWithdraw"`
	UnrealisedPnl       decimal.Decimal `json:"unrealisedPnl"`
}

// Balance is a unified wallet snapshot.
type Balance struct {
	AccountType           string          `json:"accountType"`
	TotalEquity           decimal.Decimal `json:"totalEquity"`
	TotalWalletBalance    decimal.Decimal `json:"totalWalletBalance"`
	TotalAvailableBalance decimal.Decimal `json:"totalAvailableBalance"`
	Coins                 []CoinBalance   `json:"coins"`
}

// HistoryQuery scopes order and position history lookups.
type HistoryQuery struct {
	Category  string
	Symbol    string
	Limit     int
	Cursor    string
	StartTime time.Time
	EndTime   time.Time
}

// OrderRecord is one row of order history.
type OrderRecord struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Quantity    string `json:"qty"`
	Price       string `json:"price"`
	AvgPrice    string `json:"avgPrice"`
	CumExecQty  string `json:"cumExecQty"`
	Status      string `json:"orderStatus"`
	CreatedTime string `json:"createdTime"`
}

// ClosedPosition is one row of closed position history.
type ClosedPosition struct {
	OrderID       string `json:"orderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Quantity      string `json:"qty"`
	AvgEntryPrice string `json:"avgEntryPrice"`
	AvgExitPrice  string `json:"avgExitPrice"`
	ClosedPnl     string `json:"closedPnl"`
	Leverage      string `json:"leverage"`
	CreatedTime   string `json:"createdTime"`
}

// OrderHistory is a page of order history.
type OrderHistory struct {
	Orders     []OrderRecord `json:"orders"`
	NextCursor string        `json:"nextCursor,omitempty"`
}

// PositionHistory is a page of closed positions.
type PositionHistory struct {
	Positions  []ClosedPosition `json:"positions"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// ExecutionEvent is a qualifying master fill. It lives for one processing pass.
type ExecutionEvent struct {
	MasterAccountID string
	Symbol          string
	Side            Side
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	OrderID         string
	Category        string
	RawTimestamp    string
	ReceivedAt      time.Time
}

// FollowerSubscription is a read-only snapshot of one follower of a master.
// Credential is nil when the store only carries an account reference.
type FollowerSubscription struct {
	FollowerAccountID string
	MasterAccountID   string
	AllocationPercent decimal.Decimal
	Credential        *Credential
	Active            bool
}

// Relationship groups the active followers of one master.
type Relationship struct {
	MasterAccountID      string
	MasterCredential     *Credential
	MonitoredInstruments []string
	Followers            []FollowerSubscription
}

// ActiveFollowers returns the followers flagged active.
func (r Relationship) ActiveFollowers() []FollowerSubscription {
	out := make([]FollowerSubscription, 0, len(r.Followers))
	for _, f := range r.Followers {
		if f.Active {
			out = append(out, f)
		}
	}
	return out
}

// ReplicationOutcome is the result of replicating one event to one follower.
type ReplicationOutcome struct {
	ID                string    `json:"id"`
	FollowerAccountID string    `json:"followerAccountId"`
	MasterAccountID   string    `json:"masterAccountId"`
	MasterOrderID     string    `json:"masterOrderId,omitempty"`
	Symbol            string    `json:"symbol"`
	Side              Side      `json:"side"`
	ScaledQuantity    string    `json:"scaledQuantity"`
	ResultOrderID     string    `json:"resultOrderId,omitempty"`
	ErrorKind         errs.Kind `json:"errorKind,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// Succeeded reports whether the follower order was accepted.
func (o ReplicationOutcome) Succeeded() bool {
	return o.ErrorKind == errs.KindNone && o.ResultOrderID != ""
}

// Detection is the audit view of a master fill.
type Detection struct {
	ID              string          `json:"id"`
	MasterAccountID string          `json:"masterAccountId"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	Quantity        decimal.Decimal `json:"qty"`
	Price           decimal.Decimal `json:"price"`
	OrderID         string          `json:"orderId"`
	DetectedAt      time.Time       `json:"detectedAt"`
}

// StreamState is the lifecycle state of a master session.
type StreamState string

const (
	StateConnecting     StreamState = "connecting"
	StateAuthenticating StreamState = "authenticating"
	StateSubscribed     StreamState = "subscribed"
	StateClosed         StreamState = "closed"
	StateFailed         StreamState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s StreamState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// SessionEvent records a master session transition.
type SessionEvent struct {
	ID              string      `json:"id"`
	MasterAccountID string      `json:"masterAccountId"`
	State           StreamState `json:"state"`
	ErrorKind       errs.Kind   `json:"errorKind,omitempty"`
	Reason          string      `json:"reason,omitempty"`
	At              time.Time   `json:"at"`
}

// OrderPlacer is the order submission surface of an exchange client.
type OrderPlacer interface {
	CreateOrder(ctx context.Context, params OrderParams) (OrderResult, error)
}

// AccountClient is the full per-account exchange surface.
type AccountClient interface {
	OrderPlacer
	GetBalance(ctx context.Context) (Balance, error)
	OrderHistory(ctx context.Context, query HistoryQuery) (OrderHistory, error)
	PositionHistory(ctx context.Context, query HistoryQuery) (PositionHistory, error)
}
