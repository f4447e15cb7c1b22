package exchange

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/coachpo/copytrader/errs"
	"github.com/coachpo/copytrader/internal/domain/copytrade"
)

const (
	pathWalletBalance   = "/v5/account/wallet-balance"
	pathOrderCreate     = "/v5/order/create"
	pathOrderHistory    = "/v5/order/history"
	pathPositionHistory = "/v5/position/closed-pnl"

	headerAPIKey    = "X-API-KEY"
	headerSign      = "X-SIGN"
	headerSignType  = "X-SIGN-TYPE"
	headerTimestamp = "X-TIMESTAMP"
	signTypeHMAC    = "2"
)

// Client is an authenticated REST and stream conduit bound to exactly one
// credential for its whole lifetime.
type Client struct {
	cred    copytrade.Credential
	opts    Options
	limiter *rate.Limiter

	streamMu sync.Mutex
	stream   *Stream
}

// NewClient binds a client to the credential. An unusable credential yields
// an errs.CodeConfigMissing error.
func NewClient(cred copytrade.Credential, opts Options) (*Client, error) {
	if !cred.Valid() {
		return nil, errs.New(venue, errs.CodeConfigMissing,
			errs.WithMessage("credential incomplete"),
			errs.WithVenueField("account", cred.AccountID))
	}
	opts = opts.withDefaults()
	burst := int(opts.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		cred:    cred,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst),
	}, nil
}

// AccountID returns the account the client is bound to.
func (c *Client) AccountID() string { return c.cred.AccountID }

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

type walletResult struct {
	List []struct {
		AccountType           string `json:"accountType"`
		TotalEquity           string `json:"totalEquity"`
		TotalWalletBalance    string `json:"totalWalletBalance"`
		TotalAvailableBalance string `json:"totalAvailableBalance"`
		Coin                  []struct {
			Coin                string `json:"coin"`
			Equity              string `json:"equity"`
			WalletBalance       string `json:"walletBalance"`
			AvailableToWithdraw string `json:"availableToWithdraw"`
			UnrealisedPnl       string `json:"unrealisedPnl"`
		} `json:"coin"`
	} `json:"list"`
}

type createOrderRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	Price       string `json:"price,omitempty"`
	OrderLinkID string `json:"orderLinkId,omitempty"`
}

type historyResult[T any] struct {
	Category       string `json:"category"`
	List           []T    `json:"list"`
	NextPageCursor string `json:"nextPageCursor"`
}

// GetBalance fetches the unified wallet balance.
func (c *Client) GetBalance(ctx context.Context) (copytrade.Balance, error) {
	var result walletResult
	if err := c.get(ctx, pathWalletBalance, map[string]string{"accountType": "UNIFIED"}, &result); err != nil {
		return copytrade.Balance{}, err
	}
	if len(result.List) == 0 {
		return copytrade.Balance{}, nil
	}
	entry := result.List[0]
	balance := copytrade.Balance{
		AccountType:           entry.AccountType,
		TotalEquity:           parseDecimal(entry.TotalEquity),
		TotalWalletBalance:    parseDecimal(entry.TotalWalletBalance),
		TotalAvailableBalance: parseDecimal(entry.TotalAvailableBalance),
		Coins:                 make([]copytrade.CoinBalance, 0, len(entry.Coin)),
	}
	for _, coin := range entry.Coin {
		balance.Coins = append(balance.Coins, copytrade.CoinBalance{
			Coin:                strings.ToUpper(strings.TrimSpace(coin.Coin)),
			Equity:              parseDecimal(coin.Equity),
			WalletBalance:       parseDecimal(coin.WalletBalance),
			AvailableToWithdraw: parseDecimal(coin.AvailableToWithdraw),
			UnrealisedPnl:       parseDecimal(coin.UnrealisedPnl),
		})
	}
	return balance, nil
}

// CreateOrder submits a single order. Exchange rejections surface as
// errs.CodeRejected and are distinct from transport failures.
func (c *Client) CreateOrder(ctx context.Context, params copytrade.OrderParams) (copytrade.OrderResult, error) {
	if err := params.Validate(); err != nil {
		return copytrade.OrderResult{}, err
	}
	category := strings.TrimSpace(params.Category)
	if category == "" {
		category = c.opts.Category
	}
	body := createOrderRequest{
		Category:    category,
		Symbol:      strings.ToUpper(strings.TrimSpace(params.Symbol)),
		Side:        string(params.Side),
		OrderType:   string(params.Type),
		Qty:         strings.TrimSpace(params.Quantity),
		OrderLinkID: params.OrderLinkID,
	}
	if params.Type == copytrade.OrderTypeLimit {
		body.Price = strings.TrimSpace(params.Price)
	}
	var result copytrade.OrderResult
	if err := c.post(ctx, pathOrderCreate, body, &result); err != nil {
		return copytrade.OrderResult{}, err
	}
	return result, nil
}

// OrderHistory lists historical orders.
func (c *Client) OrderHistory(ctx context.Context, query copytrade.HistoryQuery) (copytrade.OrderHistory, error) {
	var result historyResult[copytrade.OrderRecord]
	if err := c.get(ctx, pathOrderHistory, c.historyParams(query), &result); err != nil {
		return copytrade.OrderHistory{}, err
	}
	return copytrade.OrderHistory{Orders: result.List, NextCursor: result.NextPageCursor}, nil
}

// PositionHistory lists closed positions with realised pnl.
func (c *Client) PositionHistory(ctx context.Context, query copytrade.HistoryQuery) (copytrade.PositionHistory, error) {
	var result historyResult[copytrade.ClosedPosition]
	if err := c.get(ctx, pathPositionHistory, c.historyParams(query), &result); err != nil {
		return copytrade.PositionHistory{}, err
	}
	return copytrade.PositionHistory{Positions: result.List, NextCursor: result.NextPageCursor}, nil
}

func (c *Client) historyParams(query copytrade.HistoryQuery) map[string]string {
	params := map[string]string{"category": c.opts.Category}
	if v := strings.TrimSpace(query.Category); v != "" {
		params["category"] = v
	}
	if v := strings.TrimSpace(query.Symbol); v != "" {
		params["symbol"] = strings.ToUpper(v)
	}
	if query.Limit > 0 {
		params["limit"] = strconv.Itoa(query.Limit)
	}
	if v := strings.TrimSpace(query.Cursor); v != "" {
		params["cursor"] = v
	}
	if !query.StartTime.IsZero() {
		params["startTime"] = strconv.FormatInt(query.StartTime.UnixMilli(), 10)
	}
	if !query.EndTime.IsZero() {
		params["endTime"] = strconv.FormatInt(query.EndTime.UnixMilli(), 10)
	}
	return params
}

func (c *Client) get(ctx context.Context, path string, params map[string]string, out any) error {
	query := CanonicalQuery(params)
	endpoint := c.opts.restBase(c.cred.Testnet) + path
	if query != "" {
		endpoint += "?" + query
	}
	return c.do(ctx, http.MethodGet, endpoint, path, query, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errs.New(venue, errs.CodeInvalid, errs.WithMessage("encode request body"), errs.WithCause(err))
	}
	endpoint := c.opts.restBase(c.cred.Testnet) + path
	return c.do(ctx, http.MethodPost, endpoint, path, string(data), data, out)
}

// do performs one signed request. It never retries.
func (c *Client) do(ctx context.Context, method, endpoint, path, signed string, body []byte, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.opts.HTTPTimeout)
	defer cancel()

	if err := c.limiter.Wait(reqCtx); err != nil {
		return errs.New(venue, errs.CodeRateLimited,
			errs.WithMessage("local rate limit wait"),
			errs.WithVenueField("endpoint", path),
			errs.WithCause(err))
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, endpoint, reader)
	if err != nil {
		return errs.New(venue, errs.CodeInvalid, errs.WithMessage("create request"), errs.WithCause(err))
	}
	timestamp := c.opts.Clock().UnixMilli()
	req.Header.Set(headerAPIKey, c.cred.APIKey)
	req.Header.Set(headerSign, Sign(c.cred.APISecret, RESTPayload(timestamp, c.cred.APIKey, signed)))
	req.Header.Set(headerSignType, signTypeHMAC)
	req.Header.Set(headerTimestamp, strconv.FormatInt(timestamp, 10))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return errs.New(venue, errs.CodeNetwork,
			errs.WithMessage(fmt.Sprintf("%s %s", method, path)),
			errs.WithVenueField("endpoint", path),
			errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return statusError(path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var payload envelope
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return errs.New(venue, errs.CodeNetwork,
			errs.WithMessage("decode response"),
			errs.WithHTTP(resp.StatusCode),
			errs.WithVenueField("endpoint", path),
			errs.WithCause(err))
	}
	if payload.RetCode != 0 {
		return retCodeError(path, payload.RetCode, payload.RetMsg)
	}
	if out == nil || len(payload.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload.Result, out); err != nil {
		return errs.New(venue, errs.CodeNetwork,
			errs.WithMessage("decode result"),
			errs.WithVenueField("endpoint", path),
			errs.WithCause(err))
	}
	return nil
}

func statusError(path string, status int, body string) error {
	code := errs.CodeRejected
	switch {
	case status == http.StatusTooManyRequests:
		code = errs.CodeRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = errs.CodeAuth
	case status >= http.StatusInternalServerError:
		code = errs.CodeNetwork
	}
	return errs.New(venue, code,
		errs.WithHTTP(status),
		errs.WithMessage(fmt.Sprintf("status %d", status)),
		errs.WithRawMessage(body),
		errs.WithVenueField("endpoint", path))
}

func retCodeError(path string, retCode int, retMsg string) error {
	code, canonical := classifyRetCode(retCode)
	return errs.New(venue, code,
		errs.WithHTTP(http.StatusOK),
		errs.WithRawCode(strconv.Itoa(retCode)),
		errs.WithRawMessage(retMsg),
		errs.WithCanonicalCode(canonical),
		errs.WithVenueField("endpoint", path))
}

func classifyRetCode(retCode int) (errs.Code, errs.CanonicalCode) {
	switch retCode {
	case 10003, 10004, 10005, 10007, 10009, 10010, 33004:
		return errs.CodeAuth, errs.CanonicalUnknown
	case 10006, 10018:
		return errs.CodeRateLimited, errs.CanonicalUnknown
	case 10016:
		return errs.CodeNetwork, errs.CanonicalUnknown
	case 110004, 110007, 110012, 110045:
		return errs.CodeRejected, errs.CanonicalInsufficientBalance
	case 10001, 110017, 110094, 170136, 170137:
		return errs.CodeRejected, errs.CanonicalInvalidQuantity
	case 110023, 170121:
		return errs.CodeRejected, errs.CanonicalInvalidSymbol
	default:
		return errs.CodeRejected, errs.CanonicalUnknown
	}
}

func parseDecimal(raw string) decimal.Decimal {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero
	}
	return value
}

// ConnectStream opens the private execution stream for this credential. The
// handshake runs in the background; progress and messages arrive on
// Stream.Events. A client owns at most one live stream.
func (c *Client) ConnectStream(ctx context.Context) (*Stream, error) {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	if c.stream != nil && !c.stream.State().Terminal() {
		return nil, errStreamActive
	}
	s := newStream(c.cred, c.opts)
	c.stream = s
	s.start(ctx)
	return s, nil
}

// DisconnectStream closes the current stream. Calling it when no stream is
// open, or twice in a row, is a no-op.
func (c *Client) DisconnectStream() {
	c.streamMu.Lock()
	s := c.stream
	c.streamMu.Unlock()
	if s != nil {
		s.Close()
	}
}

var errStreamActive = errors.New("exchange: stream already active for credential")
