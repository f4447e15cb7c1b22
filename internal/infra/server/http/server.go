// Package httpserver exposes the copier control API: service lifecycle,
// manual trades, account queries and relationship administration.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/copytrader/errs"
	"github.com/coachpo/copytrader/internal/app/engine"
	"github.com/coachpo/copytrader/internal/app/session"
	"github.com/coachpo/copytrader/internal/domain/auditstore"
	"github.com/coachpo/copytrader/internal/domain/copytrade"
	"github.com/coachpo/copytrader/internal/domain/relationstore"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	servicePath      = "/service"
	serviceStartPath = servicePath + "/start"
	serviceStopPath  = servicePath + "/stop"
	manualTradePath  = "/trades/manual"

	accountsPrefix = "/accounts/"

	relationshipsPath    = "/relationships"
	replicationsPath     = "/replications"
	relationshipToggleOp = "active"
)

// Engine is the part of the copy trading service the API drives.
type Engine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsActive() bool
	Sessions() []session.Info
	ExecuteManualTradeFor(ctx context.Context, trade engine.ManualTrade) (copytrade.ReplicationOutcome, copytrade.ReplicationOutcome, error)
	Balance(ctx context.Context, accountID string) (copytrade.Balance, error)
	OrderHistory(ctx context.Context, accountID string, query copytrade.HistoryQuery) (copytrade.OrderHistory, error)
	PositionHistory(ctx context.Context, accountID string, query copytrade.HistoryQuery) (copytrade.PositionHistory, error)
}

// Deps groups the handler collaborators. Relationships and Audit are
// optional; their routes answer 503 when unset.
type Deps struct {
	Engine        Engine
	Relationships relationstore.Store
	Audit         auditstore.Reader
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	engine        Engine
	relationships relationstore.Store
	audit         auditstore.Reader
}

// NewHandler creates the control API handler.
func NewHandler(deps Deps) http.Handler {
	server := &httpServer{engine: deps.Engine, relationships: deps.Relationships, audit: deps.Audit}
	mux := http.NewServeMux()

	mux.Handle(servicePath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getService,
	}))
	mux.Handle(serviceStartPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.startService,
	}))
	mux.Handle(serviceStopPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.stopService,
	}))
	mux.Handle(manualTradePath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.manualTrade,
	}))
	mux.Handle(accountsPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.handleAccount,
	}))
	mux.Handle(relationshipsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listRelationships,
		http.MethodPut: server.upsertRelationship,
	}))
	mux.Handle(relationshipsPath+"/", server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.toggleRelationship,
	}))
	mux.Handle(replicationsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listReplications,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

type sessionView struct {
	Master    string                `json:"master"`
	State     copytrade.StreamState `json:"state"`
	Followers int                   `json:"followers"`
}

type serviceView struct {
	Active   bool          `json:"active"`
	Sessions []sessionView `json:"sessions"`
}

func (s *httpServer) serviceStatus() serviceView {
	infos := s.engine.Sessions()
	view := serviceView{Active: s.engine.IsActive(), Sessions: make([]sessionView, 0, len(infos))}
	for _, info := range infos {
		view.Sessions = append(view.Sessions, sessionView{
			Master:    info.MasterAccountID,
			State:     info.State,
			Followers: info.Followers,
		})
	}
	sort.Slice(view.Sessions, func(i, j int) bool { return view.Sessions[i].Master < view.Sessions[j].Master })
	return view
}

func (s *httpServer) getService(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.serviceStatus())
}

func (s *httpServer) startService(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Start(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("start service: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, s.serviceStatus())
}

func (s *httpServer) stopService(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Stop(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("stop service: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, s.serviceStatus())
}

type orderPayload struct {
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	OrderType string `json:"orderType"`
	Qty       string `json:"qty"`
	Price     string `json:"price"`
	Category  string `json:"category"`
}

type manualTradePayload struct {
	MasterAccountID   string       `json:"masterAccountId"`
	FollowerAccountID string       `json:"followerAccountId"`
	AllocationPercent string       `json:"allocationPercent"`
	Order             orderPayload `json:"order"`
}

type manualTradeResponse struct {
	Master   copytrade.ReplicationOutcome `json:"master"`
	Follower copytrade.ReplicationOutcome `json:"follower"`
}

func (s *httpServer) manualTrade(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload manualTradePayload
	if err := decodeBody(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	trade, err := buildManualTrade(payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	master, follower, err := s.engine.ExecuteManualTradeFor(r.Context(), trade)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, manualTradeResponse{Master: master, Follower: follower})
}

func buildManualTrade(payload manualTradePayload) (engine.ManualTrade, error) {
	trade := engine.ManualTrade{
		MasterAccountID:   strings.TrimSpace(payload.MasterAccountID),
		FollowerAccountID: strings.TrimSpace(payload.FollowerAccountID),
	}
	if trade.MasterAccountID == "" || trade.FollowerAccountID == "" {
		return trade, fmt.Errorf("masterAccountId and followerAccountId required")
	}
	if trade.MasterAccountID == trade.FollowerAccountID {
		return trade, fmt.Errorf("master and follower must differ")
	}
	if raw := strings.TrimSpace(payload.AllocationPercent); raw != "" {
		pct, err := decimal.NewFromString(raw)
		if err != nil {
			return trade, fmt.Errorf("allocationPercent: %w", err)
		}
		if pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(100)) {
			return trade, fmt.Errorf("allocationPercent must be within [0,100]")
		}
		trade.AllocationPercent = &pct
	}
	side, ok := copytrade.ParseSide(payload.Order.Side)
	if !ok {
		return trade, fmt.Errorf("order.side must be Buy or Sell")
	}
	orderType, ok := copytrade.ParseOrderType(payload.Order.OrderType)
	if !ok {
		return trade, fmt.Errorf("order.orderType must be Market or Limit")
	}
	trade.Order = copytrade.OrderParams{
		Symbol:   strings.TrimSpace(payload.Order.Symbol),
		Side:     side,
		Type:     orderType,
		Quantity: strings.TrimSpace(payload.Order.Qty),
		Price:    strings.TrimSpace(payload.Order.Price),
		Category: strings.TrimSpace(payload.Order.Category),
	}
	return trade, nil
}

func (s *httpServer) handleAccount(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, accountsPrefix), "/")
	id, resource, ok := strings.Cut(rest, "/")
	id = strings.TrimSpace(id)
	if !ok || id == "" {
		writeError(w, http.StatusNotFound, "account resource required")
		return
	}

	switch resource {
	case "balance":
		balance, err := s.engine.Balance(r.Context(), id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, balance)
	case "orders":
		query, err := historyQuery(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		history, err := s.engine.OrderHistory(r.Context(), id, query)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, history)
	case "positions":
		query, err := historyQuery(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		history, err := s.engine.PositionHistory(r.Context(), id, query)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, history)
	default:
		writeError(w, http.StatusNotFound, "unsupported account resource")
	}
}

// historyQuery reads category, symbol, limit, cursor and the startTime and
// endTime bounds (unix milliseconds).
func historyQuery(r *http.Request) (copytrade.HistoryQuery, error) {
	values := r.URL.Query()
	query := copytrade.HistoryQuery{
		Category: strings.TrimSpace(values.Get("category")),
		Symbol:   strings.ToUpper(strings.TrimSpace(values.Get("symbol"))),
		Cursor:   strings.TrimSpace(values.Get("cursor")),
	}
	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return query, fmt.Errorf("limit must be a positive integer")
		}
		query.Limit = limit
	}
	var err error
	if query.StartTime, err = millisParam(values.Get("startTime"), "startTime"); err != nil {
		return query, err
	}
	if query.EndTime, err = millisParam(values.Get("endTime"), "endTime"); err != nil {
		return query, err
	}
	if !query.StartTime.IsZero() && !query.EndTime.IsZero() && query.EndTime.Before(query.StartTime) {
		return query, fmt.Errorf("endTime before startTime")
	}
	return query, nil
}

func millisParam(raw, name string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		return time.Time{}, fmt.Errorf("%s must be unix milliseconds", name)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (s *httpServer) listRelationships(w http.ResponseWriter, r *http.Request) {
	if s.relationships == nil {
		writeError(w, http.StatusServiceUnavailable, "relationship store unavailable")
		return
	}
	records, err := s.relationships.ListRelationships(r.Context(), r.URL.Query().Get("master"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []relationstore.RelationshipRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"relationships": records})
}

func (s *httpServer) upsertRelationship(w http.ResponseWriter, r *http.Request) {
	if s.relationships == nil {
		writeError(w, http.StatusServiceUnavailable, "relationship store unavailable")
		return
	}
	limitRequestBody(w, r)
	var record relationstore.RelationshipRecord
	if err := decodeBody(r, &record); err != nil {
		writeDecodeError(w, err)
		return
	}
	if err := s.relationships.UpsertRelationship(r.Context(), record); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type togglePayload struct {
	Active bool `json:"active"`
}

// toggleRelationship serves POST /relationships/{master}/{follower}/active.
func (s *httpServer) toggleRelationship(w http.ResponseWriter, r *http.Request) {
	if s.relationships == nil {
		writeError(w, http.StatusServiceUnavailable, "relationship store unavailable")
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, relationshipsPath+"/"), "/"), "/")
	if len(parts) != 3 || parts[2] != relationshipToggleOp || parts[0] == "" || parts[1] == "" {
		writeError(w, http.StatusNotFound, "expected /relationships/{master}/{follower}/active")
		return
	}
	limitRequestBody(w, r)
	var payload togglePayload
	if err := decodeBody(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	if err := s.relationships.SetRelationshipActive(r.Context(), parts[0], parts[1], payload.Active); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"master": parts[0], "follower": parts[1], "active": payload.Active})
}

func (s *httpServer) listReplications(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit store unavailable")
		return
	}
	values := r.URL.Query()
	query := auditstore.ReplicationQuery{
		MasterAccountID:   strings.TrimSpace(values.Get("master")),
		FollowerAccountID: strings.TrimSpace(values.Get("follower")),
	}
	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		query.Limit = limit
	}
	outcomes, err := s.audit.ListReplications(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if outcomes == nil {
		outcomes = []copytrade.ReplicationOutcome{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"replications": outcomes})
}

// statusForKind maps the error taxonomy onto HTTP statuses. Exchange-side
// failures surface as 502 so callers can tell them from bad requests.
func statusForKind(kind errs.Kind) int {
	switch kind {
	case errs.KindBusinessRejection, errs.KindQuantityTooSmall:
		return http.StatusBadRequest
	case errs.KindConfigurationMissing:
		return http.StatusNotFound
	case errs.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	writeJSON(w, statusForKind(kind), map[string]string{"status": "error", "kind": string(kind), "error": err.Error()})
}

func decodeBody(r *http.Request, out any) error {
	defer func() {
		_ = r.Body.Close()
	}()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
