package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/copytrader/errs"
	"github.com/coachpo/copytrader/internal/domain/auditstore"
	"github.com/coachpo/copytrader/internal/domain/copytrade"
)

const (
	defaultReplicationLimit = 100
	maxReplicationLimit     = 1000
)

// AuditStore appends detections, replication outcomes and session events.
// Writes are idempotent on the record id.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore constructs an AuditStore backed by the provided pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

var (
	_ auditstore.Sink   = (*AuditStore)(nil)
	_ auditstore.Reader = (*AuditStore)(nil)
)

const (
	detectionInsertSQL = `
INSERT INTO trade_detections (id, master_account_id, symbol, side, quantity, price, order_id, detected_at)
VALUES (@id, @master, @symbol, @side, @quantity, @price, @order_id, @detected_at)
ON CONFLICT (id) DO NOTHING;
`

	replicationInsertSQL = `
INSERT INTO trade_replications (
    id,
    master_account_id,
    follower_account_id,
    master_order_id,
    symbol,
    side,
    scaled_quantity,
    result_order_id,
    error_kind,
    reason,
    created_at
)
VALUES (
    @id,
    @master,
    @follower,
    @master_order_id,
    @symbol,
    @side,
    @scaled_quantity,
    @result_order_id,
    @error_kind,
    @reason,
    @created_at
)
ON CONFLICT (id) DO NOTHING;
`

	sessionEventInsertSQL = `
INSERT INTO session_events (id, master_account_id, state, error_kind, reason, occurred_at)
VALUES (@id, @master, @state, @error_kind, @reason, @occurred_at)
ON CONFLICT (id) DO NOTHING;
`

	replicationListSQL = `
SELECT id,
       master_account_id,
       follower_account_id,
       master_order_id,
       symbol,
       side,
       scaled_quantity,
       result_order_id,
       error_kind,
       reason,
       created_at
FROM trade_replications
WHERE (@master::text = '' OR master_account_id = @master::text)
  AND (@follower::text = '' OR follower_account_id = @follower::text)
ORDER BY created_at DESC, id
LIMIT @limit;
`
)

// WriteDetection stores a master fill.
func (s *AuditStore) WriteDetection(ctx context.Context, d copytrade.Detection) error {
	if s.pool == nil {
		return fmt.Errorf("audit store: nil pool")
	}
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("audit store: detection id required")
	}
	qty, err := numericFromDecimal(d.Quantity)
	if err != nil {
		return fmt.Errorf("audit store: quantity: %w", err)
	}
	price, err := numericFromDecimal(d.Price)
	if err != nil {
		return fmt.Errorf("audit store: price: %w", err)
	}
	args := pgx.NamedArgs{
		"id":          d.ID,
		"master":      d.MasterAccountID,
		"symbol":      d.Symbol,
		"side":        string(d.Side),
		"quantity":    qty,
		"price":       price,
		"order_id":    d.OrderID,
		"detected_at": orNow(d.DetectedAt),
	}
	if _, err := s.pool.Exec(ctx, detectionInsertSQL, args); err != nil {
		return fmt.Errorf("insert detection: %w", err)
	}
	return nil
}

// WriteReplication stores one follower outcome.
func (s *AuditStore) WriteReplication(ctx context.Context, o copytrade.ReplicationOutcome) error {
	if s.pool == nil {
		return fmt.Errorf("audit store: nil pool")
	}
	if strings.TrimSpace(o.ID) == "" {
		return fmt.Errorf("audit store: replication id required")
	}
	args := pgx.NamedArgs{
		"id":              o.ID,
		"master":          o.MasterAccountID,
		"follower":        o.FollowerAccountID,
		"master_order_id": o.MasterOrderID,
		"symbol":          o.Symbol,
		"side":            string(o.Side),
		"scaled_quantity": o.ScaledQuantity,
		"result_order_id": o.ResultOrderID,
		"error_kind":      string(o.ErrorKind),
		"reason":          o.Reason,
		"created_at":      orNow(o.Timestamp),
	}
	if _, err := s.pool.Exec(ctx, replicationInsertSQL, args); err != nil {
		return fmt.Errorf("insert replication: %w", err)
	}
	return nil
}

// WriteSessionEvent stores a master session transition.
func (s *AuditStore) WriteSessionEvent(ctx context.Context, ev copytrade.SessionEvent) error {
	if s.pool == nil {
		return fmt.Errorf("audit store: nil pool")
	}
	if strings.TrimSpace(ev.ID) == "" {
		return fmt.Errorf("audit store: session event id required")
	}
	args := pgx.NamedArgs{
		"id":          ev.ID,
		"master":      ev.MasterAccountID,
		"state":       string(ev.State),
		"error_kind":  string(ev.ErrorKind),
		"reason":      ev.Reason,
		"occurred_at": orNow(ev.At),
	}
	if _, err := s.pool.Exec(ctx, sessionEventInsertSQL, args); err != nil {
		return fmt.Errorf("insert session event: %w", err)
	}
	return nil
}

// ListReplications returns the newest outcomes matching query.
func (s *AuditStore) ListReplications(ctx context.Context, query auditstore.ReplicationQuery) ([]copytrade.ReplicationOutcome, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("audit store: nil pool")
	}
	args := pgx.NamedArgs{
		"master":   strings.TrimSpace(query.MasterAccountID),
		"follower": strings.TrimSpace(query.FollowerAccountID),
		"limit":    clampLimit(query.Limit),
	}
	rows, err := s.pool.Query(ctx, replicationListSQL, args)
	if err != nil {
		return nil, fmt.Errorf("list replications: %w", err)
	}
	defer rows.Close()

	var out []copytrade.ReplicationOutcome
	for rows.Next() {
		var (
			o          copytrade.ReplicationOutcome
			side, kind string
		)
		if err := rows.Scan(&o.ID, &o.MasterAccountID, &o.FollowerAccountID, &o.MasterOrderID, &o.Symbol,
			&side, &o.ScaledQuantity, &o.ResultOrderID, &kind, &o.Reason, &o.Timestamp); err != nil {
			return nil, fmt.Errorf("scan replication: %w", err)
		}
		o.Side = copytrade.Side(side)
		o.ErrorKind = errs.Kind(kind)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate replications: %w", err)
	}
	return out, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultReplicationLimit
	case limit > maxReplicationLimit:
		return maxReplicationLimit
	default:
		return limit
	}
}

func orNow(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now().UTC()
	}
	return ts.UTC()
}
