package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coachpo/copytrader/internal/domain/copytrade"
	"github.com/coachpo/copytrader/internal/domain/relationstore"
)

// RelationshipStore persists accounts and master/follower links.
type RelationshipStore struct {
	pool *pgxpool.Pool
}

// NewRelationshipStore constructs a RelationshipStore backed by the provided pool.
func NewRelationshipStore(pool *pgxpool.Pool) *RelationshipStore {
	return &RelationshipStore{pool: pool}
}

var (
	_ relationstore.Store = (*RelationshipStore)(nil)

	hundred = decimal.NewFromInt(100)
)

const (
	accountUpsertSQL = `
INSERT INTO accounts (id, display_name, testnet, created_at, updated_at)
VALUES (@id, @display_name, @testnet, NOW(), NOW())
ON CONFLICT (id) DO UPDATE SET
    display_name = EXCLUDED.display_name,
    testnet = EXCLUDED.testnet,
    updated_at = NOW();
`

	relationshipUpsertSQL = `
INSERT INTO follow_relationships (
    master_account_id,
    follower_account_id,
    allocation_percent,
    active,
    monitored_instruments,
    created_at,
    updated_at
)
VALUES (@master, @follower, @allocation, @active, @instruments, NOW(), NOW())
ON CONFLICT (master_account_id, follower_account_id) DO UPDATE SET
    allocation_percent = EXCLUDED.allocation_percent,
    active = EXCLUDED.active,
    monitored_instruments = EXCLUDED.monitored_instruments,
    updated_at = NOW();
`

	relationshipSetActiveSQL = `
UPDATE follow_relationships
SET active = $3, updated_at = NOW()
WHERE master_account_id = $1 AND follower_account_id = $2;
`

	relationshipActiveSQL = `
SELECT r.master_account_id,
       r.follower_account_id,
       r.allocation_percent::text,
       r.monitored_instruments
FROM follow_relationships r
WHERE r.active
ORDER BY r.master_account_id, r.follower_account_id;
`

	relationshipListSQL = `
SELECT master_account_id,
       follower_account_id,
       allocation_percent::text,
       active,
       monitored_instruments,
       created_at,
       updated_at
FROM follow_relationships
WHERE ($1::text = '' OR master_account_id = $1::text)
ORDER BY master_account_id, follower_account_id;
`
)

// UpsertAccount inserts or renames an account.
func (s *RelationshipStore) UpsertAccount(ctx context.Context, account relationstore.Account) error {
	if s.pool == nil {
		return fmt.Errorf("relationship store: nil pool")
	}
	id := strings.TrimSpace(account.ID)
	if id == "" {
		return fmt.Errorf("relationship store: account id required")
	}
	args := pgx.NamedArgs{
		"id":           id,
		"display_name": strings.TrimSpace(account.DisplayName),
		"testnet":      account.Testnet,
	}
	if _, err := s.pool.Exec(ctx, accountUpsertSQL, args); err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// UpsertRelationship inserts or updates one master/follower link. Both
// accounts must already exist.
func (s *RelationshipStore) UpsertRelationship(ctx context.Context, record relationstore.RelationshipRecord) error {
	if s.pool == nil {
		return fmt.Errorf("relationship store: nil pool")
	}
	master := strings.TrimSpace(record.MasterAccountID)
	follower := strings.TrimSpace(record.FollowerAccountID)
	if master == "" || follower == "" {
		return fmt.Errorf("relationship store: master and follower ids required")
	}
	if master == follower {
		return fmt.Errorf("relationship store: account %s cannot follow itself", master)
	}
	if record.AllocationPercent.IsNegative() || record.AllocationPercent.GreaterThan(hundred) {
		return fmt.Errorf("relationship store: allocation %s outside [0,100]", record.AllocationPercent)
	}
	allocation, err := numericFromDecimal(record.AllocationPercent)
	if err != nil {
		return fmt.Errorf("relationship store: %w", err)
	}
	args := pgx.NamedArgs{
		"master":      master,
		"follower":    follower,
		"allocation":  allocation,
		"active":      record.Active,
		"instruments": normaliseInstruments(record.MonitoredInstruments),
	}
	if _, err := s.pool.Exec(ctx, relationshipUpsertSQL, args); err != nil {
		return fmt.Errorf("upsert relationship: %w", err)
	}
	return nil
}

// SetRelationshipActive toggles a link without touching its allocation.
func (s *RelationshipStore) SetRelationshipActive(ctx context.Context, masterID, followerID string, active bool) error {
	if s.pool == nil {
		return fmt.Errorf("relationship store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, relationshipSetActiveSQL, strings.TrimSpace(masterID), strings.TrimSpace(followerID), active)
	if err != nil {
		return fmt.Errorf("set relationship active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("relationship %s/%s not found", masterID, followerID)
	}
	return nil
}

// ListRelationships returns every link of masterID, or all links when
// masterID is empty.
func (s *RelationshipStore) ListRelationships(ctx context.Context, masterID string) ([]relationstore.RelationshipRecord, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("relationship store: nil pool")
	}
	rows, err := s.pool.Query(ctx, relationshipListSQL, strings.TrimSpace(masterID))
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	defer rows.Close()

	var records []relationstore.RelationshipRecord
	for rows.Next() {
		var (
			rec                  relationstore.RelationshipRecord
			allocation           string
			createdAt, updatedAt time.Time
		)
		if err := rows.Scan(&rec.MasterAccountID, &rec.FollowerAccountID, &allocation, &rec.Active,
			&rec.MonitoredInstruments, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		if rec.AllocationPercent, err = decimalFromText(allocation); err != nil {
			return nil, err
		}
		rec.CreatedAt = createdAt.UnixMilli()
		rec.UpdatedAt = updatedAt.UnixMilli()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relationships: %w", err)
	}
	return records, nil
}

// ListActiveRelationships groups the active links by master. The monitored
// instruments of a master are the union over its links; a link with an empty
// list watches everything, which empties the union.
func (s *RelationshipStore) ListActiveRelationships(ctx context.Context) ([]copytrade.Relationship, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("relationship store: nil pool")
	}
	rows, err := s.pool.Query(ctx, relationshipActiveSQL)
	if err != nil {
		return nil, fmt.Errorf("list active relationships: %w", err)
	}
	defer rows.Close()

	var (
		out         []copytrade.Relationship
		instruments map[string]struct{}
		watchAll    bool
	)
	flush := func() {
		if len(out) == 0 {
			return
		}
		last := &out[len(out)-1]
		if !watchAll {
			last.MonitoredInstruments = sortedKeys(instruments)
		}
	}
	for rows.Next() {
		var (
			master, follower, allocation string
			monitored                    []string
		)
		if err := rows.Scan(&master, &follower, &allocation, &monitored); err != nil {
			return nil, fmt.Errorf("scan active relationship: %w", err)
		}
		pct, err := decimalFromText(allocation)
		if err != nil {
			return nil, err
		}
		if len(out) == 0 || out[len(out)-1].MasterAccountID != master {
			flush()
			out = append(out, copytrade.Relationship{MasterAccountID: master})
			instruments = make(map[string]struct{})
			watchAll = false
		}
		monitored = normaliseInstruments(monitored)
		if len(monitored) == 0 {
			watchAll = true
		}
		for _, sym := range monitored {
			instruments[sym] = struct{}{}
		}
		last := &out[len(out)-1]
		last.Followers = append(last.Followers, copytrade.FollowerSubscription{
			FollowerAccountID: follower,
			MasterAccountID:   master,
			AllocationPercent: pct,
			Active:            true,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active relationships: %w", err)
	}
	flush()
	return out, nil
}

func normaliseInstruments(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, raw := range in {
		sym := strings.ToUpper(strings.TrimSpace(raw))
		if sym == "" {
			continue
		}
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
