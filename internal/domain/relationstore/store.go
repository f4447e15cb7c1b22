// Package relationstore defines persistence contracts for master/follower relationships.
package relationstore

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/coachpo/copytrader/internal/domain/copytrade"
)

// Account is an exchange account known to the platform.
type Account struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Testnet     bool   `json:"testnet"`
}

// RelationshipRecord is one persisted master/follower link.
type RelationshipRecord struct {
	MasterAccountID      string          `json:"masterAccountId"`
	FollowerAccountID    string          `json:"followerAccountId"`
	AllocationPercent    decimal.Decimal `json:"allocationPercent"`
	Active               bool            `json:"active"`
	MonitoredInstruments []string        `json:"monitoredInstruments,omitempty"`
	CreatedAt            int64           `json:"createdAt,omitempty"`
	UpdatedAt            int64           `json:"updatedAt,omitempty"`
}

// Reader lists the relationships the registry polls.
type Reader interface {
	// ListActiveRelationships returns one entry per master with at least one
	// active follower. Followers are ordered by account id.
	ListActiveRelationships(ctx context.Context) ([]copytrade.Relationship, error)
}

// Store defines the contract for relationship persistence operations.
type Store interface {
	Reader
	UpsertAccount(ctx context.Context, account Account) error
	UpsertRelationship(ctx context.Context, record RelationshipRecord) error
	SetRelationshipActive(ctx context.Context, masterID, followerID string, active bool) error
	ListRelationships(ctx context.Context, masterID string) ([]RelationshipRecord, error)
}
