package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/copytrader/internal/infra/persistence"
)

// Store bundles the postgres repositories sharing one pool.
type Store struct {
	*persistence.Store
	Relationships *RelationshipStore
	Credentials   *CredentialStore
	Audit         *AuditStore
}

// New constructs the repositories over pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Store:         persistence.NewStore(pool),
		Relationships: NewRelationshipStore(pool),
		Credentials:   NewCredentialStore(pool),
		Audit:         NewAuditStore(pool),
	}
}
