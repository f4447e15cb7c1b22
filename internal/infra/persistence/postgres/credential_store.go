package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/copytrader/errs"
	"github.com/coachpo/copytrader/internal/domain/copytrade"
	"github.com/coachpo/copytrader/internal/domain/credentials"
)

// CredentialStore keeps API keys in the credentials table.
type CredentialStore struct {
	pool *pgxpool.Pool
}

// NewCredentialStore constructs a CredentialStore backed by the provided pool.
func NewCredentialStore(pool *pgxpool.Pool) *CredentialStore {
	return &CredentialStore{pool: pool}
}

var (
	_ credentials.Resolver = (*CredentialStore)(nil)
	_ credentials.Writer   = (*CredentialStore)(nil)
)

const (
	credentialSelectSQL = `
SELECT c.api_key, c.api_secret, a.testnet
FROM credentials c
JOIN accounts a ON a.id = c.account_id
WHERE c.account_id = $1;
`

	credentialAccountSQL = `
INSERT INTO accounts (id, testnet, created_at, updated_at)
VALUES ($1, $2, NOW(), NOW())
ON CONFLICT (id) DO UPDATE SET testnet = EXCLUDED.testnet, updated_at = NOW();
`

	credentialUpsertSQL = `
INSERT INTO credentials (account_id, api_key, api_secret, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (account_id) DO UPDATE SET
    api_key = EXCLUDED.api_key,
    api_secret = EXCLUDED.api_secret,
    updated_at = NOW();
`
)

// Resolve loads the credential of accountID. A missing row is reported as a
// configuration error so callers skip the account rather than retry.
func (s *CredentialStore) Resolve(ctx context.Context, accountID string) (copytrade.Credential, error) {
	if s.pool == nil {
		return copytrade.Credential{}, fmt.Errorf("credential store: nil pool")
	}
	id := strings.TrimSpace(accountID)
	if id == "" {
		return copytrade.Credential{}, errs.New("postgres", errs.CodeConfigMissing, errs.WithMessage("account id required"))
	}
	cred := copytrade.Credential{AccountID: id}
	err := s.pool.QueryRow(ctx, credentialSelectSQL, id).Scan(&cred.APIKey, &cred.APISecret, &cred.Testnet)
	if errors.Is(err, pgx.ErrNoRows) {
		return copytrade.Credential{}, errs.New("postgres", errs.CodeConfigMissing,
			errs.WithMessage("no credential stored"), errs.WithVenueField("account", id))
	}
	if err != nil {
		return copytrade.Credential{}, errs.New("postgres", errs.CodeNetwork,
			errs.WithMessage("load credential"), errs.WithCause(err))
	}
	if !cred.Valid() {
		return copytrade.Credential{}, errs.New("postgres", errs.CodeConfigMissing,
			errs.WithMessage("credential incomplete"), errs.WithVenueField("account", id))
	}
	return cred, nil
}

// Put stores cred, creating its account row when needed.
func (s *CredentialStore) Put(ctx context.Context, cred copytrade.Credential) error {
	if s.pool == nil {
		return fmt.Errorf("credential store: nil pool")
	}
	id := strings.TrimSpace(cred.AccountID)
	if id == "" {
		return fmt.Errorf("credential store: account id required")
	}
	if !cred.Valid() {
		return fmt.Errorf("credential store: api key and secret required")
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return fmt.Errorf("begin credential tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, credentialAccountSQL, id, cred.Testnet); err != nil {
		return fmt.Errorf("upsert credential account: %w", err)
	}
	if _, err := tx.Exec(ctx, credentialUpsertSQL, id, strings.TrimSpace(cred.APIKey), strings.TrimSpace(cred.APISecret)); err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit credential tx: %w", err)
	}
	return nil
}
