// Package vault stores exchange credentials in redis hashes.
package vault

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/coachpo/copytrader/errs"
	"github.com/coachpo/copytrader/internal/domain/copytrade"
	"github.com/coachpo/copytrader/internal/domain/credentials"
)

const (
	DefaultPrefix = "copier:credentials:"

	fieldAPIKey    = "apiKey"
	fieldAPISecret = "apiSecret"
	fieldTestnet   = "testnet"
)

// hashStore is the subset of redis.Cmdable the vault uses.
type hashStore interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Redis resolves credentials from hashes keyed <prefix><accountID> with the
// fields apiKey, apiSecret and testnet.
type Redis struct {
	client hashStore
	prefix string
}

var (
	_ credentials.Resolver = (*Redis)(nil)
	_ credentials.Writer   = (*Redis)(nil)
)

// NewRedis builds a vault over client. An empty prefix uses DefaultPrefix.
func NewRedis(client redis.Cmdable, prefix string) *Redis {
	return newRedis(client, prefix)
}

func newRedis(client hashStore, prefix string) *Redis {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(accountID string) string {
	return r.prefix + strings.TrimSpace(accountID)
}

// Resolve implements credentials.Resolver.
func (r *Redis) Resolve(ctx context.Context, accountID string) (copytrade.Credential, error) {
	if strings.TrimSpace(accountID) == "" {
		return copytrade.Credential{}, errs.New("vault", errs.CodeConfigMissing, errs.WithMessage("account id required"))
	}
	fields, err := r.client.HGetAll(ctx, r.key(accountID)).Result()
	if err != nil {
		return copytrade.Credential{}, errs.New("vault", errs.CodeNetwork,
			errs.WithMessage("redis HGETALL"), errs.WithCause(err))
	}
	cred, err := credentialFromHash(strings.TrimSpace(accountID), fields)
	if err != nil {
		return copytrade.Credential{}, err
	}
	return cred, nil
}

// Put implements credentials.Writer.
func (r *Redis) Put(ctx context.Context, cred copytrade.Credential) error {
	if strings.TrimSpace(cred.AccountID) == "" {
		return fmt.Errorf("vault: account id required")
	}
	if !cred.Valid() {
		return fmt.Errorf("vault: api key and secret required")
	}
	err := r.client.HSet(ctx, r.key(cred.AccountID),
		fieldAPIKey, strings.TrimSpace(cred.APIKey),
		fieldAPISecret, strings.TrimSpace(cred.APISecret),
		fieldTestnet, strconv.FormatBool(cred.Testnet),
	).Err()
	if err != nil {
		return fmt.Errorf("redis HSET %s: %w", r.key(cred.AccountID), err)
	}
	return nil
}

// Delete removes the credential of accountID.
func (r *Redis) Delete(ctx context.Context, accountID string) error {
	if err := r.client.Del(ctx, r.key(accountID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis DEL %s: %w", r.key(accountID), err)
	}
	return nil
}

func credentialFromHash(accountID string, fields map[string]string) (copytrade.Credential, error) {
	if len(fields) == 0 {
		return copytrade.Credential{}, errs.New("vault", errs.CodeConfigMissing,
			errs.WithMessage("no credential stored"), errs.WithVenueField("account", accountID))
	}
	cred := copytrade.Credential{
		AccountID: accountID,
		APIKey:    strings.TrimSpace(fields[fieldAPIKey]),
		APISecret: strings.TrimSpace(fields[fieldAPISecret]),
	}
	if raw := strings.TrimSpace(fields[fieldTestnet]); raw != "" {
		testnet, err := strconv.ParseBool(raw)
		if err != nil {
			return copytrade.Credential{}, errs.New("vault", errs.CodeConfigMissing,
				errs.WithMessage("testnet flag malformed"), errs.WithVenueField("account", accountID))
		}
		cred.Testnet = testnet
	}
	if !cred.Valid() {
		return copytrade.Credential{}, errs.New("vault", errs.CodeConfigMissing,
			errs.WithMessage("credential incomplete"), errs.WithVenueField("account", accountID))
	}
	return cred, nil
}
