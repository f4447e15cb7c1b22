// Package credentials defines the single credential lookup used by sessions and fan-out.
package credentials

import (
	"context"

	"github.com/coachpo/copytrader/errs"
	"github.com/coachpo/copytrader/internal/domain/copytrade"
)

// Resolver returns the credential for an account. A missing or blank
// credential yields an errs.CodeConfigMissing error.
type Resolver interface {
	Resolve(ctx context.Context, accountID string) (copytrade.Credential, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, accountID string) (copytrade.Credential, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, accountID string) (copytrade.Credential, error) {
	return f(ctx, accountID)
}

// Writer stores credentials.
type Writer interface {
	Put(ctx context.Context, cred copytrade.Credential) error
}

// Chain tries each resolver in order and returns the first valid credential.
// When every resolver fails, a non-configuration error (a store outage) wins
// over "not found" so callers can tell the two apart.
type Chain []Resolver

// Resolve implements Resolver.
func (c Chain) Resolve(ctx context.Context, accountID string) (copytrade.Credential, error) {
	var notFound, outage error
	for _, r := range c {
		if r == nil {
			continue
		}
		cred, err := r.Resolve(ctx, accountID)
		if err == nil && cred.Valid() {
			return cred, nil
		}
		if err == nil {
			continue
		}
		if errs.KindOf(err) == errs.KindConfigurationMissing {
			notFound = err
		} else if outage == nil {
			outage = err
		}
	}
	if outage != nil {
		return copytrade.Credential{}, outage
	}
	if notFound != nil {
		return copytrade.Credential{}, notFound
	}
	return copytrade.Credential{}, errs.New("credentials", errs.CodeConfigMissing,
		errs.WithMessage("no credential"), errs.WithVenueField("account", accountID))
}
