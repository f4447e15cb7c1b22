package credentials

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/copytrader/errs"
	"github.com/coachpo/copytrader/internal/domain/copytrade"
)

func fixed(cred copytrade.Credential, err error) Resolver {
	return ResolverFunc(func(context.Context, string) (copytrade.Credential, error) { return cred, err })
}

func TestChainReturnsFirstValid(t *testing.T) {
	missing := errs.New("a", errs.CodeConfigMissing)
	c := Chain{
		fixed(copytrade.Credential{}, missing),
		nil,
		fixed(copytrade.Credential{AccountID: "M1", APIKey: "k"}, nil),
		fixed(copytrade.Credential{AccountID: "M1", APIKey: "k", APISecret: "s"}, nil),
	}
	cred, err := c.Resolve(context.Background(), "M1")
	require.NoError(t, err)
	require.Equal(t, "s", cred.APISecret)
}

func TestChainPrefersOutageOverNotFound(t *testing.T) {
	c := Chain{
		fixed(copytrade.Credential{}, errs.New("a", errs.CodeConfigMissing)),
		fixed(copytrade.Credential{}, errs.New("b", errs.CodeNetwork)),
	}
	_, err := c.Resolve(context.Background(), "M1")
	require.Equal(t, errs.KindTransportFailure, errs.KindOf(err))
}

func TestEmptyChainIsConfigurationMissing(t *testing.T) {
	_, err := Chain{}.Resolve(context.Background(), "M1")
	require.Equal(t, errs.KindConfigurationMissing, errs.KindOf(err))
}
