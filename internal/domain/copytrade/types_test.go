package copytrade

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/copytrader/errs"
)

func TestParseSide(t *testing.T) {
	side, ok := ParseSide(" buy ")
	require.True(t, ok)
	require.Equal(t, SideBuy, side)

	side, ok = ParseSide("SELL")
	require.True(t, ok)
	require.Equal(t, SideSell, side)

	_, ok = ParseSide("hold")
	require.False(t, ok)
}

func TestParseOrderTypeDefaultsToMarket(t *testing.T) {
	typ, ok := ParseOrderType("")
	require.True(t, ok)
	require.Equal(t, OrderTypeMarket, typ)

	typ, ok = ParseOrderType("LIMIT")
	require.True(t, ok)
	require.Equal(t, OrderTypeLimit, typ)

	_, ok = ParseOrderType("stop")
	require.False(t, ok)
}

func TestOrderParamsValidate(t *testing.T) {
	valid := OrderParams{Symbol: "BTCUSDT", Side: SideBuy, Type: OrderTypeMarket, Quantity: "0.01"}
	require.NoError(t, valid.Validate())

	limit := valid
	limit.Type = OrderTypeLimit
	limit.Price = "65000"
	require.NoError(t, limit.Validate())

	cases := map[string]struct {
		mutate    func(*OrderParams)
		canonical errs.CanonicalCode
	}{
		"missing symbol":    {mutate: func(p *OrderParams) { p.Symbol = " " }, canonical: errs.CanonicalInvalidSymbol},
		"bad side":          {mutate: func(p *OrderParams) { p.Side = "Hold" }, canonical: errs.CanonicalUnknown},
		"zero quantity":     {mutate: func(p *OrderParams) { p.Quantity = "0" }, canonical: errs.CanonicalInvalidQuantity},
		"garbage quantity":  {mutate: func(p *OrderParams) { p.Quantity = "abc" }, canonical: errs.CanonicalInvalidQuantity},
		"limit no price":    {mutate: func(p *OrderParams) { p.Type = OrderTypeLimit }, canonical: errs.CanonicalUnknown},
		"unknown orderType": {mutate: func(p *OrderParams) { p.Type = "Stop" }, canonical: errs.CanonicalUnknown},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			p := valid
			tc.mutate(&p)
			err := p.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			var e *errs.E
			require.True(t, errors.As(err, &e))
			require.Equal(t, errs.CodeInvalid, e.Code)
			require.Equal(t, tc.canonical, e.Canonical)
			require.Equal(t, errs.KindBusinessRejection, errs.KindOf(err))
		})
	}
}

func TestCredentialHidesKeys(t *testing.T) {
	cred := Credential{AccountID: "acc-1", APIKey: "key-abc", APISecret: "secret-xyz"}
	require.True(t, cred.Valid())

	printed := fmt.Sprintf("%v", cred)
	require.Contains(t, printed, "acc-1")
	require.False(t, strings.Contains(printed, "key-abc"))
	require.False(t, strings.Contains(printed, "secret-xyz"))

	require.False(t, Credential{AccountID: "acc-1", APIKey: "k"}.Valid())
}

func TestActiveFollowersSkipsInactive(t *testing.T) {
	rel := Relationship{
		MasterAccountID: "m",
		Followers: []FollowerSubscription{
			{FollowerAccountID: "a", Active: true},
			{FollowerAccountID: "b"},
			{FollowerAccountID: "c", Active: true},
		},
	}
	active := rel.ActiveFollowers()
	require.Len(t, active, 2)
	require.Equal(t, "a", active[0].FollowerAccountID)
	require.Equal(t, "c", active[1].FollowerAccountID)
}

func TestOutcomeAndStateHelpers(t *testing.T) {
	require.True(t, ReplicationOutcome{ResultOrderID: "o-1"}.Succeeded())
	require.False(t, ReplicationOutcome{ErrorKind: errs.KindRateLimited}.Succeeded())
	require.False(t, ReplicationOutcome{}.Succeeded())

	require.True(t, StateClosed.Terminal())
	require.True(t, StateFailed.Terminal())
	require.False(t, StateSubscribed.Terminal())
}
