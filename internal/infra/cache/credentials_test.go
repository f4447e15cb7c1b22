package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/copytrader/errs"
	"github.com/coachpo/copytrader/internal/domain/copytrade"
	"github.com/coachpo/copytrader/internal/domain/credentials"
)

type countingResolver struct {
	calls atomic.Int32
	key   atomic.Value
}

func (r *countingResolver) Resolve(_ context.Context, id string) (copytrade.Credential, error) {
	r.calls.Add(1)
	if id == "ghost" {
		return copytrade.Credential{}, errs.New("vault", errs.CodeConfigMissing)
	}
	key, _ := r.key.Load().(string)
	if key == "" {
		key = "k1"
	}
	return copytrade.Credential{AccountID: id, APIKey: key, APISecret: "s"}, nil
}

func newCache(t *testing.T, next credentials.Resolver, ttl time.Duration) *Credentials {
	t.Helper()
	c, err := NewCredentials(next, ttl, 128)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestCredentialsCacheHits(t *testing.T) {
	next := &countingResolver{}
	c := newCache(t, next, time.Minute)

	cred, err := c.Resolve(context.Background(), "M1")
	require.NoError(t, err)
	require.Equal(t, "k1", cred.APIKey)
	c.Wait()

	_, err = c.Resolve(context.Background(), " M1 ")
	require.NoError(t, err)
	require.EqualValues(t, 1, next.calls.Load())
}

func TestCredentialsCacheSkipsFailures(t *testing.T) {
	next := &countingResolver{}
	c := newCache(t, next, time.Minute)

	for i := 0; i < 2; i++ {
		_, err := c.Resolve(context.Background(), "ghost")
		require.Equal(t, errs.KindConfigurationMissing, errs.KindOf(err))
		c.Wait()
	}
	require.EqualValues(t, 2, next.calls.Load())
}

func TestCredentialsInvalidatePicksUpRotation(t *testing.T) {
	next := &countingResolver{}
	c := newCache(t, next, time.Minute)

	_, err := c.Resolve(context.Background(), "M1")
	require.NoError(t, err)
	c.Wait()

	next.key.Store("k2")
	c.Invalidate("M1")
	cred, err := c.Resolve(context.Background(), "M1")
	require.NoError(t, err)
	require.Equal(t, "k2", cred.APIKey)
}

func TestCredentialsExpire(t *testing.T) {
	next := &countingResolver{}
	c := newCache(t, next, 20*time.Millisecond)

	_, err := c.Resolve(context.Background(), "M1")
	require.NoError(t, err)
	c.Wait()
	time.Sleep(50 * time.Millisecond)
	_, err = c.Resolve(context.Background(), "M1")
	require.NoError(t, err)
	require.EqualValues(t, 2, next.calls.Load())
}

func TestNewCredentialsRequiresResolver(t *testing.T) {
	_, err := NewCredentials(nil, time.Second, 1)
	require.Error(t, err)
}
