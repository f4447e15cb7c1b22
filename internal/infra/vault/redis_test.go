package vault

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/copytrader/errs"
	"github.com/coachpo/copytrader/internal/domain/copytrade"
)

type memoryHashes struct {
	mu   sync.Mutex
	data map[string]map[string]string
	err  error
}

func newMemoryHashes() *memoryHashes {
	return &memoryHashes{data: make(map[string]map[string]string)}
}

func (m *memoryHashes) HGetAll(_ context.Context, key string) *redis.MapStringStringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for k, v := range m.data[key] {
		out[k] = v
	}
	return redis.NewMapStringStringResult(out, m.err)
}

func (m *memoryHashes) HSet(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return redis.NewIntResult(0, m.err)
	}
	h := m.data[key]
	if h == nil {
		h = make(map[string]string)
		m.data[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		h[values[i].(string)] = values[i+1].(string)
	}
	return redis.NewIntResult(int64(len(values)/2), nil)
}

func (m *memoryHashes) Del(_ context.Context, keys ...string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func TestRedisVaultRoundTrip(t *testing.T) {
	store := newMemoryHashes()
	v := newRedis(store, "")
	ctx := context.Background()

	require.NoError(t, v.Put(ctx, copytrade.Credential{AccountID: "M1", APIKey: " key ", APISecret: "secret", Testnet: true}))
	require.Contains(t, store.data, DefaultPrefix+"M1")

	cred, err := v.Resolve(ctx, "M1")
	require.NoError(t, err)
	require.Equal(t, "key", cred.APIKey)
	require.True(t, cred.Testnet)

	require.NoError(t, v.Delete(ctx, "M1"))
	_, err = v.Resolve(ctx, "M1")
	require.Equal(t, errs.KindConfigurationMissing, errs.KindOf(err))
}

func TestRedisVaultRejectsIncompleteHashes(t *testing.T) {
	store := newMemoryHashes()
	store.data["p:M1"] = map[string]string{fieldAPIKey: "key"}
	store.data["p:M2"] = map[string]string{fieldAPIKey: "key", fieldAPISecret: "s", fieldTestnet: "maybe"}
	v := newRedis(store, "p:")

	_, err := v.Resolve(context.Background(), "M1")
	require.Equal(t, errs.KindConfigurationMissing, errs.KindOf(err))
	_, err = v.Resolve(context.Background(), "M2")
	require.Equal(t, errs.KindConfigurationMissing, errs.KindOf(err))
	_, err = v.Resolve(context.Background(), " ")
	require.Equal(t, errs.KindConfigurationMissing, errs.KindOf(err))
}

func TestRedisVaultTransportFailure(t *testing.T) {
	store := newMemoryHashes()
	store.err = errors.New("dial tcp: connection refused")
	v := newRedis(store, "")

	_, err := v.Resolve(context.Background(), "M1")
	require.Equal(t, errs.KindTransportFailure, errs.KindOf(err))
	require.Error(t, v.Put(context.Background(), copytrade.Credential{AccountID: "M1", APIKey: "k", APISecret: "s"}))
}

func TestRedisVaultPutValidates(t *testing.T) {
	v := newRedis(newMemoryHashes(), "")
	require.Error(t, v.Put(context.Background(), copytrade.Credential{AccountID: "M1", APIKey: "k"}))
	require.Error(t, v.Put(context.Background(), copytrade.Credential{APIKey: "k", APISecret: "s"}))
}
