package registry

import (
	"context"
	"errors"
	"io"
	"log"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/copytrader/errs"
	"github.com/coachpo/copytrader/internal/domain/copytrade"
	"github.com/coachpo/copytrader/internal/domain/credentials"
	"github.com/coachpo/copytrader/internal/domain/notify"
	"github.com/coachpo/copytrader/lib/retry"
)

type scriptedStore struct {
	mu    sync.Mutex
	rels  []copytrade.Relationship
	err   error
	calls int
}

func (s *scriptedStore) set(rels ...copytrade.Relationship) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rels = rels
	s.err = nil
}

func (s *scriptedStore) ListActiveRelationships(context.Context) ([]copytrade.Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.rels, nil
}

type fakeSessions struct {
	mu       sync.Mutex
	running  map[string]copytrade.Relationship
	creds    map[string]copytrade.Credential
	starts   int
	startErr error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		running: make(map[string]copytrade.Relationship),
		creds:   make(map[string]copytrade.Credential),
	}
}

func (f *fakeSessions) Start(_ context.Context, rel copytrade.Relationship, cred copytrade.Credential) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return false, f.startErr
	}
	if _, ok := f.running[rel.MasterAccountID]; ok {
		return false, nil
	}
	f.starts++
	f.running[rel.MasterAccountID] = rel
	f.creds[rel.MasterAccountID] = cred
	return true, nil
}

func (f *fakeSessions) Stop(master string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[master]; !ok {
		return errors.New("not found")
	}
	delete(f.running, master)
	return nil
}

func (f *fakeSessions) UpdateFollowers(rel copytrade.Relationship) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[rel.MasterAccountID]; !ok {
		return false
	}
	f.running[rel.MasterAccountID] = rel
	return true
}

func (f *fakeSessions) Masters() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.running))
	for m := range f.running {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (f *fakeSessions) followers(master string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, fl := range f.running[master].Followers {
		out = append(out, fl.FollowerAccountID)
	}
	return out
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, msg notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func vault(known ...string) credentials.Resolver {
	set := make(map[string]bool, len(known))
	for _, k := range known {
		set[k] = true
	}
	return credentials.ResolverFunc(func(_ context.Context, id string) (copytrade.Credential, error) {
		if !set[id] {
			return copytrade.Credential{}, errs.New("vault", errs.CodeConfigMissing, errs.WithMessage("no credential"))
		}
		return copytrade.Credential{AccountID: id, APIKey: "k-" + id, APISecret: "s-" + id}, nil
	})
}

func rel(master string, followers map[string]bool) copytrade.Relationship {
	r := copytrade.Relationship{MasterAccountID: master}
	ids := make([]string, 0, len(followers))
	for id := range followers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		r.Followers = append(r.Followers, copytrade.FollowerSubscription{
			FollowerAccountID: id,
			MasterAccountID:   master,
			AllocationPercent: decimal.NewFromInt(50),
			Active:            followers[id],
		})
	}
	return r
}

func newRegistry(store *scriptedStore, sessions Sessions, resolver credentials.Resolver, opts ...Option) *Registry {
	cfg := Config{
		PollInterval: 10 * time.Millisecond,
		StoreRetry:   retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	}
	return New(cfg, store, resolver, sessions, log.New(io.Discard, "", 0), opts...)
}

func TestCycleStartsThenStopsVanishedMaster(t *testing.T) {
	store := &scriptedStore{}
	store.set(rel("M1", map[string]bool{"F1": true, "F2": false}))
	sessions := newFakeSessions()
	r := newRegistry(store, sessions, vault("M1", "F1", "F2"))

	res, err := r.Cycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"M1"}, res.Started)
	require.Equal(t, []string{"F1"}, sessions.followers("M1"))
	require.Equal(t, "k-M1", sessions.creds["M1"].APIKey)

	store.set()
	res, err = r.Cycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"M1"}, res.Stopped)
	require.Empty(t, sessions.Masters())
}

type forgetfulCache struct {
	mu      sync.Mutex
	dropped []string
}

func (c *forgetfulCache) Forget(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped = append(c.dropped, accountID)
}

func TestCycleEvictsClientsOfStoppedMaster(t *testing.T) {
	store := &scriptedStore{}
	store.set(rel("M1", map[string]bool{"F1": true}), rel("M2", map[string]bool{"F2": true}))
	sessions := newFakeSessions()
	cache := &forgetfulCache{}
	r := newRegistry(store, sessions, vault("M1", "M2", "F1", "F2"), WithClientCache(cache))

	_, err := r.Cycle(context.Background())
	require.NoError(t, err)
	require.Empty(t, cache.dropped)

	store.set(rel("M2", map[string]bool{"F2": true}))
	res, err := r.Cycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"M1"}, res.Stopped)
	require.Equal(t, []string{"M1"}, cache.dropped)
}

func TestCycleRefreshesWithoutRestart(t *testing.T) {
	store := &scriptedStore{}
	store.set(rel("M1", map[string]bool{"F1": true}))
	sessions := newFakeSessions()
	r := newRegistry(store, sessions, vault("M1", "F1", "F2"))

	_, err := r.Cycle(context.Background())
	require.NoError(t, err)
	store.set(rel("M1", map[string]bool{"F1": true, "F2": true}))
	res, err := r.Cycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"M1"}, res.Refreshed)
	require.Empty(t, res.Started)
	require.Equal(t, 1, sessions.starts)
	require.Equal(t, []string{"F1", "F2"}, sessions.followers("M1"))
}

func TestCycleSkipsMasterWithoutCredential(t *testing.T) {
	store := &scriptedStore{}
	store.set(
		rel("M1", map[string]bool{"F1": true}),
		rel("M2", map[string]bool{"F1": true}),
	)
	sessions := newFakeSessions()
	notifier := &recordingNotifier{}
	r := newRegistry(store, sessions, vault("M2", "F1"), WithNotifier(notifier))

	res, err := r.Cycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"M2"}, res.Started)
	require.Equal(t, []string{"M1"}, res.Skipped)
	require.Len(t, notifier.sent, 1)
	require.Equal(t, "M1", notifier.sent[0].AccountID)
	require.Equal(t, notify.LevelWarn, notifier.sent[0].Level)
}

func TestCycleStopsSessionWhoseCredentialDisappeared(t *testing.T) {
	store := &scriptedStore{}
	store.set(rel("M1", map[string]bool{"F1": true}))
	sessions := newFakeSessions()
	known := map[string]bool{"M1": true, "F1": true}
	resolver := credentials.ResolverFunc(func(ctx context.Context, id string) (copytrade.Credential, error) {
		if !known[id] {
			return copytrade.Credential{}, errs.New("vault", errs.CodeConfigMissing)
		}
		return copytrade.Credential{AccountID: id, APIKey: "k", APISecret: "s"}, nil
	})
	r := newRegistry(store, sessions, resolver)

	_, err := r.Cycle(context.Background())
	require.NoError(t, err)
	delete(known, "M1")
	res, err := r.Cycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"M1"}, res.Stopped)
	require.Equal(t, []string{"M1"}, res.Skipped)
}

func TestCycleExcludesFollowerWithoutCredential(t *testing.T) {
	store := &scriptedStore{}
	store.set(rel("M1", map[string]bool{"F1": true, "F2": true}))
	sessions := newFakeSessions()
	notifier := &recordingNotifier{}
	r := newRegistry(store, sessions, vault("M1", "F2"), WithNotifier(notifier))

	res, err := r.Cycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"M1"}, res.Started)
	require.Equal(t, []string{"F2"}, sessions.followers("M1"))
	require.Len(t, notifier.sent, 1)
	require.Equal(t, "F1", notifier.sent[0].AccountID)
}

func TestCycleUsesEmbeddedCredential(t *testing.T) {
	store := &scriptedStore{}
	r1 := rel("M1", map[string]bool{"F1": true})
	r1.MasterCredential = &copytrade.Credential{AccountID: "M1", APIKey: "embedded", APISecret: "s"}
	r1.Followers[0].Credential = &copytrade.Credential{AccountID: "F1", APIKey: "fk", APISecret: "fs"}
	store.set(r1)
	sessions := newFakeSessions()
	r := newRegistry(store, sessions, nil)

	res, err := r.Cycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"M1"}, res.Started)
	require.Equal(t, "embedded", sessions.creds["M1"].APIKey)
}

func TestCycleStoreFailureLeavesSessionsUnchanged(t *testing.T) {
	store := &scriptedStore{}
	store.set(rel("M1", map[string]bool{"F1": true}))
	sessions := newFakeSessions()
	r := newRegistry(store, sessions, vault("M1", "F1"))
	_, err := r.Cycle(context.Background())
	require.NoError(t, err)

	store.mu.Lock()
	store.err = errors.New("connection refused")
	store.calls = 0
	store.mu.Unlock()

	_, err = r.Cycle(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, retry.ErrExhausted)
	require.Equal(t, 2, store.calls)
	require.Equal(t, []string{"M1"}, sessions.Masters())
}

func TestCycleRetriesFailedStartNextTime(t *testing.T) {
	store := &scriptedStore{}
	store.set(rel("M1", map[string]bool{"F1": true}))
	sessions := newFakeSessions()
	sessions.startErr = errs.New("bybit", errs.CodeNetwork)
	r := newRegistry(store, sessions, vault("M1", "F1"))

	res, err := r.Cycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"M1"}, res.Skipped)

	sessions.mu.Lock()
	sessions.startErr = nil
	sessions.mu.Unlock()
	res, err = r.Cycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"M1"}, res.Started)
}

func TestRunPollsUntilCancelled(t *testing.T) {
	store := &scriptedStore{}
	store.set(rel("M1", map[string]bool{"F1": true}))
	sessions := newFakeSessions()
	r := newRegistry(store, sessions, vault("M1", "F1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.calls >= 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.Equal(t, []string{"M1"}, sessions.Masters())
}
