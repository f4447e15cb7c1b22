// Package registry reconciles running master sessions with the relationship store.
package registry

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/coachpo/copytrader/errs"
	"github.com/coachpo/copytrader/internal/domain/copytrade"
	"github.com/coachpo/copytrader/internal/domain/credentials"
	"github.com/coachpo/copytrader/internal/domain/notify"
	"github.com/coachpo/copytrader/internal/domain/relationstore"
	"github.com/coachpo/copytrader/internal/infra/telemetry"
	"github.com/coachpo/copytrader/lib/retry"
)

const (
	defaultPollInterval  = 10 * time.Second
	defaultNotifyTimeout = 2 * time.Second
)

// Sessions is the session table the registry drives.
type Sessions interface {
	Start(ctx context.Context, rel copytrade.Relationship, cred copytrade.Credential) (bool, error)
	Stop(master string) error
	UpdateFollowers(rel copytrade.Relationship) bool
	Masters() []string
}

// ClientCache drops cached exchange clients of an account.
type ClientCache interface {
	Forget(accountID string)
}

// Config tunes polling.
type Config struct {
	PollInterval       time.Duration
	StoreRetry         retry.Policy
	DefaultInstruments []string
}

// CycleResult lists what one poll changed.
type CycleResult struct {
	Started   []string
	Stopped   []string
	Refreshed []string
	Skipped   []string
}

// Registry polls relationships and starts, stops or refreshes sessions.
type Registry struct {
	cfg      Config
	store    relationstore.Reader
	resolver credentials.Resolver
	sessions Sessions
	notifier notify.Notifier
	clients  ClientCache
	metrics  *telemetry.ReplicationMetrics
	logger   *log.Logger
	clock    func() time.Time
}

// Option configures optional registry behaviour.
type Option func(*Registry)

// WithNotifier reports per-account credential problems.
func WithNotifier(n notify.Notifier) Option {
	return func(r *Registry) { r.notifier = n }
}

// WithClientCache evicts the clients of masters whose session is stopped.
func WithClientCache(c ClientCache) Option {
	return func(r *Registry) { r.clients = c }
}

// WithMetrics wires cycle counters.
func WithMetrics(m *telemetry.ReplicationMetrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// New builds a registry.
func New(cfg Config, store relationstore.Reader, resolver credentials.Resolver, sessions Sessions, logger *log.Logger, opts ...Option) *Registry {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.StoreRetry.MaxAttempts <= 0 {
		cfg.StoreRetry = retry.DefaultPolicy()
	}
	if logger == nil {
		logger = log.New(os.Stdout, "registry ", log.LstdFlags|log.Lmicroseconds)
	}
	r := &Registry{
		cfg:      cfg,
		store:    store,
		resolver: resolver,
		sessions: sessions,
		logger:   logger,
		clock:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Run polls immediately and then every PollInterval until ctx ends.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := r.Cycle(ctx); err != nil && ctx.Err() == nil {
			r.logger.Printf("cycle skipped: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

type desired struct {
	rel  copytrade.Relationship
	cred copytrade.Credential
}

// Cycle runs one reconciliation pass. When the store cannot be read the
// pass is abandoned and running sessions are left as they are.
func (r *Registry) Cycle(ctx context.Context) (CycleResult, error) {
	var result CycleResult
	var rels []copytrade.Relationship
	err := retry.Do(ctx, r.cfg.StoreRetry, func(ctx context.Context, attempt retry.Attempt) error {
		var fetchErr error
		rels, fetchErr = r.store.ListActiveRelationships(ctx)
		if fetchErr != nil {
			r.logger.Printf("fetch relationships attempt=%d: %v", attempt, fetchErr)
		}
		return fetchErr
	})
	if err != nil {
		r.metrics.RegistryCycle("fetch", telemetry.ResultFailure)
		return result, fmt.Errorf("list relationships: %w", err)
	}
	r.metrics.RegistryCycle("fetch", telemetry.ResultSuccess)

	running := make(map[string]struct{})
	for _, master := range r.sessions.Masters() {
		running[master] = struct{}{}
	}

	want := make(map[string]desired, len(rels))
	for _, rel := range rels {
		if rel.MasterAccountID == "" {
			continue
		}
		d, ok := r.prepare(ctx, rel)
		if !ok {
			result.Skipped = append(result.Skipped, rel.MasterAccountID)
			continue
		}
		want[rel.MasterAccountID] = d
	}

	for master := range running {
		if _, ok := want[master]; ok {
			continue
		}
		if err := r.sessions.Stop(master); err != nil {
			r.logger.Printf("master=%s: stop: %v", master, err)
			continue
		}
		if r.clients != nil {
			r.clients.Forget(master)
		}
		result.Stopped = append(result.Stopped, master)
		r.metrics.RegistryCycle("stop", telemetry.ResultSuccess)
	}

	masters := make([]string, 0, len(want))
	for master := range want {
		masters = append(masters, master)
	}
	sort.Strings(masters)
	for _, master := range masters {
		d := want[master]
		if r.sessions.UpdateFollowers(d.rel) {
			result.Refreshed = append(result.Refreshed, master)
			continue
		}
		started, err := r.sessions.Start(ctx, d.rel, d.cred)
		if err != nil {
			r.logger.Printf("master=%s: start: %v", master, err)
			r.metrics.RegistryCycle("start", telemetry.ResultFailure)
			result.Skipped = append(result.Skipped, master)
			continue
		}
		if started {
			result.Started = append(result.Started, master)
			r.metrics.RegistryCycle("start", telemetry.ResultSuccess)
		}
	}
	sort.Strings(result.Stopped)
	sort.Strings(result.Skipped)
	if len(result.Started)+len(result.Stopped) > 0 {
		r.logger.Printf("cycle: started=%v stopped=%v refreshed=%d skipped=%v",
			result.Started, result.Stopped, len(result.Refreshed), result.Skipped)
	}
	return result, nil
}

// prepare resolves the master credential and the usable followers. A master
// without a credential or without any usable follower is not wanted this
// cycle; it is tried again on the next one.
func (r *Registry) prepare(ctx context.Context, rel copytrade.Relationship) (desired, bool) {
	master := rel.MasterAccountID
	cred, err := r.credential(ctx, master, rel.MasterCredential)
	if err != nil {
		r.logger.Printf("master=%s: skipped: %v", master, err)
		r.notify(ctx, master, notify.LevelWarn, "master credential unavailable: "+string(errs.KindOf(err)))
		r.metrics.RegistryCycle("skip", telemetry.ResultSkipped)
		return desired{}, false
	}

	active := rel.ActiveFollowers()
	usable := make([]copytrade.FollowerSubscription, 0, len(active))
	for _, f := range active {
		fcred, err := r.credential(ctx, f.FollowerAccountID, f.Credential)
		if err != nil {
			r.logger.Printf("master=%s follower=%s: excluded: %v", master, f.FollowerAccountID, err)
			r.notify(ctx, f.FollowerAccountID, notify.LevelWarn,
				"follower credential unavailable; not copying master "+master)
			continue
		}
		f.Credential = &fcred
		usable = append(usable, f)
	}
	if len(usable) == 0 {
		r.metrics.RegistryCycle("skip", telemetry.ResultSkipped)
		return desired{}, false
	}

	rel.MasterCredential = &cred
	rel.Followers = usable
	if len(rel.MonitoredInstruments) == 0 {
		rel.MonitoredInstruments = r.cfg.DefaultInstruments
	}
	return desired{rel: rel, cred: cred}, true
}

func (r *Registry) credential(ctx context.Context, accountID string, embedded *copytrade.Credential) (copytrade.Credential, error) {
	if embedded != nil && embedded.Valid() {
		return *embedded, nil
	}
	if r.resolver == nil {
		return copytrade.Credential{}, errs.New("registry", errs.CodeConfigMissing,
			errs.WithMessage("no credential resolver"), errs.WithVenueField("account", accountID))
	}
	cred, err := r.resolver.Resolve(ctx, accountID)
	if err != nil {
		return copytrade.Credential{}, err
	}
	if !cred.Valid() {
		return copytrade.Credential{}, errs.New("registry", errs.CodeConfigMissing,
			errs.WithMessage("credential incomplete"), errs.WithVenueField("account", accountID))
	}
	return cred, nil
}

func (r *Registry) notify(ctx context.Context, accountID string, level notify.Level, msg string) {
	if r.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultNotifyTimeout)
	defer cancel()
	err := r.notifier.Notify(nctx, notify.Notification{AccountID: accountID, Level: level, Message: msg, At: r.clock()})
	if err != nil {
		r.logger.Printf("account=%s: notify: %v", accountID, err)
	}
}
