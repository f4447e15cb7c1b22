// Package session owns one private stream session per master account.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/copytrader/errs"
	"github.com/coachpo/copytrader/internal/app/processor"
	"github.com/coachpo/copytrader/internal/domain/copytrade"
	"github.com/coachpo/copytrader/internal/infra/exchange"
	"github.com/coachpo/copytrader/internal/infra/telemetry"
	"github.com/coachpo/copytrader/lib/async"
)

const (
	defaultQueueSize           = 64
	defaultSaturationWarnAfter = 5 * time.Second
)

var (
	// ErrInvalidMaster indicates a start request without a master account id.
	ErrInvalidMaster = errors.New("session: master account id required")
	// ErrSessionNotFound indicates that no session exists for the master.
	ErrSessionNotFound = errors.New("session: not found")
)

// Conn is a live private stream as the manager sees it.
type Conn interface {
	Events() <-chan exchange.StreamEvent
	Close()
}

// stateReporter is implemented by streams that keep their terminal state
// after the event channel closes.
type stateReporter interface {
	State() copytrade.StreamState
	Err() error
}

// Opener opens a private stream for a master credential.
type Opener interface {
	Open(ctx context.Context, cred copytrade.Credential) (Conn, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, cred copytrade.Credential) (Conn, error)

// Open implements Opener.
func (f OpenerFunc) Open(ctx context.Context, cred copytrade.Credential) (Conn, error) {
	return f(ctx, cred)
}

// StreamOpener opens streams through the shared exchange client factory.
func StreamOpener(factory *exchange.Factory) Opener {
	return OpenerFunc(func(ctx context.Context, cred copytrade.Credential) (Conn, error) {
		client, err := factory.Client(cred)
		if err != nil {
			return nil, err
		}
		stream, err := client.ConnectStream(ctx)
		if err != nil {
			return nil, err
		}
		return stream, nil
	})
}

// Handler processes one stream frame against the current follower snapshot.
type Handler interface {
	Handle(ctx context.Context, target processor.Target, payload []byte) int
}

// EventRecorder audits session transitions.
type EventRecorder interface {
	RecordSessionEvent(ctx context.Context, ev copytrade.SessionEvent)
}

// Config tunes per-session queueing.
type Config struct {
	QueueSize           int
	SaturationWarnAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.SaturationWarnAfter <= 0 {
		c.SaturationWarnAfter = defaultSaturationWarnAfter
	}
	return c
}

// Info is a read-only view of one session.
type Info struct {
	MasterAccountID string                `json:"master"`
	State           copytrade.StreamState `json:"state"`
	Followers       int                   `json:"followers"`
	Instruments     []string              `json:"instruments,omitempty"`
	StartedAt       time.Time             `json:"startedAt"`
	Queued          int                   `json:"queued"`
}

// Manager is the single writer of the active session table. Registry polls
// and service shutdown both go through it.
type Manager struct {
	cfg      Config
	opener   Opener
	handler  Handler
	recorder EventRecorder
	metrics  *telemetry.ReplicationMetrics
	logger   *log.Logger
	clock    func() time.Time

	lifecycleMu  sync.RWMutex
	lifecycleCtx context.Context

	mu       sync.Mutex
	sessions map[string]*session
	running  conc.WaitGroup
}

// Option configures optional manager behaviour.
type Option func(*Manager)

// WithRecorder wires session auditing.
func WithRecorder(r EventRecorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithMetrics wires session instruments.
func WithMetrics(metrics *telemetry.ReplicationMetrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock overrides the event clock.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewManager creates a session manager.
func NewManager(cfg Config, opener Opener, handler Handler, logger *log.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = log.New(os.Stdout, "session-manager ", log.LstdFlags|log.Lmicroseconds)
	}
	m := &Manager{
		cfg:          cfg.withDefaults(),
		opener:       opener,
		handler:      handler,
		logger:       logger,
		clock:        time.Now,
		lifecycleCtx: context.Background(),
		sessions:     make(map[string]*session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// SetLifecycleContext configures the parent context for session streams.
func (m *Manager) SetLifecycleContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.lifecycleMu.Lock()
	m.lifecycleCtx = ctx
	m.lifecycleMu.Unlock()
}

func (m *Manager) parentContext() context.Context {
	m.lifecycleMu.RLock()
	defer m.lifecycleMu.RUnlock()
	return m.lifecycleCtx
}

type session struct {
	master    string
	startedAt time.Time

	mu     sync.RWMutex
	target processor.Target
	state  copytrade.StreamState

	ctx    context.Context
	cancel context.CancelFunc
	conn   Conn
	queue  *async.Pool
	done   chan struct{}
}

func (s *session) snapshot() processor.Target {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.target
}

func (s *session) setState(state copytrade.StreamState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *session) info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		MasterAccountID: s.master,
		State:           s.state,
		Followers:       len(s.target.Followers),
		Instruments:     append([]string(nil), s.target.Instruments...),
		StartedAt:       s.startedAt,
		Queued:          s.queue.Pending(),
	}
}

func targetOf(rel copytrade.Relationship) processor.Target {
	return processor.Target{
		MasterAccountID: rel.MasterAccountID,
		Instruments:     append([]string(nil), rel.MonitoredInstruments...),
		Followers:       rel.ActiveFollowers(),
	}
}

// Start opens a session for the relationship's master using cred. Starting
// a master that already has a session is a no-op that reports false.
func (m *Manager) Start(ctx context.Context, rel copytrade.Relationship, cred copytrade.Credential) (bool, error) {
	master := strings.TrimSpace(rel.MasterAccountID)
	if master == "" {
		return false, ErrInvalidMaster
	}
	if !cred.Valid() {
		return false, errs.New("session", errs.CodeConfigMissing,
			errs.WithMessage("master credential incomplete"),
			errs.WithVenueField("master", master))
	}
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("start session %s: %w", master, err)
	}

	queue, err := async.NewPool(1, m.cfg.QueueSize, async.WithErrorHandler(func(err error) {
		m.logger.Printf("master=%s: frame task: %v", master, err)
	}))
	if err != nil {
		return false, fmt.Errorf("session queue: %w", err)
	}
	sessCtx, cancel := context.WithCancel(m.parentContext())
	s := &session{
		master:    master,
		startedAt: m.clock(),
		target:    targetOf(rel),
		state:     copytrade.StateConnecting,
		ctx:       sessCtx,
		cancel:    cancel,
		queue:     queue,
		done:      make(chan struct{}),
	}

	// The placeholder claims the master before the stream is opened so
	// concurrent starts cannot open two streams.
	m.mu.Lock()
	if _, exists := m.sessions[master]; exists {
		m.mu.Unlock()
		cancel()
		queue.Close()
		return false, nil
	}
	m.sessions[master] = s
	m.mu.Unlock()

	conn, err := m.opener.Open(sessCtx, cred)
	if err != nil {
		m.mu.Lock()
		if m.sessions[master] == s {
			delete(m.sessions, master)
		}
		m.mu.Unlock()
		cancel()
		queue.Close()
		m.record(master, copytrade.StateFailed, err)
		return false, fmt.Errorf("open stream for master %s: %w", master, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	m.metrics.SessionDelta(1)
	m.logger.Printf("master=%s: session started with %d followers", master, len(s.target.Followers))
	m.running.Go(func() { m.run(s) })
	return true, nil
}

// Stop disconnects the master's stream right away. Frames already queued
// are still processed in the background.
func (m *Manager) Stop(master string) error {
	master = strings.TrimSpace(master)
	m.mu.Lock()
	s, ok := m.sessions[master]
	if ok {
		delete(m.sessions, master)
	}
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	m.stop(s)
	m.logger.Printf("master=%s: session stopped", master)
	return nil
}

func (m *Manager) stop(s *session) {
	s.cancel()
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn != nil {
		conn.Close()
	}
}

// StopAll stops every session and waits for their queues to drain or ctx
// to expire.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for master, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, master)
	}
	m.mu.Unlock()

	for _, s := range all {
		m.stop(s)
	}
	for _, s := range all {
		select {
		case <-s.done:
		case <-ctx.Done():
			return fmt.Errorf("stop sessions: %w", ctx.Err())
		}
	}
	return nil
}

// Wait blocks until every session goroutine has returned.
func (m *Manager) Wait() {
	m.running.Wait()
}

// UpdateFollowers swaps the follower snapshot of a running session. The
// stream is left untouched; the next dequeued frame sees the new snapshot.
func (m *Manager) UpdateFollowers(rel copytrade.Relationship) bool {
	m.mu.Lock()
	s, ok := m.sessions[strings.TrimSpace(rel.MasterAccountID)]
	m.mu.Unlock()
	if !ok {
		return false
	}
	target := targetOf(rel)
	s.mu.Lock()
	s.target = target
	s.mu.Unlock()
	return true
}

// Followers returns the current snapshot of a master's followers.
func (m *Manager) Followers(master string) ([]copytrade.FollowerSubscription, bool) {
	m.mu.Lock()
	s, ok := m.sessions[strings.TrimSpace(master)]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return append([]copytrade.FollowerSubscription(nil), s.snapshot().Followers...), true
}

// Has reports whether the master currently owns a session.
func (m *Manager) Has(master string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[strings.TrimSpace(master)]
	return ok
}

// Masters returns the masters with a session, sorted.
func (m *Manager) Masters() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.sessions))
	for master := range m.sessions {
		out = append(out, master)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

// Snapshot describes every session, sorted by master.
func (m *Manager) Snapshot() []Info {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	out := make([]Info, 0, len(all))
	for _, s := range all {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MasterAccountID < out[j].MasterAccountID })
	return out
}

// run is the session's only stream reader. Frames go through the
// single-lane queue so fills of one master are processed in arrival order.
func (m *Manager) run(s *session) {
	defer close(s.done)
	defer m.metrics.SessionDelta(-1)

	var final copytrade.StreamState
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	for ev := range conn.Events() {
		switch ev.Type {
		case exchange.StreamStateChanged:
			m.transition(s, ev.State, ev.Err)
			if ev.State.Terminal() {
				final = ev.State
			}
		case exchange.StreamMessage:
			m.enqueue(s, ev.Payload)
		}
	}
	if final == "" {
		final = copytrade.StateClosed
		var cause error
		if r, ok := conn.(stateReporter); ok && r.State().Terminal() {
			final, cause = r.State(), r.Err()
		}
		m.transition(s, final, cause)
	}

	if final == copytrade.StateFailed {
		m.logger.Printf("master=%s: session failed; waiting for next registry cycle", s.master)
	}
	m.mu.Lock()
	if m.sessions[s.master] == s {
		delete(m.sessions, s.master)
	}
	m.mu.Unlock()
	s.cancel()

	// drain frames accepted before the stream ended
	if err := s.queue.Shutdown(context.Background()); err != nil {
		m.logger.Printf("master=%s: drain queue: %v", s.master, err)
	}
}

func (m *Manager) transition(s *session, state copytrade.StreamState, cause error) {
	s.setState(state)
	m.metrics.SessionState(s.master, string(state))
	m.record(s.master, state, cause)
}

func (m *Manager) enqueue(s *session, payload []byte) {
	taskCtx := context.WithoutCancel(s.ctx)
	task := func(context.Context) error {
		m.handler.Handle(taskCtx, s.snapshot(), payload)
		return nil
	}
	err := s.queue.Submit(taskCtx, task)
	if err == nil {
		return
	}
	if !errors.Is(err, async.ErrSaturated) {
		m.logger.Printf("master=%s: drop frame: %v", s.master, err)
		return
	}

	m.metrics.Saturated(s.master)
	m.logger.Printf("master=%s: degraded, queue saturated (%d pending); applying backpressure", s.master, s.queue.Pending())
	waitCtx, cancel := context.WithTimeout(s.ctx, m.cfg.SaturationWarnAfter)
	err = s.queue.SubmitWait(waitCtx, task)
	cancel()
	if err == nil {
		return
	}
	if s.ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		m.logger.Printf("master=%s: degraded, reader blocked for %s", s.master, m.cfg.SaturationWarnAfter)
		err = s.queue.SubmitWait(s.ctx, task)
		if err == nil {
			return
		}
	}
	m.logger.Printf("master=%s: drop frame: %v", s.master, err)
}

func (m *Manager) record(master string, state copytrade.StreamState, cause error) {
	if m.recorder == nil {
		return
	}
	ev := copytrade.SessionEvent{
		ID:              uuid.NewString(),
		MasterAccountID: master,
		State:           state,
		At:              m.clock(),
	}
	if cause != nil {
		ev.ErrorKind = errs.KindOf(cause)
		ev.Reason = cause.Error()
	}
	m.recorder.RecordSessionEvent(context.Background(), ev)
}
