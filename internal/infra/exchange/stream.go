package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/copytrader/errs"
	"github.com/coachpo/copytrader/internal/domain/copytrade"
	"github.com/coachpo/copytrader/lib/retry"
)

// TopicExecution is the private topic carrying fill notifications.
const TopicExecution = "execution"

const streamEventBuffer = 64

// StreamEventType discriminates stream events.
type StreamEventType int

const (
	// StreamStateChanged reports a lifecycle transition.
	StreamStateChanged StreamEventType = iota
	// StreamMessage carries one raw topic frame.
	StreamMessage
)

// StreamEvent is delivered on Stream.Events.
type StreamEvent struct {
	Type    StreamEventType
	State   copytrade.StreamState
	Payload []byte
	Err     error
	At      time.Time
}

type streamRequest struct {
	ReqID string `json:"req_id,omitempty"`
	Op    string `json:"op"`
	Args  []any  `json:"args,omitempty"`
}

type streamControl struct {
	Success *bool  `json:"success"`
	RetMsg  string `json:"ret_msg"`
	Op      string `json:"op"`
	ConnID  string `json:"conn_id"`
	Topic   string `json:"topic"`
}

// Stream is one private stream connection. It walks
// connecting -> authenticating -> subscribed and ends in closed or failed.
// Terminal states are final; a new connection needs a new Stream.
type Stream struct {
	cred copytrade.Credential
	opts Options

	events chan StreamEvent

	mu      sync.Mutex
	state   copytrade.StreamState
	err     error
	conn    *websocket.Conn
	closing bool

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	released  chan struct{}
	closeOnce sync.Once
}

func newStream(cred copytrade.Credential, opts Options) *Stream {
	return &Stream{
		cred:     cred,
		opts:     opts,
		events:   make(chan StreamEvent, streamEventBuffer),
		state:    copytrade.StateConnecting,
		done:     make(chan struct{}),
		released: make(chan struct{}),
	}
}

// Events returns the event channel. It is closed after the terminal state.
// Consumers must drain it until it closes: the terminal state event is only
// skipped once Close has been called.
func (s *Stream) Events() <-chan StreamEvent { return s.events }

// Done is closed once the stream has fully shut down.
func (s *Stream) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Stream) State() copytrade.StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure cause once the stream is failed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close shuts the stream down. Closing a terminal stream is a no-op.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		conn := s.conn
		s.mu.Unlock()
		close(s.released)
		if s.cancel != nil {
			s.cancel()
		}
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
		}
	})
	<-s.done
}

func (s *Stream) start(parent context.Context) {
	s.ctx, s.cancel = context.WithCancel(parent)
	s.emit(StreamEvent{Type: StreamStateChanged, State: copytrade.StateConnecting})
	go s.run()
}

func (s *Stream) run() {
	defer close(s.done)
	defer close(s.events)
	defer s.cancel()

	conn, err := s.handshake()
	if err != nil {
		s.finish(err)
		return
	}
	s.finish(s.serve(conn))
}

// handshake dials, authenticates and subscribes within HandshakeTimeout.
func (s *Stream) handshake() (*websocket.Conn, error) {
	hsCtx, cancel := context.WithTimeout(s.ctx, s.opts.HandshakeTimeout)
	defer cancel()

	url := s.opts.streamURL(s.cred.Testnet)
	var conn *websocket.Conn
	err := retry.Do(hsCtx, s.opts.DialPolicy, func(ctx context.Context, attempt retry.Attempt) error {
		c, _, dialErr := websocket.Dial(ctx, url, nil)
		if dialErr != nil {
			s.opts.Logger.Printf("stream dial account=%s attempt=%d: %v", s.cred.AccountID, attempt, dialErr)
			return dialErr
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, errs.New(venue, errs.CodeNetwork, errs.WithMessage("dial private stream"), errs.WithCause(err))
	}
	conn.SetReadLimit(streamReadLimit)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
		return nil, context.Canceled
	}
	s.conn = conn
	s.mu.Unlock()

	if !s.transition(copytrade.StateAuthenticating) {
		return nil, context.Canceled
	}

	expires := s.opts.Clock().Add(s.opts.AuthTTL).UnixMilli()
	auth := streamRequest{
		Op:   "auth",
		Args: []any{s.cred.APIKey, expires, Sign(s.cred.APISecret, StreamAuthPayload(expires))},
	}
	if err := s.write(hsCtx, conn, auth); err != nil {
		return nil, errs.New(venue, errs.CodeNetwork, errs.WithMessage("write auth frame"), errs.WithCause(err))
	}
	if err := s.awaitAck(hsCtx, conn, "auth", errs.CodeAuth); err != nil {
		return nil, err
	}

	sub := streamRequest{Op: "subscribe", Args: []any{TopicExecution}}
	if err := s.write(hsCtx, conn, sub); err != nil {
		return nil, errs.New(venue, errs.CodeNetwork, errs.WithMessage("write subscribe frame"), errs.WithCause(err))
	}
	if err := s.awaitAck(hsCtx, conn, "subscribe", errs.CodeRejected); err != nil {
		return nil, err
	}

	if !s.transition(copytrade.StateSubscribed) {
		return nil, context.Canceled
	}
	return conn, nil
}

// awaitAck reads frames until the acknowledgement for op arrives. Unrelated
// frames received during the handshake are discarded.
func (s *Stream) awaitAck(ctx context.Context, conn *websocket.Conn, op string, rejectCode errs.Code) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil && s.ctx.Err() == nil {
				return errs.New(venue, errs.CodeNetwork, errs.WithMessage(op+" ack timeout"), errs.WithCause(ctx.Err()))
			}
			return errs.New(venue, errs.CodeNetwork, errs.WithMessage("read "+op+" ack"), errs.WithCause(err))
		}
		var ctrl streamControl
		if err := json.Unmarshal(data, &ctrl); err != nil {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(ctrl.Op), op) {
			continue
		}
		if ctrl.Success == nil || !*ctrl.Success {
			return errs.New(venue, rejectCode,
				errs.WithMessage(op+" rejected"),
				errs.WithRawMessage(ctrl.RetMsg))
		}
		return nil
	}
}

// serve runs the read and ping loops until either fails or the stream closes.
func (s *Stream) serve(conn *websocket.Conn) error {
	connCtx, connCancel := context.WithCancel(s.ctx)
	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		errCh <- s.readLoop(connCtx, conn)
	}()
	go func() {
		defer wg.Done()
		errCh <- s.pingLoop(connCtx, conn)
	}()

	firstErr := <-errCh
	connCancel()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	wg.Wait()
	return firstErr
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
		trimmed := strings.TrimSpace(string(data))
		if trimmed == "" {
			continue
		}
		var ctrl streamControl
		if err := json.Unmarshal(data, &ctrl); err == nil && ctrl.Topic == "" && ctrl.Op != "" {
			// pong and late control acks
			continue
		}
		if !s.emit(StreamEvent{Type: StreamMessage, State: copytrade.StateSubscribed, Payload: data}) {
			return context.Canceled
		}
	}
}

func (s *Stream) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			ping := streamRequest{ReqID: strconv.FormatInt(s.opts.Clock().UnixMilli(), 10), Op: "ping"}
			if err := s.write(ctx, conn, ping); err != nil {
				return fmt.Errorf("write ping: %w", err)
			}
		}
	}
}

func (s *Stream) write(ctx context.Context, conn *websocket.Conn, req streamRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", req.Op, err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// transition moves to next unless the stream is already terminal or closing.
func (s *Stream) transition(next copytrade.StreamState) bool {
	s.mu.Lock()
	if s.state.Terminal() || s.closing {
		s.mu.Unlock()
		return false
	}
	s.state = next
	s.mu.Unlock()
	return s.emit(StreamEvent{Type: StreamStateChanged, State: next})
}

// finish records the terminal state. A stream closed on request ends in
// closed; anything else ends in failed with the cause attached.
func (s *Stream) finish(cause error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	final := copytrade.StateFailed
	if s.closing || s.ctx.Err() != nil {
		final = copytrade.StateClosed
		cause = nil
	}
	s.state = final
	s.err = cause
	s.conn = nil
	s.mu.Unlock()

	ev := StreamEvent{Type: StreamStateChanged, State: final, Err: cause, At: s.opts.Clock()}
	select {
	case s.events <- ev:
		return
	default:
	}
	select {
	case s.events <- ev:
	case <-s.released:
		// the owner asked to close and may have stopped reading
	}
}

// emit blocks until the consumer takes the event or the stream shuts down.
func (s *Stream) emit(ev StreamEvent) bool {
	if ev.At.IsZero() {
		ev.At = s.opts.Clock()
	}
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}
