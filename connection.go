package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnState represents the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateFailed       ConnState = "failed"
)

// CredentialProvider hands out the token used to authenticate a dial.
// It is consulted on every attempt, including reconnects.
type CredentialProvider interface {
	Credential(ctx context.Context) (string, error)
}

// StaticCredential is a fixed token.
type StaticCredential string

func (s StaticCredential) Credential(context.Context) (string, error) {
	return string(s), nil
}

var errSuperseded = errors.New("chatsync: connection attempt superseded")

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	stableAfter time.Duration
	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg *SyncConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
		stableAfter: cfg.StableAfter,
	}
}

// shouldReconnect reports whether another attempt is allowed. A link
// that stayed up past stableAfter earns a fresh budget.
func (r *reconnector) shouldReconnect(now time.Time) bool {
	if !r.connectedAt.IsZero() && now.Sub(r.connectedAt) > r.stableAfter {
		r.attempt = 0
		r.connectedAt = time.Time{}
	}
	return r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected(now time.Time) {
	r.connectedAt = now
}

func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// Connection manager
// ============================================================================

// connManager owns the transport: handshake, heartbeat, bounded
// reconnect and the set of joined conversations.
type connManager struct {
	dialer  Dialer
	cfg     *SyncConfig
	log     zerolog.Logger
	metrics *Metrics
	clock   Clock
	limiter *rate.Limiter

	onState    func(ConnectionEvent)
	onEnvelope func(Envelope)
	onAuth     func(AuthenticatedPayload)

	mu         sync.Mutex
	state      ConnState
	creds      CredentialProvider
	conn       Conn
	connCancel context.CancelFunc
	runCtx     context.Context
	runCancel  context.CancelFunc
	gen        uint64
	joined     map[string]struct{}
	joinOrder  []string
	recon      *reconnector
}

func newConnManager(dialer Dialer, cfg *SyncConfig, clock Clock, log zerolog.Logger, metrics *Metrics) *connManager {
	return &connManager{
		dialer:     dialer,
		cfg:        cfg,
		log:        log,
		metrics:    metrics,
		clock:      clock,
		limiter:    rate.NewLimiter(rate.Limit(cfg.OutboundRate), cfg.OutboundBurst),
		onState:    func(ConnectionEvent) {},
		onEnvelope: func(Envelope) {},
		onAuth:     func(AuthenticatedPayload) {},
		state:      StateDisconnected,
		joined:     make(map[string]struct{}),
		recon:      newReconnector(cfg),
	}
}

// State returns the current connection state.
func (m *connManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transition must be called with mu held; the returned event is emitted
// by the caller after unlocking.
func (m *connManager) transition(s ConnState, err error) ConnectionEvent {
	m.state = s
	m.metrics.StateTransitions.WithLabelValues(string(s)).Inc()
	return ConnectionEvent{State: s, Err: err}
}

func (m *connManager) emit(ev ConnectionEvent) {
	l := m.log.Info().Str("state", string(ev.State))
	if ev.Attempt > 0 {
		l = l.Int("attempt", ev.Attempt).Dur("delay", ev.Delay)
	}
	if ev.Err != nil {
		l = l.Err(ev.Err)
	}
	l.Msg("connection state changed")
	m.onState(ev)
}

// Connect establishes the connection. It is a no-op while a connection
// is up or being established.
func (m *connManager) Connect(ctx context.Context, creds CredentialProvider) error {
	m.mu.Lock()
	if creds != nil {
		m.creds = creds
	}
	if m.creds == nil {
		m.mu.Unlock()
		return ErrNoCredentials
	}
	switch m.state {
	case StateConnecting, StateConnected, StateReconnecting:
		m.mu.Unlock()
		return nil
	}
	m.gen++
	gen := m.gen
	runCtx, cancel := context.WithCancel(context.Background())
	m.runCtx, m.runCancel = runCtx, cancel
	m.recon.reset()
	ev := m.transition(StateConnecting, nil)
	m.mu.Unlock()
	m.emit(ev)

	if err := m.establish(ctx, runCtx, gen); err != nil {
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return err
		}
		cancel()
		m.runCtx, m.runCancel = nil, nil
		ev := m.transition(StateDisconnected, err)
		m.mu.Unlock()
		m.emit(ev)
		return err
	}
	return nil
}

// establish dials, authenticates, re-joins and starts the connection
// goroutines. The state becomes connected only after every joined
// conversation has been re-joined.
func (m *connManager) establish(ctx, runCtx context.Context, gen uint64) error {
	m.mu.Lock()
	creds := m.creds
	m.mu.Unlock()

	token, err := creds.Credential(ctx)
	if err != nil {
		return &TransportError{Op: "credential", Err: err}
	}

	hctx, hcancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer hcancel()

	conn, err := m.dialer.Dial(hctx, token)
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}

	auth, err := handshake(hctx, conn)
	if err != nil {
		conn.Close("handshake failed")
		return err
	}
	m.onAuth(*auth)

	sent := make(map[string]bool)
	for {
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			conn.Close("superseded")
			return errSuperseded
		}
		var pending []string
		for _, id := range m.joinOrder {
			if !sent[id] {
				pending = append(pending, id)
			}
		}
		if len(pending) == 0 {
			connCtx, connCancel := context.WithCancel(runCtx)
			m.conn = conn
			m.connCancel = connCancel
			m.recon.markConnected(m.clock.Now())
			ev := m.transition(StateConnected, nil)
			m.mu.Unlock()
			m.emit(ev)

			go m.readLoop(connCtx, conn, gen)
			go m.heartbeatLoop(connCtx, conn)
			return nil
		}
		m.mu.Unlock()

		for _, id := range pending {
			cmd := &Command{Type: CmdJoinConversation, Payload: conversationPayload{ConversationID: id}}
			if err := m.write(hctx, conn, cmd); err != nil {
				conn.Close("rejoin failed")
				return &TransportError{Op: "rejoin", Err: err}
			}
			sent[id] = true
		}
	}
}

func handshake(ctx context.Context, conn Conn) (*AuthenticatedPayload, error) {
	data, err := conn.Read(ctx)
	if err != nil {
		return nil, &TransportError{Op: "handshake", Err: fmt.Errorf("read auth message: %w", err)}
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EvtAuthenticated {
		return nil, &TransportError{Op: "handshake", Err: fmt.Errorf("expected %q, got %q", EvtAuthenticated, env.Type)}
	}
	auth, err := decodePayload(env, func(p *AuthenticatedPayload) error {
		return requireFields("userId", p.UserID)
	})
	if err != nil {
		return nil, &TransportError{Op: "handshake", Err: err}
	}
	return auth, nil
}

// Disconnect tears the connection down and cancels any pending
// reconnect. Safe to call repeatedly.
func (m *connManager) Disconnect() {
	m.mu.Lock()
	m.gen++
	runCancel, connCancel, conn := m.runCancel, m.connCancel, m.conn
	m.runCtx, m.runCancel, m.connCancel, m.conn = nil, nil, nil, nil
	already := m.state == StateDisconnected
	var ev ConnectionEvent
	if !already {
		ev = m.transition(StateDisconnected, nil)
	}
	m.mu.Unlock()

	if runCancel != nil {
		runCancel()
	}
	if connCancel != nil {
		connCancel()
	}
	if conn != nil {
		conn.Close("client disconnect")
	}
	if !already {
		m.emit(ev)
	}
}

// Join records the conversation and, when connected, sends the join.
// While disconnected it is only recorded for the next connect.
func (m *connManager) Join(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	if _, ok := m.joined[conversationID]; !ok {
		m.joined[conversationID] = struct{}{}
		m.joinOrder = append(m.joinOrder, conversationID)
	}
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected {
		return nil
	}
	return m.Send(ctx, &Command{Type: CmdJoinConversation, Payload: conversationPayload{ConversationID: conversationID}})
}

// Leave forgets the conversation and, when connected, sends the leave.
func (m *connManager) Leave(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	if _, ok := m.joined[conversationID]; ok {
		delete(m.joined, conversationID)
		for i, id := range m.joinOrder {
			if id == conversationID {
				m.joinOrder = append(m.joinOrder[:i], m.joinOrder[i+1:]...)
				break
			}
		}
	}
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected {
		return nil
	}
	return m.Send(ctx, &Command{Type: CmdLeaveConversation, Payload: conversationPayload{ConversationID: conversationID}})
}

// Joined returns the joined conversations in join order.
func (m *connManager) Joined() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.joinOrder...)
}

// Send writes a command. It fails fast with ErrNotConnected unless the
// connection is fully established.
func (m *connManager) Send(ctx context.Context, cmd *Command) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	if err := m.write(ctx, conn, cmd); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (m *connManager) write(ctx context.Context, conn Conn, cmd *Command) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", cmd.Type, err)
	}
	return conn.Write(ctx, data)
}

func (m *connManager) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			m.handleDrop(conn, gen, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			m.metrics.EventsDropped.WithLabelValues("malformed").Inc()
			m.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping unparseable frame")
			continue
		}
		m.onEnvelope(env)
	}
}

func (m *connManager) heartbeatLoop(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.log.Warn().Err(err).Msg("heartbeat failed, closing connection")
				conn.Close("heartbeat timeout")
				return
			}
		}
	}
}

// handleDrop reacts to a read failure. Drops caused by Disconnect or a
// newer Connect are ignored.
func (m *connManager) handleDrop(conn Conn, gen uint64, cause error) {
	m.mu.Lock()
	if m.gen != gen || m.conn != conn {
		m.mu.Unlock()
		return
	}
	connCancel := m.connCancel
	m.conn, m.connCancel = nil, nil
	ev := m.transition(StateDisconnected, &TransportError{Op: "read", Err: cause})
	m.mu.Unlock()

	if connCancel != nil {
		connCancel()
	}
	conn.Close("read failed")
	m.emit(ev)
	m.reconnectLoop(gen)
}

func (m *connManager) reconnectLoop(gen uint64) {
	for {
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		if !m.recon.shouldReconnect(m.clock.Now()) {
			ev := m.transition(StateFailed, ErrReconnectExhausted)
			if m.runCancel != nil {
				m.runCancel()
			}
			m.runCtx, m.runCancel = nil, nil
			m.mu.Unlock()
			m.emit(ev)
			return
		}
		delay := m.recon.nextDelay()
		ev := m.transition(StateReconnecting, nil)
		ev.Attempt, ev.Delay = m.recon.attempt, delay
		runCtx := m.runCtx
		m.mu.Unlock()
		m.emit(ev)

		if runCtx == nil || !m.sleep(runCtx, delay) {
			return
		}
		err := m.establish(runCtx, runCtx, gen)
		if err == nil {
			m.metrics.Reconnects.Inc()
			return
		}
		if errors.Is(err, errSuperseded) {
			return
		}
		m.log.Warn().Err(err).Int("attempt", ev.Attempt).Msg("reconnect attempt failed")
	}
}

func (m *connManager) sleep(ctx context.Context, d time.Duration) bool {
	fired := make(chan struct{})
	t := m.clock.AfterFunc(d, func() { close(fired) })
	select {
	case <-fired:
		return true
	case <-ctx.Done():
		t.Stop()
		return false
	}
}
