package talkwire

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nvoronin/talkwire-go/talkwire/internal"
)

// statusTokenExpired is the documented close code meaning the bearer token
// expired and must be refreshed before reconnecting.
const statusTokenExpired websocket.StatusCode = 4401

// refreshTimeout bounds a token refresh triggered by an auth rejection.
const refreshTimeout = 15 * time.Second

// transport is the minimal surface the state machine needs from a live
// connection. The production implementation wraps coder/websocket; tests
// substitute a fake.
type transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// dialFunc establishes a transport. The response is the handshake HTTP
// response when the server rejected the upgrade; it may be nil.
type dialFunc func(ctx context.Context, url, token string) (transport, *http.Response, error)

// Manager owns the persistent connection. It dials with the current bearer
// token, keeps the link alive with ping/pong, reconnects with exponential
// backoff after non-intentional closures, runs one refresh-then-retry cycle
// on auth rejection, and fans decoded domain events out to subscribers.
//
// Create one per session with NewManager, tear it down on logout with
// Disconnect.
type Manager struct {
	cfg    Config
	tokens TokenSource
	logger Logger
	dial   dialFunc

	events  *broadcaster
	stateCh chan StateEvent

	mu             sync.Mutex
	state          ConnectionState
	conn           transport
	runCancel      context.CancelFunc
	reconnectTimer *time.Timer
	pongTimer      *time.Timer
	attempt        int
	authFailures   int
	intentional    bool
	awaitingPong   bool
	gen            int // connection generation; stale loops check it and bail
}

// NewManager constructs a manager. Use DefaultConfig() as a starting point;
// cfg.WebSocketURL must be set before Connect.
func NewManager(cfg Config, tokens TokenSource) *Manager {
	m := &Manager{
		cfg:     cfg,
		tokens:  tokens,
		logger:  nopLogger{},
		state:   StateDisconnected,
		stateCh: make(chan StateEvent, 16),
	}
	m.events = newBroadcaster(cfg.EventBuffer, func(msg string, fields map[string]any) {
		m.logger.Warn(msg, fields)
	})
	m.dial = m.dialWebsocket
	return m
}

// SetLogger overrides the logger. Call before Connect.
func (m *Manager) SetLogger(l Logger) {
	if l != nil {
		m.logger = l
	}
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StateEvents returns transition notifications. The channel is bounded;
// when nobody consumes, the oldest notifications are dropped.
func (m *Manager) StateEvents() <-chan StateEvent { return m.stateCh }

// Subscribe registers a domain event consumer. Delivery is at-most-once and
// not guaranteed complete under consumer backpressure.
func (m *Manager) Subscribe() *Subscription { return m.events.subscribe() }

// Connect is idempotent: a no-op while connected or connecting. When no
// access token is available the manager stays disconnected and returns;
// the caller may retry after resolving credentials.
func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.logger.Debug("connect ignored", map[string]any{"state": m.state.String()})
		return
	}
	m.intentional = false
	m.authFailures = 0
	m.cancelReconnectLocked()
	m.connectLocked()
}

// Disconnect marks the session intentionally closed, cancels all timers,
// closes the transport and settles in Disconnected. Safe to call from any
// state, repeatedly. Reconnection stays suppressed until the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intentional = true
	m.cancelReconnectLocked()
	m.teardownLocked(websocket.StatusNormalClosure, "client disconnect")
	m.setStateLocked(StateDisconnected, nil)
}

// Send encodes and transmits a frame on the live transport. It reports
// false on any failure; the caller decides whether to retry. This is the
// single outbound path for both domain sends and heartbeat pings.
func (m *Manager) Send(f Frame) bool {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return false
	}
	data, err := EncodeFrame(f)
	if err != nil {
		m.logger.Error("encode frame", map[string]any{"event": f.Event, "error": err.Error()})
		return false
	}
	if err := conn.Write(context.Background(), data); err != nil {
		m.logger.Warn("send failed", map[string]any{"event": f.Event, "error": err.Error()})
		return false
	}
	return true
}

// SendTyping publishes a typing start/stop signal for a conversation.
func (m *Manager) SendTyping(chatID string, typing bool) bool {
	event := eventTypingStop
	if typing {
		event = eventTypingStart
	}
	data, _ := json.Marshal(map[string]string{"chat_id": chatID})
	return m.Send(Frame{Event: event, Data: data})
}

// InjectRaw funnels a frame delivered out of band (for example a push
// payload received while the socket is down) through the same decode and
// translate path as transport frames.
func (m *Manager) InjectRaw(data []byte) { m.handleRaw(data) }

// ── Connection ──────────────────────────────────────────────────────

// connectLocked flips to Connecting and starts the handshake. Caller holds
// the mutex; the duplicate-connect check is serialized here.
func (m *Manager) connectLocked() {
	token := m.tokens.AccessToken()
	if token == "" {
		m.logger.Warn("no access token available, staying disconnected", nil)
		m.setStateLocked(StateDisconnected, nil)
		return
	}
	m.setStateLocked(StateConnecting, nil)
	go m.handshake(m.gen, token)
}

func (m *Manager) handshake(gen int, token string) {
	ctx := context.Background()
	if m.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
		defer cancel()
	}
	var url string
	if m.cfg.WebSocketURL != nil {
		url = m.cfg.WebSocketURL()
	}

	conn, resp, err := m.dial(ctx, url, token)
	if err != nil {
		m.logger.Warn("handshake failed", map[string]any{"url": url, "error": err.Error()})
		m.mu.Lock()
		if gen != m.gen || m.intentional {
			m.mu.Unlock()
			return
		}
		// This attempt is dead; leave Connecting before the lock drops so
		// neither a concurrent Connect nor a stale retry misreads it.
		m.setStateLocked(StateReconnecting, nil)
		authRejected := resp != nil && resp.StatusCode == http.StatusUnauthorized
		if !authRejected {
			m.scheduleReconnectLocked()
		}
		m.mu.Unlock()
		if authRejected {
			m.handleAuthRejection(WrapError(CodeUnauthenticated, "handshake rejected", err))
		}
		return
	}

	m.mu.Lock()
	if gen != m.gen || m.intentional {
		m.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return
	}
	m.conn = conn
	m.attempt = 0
	m.authFailures = 0
	m.awaitingPong = false
	runCtx, cancel := context.WithCancel(context.Background())
	m.runCancel = cancel
	m.setStateLocked(StateConnected, nil)
	m.mu.Unlock()

	m.logger.Info("connected", map[string]any{"url": url})
	go m.readLoop(runCtx, gen, conn)
	go m.heartbeatLoop(runCtx, gen)
}

func (m *Manager) dialWebsocket(ctx context.Context, url, token string) (transport, *http.Response, error) {
	ws, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		return nil, resp, err
	}
	return internal.NewConn(ws, m.cfg.ReadTimeout, m.cfg.WriteTimeout), resp, nil
}

// teardownLocked releases the live connection and invalidates every loop
// and timer tied to it. Idempotent; caller holds the mutex.
func (m *Manager) teardownLocked(code websocket.StatusCode, reason string) {
	m.gen++
	if m.runCancel != nil {
		m.runCancel()
		m.runCancel = nil
	}
	if m.pongTimer != nil {
		m.pongTimer.Stop()
		m.pongTimer = nil
	}
	m.awaitingPong = false
	if m.conn != nil {
		conn := m.conn
		m.conn = nil
		go func() { _ = conn.Close(code, reason) }()
	}
}

// ── Inbound ─────────────────────────────────────────────────────────

func (m *Manager) readLoop(ctx context.Context, gen int, conn transport) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			m.handleReadError(ctx, gen, err)
			return
		}
		m.handleRaw(data)
	}
}

func (m *Manager) handleRaw(data []byte) {
	frame, err := DecodeFrame(data)
	if err != nil {
		m.logger.Warn("dropping malformed frame", map[string]any{"error": err.Error()})
		return
	}
	if frame.Event == eventPong {
		m.handlePong()
		return
	}
	ev, err := Translate(frame)
	if err != nil {
		if errors.Is(err, ErrUnknownEvent) {
			m.logger.Warn("unknown event tag", map[string]any{"event": frame.Event})
		} else {
			m.logger.Warn("dropping undecodable event", map[string]any{"event": frame.Event, "error": err.Error()})
		}
		return
	}
	m.events.publish(ev)
}

func (m *Manager) handleReadError(ctx context.Context, gen int, err error) {
	if ctx.Err() != nil {
		return // torn down on purpose
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.teardownLocked(websocket.StatusNormalClosure, "transport closed")
	if m.intentional {
		m.setStateLocked(StateDisconnected, nil)
		m.mu.Unlock()
		return
	}
	// Settle out of Connected in the same critical section as the teardown;
	// a concurrent Connect in between must not be swallowed by the
	// duplicate-connect check.
	m.setStateLocked(StateReconnecting, nil)
	authRejected := websocket.CloseStatus(err) == statusTokenExpired
	if !authRejected {
		m.scheduleReconnectLocked()
	}
	m.mu.Unlock()

	m.logger.Warn("transport closed", map[string]any{"error": err.Error()})
	if authRejected {
		m.handleAuthRejection(WrapError(CodeUnauthenticated, "close 4401: token expired", err))
	}
}

// ── Heartbeat ───────────────────────────────────────────────────────

func (m *Manager) heartbeatLoop(ctx context.Context, gen int) {
	if m.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		if gen != m.gen || m.state != StateConnected {
			m.mu.Unlock()
			return
		}
		m.awaitingPong = true
		m.mu.Unlock()

		if !m.Send(Frame{Event: eventPing}) {
			m.logger.Warn("ping send failed, reconnecting", nil)
			m.dropConnection(gen)
			return
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		if m.pongTimer != nil {
			m.pongTimer.Stop()
		}
		m.pongTimer = time.AfterFunc(m.cfg.PongTimeout, func() {
			m.mu.Lock()
			expired := gen == m.gen && m.awaitingPong
			m.mu.Unlock()
			if expired {
				m.logger.Warn("pong timeout, reconnecting", nil)
				m.dropConnection(gen)
			}
		})
		m.mu.Unlock()
	}
}

func (m *Manager) handlePong() {
	m.mu.Lock()
	m.awaitingPong = false
	if m.pongTimer != nil {
		m.pongTimer.Stop()
		m.pongTimer = nil
	}
	m.mu.Unlock()
}

// dropConnection tears down a transport that failed liveness and enters the
// reconnect path.
func (m *Manager) dropConnection(gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.teardownLocked(websocket.StatusGoingAway, "liveness failure")
	if m.intentional {
		m.setStateLocked(StateDisconnected, nil)
		return
	}
	m.setStateLocked(StateReconnecting, nil)
	m.scheduleReconnectLocked()
}

// ── Reconnect ───────────────────────────────────────────────────────

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduleReconnectLocked()
}

func (m *Manager) scheduleReconnectLocked() {
	if m.intentional {
		m.setStateLocked(StateDisconnected, nil)
		return
	}
	if m.state == StateConnected || m.state == StateConnecting {
		return // a newer connection superseded this retry
	}
	if m.reconnectTimer != nil {
		return // at most one scheduled attempt
	}
	m.setStateLocked(StateReconnecting, nil)
	delay := ReconnectDelay(m.attempt, m.cfg.InitialReconnectDelay, m.cfg.MaxReconnectDelay)
	m.logger.Info("reconnect scheduled", map[string]any{"attempt": m.attempt + 1, "delay": delay.String()})
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.reconnectTimer = nil
		m.attempt++
		if m.intentional || m.state != StateReconnecting {
			return // cancelled or superseded while the timer was in flight
		}
		m.connectLocked()
	})
}

func (m *Manager) cancelReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.attempt = 0
}

// ReconnectDelay computes the backoff before a reconnect attempt:
// min(initial × 2^min(attempt, 5), max).
func ReconnectDelay(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	exp := attempt
	if exp < 0 {
		exp = 0
	}
	if exp > reconnectExponentCap {
		exp = reconnectExponentCap
	}
	d := initial << uint(exp)
	if max > 0 && d > max {
		d = max
	}
	return d
}

// ── Auth ────────────────────────────────────────────────────────────

// handleAuthRejection runs one refresh-then-retry cycle. A second
// consecutive rejection is terminal: the manager settles Disconnected until
// the caller resolves credentials and calls Connect again.
func (m *Manager) handleAuthRejection(cause error) {
	m.mu.Lock()
	if m.intentional {
		m.setStateLocked(StateDisconnected, nil)
		m.mu.Unlock()
		return
	}
	m.authFailures++
	failures := m.authFailures
	m.mu.Unlock()

	if failures > 1 {
		m.logger.Error("repeated auth rejection, giving up", nil)
		m.settleDisconnected(cause)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	if err := m.tokens.Refresh(ctx); err != nil {
		m.logger.Error("token refresh failed", map[string]any{"error": err.Error()})
		m.settleDisconnected(WrapError(CodeTokenRefresh, "token refresh failed", err))
		return
	}
	m.logger.Info("token refreshed, reconnecting", nil)
	m.scheduleReconnect()
}

func (m *Manager) settleDisconnected(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateConnected {
		return // a newer connection recovered; nothing to settle
	}
	m.cancelReconnectLocked()
	m.setStateLocked(StateDisconnected, cause)
}

// ── State ───────────────────────────────────────────────────────────

func (m *Manager) setStateLocked(s ConnectionState, cause error) {
	if m.state == s {
		return
	}
	ev := StateEvent{Old: m.state, New: s, Err: cause}
	m.state = s
	select {
	case m.stateCh <- ev:
		return
	default:
	}
	select {
	case <-m.stateCh:
	default:
	}
	select {
	case m.stateCh <- ev:
	default:
	}
}
