// Package channel owns the persistent control-channel connection: connect,
// heartbeat, reconnect with backoff, and inbound dispatch to the session
// controllers. Exactly one Manager exists per authenticated session, created
// at session start and destroyed at logout.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/nikhilrajpk/snapfy-rtc/internal/core"
	"github.com/nikhilrajpk/snapfy-rtc/internal/signal"
)

// CloseCodeAuthExpired is the distinguished close code the server uses for
// an expired or invalid credential. Terminal: no retry, force re-login.
const CloseCodeAuthExpired = 4001

var (
	ErrAuthExpired   = errors.New("session expired, re-authentication required")
	ErrMaxReconnects = errors.New("unable to connect to control channel")
	ErrClosed        = errors.New("channel manager closed")
)

// State is the lifecycle state of the control channel.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Config carries the transport knobs. Zero values fall back to defaults.
type Config struct {
	URL              string
	Token            string
	DialTimeout      time.Duration
	PingPeriod       time.Duration
	PongTimeout      time.Duration
	WriteTimeout     time.Duration
	ReconnectInitial time.Duration
	ReconnectCeiling time.Duration
	ReconnectMax     int
	SendBuffer       int
}

func (c *Config) defaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = time.Second
	}
	if c.ReconnectCeiling <= 0 {
		c.ReconnectCeiling = 10 * time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 8
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
}

// subscriber is one dispatch target. Every subscriber drains its own buffered
// queue so a slow handler in one controller never blocks delivery to the other.
type subscriber struct {
	name string
	ch   chan *signal.Envelope
}

// Manager maintains exactly one live control channel and delivers messages
// in both directions despite transient network loss.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	outbox   [][]byte
	sendCh   chan []byte
	openCh   chan struct{}
	lastPong time.Time
	closing  bool
	started  bool

	routes      map[string]*subscriber
	subscribers []*subscriber
	fallback    *subscriber

	gate       func() bool
	onTerminal func(error)
	onState    func(State)

	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:    cfg,
		state:  StateClosed,
		openCh: make(chan struct{}),
		routes: make(map[string]*subscriber),
		done:   make(chan struct{}),
	}
}

// Route registers a dispatch target for the given envelope types. Every
// inbound message is routed to exactly one subscriber. Must be called
// before Connect.
func (m *Manager) Route(name string, types []string, handler func(*signal.Envelope)) {
	sub := &subscriber{name: name, ch: make(chan *signal.Envelope, 64)}
	go func() {
		for env := range sub.ch {
			handler(env)
		}
	}()
	m.mu.Lock()
	for _, t := range types {
		m.routes[t] = sub
	}
	m.subscribers = append(m.subscribers, sub)
	m.mu.Unlock()
}

// RouteDefault registers the pass-through for envelope types no controller
// claims (chat echoes, presence updates consumed directly by the UI).
func (m *Manager) RouteDefault(handler func(*signal.Envelope)) {
	sub := &subscriber{name: "default", ch: make(chan *signal.Envelope, 64)}
	go func() {
		for env := range sub.ch {
			handler(env)
		}
	}()
	m.mu.Lock()
	m.fallback = sub
	m.subscribers = append(m.subscribers, sub)
	m.mu.Unlock()
}

// SetReconnectGate installs a predicate checked before every reconnect
// attempt. While it returns true (a call is ringing or active), reconnection
// is deferred rather than tearing down signaling mid-call.
func (m *Manager) SetReconnectGate(gate func() bool) {
	m.mu.Lock()
	m.gate = gate
	m.mu.Unlock()
}

// OnTerminal installs the observer for unrecoverable conditions:
// ErrAuthExpired and ErrMaxReconnects.
func (m *Manager) OnTerminal(fn func(error)) {
	m.mu.Lock()
	m.onTerminal = fn
	m.mu.Unlock()
}

// OnStateChange installs an observer for lifecycle state transitions.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts the connection loop. Idempotent: re-invoking while already
// running is a no-op.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	go m.run(ctx)
}

// Send transmits the envelope immediately when the channel is open, and
// otherwise enqueues it; the queue is flushed in FIFO order the instant the
// channel reopens.
func (m *Manager) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return ErrClosed
	}
	if m.state != StateOpen {
		m.outbox = append(m.outbox, data)
		return nil
	}
	select {
	case m.sendCh <- data:
		return nil
	default:
		return core.ErrBackpressure
	}
}

// WaitOpen blocks until the channel is open or ctx expires.
func (m *Manager) WaitOpen(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateOpen {
		m.mu.Unlock()
		return nil
	}
	ch := m.openCh
	m.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
}

// Close shuts the channel down gracefully. A locally requested close
// (code 1000) suppresses the reconnect loop.
func (m *Manager) Close(code int, reason string) {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return
	}
	m.closing = true
	conn := m.conn
	cancel := m.cancel
	m.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		_ = conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	m.setState(StateClosed)
	log.Info().Str("module", "channel").Int("code", code).Str("reason", reason).Msg("closed locally")
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	bo := newBackoff(m.cfg.ReconnectInitial, m.cfg.ReconnectCeiling, m.cfg.ReconnectMax)

	for {
		if ctx.Err() != nil || m.isClosing() {
			return
		}
		if m.cfg.Token == "" {
			// No credential yet; stay in the reconnect loop quietly.
			log.Warn().Str("module", "channel").Msg("no access credential, deferring connect")
			if !m.sleep(ctx, m.cfg.ReconnectCeiling) {
				return
			}
			continue
		}
		if m.gateHeld() {
			// A call is ringing or active; tearing signaling up and down now
			// would drop it. Defer and re-check.
			log.Info().Str("module", "channel").Msg("reconnect deferred, call in progress")
			if !m.sleep(ctx, time.Second) {
				return
			}
			continue
		}

		m.setState(StateConnecting)
		conn, err := m.dial(ctx)
		if err != nil {
			delay, ok := bo.next()
			if !ok {
				log.Error().Err(err).Str("module", "channel").Msg("reconnect attempts exhausted")
				m.terminal(ErrMaxReconnects)
				return
			}
			log.Warn().Err(err).Str("module", "channel").Dur("retry_in", delay).Msg("dial failed")
			if !m.sleep(ctx, delay) {
				return
			}
			continue
		}

		bo.reset()
		m.opened(conn)

		connCtx, connCancel := context.WithCancel(ctx)
		go m.writePump(connCtx, conn)
		go m.heartbeat(connCtx, conn)

		code := m.readPump(conn)
		connCancel()
		m.dropped()

		if m.isClosing() || ctx.Err() != nil {
			return
		}
		if code == CloseCodeAuthExpired {
			log.Error().Str("module", "channel").Msg("credential rejected by server")
			m.terminal(ErrAuthExpired)
			return
		}
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", m.cfg.Token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.DialTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()
	conn, _, err := dialer.DialContext(dialCtx, u.String(), nil)
	return conn, err
}

// opened marks the channel open and flushes the outbound queue FIFO before
// any concurrent Send can enqueue directly.
func (m *Manager) opened(conn *websocket.Conn) {
	m.mu.Lock()
	m.conn = conn
	m.sendCh = make(chan []byte, m.cfg.SendBuffer+len(m.outbox))
	for _, data := range m.outbox {
		m.sendCh <- data
	}
	m.outbox = nil
	m.state = StateOpen
	m.lastPong = time.Now()
	close(m.openCh)
	onState := m.onState
	m.mu.Unlock()

	log.Info().Str("module", "channel").Msg("control channel open")
	if onState != nil {
		onState(StateOpen)
	}
}

func (m *Manager) dropped() {
	m.mu.Lock()
	m.conn = nil
	m.state = StateConnecting
	m.openCh = make(chan struct{})
	onState := m.onState
	m.mu.Unlock()
	if onState != nil {
		onState(StateConnecting)
	}
}

// readPump consumes frames until the connection dies. Returns the close code
// when the server closed the connection, or -1 on plain read errors.
func (m *Manager) readPump(conn *websocket.Conn) int {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return ce.Code
			}
			log.Warn().Err(err).Str("module", "channel").Msg("read error")
			return -1
		}
		m.dispatch(data)
	}
}

func (m *Manager) writePump(ctx context.Context, conn *websocket.Conn) {
	m.mu.Lock()
	sendCh := m.sendCh
	m.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-sendCh:
			if err := conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout)); err != nil {
				log.Error().Err(err).Str("module", "channel").Msg("set write deadline")
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "channel").Msg("write error")
				// Unsent message stays lost: signaling is at-most-once across
				// reconnects, callers rely on explicit states instead.
				return
			}
		}
	}
}

// heartbeat sends a ping on a fixed interval while open; a missing pong
// within the timeout is treated as a dead connection.
func (m *Manager) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			silent := time.Since(m.lastPong) > m.cfg.PingPeriod+m.cfg.PongTimeout
			m.mu.Unlock()
			if silent {
				log.Warn().Str("module", "channel").Msg("heartbeat reply missing, closing dead connection")
				_ = conn.Close()
				return
			}
			if err := m.Send(signal.Envelope{Type: signal.TypePing}); err != nil {
				log.Debug().Err(err).Str("module", "channel").Msg("ping send")
			}
		}
	}
}

// dispatch parses one inbound frame and hands it to exactly one subscriber.
// A malformed frame is logged and dropped, never fatal.
func (m *Manager) dispatch(data []byte) {
	env, err := signal.Parse(data)
	if err != nil {
		log.Error().Err(err).Str("module", "channel").Msg("bad frame")
		return
	}
	if env.Type == signal.TypePong {
		m.mu.Lock()
		m.lastPong = time.Now()
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	sub, ok := m.routes[env.Type]
	if !ok {
		sub = m.fallback
	}
	m.mu.Unlock()

	if sub == nil {
		log.Warn().Str("module", "channel").Str("type", env.Type).Msg("unrouted signal")
		return
	}
	select {
	case sub.ch <- env:
	default:
		log.Warn().Str("module", "channel").Str("subscriber", sub.name).Str("type", env.Type).Msg("subscriber queue full, dropping")
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	onState := m.onState
	m.mu.Unlock()
	if onState != nil {
		onState(s)
	}
}

func (m *Manager) terminal(err error) {
	m.setState(StateClosed)
	m.mu.Lock()
	fn := m.onTerminal
	m.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (m *Manager) isClosing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closing
}

func (m *Manager) gateHeld() bool {
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()
	return gate != nil && gate()
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

var (
	_ core.SignalSender  = (*Manager)(nil)
	_ core.ChannelWaiter = (*Manager)(nil)
)
