package conn

import (
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/geoassist/relay/pkg/metrics"
	"github.com/geoassist/relay/pkg/protocol"
)

// State is the connection lifecycle state.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// Manager owns the one physical WebSocket connection of the process.
// It is an explicitly constructed, explicitly torn-down service object:
// construct with NewManager, pass to consumers, and Close it when the
// last consumer is done (Subscribers reports the live handler count).
//
// One live physical socket exists at a time; replacing it always closes
// the previous one first.
type Manager struct {
	cfg     *Config
	logger  *slog.Logger
	metrics *metrics.Collector

	sessionID string

	dispatchCh chan func()
	done       chan struct{}
	closeOnce  sync.Once

	subs     registry
	stateVal atomic.Int32

	// Everything below is owned by the loop goroutine and must only be
	// touched from it.
	ws           *websocket.Conn
	gen          uint64 // socket generation; bumping it detaches stale socket callbacks
	url          string
	attempts     int
	switching    bool // intentional-switch flag; suppresses auto-reconnect
	lastActivity time.Time

	reconnectTimer *time.Timer
	pongTimer      *time.Timer
	lostTimer      *time.Timer
	lostNotified   bool

	// Depth-1 outbound queue: the latest payload queued while not OPEN,
	// flushed exactly once on the next successful open.
	pending []byte
}

// NewManager creates a Manager and starts its loop and heartbeat
// goroutines. The per-process session id is generated here and reused
// verbatim across reconnects and URL switches.
func NewManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg = cfg.Clone().withDefaults()

	id := uuid.NewString()
	m := &Manager{
		cfg:        cfg,
		metrics:    cfg.Metrics,
		sessionID:  id,
		dispatchCh: make(chan func(), cfg.DispatchBuffer),
		done:       make(chan struct{}),
	}
	m.logger = cfg.Logger.With("session_id", id)

	go m.run()
	go m.heartbeatLoop()
	return m
}

// run is the manager loop. Every handler and timer body executes here.
func (m *Manager) run() {
	for {
		select {
		case fn := <-m.dispatchCh:
			fn()
		case <-m.done:
			return
		}
	}
}

// heartbeatLoop ticks the idle check onto the loop.
func (m *Manager) heartbeatLoop() {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Dispatch(m.heartbeatTick)
		case <-m.done:
			return
		}
	}
}

// Dispatch queues fn to run on the manager loop. Safe from any
// goroutine. If the loop queue is full the callback is dropped with a
// logged warning; handlers must not block.
func (m *Manager) Dispatch(fn func()) {
	select {
	case <-m.done:
		return
	default:
	}
	select {
	case m.dispatchCh <- fn:
	case <-m.done:
	default:
		m.metrics.RecordQueueDrop()
		m.logger.Warn("dispatch queue full, discarding callback")
	}
}

// SessionID returns the per-process session identifier.
func (m *Manager) SessionID() string { return m.sessionID }

// State returns the current lifecycle state. Safe from any goroutine.
func (m *Manager) State() State { return State(m.stateVal.Load()) }

// Subscribers returns the number of registered handlers across all
// sets, so the last consumer leaving can trigger cleanup.
func (m *Manager) Subscribers() int { return m.subs.count() }

// SessionURL parameterizes base with the session and client
// identifiers as query parameters.
func (m *Manager) SessionURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", &TransportError{Op: "parse url", Err: err}
	}
	q := u.Query()
	q.Set("session_id", m.sessionID)
	q.Set("client_id", m.cfg.ClientID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Handler registration. Callbacks run on the manager loop in
// registration order, once per event.

// OnOpen registers a handler fired after each successful open.
func (m *Manager) OnOpen(fn func()) Token { return m.subs.addOpen(fn) }

// OnMessage registers a handler for each decoded inbound frame.
// Heartbeat pongs are consumed internally and not fanned out.
func (m *Manager) OnMessage(fn func(*protocol.Frame)) Token { return m.subs.addMessage(fn) }

// OnClose registers a handler fired once per close with the close code.
func (m *Manager) OnClose(fn func(code int)) Token { return m.subs.addClose(fn) }

// OnError registers a handler for transport errors.
func (m *Manager) OnError(fn func(error)) Token { return m.subs.addError(fn) }

// OnConnectionLost registers a handler for the single connection-lost
// notification emitted when retries are exhausted or the grace period
// expires without a reopen.
func (m *Manager) OnConnectionLost(fn func()) Token { return m.subs.addLost(fn) }

// Remove deregisters the handler with the given token.
func (m *Manager) Remove(tok Token) { m.subs.remove(tok) }

// Connect opens the channel to the given URL. If a live connection to a
// different URL exists, or force is set, the manager first performs an
// intentional disconnect so the auto-reconnect logic cannot race the
// switch. Connecting to the same URL while OPEN or CONNECTING without
// force is a no-op.
func (m *Manager) Connect(rawURL string, force bool) {
	m.Dispatch(func() { m.connect(rawURL, force) })
}

// Disconnect closes the channel intentionally. Idempotent.
func (m *Manager) Disconnect() {
	m.Dispatch(func() { m.closeCurrent() })
}

// Send queues data for transmission on the loop. The write is a no-op
// unless the connection is OPEN.
func (m *Manager) Send(data []byte) {
	m.Dispatch(func() { _ = m.Write(data) })
}

// QueueLatest stores data for transmission: sent immediately when OPEN,
// otherwise it replaces any previously queued payload (depth 1,
// last-write-wins) and is flushed exactly once on the next open.
func (m *Manager) QueueLatest(data []byte) {
	m.Dispatch(func() { m.WriteOrQueue(data) })
}

// Close tears the manager down: intentional disconnect, then loop
// shutdown. The Manager cannot be reused afterwards.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		closed := make(chan struct{})
		m.Dispatch(func() {
			m.closeCurrent()
			close(closed)
		})
		select {
		case <-closed:
		case <-time.After(2 * time.Second):
		}
		close(m.done)
	})
}

// =============================================================================
// Loop-only methods. Call from a handler or a function passed to Dispatch.
// =============================================================================

// Write sends data if the connection is OPEN and refreshes
// last-activity; otherwise it returns ErrNotOpen without side effects.
// Loop-only.
func (m *Manager) Write(data []byte) error {
	if m.State() != StateOpen || m.ws == nil {
		return ErrNotOpen
	}
	m.ws.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	if err := m.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		te := &TransportError{Op: "write", Err: err}
		m.logger.Error("write error", "error", err)
		m.subs.fireError(te)
		m.failSocket()
		return te
	}
	m.lastActivity = time.Now()
	return nil
}

// WriteFrame encodes and writes a frame. Loop-only.
func (m *Manager) WriteFrame(f *protocol.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	if err := m.Write(data); err != nil {
		return err
	}
	m.metrics.RecordFrame(metrics.DirOutbound, string(f.Kind))
	return nil
}

// WriteOrQueue writes data when OPEN, otherwise queues it with
// last-write-wins semantics. Reports whether the write happened now.
// Loop-only.
func (m *Manager) WriteOrQueue(data []byte) bool {
	if m.State() == StateOpen {
		return m.Write(data) == nil
	}
	m.pending = data
	return false
}

func (m *Manager) setState(s State) {
	m.stateVal.Store(int32(s))
	m.metrics.SetConnectionState(int(s))
}

func (m *Manager) connect(rawURL string, force bool) {
	st := m.State()
	if st == StateOpen || st == StateConnecting {
		if m.url == rawURL && !force {
			return
		}
		// Intentional switch: tear the old connection down first so
		// its close cannot race the new dial with an auto-reconnect.
		m.closeCurrent()
	}
	m.clearReconnectTimer()
	m.switching = false
	m.url = rawURL
	m.setState(StateConnecting)
	m.gen++
	gen := m.gen

	m.logger.Info("connecting", "url", rawURL, "attempt", m.attempts)
	dialer := m.cfg.Dialer
	go func() {
		ws, resp, err := dialer.Dial(rawURL, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		m.Dispatch(func() { m.dialDone(gen, ws, err) })
	}()
}

func (m *Manager) dialDone(gen uint64, ws *websocket.Conn, err error) {
	if gen != m.gen {
		// A newer connect superseded this dial.
		if ws != nil {
			ws.Close()
		}
		return
	}
	if err != nil {
		m.setState(StateClosed)
		te := &TransportError{Op: "dial", Err: err}
		m.logger.Warn("dial failed", "error", err)
		m.subs.fireError(te)
		m.afterAbnormalClose()
		return
	}

	ws.SetReadLimit(m.cfg.MaxMessageSize)
	m.ws = ws
	m.setState(StateOpen)
	m.attempts = 0
	m.lostNotified = false
	m.stopLostTimer()
	m.lastActivity = time.Now()
	m.logger.Info("connection open", "url", m.url)

	go m.readLoop(ws, gen)

	// Flush the depth-1 queue exactly once, then fan out the open event.
	if m.pending != nil {
		data := m.pending
		m.pending = nil
		_ = m.Write(data)
	}
	m.subs.fireOpen()
}

func (m *Manager) readLoop(ws *websocket.Conn, gen uint64) {
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			m.Dispatch(func() { m.handleSocketClose(gen, err) })
			return
		}
		m.Dispatch(func() { m.handleMessage(gen, msg) })
	}
}

func (m *Manager) handleMessage(gen uint64, data []byte) {
	if gen != m.gen || m.State() != StateOpen {
		return
	}
	m.lastActivity = time.Now()

	f, err := protocol.DecodeFrame(data)
	if err != nil {
		// Protocol errors are internal: skip the one bad frame, keep going.
		m.logger.Warn("malformed frame skipped", "error", err)
		return
	}

	switch f.Kind {
	case protocol.KindPong:
		m.stopPongTimer()
		return // heartbeat bookkeeping, not fanned out
	case protocol.KindPing:
		pong, err := protocol.NewFrame(protocol.KindPong, nil)
		if err == nil {
			_ = m.WriteFrame(pong)
		}
		return
	}

	m.metrics.RecordFrame(metrics.DirInbound, string(f.Kind))
	m.subs.fireMessage(f)
}

func (m *Manager) handleSocketClose(gen uint64, err error) {
	if gen != m.gen {
		return // detached socket; its events no longer drive manager logic
	}
	code := closeCode(err)
	m.ws = nil
	m.stopPongTimer()
	m.setState(StateClosed)
	m.logger.Info("connection closed", "code", code, "error", err)
	m.subs.fireClose(code)

	if code != websocket.CloseNormalClosure && !m.switching {
		m.subs.fireError(&TransportError{Op: "read", Err: err})
		m.afterAbnormalClose()
	}
}

// closeCurrent performs an intentional disconnect: stops the heartbeat
// deadline, cancels any scheduled reconnect, detaches the socket's own
// callbacks before closing it, and closes with the normal-closure code.
// Idempotent. Loop-only.
func (m *Manager) closeCurrent() {
	m.clearReconnectTimer()
	m.stopPongTimer()
	m.stopLostTimer()
	m.pending = nil

	// Bump the generation before anything else: it detaches the socket's
	// own callbacks and rejects any dial still in flight, whose socket
	// dialDone then closes.
	m.gen++

	if m.ws == nil {
		m.setState(StateClosed)
		return
	}

	m.switching = true
	m.setState(StateClosing)
	ws := m.ws
	m.ws = nil

	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	ws.Close()

	m.setState(StateClosed)
	m.subs.fireClose(websocket.CloseNormalClosure)
	m.switching = false
}

// failSocket force-closes the physical socket; the read loop then
// delivers the abnormal close that drives reconnection.
func (m *Manager) failSocket() {
	if m.ws != nil {
		m.ws.Close()
	}
}

func (m *Manager) afterAbnormalClose() {
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.logger.Warn("reconnect attempts exhausted", "attempts", m.attempts)
		m.notifyLost()
		return
	}
	m.attempts++
	delay := ReconnectDelay(m.attempts, m.cfg.ReconnectBase, m.cfg.ReconnectCap)
	m.clearReconnectTimer()
	m.metrics.RecordReconnect()
	m.logger.Info("reconnect scheduled", "attempt", m.attempts, "delay", delay)
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.Dispatch(m.retryConnect)
	})
	m.armLostTimer()
}

func (m *Manager) retryConnect() {
	m.reconnectTimer = nil
	if m.State() != StateClosed {
		return
	}
	m.connect(m.url, false)
}

func (m *Manager) clearReconnectTimer() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) stopPongTimer() {
	if m.pongTimer != nil {
		m.pongTimer.Stop()
		m.pongTimer = nil
	}
}

func (m *Manager) stopLostTimer() {
	if m.lostTimer != nil {
		m.lostTimer.Stop()
		m.lostTimer = nil
	}
}

func (m *Manager) armLostTimer() {
	if m.lostTimer != nil || m.lostNotified {
		return
	}
	m.lostTimer = time.AfterFunc(m.cfg.LostGracePeriod, func() {
		m.Dispatch(m.lostGraceExpired)
	})
}

func (m *Manager) lostGraceExpired() {
	m.lostTimer = nil
	if m.State() != StateOpen {
		m.notifyLost()
	}
}

// notifyLost emits the single user-visible "connection lost"
// indication for this outage. Reset by the next successful open.
func (m *Manager) notifyLost() {
	if m.lostNotified {
		return
	}
	m.lostNotified = true
	m.metrics.RecordConnectionLost()
	m.subs.fireLost()
}

// heartbeatTick sends a ping when the connection has been idle past
// the threshold, and arms the pong deadline. A missed deadline
// force-closes the socket: the sole mechanism for detecting a
// half-open connection.
func (m *Manager) heartbeatTick() {
	if m.State() != StateOpen {
		return
	}
	if m.pongTimer != nil {
		return // ping already in flight
	}
	if time.Since(m.lastActivity) < m.cfg.IdleThreshold {
		return
	}

	ping, err := protocol.NewFrame(protocol.KindPing, nil)
	if err != nil {
		return
	}
	if err := m.WriteFrame(ping); err != nil {
		return
	}
	gen := m.gen
	m.pongTimer = time.AfterFunc(m.cfg.PongDeadline, func() {
		m.Dispatch(func() { m.pongExpired(gen) })
	})
}

func (m *Manager) pongExpired(gen uint64) {
	if gen != m.gen || m.State() != StateOpen {
		return
	}
	m.pongTimer = nil
	m.logger.Warn("pong deadline missed, closing stale connection")
	m.subs.fireError(ErrStaleConnection)
	m.failSocket()
}

// closeCode extracts the WebSocket close code from a read error.
// Anything that is not an explicit close is abnormal.
func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}
