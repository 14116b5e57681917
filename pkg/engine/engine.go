package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/geoassist/relay/pkg/conn"
	"github.com/geoassist/relay/pkg/metrics"
	"github.com/geoassist/relay/pkg/protocol"
	"github.com/geoassist/relay/pkg/store"
	"github.com/geoassist/relay/pkg/trace"
)

// ErrSnapshotUnavailable is returned by a ViewProvider whose state is
// not ready yet. The engine treats it like any snapshot failure and
// retries the initial context once before giving up.
var ErrSnapshotUnavailable = errors.New("engine: view snapshot unavailable")

// OperationDispatcher applies one map operation to the client surface.
type OperationDispatcher interface {
	Apply(op protocol.Operation) error
}

// QueryHandler answers data queries about the current view.
type QueryHandler interface {
	HandleQuery(ctx context.Context, req *protocol.QueryRequest) (json.RawMessage, error)
}

// ViewProvider snapshots the current view state as JSON.
type ViewProvider interface {
	Snapshot() (json.RawMessage, error)
}

// StopRequester delivers the out-of-band cancellation request for a
// stream, typically an HTTP call to the backend's cancel endpoint.
type StopRequester interface {
	RequestStop(ctx context.Context, streamID string) error
}

// AudioSink receives inbound assistant audio for playback.
type AudioSink interface {
	Play(chunk *protocol.AudioChunk)
}

// Callbacks are the UI-facing notifications. All callbacks run on the
// manager loop and must not block; nil fields are skipped.
type Callbacks struct {
	// OnStatus delivers transient progress text. A zero-value Status
	// means the side channel was cleared.
	OnStatus func(protocol.Status)

	// OnTasks delivers each wholesale task-list replacement.
	OnTasks func([]protocol.Task)

	// OnFragment delivers each kept stream fragment as it arrives.
	OnFragment func(streamID, content string)

	// OnReply delivers the finalized assistant message.
	OnReply func(text string)

	// OnTurnState reports turn lifecycle transitions.
	OnTurnState func(TurnState)
}

// Config configures an Engine.
type Config struct {
	// ClientID identifies the client in the handshake.
	ClientID string

	// StopDeadline bounds how long a cancelled turn may wait for the
	// backend's terminal stop frame before being finalized locally.
	// Default: 5s.
	StopDeadline time.Duration

	// QueryTimeout bounds a single data-query dispatch. Default: 10s.
	QueryTimeout time.Duration

	// ContextRetryDelay is the wait before the single initial-context
	// retry when the view is not ready at handshake time. Default: 2s.
	ContextRetryDelay time.Duration

	// Logger receives structured logs. Default: slog.Default().
	Logger *slog.Logger

	// Metrics receives counters; nil disables collection.
	Metrics *metrics.Collector

	// Tracer opens one span per turn. Default: a tracer on the global
	// OpenTelemetry provider.
	Tracer *trace.TurnTracer

	// Store persists session continuity data; nil disables persistence.
	Store store.Store
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		StopDeadline:      5 * time.Second,
		QueryTimeout:      10 * time.Second,
		ContextRetryDelay: 2 * time.Second,
	}
}

// Clone returns a shallow copy.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c.StopDeadline <= 0 {
		c.StopDeadline = d.StopDeadline
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = d.QueryTimeout
	}
	if c.ContextRetryDelay <= 0 {
		c.ContextRetryDelay = d.ContextRetryDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Deps are the engine's collaborators. All fields are optional; a nil
// collaborator disables the corresponding frame handling.
type Deps struct {
	Operations OperationDispatcher
	Queries    QueryHandler
	Views      ViewProvider
	Stopper    StopRequester
	Audio      AudioSink
	Callbacks  Callbacks
}

// Engine drives the streaming-turn protocol over a conn.Manager. All of
// its logic runs on the manager loop; the public methods are safe from
// any goroutine and dispatch onto it.
type Engine struct {
	cfg     *Config
	mgr     *conn.Manager
	logger  *slog.Logger
	metrics *metrics.Collector
	tracer  *trace.TurnTracer
	store   store.Store
	deps    Deps

	tokens []conn.Token

	// Loop-owned state below.
	turn         *turn
	cancelled    map[string]*cancelState
	statusActive bool
	tasks        []protocol.Task

	lastPrimary          []byte
	lastPrimaryDelivered bool

	ctxSent      bool
	ctxAbandoned bool
}

// New wires an Engine onto the manager. Call Detach to unregister it.
func New(mgr *conn.Manager, cfg *Config, deps Deps) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg = cfg.Clone().withDefaults()

	e := &Engine{
		cfg:       cfg,
		mgr:       mgr,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		store:     cfg.Store,
		deps:      deps,
		cancelled: make(map[string]*cancelState),
	}
	e.logger = cfg.Logger.With("session_id", mgr.SessionID())
	if e.tracer == nil {
		e.tracer = trace.NewTurnTracer(mgr.SessionID())
	}

	e.tokens = append(e.tokens,
		mgr.OnOpen(e.onOpen),
		mgr.OnMessage(e.onMessage),
		mgr.OnConnectionLost(e.onConnectionLost),
	)
	return e
}

// Detach unregisters the engine's handlers from the manager.
func (e *Engine) Detach() {
	for _, tok := range e.tokens {
		e.mgr.Remove(tok)
	}
	e.tokens = nil
}

// TurnState returns the current turn state as of the last loop event.
// Call from the loop for an exact answer.
func (e *Engine) TurnState() TurnState {
	if e.turn == nil {
		return TurnIdle
	}
	return e.turn.state
}

// SendUserMessage submits text as the primary turn request, stamped
// with the current view-state snapshot. Offline it replaces any
// previously queued primary (last write wins).
func (e *Engine) SendUserMessage(text string) {
	e.mgr.Dispatch(func() { e.sendUserMessage(text) })
}

// RequestStop cancels the active turn, if any. Idempotent.
func (e *Engine) RequestStop() {
	e.mgr.Dispatch(e.stopActiveTurn)
}

// SendAudio transmits one captured audio batch upstream.
func (e *Engine) SendAudio(chunk protocol.AudioChunk) {
	e.mgr.Dispatch(func() {
		f, err := protocol.NewFrame(protocol.KindAudioInput, chunk)
		if err != nil {
			e.logger.Error("audio frame encode failed", "error", err)
			return
		}
		if err := e.mgr.WriteFrame(f); err != nil {
			return
		}
		e.metrics.RecordAudioChunk(metrics.DirOutbound)
	})
}

// =============================================================================
// Loop handlers.
// =============================================================================

func (e *Engine) sendUserMessage(text string) {
	msg := protocol.UserMessage{Text: text}
	if e.deps.Views != nil {
		if snap, err := e.deps.Views.Snapshot(); err == nil {
			msg.ViewState = snap
		} else {
			e.logger.Warn("view snapshot failed, sending message without view state", "error", err)
		}
	}

	f, err := protocol.NewFrame(protocol.KindUserMessage, msg)
	if err != nil {
		e.logger.Error("user message encode failed", "error", err)
		return
	}
	data, err := f.Encode()
	if err != nil {
		e.logger.Error("user message encode failed", "error", err)
		return
	}

	// A new primary supersedes any turn still in flight.
	if e.turn != nil && e.turn.state != TurnFinalized {
		e.abandonTurn()
	}

	sent := e.mgr.WriteOrQueue(data)
	e.lastPrimary = data
	e.lastPrimaryDelivered = sent
	if sent {
		e.metrics.RecordFrame(metrics.DirOutbound, string(protocol.KindUserMessage))
	}

	e.turn = &turn{state: TurnThinking, startedAt: time.Now()}
	e.notifyTurnState(TurnThinking)
}

func (e *Engine) onOpen() {
	go e.handshake()

	if !e.ctxSent && !e.ctxAbandoned {
		e.trySendInitialContext(0)
	}

	// A primary that was delivered before the drop but whose turn never
	// finished is resent so the backend can restart the turn. A primary
	// that was only queued is covered by the manager's pending flush.
	if e.turn != nil && e.turn.state != TurnFinalized && e.lastPrimaryDelivered && e.lastPrimary != nil {
		e.logger.Info("resending interrupted turn request")
		e.mgr.WriteOrQueue(e.lastPrimary)
	}
}

// handshake runs off-loop: the returning-session check may hit a remote
// store. The frame write is dispatched back onto the loop.
func (e *Engine) handshake() {
	info := protocol.SessionInfo{
		SessionID: e.mgr.SessionID(),
		ClientID:  e.cfg.ClientID,
	}
	if e.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		returning, err := store.IsReturning(ctx, e.store, info.SessionID)
		cancel()
		if err != nil {
			e.logger.Warn("returning-session check failed", "error", err)
		}
		info.Returning = returning
	}

	f, err := protocol.NewFrame(protocol.KindSessionInfo, info)
	if err != nil {
		e.logger.Error("handshake encode failed", "error", err)
		return
	}
	e.mgr.Dispatch(func() {
		if err := e.mgr.WriteFrame(f); err != nil {
			e.logger.Warn("handshake write failed", "error", err)
		}
	})
	e.touchSession()
}

// trySendInitialContext sends the one-time initial view snapshot. If
// the view is not ready yet it retries once after ContextRetryDelay,
// then gives up for the session.
func (e *Engine) trySendInitialContext(attempt int) {
	var snap json.RawMessage
	if e.deps.Views != nil {
		s, err := e.deps.Views.Snapshot()
		switch {
		case err == nil:
			snap = s
		case errors.Is(err, ErrSnapshotUnavailable):
			// Not ready yet; fall through to the retry below.
			e.logger.Info("view not ready for initial context", "attempt", attempt)
		default:
			e.ctxAbandoned = true
			e.logger.Warn("initial context abandoned, view snapshot failed", "error", err)
			return
		}
	}

	if len(snap) == 0 {
		if attempt == 0 {
			time.AfterFunc(e.cfg.ContextRetryDelay, func() {
				e.mgr.Dispatch(func() {
					if !e.ctxSent && !e.ctxAbandoned {
						e.trySendInitialContext(1)
					}
				})
			})
			return
		}
		e.ctxAbandoned = true
		e.logger.Warn("initial context abandoned, view never became ready")
		return
	}

	f, err := protocol.NewFrame(protocol.KindInitialContext, protocol.InitialContext{ViewState: snap})
	if err != nil {
		e.logger.Error("initial context encode failed", "error", err)
		return
	}
	if err := e.mgr.WriteFrame(f); err != nil {
		return // next open retries
	}
	e.ctxSent = true
}

func (e *Engine) onConnectionLost() {
	if e.turn != nil && e.turn.state != TurnFinalized {
		e.abandonTurn()
	}
	e.clearStatus()
}

func (e *Engine) onMessage(f *protocol.Frame) {
	switch f.Kind {
	case protocol.KindSessionInfo:
		info, err := protocol.DecodeSessionInfo(f)
		if err != nil {
			e.logSkip(f, err)
			return
		}
		e.logger.Info("session confirmed", "backend_session_id", info.SessionID, "returning", info.Returning)

	case protocol.KindStatus:
		p, err := protocol.DecodeStatus(f)
		if err != nil {
			e.logSkip(f, err)
			return
		}
		e.statusActive = p.Text != ""
		if e.turn == nil && p.Text != "" {
			// Progress on a server-initiated turn; open it so a stop
			// request has something to act on before streaming starts.
			e.turn = &turn{state: TurnThinking, startedAt: time.Now()}
			e.notifyTurnState(TurnThinking)
		}
		if e.deps.Callbacks.OnStatus != nil {
			e.deps.Callbacks.OnStatus(*p)
		}

	case protocol.KindTaskUpdate:
		p, err := protocol.DecodeTaskUpdate(f)
		if err != nil {
			e.logSkip(f, err)
			return
		}
		e.tasks = p.Tasks
		if e.deps.Callbacks.OnTasks != nil {
			e.deps.Callbacks.OnTasks(p.Tasks)
		}

	case protocol.KindStream:
		p, err := protocol.DecodeStreamChunk(f)
		if err != nil {
			e.logSkip(f, err)
			return
		}
		e.handleStream(p)

	case protocol.KindResponse:
		p, err := protocol.DecodeResponse(f)
		if err != nil {
			e.logSkip(f, err)
			return
		}
		e.handleResponse(p)

	case protocol.KindOperations:
		batch, err := protocol.DecodeOperationBatch(f)
		if err != nil {
			e.logSkip(f, err)
			return
		}
		e.handleOperations(batch)

	case protocol.KindAudioChunk:
		p, err := protocol.DecodeAudioChunk(f)
		if err != nil {
			e.logSkip(f, err)
			return
		}
		e.metrics.RecordAudioChunk(metrics.DirInbound)
		if e.deps.Audio != nil {
			e.deps.Audio.Play(p)
		}

	case protocol.KindQueryRequest:
		p, err := protocol.DecodeQueryRequest(f)
		if err != nil {
			e.logSkip(f, err)
			return
		}
		e.handleQuery(p)

	default:
		e.logger.Warn("unhandled frame kind skipped", "kind", f.Kind)
	}
}

func (e *Engine) handleStream(c *protocol.StreamChunk) {
	// A stop request issued before the stream id was known parks its
	// cancel state under the empty key; bind it now.
	if st, ok := e.cancelled[""]; ok && e.turn != nil && e.turn.id == "" {
		delete(e.cancelled, "")
		e.turn.id = c.StreamID
		e.turn.ctx, e.turn.span = e.tracer.StartTurn(context.Background(), c.StreamID)
		e.cancelled[c.StreamID] = st
		e.sendStopRequest(e.turn.ctx, c.StreamID)
	}

	if st, ok := e.cancelled[c.StreamID]; ok {
		// Frames for a cancelled stream are discarded; its terminal
		// stop frame finalizes the turn.
		if c.Stop {
			e.finishCancelled(st)
		}
		return
	}

	t := e.turn
	if t != nil && t.id != "" && t.id != c.StreamID {
		// The backend moved on to a new stream; the old turn is dead.
		e.abandonTurn()
		t = nil
	}
	if t == nil {
		// Server-initiated turn (e.g. a voice transcription reply).
		t = &turn{state: TurnThinking, startedAt: time.Now()}
		e.turn = t
	}
	if t.id == "" {
		t.id = c.StreamID
		t.ctx, t.span = e.tracer.StartTurn(context.Background(), t.id)
	}

	if c.Stop {
		if t.buf.empty() && c.Content != "" {
			// Single-shot completion: the whole reply arrived in the
			// terminal frame. Emit verbatim, bypassing the filter.
			e.emit(t, c.Content, trace.ResultCompleted)
			return
		}
		if !isDroppedFragment(c.Content) {
			t.buf.add(c.Content)
		}
		if final := t.buf.final(); final != "" {
			e.emit(t, final, trace.ResultCompleted)
		} else {
			e.finalize(t, trace.ResultAbandoned)
		}
		return
	}

	if isDroppedFragment(c.Content) {
		return
	}
	if !t.contentSeen {
		t.contentSeen = true
		e.clearStatus()
	}
	if t.state != TurnStreaming {
		t.state = TurnStreaming
		e.notifyTurnState(TurnStreaming)
	}
	t.buf.add(c.Content)
	if e.deps.Callbacks.OnFragment != nil {
		e.deps.Callbacks.OnFragment(c.StreamID, c.Content)
	}
}

func (e *Engine) handleResponse(p *protocol.Response) {
	t := e.turn
	if t != nil && t.state != TurnFinalized && (p.StreamID == "" || p.StreamID == t.id) {
		if t.cancel != nil {
			// The reply belongs to a stopped turn; discard the text and
			// let cancellation settle the turn.
			e.finishCancelled(t.cancel)
			return
		}
		e.emit(t, p.Text, trace.ResultCompleted)
		return
	}
	if _, ok := e.cancelled[p.StreamID]; ok {
		return
	}
	// No turn to attribute it to; deliver the text anyway.
	e.clearStatus()
	if e.deps.Callbacks.OnReply != nil {
		e.deps.Callbacks.OnReply(p.Text)
	}
}

func (e *Engine) handleOperations(batch *protocol.OperationBatch) {
	for _, op := range batch.Operations {
		if _, err := op.Decode(); err != nil {
			// Unknown or malformed operations are skipped, never fatal.
			e.logger.Warn("operation skipped", "kind", op.Kind, "error", err)
			continue
		}
		if e.deps.Operations == nil {
			continue
		}
		if err := e.deps.Operations.Apply(op); err != nil {
			e.logger.Warn("operation apply failed", "kind", op.Kind, "error", err)
			continue
		}
		e.metrics.RecordOperation(string(op.Kind))
	}
}

// handleQuery dispatches the query off-loop and writes the response
// back on the loop, keyed by the request's query id.
func (e *Engine) handleQuery(req *protocol.QueryRequest) {
	respond := func(resp protocol.QueryResponse) {
		f, err := protocol.NewFrame(protocol.KindQueryResponse, resp)
		if err != nil {
			e.logger.Error("query response encode failed", "error", err)
			return
		}
		if err := e.mgr.WriteFrame(f); err != nil {
			e.logger.Warn("query response write failed", "query_id", resp.QueryID, "error", err)
		}
	}

	if e.deps.Queries == nil {
		respond(protocol.QueryResponse{QueryID: req.QueryID, Error: "queries unsupported"})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.QueryTimeout)
		defer cancel()
		result, err := e.deps.Queries.HandleQuery(ctx, req)

		resp := protocol.QueryResponse{QueryID: req.QueryID}
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Result = result
		}
		e.mgr.Dispatch(func() { respond(resp) })
	}()
}

// =============================================================================
// Finalization.
// =============================================================================

// emit finalizes the turn with a visible reply.
func (e *Engine) emit(t *turn, text string, result trace.TurnResult) {
	e.clearStatus()
	if e.deps.Callbacks.OnReply != nil {
		e.deps.Callbacks.OnReply(text)
	}
	e.recordTurn(t, text, result)
	e.closeTurn(t, result, len(text))
}

// finalize closes the turn without a visible reply.
func (e *Engine) finalize(t *turn, result trace.TurnResult) {
	e.clearStatus()
	e.recordTurn(t, "", result)
	e.closeTurn(t, result, 0)
}

func (e *Engine) closeTurn(t *turn, result trace.TurnResult, contentLen int) {
	if t.cancel != nil {
		t.cancel.stopTimer()
		delete(e.cancelled, t.id)
		t.cancel = nil
	}
	e.tracer.EndTurn(t.span, result, contentLen)
	e.metrics.RecordTurn(string(result), time.Since(t.startedAt))
	t.state = TurnFinalized
	if e.turn == t {
		e.turn = nil
		e.lastPrimary = nil
		e.lastPrimaryDelivered = false
	}
	e.notifyTurnState(TurnFinalized)
}

func (e *Engine) recordTurn(t *turn, content string, result trace.TurnResult) {
	if e.store == nil {
		return
	}
	rec := store.TurnRecord{
		StreamID:   t.id,
		Content:    content,
		Result:     string(result),
		StartedAt:  t.startedAt,
		FinishedAt: time.Now(),
	}
	sessionID := e.mgr.SessionID()
	st := e.store
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.AppendTurn(ctx, st, sessionID, rec); err != nil {
			e.logger.Warn("turn history write failed", "error", err)
		}
	}()
}

func (e *Engine) touchSession() {
	if e.store == nil {
		return
	}
	sessionID := e.mgr.SessionID()
	st := e.store
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Touch(ctx, st, sessionID); err != nil {
			e.logger.Warn("session touch failed", "error", err)
		}
	}()
}

// abandonTurn drops the active turn without emitting anything.
// closeTurn settles any in-flight cancellation state.
func (e *Engine) abandonTurn() {
	t := e.turn
	if t == nil {
		return
	}
	e.finalize(t, trace.ResultAbandoned)
}

// clearStatus resets the visible-status side channel, notifying the UI
// with a zero-value Status so it can drop the indicator.
func (e *Engine) clearStatus() {
	if !e.statusActive {
		return
	}
	e.statusActive = false
	if e.deps.Callbacks.OnStatus != nil {
		e.deps.Callbacks.OnStatus(protocol.Status{})
	}
}

func (e *Engine) notifyTurnState(s TurnState) {
	if e.deps.Callbacks.OnTurnState != nil {
		e.deps.Callbacks.OnTurnState(s)
	}
}

func (e *Engine) logSkip(f *protocol.Frame, err error) {
	e.logger.Warn("malformed payload skipped", "kind", f.Kind, "error", err)
}
