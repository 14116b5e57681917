// Package sim is a scripted backend simulator for exercising the relay
// against a real WebSocket endpoint: it accepts sessions, streams a
// canned assistant turn for every user message, applies map operations,
// and honors the out-of-band cancel endpoint.
package sim

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/geoassist/relay/pkg/protocol"
)

// Config configures the simulator.
type Config struct {
	// Script is the fragment sequence streamed for each user message.
	// Empty uses a default geographic answer.
	Script []string

	// FragmentDelay is the pause between stream fragments. Default: 80ms.
	FragmentDelay time.Duration

	// Logger receives structured logs. Default: slog.Default().
	Logger *slog.Logger
}

func (c *Config) withDefaults() *Config {
	if len(c.Script) == 0 {
		c.Script = []string{
			"Thinking about the visible layers...",
			"Three parks fall inside",
			" the current extent.",
			" The largest is Prater",
			" at 6 square kilometers.",
		}
	}
	if c.FragmentDelay <= 0 {
		c.FragmentDelay = 80 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Server is the simulator. One scripted turn runs per user message;
// POST /cancel/{stream_id} aborts it.
type Server struct {
	cfg    *Config
	logger *slog.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	streams map[string]chan struct{} // stream id -> cancel signal
}

// New creates a simulator server.
func New(cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}
	clone := *cfg
	cfg = (&clone).withDefaults()
	return &Server{
		cfg:      cfg,
		logger:   cfg.Logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		streams:  make(map[string]chan struct{}),
	}
}

// Handler returns the simulator's HTTP surface.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", s.handleWS)
	r.Post("/cancel/{stream_id}", s.handleCancel)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// wsConn serializes writes to one client connection.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) writeFrame(kind protocol.Kind, payload any) error {
	f, err := protocol.NewFrame(kind, payload)
	if err != nil {
		return err
	}
	data, err := f.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	sessionID := r.URL.Query().Get("session_id")
	logger := s.logger.With("session_id", sessionID)
	logger.Info("session connected", "client_id", r.URL.Query().Get("client_id"))

	c := &wsConn{ws: ws}
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			logger.Info("session closed", "error", err)
			return
		}
		if err := protocol.ValidateEnvelope(msg); err != nil {
			logger.Warn("invalid envelope rejected", "error", err)
			continue
		}
		f, err := protocol.DecodeFrame(msg)
		if err != nil {
			logger.Warn("malformed frame skipped", "error", err)
			continue
		}
		s.dispatch(c, logger, f)
	}
}

func (s *Server) dispatch(c *wsConn, logger *slog.Logger, f *protocol.Frame) {
	switch f.Kind {
	case protocol.KindPing:
		c.writeFrame(protocol.KindPong, nil)

	case protocol.KindSessionInfo:
		info, err := protocol.DecodeSessionInfo(f)
		if err != nil {
			logger.Warn("bad handshake", "error", err)
			return
		}
		// Confirm the offered session id back to the client.
		c.writeFrame(protocol.KindSessionInfo, protocol.SessionInfo{
			SessionID: info.SessionID,
			Returning: info.Returning,
		})

	case protocol.KindUserMessage:
		msg, err := protocol.DecodeUserMessage(f)
		if err != nil {
			logger.Warn("bad user message", "error", err)
			return
		}
		logger.Info("user message", "text", msg.Text)
		go s.runTurn(c, logger)

	case protocol.KindInitialContext, protocol.KindViewPatch:
		logger.Debug("view update received", "kind", f.Kind)

	case protocol.KindAudioInput:
		// Audio is accepted and dropped; the simulator has no ASR.

	case protocol.KindQueryResponse:
		logger.Debug("query response received")

	default:
		logger.Warn("unhandled frame kind", "kind", f.Kind)
	}
}

// runTurn streams the scripted turn: status, tasks, fragments, a map
// operation batch, then the terminal stop frame.
func (s *Server) runTurn(c *wsConn, logger *slog.Logger) {
	streamID := uuid.NewString()
	cancel := make(chan struct{})
	s.mu.Lock()
	s.streams[streamID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.streams, streamID)
		s.mu.Unlock()
	}()

	c.writeFrame(protocol.KindStatus, protocol.Status{Text: "Looking at the map", Phase: "analysis"})
	c.writeFrame(protocol.KindTaskUpdate, protocol.TaskUpdate{Tasks: []protocol.Task{
		{ID: "t1", Label: "Inspect layers", State: "running"},
		{ID: "t2", Label: "Compose answer", State: "pending"},
	}})

	for _, fragment := range s.cfg.Script {
		select {
		case <-cancel:
			logger.Info("turn cancelled", "stream_id", streamID)
			c.writeFrame(protocol.KindStream, protocol.StreamChunk{StreamID: streamID, Stop: true})
			return
		case <-time.After(s.cfg.FragmentDelay):
		}
		c.writeFrame(protocol.KindStream, protocol.StreamChunk{StreamID: streamID, Content: fragment})
	}

	ops, _ := json.Marshal(map[string]any{"level": 13})
	pan, _ := json.Marshal(map[string]any{"lat": 48.216, "lng": 16.396})
	c.writeFrame(protocol.KindOperations, protocol.OperationBatch{Operations: []protocol.Operation{
		{Kind: protocol.OpZoom, Payload: ops},
		{Kind: protocol.OpPan, Payload: pan},
	}})

	c.writeFrame(protocol.KindTaskUpdate, protocol.TaskUpdate{Tasks: []protocol.Task{
		{ID: "t1", Label: "Inspect layers", State: "done"},
		{ID: "t2", Label: "Compose answer", State: "done"},
	}})
	c.writeFrame(protocol.KindStream, protocol.StreamChunk{StreamID: streamID, Stop: true})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "stream_id")

	s.mu.Lock()
	cancel, ok := s.streams[streamID]
	if ok {
		delete(s.streams, streamID)
	}
	s.mu.Unlock()
	if ok {
		close(cancel)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"stopped": ok})
}
