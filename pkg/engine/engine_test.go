package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/geoassist/relay/pkg/conn"
	"github.com/geoassist/relay/pkg/protocol"
)

// recorder captures callback invocations for assertions.
type recorder struct {
	mu        sync.Mutex
	replies   []string
	fragments []string
	statuses  []protocol.Status
	taskSets  [][]protocol.Task
	states    []TurnState
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnReply: func(text string) {
			r.mu.Lock()
			r.replies = append(r.replies, text)
			r.mu.Unlock()
		},
		OnFragment: func(_, content string) {
			r.mu.Lock()
			r.fragments = append(r.fragments, content)
			r.mu.Unlock()
		},
		OnStatus: func(s protocol.Status) {
			r.mu.Lock()
			r.statuses = append(r.statuses, s)
			r.mu.Unlock()
		},
		OnTasks: func(tasks []protocol.Task) {
			r.mu.Lock()
			r.taskSets = append(r.taskSets, tasks)
			r.mu.Unlock()
		},
		OnTurnState: func(s TurnState) {
			r.mu.Lock()
			r.states = append(r.states, s)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) Replies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.replies...)
}

func (r *recorder) Statuses() []protocol.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Status(nil), r.statuses...)
}

func (r *recorder) TaskSets() [][]protocol.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]protocol.Task(nil), r.taskSets...)
}

func (r *recorder) States() []TurnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TurnState(nil), r.states...)
}

func newTestEngine(t *testing.T, cfg *Config, deps Deps) (*Engine, *conn.Manager) {
	t.Helper()
	mgr := conn.NewManager(nil)
	t.Cleanup(mgr.Close)
	e := New(mgr, cfg, deps)
	return e, mgr
}

// deliver injects an inbound frame onto the loop and waits for it to
// be handled.
func deliver(t *testing.T, e *Engine, kind protocol.Kind, payload any) {
	t.Helper()
	f, err := protocol.NewFrame(kind, payload)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	e.mgr.Dispatch(func() {
		e.onMessage(f)
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("frame never handled")
	}
}

func stream(id, content string, stop bool) protocol.StreamChunk {
	return protocol.StreamChunk{StreamID: id, Content: content, Stop: stop}
}

func TestStreamFragmentsConcatenateVerbatim(t *testing.T) {
	rec := &recorder{}
	e, _ := newTestEngine(t, nil, Deps{Callbacks: rec.callbacks()})

	deliver(t, e, protocol.KindStream, stream("s1", "Part A", false))
	deliver(t, e, protocol.KindStream, stream("s1", "Part B", false))
	deliver(t, e, protocol.KindStream, stream("s1", "", false))
	deliver(t, e, protocol.KindStream, stream("s1", "", true))

	replies := rec.Replies()
	if len(replies) != 1 {
		t.Fatalf("replies = %v, want exactly one", replies)
	}
	if replies[0] != "Part APart B" {
		t.Fatalf("reply = %q, want fragments joined without separators", replies[0])
	}
}

func TestStreamFinalizeTrimsWhitespace(t *testing.T) {
	rec := &recorder{}
	e, _ := newTestEngine(t, nil, Deps{Callbacks: rec.callbacks()})

	deliver(t, e, protocol.KindStream, stream("s1", "  Hello", false))
	deliver(t, e, protocol.KindStream, stream("s1", " world \n", true))

	replies := rec.Replies()
	if len(replies) != 1 || replies[0] != "Hello world" {
		t.Fatalf("replies = %v, want [\"Hello world\"]", replies)
	}
}

func TestSingleShotCompletionBypassesFilter(t *testing.T) {
	rec := &recorder{}
	e, _ := newTestEngine(t, nil, Deps{Callbacks: rec.callbacks()})

	// The whole reply arrives in the terminal frame. Even a reply that
	// mentions thinking is emitted verbatim.
	deliver(t, e, protocol.KindStream, stream("s1", "I was thinking about your question.", true))

	replies := rec.Replies()
	if len(replies) != 1 || replies[0] != "I was thinking about your question." {
		t.Fatalf("replies = %v, want the terminal content verbatim", replies)
	}
}

func TestThinkingFragmentsDropped(t *testing.T) {
	rec := &recorder{}
	e, _ := newTestEngine(t, nil, Deps{Callbacks: rec.callbacks()})

	deliver(t, e, protocol.KindStream, stream("s1", "Thinking about the layers...", false))
	deliver(t, e, protocol.KindStream, stream("s1", "THINKING harder", false))
	deliver(t, e, protocol.KindStream, stream("s1", "Three parks match.", false))
	deliver(t, e, protocol.KindStream, stream("s1", "", true))

	replies := rec.Replies()
	if len(replies) != 1 || replies[0] != "Three parks match." {
		t.Fatalf("replies = %v, want only the kept fragment", replies)
	}
}

func TestEmptyTurnFinalizesWithoutReply(t *testing.T) {
	rec := &recorder{}
	e, _ := newTestEngine(t, nil, Deps{Callbacks: rec.callbacks()})

	deliver(t, e, protocol.KindStream, stream("s1", "Thinking...", false))
	deliver(t, e, protocol.KindStream, stream("s1", "", true))

	if replies := rec.Replies(); len(replies) != 0 {
		t.Fatalf("replies = %v, want none", replies)
	}
	states := rec.States()
	if len(states) == 0 || states[len(states)-1] != TurnFinalized {
		t.Fatalf("states = %v, want trailing Finalized", states)
	}
}

func TestStatusClearedOnFirstContent(t *testing.T) {
	rec := &recorder{}
	e, _ := newTestEngine(t, nil, Deps{Callbacks: rec.callbacks()})

	deliver(t, e, protocol.KindStatus, protocol.Status{Text: "Searching the map"})
	deliver(t, e, protocol.KindStream, stream("s1", "Found it.", false))

	statuses := rec.Statuses()
	if len(statuses) != 2 {
		t.Fatalf("statuses = %v, want set then cleared", statuses)
	}
	if statuses[0].Text != "Searching the map" {
		t.Fatalf("first status = %+v", statuses[0])
	}
	if statuses[1] != (protocol.Status{}) {
		t.Fatalf("second status = %+v, want zero value (cleared)", statuses[1])
	}
}

func TestTaskUpdateReplacesWholesale(t *testing.T) {
	rec := &recorder{}
	e, _ := newTestEngine(t, nil, Deps{Callbacks: rec.callbacks()})

	deliver(t, e, protocol.KindTaskUpdate, protocol.TaskUpdate{Tasks: []protocol.Task{
		{ID: "t1", Label: "Load layers", State: "running"},
		{ID: "t2", Label: "Query features", State: "pending"},
	}})
	deliver(t, e, protocol.KindTaskUpdate, protocol.TaskUpdate{Tasks: []protocol.Task{
		{ID: "t2", Label: "Query features", State: "done"},
	}})

	sets := rec.TaskSets()
	if len(sets) != 2 {
		t.Fatalf("task sets = %d, want 2", len(sets))
	}
	if len(sets[1]) != 1 || sets[1][0].State != "done" {
		t.Fatalf("second set = %+v, want full replacement", sets[1])
	}
}

type opRecorder struct {
	mu  sync.Mutex
	ops []protocol.OpKind
}

func (o *opRecorder) Apply(op protocol.Operation) error {
	o.mu.Lock()
	o.ops = append(o.ops, op.Kind)
	o.mu.Unlock()
	return nil
}

func (o *opRecorder) Kinds() []protocol.OpKind {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]protocol.OpKind(nil), o.ops...)
}

func TestOperationsUnknownKindSkipped(t *testing.T) {
	ops := &opRecorder{}
	e, _ := newTestEngine(t, nil, Deps{Operations: ops})

	batch := protocol.OperationBatch{Operations: []protocol.Operation{
		{Kind: protocol.OpZoom, Payload: json.RawMessage(`{"level":12}`)},
		{Kind: "teleport", Payload: json.RawMessage(`{}`)},
		{Kind: protocol.OpPan, Payload: json.RawMessage(`{"lat":48.2,"lng":16.3}`)},
	}}
	deliver(t, e, protocol.KindOperations, batch)

	kinds := ops.Kinds()
	if len(kinds) != 2 || kinds[0] != protocol.OpZoom || kinds[1] != protocol.OpPan {
		t.Fatalf("applied = %v, want [zoom pan] with unknown kind skipped", kinds)
	}
}

type stopRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (s *stopRecorder) RequestStop(_ context.Context, streamID string) error {
	s.mu.Lock()
	s.ids = append(s.ids, streamID)
	s.mu.Unlock()
	return nil
}

func (s *stopRecorder) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

func TestStopDiscardsLateFragments(t *testing.T) {
	rec := &recorder{}
	stopper := &stopRecorder{}
	e, mgr := newTestEngine(t, nil, Deps{Callbacks: rec.callbacks(), Stopper: stopper})

	deliver(t, e, protocol.KindStream, stream("s1", "Partial ans", false))

	stopped := make(chan struct{})
	mgr.Dispatch(func() {
		e.stopActiveTurn()
		close(stopped)
	})
	<-stopped

	// Fragments racing the stop are discarded.
	deliver(t, e, protocol.KindStream, stream("s1", "wer that keeps going", false))
	deliver(t, e, protocol.KindStream, stream("s1", "", true))

	replies := rec.Replies()
	if len(replies) != 1 || replies[0] != "Partial ans" {
		t.Fatalf("replies = %v, want only the pre-cancel content", replies)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if ids := stopper.IDs(); len(ids) == 1 && ids[0] == "s1" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("stop requests = %v, want [s1]", stopper.IDs())
}

func TestStopFailsafeFinalizesLocally(t *testing.T) {
	rec := &recorder{}
	cfg := DefaultConfig()
	cfg.StopDeadline = 30 * time.Millisecond
	e, mgr := newTestEngine(t, cfg, Deps{Callbacks: rec.callbacks()})

	deliver(t, e, protocol.KindStream, stream("s1", "Partial", false))
	mgr.Dispatch(e.stopActiveTurn)

	// No terminal stop frame ever arrives; the failsafe must finalize.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		states := rec.States()
		if len(states) > 0 && states[len(states)-1] == TurnFinalized {
			if replies := rec.Replies(); len(replies) != 1 || replies[0] != "Partial" {
				t.Fatalf("replies = %v, want the pre-cancel partial", replies)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("failsafe never finalized the turn")
}

func TestStopIsIdempotent(t *testing.T) {
	stopper := &stopRecorder{}
	e, mgr := newTestEngine(t, nil, Deps{Stopper: stopper})

	deliver(t, e, protocol.KindStream, stream("s1", "content", false))

	done := make(chan struct{})
	mgr.Dispatch(func() {
		e.stopActiveTurn()
		e.stopActiveTurn()
		e.stopActiveTurn()
		close(done)
	})
	<-done

	time.Sleep(50 * time.Millisecond)
	if ids := stopper.IDs(); len(ids) != 1 {
		t.Fatalf("stop requests = %v, want exactly one", ids)
	}
}

func TestResponseForStoppedTurnDiscarded(t *testing.T) {
	rec := &recorder{}
	stopper := &stopRecorder{}
	e, mgr := newTestEngine(t, nil, Deps{Callbacks: rec.callbacks(), Stopper: stopper})

	// Stop while still thinking: no stream id is known yet.
	done := make(chan struct{})
	mgr.Dispatch(func() {
		e.sendUserMessage("first question")
		e.stopActiveTurn()
		close(done)
	})
	<-done

	// The backend settles the stopped turn with a plain response frame.
	deliver(t, e, protocol.KindResponse, protocol.Response{Text: "answer to the stopped turn"})

	if replies := rec.Replies(); len(replies) != 0 {
		t.Fatalf("replies = %v, want the stopped turn's reply discarded", replies)
	}
	states := rec.States()
	if len(states) == 0 || states[len(states)-1] != TurnFinalized {
		t.Fatalf("states = %v, want trailing Finalized", states)
	}

	var leftover int
	check := make(chan struct{})
	mgr.Dispatch(func() { leftover = len(e.cancelled); close(check) })
	<-check
	if leftover != 0 {
		t.Fatalf("cancel entries = %d, want none after finalize", leftover)
	}

	// The next streamed turn must come through untouched by stale
	// cancel state.
	deliver(t, e, protocol.KindStream, stream("s2", "Second answer.", false))
	deliver(t, e, protocol.KindStream, stream("s2", "", true))

	if replies := rec.Replies(); len(replies) != 1 || replies[0] != "Second answer." {
		t.Fatalf("replies = %v, want the second turn's reply", replies)
	}
	time.Sleep(20 * time.Millisecond)
	if ids := stopper.IDs(); len(ids) != 0 {
		t.Fatalf("stop requests = %v, want none for the new stream", ids)
	}
}

func TestStatusOpensServerInitiatedTurn(t *testing.T) {
	rec := &recorder{}
	stopper := &stopRecorder{}
	e, mgr := newTestEngine(t, nil, Deps{Callbacks: rec.callbacks(), Stopper: stopper})

	deliver(t, e, protocol.KindStatus, protocol.Status{Text: "Transcribing"})

	var st TurnState
	done := make(chan struct{})
	mgr.Dispatch(func() { st = e.TurnState(); close(done) })
	<-done
	if st != TurnThinking {
		t.Fatalf("turn state = %v, want Thinking after a progress frame", st)
	}

	// A stop issued before any stream frame binds to the first stream id
	// and discards the whole stream.
	mgr.Dispatch(e.stopActiveTurn)
	deliver(t, e, protocol.KindStream, stream("s1", "dropped content", false))
	deliver(t, e, protocol.KindStream, stream("s1", "", true))

	if replies := rec.Replies(); len(replies) != 0 {
		t.Fatalf("replies = %v, want none", replies)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if ids := stopper.IDs(); len(ids) == 1 && ids[0] == "s1" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("stop requests = %v, want [s1]", stopper.IDs())
}

func TestStopWithoutActiveTurnIsNoOp(t *testing.T) {
	stopper := &stopRecorder{}
	e, mgr := newTestEngine(t, nil, Deps{Stopper: stopper})

	done := make(chan struct{})
	mgr.Dispatch(func() {
		e.stopActiveTurn()
		close(done)
	})
	<-done

	time.Sleep(20 * time.Millisecond)
	if ids := stopper.IDs(); len(ids) != 0 {
		t.Fatalf("stop requests = %v, want none", ids)
	}
}

// staticView serves a fixed snapshot.
type staticView struct {
	snap json.RawMessage
}

func (v *staticView) Snapshot() (json.RawMessage, error) { return v.snap, nil }

// notReadyView is unavailable for the first failures snapshots.
type notReadyView struct {
	mu       sync.Mutex
	failures int
	snap     json.RawMessage
}

func (v *notReadyView) Snapshot() (json.RawMessage, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failures > 0 {
		v.failures--
		return nil, ErrSnapshotUnavailable
	}
	return v.snap, nil
}

type brokenView struct{}

func (brokenView) Snapshot() (json.RawMessage, error) {
	return nil, errors.New("view store corrupt")
}

// frameServer accepts websocket clients and forwards every decoded
// frame they send.
func frameServer(t *testing.T) (string, chan *protocol.Frame) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	inbound := make(chan *protocol.Frame, 32)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if f, err := protocol.DecodeFrame(msg); err == nil {
				inbound <- f
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), inbound
}

func TestInitialContextRetriesWhenViewNotReady(t *testing.T) {
	url, inbound := frameServer(t)

	mgr := conn.NewManager(nil)
	t.Cleanup(mgr.Close)
	cfg := DefaultConfig()
	cfg.ContextRetryDelay = 20 * time.Millisecond
	New(mgr, cfg, Deps{Views: &notReadyView{failures: 1, snap: json.RawMessage(`{"zoom":11}`)}})
	mgr.Connect(url, false)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case f := <-inbound:
			if f.Kind == protocol.KindInitialContext {
				return
			}
		case <-deadline:
			t.Fatal("initial context never sent after the view became ready")
		}
	}
}

func TestInitialContextAbandonedOnSnapshotFailure(t *testing.T) {
	url, inbound := frameServer(t)

	mgr := conn.NewManager(nil)
	t.Cleanup(mgr.Close)
	cfg := DefaultConfig()
	cfg.ContextRetryDelay = 20 * time.Millisecond
	New(mgr, cfg, Deps{Views: brokenView{}})
	mgr.Connect(url, false)

	// The handshake still happens; the initial context does not.
	sawSession := false
	deadline := time.After(5 * time.Second)
	for !sawSession {
		select {
		case f := <-inbound:
			if f.Kind == protocol.KindInitialContext {
				t.Fatal("initial context sent from a failing view")
			}
			if f.Kind == protocol.KindSessionInfo {
				sawSession = true
			}
		case <-deadline:
			t.Fatal("handshake frame never arrived")
		}
	}

	quiet := time.After(200 * time.Millisecond)
	for {
		select {
		case f := <-inbound:
			if f.Kind == protocol.KindInitialContext {
				t.Fatal("initial context sent from a failing view")
			}
		case <-quiet:
			return
		}
	}
}

type queryEcho struct{}

func (queryEcho) HandleQuery(_ context.Context, req *protocol.QueryRequest) (json.RawMessage, error) {
	return json.RawMessage(`{"kind":"` + string(req.Kind) + `"}`), nil
}

func TestEngineOverLiveConnection(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	inbound := make(chan *protocol.Frame, 16)
	var serverWS *websocket.Conn
	var wsMu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		wsMu.Lock()
		serverWS = ws
		wsMu.Unlock()
		for {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if f, err := protocol.DecodeFrame(msg); err == nil {
				inbound <- f
			}
		}
	}))
	t.Cleanup(srv.Close)

	mgr := conn.NewManager(nil)
	t.Cleanup(mgr.Close)
	New(mgr, nil, Deps{
		Views:   &staticView{snap: json.RawMessage(`{"center":[48.2,16.3],"zoom":11}`)},
		Queries: queryEcho{},
	})

	mgr.Connect("ws"+strings.TrimPrefix(srv.URL, "http"), false)

	// The engine introduces itself and ships the initial view snapshot.
	want := map[protocol.Kind]bool{
		protocol.KindSessionInfo:    false,
		protocol.KindInitialContext: false,
	}
	deadline := time.After(5 * time.Second)
	for !want[protocol.KindSessionInfo] || !want[protocol.KindInitialContext] {
		select {
		case f := <-inbound:
			if _, ok := want[f.Kind]; ok {
				want[f.Kind] = true
			}
		case <-deadline:
			t.Fatalf("handshake incomplete: %v", want)
		}
	}

	// A data query round-trips through the handler.
	wsMu.Lock()
	ws := serverWS
	wsMu.Unlock()
	req, _ := protocol.NewFrame(protocol.KindQueryRequest, protocol.QueryRequest{
		QueryID: "q1", Kind: protocol.QueryLayerList,
	})
	data, _ := req.Encode()
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}

	for {
		select {
		case f := <-inbound:
			if f.Kind != protocol.KindQueryResponse {
				continue
			}
			var resp protocol.QueryResponse
			if err := json.Unmarshal(f.Payload, &resp); err != nil {
				t.Fatal(err)
			}
			if resp.QueryID != "q1" {
				t.Fatalf("query_id = %q, want q1", resp.QueryID)
			}
			if !strings.Contains(string(resp.Result), "layer_list") {
				t.Fatalf("result = %s, want handler output", resp.Result)
			}
			return
		case <-time.After(5 * time.Second):
			t.Fatal("query response never arrived")
		}
	}
}
