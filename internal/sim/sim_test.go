package sim

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/geoassist/relay/pkg/conn"
	"github.com/geoassist/relay/pkg/engine"
	"github.com/geoassist/relay/pkg/protocol"
)

func startSim(t *testing.T, cfg *Config) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(cfg).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestSimulatorStreamsScriptedTurn(t *testing.T) {
	srv := startSim(t, &Config{FragmentDelay: 5 * time.Millisecond})

	mgr := conn.NewManager(nil)
	t.Cleanup(mgr.Close)

	replies := make(chan string, 1)
	var mu sync.Mutex
	var statuses []protocol.Status
	e := engine.New(mgr, nil, engine.Deps{Callbacks: engine.Callbacks{
		OnReply: func(text string) { replies <- text },
		OnStatus: func(s protocol.Status) {
			mu.Lock()
			statuses = append(statuses, s)
			mu.Unlock()
		},
	}})

	wsURL, err := mgr.SessionURL("ws" + strings.TrimPrefix(srv.URL, "http") + "/ws")
	if err != nil {
		t.Fatal(err)
	}
	mgr.Connect(wsURL, false)
	e.SendUserMessage("how many parks are visible?")

	select {
	case reply := <-replies:
		// The thinking fragment is filtered; the rest concatenates.
		want := "Three parks fall inside the current extent. The largest is Prater at 6 square kilometers."
		if reply != want {
			t.Fatalf("reply = %q, want %q", reply, want)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("reply never arrived")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(statuses) < 2 {
		t.Fatalf("statuses = %+v, want set then cleared", statuses)
	}
	if statuses[0].Text != "Looking at the map" {
		t.Fatalf("first status = %+v", statuses[0])
	}
	if last := statuses[len(statuses)-1]; last != (protocol.Status{}) {
		t.Fatalf("last status = %+v, want cleared", last)
	}
}

func TestSimulatorAppliesOperations(t *testing.T) {
	srv := startSim(t, &Config{FragmentDelay: 5 * time.Millisecond})

	mgr := conn.NewManager(nil)
	t.Cleanup(mgr.Close)

	type applied struct {
		kind protocol.OpKind
	}
	opCh := make(chan applied, 4)
	e := engine.New(mgr, nil, engine.Deps{
		Operations: applyFunc(func(op protocol.Operation) error {
			opCh <- applied{kind: op.Kind}
			return nil
		}),
	})

	mgr.Connect("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", false)
	e.SendUserMessage("zoom to the parks")

	var kinds []protocol.OpKind
	deadline := time.After(10 * time.Second)
	for len(kinds) < 2 {
		select {
		case a := <-opCh:
			kinds = append(kinds, a.kind)
		case <-deadline:
			t.Fatalf("operations = %v, want zoom and pan", kinds)
		}
	}
	if kinds[0] != protocol.OpZoom || kinds[1] != protocol.OpPan {
		t.Fatalf("operations = %v, want [zoom pan] in order", kinds)
	}
}

type applyFunc func(op protocol.Operation) error

func (f applyFunc) Apply(op protocol.Operation) error { return f(op) }

func TestCancelEndpoint(t *testing.T) {
	srv := startSim(t, &Config{
		// A long script so the turn is still running when cancelled.
		Script:        []string{"a", "b", "c", "d", "e", "f", "g", "h"},
		FragmentDelay: 50 * time.Millisecond,
	})

	mgr := conn.NewManager(nil)
	t.Cleanup(mgr.Close)

	fragments := make(chan string, 16)
	e := engine.New(mgr, nil, engine.Deps{Callbacks: engine.Callbacks{
		OnFragment: func(streamID, content string) { fragments <- streamID },
	}})

	mgr.Connect("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", false)
	e.SendUserMessage("start a long answer")

	var streamID string
	select {
	case streamID = <-fragments:
	case <-time.After(10 * time.Second):
		t.Fatal("stream never started")
	}

	resp, err := http.Post(srv.URL+"/cancel/"+streamID, "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body map[string]bool
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if !body["stopped"] {
		t.Fatal("cancel endpoint reported stopped=false for a live stream")
	}
}

func TestCancelUnknownStream(t *testing.T) {
	srv := startSim(t, nil)

	resp, err := http.Post(srv.URL+"/cancel/no-such-stream", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body map[string]bool
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["stopped"] {
		t.Fatal("cancel endpoint reported stopped=true for an unknown stream")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := startSim(t, nil)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
