package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"

	"github.com/geoassist/relay/internal/config"
	"github.com/geoassist/relay/pkg/conn"
	"github.com/geoassist/relay/pkg/engine"
	"github.com/geoassist/relay/pkg/metrics"
	"github.com/geoassist/relay/pkg/protocol"
	"github.com/geoassist/relay/pkg/store"
	"github.com/geoassist/relay/pkg/viewsync"
)

func chatCmd() *cobra.Command {
	var (
		serverURL string
		verbose   bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive assistant session",
		Long: `Connect to the assistant backend and chat from the terminal.

The session survives network drops: the connection reconnects with
bounded backoff and an interrupted turn request is resent. Assistant
map operations are applied to a local view whose changes stream back
as debounced patches.

Commands during the session:
  /stop   cancel the streaming turn
  /view   print the current view snapshot
  /quit   end the session

Examples:
  relay chat
  relay chat --server=ws://localhost:8787/ws`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(serverURL, verbose)
		},
	}

	cmd.Flags().StringVarP(&serverURL, "server", "u", "", "Backend WebSocket URL (default from relay.json)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log protocol activity")

	return cmd
}

// httpStopper posts the out-of-band cancellation to the backend.
type httpStopper struct {
	base   string
	client *http.Client
}

func (s *httpStopper) RequestStop(ctx context.Context, streamID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/"+streamID, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("cancel endpoint returned %s", resp.Status)
	}
	return nil
}

func runChat(serverURL string, verbose bool) error {
	cfg, err := config.Load(".")
	if err != nil {
		return err
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	sessionStore, err := buildStore(cfg)
	if err != nil {
		return err
	}

	collector := metrics.New()

	connCfg := conn.DefaultConfig()
	connCfg.ClientID = cfg.ClientID
	connCfg.HeartbeatInterval = cfg.Heartbeat()
	connCfg.IdleThreshold = cfg.IdleThreshold()
	connCfg.MaxReconnectAttempts = cfg.Connection.MaxReconnectAttempts
	connCfg.Logger = logger
	connCfg.Metrics = collector

	mgr := conn.NewManager(connCfg)
	defer mgr.Close()

	view := newMapView()

	replies := make(chan string, 4)
	engCfg := engine.DefaultConfig()
	engCfg.ClientID = cfg.ClientID
	engCfg.Logger = logger
	engCfg.Metrics = collector
	engCfg.Store = sessionStore

	eng := engine.New(mgr, engCfg, engine.Deps{
		Operations: view,
		Queries:    view,
		Views:      view,
		Stopper:    &httpStopper{base: cfg.ResolveCancelURL(), client: &http.Client{Timeout: 10 * time.Second}},
		Callbacks: engine.Callbacks{
			OnStatus: func(s protocol.Status) {
				if s.Text != "" {
					fmt.Printf("  [%s]\n", s.Text)
				}
			},
			OnTasks: func(tasks []protocol.Task) {
				for _, t := range tasks {
					fmt.Printf("  - %s: %s\n", t.Label, t.State)
				}
			},
			OnReply: func(text string) { replies <- text },
		},
	})
	defer eng.Detach()

	syncCfg := viewsync.DefaultConfig()
	syncCfg.Debounce = cfg.Debounce()
	syncCfg.Logger = logger
	syncCfg.Metrics = collector
	synchronizer := viewsync.New(mgr, syncCfg, view)
	view.onChange = synchronizer.NotifyChange

	mgr.OnConnectionLost(func() {
		fmt.Println("! connection lost; check your network and try again")
	})

	wsURL, err := mgr.SessionURL(cfg.ServerURL)
	if err != nil {
		return err
	}
	mgr.Connect(wsURL, false)
	fmt.Printf("Session %s -> %s\n", mgr.SessionID(), cfg.ServerURL)

	go func() {
		for text := range replies {
			fmt.Printf("\nassistant> %s\n> ", text)
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit":
			return nil
		case line == "/stop":
			eng.RequestStop()
		case line == "/view":
			if snap, err := view.Snapshot(); err == nil {
				fmt.Println(string(snap))
			}
		default:
			eng.SendUserMessage(line)
		}
		fmt.Print("> ")
	}
	return scanner.Err()
}

// buildStore selects the session store backend from configuration.
func buildStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Session.Backend {
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, fmt.Errorf("aws credentials: %w", err)
		}
		return store.NewS3Store(s3.NewFromConfig(awsCfg), cfg.Session.S3Bucket, cfg.Session.S3Prefix), nil
	default:
		return store.NewMemoryStore(), nil
	}
}
