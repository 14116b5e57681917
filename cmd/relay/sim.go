package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/geoassist/relay/internal/config"
	"github.com/geoassist/relay/internal/sim"
)

func simCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Run the scripted backend simulator",
		Long: `Run a local backend simulator for development and testing.

The simulator accepts WebSocket sessions on /ws, streams a canned
assistant turn for every user message, exposes the out-of-band cancel
endpoint on POST /cancel/{stream_id}, and serves Prometheus metrics
on /metrics.

Examples:
  relay sim
  relay sim --addr=0.0.0.0:8787`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSim(addr)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", config.DefaultSimAddr, "Listen address")

	return cmd
}

func runSim(addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: sim.New(nil).Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("Simulator listening on http://%s\n", addr)
		fmt.Printf("  WebSocket: ws://%s/ws\n", addr)
		fmt.Printf("  Cancel:    POST http://%s/cancel/{stream_id}\n", addr)
		fmt.Printf("  Metrics:   http://%s/metrics\n", addr)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		fmt.Println("\nShutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}
