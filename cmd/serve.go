/*
Copyright © 2025 Joseph Goksu josephgoksu@gmail.com
*/
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/josephgoksu/NoteWing/internal/server"
	"github.com/spf13/cobra"
)

// maxLimitedOwners bounds the rate limiter's per-owner state.
const maxLimitedOwners = 10000

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API together with the enrichment workers",
	Long: `Start the NoteWing HTTP API and the background enrichment workers in
one process. Notes written through the API are enqueued and picked up
immediately; inbound chat replies are matched to open clarifications.

Examples:
  notewing serve
  notewing serve --port 9000`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Int("port", 0, "port to listen on (overrides server.port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	s := app.settings
	port := s.Server.Port
	if p, _ := cmd.Flags().GetInt("port"); p > 0 {
		port = p
	}

	deps := server.Deps{
		Store:     app.store,
		Search:    app.engine,
		Replies:   app.workflow,
		Usage:     app.ledger,
		Waker:     app.workers,
		Publisher: app.webhooks,
	}
	if s.Server.RateLimitPerMinute > 0 {
		deps.Limiter = server.NewOwnerLimiter(s.Server.RateLimitPerMinute, maxLimitedOwners, time.Minute)
	}
	if s.Search.CacheSize > 0 && s.Search.CacheTTL > 0 {
		deps.Cache = server.NewResponseCache(s.Search.CacheSize, s.Search.CacheTTL)
	}

	srv, err := server.New(deps, server.Options{
		Port:            port,
		AllowedOrigins:  s.Server.AllowedOrigins,
		MaxAttempts:     s.Pipeline.MaxAttempts,
		FailedThreshold: s.Pipeline.FailedThreshold,
		Version:         version,
		InboundWorkers:  s.Pipeline.Workers,
		InboundQueue:    s.Webhook.QueueSize,
		InboundSecret:   s.Messaging.InboundSecret,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	var wg sync.WaitGroup
	errChan := make(chan error, 2)
	srv.Start(&wg, errChan)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := app.workers.Run(ctx); err != nil {
			errChan <- fmt.Errorf("enrichment workers: %w", err)
		}
	}()

	fmt.Fprintf(cmd.ErrOrStderr(), "NoteWing %s listening on :%d (Ctrl+C to stop)\n", version, port)

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case runErr = <-errChan:
		slog.Error("service failed", "error", runErr)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server shutdown incomplete", "error", err)
	}
	wg.Wait()
	return runErr
}
