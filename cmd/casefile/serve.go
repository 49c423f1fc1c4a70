package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/casefile-hq/casefile/internal/jobqueue"
	"github.com/casefile-hq/casefile/internal/server"
	"github.com/casefile-hq/casefile/internal/telemetry"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and job worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		comps, err := buildComponents()
		if err != nil {
			return err
		}
		defer comps.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := telemetry.Init(ctx, "casefile", Version); err != nil {
			return fmt.Errorf("initializing telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			telemetry.Shutdown(shutdownCtx)
		}()

		worker, err := jobqueue.NewWorker(comps.queue, comps.processor)
		if err != nil {
			return err
		}
		go worker.Run(ctx)

		srv, err := server.NewServer(server.ServerConfig{
			Queue:     comps.queue,
			APITokens: comps.cfg.APITokens,
		})
		if err != nil {
			return err
		}

		addr := serveAddr
		if addr == "" {
			addr = comps.cfg.ListenAddr
		}

		errCh := make(chan error, 1)
		go func() {
			fmt.Printf("casefile listening on %s\n", addr)
			errCh <- srv.Start(addr)
		}()

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		case <-ctx.Done():
			fmt.Println("shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default: config listen_addr)")
}
