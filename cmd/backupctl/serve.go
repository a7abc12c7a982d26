package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/edvin/sitebackup/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the backup HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, "serve", true)
		if err != nil {
			return err
		}
		defer a.close()
		logger := a.logger

		tc, err := a.dialTemporal()
		if err != nil {
			return err
		}
		defer tc.Close()

		srv := api.NewServer(logger, a.pool, a.redis, tc, a.leases, a.cfg)

		// No WriteTimeout: live log streams stay open for a whole run.
		httpServer := &http.Server{
			Addr:        a.cfg.HTTP.ListenAddr,
			Handler:     srv,
			ReadTimeout: 15 * time.Second,
			IdleTimeout: 60 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info().Str("addr", a.cfg.HTTP.ListenAddr).Msg("starting backup API server")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
