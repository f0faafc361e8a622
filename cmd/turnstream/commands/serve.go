package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/opencode-ai/turnstream/internal/logging"
	"github.com/opencode-ai/turnstream/internal/server"
)

var (
	servePort     int
	serveHostname string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the turnstream HTTP server",
	Long: `Start turnstream as a server that exposes sessions over HTTP.

Clients create a session with POST /session and follow it over
Server-Sent Events (GET /session/{id}/event) or a WebSocket
(GET /session/{id}/ws). Persisted turns are read from GET /turn.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (default from config)")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "", "Hostname to listen on (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Server.Port = servePort
	}
	if serveHostname != "" {
		cfg.Server.Host = serveHostname
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	srv := server.New(server.ConfigFrom(cfg.Server), a.manager, a.hub, a.store)
	srv.SetMetrics(a.metrics)
	logging.Info().Str("version", Version).Str("addr", srv.Addr()).Msg("starting turnstream server")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.Info().Msg("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("server shutdown")
		}
		return nil
	})

	err = g.Wait()
	if closeErr := a.Close(); closeErr != nil {
		logging.Warn().Err(closeErr).Msg("shutdown")
	}
	logging.Info().Msg("server stopped")
	return err
}
