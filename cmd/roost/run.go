package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roostd/roost/internal/api"
	"github.com/roostd/roost/internal/canvas"
	"github.com/roostd/roost/internal/config"
	"github.com/roostd/roost/internal/discovery"
	"github.com/roostd/roost/internal/identity"
	"github.com/roostd/roost/internal/orchestrator"
	"github.com/roostd/roost/internal/secrets"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the gateway and serve the local control API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		ident, err := identity.LoadOrCreate(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("loading identity: %w", err)
		}
		log.Info().Str("deviceId", ident.DeviceID).Msg("device identity ready")

		store, err := secrets.Open(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("opening secret store: %w", err)
		}

		orch := orchestrator.New(orchestrator.Options{
			Identity:   ident,
			Secrets:    store,
			CanvasHost: canvas.NewHTTPHost(cfg.CanvasURL),
			CanvasURL:  cfg.CanvasURL,
			Log:        log,
			Platform:   runtime.GOOS,
		})
		defer orch.Disconnect()
		orch.SetTriggerWords(cfg.TriggerWords)

		// Watch the config file so trigger-word edits sync to the gateway.
		cfgPath := cfgFile
		if cfgPath == "" {
			cfgPath = config.DefaultPath()
		}
		if err := config.Watch(ctx, cfgPath, log, func(next *config.Config) {
			orch.SetTriggerWords(next.TriggerWords)
		}); err != nil {
			log.Warn().Err(err).Msg("config watch unavailable")
		}

		srv := &http.Server{
			Addr:              cfg.Listen,
			Handler:           api.NewServer(orch, log).Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.Listen).Msg("control api listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("control api failed")
			}
		}()

		endpoint := discovery.Manual(cfg.Gateway.Host, cfg.Gateway.Port, cfg.Gateway.TLS)
		token := cfg.Gateway.Token
		if token == "" {
			token = store.Token()
		}
		if err := orch.Connect(ctx, endpoint, token, cfg.Gateway.Password); err != nil {
			// Transport failures keep retrying in the background; only
			// fatal trust or auth errors stop the process.
			log.Error().Err(err).Msg("initial connect failed")
		}

		<-ctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
