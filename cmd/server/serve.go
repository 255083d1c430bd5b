package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"coursesync/server/internal/auth"
	"coursesync/server/internal/httpapi"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the sync trigger and run status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	guard := auth.DevOperator(a.cfg.DevOperator)
	if a.cfg.OIDC.Enabled() {
		manager, err := auth.NewManager(auth.Config{
			IssuerURL:    a.cfg.OIDC.IssuerURL,
			ClientID:     a.cfg.OIDC.ClientID,
			ClientSecret: a.cfg.OIDC.ClientSecret,
			RedirectURL:  a.cfg.OIDC.RedirectURL,
			SessionKey:   a.cfg.OIDC.SessionKey,
			CookieSecure: a.cfg.OIDC.CookieSecure,
		}, a.logger)
		if err != nil {
			return err
		}
		manager.RegisterRoutes(mux)
		guard = manager.Protect
	} else {
		a.logger.Warn().Str("operator", a.cfg.DevOperator).Msg("oidc_disabled")
	}

	httpapi.NewServer(a.coordinator, a.fetcher, httpapi.Options{
		DiagnosticAssetURL: a.cfg.DiagnosticAssetURL,
		Guard:              guard,
	}, a.logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           httpapi.Wrap(mux, a.logger, a.cfg.CORSOrigins),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", server.Addr).Msg("server_listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info().Msg("server_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if active := a.coordinator.Active(); active != "" {
		a.logger.Info().Str("run_id", active).Msg("waiting_for_run")
	}
	a.coordinator.Wait()
	return nil
}
