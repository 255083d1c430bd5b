package main

import (
	"net/http"
	"path/filepath"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/rs/zerolog"

	"coursesync/server/internal/assets"
	"coursesync/server/internal/config"
	"coursesync/server/internal/observability"
	"coursesync/server/internal/reconcile"
	"coursesync/server/internal/storage"
)

type app struct {
	cfg         config.Config
	logger      zerolog.Logger
	fetcher     *assets.Fetcher
	coordinator *reconcile.Coordinator
}

func newApp(opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.EnvFile, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	logger := observability.InitLogger("coursesync", cfg.LogLevel, cfg.LogFormat)

	storeOpts := storage.Options{Database: cfg.DatabaseName}
	authoritative, err := storage.Dial(cfg.MainDB, storeOpts)
	if err != nil {
		return nil, err
	}
	local, err := storage.Dial(cfg.LocalDB, storeOpts)
	if err != nil {
		return nil, err
	}

	assetDir, err := filepath.Abs(cfg.AssetDir)
	if err != nil {
		return nil, err
	}
	fetcher := assets.NewFetcher(
		osfs.New(assetDir),
		&http.Client{Timeout: cfg.FetchTimeout},
		logger.With().Str("component", "assets").Logger(),
	)
	reconciler := reconcile.NewReconciler(reconcile.Config{
		Authoritative: authoritative,
		Local:         local,
		Fetcher:       fetcher,
		Workers:       cfg.Concurrency,
		Logger:        logger.With().Str("component", "reconcile").Logger(),
	})

	logger.Info().
		Str("asset_dir", assetDir).
		Str("database", cfg.DatabaseName).
		Int("concurrency", cfg.Concurrency).
		Msg("app_configured")

	return &app{
		cfg:         cfg,
		logger:      logger,
		fetcher:     fetcher,
		coordinator: reconcile.NewCoordinator(reconciler, cfg.History, logger),
	}, nil
}
