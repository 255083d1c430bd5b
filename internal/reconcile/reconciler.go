package reconcile

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"coursesync/server/internal/storage"
)

// Config wires a Reconciler.
type Config struct {
	Authoritative storage.Connector
	Local         storage.Connector
	Fetcher       AssetFetcher
	// Catalog defaults to DefaultCatalog.
	Catalog []Step
	// Workers bounds per-document concurrency inside a step.
	Workers int
	Logger  zerolog.Logger
}

// Reconciler executes catalogs. Store connections are acquired at the start
// of each run and released when it ends.
type Reconciler struct {
	authoritative storage.Connector
	local         storage.Connector
	fetcher       AssetFetcher
	catalog       []Step
	workers       int
	logger        zerolog.Logger
}

func NewReconciler(cfg Config) *Reconciler {
	catalog := cfg.Catalog
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Reconciler{
		authoritative: cfg.Authoritative,
		local:         cfg.Local,
		fetcher:       cfg.Fetcher,
		catalog:       catalog,
		workers:       cfg.Workers,
		logger:        cfg.Logger,
	}
}

// Run attempts every catalog step in order and returns their reports. A
// failed step never stops the run. onStep, when set, observes each report as
// soon as its step ends.
func (r *Reconciler) Run(ctx context.Context, runID string, onStep func(StepReport)) []StepReport {
	return r.execute(ctx, runID, r.catalog, true, onStep)
}

// DownloadAll re-fetches every chapter asset, ignoring resolved paths.
func (r *Reconciler) DownloadAll(ctx context.Context, runID string, onStep func(StepReport)) []StepReport {
	step := MaterializeChapters()
	step.Force = true
	return r.execute(ctx, runID, []Step{step}, false, onStep)
}

func (r *Reconciler) execute(ctx context.Context, runID string, steps []Step, needAuthoritative bool, onStep func(StepReport)) []StepReport {
	logger := r.logger.With().Str("run_id", runID).Logger()

	var stores Stores
	if needAuthoritative {
		authoritative, err := connect(ctx, r.authoritative, "authoritative")
		if err != nil {
			logger.Error().Err(err).Msg("store_unreachable")
		} else {
			defer closeStore(logger, authoritative, "authoritative")
			stores.Authoritative = authoritative
		}
	}
	local, err := connect(ctx, r.local, "local")
	if err != nil {
		logger.Error().Err(err).Msg("store_unreachable")
	} else {
		defer closeStore(logger, local, "local")
		stores.Local = local
	}

	engine := NewEngine(stores, r.fetcher, r.workers, logger)
	reports := make([]StepReport, 0, len(steps))
	for _, step := range steps {
		report := engine.Execute(ctx, step)
		reports = append(reports, report)
		if onStep != nil {
			onStep(report)
		}
	}
	return reports
}

func connect(ctx context.Context, connector storage.Connector, side string) (storage.Store, error) {
	if connector == nil {
		return nil, fmt.Errorf("%w: no %s store configured", ErrConnection, side)
	}
	store, err := connector(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnection, side, err)
	}
	return store, nil
}

func closeStore(logger zerolog.Logger, store storage.Store, side string) {
	if err := store.Close(); err != nil {
		logger.Warn().Err(err).Str("store", side).Msg("store_close_failed")
	}
}
