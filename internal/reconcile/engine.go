package reconcile

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"iter"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"coursesync/server/internal/assets"
	"coursesync/server/internal/observability"
	"coursesync/server/internal/storage"
)

// AssetFetcher persists the body behind sourceURL as destinationName and
// returns the resolved local path.
type AssetFetcher interface {
	Fetch(ctx context.Context, sourceURL string, destinationName string) (string, error)
}

// Stores pairs the two sides of a reconciliation. A nil side is treated as
// unreachable.
type Stores struct {
	Authoritative storage.Store
	Local         storage.Store
}

func (s Stores) route(direction Direction) (source storage.Store, target storage.Store) {
	if direction == Up {
		return s.Local, s.Authoritative
	}
	return s.Authoritative, s.Local
}

// Engine executes catalog steps against one pair of stores.
type Engine struct {
	stores  Stores
	fetcher AssetFetcher
	workers int
	logger  zerolog.Logger
}

func NewEngine(stores Stores, fetcher AssetFetcher, workers int, logger zerolog.Logger) *Engine {
	if workers < 1 {
		workers = 1
	}
	return &Engine{stores: stores, fetcher: fetcher, workers: workers, logger: logger}
}

// Execute runs one step and reports its outcome. Errors stop at this
// boundary: they are logged and recorded in the report.
func (e *Engine) Execute(ctx context.Context, step Step) StepReport {
	started := time.Now()
	tally, err := e.dispatch(ctx, step)
	report := StepReport{
		Name:       step.Name(),
		Collection: step.Collection,
		Policy:     step.Policy,
		Status:     StepSucceeded,
		Tally:      tally,
		StartedAt:  started,
		DurationMs: time.Since(started).Milliseconds(),
	}
	switch {
	case err != nil:
		report.Status = StepFailed
		report.Error = err.Error()
	case tally.Failed > 0 && tally.Succeeded == 0:
		report.Status = StepFailed
		report.Error = fmt.Sprintf("all %d attempted documents failed", tally.Failed)
	case tally.Failed > 0:
		report.Status = StepPartial
	}

	event := e.logger.Info()
	if report.Status == StepFailed {
		event = e.logger.Error().Err(err)
	} else if report.Status == StepPartial {
		event = e.logger.Warn()
	}
	event.
		Str("step", report.Name).
		Str("collection", step.Collection).
		Str("policy", string(step.Policy)).
		Str("status", string(report.Status)).
		Int("documents", tally.Documents).
		Int("succeeded", tally.Succeeded).
		Int("failed", tally.Failed).
		Int("skipped", tally.Skipped).
		Dur("duration", time.Since(started)).
		Msg("step_finished")
	observability.RecordStep(string(step.Policy), string(report.Status), time.Since(started), tally.Succeeded, tally.Failed, tally.Skipped)
	return report
}

func (e *Engine) dispatch(ctx context.Context, step Step) (Tally, error) {
	switch step.Policy {
	case PolicyMirror:
		return e.Mirror(ctx, step.Collection)
	case PolicyMergeDown:
		return e.Merge(ctx, step.Collection, Down, step.PreservedFields)
	case PolicyMergeUp:
		return e.Merge(ctx, step.Collection, Up, nil)
	case PolicyMaterialize:
		return e.Materialize(ctx, step, step.Force)
	default:
		return Tally{}, fmt.Errorf("unknown policy %q for %s", step.Policy, step.Collection)
	}
}

// Mirror replaces the local collection with the authoritative one. The
// authoritative collection is read completely before the local one is
// touched, so a failed read leaves the local copy as it was.
func (e *Engine) Mirror(ctx context.Context, collection string) (Tally, error) {
	if e.stores.Authoritative == nil || e.stores.Local == nil {
		return Tally{}, fmt.Errorf("%w: mirror %s", ErrConnection, collection)
	}
	docs, err := storage.Collect(e.stores.Authoritative.ListAll(ctx, collection))
	if err != nil {
		return Tally{}, fmt.Errorf("%w: %s: %w", ErrDocumentRead, collection, err)
	}
	tally := Tally{Documents: len(docs)}
	if err := e.stores.Local.ReplaceCollection(ctx, collection, docs); err != nil {
		tally.Failed = len(docs)
		return tally, fmt.Errorf("%w: %s: %w", ErrReplaceCollection, collection, err)
	}
	tally.Succeeded = len(docs)
	return tally, nil
}

// Merge upserts every source document into the target by identifier. Fields
// named in preserved keep the value already present on the target document.
// Each document is reconciled on its own; a failed upsert is counted and the
// pass continues.
func (e *Engine) Merge(ctx context.Context, collection string, direction Direction, preserved []string) (Tally, error) {
	source, target := e.stores.route(direction)
	if source == nil || target == nil {
		return Tally{}, fmt.Errorf("%w: merge %s %s", ErrConnection, direction, collection)
	}
	logger := e.logger.With().Str("collection", collection).Str("direction", direction.String()).Logger()
	tally, err := e.forEach(ctx, source.ListAll(ctx, collection), storage.Document.Key, func(ctx context.Context, doc storage.Document) outcome {
		if doc.Key() == "" {
			logger.Warn().Msg("document without identifier")
			return outcomeFailed
		}
		if err := mergeOne(ctx, target, collection, doc, preserved); err != nil {
			logger.Warn().Err(err).Str("id", doc.Key()).Msg("merge_document_failed")
			return outcomeFailed
		}
		return outcomeSucceeded
	})
	if err != nil {
		return tally, fmt.Errorf("%w: %s: %w", ErrDocumentRead, collection, err)
	}
	return tally, nil
}

func mergeOne(ctx context.Context, target storage.Store, collection string, doc storage.Document, preserved []string) error {
	incoming := doc.Clone()
	if len(preserved) > 0 {
		existing, err := target.FindByID(ctx, collection, doc.ID())
		switch {
		case err == nil:
			for _, field := range preserved {
				if value, ok := existing[field]; ok && present(value) {
					incoming[field] = value
				}
			}
		case errors.Is(err, storage.ErrNotFound):
		default:
			return fmt.Errorf("read target: %w", err)
		}
	}
	return target.UpsertByID(ctx, collection, doc.ID(), incoming)
}

// Materialize fetches the asset of every document of step.Collection that has
// no resolved path yet and records the path on the document. With force set
// the resolved path is ignored and every asset is fetched again. A failed
// fetch leaves its document unresolved for the next pass.
func (e *Engine) Materialize(ctx context.Context, step Step, force bool) (Tally, error) {
	local := e.stores.Local
	if local == nil {
		return Tally{}, fmt.Errorf("%w: materialize %s", ErrConnection, step.Collection)
	}
	if e.fetcher == nil {
		return Tally{}, errors.New("no asset fetcher configured")
	}

	// Candidates are collected up front since the pass writes to the
	// collection it enumerates.
	var skipped Tally
	candidates := make([]storage.Document, 0)
	names := make(map[string]string)
	for doc, err := range local.ListAll(ctx, step.Collection) {
		if err != nil {
			return skipped, fmt.Errorf("%w: %s: %w", ErrDocumentRead, step.Collection, err)
		}
		if (!force && present(doc[step.ResolvedField])) || doc.String(step.AssetField) == "" || doc.Key() == "" {
			skipped.Documents++
			skipped.Skipped++
			continue
		}
		name, err := assets.DestinationName(doc.String(step.AssetField))
		if err != nil {
			name = ""
		}
		names[doc.Key()] = name
		candidates = append(candidates, doc)
	}

	logger := e.logger.With().Str("collection", step.Collection).Logger()
	destination := func(doc storage.Document) string { return names[doc.Key()] }
	tally, err := e.forEach(ctx, documents(candidates), destination, func(ctx context.Context, doc storage.Document) outcome {
		sourceURL := doc.String(step.AssetField)
		name := destination(doc)
		if name == "" {
			logger.Warn().Str("id", doc.Key()).Str("url", sourceURL).Msg("asset url has no file name")
			return outcomeFailed
		}
		resolved, err := e.fetcher.Fetch(ctx, sourceURL, name)
		if err != nil {
			logger.Warn().Err(fmt.Errorf("%w: %w", ErrAssetFetch, err)).Str("id", doc.Key()).Str("url", sourceURL).Msg("asset_fetch_failed")
			return outcomeFailed
		}
		if err := recordResolvedPath(ctx, local, step, doc, resolved); err != nil {
			logger.Warn().Err(err).Str("id", doc.Key()).Msg("record_asset_path_failed")
			return outcomeFailed
		}
		return outcomeSucceeded
	})
	tally.add(skipped)
	return tally, err
}

func documents(docs []storage.Document) iter.Seq2[storage.Document, error] {
	return func(yield func(storage.Document, error) bool) {
		for _, doc := range docs {
			if !yield(doc, nil) {
				return
			}
		}
	}
}

func recordResolvedPath(ctx context.Context, local storage.Store, step Step, doc storage.Document, resolved string) error {
	current, err := local.FindByID(ctx, step.Collection, doc.ID())
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		current = doc.Clone()
	default:
		return fmt.Errorf("read %s: %w", doc.Key(), err)
	}
	current[step.ResolvedField] = resolved
	return local.UpsertByID(ctx, step.Collection, doc.ID(), current)
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeFailed
)

// forEach hands every document of seq to fn on a bounded set of workers.
// Documents with the same shard key go to the same worker in enumeration
// order, so writes to one identifier never overlap. An enumeration error
// stops dispatch; documents already handed out still complete.
func (e *Engine) forEach(
	ctx context.Context,
	seq iter.Seq2[storage.Document, error],
	shardKey func(storage.Document) string,
	fn func(context.Context, storage.Document) outcome,
) (Tally, error) {
	var (
		mu    sync.Mutex
		tally Tally
		wg    sync.WaitGroup
	)
	queues := make([]chan storage.Document, e.workers)
	for i := range queues {
		queues[i] = make(chan storage.Document, 16)
		wg.Add(1)
		go func(queue <-chan storage.Document) {
			defer wg.Done()
			for doc := range queue {
				result := fn(ctx, doc)
				mu.Lock()
				tally.Documents++
				switch result {
				case outcomeSucceeded:
					tally.Succeeded++
				case outcomeFailed:
					tally.Failed++
				}
				mu.Unlock()
			}
		}(queues[i])
	}

	var readErr error
	for doc, err := range seq {
		if err != nil {
			readErr = err
			break
		}
		queues[shard(shardKey(doc), len(queues))] <- doc
	}
	for _, queue := range queues {
		close(queue)
	}
	wg.Wait()
	return tally, readErr
}

func shard(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func present(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case string:
		return v != ""
	default:
		return true
	}
}
