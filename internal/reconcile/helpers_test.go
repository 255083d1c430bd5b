package reconcile

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"coursesync/server/internal/storage"
)

type stubFetcher struct {
	mu      sync.Mutex
	calls   map[string]int
	failFor map[string]bool
	block   chan struct{}
}

func newStubFetcher(failing ...string) *stubFetcher {
	f := &stubFetcher{calls: make(map[string]int), failFor: make(map[string]bool)}
	for _, url := range failing {
		f.failFor[url] = true
	}
	return f
}

func (f *stubFetcher) Fetch(ctx context.Context, sourceURL string, destinationName string) (string, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[sourceURL]++
	if f.failFor[sourceURL] {
		return "", fmt.Errorf("stub: %s unavailable", sourceURL)
	}
	return path.Join("/books", destinationName), nil
}

func (f *stubFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func (f *stubFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

// faultyStore fails selected operations of the wrapped store.
type faultyStore struct {
	storage.Store
	listFails    map[string]bool
	listAfter    int
	replaceFails map[string]bool
	upsertFails  map[string]bool
}

var errInjected = errors.New("injected failure")

func (s *faultyStore) ListAll(ctx context.Context, collection string) iter.Seq2[storage.Document, error] {
	if !s.listFails[collection] {
		return s.Store.ListAll(ctx, collection)
	}
	return func(yield func(storage.Document, error) bool) {
		seen := 0
		for doc, err := range s.Store.ListAll(ctx, collection) {
			if err != nil || seen >= s.listAfter {
				yield(nil, errInjected)
				return
			}
			seen++
			if !yield(doc, nil) {
				return
			}
		}
		yield(nil, errInjected)
	}
}

func (s *faultyStore) ReplaceCollection(ctx context.Context, collection string, docs []storage.Document) error {
	if s.replaceFails[collection] {
		return errInjected
	}
	return s.Store.ReplaceCollection(ctx, collection, docs)
}

func (s *faultyStore) UpsertByID(ctx context.Context, collection string, id any, doc storage.Document) error {
	if s.upsertFails[storage.IDKey(id)] {
		return errInjected
	}
	return s.Store.UpsertByID(ctx, collection, id, doc)
}

func seed(t *testing.T, store storage.Store, collection string, docs ...storage.Document) {
	t.Helper()
	for _, doc := range docs {
		require.NoError(t, store.UpsertByID(context.Background(), collection, doc.ID(), doc))
	}
}

func all(t *testing.T, store storage.Store, collection string) []storage.Document {
	t.Helper()
	docs, err := storage.Collect(store.ListAll(context.Background(), collection))
	require.NoError(t, err)
	return docs
}

func find(t *testing.T, store storage.Store, collection string, id string) storage.Document {
	t.Helper()
	doc, err := store.FindByID(context.Background(), collection, id)
	require.NoError(t, err)
	return doc
}

func chapter(id string, url string) storage.Document {
	return storage.Document{storage.IDField: id, "title": "Chapter " + id, AssetURLField: url}
}

func newTestEngine(authoritative, local storage.Store, fetcher AssetFetcher) *Engine {
	return NewEngine(Stores{Authoritative: authoritative, Local: local}, fetcher, 4, zerolog.Nop())
}
