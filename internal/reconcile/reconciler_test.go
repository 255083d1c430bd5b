package reconcile

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coursesync/server/internal/assets"
	"coursesync/server/internal/storage"
)

func TestDefaultCatalogOrder(t *testing.T) {
	names := make([]string, 0)
	for _, step := range DefaultCatalog() {
		names = append(names, step.Name())
	}
	assert.Equal(t, []string{
		"merge-down:chapters",
		"materialize:chapters",
		"mirror:subjects",
		"mirror:questions",
		"mirror:syllabuses",
		"mirror:tests",
		"mirror:media",
		"merge-up:schools",
		"merge-up:instructors",
		"merge-up:users",
		"merge-up:students",
		"merge-up:studenttests",
		"merge-up:subject-times",
		"merge-up:chapter-times",
	}, names)
	assert.Equal(t, []string{ResolvedAssetPathField}, DefaultCatalog()[0].PreservedFields)
}

func TestChaptersEndToEnd(t *testing.T) {
	var hits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, "%PDF "+r.URL.Path)
	}))
	defer origin.Close()

	authoritative := storage.NewMemoryStore()
	local := storage.NewMemoryStore()
	seed(t, authoritative, "chapters",
		chapter("A", origin.URL+"/books/a.pdf"),
		chapter("B", origin.URL+"/books/b.pdf"),
	)
	fs := memfs.New()
	reconciler := NewReconciler(Config{
		Authoritative: storage.Static(authoritative),
		Local:         storage.Static(local),
		Fetcher:       assets.NewFetcher(fs, origin.Client(), zerolog.Nop()),
		Catalog: []Step{
			{Policy: PolicyMergeDown, Collection: ChaptersCollection, PreservedFields: []string{ResolvedAssetPathField}},
			MaterializeChapters(),
		},
		Workers: 2,
		Logger:  zerolog.Nop(),
	})

	reports := reconciler.Run(context.Background(), "run-1", nil)
	require.Len(t, reports, 2)
	for _, report := range reports {
		assert.Equal(t, StepSucceeded, report.Status, report.Name)
	}

	docs := all(t, local, "chapters")
	require.Len(t, docs, 2)
	for _, doc := range docs {
		assert.NotEmpty(t, doc[ResolvedAssetPathField], doc.Key())
	}
	for _, name := range []string{"a.pdf", "b.pdf"} {
		body, err := util.ReadFile(fs, name)
		require.NoError(t, err)
		assert.Equal(t, "%PDF /books/"+name, string(body))
	}
	assert.Equal(t, int32(2), hits.Load())

	reports = reconciler.Run(context.Background(), "run-2", nil)
	assert.Equal(t, int32(2), hits.Load(), "second pass performs no fetches")
	assert.Equal(t, 2, reports[1].Skipped)
	assert.Equal(t, fs.Join(fs.Root(), "a.pdf"), find(t, local, "chapters", "A")[ResolvedAssetPathField])
}

func TestRunContinuesAfterStepFailure(t *testing.T) {
	authoritative := storage.NewMemoryStore()
	local := storage.NewMemoryStore()
	seed(t, authoritative, "subjects", storage.Document{storage.IDField: "s-1"})
	seed(t, authoritative, "media", storage.Document{storage.IDField: "m-1"})
	seed(t, local, "users", storage.Document{storage.IDField: "u-1"})
	faulty := &faultyStore{Store: authoritative, listFails: map[string]bool{"subjects": true}}

	var observed []string
	reconciler := NewReconciler(Config{
		Authoritative: storage.Static(faulty),
		Local:         storage.Static(local),
		Fetcher:       newStubFetcher(),
		Logger:        zerolog.Nop(),
	})
	reports := reconciler.Run(context.Background(), "run-1", func(step StepReport) {
		observed = append(observed, step.Name)
	})

	require.Len(t, reports, len(DefaultCatalog()))
	assert.Len(t, observed, len(reports))
	byName := make(map[string]StepReport)
	for _, report := range reports {
		byName[report.Name] = report
	}
	assert.Equal(t, StepFailed, byName["mirror:subjects"].Status)
	assert.Contains(t, byName["mirror:subjects"].Error, ErrDocumentRead.Error())
	assert.Equal(t, StepSucceeded, byName["mirror:media"].Status)
	assert.Equal(t, StepSucceeded, byName["merge-up:users"].Status)
	assert.Len(t, all(t, local, "media"), 1)
	assert.Len(t, all(t, authoritative, "users"), 1)
}

func TestRunWithUnreachableAuthoritativeStore(t *testing.T) {
	local := storage.NewMemoryStore()
	seed(t, local, "chapters", chapter("a", "https://cdn.example.com/a.pdf"))
	fetcher := newStubFetcher()

	var closed atomic.Bool
	reconciler := NewReconciler(Config{
		Authoritative: func(ctx context.Context) (storage.Store, error) {
			return nil, errors.New("dial tcp: connection refused")
		},
		Local: func(ctx context.Context) (storage.Store, error) {
			return &closeTracker{Store: local, closed: &closed}, nil
		},
		Fetcher: fetcher,
		Logger:  zerolog.Nop(),
	})
	reports := reconciler.Run(context.Background(), "run-1", nil)

	require.Len(t, reports, len(DefaultCatalog()))
	for _, report := range reports {
		if report.Policy == PolicyMaterialize {
			assert.Equal(t, StepSucceeded, report.Status)
			continue
		}
		assert.Equal(t, StepFailed, report.Status, report.Name)
		assert.Contains(t, report.Error, ErrConnection.Error())
	}
	assert.Equal(t, 1, fetcher.total())
	assert.True(t, closed.Load(), "local store is released when the run ends")
}

func TestDownloadAllRefetchesEveryChapter(t *testing.T) {
	local := storage.NewMemoryStore()
	resolved := chapter("a", "https://cdn.example.com/a.pdf")
	resolved[ResolvedAssetPathField] = "/books/a.pdf"
	seed(t, local, "chapters", resolved, chapter("b", "https://cdn.example.com/b.pdf"))
	fetcher := newStubFetcher()

	reconciler := NewReconciler(Config{
		Authoritative: func(ctx context.Context) (storage.Store, error) {
			t.Fatal("download does not touch the authoritative store")
			return nil, nil
		},
		Local:   storage.Static(local),
		Fetcher: fetcher,
		Logger:  zerolog.Nop(),
	})
	reports := reconciler.DownloadAll(context.Background(), "run-1", nil)

	require.Len(t, reports, 1)
	assert.Equal(t, StepSucceeded, reports[0].Status)
	assert.Equal(t, 2, reports[0].Succeeded)
	assert.Equal(t, 2, fetcher.total())
}

type closeTracker struct {
	storage.Store
	closed *atomic.Bool
}

func (c *closeTracker) Close() error {
	c.closed.Store(true)
	return nil
}
