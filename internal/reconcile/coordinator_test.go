package reconcile

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coursesync/server/internal/storage"
)

func newTestCoordinator(t *testing.T, fetcher AssetFetcher, history int) (*Coordinator, *storage.MemoryStore, *storage.MemoryStore) {
	t.Helper()
	authoritative := storage.NewMemoryStore()
	local := storage.NewMemoryStore()
	reconciler := NewReconciler(Config{
		Authoritative: storage.Static(authoritative),
		Local:         storage.Static(local),
		Fetcher:       fetcher,
		Workers:       2,
		Logger:        zerolog.Nop(),
	})
	return NewCoordinator(reconciler, history, zerolog.Nop()), authoritative, local
}

func TestCoordinatorRejectsOverlappingRuns(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.block = make(chan struct{})
	coordinator, authoritative, _ := newTestCoordinator(t, fetcher, 0)
	seed(t, authoritative, "chapters", chapter("a", "https://cdn.example.com/a.pdf"))

	accepted, err := coordinator.Start(context.Background(), KindSync, "operator")
	require.NoError(t, err)
	assert.NotEmpty(t, accepted.ID)
	assert.Equal(t, RunRunning, accepted.Status)
	assert.Equal(t, accepted.ID, coordinator.Active())

	_, err = coordinator.Start(context.Background(), KindSync, "operator")
	assert.ErrorIs(t, err, ErrRunInProgress)
	_, err = coordinator.Execute(context.Background(), KindDownload, "operator")
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(fetcher.block)
	coordinator.Wait()

	report, ok := coordinator.Get(accepted.ID)
	require.True(t, ok)
	assert.Equal(t, RunCompleted, report.Status)
	assert.Equal(t, OutcomeSucceeded, report.Outcome)
	assert.Equal(t, "operator", report.TriggeredBy)
	assert.Len(t, report.Steps, len(DefaultCatalog()))
	assert.Equal(t, len(DefaultCatalog()), report.StepsSucceeded)
	assert.NotNil(t, report.FinishedAt)
	assert.Empty(t, coordinator.Active())

	_, err = coordinator.Start(context.Background(), KindSync, "operator")
	require.NoError(t, err, "a new run is admitted once the previous one finished")
	coordinator.Wait()
}

func TestCoordinatorExecuteReportsPartialOutcome(t *testing.T) {
	fetcher := newStubFetcher("https://cdn.example.com/b.pdf")
	coordinator, _, local := newTestCoordinator(t, fetcher, 0)
	seed(t, local, "chapters",
		chapter("a", "https://cdn.example.com/a.pdf"),
		chapter("b", "https://cdn.example.com/b.pdf"),
	)

	report, err := coordinator.Execute(context.Background(), KindDownload, "")
	require.NoError(t, err)
	assert.Equal(t, KindDownload, report.Kind)
	assert.Equal(t, OutcomePartial, report.Outcome)
	assert.Equal(t, 1, report.StepsPartial)
	assert.Equal(t, Tally{Documents: 2, Succeeded: 1, Failed: 1}, report.Documents)
}

func TestCoordinatorKeepsBoundedHistory(t *testing.T) {
	coordinator, _, _ := newTestCoordinator(t, newStubFetcher(), 2)

	ids := make([]string, 0)
	for range 3 {
		report, err := coordinator.Execute(context.Background(), KindDownload, "")
		require.NoError(t, err)
		ids = append(ids, report.ID)
	}

	_, ok := coordinator.Get(ids[0])
	assert.False(t, ok, "oldest report is dropped")
	listed := coordinator.List()
	require.Len(t, listed, 2)
	assert.Equal(t, ids[2], listed[0].ID)
	assert.Equal(t, ids[1], listed[1].ID)
}

func TestReportCopiesAreIndependent(t *testing.T) {
	coordinator, _, _ := newTestCoordinator(t, newStubFetcher(), 0)
	report, err := coordinator.Execute(context.Background(), KindDownload, "")
	require.NoError(t, err)

	report.Steps[0].Status = StepFailed
	stored, ok := coordinator.Get(report.ID)
	require.True(t, ok)
	assert.Equal(t, StepSucceeded, stored.Steps[0].Status)
}
