package reconcile

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"coursesync/server/internal/observability"
)

// DefaultHistory is the number of run reports kept for status queries.
const DefaultHistory = 50

// Coordinator admits at most one run at a time and keeps the reports of
// recent runs.
type Coordinator struct {
	reconciler *Reconciler
	logger     zerolog.Logger
	history    int

	mu     sync.Mutex
	active string
	runs   map[string]*RunReport
	order  []string

	wg sync.WaitGroup
}

func NewCoordinator(reconciler *Reconciler, history int, logger zerolog.Logger) *Coordinator {
	if history < 1 {
		history = DefaultHistory
	}
	return &Coordinator{
		reconciler: reconciler,
		logger:     logger,
		history:    history,
		runs:       make(map[string]*RunReport),
	}
}

// Start admits a run and executes it in the background. The returned report
// is the accepted, still running state. Cancelling ctx does not stop the run.
func (c *Coordinator) Start(ctx context.Context, kind Kind, triggeredBy string) (RunReport, error) {
	accepted, err := c.begin(kind, triggeredBy)
	if err != nil {
		return RunReport{}, err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.execute(context.WithoutCancel(ctx), accepted)
	}()
	return accepted, nil
}

// Execute admits a run and blocks until every step was attempted.
func (c *Coordinator) Execute(ctx context.Context, kind Kind, triggeredBy string) (RunReport, error) {
	accepted, err := c.begin(kind, triggeredBy)
	if err != nil {
		return RunReport{}, err
	}
	return c.execute(context.WithoutCancel(ctx), accepted), nil
}

// Get returns a copy of the report of run id.
func (c *Coordinator) Get(id string) (RunReport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	report, ok := c.runs[id]
	if !ok {
		return RunReport{}, false
	}
	return report.clone(), true
}

// List returns the kept reports, newest first.
func (c *Coordinator) List() []RunReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	reports := make([]RunReport, 0, len(c.order))
	for _, id := range slices.Backward(c.order) {
		reports = append(reports, c.runs[id].clone())
	}
	return reports
}

// Active returns the id of the run in flight, or "".
func (c *Coordinator) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Wait blocks until background runs have finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) begin(kind Kind, triggeredBy string) (RunReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != "" {
		return RunReport{}, ErrRunInProgress
	}
	report := &RunReport{
		ID:          uuid.NewString(),
		Kind:        kind,
		TriggeredBy: triggeredBy,
		Status:      RunRunning,
		StartedAt:   time.Now().UTC(),
		Steps:       make([]StepReport, 0),
	}
	c.active = report.ID
	c.runs[report.ID] = report
	c.order = append(c.order, report.ID)
	for len(c.order) > c.history {
		delete(c.runs, c.order[0])
		c.order = c.order[1:]
	}
	c.logger.Info().
		Str("run_id", report.ID).
		Str("kind", string(kind)).
		Str("triggered_by", triggeredBy).
		Msg("run_started")
	return report.clone(), nil
}

func (c *Coordinator) execute(ctx context.Context, accepted RunReport) RunReport {
	onStep := func(step StepReport) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if report, ok := c.runs[accepted.ID]; ok {
			report.Steps = append(report.Steps, step)
		}
	}
	var steps []StepReport
	switch accepted.Kind {
	case KindDownload:
		steps = c.reconciler.DownloadAll(ctx, accepted.ID, onStep)
	default:
		steps = c.reconciler.Run(ctx, accepted.ID, onStep)
	}

	c.mu.Lock()
	report, ok := c.runs[accepted.ID]
	if !ok {
		report = &accepted
	}
	finished := time.Now().UTC()
	report.Steps = steps
	report.FinishedAt = &finished
	report.Status = RunCompleted
	report.summarize()
	c.active = ""
	result := report.clone()
	c.mu.Unlock()

	observability.RecordRun(string(result.Kind), string(result.Outcome))
	c.logger.Info().
		Str("run_id", result.ID).
		Str("kind", string(result.Kind)).
		Str("outcome", string(result.Outcome)).
		Int("steps_succeeded", result.StepsSucceeded).
		Int("steps_partial", result.StepsPartial).
		Int("steps_failed", result.StepsFailed).
		Int("documents_failed", result.Documents.Failed).
		Dur("duration", finished.Sub(result.StartedAt)).
		Msg("run_finished")
	return result
}
