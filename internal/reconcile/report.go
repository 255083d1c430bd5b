package reconcile

import (
	"errors"
	"slices"
	"time"
)

var (
	// ErrConnection means a store could not be reached. It fails the step.
	ErrConnection = errors.New("store unreachable")
	// ErrDocumentRead means enumerating a collection failed part way. It fails
	// the step.
	ErrDocumentRead = errors.New("document read failed")
	// ErrAssetFetch marks a single failed asset. It only fails its document.
	ErrAssetFetch = errors.New("asset fetch failed")
	// ErrReplaceCollection means a mirror could not install the new contents.
	// The local collection keeps its previous contents.
	ErrReplaceCollection = errors.New("replace collection failed")
	// ErrRunInProgress rejects a run while another one is in flight.
	ErrRunInProgress = errors.New("a run is already in progress")
)

type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepPartial   StepStatus = "partial"
	StepFailed    StepStatus = "failed"
)

// Tally counts documents handled by one step.
type Tally struct {
	Documents int `json:"documents" yaml:"documents"`
	Succeeded int `json:"succeeded" yaml:"succeeded"`
	Failed    int `json:"failed" yaml:"failed"`
	Skipped   int `json:"skipped" yaml:"skipped"`
}

func (t *Tally) add(other Tally) {
	t.Documents += other.Documents
	t.Succeeded += other.Succeeded
	t.Failed += other.Failed
	t.Skipped += other.Skipped
}

type StepReport struct {
	Name       string     `json:"name" yaml:"name"`
	Collection string     `json:"collection" yaml:"collection"`
	Policy     Policy     `json:"policy" yaml:"policy"`
	Status     StepStatus `json:"status" yaml:"status"`
	Error      string     `json:"error,omitempty" yaml:"error,omitempty"`
	Tally      `yaml:",inline"`
	StartedAt  time.Time `json:"startedAt" yaml:"startedAt"`
	DurationMs int64     `json:"durationMs" yaml:"durationMs"`
}

type Kind string

const (
	// KindSync runs the whole catalog.
	KindSync Kind = "sync"
	// KindDownload re-fetches every chapter asset regardless of its resolved path.
	KindDownload Kind = "download"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
)

// Outcome summarizes the step statuses of a completed run.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomePartial   Outcome = "partial"
	OutcomeFailed    Outcome = "failed"
)

// RunReport is the observable result of one run.
type RunReport struct {
	ID             string       `json:"id" yaml:"id"`
	Kind           Kind         `json:"kind" yaml:"kind"`
	TriggeredBy    string       `json:"triggeredBy,omitempty" yaml:"triggeredBy,omitempty"`
	Status         RunStatus    `json:"status" yaml:"status"`
	Outcome        Outcome      `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	StartedAt      time.Time    `json:"startedAt" yaml:"startedAt"`
	FinishedAt     *time.Time   `json:"finishedAt,omitempty" yaml:"finishedAt,omitempty"`
	StepsSucceeded int          `json:"stepsSucceeded" yaml:"stepsSucceeded"`
	StepsPartial   int          `json:"stepsPartial" yaml:"stepsPartial"`
	StepsFailed    int          `json:"stepsFailed" yaml:"stepsFailed"`
	Documents      Tally        `json:"documents" yaml:"documents"`
	Steps          []StepReport `json:"steps" yaml:"steps"`
}

func (r RunReport) clone() RunReport {
	r.Steps = slices.Clone(r.Steps)
	if r.FinishedAt != nil {
		finished := *r.FinishedAt
		r.FinishedAt = &finished
	}
	return r
}

func (r *RunReport) summarize() {
	r.StepsSucceeded, r.StepsPartial, r.StepsFailed = 0, 0, 0
	r.Documents = Tally{}
	for _, step := range r.Steps {
		switch step.Status {
		case StepSucceeded:
			r.StepsSucceeded++
		case StepPartial:
			r.StepsPartial++
		case StepFailed:
			r.StepsFailed++
		}
		r.Documents.add(step.Tally)
	}
	switch {
	case r.StepsPartial == 0 && r.StepsFailed == 0:
		r.Outcome = OutcomeSucceeded
	case r.StepsSucceeded == 0 && r.StepsPartial == 0:
		r.Outcome = OutcomeFailed
	default:
		r.Outcome = OutcomePartial
	}
}
