package sync

import (
	"errors"
	"time"
)

var (
	// ErrWorkerPanic marks a failure Outcome produced by a panicking worker.
	ErrWorkerPanic = errors.New("sync worker panicked")
	// ErrPaginationStalled is returned, when WithMaxEmptyPages is set, once the
	// remote keeps asserting more pages while returning none.
	ErrPaginationStalled = errors.New("pagination stalled on empty pages")
	// ErrSchedulerPanic wraps a panic that escaped the dispatcher.
	ErrSchedulerPanic = errors.New("scheduler panicked")
)

// Status is the result class of one mailbox sync.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Outcome is what a worker reports back for one mailbox.
type Outcome struct {
	Address        string        `json:"address"`
	Status         Status        `json:"status"`
	ItemsProcessed int           `json:"items_processed"`
	Expected       int           `json:"expected"`
	Duration       time.Duration `json:"duration"`
	Error          string        `json:"error,omitempty"`
	Err            error         `json:"-"`
}

func (o Outcome) OK() bool {
	return o.Status == StatusSuccess
}

// CycleReport summarizes one dispatched cycle.
type CycleReport struct {
	ID                 string    `json:"id"`
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at"`
	Outcomes           []Outcome `json:"outcomes"`
	Failures           int       `json:"failures"`
	FirstRun           bool      `json:"first_run"`
	CheckpointAdvanced bool      `json:"checkpoint_advanced"`
	FirstRunCleared    bool      `json:"first_run_cleared"`
	Checkpoint         time.Time `json:"checkpoint"`
}

// ItemsProcessed sums the items of all outcomes.
func (r CycleReport) ItemsProcessed() int {
	n := 0
	for _, o := range r.Outcomes {
		n += o.ItemsProcessed
	}
	return n
}
