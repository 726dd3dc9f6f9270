package relay

import (
	"time"

	"github.com/google/uuid"
)

// TransferItem is one candidate moving through a run. Size and Fetched are
// set once after the first successful fetch (or local stat on send) and are
// authoritative for the rest of the run.
type TransferItem struct {
	// ID is stable for the run: the remote origin path on receive, the local
	// path on send.
	ID   string
	Name string
	// LocalPath is empty until a collision-free local name is reserved.
	LocalPath string
	// RemotePath is the origin (receive) or destination (send) path.
	RemotePath string
	// RelPath is the path below the local to-send root.
	RelPath    string
	Size       int64
	Fetched    bool
	RemoteSize int64
	Attempts   int
	LastError  string

	FirstAttemptAt time.Time
}

// NewItem starts an item with an unknown remote size.
func NewItem(id, name string) *TransferItem {
	return &TransferItem{ID: id, Name: name, RemoteSize: -1}
}

type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	// OutcomeTransient is an exhausted outcome the Requeue policy will try
	// again in a later pass.
	OutcomeTransient OutcomeKind = "transient"
	OutcomePermanent OutcomeKind = "permanent"
	OutcomeSkipped   OutcomeKind = "skipped"
)

// AttemptOutcome is the result of one Engine.Attempt call.
type AttemptOutcome struct {
	Kind   OutcomeKind
	Err    error
	Detail string
	// Exhausted marks a permanent outcome produced by running out of tries on
	// retryable failures, as opposed to cancellation.
	Exhausted bool
}

type RecordStatus string

const (
	StatusDelivered RecordStatus = "delivered"
	StatusFailed    RecordStatus = "failed"
	StatusSkipped   RecordStatus = "skipped"
)

// BatchRecord is the final word on one item.
type BatchRecord struct {
	Name       string        `json:"name"`
	Status     RecordStatus  `json:"status"`
	Attempts   int           `json:"attempts"`
	Detail     string        `json:"detail"`
	LocalSize  int64         `json:"local_size"`
	RemoteSize int64         `json:"remote_size"`
	LocalPath  string        `json:"local_path,omitempty"`
	RemotePath string        `json:"remote_path,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
}

type Policy string

const (
	PolicyStrict  Policy = "strict"
	PolicyRequeue Policy = "requeue"
)

type RunState string

const (
	StateRunning     RunState = "running"
	StateSucceeded   RunState = "succeeded"
	StateAborted     RunState = "aborted"
	StateDrained     RunState = "drained"
	StateInterrupted RunState = "interrupted"
	StateFailed      RunState = "failed"
)

// RunStatus is the overall verdict used for exit codes.
type RunStatus string

const (
	RunSuccess     RunStatus = "success"
	RunFailure     RunStatus = "failure"
	RunNothingToDo RunStatus = "nothing-to-do"
)

type Counts struct {
	Delivered    int `json:"delivered"`
	Failed       int `json:"failed"`
	Skipped      int `json:"skipped"`
	NotAttempted int `json:"not_attempted"`
}

// RunResult summarizes one batch run.
type RunResult struct {
	ID           string        `json:"id"`
	Direction    string        `json:"direction"`
	Policy       Policy        `json:"policy"`
	State        RunState      `json:"state"`
	Candidates   int           `json:"candidates"`
	Passes       int           `json:"passes"`
	Records      []BatchRecord `json:"records"`
	NotAttempted []string      `json:"not_attempted,omitempty"`
	Error        string        `json:"error,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`

	err error
}

func NewRunResult(direction string, policy Policy) *RunResult {
	return &RunResult{
		ID:        uuid.NewString(),
		Direction: direction,
		Policy:    policy,
		State:     StateRunning,
		StartedAt: time.Now(),
	}
}

// Fail marks the run as ended by a run-fatal error.
func (r *RunResult) Fail(err error) *RunResult {
	r.err = err
	if err != nil {
		r.Error = err.Error()
	}
	r.State = StateFailed
	r.FinishedAt = time.Now()
	return r
}

// Err is the run-fatal error, if any.
func (r *RunResult) Err() error {
	return r.err
}

func (r *RunResult) Counts() Counts {
	c := Counts{NotAttempted: len(r.NotAttempted)}
	for _, rec := range r.Records {
		switch rec.Status {
		case StatusDelivered:
			c.Delivered++
		case StatusFailed:
			c.Failed++
		case StatusSkipped:
			c.Skipped++
		}
	}
	return c
}

// Status distinguishes success, failure and an empty candidate list.
func (r *RunResult) Status() RunStatus {
	if r.err != nil {
		return RunFailure
	}
	if r.Candidates == 0 {
		return RunNothingToDo
	}
	switch r.State {
	case StateAborted, StateInterrupted, StateFailed:
		return RunFailure
	}
	c := r.Counts()
	if c.Failed > 0 || c.NotAttempted > 0 {
		return RunFailure
	}
	return RunSuccess
}

func recordFor(item *TransferItem, out AttemptOutcome, detail string) BatchRecord {
	rec := BatchRecord{
		Name:       item.Name,
		Attempts:   item.Attempts,
		Detail:     detail,
		LocalSize:  item.Size,
		RemoteSize: item.RemoteSize,
		LocalPath:  item.LocalPath,
		RemotePath: item.RemotePath,
	}
	switch out.Kind {
	case OutcomeSuccess:
		rec.Status = StatusDelivered
	case OutcomeSkipped:
		rec.Status = StatusSkipped
	default:
		rec.Status = StatusFailed
	}
	if !item.FirstAttemptAt.IsZero() {
		rec.Duration = time.Since(item.FirstAttemptAt)
	}
	return rec
}
