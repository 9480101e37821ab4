// Package execution holds the RollupExecution, Job, and DeadLetterEntry
// types driven by the Execution Orchestrator (§3, §4.G).
package execution

// Status is the lifecycle state of a RollupExecution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Phase is one step of the fixed fetch→match→merge→store→callback pipeline.
type Phase string

const (
	PhaseFetch    Phase = "fetch"
	PhaseMatch    Phase = "match"
	PhaseMerge    Phase = "merge"
	PhaseStore    Phase = "store"
	PhaseCallback Phase = "callback"
)

// PhaseOrder lists phases in execution order; used to resume at the
// earliest phase whose outputs are not fully persisted (§4.G).
var PhaseOrder = []Phase{PhaseFetch, PhaseMatch, PhaseMerge, PhaseStore, PhaseCallback}

func (p Phase) Index() int {
	for i, ph := range PhaseOrder {
		if ph == p {
			return i
		}
	}
	return -1
}

// Progress tracks coarse-grained work counters surfaced on the execution
// record and in progress events.
type Progress struct {
	ScansProcessed int `json:"scansProcessed"`
	TotalScans     int `json:"totalScans"`
	NodesProcessed int `json:"nodesProcessed"`
	MatchesFound   int `json:"matchesFound"`
}

// Checkpoint is saved after every phase completes (§4.G).
type Checkpoint struct {
	Timestamp int64    `json:"timestamp"`
	Progress  Progress `json:"progress"`
	Phase     Phase    `json:"phase"`
}

// PartialResults is stored when a phase fails after producing usable
// output, so a retry can resume from the next phase (§4.G).
type PartialResults struct {
	NodesProcessed int                `json:"nodesProcessed"`
	MatchesFound   int                `json:"matchesFound"`
	MergedNodeIDs  []string           `json:"mergedNodeIds,omitempty"`
	Phase          Phase              `json:"phase"`
}

// ErrorDetails records the terminal failure of an execution.
type ErrorDetails struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Phase   Phase  `json:"phase,omitempty"`
}

// RollupExecution is one invocation of a RollupConfig's pipeline (§3).
type RollupExecution struct {
	ID             string          `json:"id"`
	RollupID       string          `json:"rollupId"`
	Tenant         string          `json:"tenant"`
	Status         Status          `json:"status"`
	ScanIDs        []string        `json:"scanIds"`
	CreatedAt      int64           `json:"createdAt"`
	StartedAt      *int64          `json:"startedAt,omitempty"`
	CompletedAt    *int64          `json:"completedAt,omitempty"`
	Phase          *Phase          `json:"phase,omitempty"`
	Progress       Progress        `json:"progress"`
	Checkpoint     *Checkpoint     `json:"checkpoint,omitempty"`
	ErrorDetails   *ErrorDetails   `json:"errorDetails,omitempty"`
	PartialResults *PartialResults `json:"partialResults,omitempty"`
	TimeoutMs      int64           `json:"timeoutMs"`
	cancelled      bool
}

// RequestCancel flips the cooperative cancellation flag checked at phase
// boundaries and chunk boundaries (§5).
func (e *RollupExecution) RequestCancel() { e.cancelled = true }

func (e *RollupExecution) CancelRequested() bool { return e.cancelled }

// JobStatus is the Execution Orchestrator's internal job-queue state (§4.G).
type JobStatus string

const (
	JobWaiting    JobStatus = "waiting"
	JobDelayed    JobStatus = "delayed"
	JobActive     JobStatus = "active"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobDeadLetter JobStatus = "dead-letter"
)

// Job is one unit of work on the orchestrator's queue.
type Job struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Payload     map[string]interface{} `json:"payload"`
	Status      JobStatus              `json:"status"`
	Attempts    int                    `json:"attempts"`
	MaxAttempts int                    `json:"maxAttempts"`
	Priority    int                    `json:"priority"`
	DelayUntil  *int64                 `json:"delayUntil,omitempty"`
	CreatedAt   int64                  `json:"createdAt"`
	ProcessedAt *int64                 `json:"processedAt,omitempty"`
	CompletedAt *int64                 `json:"completedAt,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Progress    int                    `json:"progress"`
}

// DLQStatus is the lifecycle of a dead-letter entry.
type DLQStatus string

const (
	DLQPending   DLQStatus = "pending"
	DLQRetrying  DLQStatus = "retrying"
	DLQExhausted DLQStatus = "exhausted"
	DLQRecovered DLQStatus = "recovered"
	DLQDiscarded DLQStatus = "discarded"
)

// DeadLetterEntry is a snapshot of an execution that exhausted retries
// (§3, §4.G). It owns its own copy of the failure context; the live
// execution may already be gone.
type DeadLetterEntry struct {
	ID             string          `json:"id"`
	ExecutionID    string          `json:"executionId"`
	RollupID       string          `json:"rollupId"`
	Tenant         string          `json:"tenant"`
	ErrorCode      string          `json:"errorKind"`
	ErrorMessage   string          `json:"errorMessage"`
	AttemptCount   int             `json:"attemptCount"`
	MaxAttempts    int             `json:"maxAttempts"`
	Phase          Phase           `json:"phase"`
	PartialResults *PartialResults `json:"partialResults,omitempty"`
	NextRetryAt    *int64          `json:"nextRetryAt,omitempty"`
	Status         DLQStatus       `json:"status"`
	CreatedAt      int64           `json:"createdAt"`
}

// CircuitState is one external-service circuit breaker's state (§4.G).
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)
