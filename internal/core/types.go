package core

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// OperationType distinguishes import runs from export runs.
type OperationType string

const (
	OperationImport OperationType = "IMPORT"
	OperationExport OperationType = "EXPORT"
)

// Status is the lifecycle state of an operation.
//
//	PENDING -> PROCESSING -> COMPLETED | FAILED | CANCELLED
//
// PENDING may also go straight to FAILED or CANCELLED when a job is
// rejected or cancelled before it starts.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether s -> to is a legal one-way transition.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed || to == StatusCancelled
	case StatusProcessing:
		return to.Terminal()
	default:
		return false
	}
}

// Sources returns the statuses from which to is reachable in one step.
func (to Status) Sources() []Status {
	var out []Status
	for _, from := range []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled} {
		if from.CanTransition(to) {
			out = append(out, from)
		}
	}
	return out
}

// OperationRecord is the durable state of one import or export run.
type OperationRecord struct {
	ID               string        `json:"id"`
	ClientID         int64         `json:"clientId"`
	FileName         string        `json:"fileName"`
	Type             OperationType `json:"operationType"`
	Status           Status        `json:"status"`
	TotalRecords     int64         `json:"totalRecords"`
	ProcessedRecords int64         `json:"processedRecords"`
	FailedRecords    int64         `json:"failedRecords"`
	PersistedRecords int64         `json:"persistedRecords"`
	ErrorMessage     string        `json:"errorMessage,omitempty"`
	Params           Params        `json:"params,omitempty"`
	ArtifactPath     string        `json:"-"`
	CreatedAt        time.Time     `json:"createdAt"`
	StartedAt        *time.Time    `json:"startedAt,omitempty"`
	CompletedAt      *time.Time    `json:"completedAt,omitempty"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// Elapsed returns the processing time, or the time since start for running operations.
func (r *OperationRecord) Elapsed() time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	if r.CompletedAt != nil {
		return r.CompletedAt.Sub(*r.StartedAt)
	}
	return time.Since(*r.StartedAt)
}

// Counters is the mutable progress portion of an OperationRecord.
type Counters struct {
	Total     int64
	Processed int64
	Failed    int64
	Persisted int64
}

// Outcome is the terminal portion of an OperationRecord.
type Outcome struct {
	Status       Status
	Counters     Counters
	ErrorMessage string
	ArtifactPath string
	CompletedAt  time.Time
}

// OperationStats is one aggregate bucket over a time window.
type OperationStats struct {
	Type   OperationType `json:"operationType"`
	Status Status        `json:"status"`
	Count  int64         `json:"count"`
}

// OperationStore persists operation records. Only the job owning an
// operation id writes to it; readers may be concurrent.
type OperationStore interface {
	CreateOperation(ctx context.Context, op *OperationRecord) error
	GetOperation(ctx context.Context, id string) (*OperationRecord, error)
	StartOperation(ctx context.Context, id string, at time.Time) error
	UpdateCounters(ctx context.Context, id string, c Counters) error
	FinishOperation(ctx context.Context, id string, out Outcome) error
	ListActive(ctx context.Context) ([]OperationRecord, error)
	ListStuck(ctx context.Context, notUpdatedSince time.Time) ([]OperationRecord, error)
	Stats(ctx context.Context, since time.Time) ([]OperationStats, error)
}

// FailedRow records a row rejected during import.
type FailedRow struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// MaxStoredFailures caps the failed rows kept on a result.
const MaxStoredFailures = 100

// Job submission parameter keys.
const (
	ParamStrategyID      = "strategyId"
	ParamBatchSize       = "batchSize"
	ParamEntityType      = "entityType"
	ParamTemplateID      = "templateId"
	ParamDuplicatePolicy = "duplicatePolicy"
	ParamCancelCheck     = "cancelCheck"
	ParamEncoding        = "encoding"
	ParamDelimiter       = "delimiter"
	ParamQuote           = "quote"
	ParamHasHeader       = "hasHeader"

	ParamFormat             = "format"
	ParamProcessingStrategy = "processingStrategy"
	ParamTextField          = "textField"
	ParamTextValue          = "textValue"
	ParamNumericField       = "numericField"
	ParamMinValue           = "minValue"
	ParamMaxValue           = "maxValue"
	ParamDateField          = "dateField"
	ParamFromDate           = "fromDate"
	ParamToDate             = "toDate"
	ParamFields             = "fields"
)

// Params is the string-keyed configuration map submitted with a job.
type Params map[string]string

// Get returns the trimmed value for key or def when absent or blank.
func (p Params) Get(key, def string) string {
	if v := strings.TrimSpace(p[key]); v != "" {
		return v
	}
	return def
}

// Int returns a positive integer parameter or def.
func (p Params) Int(key string, def int) int {
	n, err := strconv.Atoi(p.Get(key, ""))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// Bool returns a boolean parameter and whether it was set.
func (p Params) Bool(key string) (bool, bool) {
	v := ToPgBool(p[key])
	return v.Bool, v.Valid
}
