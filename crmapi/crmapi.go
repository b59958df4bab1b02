// Package crmapi declares the contracts the injection core consumes from
// the target CRM system. Implementations (HTTP clients, OAuth, retries)
// live outside the core.
package crmapi

import (
	"context"
	"fmt"

	"github.com/demoforge/demoforge/record"
)

// Operations accepted by both transport paths.
const (
	OperationInsert = "insert"
	OperationDelete = "delete"
)

// MaxRowsPerCall is the target system's hard cap on records per
// row-oriented create/delete call.
const MaxRowsPerCall = 200

// Error categories, mirroring how the target system classifies failures.
const (
	CategoryRefreshToken = "RefreshToken"
	CategoryRateLimit    = "RateLimit"
	CategoryBadRequest   = "BadRequest"
	CategoryServerError  = "ServerError"
	CategoryUnknown      = "Unknown"
)

// APIError is a transport-level failure. It fails every record staged for
// the call that produced it.
type APIError struct {
	StatusCode int
	Message    string
	Category   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Category, e.StatusCode, e.Message)
}

// CategorizeStatus maps an HTTP status to an error category.
func CategorizeStatus(statusCode int) string {
	switch statusCode {
	case 401:
		return CategoryRefreshToken
	case 429:
		return CategoryRateLimit
	case 400:
		return CategoryBadRequest
	case 500, 502, 503, 504:
		return CategoryServerError
	default:
		return CategoryUnknown
	}
}

// RowResult is the per-record outcome of a row-oriented call, in input
// order.
type RowResult struct {
	Success bool     `json:"success"`
	ID      string   `json:"id"`
	Errors  []string `json:"errors,omitempty"`
}

// RowClient is the synchronous row-oriented path. Both calls accept at most
// MaxRowsPerCall entries and return one result per input, order preserved.
type RowClient interface {
	CreateBatch(ctx context.Context, objectType string, records []record.AttributeMap) ([]RowResult, error)
	DeleteBatch(ctx context.Context, objectType string, ids []string) ([]RowResult, error)
}

// Bulk-ingest job states.
const (
	JobStateOpen           = "Open"
	JobStateUploadComplete = "UploadComplete"
	JobStateInProgress     = "InProgress"
	JobStateComplete       = "JobComplete"
	JobStateFailed         = "Failed"
	JobStateAborted        = "Aborted"
)

// BulkJobStatus is the state of an asynchronous ingest job.
type BulkJobStatus struct {
	ID                     string `json:"id"`
	State                  string `json:"state"`
	NumberRecordsProcessed int    `json:"numberRecordsProcessed"`
	NumberRecordsFailed    int    `json:"numberRecordsFailed"`
	ErrorMessage           string `json:"errorMessage,omitempty"`
}

// Terminal reports whether the job has reached a final state.
func (s *BulkJobStatus) Terminal() bool {
	switch s.State {
	case JobStateComplete, JobStateFailed, JobStateAborted:
		return true
	}
	return false
}

// BulkRowResult ties a job result row back to its position in the uploaded
// payload.
type BulkRowResult struct {
	RowIndex int    `json:"rowIndex"`
	ID       string `json:"id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// BulkJobResults are the success/failure result sets of a finished job.
type BulkJobResults struct {
	Succeeded []BulkRowResult `json:"succeeded"`
	Failed    []BulkRowResult `json:"failed"`
}

// BulkClient is the asynchronous bulk-ingest path: create a job, upload the
// payload, close it, poll, fetch results. DeleteJob discards a job whose
// upload failed.
type BulkClient interface {
	CreateJob(ctx context.Context, objectType, operation string) (string, error)
	UploadJobData(ctx context.Context, jobID string, payload []record.AttributeMap) error
	CloseJob(ctx context.Context, jobID string) error
	GetJobStatus(ctx context.Context, jobID string) (*BulkJobStatus, error)
	GetJobResults(ctx context.Context, jobID string) (*BulkJobResults, error)
	DeleteJob(ctx context.Context, jobID string) error
}

// Querier runs SOQL-like queries, used for marker-based discovery and
// existence verification. Rows come back as raw JSON documents.
type Querier interface {
	Query(ctx context.Context, query string) ([][]byte, error)
}
