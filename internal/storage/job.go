package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// JobStatus enumerates possible states for a job.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether a job in this status may never run again.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// JobType enumerates the kinds of photo-processing work the queue handles.
type JobType string

const (
	TypeProductCreation    JobType = "product_creation"
	TypeIngredientParsing  JobType = "ingredient_parsing"
	TypeProductPhotoUpload JobType = "product_photo_upload"
)

// KnownType reports whether t is one of the supported job types.
func KnownType(t JobType) bool {
	switch t {
	case TypeProductCreation, TypeIngredientParsing, TypeProductPhotoUpload:
		return true
	}
	return false
}

// WorkflowType identifies the multi-step user action a job belongs to.
type WorkflowType string

const (
	WorkflowAddNewProduct         WorkflowType = "add_new_product"
	WorkflowReportProductIssue    WorkflowType = "report_product_issue"
	WorkflowReportIngredientIssue WorkflowType = "report_ingredients_issue"
)

// WorkflowSteps tracks a job's position inside its workflow.
type WorkflowSteps struct {
	Total   int `json:"total"`
	Current int `json:"current"`
}

// Job represents the unit of asynchronous photo-processing work.
// Payload-ish fields (ExistingData, Result) stay raw JSON; the engine never
// interprets them.
type Job struct {
	ID            string          `json:"id"`
	Type          JobType         `json:"type"`
	Status        JobStatus       `json:"status"`
	Priority      int             `json:"priority"` // higher is scheduled first
	DeviceID      string          `json:"device_id"`
	UPC           string          `json:"upc"`
	ImageRef      string          `json:"image_ref"`
	ImageEncoding string          `json:"image_encoding,omitempty"` // cached transfer encoding, survives retries
	ExistingData  json.RawMessage `json:"existing_data,omitempty"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	EstimatedAt   *time.Time      `json:"estimated_at,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	WorkflowID    string          `json:"workflow_id,omitempty"`
	WorkflowType  WorkflowType    `json:"workflow_type,omitempty"`
	WorkflowSteps *WorkflowSteps  `json:"workflow_steps,omitempty"`
}

// NewJobID builds a time-prefixed collision-resistant identifier. The time
// prefix keeps ids roughly sortable in logs; the uuid tail makes collisions
// across devices a non-issue.
func NewJobID(now time.Time) string {
	return "job_" + strconv.FormatInt(now.UnixMilli(), 36) + "_" + uuid.NewString()[:8]
}

// DefaultMaxRetries returns the per-type retry ceiling. Product creation gets
// one more attempt than the rest: it gates every later workflow step.
func DefaultMaxRetries(t JobType) int {
	if t == TypeProductCreation {
		return 3
	}
	return 2
}

// DefaultPriority returns the per-type scheduling priority.
func DefaultPriority(t JobType) int {
	switch t {
	case TypeProductCreation:
		return 3
	case TypeIngredientParsing:
		return 2
	default:
		return 1
	}
}

// EstimatedDuration is a coarse per-type guess used to stamp EstimatedAt.
func EstimatedDuration(t JobType) time.Duration {
	switch t {
	case TypeProductCreation:
		return 30 * time.Second
	case TypeIngredientParsing:
		return 25 * time.Second
	default:
		return 15 * time.Second
	}
}

// ValidateBasic checks the minimal requirements a persisted record must meet
// before it is allowed back into the active set.
func (j *Job) ValidateBasic() error {
	if j.ID == "" {
		return errors.New("id is required")
	}
	if !KnownType(j.Type) {
		return fmt.Errorf("unknown job type %q", j.Type)
	}
	if j.UPC == "" {
		return errors.New("upc is required")
	}
	if j.RetryCount > j.MaxRetries {
		return fmt.Errorf("retry count %d exceeds max %d", j.RetryCount, j.MaxRetries)
	}
	if j.WorkflowID != "" {
		if j.WorkflowType == "" || j.WorkflowSteps == nil {
			return errors.New("workflow jobs need a workflow type and step counters")
		}
		if j.WorkflowSteps.Current < 1 || j.WorkflowSteps.Current > j.WorkflowSteps.Total {
			return fmt.Errorf("workflow step %d out of range [1,%d]", j.WorkflowSteps.Current, j.WorkflowSteps.Total)
		}
	}
	return nil
}

// Clone returns a deep copy so callers outside the engine never hold a
// reference into engine-owned state.
func (j *Job) Clone() *Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.EstimatedAt != nil {
		t := *j.EstimatedAt
		c.EstimatedAt = &t
	}
	if j.WorkflowSteps != nil {
		s := *j.WorkflowSteps
		c.WorkflowSteps = &s
	}
	if j.ExistingData != nil {
		c.ExistingData = append(json.RawMessage(nil), j.ExistingData...)
	}
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	return &c
}
