package domain

import (
	"strings"
	"time"
)

const (
	EditStatusCreated    = "created"
	EditStatusQueued     = "queued"
	EditStatusProcessing = "processing"
	EditStatusSucceeded  = "succeeded"
	EditStatusFailed     = "failed"
	EditStatusBlocked    = "blocked"

	SourceTypeLocalFile   = "local_file"
	SourceTypeS3Presigned = "s3_presigned"
	SourceTypeInline      = "inline"
)

// Edit is one instruction applied to one image, whether it ran inline on an
// API request or on a worker. It doubles as the user's history entry.
type Edit struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id,omitempty"`
	Status            string    `json:"status"`
	Instruction       string    `json:"instruction"`
	SourceType        string    `json:"source_type"`
	SourceKey         string    `json:"source_key,omitempty"`
	OutputKey         string    `json:"output_key,omitempty"`
	WebhookURL        string    `json:"webhook_url,omitempty"`
	AppliedOperations []string  `json:"applied_operations"`
	RuleIDs           []string  `json:"rule_ids,omitempty"`
	ModelLabel        string    `json:"model_used,omitempty"`
	ProcessingTimeMS  int64     `json:"processing_time_ms"`
	BlockReason       string    `json:"block_reason,omitempty"`
	Error             string    `json:"error,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Terminal reports whether no further status transitions are expected.
func (e Edit) Terminal() bool {
	switch e.Status {
	case EditStatusSucceeded, EditStatusFailed, EditStatusBlocked:
		return true
	default:
		return false
	}
}

// Completion carries what a finished edit records about itself.
type Completion struct {
	Status            string
	OutputKey         string
	AppliedOperations []string
	RuleIDs           []string
	ModelLabel        string
	ProcessingTimeMS  int64
	BlockReason       string
	Error             string
}

// CreateEditJobRequest is the body of POST /v1/jobs.
type CreateEditJobRequest struct {
	SourceType  string `json:"source_type" validate:"required,oneof=local_file s3_presigned"`
	ObjectKey   string `json:"object_key,omitempty" validate:"required_if=SourceType local_file"`
	Instruction string `json:"instruction" validate:"required,max=2048"`
	WebhookURL  string `json:"webhook_url,omitempty" validate:"omitempty,url,startswith=http"`
}

// Normalized trims the request and lowercases its source type.
func (r CreateEditJobRequest) Normalized() CreateEditJobRequest {
	r.SourceType = strings.ToLower(strings.TrimSpace(r.SourceType))
	r.ObjectKey = strings.TrimSpace(r.ObjectKey)
	r.Instruction = strings.TrimSpace(r.Instruction)
	r.WebhookURL = strings.TrimSpace(r.WebhookURL)
	return r
}

func (r CreateEditJobRequest) Validate() error {
	return ValidateStruct(r.Normalized())
}
