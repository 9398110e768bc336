package events

import (
	"context"
	"time"

	"github.com/dunamismax/pixelprompt/internal/domain"
)

const (
	TypeEditCompleted = "edit.completed"
	TypeEditFailed    = "edit.failed"
	TypeEditBlocked   = "edit.blocked"
)

// Event is the record other services consume when an edit finishes.
type Event struct {
	Type              string    `json:"type"`
	EditID            string    `json:"edit_id"`
	UserID            string    `json:"user_id,omitempty"`
	Instruction       string    `json:"instruction"`
	AppliedOperations []string  `json:"applied_operations"`
	RuleIDs           []string  `json:"rule_ids,omitempty"`
	ModelLabel        string    `json:"model_used,omitempty"`
	ProcessingTimeMS  int64     `json:"processing_time_ms"`
	OutputKey         string    `json:"output_key,omitempty"`
	BlockReason       string    `json:"block_reason,omitempty"`
	Error             string    `json:"error,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// TypeForStatus maps a terminal edit status to its event type. Non-terminal
// statuses have no event.
func TypeForStatus(status string) (string, bool) {
	switch status {
	case domain.EditStatusSucceeded:
		return TypeEditCompleted, true
	case domain.EditStatusFailed:
		return TypeEditFailed, true
	case domain.EditStatusBlocked:
		return TypeEditBlocked, true
	default:
		return "", false
	}
}

// FromEdit builds the event for a finished edit.
func FromEdit(edit domain.Edit, now time.Time) (Event, bool) {
	eventType, ok := TypeForStatus(edit.Status)
	if !ok {
		return Event{}, false
	}
	applied := edit.AppliedOperations
	if applied == nil {
		applied = []string{}
	}
	return Event{
		Type:              eventType,
		EditID:            edit.ID,
		UserID:            edit.UserID,
		Instruction:       edit.Instruction,
		AppliedOperations: applied,
		RuleIDs:           edit.RuleIDs,
		ModelLabel:        edit.ModelLabel,
		ProcessingTimeMS:  edit.ProcessingTimeMS,
		OutputKey:         edit.OutputKey,
		BlockReason:       edit.BlockReason,
		Error:             edit.Error,
		OccurredAt:        now.UTC(),
	}, true
}

// Noop drops every event. It is used when no broker is configured.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }
