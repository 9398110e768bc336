package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const TypeEditImage = "image:edit"

type EditImagePayload struct {
	EditID      string    `json:"edit_id"`
	UserID      string    `json:"user_id,omitempty"`
	SourceType  string    `json:"source_type"`
	ObjectKey   string    `json:"object_key"`
	Instruction string    `json:"instruction"`
	WebhookURL  string    `json:"webhook_url,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

func NewEditImageTask(payload EditImagePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal edit payload: %w", err)
	}
	return asynq.NewTask(TypeEditImage, body), nil
}

func ParseEditImagePayload(task *asynq.Task) (EditImagePayload, error) {
	var payload EditImagePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return EditImagePayload{}, fmt.Errorf("unmarshal edit payload: %w", err)
	}
	if strings.TrimSpace(payload.EditID) == "" {
		return EditImagePayload{}, errors.New("edit payload is missing edit_id")
	}
	if strings.TrimSpace(payload.Instruction) == "" {
		return EditImagePayload{}, errors.New("edit payload is missing instruction")
	}
	return payload, nil
}
