package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	DefaultMaxRetry = 5
	DefaultTimeout  = 3 * time.Minute
)

// ErrAlreadyQueued means a task for the same edit is still pending.
var ErrAlreadyQueued = errors.New("edit is already queued")

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
	}
}

// EnqueueEditImage schedules an edit. The task ID is derived from the edit
// ID so a double start cannot queue the same edit twice.
func (c *Client) EnqueueEditImage(ctx context.Context, payload EditImagePayload) (*asynq.TaskInfo, error) {
	task, err := NewEditImageTask(payload)
	if err != nil {
		return nil, err
	}

	info, err := c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID("edit:"+payload.EditID),
		asynq.MaxRetry(DefaultMaxRetry),
		asynq.Timeout(DefaultTimeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyQueued, payload.EditID)
	}
	return info, err
}

func (c *Client) Close() error {
	return c.client.Close()
}
