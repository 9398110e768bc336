package store

import (
	"context"
	"errors"

	"github.com/dunamismax/pixelprompt/internal/domain"
)

var ErrEditNotFound = errors.New("edit not found")

type EditStore interface {
	Create(ctx context.Context, edit domain.Edit) error
	Get(ctx context.Context, id string) (domain.Edit, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Edit, error)
	Complete(ctx context.Context, id string, completion domain.Completion) (domain.Edit, error)
	// List returns a user's edits newest first along with their total count.
	// A non-positive limit returns everything after skip.
	List(ctx context.Context, userID string, limit, skip int) ([]domain.Edit, int, error)
	// Delete removes one edit owned by userID.
	Delete(ctx context.Context, userID, id string) error
	// Clear removes every edit owned by userID and reports how many.
	Clear(ctx context.Context, userID string) (int, error)
}

type UsageStore interface {
	CreateUsageLog(ctx context.Context, usage domain.UsageLog) error
}
