package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dunamismax/pixelprompt/internal/domain"
)

type MemoryEditStore struct {
	mu    sync.RWMutex
	edits map[string]domain.Edit
	usage []domain.UsageLog
}

func NewMemoryEditStore() *MemoryEditStore {
	return &MemoryEditStore{
		edits: make(map[string]domain.Edit),
	}
}

func (s *MemoryEditStore) Create(_ context.Context, edit domain.Edit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits[edit.ID] = cloneEdit(edit)
	return nil
}

func (s *MemoryEditStore) Get(_ context.Context, id string) (domain.Edit, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	edit, ok := s.edits[id]
	return cloneEdit(edit), ok, nil
}

func (s *MemoryEditStore) UpdateStatus(_ context.Context, id, status string) (domain.Edit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	edit, ok := s.edits[id]
	if !ok {
		return domain.Edit{}, ErrEditNotFound
	}

	edit.Status = status
	edit.UpdatedAt = time.Now().UTC()
	s.edits[id] = edit
	return cloneEdit(edit), nil
}

func (s *MemoryEditStore) Complete(_ context.Context, id string, c domain.Completion) (domain.Edit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	edit, ok := s.edits[id]
	if !ok {
		return domain.Edit{}, ErrEditNotFound
	}

	edit.Status = c.Status
	edit.OutputKey = c.OutputKey
	edit.AppliedOperations = slices.Clone(c.AppliedOperations)
	edit.RuleIDs = slices.Clone(c.RuleIDs)
	edit.ModelLabel = c.ModelLabel
	edit.ProcessingTimeMS = c.ProcessingTimeMS
	edit.BlockReason = c.BlockReason
	edit.Error = c.Error
	edit.UpdatedAt = time.Now().UTC()
	s.edits[id] = edit
	return cloneEdit(edit), nil
}

func (s *MemoryEditStore) List(_ context.Context, userID string, limit, skip int) ([]domain.Edit, int, error) {
	s.mu.RLock()
	owned := make([]domain.Edit, 0)
	for _, edit := range s.edits {
		if edit.UserID == userID {
			owned = append(owned, cloneEdit(edit))
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(owned, func(a, b domain.Edit) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if a.ID > b.ID {
			return -1
		}
		if a.ID < b.ID {
			return 1
		}
		return 0
	})

	total := len(owned)
	skip = max(skip, 0)
	if skip >= total {
		return []domain.Edit{}, total, nil
	}
	page := owned[skip:]
	if limit > 0 && limit < len(page) {
		page = page[:limit]
	}
	return page, total, nil
}

func (s *MemoryEditStore) Delete(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	edit, ok := s.edits[id]
	if !ok || edit.UserID != userID {
		return ErrEditNotFound
	}
	delete(s.edits, id)
	return nil
}

func (s *MemoryEditStore) Clear(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, edit := range s.edits {
		if edit.UserID == userID {
			delete(s.edits, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryEditStore) CreateUsageLog(_ context.Context, usage domain.UsageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, usage)
	return nil
}

// UsageLogs returns a copy of everything recorded so far.
func (s *MemoryEditStore) UsageLogs() []domain.UsageLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.usage)
}

func cloneEdit(edit domain.Edit) domain.Edit {
	edit.AppliedOperations = slices.Clone(edit.AppliedOperations)
	edit.RuleIDs = slices.Clone(edit.RuleIDs)
	return edit
}
