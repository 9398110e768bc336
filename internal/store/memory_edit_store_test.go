package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dunamismax/pixelprompt/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedEdits(t *testing.T, s EditStore, userID string, n int) []domain.Edit {
	t.Helper()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	out := make([]domain.Edit, 0, n)
	for i := 0; i < n; i++ {
		edit := domain.Edit{
			ID:          fmt.Sprintf("%s-%02d", userID, i),
			UserID:      userID,
			Status:      domain.EditStatusSucceeded,
			Instruction: "blur",
			SourceType:  domain.SourceTypeInline,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
			UpdatedAt:   base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.Create(context.Background(), edit))
		out = append(out, edit)
	}
	return out
}

func TestMemoryEditStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryEditStore()

	require.NoError(t, s.Create(ctx, domain.Edit{ID: "e1", Status: domain.EditStatusCreated, Instruction: "sepia"}))

	got, ok, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.EditStatusCreated, got.Status)

	updated, err := s.UpdateStatus(ctx, "e1", domain.EditStatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, domain.EditStatusProcessing, updated.Status)
	assert.False(t, updated.UpdatedAt.IsZero())

	done, err := s.Complete(ctx, "e1", domain.Completion{
		Status:            domain.EditStatusSucceeded,
		OutputKey:         "outputs/e1/edited.jpg",
		AppliedOperations: []string{"sepia"},
		RuleIDs:           []string{"sepia"},
		ModelLabel:        "keyword-rules/test+imaging",
		ProcessingTimeMS:  12,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"sepia"}, done.AppliedOperations)
	assert.Equal(t, "outputs/e1/edited.jpg", done.OutputKey)

	_, err = s.UpdateStatus(ctx, "missing", domain.EditStatusFailed)
	assert.ErrorIs(t, err, ErrEditNotFound)
	_, err = s.Complete(ctx, "missing", domain.Completion{})
	assert.ErrorIs(t, err, ErrEditNotFound)

	_, ok, err = s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryEditStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryEditStore()
	ops := []string{"blur"}
	require.NoError(t, s.Create(ctx, domain.Edit{ID: "e1", AppliedOperations: ops}))

	ops[0] = "mutated"
	got, _, _ := s.Get(ctx, "e1")
	assert.Equal(t, []string{"blur"}, got.AppliedOperations)

	got.AppliedOperations[0] = "mutated"
	again, _, _ := s.Get(ctx, "e1")
	assert.Equal(t, []string{"blur"}, again.AppliedOperations)
}

func TestMemoryEditStoreListPagination(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryEditStore()
	seedEdits(t, s, "alice", 5)
	seedEdits(t, s, "bob", 2)

	page, total, err := s.List(ctx, "alice", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, "alice-04", page[0].ID, "newest first")
	assert.Equal(t, "alice-03", page[1].ID)

	page, _, err = s.List(ctx, "alice", 2, 4)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "alice-00", page[0].ID)

	page, total, err = s.List(ctx, "alice", 10, 50)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Empty(t, page)

	page, _, err = s.List(ctx, "alice", 0, 0)
	require.NoError(t, err)
	assert.Len(t, page, 5)

	page, total, err = s.List(ctx, "nobody", 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.NotNil(t, page)
}

func TestMemoryEditStoreDeleteIsScopedToOwner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryEditStore()
	seedEdits(t, s, "alice", 3)
	seedEdits(t, s, "bob", 1)

	assert.ErrorIs(t, s.Delete(ctx, "bob", "alice-00"), ErrEditNotFound)
	require.NoError(t, s.Delete(ctx, "alice", "alice-00"))
	assert.ErrorIs(t, s.Delete(ctx, "alice", "alice-00"), ErrEditNotFound)

	removed, err := s.Clear(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, total, err := s.List(ctx, "bob", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestMemoryEditStoreUsage(t *testing.T) {
	s := NewMemoryEditStore()
	require.NoError(t, s.CreateUsageLog(context.Background(), domain.UsageLog{EditID: "e1", PixelsProcessed: 100}))
	logs := s.UsageLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, int64(100), logs[0].PixelsProcessed)
}
