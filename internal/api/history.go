package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dunamismax/pixelprompt/internal/domain"
	"github.com/dunamismax/pixelprompt/internal/store"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := s.userID(r)
	if user == "" {
		writeError(w, http.StatusUnauthorized, "user not authenticated")
		return "", false
	}
	return user, true
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	limit, err := queryInt(r, "limit", defaultHistoryLimit)
	if err != nil || limit < 1 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	limit = min(limit, maxHistoryLimit)
	skip, err := queryInt(r, "skip", 0)
	if err != nil || skip < 0 {
		writeError(w, http.StatusBadRequest, "skip must be a non-negative integer")
		return
	}

	edits, total, err := s.edits.List(r.Context(), user, limit, skip)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", user).Error("list history failed")
		writeError(w, http.StatusInternalServerError, "failed to retrieve edit history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"history":  edits,
		"total":    total,
		"has_more": total > skip+len(edits),
	})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	edit, ok := s.ownedEdit(w, r, user)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"edit": edit})
}

func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	edit, ok := s.ownedEdit(w, r, user)
	if !ok {
		return
	}

	err := s.edits.Delete(r.Context(), user, edit.ID)
	if errors.Is(err, store.ErrEditNotFound) {
		writeError(w, http.StatusNotFound, "edit not found")
		return
	}
	if err != nil {
		s.logger.WithError(err).WithField("edit_id", edit.ID).Error("delete edit failed")
		writeError(w, http.StatusInternalServerError, "failed to delete edit")
		return
	}
	s.deleteEditObjects(r.Context(), edit)

	writeJSON(w, http.StatusOK, map[string]string{"message": "edit deleted"})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	edits, _, err := s.edits.List(r.Context(), user, 0, 0)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", user).Error("list history failed")
		writeError(w, http.StatusInternalServerError, "failed to clear history")
		return
	}
	removed, err := s.edits.Clear(r.Context(), user)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", user).Error("clear history failed")
		writeError(w, http.StatusInternalServerError, "failed to clear history")
		return
	}
	for _, edit := range edits {
		s.deleteEditObjects(r.Context(), edit)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "edit history cleared",
		"deleted": removed,
	})
}

func (s *Server) ownedEdit(w http.ResponseWriter, r *http.Request, user string) (domain.Edit, bool) {
	editID := chi.URLParam(r, "id")
	edit, ok, err := s.edits.Get(r.Context(), editID)
	if err != nil {
		s.logger.WithError(err).WithField("edit_id", editID).Error("load edit failed")
		writeError(w, http.StatusInternalServerError, "failed to retrieve edit")
		return domain.Edit{}, false
	}
	if !ok || edit.UserID != user {
		writeError(w, http.StatusNotFound, "edit not found")
		return domain.Edit{}, false
	}
	return edit, true
}

// deleteEditObjects removes stored images for an edit. Local-file sources
// belong to the caller and are left alone.
func (s *Server) deleteEditObjects(ctx context.Context, edit domain.Edit) {
	if edit.SourceType == domain.SourceTypeLocalFile {
		return
	}
	var keys []string
	for _, key := range []string{edit.SourceKey, edit.OutputKey} {
		if key != "" {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return
	}
	if err := s.storage.DeleteObjects(ctx, keys...); err != nil {
		s.logger.WithError(err).WithField("edit_id", edit.ID).Warn("delete stored images failed")
	}
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
