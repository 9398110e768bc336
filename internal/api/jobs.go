package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/dunamismax/pixelprompt/internal/dispatch"
	"github.com/dunamismax/pixelprompt/internal/domain"
	"github.com/dunamismax/pixelprompt/internal/id"
	"github.com/dunamismax/pixelprompt/internal/pipeline"
	"github.com/dunamismax/pixelprompt/internal/queue"
)

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateEditJobRequest
	if err := decodeJSON(r.Body, maxJSONBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req = req.Normalized()
	if err := req.Validate(); err != nil {
		writeValidationError(w, err)
		return
	}

	// Blocked instructions are rejected before anything is uploaded.
	resolved := s.editor.Plan(req.Instruction)
	if resolved.Blocked() {
		writeBlocked(w, *resolved.Block)
		return
	}

	now := time.Now().UTC()
	editID := id.New()
	log := s.logger.WithFields(logrus.Fields{"edit_id": editID, "request_id": requestID(r)})
	objectKey := req.ObjectKey
	uploadState := "not_required"
	presignedPutURL := ""

	if req.SourceType == domain.SourceTypeLocalFile {
		if _, err := pipeline.ResolveLocalSource(s.localRoot, objectKey); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.SourceType == domain.SourceTypeS3Presigned {
		objectKey = pipeline.SourceObjectKey(editID)
		url, err := s.storage.PresignedPutURL(r.Context(), objectKey, s.presignTTL)
		if err != nil {
			log.WithError(err).Error("generate presigned url failed")
			writeError(w, http.StatusInternalServerError, "failed to generate upload URL")
			return
		}
		presignedPutURL = url
		uploadState = "ready"
	}

	edit := domain.Edit{
		ID:          editID,
		UserID:      s.userID(r),
		Status:      domain.EditStatusCreated,
		Instruction: req.Instruction,
		SourceType:  req.SourceType,
		SourceKey:   objectKey,
		WebhookURL:  req.WebhookURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.edits.Create(r.Context(), edit); err != nil {
		log.WithError(err).Error("create edit failed")
		writeError(w, http.StatusInternalServerError, "failed to create edit job")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"edit_id":            edit.ID,
		"status":             edit.Status,
		"planned_operations": dispatch.Names(resolved.Plan),
		"upload": map[string]string{
			"object_key":          edit.SourceKey,
			"presigned_put_url":   presignedPutURL,
			"presigned_url_state": uploadState,
		},
		"start_url": fmt.Sprintf("/v1/jobs/%s/start", edit.ID),
	})
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	edit, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	log := s.logger.WithFields(logrus.Fields{"edit_id": edit.ID, "request_id": requestID(r)})

	if edit.Status != domain.EditStatusCreated {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "edit job has already been started",
			"status": edit.Status,
		})
		return
	}
	if err := s.verifySourceExists(r.Context(), edit); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	payload := queue.EditImagePayload{
		EditID:      edit.ID,
		UserID:      edit.UserID,
		SourceType:  edit.SourceType,
		ObjectKey:   edit.SourceKey,
		Instruction: edit.Instruction,
		WebhookURL:  edit.WebhookURL,
		RequestedAt: time.Now().UTC(),
	}

	taskInfo, err := s.queueClient.EnqueueEditImage(r.Context(), payload)
	if errors.Is(err, queue.ErrAlreadyQueued) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		log.WithError(err).Error("enqueue failed")
		writeError(w, http.StatusInternalServerError, "failed to enqueue edit job")
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	if _, err := s.edits.UpdateStatus(r.Context(), edit.ID, domain.EditStatusQueued); err != nil {
		log.WithError(err).Warn("update status failed")
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"edit_id":     edit.ID,
		"status":      domain.EditStatusQueued,
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"state":       taskInfo.State.String(),
		"enqueued_at": taskInfo.NextProcessAt,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	edit, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, edit)
}

// loadJob writes the error response itself and reports whether the caller
// may continue. Jobs owned by another user are reported as missing.
func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (domain.Edit, bool) {
	editID := chi.URLParam(r, "id")
	edit, ok, err := s.edits.Get(r.Context(), editID)
	if err != nil {
		s.logger.WithError(err).WithField("edit_id", editID).Error("load edit failed")
		writeError(w, http.StatusInternalServerError, "failed to load edit job")
		return domain.Edit{}, false
	}
	if !ok || (edit.UserID != "" && edit.UserID != s.userID(r)) {
		writeError(w, http.StatusNotFound, "edit job not found")
		return domain.Edit{}, false
	}
	return edit, true
}

func (s *Server) verifySourceExists(ctx context.Context, edit domain.Edit) error {
	switch edit.SourceType {
	case domain.SourceTypeLocalFile:
		path, err := pipeline.ResolveLocalSource(s.localRoot, edit.SourceKey)
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("source object is missing: %s", edit.SourceKey)
			}
			return fmt.Errorf("source object check failed: %w", err)
		}
		return nil
	default:
		exists, err := s.storage.ObjectExists(ctx, edit.SourceKey)
		if err != nil {
			return fmt.Errorf("source object check failed: %w", err)
		}
		if !exists {
			return fmt.Errorf("source object is missing: %s", edit.SourceKey)
		}
		return nil
	}
}

func writeValidationError(w http.ResponseWriter, err error) {
	var invalid *domain.ValidationError
	if errors.As(err, &invalid) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": invalid.Message,
			"field": invalid.Field,
		})
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}
