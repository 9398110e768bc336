package api

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dunamismax/pixelprompt/internal/dispatch"
	"github.com/dunamismax/pixelprompt/internal/domain"
	"github.com/dunamismax/pixelprompt/internal/id"
	"github.com/dunamismax/pixelprompt/internal/pipeline"
	"github.com/dunamismax/pixelprompt/internal/store"
)

// editCost is charged per synchronous edit; queued work costs 1.
const editCost = 2

type editRequest struct {
	Image       string `json:"image"`
	Instruction string `json:"instruction"`
}

type editMetadata struct {
	Instruction       string    `json:"instruction"`
	ModelUsed         string    `json:"model_used"`
	AppliedOperations []string  `json:"applied_operations"`
	RuleIDs           []string  `json:"rule_ids"`
	ProcessedAt       time.Time `json:"processed_at"`
	ProcessingTimeMS  int64     `json:"processing_time_ms"`
	InputFormat       string    `json:"input_format"`
	Width             int       `json:"width"`
	Height            int       `json:"height"`
}

type editResponse struct {
	Success     bool         `json:"success"`
	EditID      string       `json:"edit_id,omitempty"`
	EditedImage string       `json:"edited_image"`
	Metadata    editMetadata `json:"metadata"`
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	image, instruction, err := s.readEditInput(w, r)
	if err != nil {
		s.metrics.editsTotal.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.editor.Validate(image, instruction); err != nil {
		s.metrics.editsTotal.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.editor.Edit(r.Context(), image, instruction)
	if err != nil {
		s.writeEditError(w, r, err)
		return
	}
	s.metrics.editsTotal.WithLabelValues("succeeded").Inc()
	s.metrics.editDuration.Observe(result.Timing.Total.Seconds())

	processedAt := time.Now().UTC()
	resp := editResponse{
		Success:     true,
		EditedImage: dataURL(result.ContentType(), result.Image),
		Metadata: editMetadata{
			Instruction:       instruction,
			ModelUsed:         result.ModelLabel,
			AppliedOperations: result.AppliedOperations,
			RuleIDs:           result.RuleIDs,
			ProcessedAt:       processedAt,
			ProcessingTimeMS:  result.ProcessingTimeMS(),
			InputFormat:       string(result.InputFormat),
			Width:             result.Width,
			Height:            result.Height,
		},
	}

	if user := s.userID(r); user != "" {
		resp.EditID = id.New()
		s.recordInlineEdit(r.Context(), user, resp.EditID, instruction, image, result, processedAt)
	}

	writeJSON(w, http.StatusOK, resp)
}

// readEditInput accepts multipart (image file + instruction field) or JSON
// with the image as base64 or a data URL.
func (s *Server) readEditInput(w http.ResponseWriter, r *http.Request) ([]byte, string, error) {
	maxImage := int64(s.editor.Limits().MaxImageBytes)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		r.Body = http.MaxBytesReader(w, r.Body, maxImage+maxJSONBodyBytes)
		if err := r.ParseMultipartForm(maxImage); err != nil {
			return nil, "", bodyError(err)
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()

		instruction := r.FormValue("instruction")
		file, _, err := r.FormFile("image")
		if errors.Is(err, http.ErrMissingFile) {
			return nil, instruction, nil
		}
		if err != nil {
			return nil, "", fmt.Errorf("read image upload: %w", err)
		}
		defer file.Close()

		image, err := io.ReadAll(io.LimitReader(file, maxImage+1))
		if err != nil {
			return nil, "", fmt.Errorf("read image upload: %w", err)
		}
		return image, instruction, nil
	}

	// base64 inflates by 4/3; leave headroom for a data URL prefix and the
	// instruction.
	limit := maxImage/3*4 + maxJSONBodyBytes
	var req editRequest
	if err := decodeJSON(r.Body, limit, &req); err != nil {
		return nil, "", err
	}
	image, err := decodeImageField(req.Image)
	if err != nil {
		return nil, "", err
	}
	return image, req.Instruction, nil
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return fmt.Errorf("%w: request body exceeds %d bytes", pipeline.ErrImageTooLarge, tooLarge.Limit)
	}
	return fmt.Errorf("invalid multipart body: %w", err)
}

// decodeImageField accepts raw base64 or a data:image/...;base64, URL.
func decodeImageField(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "data:") {
		meta, payload, ok := strings.Cut(raw[len("data:"):], ",")
		if !ok || !strings.HasSuffix(meta, ";base64") {
			return nil, errors.New("image data URL must be base64 encoded")
		}
		raw = payload
	}

	image, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		if image, rawErr := base64.RawStdEncoding.DecodeString(raw); rawErr == nil {
			return image, nil
		}
		return nil, fmt.Errorf("image is not valid base64: %w", err)
	}
	return image, nil
}

func dataURL(contentType string, data []byte) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func (s *Server) writeEditError(w http.ResponseWriter, r *http.Request, err error) {
	var blocked *pipeline.BlockedError
	switch {
	case errors.As(err, &blocked):
		s.metrics.editsTotal.WithLabelValues("blocked").Inc()
		writeBlocked(w, blocked.Block)
	case pipeline.IsClientError(err):
		s.metrics.editsTotal.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.metrics.editsTotal.WithLabelValues("failed").Inc()
		s.logger.WithError(err).WithField("request_id", requestID(r)).Error("edit failed")
		writeError(w, http.StatusInternalServerError, "failed to edit image")
	}
}

func writeBlocked(w http.ResponseWriter, block dispatch.Block) {
	suggestions := block.Suggestions
	if suggestions == nil {
		suggestions = []string{}
	}
	writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
		"error":        "instruction cannot be applied",
		"reason":       block.Reason,
		"rule_id":      block.RuleID,
		"unrecognized": block.Unrecognized,
		"suggestions":  suggestions,
	})
}

// recordInlineEdit keeps the original/edited pair and a history entry for an
// identified user. Failures are logged and never fail the edit.
func (s *Server) recordInlineEdit(ctx context.Context, userID, editID, instruction string, source []byte, result pipeline.Result, at time.Time) {
	log := s.logger.WithFields(logrus.Fields{"edit_id": editID, "user_id": userID})

	sourceKey := pipeline.SourceObjectKey(editID)
	if err := s.storage.WriteObject(ctx, sourceKey, source, result.InputFormat.ContentType()); err != nil {
		log.WithError(err).Warn("store original image failed")
		sourceKey = ""
	}
	outputKey := pipeline.EditedObjectKey("", editID, result.Format)
	if err := s.storage.WriteObject(ctx, outputKey, result.Image, result.ContentType()); err != nil {
		log.WithError(err).Warn("store edited image failed")
		outputKey = ""
	}

	edit := domain.Edit{
		ID:                editID,
		UserID:            userID,
		Status:            domain.EditStatusSucceeded,
		Instruction:       instruction,
		SourceType:        domain.SourceTypeInline,
		SourceKey:         sourceKey,
		OutputKey:         outputKey,
		AppliedOperations: result.AppliedOperations,
		RuleIDs:           result.RuleIDs,
		ModelLabel:        result.ModelLabel,
		ProcessingTimeMS:  result.ProcessingTimeMS(),
		CreatedAt:         at,
		UpdatedAt:         at,
	}
	if err := s.edits.Create(ctx, edit); err != nil {
		log.WithError(err).Warn("save edit history failed")
		return
	}

	if usage, ok := s.edits.(store.UsageStore); ok {
		err := usage.CreateUsageLog(ctx, domain.UsageLog{
			UserID:          userID,
			EditID:          editID,
			PixelsProcessed: result.Pixels(),
			BytesIn:         int64(len(source)),
			BytesOut:        int64(len(result.Image)),
			ComputeTimeMS:   result.ProcessingTimeMS(),
			CreatedAt:       at,
		})
		if err != nil {
			log.WithError(err).Warn("record usage failed")
		}
	}
}
