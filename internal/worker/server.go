package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/pixelprompt/internal/config"
	"github.com/dunamismax/pixelprompt/internal/domain"
	"github.com/dunamismax/pixelprompt/internal/events"
	"github.com/dunamismax/pixelprompt/internal/pipeline"
	"github.com/dunamismax/pixelprompt/internal/queue"
	"github.com/dunamismax/pixelprompt/internal/storage"
	"github.com/dunamismax/pixelprompt/internal/store"
)

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

type objectStorage interface {
	pipeline.ObjectReader
	pipeline.ObjectWriter
}

type Options struct {
	Logger   logrus.FieldLogger
	Queue    config.QueueConfig
	Worker   config.WorkerConfig
	Editor   *pipeline.Editor
	Storage  objectStorage
	Webhooks webhookSender
	Edits    store.EditStore
	Usage    store.UsageStore
	Events   events.Publisher
}

type Server struct {
	logger     logrus.FieldLogger
	server     *asynq.Server
	sem        chan struct{}
	editor     *pipeline.Editor
	processors map[string]*pipeline.Processor
	webhooks   webhookSender
	edits      store.EditStore
	usage      store.UsageStore
	events     events.Publisher
	metrics    *metrics
	tracer     trace.Tracer
	now        func() time.Time
}

func NewServer(opts Options) (*Server, error) {
	s, err := newServer(opts)
	if err != nil {
		return nil, err
	}

	logger := s.logger
	s.server = asynq.NewServer(
		opts.Queue.RedisClientOpt(),
		asynq.Config{
			Concurrency: max(1, opts.Worker.Concurrency),
			Queues: map[string]int{
				opts.Queue.Name: 1,
			},
			Logger:   logger.WithField("component", "asynq"),
			LogLevel: asynq.InfoLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.WithError(err).WithFields(logrus.Fields{
					"task_type": task.Type(),
					"retry":     retried,
					"max_retry": maxRetry,
				}).Warn("task failed")
			}),
		},
	)
	return s, nil
}

// newServer wires everything except the asynq server.
func newServer(opts Options) (*Server, error) {
	if opts.Editor == nil {
		return nil, errors.New("editor is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Events == nil {
		opts.Events = events.Noop{}
	}
	if opts.Usage == nil {
		if usage, ok := opts.Edits.(store.UsageStore); ok {
			opts.Usage = usage
		}
	}

	processors := make(map[string]*pipeline.Processor, 2)
	local, err := pipeline.NewLocalProcessor(opts.Editor, opts.Worker.LocalInputDir, opts.Worker.LocalOutputDir)
	if err != nil {
		return nil, fmt.Errorf("initialize local processor: %w", err)
	}
	processors[domain.SourceTypeLocalFile] = local

	if opts.Storage != nil {
		objects, err := pipeline.NewObjectStoreProcessor(opts.Editor, opts.Storage, opts.Storage, "outputs")
		if err != nil {
			return nil, fmt.Errorf("initialize object-store processor: %w", err)
		}
		processors[domain.SourceTypeS3Presigned] = objects
	}

	return &Server{
		logger:     opts.Logger,
		sem:        make(chan struct{}, max(1, opts.Worker.MaxActiveJobs)),
		editor:     opts.Editor,
		processors: processors,
		webhooks:   opts.Webhooks,
		edits:      opts.Edits,
		usage:      opts.Usage,
		events:     opts.Events,
		metrics:    newMetrics(),
		tracer:     otel.Tracer("pixelprompt/worker"),
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeEditImage, s.handleEditImage)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleEditImage(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	status := domain.EditStatusFailed

	payload, err := queue.ParseEditImagePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.edit_image", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("edit.id", payload.EditID),
		attribute.String("edit.source_type", payload.SourceType),
	)
	defer span.End()
	defer func() {
		s.metrics.editDuration.WithLabelValues(payload.SourceType, status).Observe(time.Since(startedAt).Seconds())
		s.metrics.editsTotal.WithLabelValues(payload.SourceType, status).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.activeEdits.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeEdits.Dec()
	}()

	log := s.logger.WithFields(logrus.Fields{
		"edit_id":     payload.EditID,
		"source_type": payload.SourceType,
		"object_key":  payload.ObjectKey,
	})
	log.Info("processing edit")
	s.updateStatus(ctx, log, payload.EditID, domain.EditStatusProcessing)

	outcome, err := s.process(ctx, payload)
	if err != nil {
		return s.handleFailure(ctx, log, span, payload, outcome, err, &status)
	}

	completion := domain.Completion{
		Status:            domain.EditStatusSucceeded,
		OutputKey:         outcome.Output.Path,
		AppliedOperations: outcome.Edit.AppliedOperations,
		RuleIDs:           outcome.Edit.RuleIDs,
		ModelLabel:        outcome.Edit.ModelLabel,
		ProcessingTimeMS:  outcome.Edit.ProcessingTimeMS(),
	}
	edit := s.complete(ctx, log, payload, completion)
	for _, op := range outcome.Edit.Plan {
		s.metrics.operationsTotal.WithLabelValues(string(op.Kind)).Inc()
	}
	s.recordUsage(ctx, log, payload, outcome, time.Since(startedAt))
	s.notify(ctx, log, edit)

	log.WithFields(logrus.Fields{
		"output":             outcome.Output.Path,
		"applied_operations": outcome.Edit.AppliedOperations,
		"processing_time_ms": outcome.Edit.ProcessingTimeMS(),
	}).Info("edit succeeded")

	status = domain.EditStatusSucceeded
	span.SetStatus(codes.Ok, "processed")
	return nil
}

func (s *Server) process(ctx context.Context, payload queue.EditImagePayload) (pipeline.Outcome, error) {
	processor, ok := s.processors[strings.ToLower(payload.SourceType)]
	if !ok {
		return pipeline.Outcome{}, fmt.Errorf("%w: %s", pipeline.ErrUnsupportedSourceType, payload.SourceType)
	}
	return processor.Process(ctx, pipeline.Request{
		EditID:      payload.EditID,
		SourceType:  payload.SourceType,
		ObjectKey:   payload.ObjectKey,
		Instruction: payload.Instruction,
	})
}

// handleFailure records a terminal failure or leaves the edit queued for
// another attempt. Terminal failures are returned wrapped in SkipRetry.
func (s *Server) handleFailure(
	ctx context.Context,
	log logrus.FieldLogger,
	span trace.Span,
	payload queue.EditImagePayload,
	outcome pipeline.Outcome,
	err error,
	status *string,
) error {
	span.RecordError(err)

	var blocked *pipeline.BlockedError
	if errors.As(err, &blocked) {
		*status = domain.EditStatusBlocked
		span.SetStatus(codes.Error, "instruction blocked")
		s.metrics.blockedTotal.WithLabelValues(blockLabel(blocked)).Inc()
		log.WithField("reason", blocked.Block.Reason).Info("edit blocked")

		edit := s.complete(ctx, log, payload, domain.Completion{
			Status:            domain.EditStatusBlocked,
			AppliedOperations: []string{},
			ModelLabel:        s.editor.ModelLabel(),
			BlockReason:       blocked.Block.Reason,
		})
		s.notify(ctx, log, edit)
		return fmt.Errorf("edit blocked: %v: %w", err, asynq.SkipRetry)
	}

	span.SetStatus(codes.Error, "edit failed")
	terminal := isTerminal(err)
	if !terminal && !finalAttempt(ctx) {
		*status = "retrying"
		log.WithError(err).Warn("edit failed, will retry")
		s.updateStatus(ctx, log, payload.EditID, domain.EditStatusQueued)
		return fmt.Errorf("run edit: %w", err)
	}

	log.WithError(err).WithField("input_bytes", outcome.SourceBytes).Error("edit failed")
	edit := s.complete(ctx, log, payload, domain.Completion{
		Status:            domain.EditStatusFailed,
		AppliedOperations: []string{},
		ModelLabel:        s.editor.ModelLabel(),
		Error:             err.Error(),
	})
	s.notify(ctx, log, edit)

	if terminal {
		return fmt.Errorf("run edit: %v: %w", err, asynq.SkipRetry)
	}
	return fmt.Errorf("run edit: %w", err)
}

// isTerminal reports failures that would repeat on every retry.
func isTerminal(err error) bool {
	var transform *pipeline.TransformError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case pipeline.IsClientError(err):
		return true
	case errors.Is(err, pipeline.ErrUnsupportedSourceType):
		return true
	case errors.Is(err, storage.ErrObjectNotFound), errors.Is(err, fs.ErrNotExist):
		return true
	case errors.As(err, &transform):
		return true
	default:
		return false
	}
}

func finalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= maxRetry
}

func blockLabel(blocked *pipeline.BlockedError) string {
	if blocked.Block.Unrecognized || blocked.Block.RuleID == "" {
		return "unrecognized"
	}
	return blocked.Block.RuleID
}

func (s *Server) updateStatus(ctx context.Context, log logrus.FieldLogger, editID, status string) {
	if s.edits == nil {
		return
	}
	if _, err := s.edits.UpdateStatus(ctx, editID, status); err != nil {
		log.WithError(err).WithField("status", status).Warn("edit status update failed")
	}
}

// complete stores the final state. When the store is unavailable the edit
// is rebuilt from the payload so notifications still go out.
func (s *Server) complete(ctx context.Context, log logrus.FieldLogger, payload queue.EditImagePayload, c domain.Completion) domain.Edit {
	if s.edits != nil {
		edit, err := s.edits.Complete(ctx, payload.EditID, c)
		if err == nil {
			return edit
		}
		log.WithError(err).WithField("status", c.Status).Warn("edit completion write failed")
	}

	now := s.now()
	return domain.Edit{
		ID:                payload.EditID,
		UserID:            payload.UserID,
		Status:            c.Status,
		Instruction:       payload.Instruction,
		SourceType:        payload.SourceType,
		SourceKey:         payload.ObjectKey,
		OutputKey:         c.OutputKey,
		WebhookURL:        payload.WebhookURL,
		AppliedOperations: c.AppliedOperations,
		RuleIDs:           c.RuleIDs,
		ModelLabel:        c.ModelLabel,
		ProcessingTimeMS:  c.ProcessingTimeMS,
		BlockReason:       c.BlockReason,
		Error:             c.Error,
		CreatedAt:         payload.RequestedAt,
		UpdatedAt:         now,
	}
}

// notify delivers the webhook and publishes the edit event. Delivery
// failures are logged; the edit itself is already recorded.
func (s *Server) notify(ctx context.Context, log logrus.FieldLogger, edit domain.Edit) {
	event, ok := events.FromEdit(edit, s.now())
	if !ok {
		return
	}

	if edit.WebhookURL != "" && s.webhooks != nil {
		if err := s.webhooks.Send(ctx, edit.WebhookURL, event.Type, event); err != nil {
			s.metrics.webhookFailures.Inc()
			log.WithError(err).WithField("event", event.Type).Warn("webhook delivery failed")
		}
	}

	if err := s.events.Publish(ctx, event); err != nil {
		s.metrics.eventFailures.Inc()
		log.WithError(err).WithField("event", event.Type).Warn("edit event publish failed")
	}
}

func (s *Server) recordUsage(ctx context.Context, log logrus.FieldLogger, payload queue.EditImagePayload, outcome pipeline.Outcome, elapsed time.Duration) {
	if s.usage == nil {
		return
	}

	userID := strings.TrimSpace(payload.UserID)
	if userID == "" {
		userID = "anonymous"
	}
	computeTimeMS := max(elapsed.Milliseconds(), 1)

	usage := domain.UsageLog{
		UserID:          userID,
		EditID:          payload.EditID,
		PixelsProcessed: outcome.Edit.Pixels(),
		BytesIn:         int64(outcome.SourceBytes),
		BytesOut:        int64(outcome.Output.Bytes),
		ComputeTimeMS:   computeTimeMS,
		CreatedAt:       s.now(),
	}
	if err := s.usage.CreateUsageLog(ctx, usage); err != nil {
		log.WithError(err).Warn("usage log write failed")
		return
	}

	s.metrics.pixelsProcessedTotal.Add(float64(usage.PixelsProcessed))
	s.metrics.bytesInTotal.Add(float64(usage.BytesIn))
	s.metrics.bytesOutTotal.Add(float64(usage.BytesOut))
	s.metrics.computeTimeMSTotal.Add(float64(computeTimeMS))
}
