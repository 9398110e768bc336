package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/pixelprompt/internal/dispatch"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Editor turns an image and a free-text instruction into an edited image.
// It holds no per-request state and is safe for concurrent use.
type Editor struct {
	rules       *dispatch.Table
	transformer Transformer
	limits      Limits
	tracer      trace.Tracer
}

func NewEditor(rules *dispatch.Table, transformer Transformer, limits Limits) (*Editor, error) {
	if rules == nil {
		return nil, errors.New("rule table is required")
	}
	if transformer == nil {
		return nil, errors.New("transformer is required")
	}
	return &Editor{
		rules:       rules,
		transformer: transformer,
		limits:      limits.withDefaults(),
		tracer:      otel.Tracer("pixelprompt/pipeline"),
	}, nil
}

// NewDefaultEditor wires the embedded rule table to the build's backend.
func NewDefaultEditor(opts Options, limits Limits) (*Editor, error) {
	return NewEditorFromFile("", opts, limits)
}

// NewEditorFromFile is NewDefaultEditor with the rule table read from
// rulesFile. An empty path selects the embedded table.
func NewEditorFromFile(rulesFile string, opts Options, limits Limits) (*Editor, error) {
	rules, err := dispatch.LoadTable(rulesFile)
	if err != nil {
		return nil, fmt.Errorf("load rule table: %w", err)
	}
	transformer, err := NewTransformer(opts)
	if err != nil {
		return nil, fmt.Errorf("build transformer: %w", err)
	}
	return NewEditor(rules, transformer, limits)
}

func (e *Editor) Keywords() []string {
	return e.rules.Keywords()
}

func (e *Editor) Limits() Limits {
	return e.limits
}

func (e *Editor) RulesVersion() string {
	return e.rules.Version()
}

func (e *Editor) ModelLabel() string {
	return fmt.Sprintf("keyword-rules/%s+%s", e.rules.Version(), e.transformer.Name())
}

// Validate applies the editor's configured limits.
func (e *Editor) Validate(image []byte, instruction string) error {
	return ValidateInput(image, instruction, e.limits)
}

// Plan resolves an instruction without touching any image.
func (e *Editor) Plan(instruction string) dispatch.Result {
	return e.rules.Resolve(instruction)
}

// Edit resolves the instruction and applies the resulting plan. A blocked
// instruction returns *BlockedError and the image is never decoded.
func (e *Editor) Edit(ctx context.Context, image []byte, instruction string) (Result, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "editor.edit")
	defer span.End()

	var (
		inputFormat Format
		resolved    dispatch.Result
	)
	_, resolveSpan := e.tracer.Start(ctx, "edit.resolve")
	var g errgroup.Group
	g.Go(func() error {
		inputFormat = SniffFormat(image)
		return nil
	})
	g.Go(func() error {
		resolved = e.rules.Resolve(instruction)
		return nil
	})
	_ = g.Wait()
	resolveSpan.End()
	resolveTime := time.Since(start)

	span.SetAttributes(
		attribute.String("edit.input_format", string(inputFormat)),
		attribute.Int("edit.input_bytes", len(image)),
		attribute.StringSlice("edit.rule_ids", resolved.RuleIDs),
	)

	if resolved.Blocked() {
		span.SetAttributes(
			attribute.Bool("edit.blocked", true),
			attribute.String("edit.block_rule", resolved.Block.RuleID),
		)
		return Result{}, &BlockedError{Block: *resolved.Block}
	}

	transformStart := time.Now()
	transformCtx, transformSpan := e.tracer.Start(ctx, "edit.transform",
		trace.WithAttributes(attribute.String("edit.backend", e.transformer.Name())))
	encoded, err := e.transformer.Apply(transformCtx, image, resolved.Plan)
	transformSpan.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	transformTime := time.Since(transformStart)

	return Result{
		Image:             encoded.Data,
		Format:            encoded.Format,
		InputFormat:       inputFormat,
		Width:             encoded.Width,
		Height:            encoded.Height,
		AppliedOperations: dispatch.Names(resolved.Plan),
		RuleIDs:           resolved.RuleIDs,
		Plan:              resolved.Plan,
		ModelLabel:        e.ModelLabel(),
		Timing: Timing{
			Resolve:   resolveTime,
			Transform: transformTime,
			Total:     time.Since(start),
		},
	}, nil
}
