package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dunamismax/pixelprompt/internal/domain"
)

type ObjectReader interface {
	ReadObject(ctx context.Context, key string) ([]byte, error)
}

type ObjectWriter interface {
	WriteObject(ctx context.Context, key string, data []byte, contentType string) error
}

type ObjectStoreFetcher struct {
	Storage ObjectReader
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if !strings.EqualFold(req.SourceType, domain.SourceTypeS3Presigned) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	return f.Storage.ReadObject(ctx, req.ObjectKey)
}

// ObjectStoreEmitter writes <OutputPrefix>/<edit id>/edited.<ext>.
type ObjectStoreEmitter struct {
	Storage      ObjectWriter
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, result Result) (Output, error) {
	if e.Storage == nil {
		return Output{}, errors.New("storage client is required")
	}

	objectKey := EditedObjectKey(e.OutputPrefix, req.EditID, result.Format)
	if err := e.Storage.WriteObject(ctx, objectKey, result.Image, result.ContentType()); err != nil {
		return Output{}, err
	}
	return outputFor(objectKey, result), nil
}

// SourceObjectKey is where an uploaded source image is kept.
func SourceObjectKey(editID string) string {
	return path.Join("uploads", sanitizePathToken(editID), "source")
}

func EditedObjectKey(prefix, editID string, format Format) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = "outputs"
	}
	return path.Join(prefix, sanitizePathToken(editID), EditedObjectName+"."+format.Extension())
}

func NewObjectStoreProcessor(editor *Editor, reader ObjectReader, writer ObjectWriter, outputPrefix string) (*Processor, error) {
	return NewProcessor(
		ObjectStoreFetcher{Storage: reader},
		editor,
		ObjectStoreEmitter{Storage: writer, OutputPrefix: outputPrefix},
	)
}
