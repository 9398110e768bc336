package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/pixelprompt/internal/domain"
)

const EditedObjectName = "edited"

var (
	ErrUnsupportedSourceType = errors.New("unsupported source_type")
	ErrSourceOutsideRoot     = errors.New("local source is outside the input directory")
)

// Request describes a queued edit whose source image lives somewhere the
// fetch stage can reach.
type Request struct {
	EditID      string
	SourceType  string
	ObjectKey   string
	Instruction string
}

type Output struct {
	Format Format
	Path   string
	Bytes  int
	Width  int
	Height int
}

// Outcome carries the editor result together with where it was written.
type Outcome struct {
	Edit        Result
	Output      Output
	SourceBytes int
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, result Result) (Output, error)
}

// Processor runs fetch, edit and emit for one request.
type Processor struct {
	fetcher Fetcher
	editor  *Editor
	emitter Emitter
}

func NewProcessor(fetcher Fetcher, editor *Editor, emitter Emitter) (*Processor, error) {
	if fetcher == nil || emitter == nil {
		return nil, errors.New("fetcher and emitter are required")
	}
	if editor == nil {
		return nil, errors.New("editor is required")
	}
	return &Processor{fetcher: fetcher, editor: editor, emitter: emitter}, nil
}

// NewLocalProcessor reads sources under inputDir and writes results under
// outputDir. An empty inputDir leaves local reads unconfined.
func NewLocalProcessor(editor *Editor, inputDir, outputDir string) (*Processor, error) {
	return NewProcessor(LocalFileFetcher{Root: inputDir}, editor, LocalFileEmitter{OutputDir: outputDir})
}

func (p *Processor) Editor() *Editor {
	return p.editor
}

func (p *Processor) Process(ctx context.Context, req Request) (Outcome, error) {
	if strings.TrimSpace(req.EditID) == "" {
		return Outcome{}, errors.New("edit_id is required")
	}
	if strings.TrimSpace(req.Instruction) == "" {
		return Outcome{}, ErrEmptyInstruction
	}

	source, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return Outcome{}, fmt.Errorf("fetch stage: %w", err)
	}
	out := Outcome{SourceBytes: len(source)}

	if err := p.editor.Validate(source, req.Instruction); err != nil {
		return out, err
	}

	result, err := p.editor.Edit(ctx, source, req.Instruction)
	if err != nil {
		return out, fmt.Errorf("edit stage: %w", err)
	}
	out.Edit = result

	written, err := p.emitter.Emit(ctx, req, result)
	if err != nil {
		return out, fmt.Errorf("emit stage: %w", err)
	}
	out.Output = written

	return out, nil
}

// LocalFileFetcher reads local_file sources. With Root set, relative keys
// resolve under it and nothing outside it is read.
type LocalFileFetcher struct {
	Root string
}

func (f LocalFileFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if !strings.EqualFold(req.SourceType, domain.SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := ResolveLocalSource(f.Root, req.ObjectKey)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input file %s: %w", req.ObjectKey, err)
	}
	return data, nil
}

// ResolveLocalSource maps a local_file object key to a path inside root.
// Symlinks are followed when the target exists, so a link cannot escape.
func ResolveLocalSource(root, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty object key", ErrSourceOutsideRoot)
	}
	if strings.TrimSpace(root) == "" {
		return key, nil
	}

	base, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve input directory: %w", err)
	}
	path := key
	if !filepath.IsAbs(path) {
		path = filepath.Join(base, path)
	}
	path = filepath.Clean(path)

	if real, err := filepath.EvalSymlinks(path); err == nil {
		path = real
		if realBase, err := filepath.EvalSymlinks(base); err == nil {
			base = realBase
		}
	}

	rel, err := filepath.Rel(base, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrSourceOutsideRoot, key)
	}
	return path, nil
}

// LocalFileEmitter writes <OutputDir>/<edit id>/edited.<ext>.
type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, result Result) (Output, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return Output{}, errors.New("output directory is required")
	}

	editDir := filepath.Join(e.OutputDir, sanitizePathToken(req.EditID))
	if err := os.MkdirAll(editDir, 0o755); err != nil {
		return Output{}, fmt.Errorf("create output dir: %w", err)
	}

	fullPath := filepath.Join(editDir, EditedObjectName+"."+result.Format.Extension())
	if err := os.WriteFile(fullPath, result.Image, 0o644); err != nil {
		return Output{}, fmt.Errorf("write output file: %w", err)
	}

	return outputFor(fullPath, result), nil
}

func outputFor(path string, result Result) Output {
	return Output{
		Format: result.Format,
		Path:   path,
		Bytes:  len(result.Image),
		Width:  result.Width,
		Height: result.Height,
	}
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, in)
}
