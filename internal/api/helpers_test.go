package api

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/pixelprompt/internal/pipeline"
	"github.com/dunamismax/pixelprompt/internal/queue"
	"github.com/dunamismax/pixelprompt/internal/ratelimit"
	"github.com/dunamismax/pixelprompt/internal/store"
)

type fakeQueue struct {
	mu       sync.Mutex
	payloads []queue.EditImagePayload
	err      error
}

func (q *fakeQueue) EnqueueEditImage(_ context.Context, payload queue.EditImagePayload) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	q.payloads = append(q.payloads, payload)
	return &asynq.TaskInfo{
		ID:            "edit:" + payload.EditID,
		Queue:         "default",
		State:         asynq.TaskStatePending,
		NextProcessAt: time.Now(),
	}, nil
}

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
	failAll bool
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: map[string][]byte{}}
}

func (s *fakeStorage) PresignedPutURL(_ context.Context, key string, _ time.Duration) (string, error) {
	if s.failAll {
		return "", errors.New("minio down")
	}
	return "https://minio.local/pixelprompt-edits/" + key + "?X-Amz-Signature=test", nil
}

func (s *fakeStorage) ObjectExists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return false, errors.New("minio down")
	}
	_, ok := s.objects[key]
	return ok, nil
}

func (s *fakeStorage) WriteObject(_ context.Context, key string, data []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return errors.New("minio down")
	}
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

func (s *fakeStorage) DeleteObjects(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.objects, key)
		s.deleted = append(s.deleted, key)
	}
	return nil
}

func (s *fakeStorage) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}

type fakeLimiter struct {
	decision ratelimit.Decision
	err      error
	subjects []string
	costs    []int
}

func (l *fakeLimiter) AllowN(_ context.Context, subject string, cost int) (ratelimit.Decision, error) {
	l.subjects = append(l.subjects, subject)
	l.costs = append(l.costs, cost)
	return l.decision, l.err
}

type testEnv struct {
	server  *Server
	handler http.Handler
	edits   *store.MemoryEditStore
	queue   *fakeQueue
	storage *fakeStorage
	logs    *test.Hook
}

func newTestEnv(t *testing.T, limiter ratelimit.Limiter, configure ...func(*Options)) *testEnv {
	t.Helper()

	editor, err := pipeline.NewDefaultEditor(pipeline.Options{}, pipeline.Limits{})
	require.NoError(t, err)

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	env := &testEnv{
		edits:   store.NewMemoryEditStore(),
		queue:   &fakeQueue{},
		storage: newFakeStorage(),
		logs:    hook,
	}
	opts := Options{
		Logger:  logger,
		Editor:  editor,
		Queue:   env.queue,
		Edits:   env.edits,
		Storage: env.storage,
	}
	if limiter != nil {
		opts.RateLimiter = limiter
	}
	for _, fn := range configure {
		fn(&opts)
	}
	env.server, err = NewServer(opts)
	require.NoError(t, err)
	env.handler = env.server.Handler()
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func samplePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 180, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}
