package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dunamismax/pixelprompt/internal/ratelimit"
)

func TestRateLimitRejects(t *testing.T) {
	limiter := &fakeLimiter{decision: ratelimit.Decision{
		Allowed:    false,
		Limit:      30,
		Remaining:  0,
		RetryAfter: 2400 * time.Millisecond,
	}}
	env := newTestEnv(t, limiter)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{}`))
	req.Header.Set("X-User-ID", "user-9")
	rec := env.do(req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "30", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, []string{"user-9:/v1/jobs"}, limiter.subjects)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/v1/keywords", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "reads are not limited")
	assert.Len(t, limiter.subjects, 1)
}

func TestRateLimitChargesEditsMore(t *testing.T) {
	limiter := &fakeLimiter{decision: ratelimit.Decision{Allowed: true, Limit: 30, Remaining: 28}}
	env := newTestEnv(t, limiter)

	req := multipartEdit(t, samplePNG(t, 8, 8), "invert")
	req.RemoteAddr = "203.0.113.7:5123"
	rec := env.do(req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"ip:203.0.113.7:/v1/edits"}, limiter.subjects)
	assert.Equal(t, []int{editCost}, limiter.costs)
	assert.Equal(t, "28", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestRateLimitFailsOpen(t *testing.T) {
	limiter := &fakeLimiter{err: errors.New("redis unavailable")}
	env := newTestEnv(t, limiter)

	rec, _ := createJob(t, env, `{"source_type":"s3_presigned","instruction":"blur"}`, "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.NotNil(t, env.logs.LastEntry())
	assert.Equal(t, "rate limiter check failed", env.logs.LastEntry().Message)
}

func TestMetricsUseRoutePatterns(t *testing.T) {
	env := newTestEnv(t, nil)

	env.do(httptest.NewRequest(http.MethodGet, "/v1/jobs/abc", nil))
	env.do(httptest.NewRequest(http.MethodGet, "/nope", nil))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `pixelprompt_api_requests_total{method="GET",route="/v1/jobs/{id}",status="404"} 1`)
	assert.Contains(t, text, `route="unmatched"`)
	assert.NotContains(t, text, "/v1/jobs/abc")
}

func TestTracingNamesSpansByRoute(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	env := newTestEnv(t, nil)
	env.server.tracer = provider.Tracer("api-test")
	env.server.routes([]string{"*"})
	env.handler = env.server.Handler()

	env.do(httptest.NewRequest(http.MethodGet, "/v1/jobs/abc", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /v1/jobs/{id}", spans[0].Name())
}
