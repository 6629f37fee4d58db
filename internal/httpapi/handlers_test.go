package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/content-droid/internal/jobs"
)

const testJobID = "3f0c8a4e-2b1d-4c6e-9a7f-1d2e3f4a5b6c"

type stubService struct {
	submitID  string
	submitErr error
	params    jobs.Params
	snapshot  *jobs.StatusSnapshot
	job       *jobs.Job
	location  string
	err       error
	applied   []jobs.Transition
}

func (s *stubService) Submit(ctx context.Context, params jobs.Params) (string, error) {
	s.params = params
	return s.submitID, s.submitErr
}

func (s *stubService) Status(ctx context.Context, jobID string) (*jobs.StatusSnapshot, error) {
	return s.snapshot, s.err
}

func (s *stubService) Result(ctx context.Context, jobID string) (string, error) {
	return s.location, s.err
}

func (s *stubService) Get(ctx context.Context, jobID string) (*jobs.Job, error) {
	return s.job, s.err
}

func (s *stubService) ApplyUpdate(ctx context.Context, jobID string, t jobs.Transition) (*jobs.Job, error) {
	s.applied = append(s.applied, t)
	return s.job, s.err
}

func newTestRouter(svc JobService, token string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewRouter(svc, RouterOptions{
		Logger:         zerolog.New(io.Discard),
		AllowedOrigins: "http://localhost:3000",
		WorkerToken:    token,
	})
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(v)
	default:
		payload, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestGenerateHandlerAccepted(t *testing.T) {
	svc := &stubService{submitID: testJobID}
	router := newTestRouter(svc, "")

	rec := doJSON(t, router, http.MethodPost, "/api/generate", map[string]string{
		"prompt":         "cat playing piano",
		"voice":          "alloy",
		"backgroundType": "city",
	}, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, testJobID, decodeBody(t, rec)["id"])
	assert.Equal(t, jobs.Params{Prompt: "cat playing piano", Voice: "alloy", BackgroundType: "city"}, svc.params)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestGenerateHandlerErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     any
		svc      *stubService
		wantCode int
		wantErr  string
		wantID   bool
	}{
		{
			name:     "malformed json",
			body:     "{",
			svc:      &stubService{},
			wantCode: http.StatusBadRequest,
			wantErr:  "INVALID_INPUT",
		},
		{
			name:     "empty prompt",
			body:     map[string]string{"prompt": ""},
			svc:      &stubService{submitErr: fmt.Errorf("%w: prompt is required", jobs.ErrInvalidInput)},
			wantCode: http.StatusBadRequest,
			wantErr:  "INVALID_INPUT",
		},
		{
			name:     "enqueue failed",
			body:     map[string]string{"prompt": "p"},
			svc:      &stubService{submitID: testJobID, submitErr: fmt.Errorf("%w: broker down", jobs.ErrEnqueueFailed)},
			wantCode: http.StatusServiceUnavailable,
			wantErr:  "ENQUEUE_FAILED",
			wantID:   true,
		},
		{
			name:     "storage unavailable",
			body:     map[string]string{"prompt": "p"},
			svc:      &stubService{submitErr: jobs.StorageError("create job", errors.New("dial tcp: refused"))},
			wantCode: http.StatusServiceUnavailable,
			wantErr:  "STORAGE_UNAVAILABLE",
		},
		{
			name:     "unexpected",
			body:     map[string]string{"prompt": "p"},
			svc:      &stubService{submitErr: errors.New("boom")},
			wantCode: http.StatusInternalServerError,
			wantErr:  "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, newTestRouter(tt.svc, ""), http.MethodPost, "/api/generate", tt.body, nil)
			require.Equal(t, tt.wantCode, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, tt.wantErr, body["code"])
			if tt.wantID {
				assert.Equal(t, testJobID, body["id"])
			} else {
				assert.NotContains(t, body, "id")
			}
		})
	}
}

func TestStatusHandler(t *testing.T) {
	progress := 40
	svc := &stubService{snapshot: &jobs.StatusSnapshot{
		ID:        testJobID,
		Status:    jobs.StatusInProgress,
		Progress:  &progress,
		UpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}}
	router := newTestRouter(svc, "")

	rec := doJSON(t, router, http.MethodGet, "/api/status/"+testJobID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "IN_PROGRESS", body["status"])
	assert.EqualValues(t, 40, body["progress"])
	assert.NotContains(t, body, "errorCode")
}

func TestLookupErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		err      error
		wantCode int
		wantErr  string
	}{
		{name: "invalid id", path: "/api/status/not-a-uuid", wantCode: http.StatusBadRequest, wantErr: "INVALID_ID"},
		{name: "not found", path: "/api/status/" + testJobID, err: jobs.ErrNotFound, wantCode: http.StatusNotFound, wantErr: "JOB_NOT_FOUND"},
		{name: "storage", path: "/api/jobs/" + testJobID, err: jobs.StorageError("get job", errors.New("timeout")), wantCode: http.StatusServiceUnavailable, wantErr: "STORAGE_UNAVAILABLE"},
		{name: "not ready", path: "/api/video/" + testJobID, err: &jobs.NotReadyError{Status: jobs.StatusPending}, wantCode: http.StatusConflict, wantErr: "JOB_NOT_READY"},
		{name: "failed", path: "/api/video/" + testJobID, err: &jobs.NotReadyError{Status: jobs.StatusFailed, ErrorCode: "RENDER_ERROR", ErrorMessage: "ffmpeg"}, wantCode: http.StatusConflict, wantErr: "JOB_FAILED"},
		{name: "video invalid id", path: "/api/video/12345", wantCode: http.StatusBadRequest, wantErr: "INVALID_ID"},
		{name: "canceled", path: "/api/jobs/" + testJobID, err: context.Canceled, wantCode: http.StatusRequestTimeout, wantErr: "REQUEST_CANCELED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, newTestRouter(&stubService{err: tt.err}, ""), http.MethodGet, tt.path, nil, nil)
			require.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantErr, decodeBody(t, rec)["code"])
		})
	}
}

func TestResultHandlerFailedCarriesErrorDetail(t *testing.T) {
	svc := &stubService{err: &jobs.NotReadyError{Status: jobs.StatusFailed, ErrorCode: "RENDER_ERROR", ErrorMessage: "ffmpeg exited 1"}}
	rec := doJSON(t, newTestRouter(svc, ""), http.MethodGet, "/api/video/"+testJobID, nil, nil)

	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "RENDER_ERROR", body["errorCode"])
	assert.Equal(t, "ffmpeg exited 1", body["errorMessage"])
}

func TestResultHandlerComplete(t *testing.T) {
	svc := &stubService{location: "s3://videos/cat.mp4"}
	rec := doJSON(t, newTestRouter(svc, ""), http.MethodGet, "/api/video/"+testJobID, nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, testJobID, body["id"])
	assert.Equal(t, "s3://videos/cat.mp4", body["resultLocation"])
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestWorkerCallbacksRequireToken(t *testing.T) {
	svc := &stubService{job: &jobs.Job{ID: testJobID, Status: jobs.StatusInProgress}}
	router := newTestRouter(svc, "worker-secret")

	rec := doJSON(t, router, http.MethodPost, "/internal/videos/"+testJobID+"/start", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/internal/videos/"+testJobID+"/start", nil, map[string]string{WorkerTokenHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, svc.applied)

	rec = doJSON(t, router, http.MethodPost, "/internal/videos/"+testJobID+"/start", nil, map[string]string{WorkerTokenHeader: "worker-secret"})
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, svc.applied, 1)
	assert.Equal(t, jobs.TransitionStart, svc.applied[0].Kind)
}

func TestWorkerCallbacksDisabledWithoutToken(t *testing.T) {
	router := newTestRouter(&stubService{}, "")

	rec := doJSON(t, router, http.MethodPost, "/internal/videos/"+testJobID+"/start", nil, map[string]string{WorkerTokenHeader: ""})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkerCallbackBodies(t *testing.T) {
	svc := &stubService{job: &jobs.Job{ID: testJobID}}
	router := newTestRouter(svc, "t")
	auth := map[string]string{WorkerTokenHeader: "t"}

	rec := doJSON(t, router, http.MethodPost, "/internal/videos/"+testJobID+"/progress", map[string]int{"progress": 35}, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, router, http.MethodPost, "/internal/videos/"+testJobID+"/complete", map[string]string{"resultLocation": "videos/a.mp4"}, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, router, http.MethodPost, "/internal/videos/"+testJobID+"/fail", map[string]string{"errorCode": "E", "errorMessage": "m"}, auth)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, svc.applied, 3)
	assert.Equal(t, jobs.ReportProgress(35), svc.applied[0])
	assert.Equal(t, jobs.Complete("videos/a.mp4"), svc.applied[1])
	assert.Equal(t, jobs.Fail("E", "m"), svc.applied[2])

	rec = doJSON(t, router, http.MethodPost, "/internal/videos/"+testJobID+"/progress", map[string]string{}, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_UPDATE", decodeBody(t, rec)["code"])
	assert.Len(t, svc.applied, 3)

	svc.err = fmt.Errorf("%w: progress must be within 0-100", jobs.ErrInvalidTransition)
	rec = doJSON(t, router, http.MethodPost, "/internal/videos/"+testJobID+"/progress", map[string]int{"progress": 300}, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_UPDATE", decodeBody(t, rec)["code"])
}

func TestCORSPreflight(t *testing.T) {
	router := newTestRouter(&stubService{}, "")

	req := httptest.NewRequest(http.MethodOptions, "/api/generate", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}
