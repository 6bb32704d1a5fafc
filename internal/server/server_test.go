package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/audiolibrelab/replaycapture/internal/apperr"
	"github.com/audiolibrelab/replaycapture/internal/metrics"
	"github.com/audiolibrelab/replaycapture/internal/service"
	"github.com/audiolibrelab/replaycapture/internal/session"
	"github.com/audiolibrelab/replaycapture/internal/sink"
)

type fakeService struct {
	mu       sync.Mutex
	state    session.State
	clip     int
	startErr error
	outDir   string
	captures []service.Capture
	met      *metrics.Metrics
}

func (f *fakeService) StartBuffering(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if f.state != session.StateIdle {
		return apperr.New(apperr.CodeInvalidState, "cannot start buffering in state %s", f.state)
	}
	f.state = session.StateBuffering
	return nil
}

func (f *fakeService) Trigger() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != session.StateBuffering {
		return apperr.New(apperr.CodeInvalidState, "cannot trigger capture in state %s", f.state)
	}
	f.state = session.StateCapturingPost
	return nil
}

func (f *fakeService) Stop() {
	f.mu.Lock()
	f.state = session.StateIdle
	f.mu.Unlock()
}

func (f *fakeService) SetClipDuration(total int) error {
	if _, _, err := session.SplitClipDuration(total); err != nil {
		return err
	}
	f.mu.Lock()
	f.clip = total
	f.mu.Unlock()
	return nil
}

func (f *fakeService) Status() service.StatusInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return service.StatusInfo{
		Status:          session.Status{State: f.state},
		ClipDuration:    f.clip,
		OutputDirectory: f.outDir,
	}
}

func (f *fakeService) Captures() []service.Capture { return f.captures }

func (f *fakeService) ListArtifacts() ([]service.ArtifactInfo, error) {
	return []service.ArtifactInfo{{Name: "cam_1_20240309_180405.mp4", Size: 4}}, nil
}

func (f *fakeService) Metrics() *metrics.Metrics { return f.met }

func (f *fakeService) MetricsHandler() http.Handler { return f.met.Handler(nil) }

func newTestServer(t *testing.T) (*fakeService, http.Handler) {
	t.Helper()
	f := &fakeService{state: session.StateIdle, clip: 10, outDir: t.TempDir(), met: metrics.New()}
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return f, New(f, "0", log).Router()
}

func do(h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp
}

func TestServer_BufferTriggerStop(t *testing.T) {
	f, h := newTestServer(t)

	if rec := do(h, http.MethodPost, "/api/buffer/start", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	rec := do(h, http.MethodPost, "/api/trigger", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var st service.StatusInfo
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.State != session.StateCapturingPost {
		t.Errorf("expected CAPTURING_POST, got %s", st.State)
	}

	if rec := do(h, http.MethodPost, "/api/stop", nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if f.Status().State != session.StateIdle {
		t.Errorf("expected IDLE after stop, got %s", f.Status().State)
	}
}

func TestServer_TriggerWhileIdleConflicts(t *testing.T) {
	_, h := newTestServer(t)

	rec := do(h, http.MethodPost, "/api/trigger", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != apperr.CodeInvalidState {
		t.Errorf("expected INVALID_STATE, got %s", resp.Code)
	}
}

func TestServer_StartPermissionDenied(t *testing.T) {
	f, h := newTestServer(t)
	f.startErr = apperr.New(apperr.CodePermission, "camera unavailable")

	rec := do(h, http.MethodPost, "/api/buffer/start", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	resp := decodeError(t, rec)
	if resp.Code != apperr.CodePermission || resp.Message != "camera unavailable" {
		t.Errorf("unexpected error body: %+v", resp)
	}
}

func TestServer_ClipDuration(t *testing.T) {
	f, h := newTestServer(t)

	rec := do(h, http.MethodPut, "/api/clip-duration", []byte(`{"total_seconds": 12}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if f.Status().ClipDuration != 12 {
		t.Errorf("expected clip duration 12, got %d", f.Status().ClipDuration)
	}

	rec = do(h, http.MethodPut, "/api/clip-duration", []byte(`{"total_seconds": 1}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	rec = do(h, http.MethodPut, "/api/clip-duration", []byte("not json"))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad body, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != apperr.CodeInvalidArgument {
		t.Errorf("expected INVALID_ARGUMENT, got %s", resp.Code)
	}
}

func TestServer_Captures(t *testing.T) {
	f, h := newTestServer(t)
	f.captures = []service.Capture{{SessionID: "s1", Artifact: sink.Ref{Name: "cam_1_20240309_180405.mp4"}}}

	rec := do(h, http.MethodGet, "/api/captures", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp CapturesResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Captures) != 1 || resp.TotalCount != 1 {
		t.Errorf("unexpected captures response: %+v", resp)
	}
}

func TestServer_FileStream(t *testing.T) {
	f, h := newTestServer(t)
	if err := os.WriteFile(filepath.Join(f.outDir, "clip.mp4"), []byte("moov"), 0644); err != nil {
		t.Fatal(err)
	}

	rec := do(h, http.MethodGet, "/api/files/stream/clip.mp4", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "moov" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/mp4" {
		t.Errorf("unexpected content type %q", ct)
	}

	if rec := do(h, http.MethodGet, "/api/files/stream/missing.mp4", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/api/files/stream/..", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestServer_Metrics(t *testing.T) {
	_, h := newTestServer(t)
	do(h, http.MethodPost, "/api/trigger", nil)

	rec := do(h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "replaycapture_http_errors_total 1") {
		t.Errorf("expected one counted error response, got:\n%s", body)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperr.New(apperr.CodeInvalidState, "x"), http.StatusConflict},
		{apperr.New(apperr.CodePermission, "x"), http.StatusForbidden},
		{apperr.New(apperr.CodeInvalidArgument, "x"), http.StatusBadRequest},
		{apperr.New(apperr.CodeNoSegments, "x"), http.StatusInternalServerError},
		{os.ErrNotExist, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
