package handler_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/opentrack/internal/apperror"
	"github.com/sakif/opentrack/internal/handler"
	"github.com/sakif/opentrack/internal/service"
)

// MockRecorder captures Record calls. Set Err to simulate a store failure
// or Panic to simulate a bug in the recording path.
type MockRecorder struct {
	mu     sync.Mutex
	Calls  []recordCall
	Err    error
	Panic  bool
	ctxErr error
}

type recordCall struct {
	EmailID, Origin, Client string
}

func (m *MockRecorder) Record(ctx context.Context, emailID, origin, client string) (service.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, recordCall{emailID, origin, client})
	m.ctxErr = ctx.Err()
	if m.Panic {
		panic("recorder exploded")
	}
	if m.Err != nil {
		return service.OutcomeFailed, m.Err
	}
	return service.OutcomeCreated, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pixelRouter(rec handler.Recorder) http.Handler {
	h := handler.NewPixelHandler(rec, testLogger())
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Get("/track", h.HandlePixel)
	r.Get("/track/", h.HandlePixel)
	r.Get("/track/{emailId}", h.HandlePixel)
	return r
}

// expectedPixel is the canonical tracking GIF, 42 bytes.
var expectedPixel = []byte("GIF89a\x01\x00\x01\x00\x80\x00\x00\x00\x00\x00\xff\xff\xff!\xf9\x04\x01\x00\x00\x00\x00,\x00\x00\x00\x00\x01\x00\x01\x00\x00\x02\x01D\x00;")

func assertPixelResponse(t *testing.T, rr *httptest.ResponseRecorder) {
	t.Helper()
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "image/gif", rr.Header().Get("Content-Type"))
	assert.Equal(t, "42", rr.Header().Get("Content-Length"))
	assert.Equal(t, "no-cache, no-store, must-revalidate", rr.Header().Get("Cache-Control"))
	assert.Equal(t, "no-cache", rr.Header().Get("Pragma"))
	assert.Equal(t, "0", rr.Header().Get("Expires"))
	assert.Equal(t, expectedPixel, rr.Body.Bytes())
}

func TestPixelHandler_RecordsAndServesGIF(t *testing.T) {
	rec := &MockRecorder{}
	req := httptest.NewRequest(http.MethodGet, "/track/abc123", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0) Outlook/16.0")
	rr := httptest.NewRecorder()

	pixelRouter(rec).ServeHTTP(rr, req)

	assertPixelResponse(t, rr)
	require.Len(t, rec.Calls, 1)
	assert.Equal(t, "abc123", rec.Calls[0].EmailID)
	assert.Equal(t, "203.0.113.7", rec.Calls[0].Origin, "port should be stripped")
	assert.Equal(t, "Mozilla/5.0 (Windows NT 10.0) Outlook/16.0", rec.Calls[0].Client)
}

func TestPixelHandler_SameResponseWhenRecordingFails(t *testing.T) {
	tests := []struct {
		name string
		rec  *MockRecorder
	}{
		{"store unavailable", &MockRecorder{Err: apperror.Unavailable("mock", errors.New("connection refused"))}},
		{"unexpected error", &MockRecorder{Err: errors.New("boom")}},
		{"panic", &MockRecorder{Panic: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			pixelRouter(tt.rec).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/track/abc123", nil))

			assertPixelResponse(t, rr)
			assert.Len(t, tt.rec.Calls, 1)
		})
	}
}

func TestPixelHandler_NoIDServesPixelWithoutRecording(t *testing.T) {
	for _, path := range []string{"/track", "/track/"} {
		t.Run(path, func(t *testing.T) {
			rec := &MockRecorder{}
			rr := httptest.NewRecorder()
			pixelRouter(rec).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))

			assertPixelResponse(t, rr)
			assert.Empty(t, rec.Calls)
		})
	}
}

func TestPixelHandler_ForwardedAddress(t *testing.T) {
	rec := &MockRecorder{}
	req := httptest.NewRequest(http.MethodGet, "/track/abc123", nil)
	req.RemoteAddr = "10.0.0.2:443"
	req.Header.Set("X-Forwarded-For", "198.51.100.23, 10.0.0.2")
	rr := httptest.NewRecorder()

	pixelRouter(rec).ServeHTTP(rr, req)

	require.Len(t, rec.Calls, 1)
	assert.Equal(t, "198.51.100.23", rec.Calls[0].Origin)
}

func TestPixelHandler_DecodesEscapedID(t *testing.T) {
	rec := &MockRecorder{}
	rr := httptest.NewRecorder()
	pixelRouter(rec).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/track/campaign%2042", nil))

	require.Len(t, rec.Calls, 1)
	assert.Equal(t, "campaign 42", rec.Calls[0].EmailID)
}

func TestPixelHandler_EmailIDParamDecoding(t *testing.T) {
	tests := []struct {
		name string
		path string
		want string
	}{
		{"escaped space", "/track/campaign%2042", "campaign 42"},
		{"escaped percent decoded once", "/track/x%2541", "x%41"},
		{"escaped slash", "/track/a%2Fb", "a/b"},
		{"escaped percent next to slash", "/track/a%2F%2541", "a/%41"},
		{"plain", "/track/abc123", "abc123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &MockRecorder{}
			rr := httptest.NewRecorder()
			pixelRouter(rec).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, http.StatusOK, rr.Code)
			require.Len(t, rec.Calls, 1)
			assert.Equal(t, tt.want, rec.Calls[0].EmailID)
		})
	}
}

func TestPixelHandler_RecordingOutlivesClientCancel(t *testing.T) {
	rec := &MockRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/track/abc123", nil).WithContext(ctx)
	rr := httptest.NewRecorder()

	pixelRouter(rec).ServeHTTP(rr, req)

	assertPixelResponse(t, rr)
	require.Len(t, rec.Calls, 1)
	assert.NoError(t, rec.ctxErr, "recorder context must not inherit the client's cancellation")
}
