package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/DukeRupert/fieldsync/internal/syncapi"
)

func newLoggedHandler(buf *bytes.Buffer, status int) http.Handler {
	logger := slog.New(slog.NewTextHandler(buf, nil))
	mw := NewRequestLoggingMiddleware(logger)
	return mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
}

func TestRequestLoggingMiddleware_LogsRequest(t *testing.T) {
	var buf bytes.Buffer
	h := newLoggedHandler(&buf, http.StatusOK)

	req := httptest.NewRequest("POST", syncapi.PathReports, nil)
	req.RemoteAddr = "192.168.1.1:12345"
	req.Header.Set("User-Agent", "fieldsync/1.0")
	req.Header.Set(syncapi.HeaderReportOfflineID, "rep-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	out := buf.String()
	assert.Contains(t, out, "method=POST")
	assert.Contains(t, out, "path=/api/v1/reports")
	assert.Contains(t, out, "status=200")
	assert.Contains(t, out, "bytes=11")
	assert.Contains(t, out, "duration_ms=")
	assert.Contains(t, out, "ip=192.168.1.1")
	assert.Contains(t, out, "fieldsync/1.0")
	assert.Contains(t, out, "report_offline_id=rep-1")
	assert.Contains(t, out, "component=http")
}

func TestRequestLoggingMiddleware_ServerErrorsLogAtWarn(t *testing.T) {
	var buf bytes.Buffer
	h := newLoggedHandler(&buf, http.StatusServiceUnavailable)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("PUT", syncapi.PathPhotos+"p1", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "status=503")
}

func TestRequestLoggingMiddleware_ClientErrorsLogAtInfo(t *testing.T) {
	var buf bytes.Buffer
	h := newLoggedHandler(&buf, http.StatusUnprocessableEntity)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", syncapi.PathReports, nil))

	assert.Contains(t, buf.String(), "level=INFO")
	assert.Contains(t, buf.String(), "status=422")
}

func TestRequestLoggingMiddleware_RedactsSensitiveQueryParams(t *testing.T) {
	var buf bytes.Buffer
	h := newLoggedHandler(&buf, http.StatusOK)

	req := httptest.NewRequest("GET", syncapi.PathReference+"?token=abc123&X-Amz-Signature=deadbeef&page=2", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	assert.NotContains(t, out, "abc123")
	assert.NotContains(t, out, "deadbeef")
	assert.Contains(t, out, "[REDACTED]")
	assert.Contains(t, out, "page=2")
}

func TestRequestLoggingMiddleware_SkipsProbes(t *testing.T) {
	for _, path := range []string{syncapi.PathHealth, "/metrics"} {
		t.Run(path, func(t *testing.T) {
			var buf bytes.Buffer
			h := newLoggedHandler(&buf, http.StatusOK)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Empty(t, buf.String())
		})
	}
}

func TestSanitizePath(t *testing.T) {
	tests := []struct {
		path  string
		query string
		want  string
	}{
		{"/api/v1/reports", "", "/api/v1/reports"},
		{"/api/v1/reference", "page=1", "/api/v1/reference?page=1"},
		{"/api/v1/reference", "key=k1", "/api/v1/reference?key=[REDACTED]"},
		{"/api/v1/reference", "flag", "/api/v1/reference"},
	}
	for _, tt := range tests {
		t.Run(tt.path+"?"+tt.query, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizePath(tt.path, tt.query))
		})
	}
}

func TestStack_RunsInOrder(t *testing.T) {
	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Stack(mark("first"), mark("second"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, []string{"first", "second", "handler"}, order)
}
