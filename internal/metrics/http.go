package metrics

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/DukeRupert/fieldsync/internal/syncapi"
)

var uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// Path labels for requests outside the known routes.
const (
	unknownAPIPath = "/api/{unknown}"
	metricsPath    = "/metrics"
)

// statusRecorder remembers the status and body size a handler wrote.
type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.size += n
	return n, err
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func (sr *statusRecorder) code() int {
	if sr.status == 0 {
		return http.StatusOK
	}
	return sr.status
}

// normalizePath maps a request path to its route so labels stay bounded.
// Photo ids and offline ids are client-chosen and need not be UUIDs, so the
// sync routes are matched by prefix. Other API paths collapse to a single
// label; anything else only has UUIDs replaced.
func normalizePath(path string) string {
	switch {
	case path == syncapi.PathReports, path == syncapi.PathReference, path == syncapi.PathHealth:
		return path
	case strings.HasPrefix(path, syncapi.PathPhotos) && len(path) > len(syncapi.PathPhotos):
		return syncapi.PathPhotos + "{id}"
	case strings.HasPrefix(path, syncapi.PathReports+"/") && len(path) > len(syncapi.PathReports)+1:
		return syncapi.PathReports + "/{offlineId}"
	case strings.HasPrefix(path, "/api/"):
		return unknownAPIPath
	}
	return uuidPattern.ReplaceAllString(path, "{id}")
}

// Middleware records request count, latency and response size per route.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == metricsPath {
			next.ServeHTTP(w, r)
			return
		}

		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		path := normalizePath(r.URL.Path)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.code())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		HTTPResponseSize.WithLabelValues(path).Observe(float64(rec.size))
	})
}
