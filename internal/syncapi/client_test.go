package syncapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/fieldsync/internal/domain"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL, Timeout: time.Second},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return c
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	var body ErrorBody
	body.Error.Code = code
	body.Error.Message = msg
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{}, slog.Default())
	assert.Error(t, err)
}

func TestClient_SaveReport(t *testing.T) {
	var got SaveReportRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, PathReports, r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(SaveReportResponse{
			ReportID:  "srv-1",
			OfflineID: got.OfflineID,
			Photos:    []PhotoMapping{{LocalPhotoID: "lp-1", PermanentPhotoID: "ph-1"}},
		})
	}))

	resp, err := c.SaveReport(context.Background(), SaveReportRequest{
		OfflineID: "off-1",
		Revision:  3,
		Fields:    domain.ReportFields{Title: "Deck pour"},
		Photos:    []PhotoRef{{LocalPhotoID: "lp-1", Order: 0}},
	})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", resp.ReportID)
	assert.Equal(t, "off-1", got.OfflineID)
	assert.Equal(t, int64(3), got.Revision)
	assert.Nil(t, got.Photos[0].PermanentPhotoID)
	require.Len(t, resp.Photos, 1)
}

func TestClient_UploadPhotoSendsHeaders(t *testing.T) {
	data := []byte("jpeg-bytes")
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, PathPhotos+"lp-1", r.URL.Path)
		assert.Equal(t, "off-1", r.Header.Get(HeaderReportOfflineID))
		assert.Equal(t, "north.jpg", r.Header.Get(HeaderFilename))
		assert.Equal(t, Digest(data), r.Header.Get(HeaderContentDigest))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, data, body)
		_ = json.NewEncoder(w).Encode(UploadPhotoResponse{LocalPhotoID: "lp-1", PermanentPhotoID: "ph-1"})
	}))

	resp, err := c.UploadPhoto(context.Background(), UploadPhotoRequest{
		LocalPhotoID:    "lp-1",
		ReportOfflineID: "off-1",
		Filename:        "north.jpg",
		ContentType:     "image/jpeg",
		Data:            data,
	})
	require.NoError(t, err)
	assert.Equal(t, "ph-1", resp.PermanentPhotoID)
}

func TestClient_UploadPhotoDeletedResponse(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(UploadPhotoResponse{LocalPhotoID: "lp-1", Deleted: true})
	}))

	resp, err := c.UploadPhoto(context.Background(), UploadPhotoRequest{LocalPhotoID: "lp-1", Data: []byte("x")})
	require.NoError(t, err)
	assert.True(t, resp.Deleted)
}

func TestClient_DeletePhotoTreatsNotFoundAsSuccess(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		writeError(w, http.StatusNotFound, "not_found", "no such photo")
	}))

	assert.NoError(t, c.DeletePhoto(context.Background(), "ph-404"))
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
		message   string
	}{
		{"bad request is rejected", http.StatusBadRequest, false, "title is required"},
		{"unprocessable is rejected", http.StatusUnprocessableEntity, false, "title is required"},
		{"conflict is rejected", http.StatusConflict, false, "title is required"},
		{"request timeout retries", http.StatusRequestTimeout, true, ""},
		{"rate limit retries", http.StatusTooManyRequests, true, ""},
		{"server error retries", http.StatusInternalServerError, true, ""},
		{"bad gateway retries", http.StatusBadGateway, true, ""},
		{"unavailable retries", http.StatusServiceUnavailable, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(w, tt.status, "x", "title is required")
			}))

			_, err := c.SaveReport(context.Background(), SaveReportRequest{OfflineID: "off-1"})
			require.Error(t, err)
			assert.Equal(t, tt.transient, domain.IsTransient(err))
			assert.Equal(t, !tt.transient, domain.IsRejected(err))
			if tt.message != "" {
				assert.Equal(t, tt.message, domain.ErrorMessage(err))
			}
		})
	}
}

func TestClient_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	c, err := NewClient(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, slog.Default())
	require.NoError(t, err)

	_, err = c.SaveReport(context.Background(), SaveReportRequest{OfflineID: "off-1"})
	assert.True(t, domain.IsTransient(err))
}

func TestClient_UnreachableIsTransient(t *testing.T) {
	c, err := NewClient(Config{BaseURL: "http://127.0.0.1:1", Timeout: time.Second}, slog.Default())
	require.NoError(t, err)

	assert.True(t, domain.IsTransient(c.Ping(context.Background())))
}

func TestClient_FetchReference(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathReference, r.URL.Path)
		_ = json.NewEncoder(w).Encode(domain.ReferenceData{
			Projects:       []domain.Project{{ID: "p1", Name: "Harbor Tower"}},
			CaptionPresets: []string{"Before"},
		})
	}))

	data, err := c.FetchReference(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Harbor Tower", data.Projects[0].Name)
}

func TestDigest(t *testing.T) {
	assert.Len(t, Digest([]byte("abc")), 64)
	assert.Equal(t, Digest([]byte("abc")), Digest([]byte("abc")))
	assert.NotEqual(t, Digest([]byte("abc")), Digest([]byte("abd")))
}
