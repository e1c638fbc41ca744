package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/fieldsync/internal/domain"
)

// =============================================================================
// Error Response Tests - Security Focus
// =============================================================================

func TestValidationErrorResponse_DoesNotExposeOperationName(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ve := domain.NewValidationError("ReportService.Save", "title", "Title is required")

	req := httptest.NewRequest("POST", "/api/v1/reports", nil)
	rec := httptest.NewRecorder()
	ValidationErrorResponse(rec, req, logger, ve)

	body := rec.Body.String()
	if strings.Contains(body, "ReportService") {
		t.Errorf("JSON response exposes internal operation name: %s", body)
	}
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp JSONError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.EINVALID, resp.Error.Code)
	assert.Equal(t, "Validation failed: Title is required", resp.Error.Message)
	assert.Equal(t, "Title is required", resp.Error.Fields["title"])
}

func TestErrorResponse_RoutesValidationErrors(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ve := domain.NewValidationError("photo.upload", "local_photo_id", "Local photo id is required")

	req := httptest.NewRequest("PUT", "/api/v1/photos/x", nil)
	rec := httptest.NewRecorder()
	ErrorResponse(rec, req, logger, ve)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "local_photo_id")
}

func TestErrorResponse_InternalErrorHidesDetails(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	sensitiveErr := &mockDatabaseError{message: "connection to 192.168.1.100:5432 refused"}
	internalErr := domain.Internal(sensitiveErr, "DB.Connect", "Failed to connect")

	req := httptest.NewRequest("GET", "/api/v1/reference", nil)
	rec := httptest.NewRecorder()
	ErrorResponse(rec, req, logger, internalErr)

	body := rec.Body.String()
	if strings.Contains(body, "192.168") {
		t.Errorf("JSON response exposes IP address: %s", body)
	}
	if strings.Contains(body, "DB.Connect") {
		t.Errorf("JSON response exposes internal operation: %s", body)
	}
	if !strings.Contains(body, "internal error") {
		t.Errorf("JSON response should contain generic error, got: %s", body)
	}
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestErrorResponse_UnwrappedErrorReturnsGeneric(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	rawErr := &mockDatabaseError{message: "FATAL: password authentication failed for user \"postgres\""}

	req := httptest.NewRequest("GET", "/api/v1/reference", nil)
	rec := httptest.NewRecorder()
	ErrorResponse(rec, req, logger, rawErr)

	body := rec.Body.String()
	if strings.Contains(body, "FATAL") {
		t.Errorf("response exposes raw error: %s", body)
	}
	if strings.Contains(body, "postgres") {
		t.Errorf("response exposes database user: %s", body)
	}
	if !strings.Contains(body, "internal error") {
		t.Errorf("response should contain generic message, got: %s", body)
	}
}

func TestErrorCodeToHTTPStatus(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{domain.EINVALID, http.StatusUnprocessableEntity},
		{domain.EREJECTED, http.StatusUnprocessableEntity},
		{domain.ENOTFOUND, http.StatusNotFound},
		{domain.ECONFLICT, http.StatusConflict},
		{domain.ETOOLARGE, http.StatusRequestEntityTooLarge},
		{domain.ETRANSIENT, http.StatusServiceUnavailable},
		{domain.EUNAVAILABLE, http.StatusServiceUnavailable},
		{domain.EINTERNAL, http.StatusInternalServerError},
		{"unknown", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCodeToHTTPStatus(tt.code))
		})
	}
}

// mockDatabaseError simulates a database error for testing
type mockDatabaseError struct {
	message string
}

func (e *mockDatabaseError) Error() string {
	return e.message
}
