package syncapi

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/DukeRupert/fieldsync/internal/domain"
)

// DefaultTimeout bounds a single request when Config.Timeout is zero.
const DefaultTimeout = 20 * time.Second

// Config configures the HTTP client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client implements Remote over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a client for the server at cfg.BaseURL.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("server base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse server base URL: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}, nil
}

// SaveReport creates or updates a report.
func (c *Client) SaveReport(ctx context.Context, req SaveReportRequest) (*SaveReportResponse, error) {
	const op = "syncapi.save_report"

	body, err := json.Marshal(req)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to encode report")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+PathReports, bytes.NewReader(body))
	if err != nil {
		return nil, domain.Internal(err, op, "failed to build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var resp SaveReportResponse
	if err := c.do(httpReq, op, &resp); err != nil {
		return nil, err
	}
	if resp.ReportID == "" {
		return nil, domain.Transient(nil, op, "server acknowledged save without a report id")
	}
	return &resp, nil
}

// UploadPhoto sends a photo blob under its local id. The body is the raw
// image; identity and metadata travel in headers.
func (c *Client) UploadPhoto(ctx context.Context, req UploadPhotoRequest) (*UploadPhotoResponse, error) {
	const op = "syncapi.upload_photo"

	if req.LocalPhotoID == "" {
		return nil, domain.Invalid(op, "local photo id is required")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+PathPhotos+url.PathEscape(req.LocalPhotoID), bytes.NewReader(req.Data))
	if err != nil {
		return nil, domain.Internal(err, op, "failed to build request")
	}
	httpReq.Header.Set("Content-Type", req.ContentType)
	httpReq.Header.Set(HeaderReportOfflineID, req.ReportOfflineID)
	httpReq.Header.Set(HeaderFilename, req.Filename)
	httpReq.Header.Set(HeaderCaption, req.Caption)
	httpReq.Header.Set(HeaderContentDigest, Digest(req.Data))

	var resp UploadPhotoResponse
	if err := c.do(httpReq, op, &resp); err != nil {
		return nil, err
	}
	if !resp.Deleted && resp.PermanentPhotoID == "" {
		return nil, domain.Transient(nil, op, "server acknowledged upload without a photo id")
	}
	return &resp, nil
}

// DeletePhoto deletes a photo by permanent or local id. Unknown ids are not
// an error.
func (c *Client) DeletePhoto(ctx context.Context, photoID string) error {
	const op = "syncapi.delete_photo"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+PathPhotos+url.PathEscape(photoID), nil)
	if err != nil {
		return domain.Internal(err, op, "failed to build request")
	}
	err = c.do(httpReq, op, nil)
	if err != nil && errors.Is(err, errNotFound) {
		return nil
	}
	return err
}

// FetchReference downloads the reference data snapshot.
func (c *Client) FetchReference(ctx context.Context) (*domain.ReferenceData, error) {
	const op = "syncapi.fetch_reference"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+PathReference, nil)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to build request")
	}
	var data domain.ReferenceData
	if err := c.do(httpReq, op, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Ping checks that the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	const op = "syncapi.ping"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+PathHealth, nil)
	if err != nil {
		return domain.Internal(err, op, "failed to build request")
	}
	return c.do(httpReq, op, nil)
}

// Digest returns the blake2b-256 hex digest sent with photo uploads.
func Digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// errNotFound marks a 404 so DeletePhoto can treat it as success.
var errNotFound = errors.New("not found")

// do executes a single request and decodes a 2xx JSON body into out.
func (c *Client) do(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		// Network errors and timeouts are retryable
		return domain.Transient(err, op, "server unreachable")
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Transient(err, op, "failed to read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug("sync request failed",
			"op", op,
			"method", req.Method,
			"path", req.URL.Path,
			"status", resp.StatusCode,
		)
		return mapHTTPError(op, resp.StatusCode, bodyBytes)
	}

	if out == nil || len(bodyBytes) == 0 {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		// A garbled 2xx is treated like a lost response.
		return domain.Transient(err, op, "malformed response body")
	}
	return nil
}

// mapHTTPError maps HTTP status codes to domain errors.
func mapHTTPError(op string, statusCode int, body []byte) error {
	var errResp ErrorBody
	_ = json.Unmarshal(body, &errResp)
	msg := errResp.Error.Message
	if msg == "" {
		msg = http.StatusText(statusCode)
	}

	switch {
	case statusCode == http.StatusRequestTimeout,
		statusCode == http.StatusTooEarly,
		statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		return domain.Transient(nil, op, fmt.Sprintf("server error (status %d): %s", statusCode, msg))
	case statusCode == http.StatusNotFound:
		e := domain.Rejected(op, msg)
		e.Err = errNotFound
		return e
	default:
		return domain.Rejected(op, msg)
	}
}
