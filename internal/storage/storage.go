// Package storage provides blob storage for report photos.
//
// The client keeps draft photo blobs in LocalStorage next to its database.
// The sync server stores acknowledged photos and thumbnails in either
// LocalStorage or R2Storage (any S3-compatible endpoint).
package storage

import (
	"context"
	"fmt"
	"io"
	"time"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Storage defines the interface for blob storage operations.
type Storage interface {
	// Put stores data at the specified key. Fails with ErrKeyExists when the
	// key is taken and opts.Overwrite is false.
	Put(ctx context.Context, key string, data io.Reader, opts PutOptions) error

	// Get retrieves the data at the specified key. The caller must close the
	// reader. Returns ErrNotFound if the key doesn't exist.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)

	// Delete removes the object at the specified key. Deleting a missing key
	// is not an error.
	Delete(ctx context.Context, key string) error

	// URL returns a locator for the object. Private objects get a presigned
	// URL valid for expires.
	URL(ctx context.Context, key string, expires time.Duration) (string, error)

	// Exists checks if an object exists at the specified key.
	Exists(ctx context.Context, key string) (bool, error)
}

// =============================================================================
// Data Types
// =============================================================================

// PutOptions configures how an object is stored.
type PutOptions struct {
	ContentType string // Detected from the key when empty
	MaxSize     int64  // ErrTooLarge above this size; 0 means no limit
	Overwrite   bool   // Replace an existing object at the same key
	Public      bool   // public-read ACL on R2, informational locally
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key          string    // Object key/path
	Size         int64     // Size in bytes
	ContentType  string    // MIME type
	LastModified time.Time // Last modification time
	ETag         string    // Entity tag (if available)
}

// =============================================================================
// Configuration Types
// =============================================================================

// LocalConfig holds configuration for local filesystem storage.
type LocalConfig struct {
	// BasePath is the root directory where files are stored.
	BasePath string

	// BaseURL is the URL prefix used to build locators. May be empty on the client.
	BaseURL string
}

// R2Config holds configuration for Cloudflare R2 or another S3-compatible store.
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string

	// PublicURL is the public URL for the bucket, if using a custom domain.
	// If empty, presigned URLs are used for all access.
	PublicURL string

	// Region defaults to "auto", which R2 accepts.
	Region string

	// Endpoint overrides the R2 endpoint derived from AccountID, e.g. for MinIO.
	Endpoint string
}

// =============================================================================
// Provider Constants
// =============================================================================

const (
	// ProviderLocal identifies the local filesystem storage provider.
	ProviderLocal = "local"

	// ProviderR2 identifies the Cloudflare R2 storage provider.
	ProviderR2 = "r2"
)

// =============================================================================
// Key Generation Helpers
// =============================================================================

// DraftPhotoKey is where the client keeps a photo blob before and during upload.
// Format: drafts/{offlineID}/photos/{localPhotoID}{ext}
func DraftPhotoKey(offlineID, localPhotoID, contentType string) string {
	return fmt.Sprintf("drafts/%s/photos/%s%s", offlineID, localPhotoID, ExtensionForContentType(contentType))
}

// PhotoKey is where the server stores an acknowledged photo.
// Format: reports/{reportOfflineID}/photos/{photoID}{ext}
func PhotoKey(reportOfflineID, photoID, contentType string) string {
	return fmt.Sprintf("reports/%s/photos/%s%s", reportOfflineID, photoID, ExtensionForContentType(contentType))
}

// ThumbnailKey is where the server stores a photo thumbnail. Thumbnails are always JPEG.
// Format: reports/{reportOfflineID}/thumbnails/{photoID}.jpg
func ThumbnailKey(reportOfflineID, photoID string) string {
	return fmt.Sprintf("reports/%s/thumbnails/%s.jpg", reportOfflineID, photoID)
}

// ReadAll fetches the whole object at key.
func ReadAll(ctx context.Context, s Storage, key string) ([]byte, ObjectInfo, error) {
	rc, info, err := s.Get(ctx, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, ObjectInfo{}, &StorageError{Op: "Get", Key: key, Err: fmt.Errorf("failed to read object: %w", err)}
	}
	return data, info, nil
}
