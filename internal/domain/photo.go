package domain

import (
	"fmt"
	"time"
)

// =============================================================================
// Upload State
// =============================================================================

// UploadState tracks a photo's progress toward the server.
type UploadState string

const (
	// UploadStatePending means the photo is stored locally and not yet acknowledged.
	UploadStatePending UploadState = "pending"

	// UploadStateUploaded means the server stored the photo and assigned a permanent id.
	UploadStateUploaded UploadState = "uploaded"

	// UploadStateFailed means the upload was abandoned after a permanent failure.
	UploadStateFailed UploadState = "failed"

	// UploadStateMarkedForDeletion means the user removed the photo.
	// The record stays until the server confirms the delete.
	UploadStateMarkedForDeletion UploadState = "marked_for_deletion"
)

// String returns the string representation of the state.
func (s UploadState) String() string {
	return string(s)
}

// IsValid returns true if the state is a recognized value.
func (s UploadState) IsValid() bool {
	switch s {
	case UploadStatePending, UploadStateUploaded, UploadStateFailed, UploadStateMarkedForDeletion:
		return true
	}
	return false
}

// CanTransitionTo checks if a photo can move to the target state.
//
// Valid transitions:
// - pending -> uploaded | failed | marked_for_deletion
// - failed -> pending (manual retry) | marked_for_deletion
// - uploaded -> marked_for_deletion
// - marked_for_deletion is terminal
func (s UploadState) CanTransitionTo(target UploadState) bool {
	switch s {
	case UploadStatePending:
		return target == UploadStateUploaded || target == UploadStateFailed ||
			target == UploadStateMarkedForDeletion
	case UploadStateFailed:
		return target == UploadStatePending || target == UploadStateMarkedForDeletion
	case UploadStateUploaded:
		return target == UploadStateMarkedForDeletion
	}
	return false
}

// =============================================================================
// Photo Domain Type
// =============================================================================

// PhotoMetadata describes the blob.
type PhotoMetadata struct {
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	Digest    string `json:"digest,omitempty"` // blake2b-256 hex of the blob
}

// Photo is an image attached to a draft. The blob itself lives in blob
// storage under BlobKey; the record carries identity and upload state.
type Photo struct {
	LocalPhotoID     string        `json:"local_photo_id"`
	ReportOfflineID  string        `json:"report_offline_id"`
	PermanentPhotoID string        `json:"permanent_photo_id,omitempty"`
	Caption          string        `json:"caption"`
	LocationLabel    string        `json:"location_label"`
	Metadata         PhotoMetadata `json:"metadata"`
	UploadState      UploadState   `json:"upload_state"`
	BlobKey          string        `json:"blob_key"`
	CreatedAt        time.Time     `json:"created_at"`
}

// IsUploaded returns true if the server holds the photo.
func (p *Photo) IsUploaded() bool {
	return p.UploadState == UploadStateUploaded && p.PermanentPhotoID != ""
}

// IsMarkedForDeletion returns true if the user removed the photo.
func (p *Photo) IsMarkedForDeletion() bool {
	return p.UploadState == UploadStateMarkedForDeletion
}

// MarkUploaded records the server's permanent identifier.
func (p *Photo) MarkUploaded(permanentID string) error {
	if permanentID == "" {
		return Invalid("photo.mark_uploaded", "permanent photo id is required")
	}
	if p.UploadState == UploadStateUploaded {
		p.PermanentPhotoID = permanentID
		return nil
	}
	if !p.UploadState.CanTransitionTo(UploadStateUploaded) {
		return Errorf(ECONFLICT, "photo.mark_uploaded",
			"cannot transition photo from %s to %s", p.UploadState, UploadStateUploaded)
	}
	p.UploadState = UploadStateUploaded
	p.PermanentPhotoID = permanentID
	return nil
}

// MarkForDeletion transitions the photo to marked_for_deletion.
func (p *Photo) MarkForDeletion() {
	p.UploadState = UploadStateMarkedForDeletion
}

// Ref returns the report reference for the photo.
func (p *Photo) Ref() PhotoRef {
	return PhotoRef{
		LocalPhotoID:     p.LocalPhotoID,
		PermanentPhotoID: p.PermanentPhotoID,
		Caption:          p.Caption,
		LocationLabel:    p.LocationLabel,
	}
}

// =============================================================================
// Constants
// =============================================================================

// MaxPhotoSize is the maximum accepted photo size in bytes (20MB).
const MaxPhotoSize = 20 * 1024 * 1024

// ValidatePhotoSize checks if the photo size is within limits.
func ValidatePhotoSize(size int64) error {
	if size <= 0 {
		return Invalid("photo.validate", "photo is empty")
	}
	if size > MaxPhotoSize {
		return Errorf(ETOOLARGE, "photo.validate",
			"photo size %s exceeds maximum of %s", FormatBytes(size), FormatBytes(MaxPhotoSize))
	}
	return nil
}

// FormatBytes renders a byte count for messages.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
