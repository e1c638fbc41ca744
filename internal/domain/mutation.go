package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// Mutation Kind
// =============================================================================

// MutationKind identifies what a queued mutation does on the server.
type MutationKind string

const (
	MutationCreateReport MutationKind = "create_report"
	MutationUpdateReport MutationKind = "update_report"
	MutationUploadPhoto  MutationKind = "upload_photo"
	MutationDeletePhoto  MutationKind = "delete_photo"
)

// String returns the string representation of the kind.
func (k MutationKind) String() string {
	return string(k)
}

// IsValid returns true if the kind is a recognized value.
func (k MutationKind) IsValid() bool {
	switch k {
	case MutationCreateReport, MutationUpdateReport, MutationUploadPhoto, MutationDeletePhoto:
		return true
	}
	return false
}

// IsReportSave returns true for create and update report mutations.
func (k MutationKind) IsReportSave() bool {
	return k == MutationCreateReport || k == MutationUpdateReport
}

// AllMutationKinds returns every kind.
func AllMutationKinds() []MutationKind {
	return []MutationKind{MutationCreateReport, MutationUpdateReport, MutationUploadPhoto, MutationDeletePhoto}
}

// =============================================================================
// Mutation Status
// =============================================================================

// MutationStatus is the queue state of a mutation. A completed mutation is
// removed from the queue rather than given a status.
type MutationStatus string

const (
	MutationStatusPending         MutationStatus = "pending"
	MutationStatusProcessing      MutationStatus = "processing"
	MutationStatusFailedPermanent MutationStatus = "failed_permanent"
)

// String returns the string representation of the status.
func (s MutationStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a recognized value.
func (s MutationStatus) IsValid() bool {
	switch s {
	case MutationStatusPending, MutationStatusProcessing, MutationStatusFailedPermanent:
		return true
	}
	return false
}

// CanTransitionTo checks if a mutation can move to the target status.
//
// Valid transitions:
// - pending -> processing (claimed by the processor)
// - processing -> pending (transient failure or crash recovery)
// - processing -> failed_permanent (rejected or out of attempts)
// - failed_permanent -> pending (manual retry)
func (s MutationStatus) CanTransitionTo(target MutationStatus) bool {
	switch s {
	case MutationStatusPending:
		return target == MutationStatusProcessing
	case MutationStatusProcessing:
		return target == MutationStatusPending || target == MutationStatusFailedPermanent
	case MutationStatusFailedPermanent:
		return target == MutationStatusPending
	}
	return false
}

// =============================================================================
// Mutation Payloads
// =============================================================================

// MutationPayload is the closed set of payload variants. Only the types in
// this file implement it.
type MutationPayload interface {
	Kind() MutationKind
	isMutationPayload()
}

// ReportSavePayload is the snapshot for create_report and update_report.
type ReportSavePayload struct {
	Create bool   `json:"create"`
	Report Report `json:"report"`
}

// Kind implements MutationPayload.
func (p ReportSavePayload) Kind() MutationKind {
	if p.Create {
		return MutationCreateReport
	}
	return MutationUpdateReport
}

func (ReportSavePayload) isMutationPayload() {}

// UploadPhotoPayload names the photo to upload. The blob is read from the
// store at send time.
type UploadPhotoPayload struct {
	LocalPhotoID    string `json:"local_photo_id"`
	ReportOfflineID string `json:"report_offline_id"`
}

// Kind implements MutationPayload.
func (UploadPhotoPayload) Kind() MutationKind { return MutationUploadPhoto }

func (UploadPhotoPayload) isMutationPayload() {}

// DeletePhotoPayload names the photo to delete by whichever identity is known.
type DeletePhotoPayload struct {
	LocalPhotoID     string `json:"local_photo_id"`
	PermanentPhotoID string `json:"permanent_photo_id,omitempty"`
	ReportOfflineID  string `json:"report_offline_id"`
}

// Kind implements MutationPayload.
func (DeletePhotoPayload) Kind() MutationKind { return MutationDeletePhoto }

func (DeletePhotoPayload) isMutationPayload() {}

// EncodePayload serializes a payload for storage.
func EncodePayload(p MutationPayload) ([]byte, error) {
	if p == nil {
		return nil, Invalid("mutation.encode", "payload is required")
	}
	return json.Marshal(p)
}

// DecodePayload restores a payload of the given kind.
func DecodePayload(kind MutationKind, data []byte) (MutationPayload, error) {
	const op = "mutation.decode"

	switch kind {
	case MutationCreateReport, MutationUpdateReport:
		var p ReportSavePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, Wrap(err, EINVALID, op, "malformed report payload")
		}
		p.Create = kind == MutationCreateReport
		return p, nil
	case MutationUploadPhoto:
		var p UploadPhotoPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, Wrap(err, EINVALID, op, "malformed upload payload")
		}
		return p, nil
	case MutationDeletePhoto:
		var p DeletePhotoPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, Wrap(err, EINVALID, op, "malformed delete payload")
		}
		return p, nil
	}
	return nil, Errorf(EINVALID, op, "unknown mutation kind %q", kind)
}

// =============================================================================
// Pending Mutation
// =============================================================================

// PendingMutation is one entry of the durable sync queue.
type PendingMutation struct {
	QueueID       int64           // Auto-increment, defines FIFO order
	OfflineID     string          // Owning draft; FIFO is enforced per draft
	Kind          MutationKind    // Variant tag, always equals Payload.Kind()
	Payload       MutationPayload // Snapshot taken at enqueue time
	EnqueuedAt    time.Time       // When the mutation was first queued
	NextAttemptAt time.Time       // Earliest time the processor may send it
	AttemptCount  int             // Failed attempts so far
	Status        MutationStatus  // Queue state
	LastError     string          // Message from the last failed attempt
}

// NewPendingMutation builds a queue entry ready for Enqueue.
func NewPendingMutation(offlineID string, p MutationPayload, now time.Time) PendingMutation {
	return PendingMutation{
		OfflineID:     offlineID,
		Kind:          p.Kind(),
		Payload:       p,
		EnqueuedAt:    now,
		NextAttemptAt: now,
		Status:        MutationStatusPending,
	}
}

// String returns a short description for logs.
func (m PendingMutation) String() string {
	return fmt.Sprintf("%s#%d(%s)", m.Kind, m.QueueID, m.OfflineID)
}
