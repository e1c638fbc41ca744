// Package domain contains core business types and interfaces.
//
// This file defines the draft Report type: an inspection report composed on
// the device that survives offline periods until the server acknowledges it.
package domain

import (
	"strings"
	"time"
)

// =============================================================================
// Sync State
// =============================================================================

// SyncState describes how a draft relates to the last server acknowledgement.
type SyncState string

const (
	// SyncStateClean means the local fields equal the last acknowledged save.
	SyncStateClean SyncState = "clean"

	// SyncStateDirty means there are local edits not yet saved anywhere but the draft row.
	SyncStateDirty SyncState = "dirty"

	// SyncStateSaving means a network save is in flight.
	SyncStateSaving SyncState = "saving"

	// SyncStateQueued means the edit was saved locally as a pending mutation.
	SyncStateQueued SyncState = "queued"

	// SyncStateError means the server rejected the draft or local storage failed.
	SyncStateError SyncState = "error"
)

// String returns the string representation of the state.
func (s SyncState) String() string {
	return string(s)
}

// IsValid returns true if the state is a recognized value.
func (s SyncState) IsValid() bool {
	switch s {
	case SyncStateClean, SyncStateDirty, SyncStateSaving, SyncStateQueued, SyncStateError:
		return true
	}
	return false
}

// DisplayName returns the user-facing label for the state.
func (s SyncState) DisplayName() string {
	switch s {
	case SyncStateClean:
		return "Saved"
	case SyncStateDirty:
		return "Unsaved changes"
	case SyncStateSaving:
		return "Saving..."
	case SyncStateQueued:
		return "Saved locally"
	case SyncStateError:
		return "Needs attention"
	}
	return string(s)
}

// =============================================================================
// Report Status
// =============================================================================

// ReportStatus is the user-selected status field of a report.
type ReportStatus string

const (
	ReportStatusOpen       ReportStatus = "open"
	ReportStatusInProgress ReportStatus = "in_progress"
	ReportStatusCompleted  ReportStatus = "completed"
)

// String returns the string representation of the status.
func (s ReportStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a recognized value.
func (s ReportStatus) IsValid() bool {
	switch s {
	case ReportStatusOpen, ReportStatusInProgress, ReportStatusCompleted:
		return true
	}
	return false
}

// AllReportStatuses returns the statuses in display order.
func AllReportStatuses() []ReportStatus {
	return []ReportStatus{ReportStatusOpen, ReportStatusInProgress, ReportStatusCompleted}
}

// =============================================================================
// Report Domain Type
// =============================================================================

// ReportFields holds the scalar form fields of a report.
type ReportFields struct {
	Title     string       `json:"title"`
	Category  string       `json:"category"`
	Location  string       `json:"location"`
	Notes     string       `json:"notes"`
	Reminder  string       `json:"reminder"`
	Status    ReportStatus `json:"status"`
	ProjectID string       `json:"project_id,omitempty"`
}

// ChecklistItem is one entry of the ordered checklist.
type ChecklistItem struct {
	ItemID    string `json:"item_id"`
	Completed bool   `json:"completed"`
}

// Attendee references a staff member present at the inspection.
type Attendee struct {
	StaffID string `json:"staff_id"`
	Name    string `json:"name"`
}

// PhotoRef is the report's ordered reference to an attached photo.
// PermanentPhotoID stays empty until the server assigns one.
type PhotoRef struct {
	LocalPhotoID     string `json:"local_photo_id"`
	PermanentPhotoID string `json:"permanent_photo_id,omitempty"`
	Caption          string `json:"caption"`
	LocationLabel    string `json:"location_label"`
}

// Report is a draft inspection report held on the device.
//
// Revision increments on every local edit. AckedRevision is the revision the
// server last acknowledged; a draft is clean only when the two are equal.
type Report struct {
	ID            string          `json:"id,omitempty"` // Server identity, empty until assigned
	OfflineID     string          `json:"offline_id"`   // Client-generated, stable
	Fields        ReportFields    `json:"fields"`
	Checklist     []ChecklistItem `json:"checklist"`
	Attendees     []Attendee      `json:"attendees"`
	PhotoRefs     []PhotoRef      `json:"photo_refs"`
	CreatedAt     time.Time       `json:"created_at"`
	LastEditedAt  time.Time       `json:"last_edited_at"`
	SyncState     SyncState       `json:"sync_state"`
	SyncError     string          `json:"sync_error,omitempty"` // Last rejection reason
	Revision      int64           `json:"revision"`
	AckedRevision int64           `json:"acked_revision"`
}

// NewReport creates an empty dirty draft.
func NewReport(offlineID string, now time.Time) *Report {
	return &Report{
		OfflineID:    offlineID,
		Fields:       ReportFields{Status: ReportStatusOpen},
		Checklist:    []ChecklistItem{},
		Attendees:    []Attendee{},
		PhotoRefs:    []PhotoRef{},
		CreatedAt:    now,
		LastEditedAt: now,
		SyncState:    SyncStateDirty,
		Revision:     1,
	}
}

// HasServerID returns true once the server has assigned a permanent identity.
func (r *Report) HasServerID() bool {
	return r.ID != ""
}

// IsUnacknowledged returns true if the draft holds edits the server has not seen.
func (r *Report) IsUnacknowledged() bool {
	return r.Revision > r.AckedRevision
}

// IsPending returns true if the draft belongs in the pending view.
func (r *Report) IsPending() bool {
	return !r.HasServerID() || r.IsUnacknowledged() || r.SyncState != SyncStateClean
}

// Touch records a local edit.
func (r *Report) Touch(now time.Time) {
	r.Revision++
	r.LastEditedAt = now
	r.SyncState = SyncStateDirty
	r.SyncError = ""
}

// Acknowledge records a server acknowledgement of revision rev.
// The draft becomes clean only if no edit happened since rev was sent.
func (r *Report) Acknowledge(serverID string, rev int64) {
	if serverID != "" {
		r.ID = serverID
	}
	if rev > r.AckedRevision {
		r.AckedRevision = rev
	}
	r.SyncError = ""
	if r.IsUnacknowledged() {
		r.SyncState = SyncStateDirty
		return
	}
	r.SyncState = SyncStateClean
}

// PhotoRefIndex returns the position of the ref for localPhotoID, or -1.
func (r *Report) PhotoRefIndex(localPhotoID string) int {
	for i, ref := range r.PhotoRefs {
		if ref.LocalPhotoID == localPhotoID {
			return i
		}
	}
	return -1
}

// AddPhotoRef appends a ref unless one for the same local photo exists.
func (r *Report) AddPhotoRef(ref PhotoRef) {
	if r.PhotoRefIndex(ref.LocalPhotoID) >= 0 {
		return
	}
	r.PhotoRefs = append(r.PhotoRefs, ref)
}

// RemovePhotoRef drops the ref for localPhotoID. It reports whether one was removed.
func (r *Report) RemovePhotoRef(localPhotoID string) bool {
	i := r.PhotoRefIndex(localPhotoID)
	if i < 0 {
		return false
	}
	r.PhotoRefs = append(r.PhotoRefs[:i], r.PhotoRefs[i+1:]...)
	return true
}

// Clone returns a deep copy suitable for use as a mutation snapshot.
func (r *Report) Clone() Report {
	c := *r
	c.Checklist = append([]ChecklistItem(nil), r.Checklist...)
	c.Attendees = append([]Attendee(nil), r.Attendees...)
	c.PhotoRefs = append([]PhotoRef(nil), r.PhotoRefs...)
	return c
}

// =============================================================================
// Validation
// =============================================================================

// Report field limits.
const (
	MaxTitleLength = 200
	MaxNotesLength = 10000
)

// Validate checks the fields the server requires before accepting a save.
func (f ReportFields) Validate(op string) error {
	ve := &ValidationError{Op: op, Fields: map[string]string{}}
	if strings.TrimSpace(f.Title) == "" {
		ve.Fields["title"] = "Title is required"
	} else if len(f.Title) > MaxTitleLength {
		ve.Fields["title"] = "Title must be 200 characters or fewer"
	}
	if len(f.Notes) > MaxNotesLength {
		ve.Fields["notes"] = "Notes must be 10000 characters or fewer"
	}
	if f.Status != "" && !f.Status.IsValid() {
		ve.Fields["status"] = "Unknown status"
	}
	if len(ve.Fields) == 0 {
		return nil
	}
	return ve
}
