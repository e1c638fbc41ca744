package autosave

import "github.com/DukeRupert/fieldsync/internal/domain"

// EventKind classifies an autosave outcome for the host UI.
type EventKind string

const (
	// EventSaved means the server acknowledged the draft.
	EventSaved EventKind = "saved"

	// EventSavedLocally means the save was queued for later.
	EventSavedLocally EventKind = "saved_locally"

	// EventRejected means the server refused the draft. Message holds the reason.
	EventRejected EventKind = "rejected"

	// EventStorageWarning means the local store failed and the edit may be lost.
	EventStorageWarning EventKind = "storage_warning"
)

// Event reports the outcome of one save.
type Event struct {
	OfflineID string
	Kind      EventKind
	State     domain.SyncState
	Message   string

	// Report is the draft as stored after the save, with any permanent
	// photo ids the server assigned. Nil for storage warnings.
	Report *domain.Report
}
