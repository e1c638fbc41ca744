package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/DukeRupert/fieldsync/internal/domain"
	"github.com/DukeRupert/fieldsync/internal/engine"
	"github.com/DukeRupert/fieldsync/internal/hydrate"
)

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// Print writes v as indented JSON, or calls text in text mode.
func (f *OutputFormatter) Print(v any, text func(w io.Writer)) error {
	if f.Format == "json" {
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(f.Writer)
	return nil
}

func newFormatter(opts *RootOptions, w io.Writer) *OutputFormatter {
	return &OutputFormatter{Format: opts.Format, Writer: w}
}

// DraftView is the printed form of a draft.
type DraftView struct {
	OfflineID string            `json:"offline_id"`
	ReportID  string            `json:"report_id,omitempty"`
	Title     string            `json:"title"`
	Status    string            `json:"status"`
	SyncState string            `json:"sync_state"`
	SyncLabel string            `json:"sync_label"`
	SyncError string            `json:"sync_error,omitempty"`
	Revision  int64             `json:"revision"`
	Photos    []domain.PhotoRef `json:"photos"`
}

func draftView(r *domain.Report) DraftView {
	return DraftView{
		OfflineID: r.OfflineID,
		ReportID:  r.ID,
		Title:     r.Fields.Title,
		Status:    r.Fields.Status.String(),
		SyncState: string(r.SyncState),
		SyncLabel: r.SyncState.DisplayName(),
		SyncError: r.SyncError,
		Revision:  r.Revision,
		Photos:    r.PhotoRefs,
	}
}

func printDraft(w io.Writer, v DraftView) {
	fmt.Fprintf(w, "%s  %s\n", v.OfflineID, titleOrPlaceholder(v.Title))
	fmt.Fprintf(w, "  status:  %s\n", v.Status)
	fmt.Fprintf(w, "  sync:    %s", v.SyncLabel)
	if v.SyncError != "" {
		fmt.Fprintf(w, " (%s)", v.SyncError)
	}
	fmt.Fprintln(w)
	if v.ReportID != "" {
		fmt.Fprintf(w, "  server:  %s\n", v.ReportID)
	}
	for _, p := range v.Photos {
		id := p.PermanentPhotoID
		if id == "" {
			id = "not uploaded"
		}
		fmt.Fprintf(w, "  photo:   %s  %s  [%s]\n", p.LocalPhotoID, p.Caption, id)
	}
}

// StatusView is the printed form of the engine status.
type StatusView struct {
	Connectivity string                        `json:"connectivity"`
	Breaker      string                        `json:"breaker"`
	Queue        map[domain.MutationStatus]int `json:"queue"`
	Pending      []DraftView                   `json:"pending"`
	Failed       []MutationView                `json:"failed"`
}

// MutationView is the printed form of a queue entry.
type MutationView struct {
	QueueID   int64  `json:"queue_id"`
	Kind      string `json:"kind"`
	OfflineID string `json:"offline_id"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

func statusView(s *engine.Status) StatusView {
	v := StatusView{
		Connectivity: s.Connectivity,
		Breaker:      s.Breaker,
		Queue:        s.Queue,
		Pending:      make([]DraftView, 0, len(s.Pending)),
		Failed:       make([]MutationView, 0, len(s.Failed)),
	}
	for i := range s.Pending {
		v.Pending = append(v.Pending, draftView(&s.Pending[i]))
	}
	for _, m := range s.Failed {
		v.Failed = append(v.Failed, MutationView{
			QueueID:   m.QueueID,
			Kind:      string(m.Kind),
			OfflineID: m.OfflineID,
			Attempts:  m.AttemptCount,
			LastError: m.LastError,
		})
	}
	return v
}

func printStatus(w io.Writer, v StatusView) {
	fmt.Fprintf(w, "Connectivity: %s\n", v.Connectivity)
	fmt.Fprintf(w, "Breaker:      %s\n", v.Breaker)
	fmt.Fprintf(w, "Queue:        pending=%d processing=%d failed=%d\n",
		v.Queue[domain.MutationStatusPending],
		v.Queue[domain.MutationStatusProcessing],
		v.Queue[domain.MutationStatusFailedPermanent],
	)

	if len(v.Pending) > 0 {
		fmt.Fprintln(w, "\nPending drafts:")
		for _, d := range v.Pending {
			fmt.Fprintf(w, "  %s  %-30s  %s\n", d.OfflineID, titleOrPlaceholder(d.Title), d.SyncLabel)
		}
	}
	if len(v.Failed) > 0 {
		fmt.Fprintln(w, "\nNeeds attention:")
		for _, m := range v.Failed {
			fmt.Fprintf(w, "  #%d  %s  %s  attempts=%d  %s\n", m.QueueID, m.Kind, m.OfflineID, m.Attempts, m.LastError)
		}
		fmt.Fprintln(w, "\nUse \"fieldsync retry <queue-id>\" or \"fieldsync discard <queue-id>\".")
	}
}

func titleOrPlaceholder(title string) string {
	if strings.TrimSpace(title) == "" {
		return "(untitled)"
	}
	return title
}

// FormView is the printed form of an opened draft.
type FormView struct {
	DraftView
	StatusOptions []string `json:"status_options"`
	FromCache     bool     `json:"reference_from_cache"`
	Queued        int      `json:"queued"`
}

func formView(f *hydrate.Form) FormView {
	v := FormView{
		DraftView:     draftView(&f.Report),
		StatusOptions: make([]string, 0, len(f.StatusOptions)),
		FromCache:     f.FromCache,
		Queued:        len(f.Queued),
	}
	v.SyncLabel = f.SyncLabel
	for _, o := range f.StatusOptions {
		v.StatusOptions = append(v.StatusOptions, o.Value)
	}
	return v
}
