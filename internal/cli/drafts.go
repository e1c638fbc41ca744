package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/DukeRupert/fieldsync/internal/autosave"
	"github.com/DukeRupert/fieldsync/internal/domain"
)

// =============================================================================
// new
// =============================================================================

// FieldOptions holds the report field flags shared by new and edit.
type FieldOptions struct {
	Title     string
	Category  string
	Location  string
	Notes     string
	Reminder  string
	Status    string
	ProjectID string
}

func (f *FieldOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.Title, "title", "", "report title")
	cmd.Flags().StringVar(&f.Category, "category", "", "inspection category")
	cmd.Flags().StringVar(&f.Location, "location", "", "location on site")
	cmd.Flags().StringVar(&f.Notes, "notes", "", "free-form notes")
	cmd.Flags().StringVar(&f.Reminder, "reminder", "", "follow-up reminder")
	cmd.Flags().StringVar(&f.Status, "status", "", "report status (open|in_progress|completed)")
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id from reference data")
}

// apply copies the flags the user set onto fields.
func (f *FieldOptions) apply(cmd *cobra.Command, fields *domain.ReportFields) {
	set := func(name, value string, dst *string) {
		if cmd.Flags().Changed(name) {
			*dst = value
		}
	}
	set("title", f.Title, &fields.Title)
	set("category", f.Category, &fields.Category)
	set("location", f.Location, &fields.Location)
	set("notes", f.Notes, &fields.Notes)
	set("reminder", f.Reminder, &fields.Reminder)
	set("project", f.ProjectID, &fields.ProjectID)
	if cmd.Flags().Changed("status") {
		fields.Status = domain.ReportStatus(f.Status)
	}
}

// NewNewCommand creates the new command.
func NewNewCommand(rootOpts *RootOptions) *cobra.Command {
	fields := &FieldOptions{}

	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create a report draft",
		Long: `Create a report draft on this device and print its offline id.

Example:
  fieldsync new --title "Slab pour, level 3" --category concrete`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, rootOpts, false)
			if err != nil {
				return err
			}

			var f domain.ReportFields
			fields.apply(cmd, &f)
			r, err := s.engine.NewDraft(ctx, f)
			if err == nil {
				err = s.engine.ForceSave(ctx, r.OfflineID)
			}
			if err != nil {
				_ = s.engine.Close()
				return err
			}
			if err := s.close(ctx); err != nil {
				return err
			}
			return printStoredDraft(cmd, rootOpts, r.OfflineID)
		},
	}
	fields.register(cmd)
	return cmd
}

// =============================================================================
// edit
// =============================================================================

// NewEditCommand creates the edit command.
func NewEditCommand(rootOpts *RootOptions) *cobra.Command {
	fields := &FieldOptions{}

	cmd := &cobra.Command{
		Use:   "edit <offline-id>",
		Short: "Change fields of a draft",
		Long: `Change fields of a draft. Only the flags given are changed.

Example:
  fieldsync edit 3f0c... --notes "Rebar spacing corrected" --status completed`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, rootOpts, false)
			if err != nil {
				return err
			}

			_, err = s.engine.Edit(ctx, args[0], func(r *domain.Report) error {
				fields.apply(cmd, &r.Fields)
				return nil
			})
			if err == nil {
				err = s.engine.ForceSave(ctx, args[0])
			}
			if err != nil {
				_ = s.engine.Close()
				return err
			}
			if err := s.close(ctx); err != nil {
				return err
			}
			return printStoredDraft(cmd, rootOpts, args[0])
		},
	}
	fields.register(cmd)
	return cmd
}

// =============================================================================
// show
// =============================================================================

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <offline-id>",
		Short: "Show a draft as the form would render it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, rootOpts, false)
			if err != nil {
				return err
			}
			defer s.engine.Close()

			form, err := s.engine.OpenDraft(ctx, args[0])
			if err != nil {
				return err
			}

			view := formView(form)
			out := newFormatter(rootOpts, cmd.OutOrStdout())
			return out.Print(view, func(w io.Writer) {
				printDraft(w, view.DraftView)
				for _, o := range form.StatusOptions {
					marker := " "
					if o.Value == view.Status {
						marker = "*"
					}
					fmt.Fprintf(w, "  %s %s\n", marker, o.Label)
				}
				if form.FromCache {
					fmt.Fprintln(w, "  (reference data from local cache)")
				}
				if len(form.Queued) > 0 {
					fmt.Fprintf(w, "  %d change(s) waiting to sync\n", len(form.Queued))
				}
			})
		},
	}
}

// =============================================================================
// attach / detach
// =============================================================================

// AttachOptions holds flags for the attach command.
type AttachOptions struct {
	Caption       string
	LocationLabel string
	ContentType   string
}

// NewAttachCommand creates the attach command.
func NewAttachCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AttachOptions{}

	cmd := &cobra.Command{
		Use:   "attach <offline-id> <image-file>",
		Short: "Attach a photo to a draft",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read photo: %w", err)
			}

			ctx := cmd.Context()
			s, err := openSession(ctx, rootOpts, false)
			if err != nil {
				return err
			}

			p, err := s.engine.AttachPhoto(ctx, args[0], autosave.PhotoInput{
				Filename:      filepath.Base(args[1]),
				ContentType:   opts.ContentType,
				Caption:       opts.Caption,
				LocationLabel: opts.LocationLabel,
				Data:          data,
			})
			if err == nil {
				err = s.engine.ForceSave(ctx, args[0])
			}
			if err != nil {
				_ = s.engine.Close()
				return err
			}
			if err := s.close(ctx); err != nil {
				return err
			}

			out := newFormatter(rootOpts, cmd.OutOrStdout())
			return out.Print(p, func(w io.Writer) {
				fmt.Fprintf(w, "%s  %s  %d bytes\n", p.LocalPhotoID, p.Metadata.MimeType, p.Metadata.SizeBytes)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Caption, "caption", "", "photo caption")
	cmd.Flags().StringVar(&opts.LocationLabel, "location-label", "", "where the photo was taken")
	cmd.Flags().StringVar(&opts.ContentType, "content-type", "", "image type (detected when empty)")

	return cmd
}

// NewDetachCommand creates the detach command.
func NewDetachCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "detach <offline-id> <local-photo-id>",
		Short: "Remove a photo from a draft",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, rootOpts, false)
			if err != nil {
				return err
			}

			err = s.engine.RemovePhoto(ctx, args[0], args[1])
			if err == nil {
				err = s.engine.ForceSave(ctx, args[0])
			}
			if err != nil {
				_ = s.engine.Close()
				return err
			}
			if err := s.close(ctx); err != nil {
				return err
			}
			return printStoredDraft(cmd, rootOpts, args[0])
		},
	}
}

// printStoredDraft reopens the store without syncing and prints the draft.
func printStoredDraft(cmd *cobra.Command, rootOpts *RootOptions, offlineID string) error {
	ctx := cmd.Context()
	offline := *rootOpts
	offline.Offline = true
	s, err := openSession(ctx, &offline, false)
	if err != nil {
		return err
	}
	defer s.engine.Close()

	r, err := s.engine.Draft(ctx, offlineID)
	if err != nil {
		return err
	}
	view := draftView(r)
	return newFormatter(rootOpts, cmd.OutOrStdout()).Print(view, func(w io.Writer) {
		printDraft(w, view)
	})
}
