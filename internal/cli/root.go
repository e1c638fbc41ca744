// Package cli implements the fieldsync command line client.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose  bool
	Format   string // "json" | "text"
	Database string // Overrides FIELDSYNC_DB_PATH
	Server   string // Overrides FIELDSYNC_SERVER_URL
	Offline  bool   // Skip the sync attempt after a command

	// ErrWriter receives logs. Defaults to os.Stderr.
	ErrWriter io.Writer
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the fieldsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{ErrWriter: os.Stderr}

	cmd := &cobra.Command{
		Use:   "fieldsync",
		Short: "Offline-first inspection report drafts",
		Long: `fieldsync keeps inspection report drafts on this device and syncs them
to the report server whenever it can be reached.

Every edit is saved locally first. Commands try to send pending changes
before they exit unless --offline is set; "fieldsync run" keeps syncing in
the background.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to the local draft database")
	cmd.PersistentFlags().StringVar(&opts.Server, "server", "", "report server base URL")
	cmd.PersistentFlags().BoolVar(&opts.Offline, "offline", false, "do not contact the server")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewNewCommand(opts))
	cmd.AddCommand(NewEditCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewAttachCommand(opts))
	cmd.AddCommand(NewDetachCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewRetryCommand(opts))
	cmd.AddCommand(NewDiscardCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
