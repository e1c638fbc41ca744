package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, queue depth, and drafts needing attention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, rootOpts, false)
			if err != nil {
				return err
			}
			defer s.engine.Close()

			status, err := s.engine.Status(ctx)
			if err != nil {
				return err
			}
			view := statusView(status)
			return newFormatter(rootOpts, cmd.OutOrStdout()).Print(view, func(w io.Writer) {
				printStatus(w, view)
			})
		},
	}
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Send pending changes now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, rootOpts, false)
			if err != nil {
				return err
			}
			defer s.engine.Close()

			reachable, err := s.sync(ctx)
			if err != nil {
				return err
			}
			status, err := s.engine.Status(ctx)
			if err != nil {
				return err
			}
			view := statusView(status)
			return newFormatter(rootOpts, cmd.OutOrStdout()).Print(view, func(w io.Writer) {
				if !reachable {
					fmt.Fprintln(w, "Server unreachable; changes stay queued on this device.")
				}
				printStatus(w, view)
			})
		},
	}
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <queue-id>",
		Short: "Requeue a change that failed permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resolveMutation(cmd, rootOpts, args[0], "requeued", func(s *session, id int64) error {
				return s.engine.Retry(cmd.Context(), id)
			})
		},
	}
}

// NewDiscardCommand creates the discard command.
func NewDiscardCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <queue-id>",
		Short: "Drop a queued change",
		Long: `Drop a queued change. A discarded report save leaves the draft with
unsaved changes, so the next edit saves it again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resolveMutation(cmd, rootOpts, args[0], "discarded", func(s *session, id int64) error {
				return s.engine.Discard(cmd.Context(), id)
			})
		},
	}
}

func resolveMutation(cmd *cobra.Command, rootOpts *RootOptions, arg, verb string, fn func(s *session, id int64) error) error {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid queue id %q", arg)
	}

	ctx := cmd.Context()
	s, err := openSession(ctx, rootOpts, false)
	if err != nil {
		return err
	}
	if err := fn(s, id); err != nil {
		_ = s.engine.Close()
		return err
	}
	if err := s.close(ctx); err != nil {
		return err
	}

	result := map[string]any{"queue_id": id, "result": verb}
	return newFormatter(rootOpts, cmd.OutOrStdout()).Print(result, func(w io.Writer) {
		fmt.Fprintf(w, "Mutation #%d %s\n", id, verb)
	})
}
