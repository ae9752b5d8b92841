package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one recorded job in full",
		Long: `Show a job from the journal with per-operation results, tempId
mappings, and the execution timeline.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runShow(opts *RootOptions, jobID string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	_, jnl, err := openJournal(opts)
	if err != nil {
		return err
	}
	defer jnl.Close()

	view, ok, err := jnl.LoadJob(jobID)
	if err != nil {
		return &ExitError{Code: ExitCommandError, Message: "load job", Err: err}
	}
	if !ok {
		_ = formatter.Error("JOB_NOT_FOUND", fmt.Sprintf("no job %s in the journal", jobID), nil)
		return &ExitError{Code: ExitCommandError, Message: "job not found"}
	}

	return formatter.SuccessText(view, func(w io.Writer) {
		printJob(w, view, true)
		for _, ev := range view.Timeline {
			fmt.Fprintf(w, "  %s %s", ev.At.Format("15:04:05.000"), ev.Event)
			if ev.Detail != "" {
				fmt.Fprintf(w, " (%s)", ev.Detail)
			}
			fmt.Fprintln(w)
		}
	})
}
