package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openarch/mason/internal/engine"
)

// JobsResult is the jobs command payload.
type JobsResult struct {
	Jobs       []engine.JobView `json:"jobs"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// NewJobsCommand creates the jobs command.
func NewJobsCommand(rootOpts *RootOptions) *cobra.Command {
	var cursor string
	var limit int
	var state string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recorded jobs",
		Long: `List jobs recorded in the journal, oldest first, as summaries.
Use --cursor with the printed nextCursor to page forward, and --state
to keep only jobs that ended in one terminal state.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobs(rootOpts, cursor, limit, state, cmd)
		},
	}

	cmd.Flags().StringVar(&cursor, "cursor", "", "resume after this job ID")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum jobs per page")
	cmd.Flags().StringVar(&state, "state", "", "filter by terminal state (succeeded|partial|failed)")
	return cmd
}

func runJobs(opts *RootOptions, cursor string, limit int, state string, cmd *cobra.Command) error {
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

	views, next, err := jnl.ListJobs(cursor, limit, state)
	if err != nil {
		return &ExitError{Code: ExitCommandError, Message: "list jobs", Err: err}
	}

	// Summaries only: drop the heavy fields.
	for i := range views {
		views[i].Results = nil
		views[i].Timeline = nil
		views[i].TempIDMap = nil
		views[i].TempIDMappings = nil
	}

	result := JobsResult{Jobs: views, NextCursor: next}
	return formatter.SuccessText(result, func(w io.Writer) {
		if len(views) == 0 {
			fmt.Fprintln(w, "no jobs recorded")
			return
		}
		for _, v := range views {
			printJob(w, v, false)
		}
		if next != "" {
			fmt.Fprintf(w, "next cursor: %s\n", next)
		}
	})
}
