package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/openarch/mason/internal/batch"
	"github.com/openarch/mason/internal/config"
	"github.com/openarch/mason/internal/engine"
)

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		outPath     string
		ceiling     int
		granularity string
	)

	cmd := &cobra.Command{
		Use:   "apply <batch.json>",
		Short: "Run a batch of model operations",
		Long: `Apply a batch of operations to the model and wait for the result.

The batch file is a JSON envelope with a "changes" array. The command
submits it, waits for the job to finish, and prints the full result:
per-operation outcomes, tempId mappings, and the digest.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			tweak := func(cfg *config.Config) {
				if ceiling > 0 {
					cfg.ChunkCeiling = ceiling
				}
				if granularity != "" {
					cfg.Granularity = batch.Granularity(granularity)
				}
			}
			return runApply(rootOpts, args[0], outPath, tweak, cmd)
		},
	}

	cmd.Flags().StringVarP(&outPath, "output", "o", "", "write the final model snapshot to this file")
	cmd.Flags().IntVar(&ceiling, "ceiling", 0, "override the sub-command ceiling per chunk")
	cmd.Flags().StringVar(&granularity, "granularity", "", "default execution mode (per-batch-chunking|per-operation)")
	return cmd
}

func runApply(opts *RootOptions, batchPath, outPath string, tweak func(*config.Config), cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	data, err := os.ReadFile(batchPath)
	if err != nil {
		return &ExitError{Code: ExitCommandError, Message: "read batch", Err: err}
	}

	rt, err := newRuntime(opts, tweak)
	if err != nil {
		return err
	}
	defer rt.close()

	receipt, err := rt.engine.SubmitRaw(data)
	if err != nil {
		_ = formatter.Error("SUBMIT_REFUSED", err.Error(), nil)
		return &ExitError{Code: ExitFailure, Message: "batch refused", Err: err}
	}
	formatter.VerboseLog("submitted job %s (replayed=%v)", receipt.JobID, receipt.Replayed)

	view, err := rt.engine.Wait(context.Background(), receipt.JobID)
	if err != nil {
		return &ExitError{Code: ExitFailure, Message: "wait for job", Err: err}
	}

	if outPath != "" {
		if err := writeSnapshot(rt, outPath); err != nil {
			return &ExitError{Code: ExitCommandError, Message: "write snapshot", Err: err}
		}
	}

	if err := formatter.SuccessText(view, func(w io.Writer) { printJob(w, view, true) }); err != nil {
		return err
	}
	if view.State != engine.JobSucceeded {
		return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("job %s %s", view.ID, view.State)}
	}
	return nil
}

func writeSnapshot(rt *runtime, path string) error {
	data, err := marshalObjects(rt.model.Objects())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// printJob renders a job view as text.
func printJob(w io.Writer, v engine.JobView, full bool) {
	fmt.Fprintf(w, "job %s: %s\n", v.ID, v.State)
	fmt.Fprintf(w, "  requested=%d executed=%d skipped=%d failed=%d pending=%d\n",
		v.Digest.Requested, v.Digest.Executed, v.Digest.Skipped, v.Digest.Failed, v.Digest.Pending)
	if v.Error != nil {
		fmt.Fprintf(w, "  error [%s]: %s\n", v.Error.Code, v.Error.Message)
	}
	if !full {
		return
	}
	for _, r := range v.Results {
		line := fmt.Sprintf("  [%d] %s: %s", r.OpIndex, r.Op, r.Status)
		if r.ResolvedID != "" {
			line += " -> " + r.ResolvedID
		}
		if r.SkipReason != "" {
			line += " (" + r.SkipReason + ")"
		}
		if r.Error != nil {
			line += fmt.Sprintf(" [%s] %s", r.Error.Code, r.Error.Message)
		}
		fmt.Fprintln(w, line)
		for _, warn := range r.Warnings {
			fmt.Fprintf(w, "      warning: %s\n", warn)
		}
	}
	for _, m := range v.TempIDMappings {
		if m.ResolvedID != "" {
			fmt.Fprintf(w, "  tempId %s -> %s\n", m.TempID, m.ResolvedID)
		} else {
			fmt.Fprintf(w, "  tempId %s unresolved\n", m.TempID)
		}
	}
}
