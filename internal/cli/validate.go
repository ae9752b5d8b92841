package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/openarch/mason/internal/batch"
	"github.com/openarch/mason/internal/validate"
)

// ValidationResult holds validate command output.
type ValidationResult struct {
	Valid      bool               `json:"valid"`
	Operations int                `json:"operations"`
	Error      *batch.ErrorDetail `json:"error,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <batch.json>",
		Short: "Check a batch without running it",
		Long: `Validate a batch against the schema and the current model without
committing anything. Reports the first violation, the way a submitted
job would fail.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, batchPath string, cmd *cobra.Command) error {
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

	mem, err := loadModel(opts.ModelPath)
	if err != nil {
		return &ExitError{Code: ExitCommandError, Message: "load model", Err: err}
	}
	result := ValidationResult{Valid: true}
	reportErr := func(verr error) error {
		var ve *validate.Error
		if errors.As(verr, &ve) {
			d := ve.Detail()
			result.Error = &d
		} else {
			result.Error = &batch.ErrorDetail{Code: validate.CodeValidationFailed, Message: verr.Error()}
		}
		result.Valid = false
		if err := formatter.SuccessText(result, func(w io.Writer) {
			fmt.Fprintf(w, "invalid: [%s] %s\n", result.Error.Code, result.Error.Message)
		}); err != nil {
			return err
		}
		return &ExitError{Code: ExitFailure, Message: "batch is invalid"}
	}

	if err := validate.VetJSON(data); err != nil {
		return reportErr(err)
	}
	b, err := batch.Decode(data)
	if err != nil {
		return reportErr(err)
	}
	result.Operations = len(b.Changes)
	if _, err := validate.New(mem).Validate(b); err != nil {
		return reportErr(err)
	}

	return formatter.SuccessText(result, func(w io.Writer) {
		fmt.Fprintf(w, "valid: %d operations\n", result.Operations)
	})
}
