// Package cli wires the mason commands: apply a batch, validate one
// without running it, and inspect jobs recorded in the journal.
package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/openarch/mason/internal/config"
	"github.com/openarch/mason/internal/engine"
	"github.com/openarch/mason/internal/journal"
	"github.com/openarch/mason/internal/model"
)

// RootOptions holds global flags shared by all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	ModelPath  string // JSON snapshot to seed the model with
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the mason root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "mason",
		Short: "Mason - batch mutation engine for graph models",
		Long:  "Mason compiles batches of model operations into atomic chunked commits against a live graph model.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (YAML)")
	cmd.PersistentFlags().StringVar(&opts.ModelPath, "model", "", "model snapshot to load (JSON)")

	cmd.AddCommand(NewApplyCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewJobsCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))

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

// runtime bundles everything a command needs to run batches.
type runtime struct {
	cfg     config.Config
	model   *model.MemModel
	journal *journal.Journal
	engine  *engine.Engine
}

func (r *runtime) close() {
	if r.engine != nil {
		if err := r.engine.Shutdown(r.cfg.ShutdownTimeout); err != nil {
			slog.Warn("engine shutdown", "error", err)
		}
	}
	if r.journal != nil {
		r.journal.Close()
	}
}

// newRuntime loads config, sets up logging, opens the journal, seeds
// the model, and starts an engine. Tweaks apply flag-level overrides on
// top of the loaded config and are re-validated.
func newRuntime(opts *RootOptions, tweaks ...func(*config.Config)) (*runtime, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, &ExitError{Code: ExitCommandError, Message: "load config", Err: err}
	}
	for _, tweak := range tweaks {
		tweak(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ExitError{Code: ExitCommandError, Message: "config overrides", Err: err}
	}
	setupLogging(cfg.LogLevel, opts.Verbose)

	mem, err := loadModel(opts.ModelPath)
	if err != nil {
		return nil, &ExitError{Code: ExitCommandError, Message: "load model", Err: err}
	}

	jnl, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return nil, &ExitError{Code: ExitCommandError, Message: "open journal", Err: err}
	}

	eng := engine.New(cfg, mem, jnl)
	eng.Start()
	return &runtime{cfg: cfg, model: mem, journal: jnl, engine: eng}, nil
}

// openJournal opens just the journal, for read-only commands.
func openJournal(opts *RootOptions) (config.Config, *journal.Journal, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return cfg, nil, &ExitError{Code: ExitCommandError, Message: "load config", Err: err}
	}
	setupLogging(cfg.LogLevel, opts.Verbose)
	jnl, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return cfg, nil, &ExitError{Code: ExitCommandError, Message: "open journal", Err: err}
	}
	return cfg, jnl, nil
}

func setupLogging(level string, verbose bool) {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// marshalObjects renders a model snapshot, the mirror of loadModel.
func marshalObjects(objs []*model.Object) ([]byte, error) {
	return json.MarshalIndent(objs, "", "  ")
}

// loadModel seeds a model from a JSON snapshot: an array of objects.
func loadModel(path string) (*model.MemModel, error) {
	if path == "" {
		return model.NewMemModel(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var objs []*model.Object
	if err := json.Unmarshal(data, &objs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return model.NewSeeded(objs), nil
}
