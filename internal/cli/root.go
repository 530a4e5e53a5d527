// Package cli is the forge command line.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/forge-labs/forge-go/internal/app"
	"github.com/forge-labs/forge-go/internal/config"
	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/params"
)

const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitConfig     = 2
	ExitCorruption = 3
)

var (
	version = "dev"
	commit  = "unknown"
)

// ConfigError marks a failure to load or validate configuration.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return "config: " + e.Err.Error() }

func (e *ConfigError) Unwrap() error { return e.Err }

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	var cfgErr *ConfigError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &cfgErr):
		return ExitConfig
	case errors.Is(err, domain.ErrCorruption):
		return ExitCorruption
	default:
		return ExitFailure
	}
}

// runtime holds what the subcommands share. The app is built on first use
// so that --help and flag errors never touch storage.
type runtime struct {
	configPath string
	logLevel   string
	jsonOut    bool

	app *app.App
}

func (rt *runtime) open(cmd *cobra.Command) (*app.App, error) {
	if rt.app != nil {
		return rt.app, nil
	}
	cfg, err := config.Load(rt.configPath)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	if rt.logLevel != "" {
		cfg.Log.Level = rt.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ConfigError{Err: err}
	}
	logger, err := cfg.Logger(cmd.ErrOrStderr())
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	a, err := app.New(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, err
	}
	rt.app = a
	return a, nil
}

func (rt *runtime) close() error {
	if rt.app == nil {
		return nil
	}
	err := rt.app.Close()
	rt.app = nil
	return err
}

func newRootCommand(rt *runtime) *cobra.Command {
	root := &cobra.Command{
		Use:   "forge",
		Short: "Turn a 2D concept image into an exportable 3D asset",
		Long: `forge drives an asset from a concept image through variation,
approval and 3D generation to an engine-ready export.

Every step is recorded on a persistent session, so a session can be
inspected, verified and resumed at any time.

Quick Start:
  forge import concept.png --label crate     # start a session
  forge run <session-id> variation           # generate candidates
  forge approve <session-id> 0               # approve candidate 0
  forge run <session-id> generate3d          # build the mesh
  forge export <session-id> --preset unity   # write the export file`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&rt.configPath, "config", "", "config file (default $FORGE_CONFIG)")
	root.PersistentFlags().StringVar(&rt.logLevel, "log-level", "", "override the configured log level")
	root.PersistentFlags().BoolVar(&rt.jsonOut, "json", false, "print JSON instead of text")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newImportCommand(rt),
		newRunCommand(rt),
		newApproveCommand(rt),
		newRejectCommand(rt),
		newAbandonCommand(rt),
		newExportCommand(rt),
		newShowCommand(rt),
		newListCommand(rt),
		newArchiveCommand(rt),
		newVerifyCommand(rt),
		newParamsCommand(rt),
		newServeCommand(rt),
	)
	return root
}

// Execute runs the command line with args and returns the exit status.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	rt := &runtime{}
	root := newRootCommand(rt)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if cerr := rt.close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		printError(stderr, err)
	}
	return ExitCode(err)
}

func printError(w io.Writer, err error) {
	fmt.Fprintln(w, errorStyle.Render("Error:"), err)
	var verr *params.ValidationError
	if errors.As(err, &verr) {
		for _, issue := range verr.Issues {
			fmt.Fprintf(w, "  %s %s\n", labelStyle.Render(issue.Key), issue.Reason)
		}
	}
	if errors.Is(err, domain.ErrCorruption) {
		fmt.Fprintln(w, warningStyle.Render("The session needs manual recovery; it was left untouched."))
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
