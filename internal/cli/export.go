package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/forge-labs/forge-go/internal/api"
	"github.com/forge-labs/forge-go/internal/platform/fsx"
	"github.com/forge-labs/forge-go/internal/platform/httpserver"
)

func newExportCommand(rt *runtime) *cobra.Command {
	var target, preset, out string
	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Encode the generated mesh for a target engine",
		Long: `Encode the latest generated mesh with an export preset and write it.

--out may be a file, a directory (the preset names the file) or "-" for
standard output.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rt.open(cmd)
			if err != nil {
				return err
			}
			if preset == "" {
				preset = a.Config.Export.Preset
			}
			res, err := a.Manager.Export(cmd.Context(), args[0], target, preset)
			if err != nil {
				return err
			}
			if out == "-" {
				_, err := cmd.OutOrStdout().Write(res.Data)
				return err
			}
			path := out
			if info, err := os.Stat(out); err == nil && info.IsDir() {
				path = filepath.Join(out, res.Filename)
			}
			if err := fsx.WriteFileAtomic(path, res.Data, 0o644); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			if rt.jsonOut {
				return printJSON(cmd.OutOrStdout(), res.Record)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s, %s, %d bytes)\n",
				successStyle.Render("wrote"), path, res.Record.Target, res.Record.Preset, len(res.Data))
			fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render(res.Record.Digest))
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "encoder name (default: the preset's format)")
	cmd.Flags().StringVar(&preset, "preset", "", "export preset (default from config)")
	cmd.Flags().StringVarP(&out, "out", "o", ".", "output file, directory or -")
	return cmd
}

func newServeCommand(rt *runtime) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the session API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rt.open(cmd)
			if err != nil {
				return err
			}
			cfg := a.Config.HTTP
			if addr != "" {
				cfg.Addr = addr
			}
			srv, err := api.New(a.Manager, a.Assets,
				api.WithLogger(a.Logger),
				api.WithDefaultPreset(a.Config.Export.Preset),
			)
			if err != nil {
				return err
			}
			handler := srv.Handler(cfg.Service, a.Metrics, a.Readiness()...)
			return httpserver.Run(cmd.Context(), a.Logger, cfg, handler)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}
