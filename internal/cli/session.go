package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/session"
)

func newImportCommand(rt *runtime) *cobra.Command {
	var (
		label         string
		format        string
		profile       string
		schemaVersion int
		pairs         []string
	)
	cmd := &cobra.Command{
		Use:   "import <image>",
		Short: "Start a session from a concept image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rt.open(cmd)
			if err != nil {
				return err
			}
			payload, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}
			if format == "" {
				format = strings.TrimPrefix(strings.ToLower(filepath.Ext(args[0])), ".")
			}
			if label == "" {
				label = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}
			version := schemaVersion
			if version == 0 {
				version = a.Params.Current()
			}
			overrides, err := a.Params.ParseOverrides(version, pairs)
			if err != nil {
				return err
			}
			s, err := a.Manager.CreateSession(cmd.Context(), session.Import{
				Label:         label,
				Kind:          domain.AssetKindImage2D,
				Format:        format,
				Payload:       payload,
				SchemaVersion: schemaVersion,
				Params:        overrides,
				Profile:       profile,
			})
			if err != nil {
				return err
			}
			return rt.printSession(cmd, s.ID)
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "session label (default: the file name)")
	cmd.Flags().StringVar(&format, "format", "", "image format (default: the file extension)")
	cmd.Flags().StringVar(&profile, "profile", "", "parameter profile to apply")
	cmd.Flags().IntVar(&schemaVersion, "schema-version", 0, "schema the --param values are written against")
	cmd.Flags().StringArrayVarP(&pairs, "param", "p", nil, "parameter override key=value (repeatable)")
	return cmd
}

func newRunCommand(rt *runtime) *cobra.Command {
	var (
		pairs  []string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "run <session-id> <stage>",
		Short: "Run a pipeline stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rt.open(cmd)
			if err != nil {
				return err
			}
			id, stageID := args[0], args[1]
			s, err := a.Manager.Load(cmd.Context(), id)
			if err != nil {
				return err
			}
			version := a.Params.Current()
			if active, ok := s.Active(); ok {
				version = active.SchemaVersion()
			}
			overrides, err := a.Params.ParseOverrides(version, pairs)
			if err != nil {
				return err
			}
			if dryRun {
				cost, err := a.Manager.Estimate(cmd.Context(), id, stageID, overrides)
				if err != nil {
					return err
				}
				if rt.jsonOut {
					return printJSON(cmd.OutOrStdout(), cost)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d units, %d outputs, about %s\n",
					headerStyle.UnsetMarginBottom().Render("Estimate"), stageID, cost.Units, cost.Outputs, cost.Duration.Round(time.Millisecond))
				return nil
			}
			res, err := a.Manager.ApplyCommand(cmd.Context(), id, session.RunStage{StageID: stageID, Params: overrides})
			if err != nil {
				return err
			}
			if rt.jsonOut {
				return printJSON(cmd.OutOrStdout(), res.Record)
			}
			printRecord(cmd.OutOrStdout(), res)
			return rt.printSession(cmd, id)
		},
	}
	cmd.Flags().StringArrayVarP(&pairs, "param", "p", nil, "parameter override key=value (repeatable)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "estimate the stage cost without running it")
	return cmd
}

func newApproveCommand(rt *runtime) *cobra.Command {
	var (
		width, height, depth float64
		pivot, collision     string
		lods                 bool
		notes                string
	)
	defaults := domain.DefaultApproval()
	cmd := &cobra.Command{
		Use:   "approve <session-id> <candidate>",
		Short: "Approve a variation candidate",
		Long: `Approve a candidate of the latest variation set. The candidate is
named by its index, its label, or its asset id (a unique prefix is enough).`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rt.open(cmd)
			if err != nil {
				return err
			}
			snap, err := a.Manager.Snapshot(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			assetID, err := resolveCandidate(snap, args[1])
			if err != nil {
				return err
			}
			approval := domain.Approval{
				DimensionsCm: domain.Dimensions{Width: width, Height: height, Depth: depth},
				ExportSettings: domain.ExportSettings{
					Pivot:        pivot,
					Collision:    collision,
					GenerateLODs: lods,
				},
				Notes: notes,
			}
			if _, err := a.Manager.ApplyCommand(cmd.Context(), args[0], session.ApproveVariation{AssetID: assetID, Approval: &approval}); err != nil {
				return err
			}
			return rt.printSession(cmd, args[0])
		},
	}
	cmd.Flags().Float64Var(&width, "width", defaults.DimensionsCm.Width, "width in centimetres")
	cmd.Flags().Float64Var(&height, "height", defaults.DimensionsCm.Height, "height in centimetres")
	cmd.Flags().Float64Var(&depth, "depth", defaults.DimensionsCm.Depth, "depth in centimetres")
	cmd.Flags().StringVar(&pivot, "pivot", defaults.ExportSettings.Pivot, "pivot: center or base_center")
	cmd.Flags().StringVar(&collision, "collision", defaults.ExportSettings.Collision, "collision: none, box or convex")
	cmd.Flags().BoolVar(&lods, "lods", defaults.ExportSettings.GenerateLODs, "generate LODs on export")
	cmd.Flags().StringVar(&notes, "notes", "", "free-form approval notes")
	return cmd
}

func newRejectCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "reject <session-id> <candidate>",
		Short: "Reject a variation candidate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rt.open(cmd)
			if err != nil {
				return err
			}
			snap, err := a.Manager.Snapshot(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			assetID, err := resolveCandidate(snap, args[1])
			if err != nil {
				return err
			}
			if _, err := a.Manager.ApplyCommand(cmd.Context(), args[0], session.RejectVariation{AssetID: assetID}); err != nil {
				return err
			}
			return rt.printSession(cmd, args[0])
		},
	}
}

func newAbandonCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "abandon <session-id>",
		Short: "Abandon a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rt.open(cmd)
			if err != nil {
				return err
			}
			if _, err := a.Manager.ApplyCommand(cmd.Context(), args[0], session.Abandon{}); err != nil {
				return err
			}
			return rt.printSession(cmd, args[0])
		},
	}
}

func newShowCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := rt.open(cmd); err != nil {
				return err
			}
			return rt.printSession(cmd, args[0])
		},
	}
}

func newListCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rt.open(cmd)
			if err != nil {
				return err
			}
			list, err := a.Manager.List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if rt.jsonOut {
				return printJSON(out, list)
			}
			if len(list) == 0 {
				fmt.Fprintln(out, dimStyle.Render("No sessions."))
				return nil
			}
			fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%d sessions", len(list))))
			w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ID\tLABEL\tSTATE\tREV\tUPDATED")
			for _, s := range list {
				if s.Err != "" {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", idStyle.Render(s.ID), "-", errorStyle.Render("unreadable"), "-", s.Err)
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					idStyle.Render(s.ID), s.Label, stateStyle(s.State).Render(string(s.State)), s.Revision, dimStyle.Render(s.UpdatedAt.Format(time.DateTime)))
			}
			return w.Flush()
		},
	}
}

func newArchiveCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "archive <session-id>",
		Short: "Move a session out of the active listing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rt.open(cmd)
			if err != nil {
				return err
			}
			if err := a.Manager.Archive(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("archived"), args[0])
			return nil
		},
	}
}

func newVerifyCommand(rt *runtime) *cobra.Command {
	var parallelism int
	cmd := &cobra.Command{
		Use:   "verify <session-id>",
		Short: "Replay every succeeded record and check it reproduces",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rt.open(cmd)
			if err != nil {
				return err
			}
			if parallelism <= 0 {
				parallelism = a.Config.Stages.VerifyParallelism
			}
			report, err := a.Manager.Verify(cmd.Context(), args[0], parallelism)
			if err != nil {
				return err
			}
			if rt.jsonOut {
				return printJSON(cmd.OutOrStdout(), report)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d records reproduced, %d skipped\n",
				successStyle.Render("verified"), report.Replayed, report.Skipped)
			return nil
		},
	}
	cmd.Flags().IntVar(&parallelism, "parallel", 0, "records replayed at once (default from config)")
	return cmd
}

// resolveCandidate finds a candidate of the latest variation set by index,
// label, asset id or unique id prefix.
func resolveCandidate(snap session.Snapshot, ref string) (domain.AssetID, error) {
	if len(snap.Candidates) == 0 {
		return "", &domain.InvalidInputError{Field: "candidate", Reason: "session has no variation candidates"}
	}
	if i, err := strconv.Atoi(ref); err == nil {
		for _, c := range snap.Candidates {
			if c.Index == i {
				return c.AssetID, nil
			}
		}
		return "", &domain.InvalidInputError{Field: "candidate", Reason: fmt.Sprintf("no candidate with index %d", i)}
	}
	var matches []domain.AssetID
	for _, c := range snap.Candidates {
		switch {
		case string(c.AssetID) == ref || c.Label == ref:
			return c.AssetID, nil
		case strings.HasPrefix(c.AssetID.Digest(), ref), strings.HasPrefix(string(c.AssetID), ref):
			matches = append(matches, c.AssetID)
		}
	}
	switch len(matches) {
	case 0:
		return "", &domain.InvalidInputError{Field: "candidate", Reason: fmt.Sprintf("no candidate matches %q", ref)}
	case 1:
		return matches[0], nil
	default:
		return "", &domain.InvalidInputError{Field: "candidate", Reason: fmt.Sprintf("%q matches %d candidates", ref, len(matches))}
	}
}

func (rt *runtime) printSession(cmd *cobra.Command, id string) error {
	snap, err := rt.app.Manager.Snapshot(cmd.Context(), id)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if rt.jsonOut {
		return printJSON(out, snap)
	}
	printSnapshot(out, snap)
	return nil
}

func printSnapshot(out io.Writer, snap session.Snapshot) {
	fmt.Fprintln(out, headerStyle.Render(snap.Label))
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "id\t%s\n", idStyle.Render(snap.ID))
	state := stateStyle(snap.State).Render(string(snap.State))
	if snap.State != snap.Persisted {
		state += dimStyle.Render(" (persisted: " + string(snap.Persisted) + ")")
	}
	fmt.Fprintf(w, "state\t%s\n", state)
	fmt.Fprintf(w, "revision\t%d\n", snap.Revision)
	fmt.Fprintf(w, "source\t%s\n", snap.Source.Short())
	fmt.Fprintf(w, "params\t%s\n", shortHash(snap.ActiveParams))
	if snap.Approved != "" {
		fmt.Fprintf(w, "approved\t%s\n", snap.Approved.Short())
	}
	fmt.Fprintf(w, "updated\t%s\n", dimStyle.Render(snap.UpdatedAt.Format(time.DateTime)))
	_ = w.Flush()

	if len(snap.Candidates) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, labelStyle.Render("Candidates"))
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, c := range snap.Candidates {
			st := dimStyle
			switch c.Status {
			case session.CandidateApproved:
				st = successStyle
			case session.CandidateRejected:
				st = errorStyle
			}
			fmt.Fprintf(w, "  %d\t%s\t%s\t%s\n", c.Index, c.Label, idStyle.Render(c.AssetID.Short()), st.Render(string(c.Status)))
		}
		_ = w.Flush()
	}
	if len(snap.Records) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, labelStyle.Render("Recent runs"))
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, r := range snap.Records {
			fmt.Fprintf(w, "  #%d\t%s\t%s\tattempt %d\t%s\n",
				r.Sequence, r.StageID, statusStyle(r.Status).Render(string(r.Status)), r.Attempt, dimStyle.Render(r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()))
		}
		_ = w.Flush()
	}
	for _, e := range snap.Exports {
		fmt.Fprintf(out, "exported %s (%s, %s) %s\n", e.Filename, e.Target, e.Preset, dimStyle.Render(e.Digest))
	}
}

func printRecord(out io.Writer, res session.Result) {
	if res.Record == nil {
		return
	}
	r := res.Record
	line := fmt.Sprintf("%s %s #%d", statusStyle(r.Status).Render(string(r.Status)), r.StageID, r.Sequence)
	if res.Cached {
		line += dimStyle.Render(" (reused earlier result)")
	}
	fmt.Fprintln(out, line)
	if r.Cause != nil {
		fmt.Fprintf(out, "  %s: %s\n", r.Cause.Code, r.Cause.Message)
	}
}

func shortHash(h string) string {
	h = strings.TrimPrefix(h, "sha256:")
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
