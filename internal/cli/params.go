package cli

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/params"
	"github.com/forge-labs/forge-go/internal/session"
)

func newParamsCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "params",
		Short: "Inspect and migrate parameter sets",
	}
	cmd.AddCommand(newParamsSchemaCommand(rt), newParamsDiffCommand(rt), newParamsMigrateCommand(rt))
	return cmd
}

func newParamsSchemaCommand(rt *runtime) *cobra.Command {
	var v int
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print a parameter schema and the known profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rt.open(cmd)
			if err != nil {
				return err
			}
			if v == 0 {
				v = a.Params.Current()
			}
			schema, ok := a.Params.Schema(v)
			if !ok {
				return &domain.InvalidInputError{Field: "version", Reason: fmt.Sprintf("unknown schema version %d, known %v", v, a.Params.Versions())}
			}
			out := cmd.OutOrStdout()
			if rt.jsonOut {
				return printJSON(out, schema)
			}
			fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("Parameter schema v%d", schema.Version)))
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tTYPE\tDEFAULT\tRANGE\tDESCRIPTION")
			for _, f := range schema.Fields {
				def := "-"
				if d, ok := f.DefaultValue(); ok {
					def = d.String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", labelStyle.Render(f.Key), f.Type, def, fieldRange(f), dimStyle.Render(f.Description))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if names := a.Params.ProfileNames(); len(names) > 0 {
				fmt.Fprintln(out)
				fmt.Fprintln(out, labelStyle.Render("Profiles"), strings.Join(names, ", "))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&v, "version", 0, "schema version (default: current)")
	return cmd
}

func fieldRange(f params.Field) string {
	switch {
	case len(f.Values) > 0:
		return strings.Join(f.Values, "|")
	case f.Min != nil && f.Max != nil:
		return fmt.Sprintf("[%s, %s]", num(*f.Min), num(*f.Max))
	case f.Min != nil:
		return ">= " + num(*f.Min)
	case f.Max != nil:
		return "<= " + num(*f.Max)
	default:
		return "-"
	}
}

func num(x float64) string { return strconv.FormatFloat(x, 'g', -1, 64) }

func newParamsDiffCommand(rt *runtime) *cobra.Command {
	var defaults bool
	cmd := &cobra.Command{
		Use:   "diff <session-id> [from-hash] [to-hash]",
		Short: "Show how two parameter sets of a session differ",
		Long: `Compare two parameter sets from a session's history. Hashes may be
abbreviated. With no hashes the active set is compared with the one before
it; with one hash, that set is compared with the active set. --defaults
compares the active set with its schema defaults.`,
		Args: cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rt.open(cmd)
			if err != nil {
				return err
			}
			s, err := a.Manager.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			active, ok := s.Active()
			if !ok {
				return fmt.Errorf("%w: session %s has no active parameter set", domain.ErrCorruption, s.ID)
			}
			var from, to params.Set
			switch {
			case defaults:
				if from, err = a.Params.Defaults(active.SchemaVersion()); err != nil {
					return err
				}
				to = active
			case len(args) == 3:
				if from, err = historySet(s, args[1]); err != nil {
					return err
				}
				if to, err = historySet(s, args[2]); err != nil {
					return err
				}
			case len(args) == 2:
				if from, err = historySet(s, args[1]); err != nil {
					return err
				}
				to = active
			default:
				to = active
				from = active
				for i, p := range s.ParamHistory {
					if p.Hash() == active.Hash() && i > 0 {
						from = s.ParamHistory[i-1]
					}
				}
			}
			changes := params.Diff(from, to)
			out := cmd.OutOrStdout()
			if rt.jsonOut {
				return printJSON(out, changes)
			}
			fmt.Fprintf(out, "%s %s (v%d) -> %s (v%d)\n", labelStyle.Render("diff"),
				shortHash(from.Hash()), from.SchemaVersion(), shortHash(to.Hash()), to.SchemaVersion())
			if len(changes) == 0 {
				fmt.Fprintln(out, dimStyle.Render("no differences"))
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			for _, c := range changes {
				fmt.Fprintf(w, "  %s\t%s\t%s\n", c.Key, errorStyle.Render(valueText(c.Old)), successStyle.Render(valueText(c.New)))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&defaults, "defaults", false, "compare the active set with its schema defaults")
	return cmd
}

func historySet(s *session.Session, ref string) (params.Set, error) {
	ref = strings.TrimPrefix(ref, "sha256:")
	var found []params.Set
	for _, p := range s.ParamHistory {
		if strings.HasPrefix(strings.TrimPrefix(p.Hash(), "sha256:"), ref) {
			found = append(found, p)
		}
	}
	switch len(found) {
	case 1:
		return found[0], nil
	case 0:
		return params.Set{}, &domain.NotFoundError{Kind: "parameter set", ID: ref}
	default:
		return params.Set{}, &domain.InvalidInputError{Field: "hash", Reason: fmt.Sprintf("%q matches %d parameter sets", ref, len(found))}
	}
}

func valueText(v *params.Value) string {
	if v == nil {
		return "(absent)"
	}
	return v.String()
}

func newParamsMigrateCommand(rt *runtime) *cobra.Command {
	var to int
	cmd := &cobra.Command{
		Use:   "migrate <session-id>",
		Short: "Move a session's active parameters to another schema version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rt.open(cmd)
			if err != nil {
				return err
			}
			if _, err := a.Manager.ApplyCommand(cmd.Context(), args[0], session.MigrateParams{ToVersion: to}); err != nil {
				return err
			}
			return rt.printSession(cmd, args[0])
		},
	}
	cmd.Flags().IntVar(&to, "to", 0, "target schema version (default: current)")
	return cmd
}
