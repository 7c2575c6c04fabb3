package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/preservo/preservo/pkg/graph"
)

func newOriginCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "origin IDENTIFIER",
		Short: "Show where an object was derived from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				origin, err := a.manager.GetOrigin(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(origin)
				}
				if origin.Relation == nil {
					fmt.Printf("%s has no recorded origin\n", origin.Identifier)
					return nil
				}
				printRelations([]graph.Relation{*origin.Relation})
				return nil
			})
		},
	}
	return cmd
}

func newDerivativesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "derivatives IDENTIFIER",
		Short: "Show the objects derived from an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				derivs, err := a.manager.GetDerivatives(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(derivs)
				}
				all := derivs.All()
				if len(all) == 0 {
					fmt.Printf("%s has no recorded derivatives\n", derivs.Identifier)
					return nil
				}
				printRelations(all)
				return nil
			})
		},
	}
	return cmd
}

func endpointLabel(e graph.Endpoint) string {
	if e.Local {
		return fmt.Sprintf("%s (%s)", e.Identifier, e.Kind)
	}
	if e.Resolver != "" {
		return fmt.Sprintf("%s @ %s", e.Identifier, e.Resolver)
	}
	return e.Identifier
}

func printRelations(rels []graph.Relation) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Kind", "Date", "Source", "Result", "Info"})
	for _, r := range rels {
		tw.AppendRow(table.Row{r.MigrationID, r.Kind, r.Date.Format(time.DateOnly),
			endpointLabel(r.Source), endpointLabel(r.Result), r.Info})
	}
	tw.Render()
}

// migrationFlags are the fields of a migration request.
type migrationFlags struct {
	kind       string
	identifier string
	resolver   string
	info       string
	date       string
}

func (f *migrationFlags) register(cmd *cobra.Command, identifierUsage string) {
	cmd.Flags().StringVar(&f.kind, "kind", "", "conversion, optimization or transformation")
	cmd.Flags().StringVar(&f.identifier, "identifier", "", identifierUsage)
	cmd.Flags().StringVar(&f.resolver, "resolver", "", "resolver of an identifier that is not stored here")
	cmd.Flags().StringVar(&f.info, "info", "", "free text about the migration")
	cmd.Flags().StringVar(&f.date, "date", "", "migration date (YYYY-MM-DD or RFC 3339, default now)")
}

func (f *migrationFlags) request() (graph.MigrationRequest, error) {
	req := graph.MigrationRequest{
		Kind:       graph.MigrationKind(f.kind),
		Identifier: f.identifier,
		Resolver:   f.resolver,
		Info:       f.info,
	}
	if f.date != "" {
		d, err := time.Parse(time.RFC3339, f.date)
		if err != nil {
			if d, err = time.Parse(time.DateOnly, f.date); err != nil {
				return req, fmt.Errorf("invalid date %q", f.date)
			}
		}
		req.Date = d.UTC()
	}
	return req, nil
}

func newMigrationCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migration",
		Short: "Edit recorded migrations",
		Long: `Record, change and remove the provenance edges of an object.

An object has at most one origin ("migrated from") and any number of
derivatives ("migrated to"). Changes require the modify permission on the
object.`,
	}

	cmd.AddCommand(newMigrationAddCommand())
	cmd.AddCommand(newMigrationModifyFromCommand())
	cmd.AddCommand(newMigrationDeleteFromCommand())
	cmd.AddCommand(newMigrationModifyToCommand())
	cmd.AddCommand(newMigrationDeleteToCommand())

	return cmd
}

func printMigration(m *graph.Migration) error {
	if jsonOutput() {
		return printJSON(m)
	}
	fmt.Printf("Recorded %s migration %d\n", m.Kind, m.ID)
	return nil
}

func newMigrationAddCommand() *cobra.Command {
	var (
		flags     migrationFlags
		direction string
	)

	cmd := &cobra.Command{
		Use:   "add IDENTIFIER",
		Short: "Record a migration from or to an object",
		Example: `  # The stored object urn:b was converted from urn:a
  preservo migration add urn:b --direction from --kind conversion --identifier urn:a

  # urn:a was optimized into an object held elsewhere
  preservo migration add urn:a --direction to --kind optimization \
    --identifier ark:/1234/x --resolver https://n2t.net`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				m, err := a.manager.CreateMigration(ctx, currentUser(), args[0], graph.Direction(direction), req)
				if err != nil {
					return err
				}
				return printMigration(m)
			})
		},
	}

	flags.register(cmd, "identifier of the other object")
	cmd.Flags().StringVar(&direction, "direction", string(graph.DirectionFrom), "from: the object was migrated from the other; to: into it")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("identifier")

	return cmd
}

func newMigrationModifyFromCommand() *cobra.Command {
	var flags migrationFlags

	cmd := &cobra.Command{
		Use:   "modify-from IDENTIFIER",
		Short: "Change the origin of an object",
		Long:  "Change the origin of an object. Fields left empty keep their recorded value.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				m, err := a.manager.ModifyMigratedFrom(ctx, currentUser(), args[0], req)
				if err != nil {
					return err
				}
				return printMigration(m)
			})
		},
	}

	flags.register(cmd, "identifier of the new source")
	return cmd
}

func newMigrationDeleteFromCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete-from IDENTIFIER",
		Short: "Remove the origin of an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.manager.DeleteMigratedFrom(ctx, currentUser(), args[0]); err != nil {
					return err
				}
				fmt.Printf("Removed the origin of %s\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func newMigrationModifyToCommand() *cobra.Command {
	var flags migrationFlags

	cmd := &cobra.Command{
		Use:   "modify-to IDENTIFIER RESULT_IDENTIFIER",
		Short: "Change a migration from an object to one of its derivatives",
		Long:  "Change a migration from an object to one of its derivatives. Fields left empty keep their recorded value.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				m, err := a.manager.ModifyMigratedTo(ctx, currentUser(), args[0], args[1], req)
				if err != nil {
					return err
				}
				return printMigration(m)
			})
		},
	}

	flags.register(cmd, "identifier of the new result")
	return cmd
}

func newMigrationDeleteToCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete-to IDENTIFIER RESULT_IDENTIFIER",
		Short: "Remove a migration from an object to one of its derivatives",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.manager.DeleteMigratedTo(ctx, currentUser(), args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("Removed the migration from %s to %s\n", args[0], args[1])
				return nil
			})
		},
	}
	return cmd
}
