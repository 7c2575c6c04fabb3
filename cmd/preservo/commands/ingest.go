package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/preservo/preservo/pkg/archive"
	"github.com/preservo/preservo/pkg/graph"
)

func newIngestCommand() *cobra.Command {
	var (
		name       string
		owner      string
		format     string
		kind       string
		identifier string
		aliases    []string
	)

	cmd := &cobra.Command{
		Use:   "ingest [DIR]",
		Short: "Add an object to the archive",
		Long: `Register a digital object and package the files below DIR.

Without DIR the object is registered without content. It stays unavailable
until its package is written to the archive, which wakes any plan waiting
for it.`,
		Example: `  # Ingest a directory of scans as a master object
  preservo ingest ./scans --name "Letters 1901" --format fmt/353

  # Register an object whose content arrives later
  preservo ingest --name "Maps" --format fmt/353 --identifier hdl:1234/maps`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := archive.IngestRequest{
				Name:       name,
				OwnerID:    owner,
				Kind:       graph.ObjectKind(kind),
				Format:     format,
				Identifier: identifier,
				Aliases:    aliases,
			}
			if req.OwnerID == "" {
				req.OwnerID = currentUser()
			}
			if len(args) == 1 {
				req.Dir = args[0]
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				obj, err := a.archive.Ingest(ctx, req)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(obj)
				}
				fmt.Printf("Ingested %s (%s, %s)\n", obj.DefaultIdentifier, obj.Kind, obj.Format)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "object name")
	cmd.Flags().StringVar(&owner, "owner", "", "owning user (default --user)")
	cmd.Flags().StringVar(&format, "format", "", "PRONOM identifier of the format")
	cmd.Flags().StringVar(&kind, "kind", string(graph.ObjectKindMaster), "object kind: master, optimized or converted")
	cmd.Flags().StringVar(&identifier, "identifier", "", "default identifier (minted when empty)")
	cmd.Flags().StringSliceVar(&aliases, "alias", nil, "additional identifiers")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("format")

	return cmd
}
