package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/OFFIS-RIT/argus/internal/investigation"
	"github.com/OFFIS-RIT/argus/internal/util"
	"github.com/OFFIS-RIT/argus/pkg/common"
	"github.com/OFFIS-RIT/argus/pkg/export"
	"github.com/OFFIS-RIT/argus/pkg/graph"
	"github.com/OFFIS-RIT/argus/pkg/logger"
	"github.com/OFFIS-RIT/argus/pkg/logger/console"
	"github.com/OFFIS-RIT/argus/pkg/normalizer"
	"github.com/OFFIS-RIT/argus/pkg/query"
	"github.com/OFFIS-RIT/argus/pkg/store/sqlite"

	"github.com/spf13/cobra"
)

var (
	dbPath  string
	verbose bool
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	home, _ := os.UserHomeDir()
	defaultDB := filepath.Join(home, ".argus", "argus.db")

	rootCmd := &cobra.Command{
		Use:           "argus",
		Short:         "Offline ingestion and analysis of investigation graphs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{
				Debug:  verbose || util.GetEnvBool("DEBUG", false),
				Output: cmd.ErrOrStderr(),
			}))
		},
	}

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", util.GetEnvString("ARGUS_DB", defaultDB), "database path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(deleteCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(filterCmd())
	rootCmd.AddCommand(pathCmd())
	rootCmd.AddCommand(componentsCmd())
	rootCmd.AddCommand(centralityCmd())
	rootCmd.AddCommand(conflictsCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(exportCmd())
	return rootCmd
}

// openRegistry opens the database and wraps it in a registry using the
// same environment configuration as the server.
func openRegistry() (*investigation.Registry, func(), error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create db dir: %w", err)
	}
	s, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, nil, err
	}
	norm, err := investigation.NormalizerFromEnv()
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	reg := investigation.NewRegistry(investigation.NewRegistryParams{
		Storage:    s,
		Normalizer: norm,
		Graph:      investigation.GraphParamsFromEnv(),
	})
	return reg, func() { s.Close() }, nil
}

func withRegistry(fn func(ctx context.Context, reg *investigation.Registry) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		reg, closeFn, err := openRegistry()
		if err != nil {
			return err
		}
		defer closeFn()
		return fn(cmd.Context(), reg)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <id> [name]",
		Short: "Create an empty investigation",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if len(args) == 2 {
				name = args[1]
			}
			return withRegistry(func(ctx context.Context, reg *investigation.Registry) error {
				info, err := reg.Create(ctx, args[0], name)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), info)
			})(cmd, args)
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List investigations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(func(ctx context.Context, reg *investigation.Registry) error {
				infos, err := reg.List(ctx)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, info := range infos {
					fmt.Fprintf(w, "%-24s v%-4d %5d entities %5d relationships  %s\n",
						info.ID, info.Version, info.EntityCount, info.RelationshipCount, info.Name)
				}
				return nil
			})(cmd, args)
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an investigation and its graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(func(ctx context.Context, reg *investigation.Registry) error {
				if err := reg.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
				return nil
			})(cmd, args)
		},
	}
}

// formatFromPath guesses the payload format from the file extension.
func formatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return normalizer.FormatCSV
	default:
		return normalizer.FormatJSON
	}
}

func ingestCmd() *cobra.Command {
	var (
		source      string
		format      string
		retrievedAt string
	)

	cmd := &cobra.Command{
		Use:   "ingest <id> <file>...",
		Short: "Ingest collector results from files",
		Long: "Each file is one payload. Without --source the file name (without " +
			"extension) is used as the source name.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			at := time.Now().UTC()
			if retrievedAt != "" {
				t, err := time.Parse(time.RFC3339, retrievedAt)
				if err != nil {
					return fmt.Errorf("invalid --retrieved-at: %w", err)
				}
				at = t
			}

			payloads := make([]normalizer.Payload, 0, len(args)-1)
			for _, path := range args[1:] {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				p := normalizer.Payload{
					Source:      source,
					Format:      format,
					RetrievedAt: at,
					Data:        data,
				}
				if p.Source == "" {
					p.Source = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
				}
				if p.Format == "" {
					p.Format = formatFromPath(path)
				}
				payloads = append(payloads, p)
			}

			return withRegistry(func(ctx context.Context, reg *investigation.Registry) error {
				res, err := reg.Ingest(ctx, args[0], payloads)
				if err != nil {
					return err
				}
				printIngestResult(cmd.OutOrStdout(), res)
				return nil
			})(cmd, args)
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "source name for all files")
	cmd.Flags().StringVar(&format, "format", "", "payload format (json, csv)")
	cmd.Flags().StringVar(&retrievedAt, "retrieved-at", "", "retrieval time (RFC 3339), defaults to now")
	return cmd
}

func printIngestResult(w io.Writer, res *investigation.IngestResult) {
	fmt.Fprintf(w, "Version %d\n", res.Version)
	for _, b := range res.Report.Batches {
		printBatch(w, b)
	}
	for source, reason := range res.Rejected {
		fmt.Fprintf(w, "  %s: rejected: %s\n", source, reason)
	}
	for _, pe := range res.ParseErrors {
		fmt.Fprintf(w, "  ! %s\n", pe.Error())
	}
}

func printBatch(w io.Writer, b *graph.BatchReport) {
	if b.Err != nil {
		fmt.Fprintf(w, "  %s: abandoned: %v\n", b.Source, b.Err)
		return
	}
	fmt.Fprintf(w, "  %s: %d created, %d merged, %d unchanged, %d relationships created, %d merged\n",
		b.Source, b.Created, b.Merged, b.Unchanged, b.RelationshipsCreated, b.RelationshipsMerged)
	for _, c := range b.Conflicts {
		fmt.Fprintf(w, "    conflict %s: matched %s\n", c.ConflictID, strings.Join(c.MatchedIDs, ", "))
	}
	for _, msg := range b.ErrorMessages() {
		fmt.Fprintf(w, "    ! %s\n", msg)
	}
}

func filterCmd() *cobra.Command {
	var (
		include  []string
		exclude  []string
		rels     []string
		minConf  float64
		maxNodes int
	)

	cmd := &cobra.Command{
		Use:   "filter <id>",
		Short: "Print the subgraph matching the given criteria",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			criteria := query.Criteria{
				IncludeTypes:      entityTypes(include),
				ExcludeTypes:      entityTypes(exclude),
				RelationshipTypes: relationshipTypes(rels),
				MinConfidence:     minConf,
				MaxNodes:          maxNodes,
			}
			return withRegistry(func(ctx context.Context, reg *investigation.Registry) error {
				g, _, err := reg.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), query.Filter(g.Snapshot(), criteria))
			})(cmd, args)
		},
	}

	cmd.Flags().StringSliceVar(&include, "include", nil, "entity types to keep")
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "entity types to drop")
	cmd.Flags().StringSliceVar(&rels, "rel", nil, "relationship types to keep")
	cmd.Flags().Float64Var(&minConf, "min-confidence", 0, "minimum confidence")
	cmd.Flags().IntVar(&maxNodes, "max-nodes", 0, "node budget")
	return cmd
}

func entityTypes(in []string) []common.EntityType {
	out := make([]common.EntityType, 0, len(in))
	for _, s := range in {
		out = append(out, common.EntityType(strings.ToLower(s)))
	}
	return out
}

func relationshipTypes(in []string) []common.RelationshipType {
	out := make([]common.RelationshipType, 0, len(in))
	for _, s := range in {
		out = append(out, common.RelationshipType(strings.ToUpper(s)))
	}
	return out
}

func pathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path <id> <from> <to>",
		Short: "Print the shortest path between two entities",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(func(ctx context.Context, reg *investigation.Registry) error {
				g, _, err := reg.Get(ctx, args[0])
				if err != nil {
					return err
				}
				path, found, err := query.ShortestPath(g.Snapshot(), args[1], args[2])
				if err != nil {
					return err
				}
				if !found {
					fmt.Fprintln(cmd.OutOrStdout(), "no path")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(path, " -> "))
				return nil
			})(cmd, args)
		},
	}
}

func componentsCmd() *cobra.Command {
	var minSize int

	cmd := &cobra.Command{
		Use:   "components <id>",
		Short: "List connected components, largest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(func(ctx context.Context, reg *investigation.Registry) error {
				g, _, err := reg.Get(ctx, args[0])
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for i, comp := range query.ConnectedComponents(g.Snapshot()) {
					if len(comp) < minSize {
						continue
					}
					fmt.Fprintf(w, "%d (%d): %s\n", i, len(comp), strings.Join(comp, " "))
				}
				return nil
			})(cmd, args)
		},
	}

	cmd.Flags().IntVar(&minSize, "min-size", 1, "smallest component to print")
	return cmd
}

func centralityCmd() *cobra.Command {
	var top int

	cmd := &cobra.Command{
		Use:   "centrality <id>",
		Short: "Rank entities by degree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(func(ctx context.Context, reg *investigation.Registry) error {
				g, _, err := reg.Get(ctx, args[0])
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, r := range query.TopByDegree(g.Snapshot(), top) {
					fmt.Fprintf(w, "%5d  %s\n", r.Degree, r.ID)
				}
				return nil
			})(cmd, args)
		},
	}

	cmd.Flags().IntVar(&top, "top", 10, "number of entities")
	return cmd
}

func conflictsCmd() *cobra.Command {
	var open bool

	cmd := &cobra.Command{
		Use:   "conflicts <id>",
		Short: "List ambiguous matches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(func(ctx context.Context, reg *investigation.Registry) error {
				g, _, err := reg.Get(ctx, args[0])
				if err != nil {
					return err
				}
				out := make([]*common.Conflict, 0)
				for _, c := range g.Conflicts() {
					if open && c.Resolved() {
						continue
					}
					out = append(out, c)
				}
				return printJSON(cmd.OutOrStdout(), out)
			})(cmd, args)
		},
	}

	cmd.Flags().BoolVar(&open, "open", false, "only unresolved conflicts")
	return cmd
}

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <id> <conflict> <target>",
		Short: "Merge a conflicted entity into target, or keep it when target is the entity itself",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(func(ctx context.Context, reg *investigation.Registry) error {
				var resolved *common.Conflict
				version, err := reg.Mutate(ctx, args[0], func(_ context.Context, g *graph.Graph) error {
					c, err := g.ResolveConflict(args[1], args[2])
					resolved = c
					return err
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Resolved %s into %s (version %d)\n",
					resolved.ID, resolved.ResolvedInto, version)
				return nil
			})(cmd, args)
		},
	}
}

func exportCmd() *cobra.Command {
	var (
		output    string
		include   []string
		exclude   []string
		minConf   float64
		maxNodes  int
		conflicts bool
	)

	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Write a JSON export document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := export.Request{
				Criteria: query.Criteria{
					IncludeTypes:  entityTypes(include),
					ExcludeTypes:  entityTypes(exclude),
					MinConfidence: minConf,
					MaxNodes:      maxNodes,
				},
				IncludeConflicts: conflicts,
			}
			return withRegistry(func(ctx context.Context, reg *investigation.Registry) error {
				g, version, err := reg.Get(ctx, args[0])
				if err != nil {
					return err
				}
				doc := export.Build(args[0], version, g.Snapshot(), g.Conflicts(), req, time.Now().UTC())

				w := cmd.OutOrStdout()
				if output != "" && output != "-" {
					f, err := os.Create(output)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				if err := printJSON(w, doc); err != nil {
					return err
				}
				logger.Debug("Export written", "investigation", args[0], "nodes", len(doc.Nodes), "edges", len(doc.Edges))
				return nil
			})(cmd, args)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "-", "output file, - for stdout")
	cmd.Flags().StringSliceVar(&include, "include", nil, "entity types to keep")
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "entity types to drop")
	cmd.Flags().Float64Var(&minConf, "min-confidence", 0, "minimum confidence")
	cmd.Flags().IntVar(&maxNodes, "max-nodes", 0, "node budget")
	cmd.Flags().BoolVar(&conflicts, "conflicts", false, "include conflicts")
	return cmd
}
