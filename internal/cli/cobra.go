package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	imageretrieval "github.com/menta2k/image-retrieval"
	"github.com/menta2k/image-retrieval/internal/config"
	"github.com/menta2k/image-retrieval/internal/utils"
	"github.com/menta2k/image-retrieval/pkg/database"
	"github.com/menta2k/image-retrieval/pkg/types"
)

// Root holds the state shared by every command.
type Root struct {
	cfg     *config.Config
	cfgPath string
	log     *slog.Logger
	out     io.Writer
}

// NewRoot constructs the CLI root.
func NewRoot(cfg *config.Config, cfgPath string, logger *slog.Logger) *Root {
	if logger == nil {
		logger = slog.Default()
	}
	return &Root{cfg: cfg, cfgPath: cfgPath, log: logger, out: os.Stdout}
}

// SetOutput redirects command output.
func (r *Root) SetOutput(w io.Writer) {
	r.out = w
}

// Run executes the command line args.
func (r *Root) Run(ctx context.Context, args []string) error {
	cmd := NewRootCmd(r)
	cmd.SetArgs(args)
	cmd.SetOut(r.out)
	cmd.SetErr(r.out)
	return cmd.ExecuteContext(ctx)
}

// NewRootCmd creates the root Cobra command
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "image-retrieval",
		Short: "Find the images of a collection that look like a query image",
		Long: `image-retrieval describes every image of a collection by wavelet
statistics, stores the descriptors in a database archive and ranks the
collection against query images.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&root.cfg.Database.Name, "dbname", root.cfg.Database.Name, "database archive name (.wdb, or .db/.sqlite for SQLite)")
	flags.StringVar(&root.cfg.Database.Dir, "dirname", root.cfg.Database.Dir, "collection directory")

	rootCmd.AddCommand(newBuildCmd(root))
	rootCmd.AddCommand(newQueryCmd(root))
	rootCmd.AddCommand(newInspectCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func (r *Root) retriever() (*imageretrieval.Retriever, error) {
	if err := r.cfg.Validate(); err != nil {
		return nil, err
	}
	opts, err := r.cfg.DatabaseOptions(r.log)
	if err != nil {
		return nil, err
	}
	return imageretrieval.NewWithOptions(opts)
}

func newBuildCmd(root *Root) *cobra.Command {
	var (
		force   bool
		pca     string
		family  string
		workers int
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Generate the database archive of a collection",
		Long: `Extract the feature vector of every image directly inside the collection
directory and save them to the database archive. An existing archive built
with the same parameters is reused unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("pca") {
				root.cfg.Extraction.PCA = pca
			}
			if cmd.Flags().Changed("family") {
				root.cfg.Extraction.Family = family
			}
			if cmd.Flags().Changed("workers") {
				root.cfg.Database.Workers = workers
			}

			r, err := root.retriever()
			if err != nil {
				return err
			}
			path := root.cfg.ArchivePath()
			if force && utils.FileExists(path) {
				if err := os.Remove(path); err != nil {
					return fmt.Errorf("failed to remove %s: %w", path, err)
				}
			}

			report, err := r.BuildOrLoadDatabase(cmd.Context(), root.cfg.Database.Dir, root.cfg.Database.Name)
			if err != nil {
				return err
			}
			db := r.Database()
			if report == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Database %s is up to date: %d images (%s)\n",
					path, db.Len(), db.Header().Describe())
				return nil
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d of %d images from %s into %s (%s) in %s\n",
				report.Entries(), report.Files, report.Dir, path,
				utils.FormatFileSize(utils.FileSize(path)), report.Duration.Round(time.Millisecond))
			for _, failure := range report.Failures {
				fmt.Fprintf(cmd.OutOrStdout(), "  skipped %v\n", failure)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "regenerate the archive even if it exists")
	cmd.Flags().StringVar(&pca, "pca", root.cfg.Extraction.PCA, "PCA reduction of the deep and shallow blocks (none|local|shared)")
	cmd.Flags().StringVar(&family, "family", root.cfg.Extraction.Family, "wavelet family (haar|db4|db8)")
	cmd.Flags().IntVarP(&workers, "workers", "w", root.cfg.Database.Workers, "number of extraction workers")

	return cmd
}

// resolveQuery locates the query image: URLs and absolute paths are used
// as given, relative paths are looked up in the collection directory first.
func resolveQuery(source, dir string) string {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") || filepath.IsAbs(source) {
		return source
	}
	inCollection := filepath.Join(dir, source)
	if utils.FileExists(inCollection) || !utils.FileExists(source) {
		return inCollection
	}
	return source
}

func newQueryCmd(root *Root) *cobra.Command {
	var (
		asJSON    bool
		saveQuery bool
	)

	cmd := &cobra.Command{
		Use:   "query <image>",
		Short: "Rank the collection against a query image",
		Long: `Load the database archive, generating it first when needed, and print the
closest images as "rank distance id" lines. Rejected images are not listed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := root.retriever()
			if err != nil {
				return err
			}
			if _, err := r.BuildOrLoadDatabase(cmd.Context(), root.cfg.Database.Dir, root.cfg.Database.Name); err != nil {
				return err
			}

			source := resolveQuery(args[0], root.cfg.Database.Dir)
			result, err := r.Query(cmd.Context(), source, root.cfg.Query.Matches, root.cfg.Database.UseIndex)
			if err != nil {
				return err
			}

			if saveQuery {
				if err := root.saveQuery(r, source); err != nil {
					return err
				}
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}
			for n, m := range result.Matches {
				fmt.Fprintf(cmd.OutOrStdout(), "%2d %5.2f %s\n", n, m.Distance, m.ID)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&root.cfg.Query.Matches, "matches", "n", root.cfg.Query.Matches, "number of results")
	cmd.Flags().Float64VarP(&root.cfg.Matching.Threshold, "threshold", "t", root.cfg.Matching.Threshold, "rejection threshold of the stage two deep block distance")
	cmd.Flags().BoolVar(&root.cfg.Database.UseIndex, "index", root.cfg.Database.UseIndex, "rank with the k-d tree instead of the three stage matcher")
	cmd.Flags().BoolVar(&saveQuery, "save-query", false, "write the normalized query image to the output directory")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")

	return cmd
}

func (r *Root) saveQuery(ret *imageretrieval.Retriever, source string) error {
	if err := utils.EnsureDir(r.cfg.Query.OutputDir); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	img, err := ret.LoadImage(source)
	if err != nil {
		return err
	}
	path := utils.GenerateOutputFilename(source, r.cfg.Query.OutputDir, "", "_query", strings.ToLower(r.cfg.Query.SaveFormat))
	if err := ret.SaveNormalized(img, path, r.cfg.Query.SaveFormat, r.cfg.Query.Quality); err != nil {
		return err
	}
	r.log.Info("normalized query saved", "path", path)
	return nil
}

func newInspectCmd(root *Root) *cobra.Command {
	var listKeys bool

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Describe a database archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			opts, err := root.cfg.DatabaseOptions(root.log)
			if err != nil {
				return err
			}
			path := root.cfg.ArchivePath()
			db, err := database.Load(path, opts)
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: no database at %s, run build first", types.ErrConfiguration, path)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			header := db.Header()
			fmt.Fprintf(out, "Archive: %s (%s, %s)\n", path, database.FormatFor(path), utils.FormatFileSize(utils.FileSize(path)))
			fmt.Fprintf(out, "Format: %s\n", header.Describe())
			fmt.Fprintf(out, "Created: %s\n", header.Created.Format(time.RFC3339))
			fmt.Fprintf(out, "Entries: %d\n", db.Len())
			rows, cols := header.Features.DeepShape()
			fmt.Fprintf(out, "Deep block: %dx%d per channel\n", rows, cols)
			rows, cols = header.Features.ShallowShape()
			fmt.Fprintf(out, "Shallow block: %dx%d per channel\n", rows, cols)

			issues := db.Validate()
			fmt.Fprintf(out, "Malformed entries: %d\n", len(issues))
			for _, issue := range issues {
				fmt.Fprintf(out, "  %v\n", issue)
			}
			if listKeys {
				for _, key := range db.Keys() {
					fmt.Fprintln(out, key)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&listKeys, "keys", false, "list the entry keys")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or create the image-retrieval configuration file",
	}

	// config show subcommand
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config file: %s\n\n", root.cfgPath)
			data, err := json.MarshalIndent(root.cfg, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			fmt.Fprintln(out, string(data))
			return nil
		},
	}

	// config init subcommand
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a configuration file with default values",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := root.cfgPath
			if len(args) > 0 {
				path = args[0]
			}
			if utils.FileExists(path) {
				return fmt.Errorf("config file %s already exists", path)
			}
			if err := config.Default().SaveToFile(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", path)
			return nil
		},
	}

	cmd.AddCommand(showCmd)
	cmd.AddCommand(initCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("image-retrieval v%s\n", imageretrieval.GetVersion())
			cmd.Printf("Built with Go %s\n", runtime.Version())
		},
	}
}
