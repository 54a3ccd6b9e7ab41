package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/ajitpratap0/docflow/internal/pipeline"
	"github.com/ajitpratap0/docflow/pkg/config"
	"github.com/ajitpratap0/docflow/pkg/docstore"
	"github.com/ajitpratap0/docflow/pkg/docstore/mongodb"
	"github.com/ajitpratap0/docflow/pkg/errors"
	"github.com/ajitpratap0/docflow/pkg/formats"
	"github.com/ajitpratap0/docflow/pkg/logger"
	"github.com/ajitpratap0/docflow/pkg/metrics"
	"github.com/ajitpratap0/docflow/pkg/observability"

	// Import all file formats to register them
	_ "github.com/ajitpratap0/docflow/pkg/formats/avro"
	_ "github.com/ajitpratap0/docflow/pkg/formats/csv"
	_ "github.com/ajitpratap0/docflow/pkg/formats/json"
	_ "github.com/ajitpratap0/docflow/pkg/formats/jsonl"
	_ "github.com/ajitpratap0/docflow/pkg/formats/parquet"
)

var version = "0.1.0"

// globalFlags maps persistent flags to configuration keys.
var globalFlags = map[string]string{
	"uri":           "mongo.uri",
	"database":      "mongo.database",
	"timeout":       "mongo.connect_timeout",
	"chunk-size":    "pipeline.chunk_size",
	"separator":     "pipeline.separator",
	"max-depth":     "pipeline.max_depth",
	"workers":       "pipeline.workers",
	"csv-delimiter": "pipeline.csv_delimiter",
	"schema-drift":  "pipeline.schema_drift",
	"log-level":     "log.level",
	"log-format":    "log.encoding",
	"metrics-file":  "observability.metrics_file",
	"trace":         "observability.tracing",
}

var exportFlags = map[string]string{
	"file-size": "export.file_size",
	"normalize": "export.normalize",
	"keep-id":   "export.keep_id",
	"append":    "export.append",
}

var importFlags = map[string]string{
	"denormalize":      "import.denormalize",
	"decode-json":      "import.decode_json",
	"infer-types":      "import.infer_types",
	"clear":            "import.clear_before",
	"skip-if-nonempty": "import.skip_if_nonempty",
	"failure-policy":   "import.failure_policy",
	"recursive":        "import.recursive",
	"keep-id":          "import.keep_id",
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load() // Ignore error if .env doesn't exist

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "docflow",
		Short: "docflow - streaming MongoDB import/export",
		Long: `docflow moves records between MongoDB collections and JSON, JSONL, CSV,
Parquet and Avro files. Records stream through in bounded chunks, so
collections and files larger than memory are handled.`,
		SilenceUsage: true,
	}

	var configFile string
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to a YAML or JSON configuration file")
	root.PersistentFlags().String("uri", "", "MongoDB connection string (env DOCFLOW_MONGO_URI)")
	root.PersistentFlags().String("database", "", "Database to read from and write to")
	root.PersistentFlags().Duration("timeout", 10*time.Second, "Connection and server selection timeout")
	root.PersistentFlags().Int("chunk-size", 5000, "Maximum number of records held in memory per batch")
	root.PersistentFlags().String("separator", ".", "Separator joining nested keys into flat column names")
	root.PersistentFlags().Int("max-depth", 0, "Maximum flattening depth; 0 flattens fully")
	root.PersistentFlags().Int("workers", 1, "Number of batches shaped concurrently")
	root.PersistentFlags().String("csv-delimiter", ",", "Field delimiter for CSV files")
	root.PersistentFlags().String("schema-drift", config.SchemaDriftFail, "Columns first seen after a tabular header: fail or drop")
	root.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "console", "Log encoding (console, json)")
	root.PersistentFlags().String("metrics-file", "", "Write Prometheus metrics to this file at exit")
	root.PersistentFlags().Bool("trace", false, "Print OpenTelemetry spans to stderr")

	// Version command
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("docflow v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "formats",
		Short: "List supported file formats",
		Run: func(cmd *cobra.Command, args []string) {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FORMAT\tSUFFIXES\tTABULAR\tAPPEND")
			for _, f := range formats.GetRegistry().List() {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%t\n", f.Name, strings.Join(f.Extensions, ","), f.Tabular, f.Appendable)
			}
			_ = tw.Flush()
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configFile, nil)
			if err != nil {
				return err
			}
			return config.Dump(cmd.OutOrStdout(), cfg)
		},
	})

	root.AddCommand(newExportCmd(&configFile))
	root.AddCommand(newImportCmd(&configFile))
	root.AddCommand(newCollectionsCmd(&configFile))
	root.AddCommand(newDatabasesCmd(&configFile))
	root.AddCommand(newPingCmd(&configFile))
	return root
}

func newExportCmd(configFile *string) *cobra.Command {
	var collection, output, format, query string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a collection to a file",
		Long: `Export the records of a collection, optionally filtered by a query, to a
file. The format follows the output suffix unless --format is given.

Example:
  docflow export --database shop --collection users --output users.csv
  docflow export --collection orders --query '{"status":"open"}' --file-size 100000 -o orders.jsonl
  docflow export --collection orders --query pipeline.json -o totals.parquet`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, *configFile, exportFlags, func(ctx context.Context, s *session) error {
				if err := s.requireDatabase(); err != nil {
					return err
				}
				q, err := docstore.ParseQuery(query)
				if err != nil {
					return err
				}
				exp, err := pipeline.NewExporter(s.cfg, s.store,
					pipeline.WithLogger(s.log),
					pipeline.WithDatabase(s.store.Database()))
				if err != nil {
					return err
				}
				result, err := exp.Export(ctx, pipeline.ExportRequest{
					Collection: collection,
					Query:      q,
					Path:       output,
					Format:     format,
				})
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, a := range result.Artifacts {
					fmt.Fprintf(tw, "%s\t%d\n", a.Path, a.Records)
				}
				_ = tw.Flush()
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&collection, "collection", "", "Collection to export (required)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file; defaults to <database>_<collection>.<ext>")
	cmd.Flags().StringVarP(&format, "format", "f", "", "Output format (json, jsonl, csv, parquet, avro)")
	cmd.Flags().StringVarP(&query, "query", "q", "", "Filter document, aggregation pipeline array, or a file holding either")
	cmd.Flags().Int("file-size", 0, "Maximum records per output file; 0 writes one file")
	cmd.Flags().Bool("normalize", true, "Flatten nested records for tabular formats")
	cmd.Flags().Bool("keep-id", false, "Keep the _id field")
	cmd.Flags().Bool("append", false, "Append to an existing CSV or JSONL file")
	_ = cmd.MarkFlagRequired("collection")
	return cmd
}

func newImportCmd(configFile *string) *cobra.Command {
	var input, collection, format, pattern, extension string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a file or a directory of files",
		Long: `Import a file into a collection, or every matching file of a directory.
Without --collection each file goes to the collection named after its
file name.

Example:
  docflow import --database shop --input users.csv
  docflow import --input exports/ --extension .jsonl --collection events --clear`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, *configFile, importFlags, func(ctx context.Context, s *session) error {
				if err := s.requireDatabase(); err != nil {
					return err
				}
				imp, err := pipeline.NewImporter(s.cfg, s.store, pipeline.WithLogger(s.log))
				if err != nil {
					return err
				}

				info, err := os.Stat(input)
				if err != nil {
					return errors.Wrap(err, errors.ErrorTypeSourceNotFound, "input does not exist").
						WithDetail(errors.DetailPath, input)
				}

				var reports []pipeline.FileReport
				if info.IsDir() {
					report, err := imp.ImportDir(ctx, pipeline.DirRequest{
						Dir:        input,
						Collection: collection,
						Extension:  extension,
						Pattern:    pattern,
						Format:     format,
					})
					if report != nil {
						reports = report.Files
					}
					printReports(cmd, reports)
					if err != nil {
						return err
					}
					if failed := report.Failed(); len(failed) > 0 {
						return fmt.Errorf("%d of %d files failed to import", len(failed), len(report.Files))
					}
					return nil
				}

				report, err := imp.ImportFile(ctx, pipeline.ImportRequest{Path: input, Collection: collection, Format: format})
				if report != nil {
					printReports(cmd, []pipeline.FileReport{*report})
				}
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "File or directory to import (required)")
	cmd.Flags().StringVar(&collection, "collection", "", "Destination collection; defaults to the file name")
	cmd.Flags().StringVarP(&format, "format", "f", "", "Input format when the suffix does not tell")
	cmd.Flags().StringVar(&pattern, "pattern", "", "Glob matched against file names in a directory")
	cmd.Flags().StringVar(&extension, "extension", "", "Suffix of the files to import from a directory")
	cmd.Flags().Bool("denormalize", true, "Rebuild nested records from flat columns")
	cmd.Flags().Bool("decode-json", true, "Decode cells holding JSON array or object text (disable to keep such strings as text)")
	cmd.Flags().Bool("infer-types", true, "Convert CSV cells to booleans and numbers")
	cmd.Flags().Bool("clear", false, "Empty each destination collection first")
	cmd.Flags().Bool("skip-if-nonempty", false, "Leave collections that already hold records untouched")
	cmd.Flags().String("failure-policy", config.FailurePolicyContinue, "On a failed file in a directory: continue or abort")
	cmd.Flags().Bool("recursive", false, "Descend into subdirectories")
	cmd.Flags().Bool("keep-id", false, "Insert the _id field found in files")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func printReports(cmd *cobra.Command, reports []pipeline.FileReport) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, r := range reports {
		status := "ok"
		switch {
		case r.Err != nil:
			status = "failed: " + r.Err.Error()
		case r.Skipped:
			status = "skipped"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", r.Path, r.Collection, r.Records, status)
	}
	_ = tw.Flush()
}

func newCollectionsCmd(configFile *string) *cobra.Command {
	var regex string
	var limit int

	cmd := &cobra.Command{
		Use:   "collections",
		Short: "List collections of the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, *configFile, nil, func(ctx context.Context, s *session) error {
				if err := s.requireDatabase(); err != nil {
					return err
				}
				names, err := s.store.ListCollections(ctx, regex)
				if err != nil {
					return err
				}
				if limit > 0 && len(names) > limit {
					names = names[:limit]
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&regex, "regex", "", "Only list collections matching this regular expression")
	cmd.Flags().IntVar(&limit, "limit", 0, "List at most this many collections; 0 lists all")
	return cmd
}

func newDatabasesCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "databases",
		Short: "List databases on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, *configFile, nil, func(ctx context.Context, s *session) error {
				names, err := s.store.ListDatabases(ctx)
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			})
		},
	}
}

func newPingCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the server is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, *configFile, nil, func(ctx context.Context, s *session) error {
				start := time.Now()
				if err := s.store.Ping(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok (%s)\n", time.Since(start).Round(time.Millisecond))
				return nil
			})
		},
	}
}

// session is the state shared by commands that talk to the database.
type session struct {
	cfg   config.Config
	log   *zap.Logger
	store docstore.Store
}

func (s *session) requireDatabase() error {
	if s.store.Database() == "" {
		return errors.New(errors.ErrorTypeInvalidConfiguration, "no database selected; set --database or name it in the URI")
	}
	return nil
}

// loadConfig layers the config file, DOCFLOW_* variables and the flags set on
// cmd into the effective configuration.
func loadConfig(cmd *cobra.Command, configFile string, local map[string]string) (config.Config, error) {
	loader := config.NewLoader()
	bind := func(flags *pflag.FlagSet, keys map[string]string) error {
		for name, key := range keys {
			if err := loader.BindFlag(key, flags.Lookup(name)); err != nil {
				return errors.Wrap(err, errors.ErrorTypeInternal, "failed to bind flag").
					WithDetail("flag", name)
			}
		}
		return nil
	}
	if err := bind(cmd.Root().PersistentFlags(), globalFlags); err != nil {
		return config.Config{}, err
	}
	if err := bind(cmd.Flags(), local); err != nil {
		return config.Config{}, err
	}
	return loader.Load(configFile)
}

// withSession loads the configuration, sets up logging, tracing and the
// database connection, runs fn and tears everything down again.
func withSession(cmd *cobra.Command, configFile string, local map[string]string, fn func(ctx context.Context, s *session) error) error {
	cfg, err := loadConfig(cmd, configFile, local)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.With(zap.String("component", "docflow-cli"), zap.String("command", cmd.Name()))

	if cfg.Observability.Tracing {
		if err := observability.InitTracing(observability.DefaultTracingConfig(version)); err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := observability.Shutdown(ctx); err != nil {
				log.Warn("failed to flush traces", zap.Error(err))
			}
		}()
	}
	if cfg.Observability.MetricsFile != "" {
		defer func() {
			if err := metrics.WriteToTextfile(cfg.Observability.MetricsFile); err != nil {
				log.Warn("failed to write metrics", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := mongodb.Connect(ctx, cfg.Mongo, log)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(ctx); err != nil {
			log.Warn("failed to disconnect", zap.Error(err))
		}
	}()

	return fn(ctx, &session{cfg: cfg, log: log, store: store})
}
