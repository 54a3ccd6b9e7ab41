package config

import (
	"time"

	"github.com/ajitpratap0/docflow/pkg/errors"
	"github.com/ajitpratap0/docflow/pkg/logger"
)

// Failure policies for multi-file imports.
const (
	FailurePolicyContinue = "continue"
	FailurePolicyAbort    = "abort"
)

// Schema drift policies for tabular writers.
const (
	SchemaDriftFail = "fail"
	SchemaDriftDrop = "drop"
)

// Config is the effective configuration of one docflow run. It is built once
// by Load (or Default) and passed by value, so a run never observes changes
// made after it started.
type Config struct {
	// Mongo holds the document database connection settings
	Mongo MongoConfig `yaml:"mongo" mapstructure:"mongo"`

	// Pipeline settings shared by export and import
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`

	// Export settings for database → file runs
	Export ExportConfig `yaml:"export" mapstructure:"export"`

	// Import settings for file → database runs
	Import ImportConfig `yaml:"import" mapstructure:"import"`

	// Log configures the process logger
	Log logger.Config `yaml:"log" mapstructure:"log"`

	// Observability configures metrics and tracing output
	Observability ObservabilityConfig `yaml:"observability" mapstructure:"observability"`
}

// MongoConfig contains the connection settings for the document database.
type MongoConfig struct {
	// URI is the connection string (mongodb:// or mongodb+srv://)
	URI string `yaml:"uri" mapstructure:"uri"`
	// Database is the database all collections are read from and written to
	Database string `yaml:"database" mapstructure:"database"`
	// ConnectTimeout bounds the initial connection and ping
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
}

// PipelineConfig contains the chunking and shaping settings.
type PipelineConfig struct {
	// ChunkSize is the maximum number of records held in memory per batch
	ChunkSize int `yaml:"chunk_size" mapstructure:"chunk_size"`
	// Separator joins nested keys into flat column names
	Separator string `yaml:"separator" mapstructure:"separator"`
	// MaxDepth limits flattening; 0 flattens fully
	MaxDepth int `yaml:"max_depth" mapstructure:"max_depth"`
	// Workers is the number of batches shaped in parallel
	Workers int `yaml:"workers" mapstructure:"workers"`
	// CSVDelimiter separates fields in delimited text files
	CSVDelimiter string `yaml:"csv_delimiter" mapstructure:"csv_delimiter"`
	// SchemaDrift is "fail" or "drop" for columns first seen after the header
	SchemaDrift string `yaml:"schema_drift" mapstructure:"schema_drift"`
}

// ExportConfig contains settings for database → file runs.
type ExportConfig struct {
	// Normalize flattens nested records before tabular writers
	Normalize bool `yaml:"normalize" mapstructure:"normalize"`
	// Format is used when the output suffix is missing or unknown
	Format string `yaml:"format" mapstructure:"format"`
	// FileSize caps records per output file; 0 writes a single file
	FileSize int `yaml:"file_size" mapstructure:"file_size"`
	// KeepID keeps the _id field in exported records
	KeepID bool `yaml:"keep_id" mapstructure:"keep_id"`
	// Append writes to an existing csv or jsonl file instead of replacing it
	Append bool `yaml:"append" mapstructure:"append"`
}

// ImportConfig contains settings for file → database runs.
type ImportConfig struct {
	// Denormalize rebuilds nested records from flat columns
	Denormalize bool `yaml:"denormalize" mapstructure:"denormalize"`
	// DecodeJSON turns JSON array/object text cells back into values. A text
	// cell that merely looks like JSON ("[1]", "{}") is decoded too; turn it
	// off for files whose strings must stay strings.
	DecodeJSON bool `yaml:"decode_json" mapstructure:"decode_json"`
	// InferTypes converts delimited text cells to bool, int and float
	InferTypes bool `yaml:"infer_types" mapstructure:"infer_types"`
	// Format is used when the input suffix is missing or unknown
	Format string `yaml:"format" mapstructure:"format"`
	// ClearBefore empties each destination collection before writing
	ClearBefore bool `yaml:"clear_before" mapstructure:"clear_before"`
	// SkipIfNonEmpty leaves destination collections that already hold records untouched
	SkipIfNonEmpty bool `yaml:"skip_if_nonempty" mapstructure:"skip_if_nonempty"`
	// FailurePolicy is "continue" or "abort" for directory imports
	FailurePolicy string `yaml:"failure_policy" mapstructure:"failure_policy"`
	// Recursive descends into subdirectories during directory imports
	Recursive bool `yaml:"recursive" mapstructure:"recursive"`
	// KeepID inserts the _id field found in files instead of letting the database assign one
	KeepID bool `yaml:"keep_id" mapstructure:"keep_id"`
}

// ObservabilityConfig contains metrics and tracing output settings.
type ObservabilityConfig struct {
	// MetricsFile receives Prometheus text metrics at exit when set
	MetricsFile string `yaml:"metrics_file" mapstructure:"metrics_file"`
	// Tracing prints OpenTelemetry spans to stderr
	Tracing bool `yaml:"tracing" mapstructure:"tracing"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Mongo: MongoConfig{
			URI:            "mongodb://localhost:27017",
			ConnectTimeout: 10 * time.Second,
		},
		Pipeline: PipelineConfig{
			ChunkSize:    5000,
			Separator:    ".",
			MaxDepth:     0,
			Workers:      1,
			CSVDelimiter: ",",
			SchemaDrift:  SchemaDriftFail,
		},
		Export: ExportConfig{
			Normalize: true,
			Format:    "json",
		},
		Import: ImportConfig{
			Denormalize:   true,
			DecodeJSON:    true,
			InferTypes:    true,
			Format:        "json",
			FailurePolicy: FailurePolicyContinue,
		},
		Log: logger.Config{
			Level:       "info",
			Encoding:    "console",
			OutputPaths: []string{"stderr"},
		},
	}
}

// Validate checks the configuration for correctness. It never touches the
// filesystem or the database.
func (c Config) Validate() error {
	switch {
	case c.Pipeline.ChunkSize <= 0:
		return invalid("pipeline.chunk_size must be positive", c.Pipeline.ChunkSize)
	case c.Pipeline.Separator == "":
		return invalid("pipeline.separator must not be empty", c.Pipeline.Separator)
	case c.Pipeline.MaxDepth < 0:
		return invalid("pipeline.max_depth cannot be negative", c.Pipeline.MaxDepth)
	case c.Pipeline.Workers <= 0:
		return invalid("pipeline.workers must be positive", c.Pipeline.Workers)
	case len([]rune(c.Pipeline.CSVDelimiter)) != 1:
		return invalid("pipeline.csv_delimiter must be a single character", c.Pipeline.CSVDelimiter)
	case c.Export.FileSize < 0:
		return invalid("export.file_size cannot be negative", c.Export.FileSize)
	case c.Export.Format == "":
		return invalid("export.format must not be empty", c.Export.Format)
	case c.Import.Format == "":
		return invalid("import.format must not be empty", c.Import.Format)
	case c.Mongo.ConnectTimeout < 0:
		return invalid("mongo.connect_timeout cannot be negative", c.Mongo.ConnectTimeout)
	}

	switch c.Pipeline.SchemaDrift {
	case SchemaDriftFail, SchemaDriftDrop:
	default:
		return invalid("pipeline.schema_drift must be fail or drop", c.Pipeline.SchemaDrift)
	}

	switch c.Import.FailurePolicy {
	case FailurePolicyContinue, FailurePolicyAbort:
	default:
		return invalid("import.failure_policy must be continue or abort", c.Import.FailurePolicy)
	}

	return nil
}

// Delimiter returns the CSV delimiter as a rune.
func (c Config) Delimiter() rune {
	r := []rune(c.Pipeline.CSVDelimiter)
	if len(r) == 0 {
		return ','
	}
	return r[0]
}

func invalid(msg string, value interface{}) error {
	return errors.New(errors.ErrorTypeInvalidConfiguration, msg).WithDetail("value", value)
}
