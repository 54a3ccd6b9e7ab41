package pipeline

import (
	"go.uber.org/zap"

	"github.com/ajitpratap0/docflow/pkg/config"
	"github.com/ajitpratap0/docflow/pkg/formats"
	"github.com/ajitpratap0/docflow/pkg/transform"
)

// Option configures an Exporter or Importer.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	registry *formats.Registry
	database string
}

// WithLogger sets the logger; the default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry sets the format registry; the default is the global one.
func WithRegistry(r *formats.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithDatabase names the database used in default export file names.
func WithDatabase(name string) Option {
	return func(o *options) { o.database = name }
}

func buildOptions(opts []Option) options {
	o := options{
		logger:   zap.NewNop(),
		registry: formats.GetRegistry(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

func shapeOptions(cfg config.Config) transform.Options {
	return transform.Options{
		Separator:  cfg.Pipeline.Separator,
		MaxDepth:   cfg.Pipeline.MaxDepth,
		DecodeJSON: cfg.Import.DecodeJSON,
	}
}

func writeOptions(cfg config.Config, logger *zap.Logger) formats.WriteOptions {
	return formats.WriteOptions{
		Delimiter:   cfg.Delimiter(),
		SchemaDrift: cfg.Pipeline.SchemaDrift,
		Append:      cfg.Export.Append,
		Logger:      logger,
	}
}
