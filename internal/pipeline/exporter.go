package pipeline

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/docflow/pkg/config"
	"github.com/ajitpratap0/docflow/pkg/docstore"
	"github.com/ajitpratap0/docflow/pkg/errors"
	"github.com/ajitpratap0/docflow/pkg/formats"
	"github.com/ajitpratap0/docflow/pkg/logger"
	"github.com/ajitpratap0/docflow/pkg/metrics"
	"github.com/ajitpratap0/docflow/pkg/models"
	"github.com/ajitpratap0/docflow/pkg/observability"
	"github.com/ajitpratap0/docflow/pkg/stream"
	"github.com/ajitpratap0/docflow/pkg/transform"
)

// ExportRequest describes one export run.
type ExportRequest struct {
	Collection string
	Query      docstore.Query
	// Path of the artifact; empty means <database>_<collection>.<ext> in
	// the working directory
	Path string
	// Format overrides the format inferred from Path
	Format string
}

// Artifact is one file produced by an export.
type Artifact struct {
	Path    string
	Records int64
}

// ExportResult summarizes a finished export.
type ExportResult struct {
	RunID     string
	Format    string
	Artifacts []Artifact
	Records   int64
	Duration  time.Duration
}

// Exporter moves records from a document source into files.
type Exporter struct {
	cfg      config.Config
	source   docstore.Source
	registry *formats.Registry
	logger   *zap.Logger
	database string
}

// NewExporter validates cfg and creates an exporter reading from source.
func NewExporter(cfg config.Config, source docstore.Source, opts ...Option) (*Exporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return &Exporter{
		cfg:      cfg,
		source:   source,
		registry: o.registry,
		logger:   o.logger.With(zap.String("component", "exporter")),
		database: o.database,
	}, nil
}

// Export streams the records selected by req into one artifact, or into
// consecutive artifacts of Export.FileSize records each.
func (e *Exporter) Export(ctx context.Context, req ExportRequest) (*ExportResult, error) {
	if req.Collection == "" {
		return nil, errors.New(errors.ErrorTypeInvalidConfiguration, "collection must not be empty")
	}
	if e.source == nil {
		return nil, errors.New(errors.ErrorTypeInvalidConfiguration, "export needs a document source")
	}

	path := req.Path
	if path == "" {
		p, err := e.DefaultPath(req.Collection, req.Format)
		if err != nil {
			return nil, err
		}
		path = p
	}

	ctx, run := NewRun(logger.ContextWithCollection(ctx, req.Collection), e.logger)
	ctx, span := observability.Start(ctx, "export")
	span.SetAttribute("run_id", run.ID)
	span.SetAttribute("collection", req.Collection)

	result, err := e.export(ctx, run, req, path)
	span.Finish(err)
	return result, err
}

func (e *Exporter) export(ctx context.Context, run *Run, req ExportRequest, path string) (*ExportResult, error) {
	f, err := e.registry.Resolve(path, req.Format, e.cfg.Export.Format, run.Logger())
	if err != nil {
		return nil, e.finish(run, path, err)
	}

	exists, err := e.source.ListCollections(ctx, "^"+regexp.QuoteMeta(req.Collection)+"$")
	if err != nil {
		return nil, e.finish(run, path, err)
	}
	if len(exists) == 0 {
		return nil, e.finish(run, path, errors.Newf(errors.ErrorTypeSourceNotFound, "collection %q does not exist", req.Collection).
			WithDetail(errors.DetailCollection, req.Collection))
	}

	q := req.Query
	q.ExcludeID = !e.cfg.Export.KeepID && !q.IsAggregate()
	q.BatchSize = int32(min(e.cfg.Pipeline.ChunkSize, math.MaxInt32))

	if err := run.Enter(StateReading); err != nil {
		return nil, e.finish(run, path, err)
	}
	rs, err := e.source.Query(ctx, req.Collection, q)
	if err != nil {
		return nil, e.finish(run, path, run.Fail(StateReading, path, err))
	}

	run.Logger().Info("export started",
		zap.String("path", path),
		zap.String("format", f.Name),
		zap.Bool("aggregate", q.IsAggregate()))
	return e.write(ctx, run, rs, path, f)
}

// ExportStream writes an arbitrary record stream, such as an open cursor,
// the same way Export writes a collection. src is closed when it returns.
func (e *Exporter) ExportStream(ctx context.Context, src stream.RecordStream, path, format string) (*ExportResult, error) {
	if path == "" {
		_ = src.Close()
		return nil, errors.New(errors.ErrorTypeInvalidConfiguration, "export path must not be empty")
	}
	ctx, run := NewRun(logger.ContextWithFile(ctx, path), e.logger)
	ctx, span := observability.Start(ctx, "export.stream")
	span.SetAttribute("run_id", run.ID)

	f, err := e.registry.Resolve(path, format, e.cfg.Export.Format, run.Logger())
	if err != nil {
		_ = src.Close()
		err = e.finish(run, path, err)
		span.Finish(err)
		return nil, err
	}
	result, err := e.write(ctx, run, src, path, f)
	span.Finish(err)
	return result, err
}

// DefaultPath returns <database>_<collection>.<ext> for format, or for the
// configured export format when format is empty.
func (e *Exporter) DefaultPath(collection, format string) (string, error) {
	if format == "" {
		format = e.cfg.Export.Format
	}
	f, err := e.registry.Lookup(format)
	if err != nil {
		return "", err
	}
	name := collection + f.Extension()
	if e.database != "" {
		name = e.database + "_" + name
	}
	return name, nil
}

func (e *Exporter) write(ctx context.Context, run *Run, rs stream.RecordStream, path string, f *formats.Format) (*ExportResult, error) {
	start := time.Now()
	throughput := metrics.NewThroughputTracker(metrics.DirectionExport)
	result := &ExportResult{RunID: run.ID, Format: f.Name}

	var err error
	if e.cfg.Export.FileSize > 0 {
		err = e.writeParts(ctx, run, rs, path, f, result)
	} else {
		var n int64
		n, err = e.writeArtifact(ctx, run, rs, path, f)
		if err == nil {
			result.Artifacts = append(result.Artifacts, Artifact{Path: path, Records: n})
		}
		result.Records += n
	}

	result.Duration = time.Since(start)
	throughput.Add(result.Records)
	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusFailure
		metrics.RecordFailure(metrics.DirectionExport, err)
	}
	metrics.RunDuration.WithLabelValues(metrics.DirectionExport, status).Observe(result.Duration.Seconds())

	if err = e.finish(run, path, err); err != nil {
		return result, err
	}
	run.Logger().Info("export finished",
		zap.String("path", path),
		zap.Int("artifacts", len(result.Artifacts)),
		zap.Int64("records", result.Records),
		zap.Duration("duration", result.Duration),
		zap.Float64("records_per_second", throughput.Finish()))
	return result, nil
}

// writeParts cuts rs into artifacts of FileSize records named
// <stem>_<n><ext>, numbered from 0. No empty trailing artifact is written;
// an empty source still produces the first artifact.
func (e *Exporter) writeParts(ctx context.Context, run *Run, rs stream.RecordStream, path string, f *formats.Format, result *ExportResult) error {
	src := stream.NewPeekable(rs)
	defer src.Close()

	for n := 0; ; n++ {
		more, err := src.HasNext(ctx)
		if err != nil {
			return run.Fail(StateReading, path, err)
		}
		if !more && n > 0 {
			return nil
		}

		part := PartPath(path, n)
		count, err := e.writeArtifact(ctx, run, stream.Limit(src, int64(e.cfg.Export.FileSize)), part, f)
		result.Records += count
		if err != nil {
			return err
		}
		result.Artifacts = append(result.Artifacts, Artifact{Path: part, Records: count})
		if !more {
			return nil
		}
	}
}

// PartPath returns the path of the n-th artifact of a split export.
func PartPath(path string, n int) string {
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s_%d%s", strings.TrimSuffix(path, ext), n, ext)
}

// writeArtifact chunks rs, flattens it for tabular formats and writes it to
// path with a single writer.
func (e *Exporter) writeArtifact(ctx context.Context, run *Run, rs stream.RecordStream, path string, f *formats.Format) (int64, error) {
	ctx, span := observability.Start(ctx, "export.file")
	span.SetAttribute("path", path)
	span.SetAttribute("format", f.Name)

	chunks, err := stream.Chunk(rs, e.cfg.Pipeline.ChunkSize)
	if err != nil {
		_ = rs.Close()
		span.Finish(err)
		return 0, run.Fail(StateReading, path, err)
	}

	var bs stream.BatchStream = run.Source(countRead(chunks, "mongodb", metrics.DirectionExport), path)
	if f.Tabular && e.cfg.Export.Normalize {
		shape := shapeOptions(e.cfg)
		bs = run.Transform(bs, e.cfg.Pipeline.Workers, path, func(ctx context.Context, index int, b models.Batch) (models.Batch, error) {
			rows, err := transform.Normalize(b, shape)
			if err != nil {
				return nil, errors.Wrap(err, errors.TypeOf(err), "normalize failed").
					WithDetail(errors.DetailBatch, index)
			}
			return rows, nil
		})
	}

	w, err := f.Create(path, writeOptions(e.cfg, run.Logger()))
	if err != nil {
		_ = bs.Close()
		span.Finish(err)
		return 0, run.Fail(StateWriting, path, err)
	}

	n, err := formats.WriteAll(ctx, countWritten(run.Writer(w, path, span), f.Name, metrics.DirectionExport), bs)
	span.SetAttribute("records", n)
	span.Finish(err)
	if err != nil {
		metrics.FilesProcessed.WithLabelValues(metrics.DirectionExport, metrics.StatusFailure).Inc()
		return n, run.Fail(run.State(), path, err)
	}
	metrics.FilesProcessed.WithLabelValues(metrics.DirectionExport, metrics.StatusSuccess).Inc()
	run.Logger().Info("artifact written",
		zap.String("path", path),
		zap.String("format", f.Name),
		zap.Int64("records", n))
	return n, nil
}

func (e *Exporter) finish(run *Run, path string, err error) error {
	if err := run.Finish(path, err); err != nil {
		run.Logger().Error("export failed", zap.String("path", path), zap.Error(err))
		return err
	}
	return nil
}
