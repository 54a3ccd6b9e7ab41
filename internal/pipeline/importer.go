package pipeline

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"
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
	"github.com/ajitpratap0/docflow/pkg/transform"
)

// ImportRequest describes the import of one file.
type ImportRequest struct {
	Path string
	// Collection defaults to the file name without its suffix
	Collection string
	// Format overrides the format inferred from Path
	Format string
}

// DirRequest describes the import of every matching file in a directory.
type DirRequest struct {
	Dir string
	// Collection receives every file; empty means one collection per file
	// stem
	Collection string
	// Extension keeps files with this suffix, e.g. ".csv"
	Extension string
	// Pattern keeps files whose base name matches this glob
	Pattern   string
	Recursive bool
	Format    string
}

// FileReport is the outcome of importing one file.
type FileReport struct {
	RunID      string
	Path       string
	Collection string
	Format     string
	Records    int64
	Skipped    bool
	Duration   time.Duration
	Err        error
}

// ImportReport is the outcome of a directory import, one entry per file in
// processing order.
type ImportReport struct {
	Files   []FileReport
	Records int64
}

// Failed returns the reports of files that did not import.
func (r *ImportReport) Failed() []FileReport {
	var out []FileReport
	for _, f := range r.Files {
		if f.Err != nil {
			out = append(out, f)
		}
	}
	return out
}

// Importer moves records from files into a document sink.
type Importer struct {
	cfg      config.Config
	sink     docstore.Sink
	registry *formats.Registry
	logger   *zap.Logger
}

// NewImporter validates cfg and creates an importer writing to sink.
func NewImporter(cfg config.Config, sink docstore.Sink, opts ...Option) (*Importer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.New(errors.ErrorTypeInvalidConfiguration, "import needs a document sink")
	}
	o := buildOptions(opts)
	return &Importer{
		cfg:      cfg,
		sink:     sink,
		registry: o.registry,
		logger:   o.logger.With(zap.String("component", "importer")),
	}, nil
}

// ImportFile streams one file into a collection.
func (i *Importer) ImportFile(ctx context.Context, req ImportRequest) (*FileReport, error) {
	ctx, span := observability.Start(ctx, "import")
	report, err := i.importFile(ctx, req, newPreparer(i.cfg.Import, i.sink))
	span.Finish(err)
	return report, err
}

// ImportDir imports every matching file of a directory in lexicographic
// path order. With the continue policy failed files are recorded in the
// report and the error is nil; with the abort policy the first failure
// stops the run and is returned.
func (i *Importer) ImportDir(ctx context.Context, req DirRequest) (*ImportReport, error) {
	ctx, span := observability.Start(ctx, "import")
	span.SetAttribute("dir", req.Dir)

	report, err := i.importDir(ctx, req)
	span.Finish(err)
	return report, err
}

func (i *Importer) importDir(ctx context.Context, req DirRequest) (*ImportReport, error) {
	files, err := i.Discover(req)
	if err != nil {
		return nil, err
	}
	i.logger.Info("directory import started",
		zap.String("dir", req.Dir),
		zap.Int("files", len(files)),
		zap.String("failure_policy", i.cfg.Import.FailurePolicy))

	report := &ImportReport{}
	prep := newPreparer(i.cfg.Import, i.sink)
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return report, errors.Wrap(err, errors.ErrorTypeCanceled, "import canceled")
		}
		fr, err := i.importFile(ctx, ImportRequest{Path: path, Collection: req.Collection, Format: req.Format}, prep)
		report.Files = append(report.Files, *fr)
		report.Records += fr.Records
		if err != nil && i.cfg.Import.FailurePolicy == config.FailurePolicyAbort {
			return report, err
		}
	}

	i.logger.Info("directory import finished",
		zap.String("dir", req.Dir),
		zap.Int("files", len(report.Files)),
		zap.Int("failed", len(report.Failed())),
		zap.Int64("records", report.Records))
	return report, nil
}

func (i *Importer) importFile(ctx context.Context, req ImportRequest, prep *preparer) (*FileReport, error) {
	start := time.Now()
	collection := req.Collection
	if collection == "" {
		collection = CollectionName(req.Path)
	}
	ctx = logger.ContextWithFile(ctx, req.Path)
	ctx = logger.ContextWithCollection(ctx, collection)
	ctx, run := NewRun(ctx, i.logger)
	report := &FileReport{RunID: run.ID, Path: req.Path, Collection: collection}

	ctx, span := observability.Start(ctx, "import.file")
	span.SetAttribute("run_id", run.ID)
	span.SetAttribute("path", req.Path)
	span.SetAttribute("collection", collection)

	err := i.load(ctx, run, span, req, collection, prep, report)
	report.Duration = time.Since(start)
	err = run.Finish(req.Path, err)
	report.Err = err
	span.SetAttribute("records", report.Records)
	span.Finish(err)

	status := metrics.StatusSuccess
	switch {
	case err != nil:
		status = metrics.StatusFailure
		metrics.RecordFailure(metrics.DirectionImport, err)
		run.Logger().Error("import failed",
			zap.Int64("records", report.Records),
			zap.Error(err))
	case report.Skipped:
		status = metrics.StatusSkipped
	default:
		run.Logger().Info("file imported",
			zap.Int64("records", report.Records),
			zap.Duration("duration", report.Duration))
	}
	metrics.FilesProcessed.WithLabelValues(metrics.DirectionImport, status).Inc()
	metrics.RunDuration.WithLabelValues(metrics.DirectionImport, status).Observe(report.Duration.Seconds())
	return report, err
}

func (i *Importer) load(ctx context.Context, run *Run, span *observability.Span, req ImportRequest, collection string, prep *preparer, report *FileReport) error {
	path := req.Path
	f, err := i.registry.Resolve(path, req.Format, i.cfg.Import.Format, run.Logger())
	if err != nil {
		return err
	}
	report.Format = f.Name

	if err := run.Enter(StateReading); err != nil {
		return err
	}
	// denormalization runs as its own stage below
	src, err := f.Open(ctx, path, formats.ReadOptions{
		ChunkSize:  i.cfg.Pipeline.ChunkSize,
		Shape:      shapeOptions(i.cfg),
		Delimiter:  i.cfg.Delimiter(),
		InferTypes: i.cfg.Import.InferTypes,
		KeepID:     i.cfg.Import.KeepID,
		Workers:    i.cfg.Pipeline.Workers,
	})
	if err != nil {
		return run.Fail(StateReading, path, err)
	}

	skip, err := prep.prepare(ctx, collection, run.Logger())
	if err != nil {
		_ = src.Close()
		return run.Fail(StateWriting, path, err)
	}
	if skip {
		_ = src.Close()
		report.Skipped = true
		return nil
	}

	bs := run.Source(countRead(src, f.Name, metrics.DirectionImport), path)
	if f.Tabular && i.cfg.Import.Denormalize {
		shape := shapeOptions(i.cfg)
		bs = run.Transform(bs, i.cfg.Pipeline.Workers, path, func(ctx context.Context, index int, b models.Batch) (models.Batch, error) {
			out, err := transform.Denormalize(b, shape)
			if err != nil {
				return nil, errors.Wrap(err, errors.TypeOf(err), "denormalize failed").
					WithDetail(errors.DetailBatch, index)
			}
			return out, nil
		})
	}

	w := docstore.NewCollectionWriter(i.sink, collection)
	n, err := formats.WriteAll(ctx, countWritten(run.Writer(w, path, span), "mongodb", metrics.DirectionImport), bs)
	report.Records = n
	if err != nil {
		return run.Fail(run.State(), path, err)
	}
	return nil
}

// preparer applies skip-if-nonempty and clear-before once per collection,
// so several files of a directory import can fill the same collection.
type preparer struct {
	cfg  config.ImportConfig
	sink docstore.Sink
	done map[string]bool
}

func newPreparer(cfg config.ImportConfig, sink docstore.Sink) *preparer {
	return &preparer{cfg: cfg, sink: sink, done: make(map[string]bool)}
}

// prepare reports whether the collection must be skipped. Skip-if-nonempty
// is decided before clearing.
func (p *preparer) prepare(ctx context.Context, collection string, logger *zap.Logger) (bool, error) {
	if skip, ok := p.done[collection]; ok {
		if skip {
			logger.Info("skipping non-empty collection")
		}
		return skip, nil
	}

	if p.cfg.SkipIfNonEmpty {
		n, err := p.sink.CountRecords(ctx, collection, nil)
		if err != nil {
			return false, err
		}
		if n > 0 {
			p.done[collection] = true
			logger.Info("skipping non-empty collection", zap.Int64("records", n))
			return true, nil
		}
	}
	if p.cfg.ClearBefore {
		if err := p.sink.Clear(ctx, collection); err != nil {
			return false, err
		}
		logger.Info("collection cleared")
	}
	p.done[collection] = false
	return false, nil
}

// CollectionName derives a collection name from a file path: the base name
// without its suffix.
func CollectionName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Discover lists the files a directory import would process, sorted by
// path. Hidden files and unfinished .partial artifacts are ignored. When
// neither Extension nor Pattern is set, only files with a registered
// suffix are kept and the most common of those suffixes wins.
func (i *Importer) Discover(req DirRequest) ([]string, error) {
	recursive := req.Recursive || i.cfg.Import.Recursive
	if req.Pattern != "" {
		if _, err := filepath.Match(req.Pattern, "x"); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInvalidConfiguration, "invalid file pattern").
				WithDetail("pattern", req.Pattern)
		}
	}
	ext := strings.ToLower(req.Extension)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	var files []string
	err := filepath.WalkDir(req.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != req.Dir && (!recursive || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || strings.HasSuffix(name, formats.PartialSuffix) {
			return nil
		}
		if ext != "" && strings.ToLower(filepath.Ext(name)) != ext {
			return nil
		}
		if req.Pattern != "" {
			if ok, _ := filepath.Match(req.Pattern, name); !ok {
				return nil
			}
		}
		if ext == "" && req.Pattern == "" && !i.registry.Supports(name) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrap(err, errors.ErrorTypeSourceNotFound, "import directory does not exist").
				WithDetail(errors.DetailPath, req.Dir)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeSourceReadFailure, "failed to list import directory").
			WithDetail(errors.DetailPath, req.Dir)
	}

	if ext == "" && req.Pattern == "" {
		files = filterMostCommonExt(files)
	}
	if len(files) == 0 {
		return nil, errors.New(errors.ErrorTypeSourceNotFound, "no files to import").
			WithDetail(errors.DetailPath, req.Dir)
	}
	sort.Strings(files)
	return files, nil
}

// filterMostCommonExt keeps the files sharing the most frequent suffix.
// Ties go to the lexicographically smallest suffix.
func filterMostCommonExt(files []string) []string {
	counts := make(map[string]int)
	for _, f := range files {
		counts[strings.ToLower(filepath.Ext(f))]++
	}
	best := ""
	for ext, n := range counts {
		if n > counts[best] || (n == counts[best] && ext < best) {
			best = ext
		}
	}
	out := files[:0]
	for _, f := range files {
		if strings.ToLower(filepath.Ext(f)) == best {
			out = append(out, f)
		}
	}
	return out
}
