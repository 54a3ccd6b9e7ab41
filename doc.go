// Package docflow moves records between MongoDB collections and files.
//
// Collections export to JSON, JSON lines, CSV, Parquet and Avro files, and
// those files import back into collections. Records stream through in
// bounded chunks, so neither side has to fit in memory.
//
// # Architecture
//
// A run is a pull pipeline of four stages:
//
//  1. A source yields records: a MongoDB cursor (find or aggregate) on
//     export, a streaming file reader on import.
//  2. The chunker groups them into batches of at most chunk_size records.
//  3. The shape transformer flattens nested records into separator-joined
//     columns for tabular files, and rebuilds them on the way back.
//  4. A writer appends batches to one artifact: a file that only appears
//     under its final name once complete, or a collection with one bulk
//     insert per batch.
//
// Each run walks the states Idle, Reading, Transforming, Writing and ends
// Done or Failed; a failure names the stage and the file it happened in.
//
// # Quick Start
//
//	docflow export --uri mongodb://localhost:27017/shop --collection users -o users.csv
//	docflow import --uri mongodb://localhost:27017/shop --input users.csv --collection users_copy
//
// Or from Go:
//
//	store, _ := mongodb.Connect(ctx, cfg.Mongo, logger.Get())
//	exporter, _ := pipeline.NewExporter(cfg, store)
//	result, err := exporter.Export(ctx, pipeline.ExportRequest{Collection: "users", Path: "users.parquet"})
//
// # Key Packages
//
//	internal/pipeline - Run state machine, exporter and importer
//	pkg/stream        - Record and batch iterators, chunker, ordered worker map
//	pkg/transform     - Normalize and denormalize
//	pkg/formats       - Format registry, atomic outputs and the per-format readers/writers
//	pkg/docstore      - Document store contract, MongoDB and in-memory implementations
//	pkg/config        - Layered configuration (defaults, YAML, DOCFLOW_* env, flags)
//	pkg/errors        - Typed errors with details
//	pkg/logger        - Structured logging
//	pkg/metrics       - Prometheus collectors
//	pkg/observability - OpenTelemetry tracing
package docflow
