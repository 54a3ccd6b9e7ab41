// Package config provides the configuration model for docflow.
//
// A Config is assembled once per process from four layers, lowest priority
// first:
//
//   - Default(): chunk size 5000, separator ".", normalize on export,
//     denormalize on import, json as the fallback format
//   - an optional YAML (or JSON) file, with ${VAR_NAME} substitution
//   - DOCFLOW_* environment variables, e.g. DOCFLOW_PIPELINE_CHUNK_SIZE=1000
//   - command-line flags bound with Loader.BindFlag
//
// The result is validated before it is returned, so a bad chunk size or an
// unknown policy is reported as an invalid_configuration error before any
// file or collection is touched.
//
// # Usage
//
//	loader := config.NewLoader()
//	_ = loader.BindFlag("pipeline.chunk_size", cmd.Flags().Lookup("chunk-size"))
//	cfg, err := loader.Load("docflow.yaml")
//	if err != nil {
//		return err
//	}
//
// # Example file
//
//	mongo:
//	  uri: ${MONGO_URI}
//	  database: shop
//	pipeline:
//	  chunk_size: 10000
//	  separator: "__"
//	export:
//	  file_size: 500000
//	import:
//	  failure_policy: abort
package config
