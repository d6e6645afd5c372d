// Package config defines configuration for the stowage service and CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (STOWAGE_ prefix)
//   - YAML configuration file
//
// Later sources win: defaults, then the file, then the environment,
// then flags.
//
// # Example file
//
//	listen: ":8080"
//	chunk_size: 16MB
//	journal: file:///var/lib/stowage/journal
//	output: s3://backups/incoming/
//	source:
//	  header_timeout: 30s
//	  retry_attempts: 5
//	retry:
//	  attempts: 3
//	  backoff: 1s
//	  max_backoff: 30s
//	backends:
//	  s3:
//	    endpoint: https://minio.internal:9000
//	    region: us-east-1
//	    use_path_style: true
//
// Every backends section is an open map decoded into that backend's
// own options struct, so new backends add options without touching
// this package.
package config
