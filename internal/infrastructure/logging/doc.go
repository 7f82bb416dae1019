// Package logging provides structured logging for Quantix Connect.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the entire gateway.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - Thread-safe for concurrent use
//
// # Configuration
//
// Logging is configured via the LoggingConfig in config.yaml, with the
// level overridable through the LOG_LEVEL environment variable:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("starting gateway", "port", 8000)
//	logger.Error("device connect failed", "device_code", code, "error", err)
//
// # Security
//
// Never log secrets, API keys, or device credentials. Log key prefixes
// where an identifier is genuinely needed:
//
//	logger.Info("API key used", "key_prefix", key[:4]+"...")
package logging
