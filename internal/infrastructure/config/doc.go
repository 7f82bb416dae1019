// Package config handles loading and validating Quantix Connect configuration.
//
// This package manages:
//   - Loading configuration from YAML files (the file is optional)
//   - Overriding with environment variables (DB_*, API_KEY, LOG_LEVEL,
//     BACKEND_HOST, BACKEND_PORT, SIMULATE_ON_CONNECT_FAIL)
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (database passwords, the API key) should be set via
//     environment variables rather than committed YAML
//   - The config file should have restricted permissions (0600)
//   - An empty API key disables control-plane authentication; only do this
//     on trusted networks
//
// Performance Characteristics:
//   - Configuration is loaded once at startup
//   - No runtime overhead after initial load
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Server.Port)
package config
