// Package config provides configuration management for the pipeline orchestrator and its workers.
//
// Configuration is loaded from environment variables using the env package.
// All configuration values have sensible defaults for development use.
// Every endpoint picks its transport through <ENDPOINT>_TRANSPORT; the
// kubernetes transport is configured through <ENDPOINT>_KUBERNETES_* variables.
//
// Example usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Printf("HTTP server will listen on %s\n", cfg.GetHTTPAddr())
package config
