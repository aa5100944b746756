// Package config handles loading and validating shellpipe configuration.
//
// Values are resolved in order: built-in defaults, the YAML file, then
// SHELLPIPE_* environment variables. Validate reports every problem at once.
//
// Secrets (MQTT password, InfluxDB token) should come from the environment
// rather than the file.
//
// Usage:
//
//	cfg, err := config.LoadOrDefault("shellpipe.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Shell.Binary)
package config
