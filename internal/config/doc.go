// Package config loads the report client's configuration.
//
// # Configuration Discovery
//
// Load resolves settings in this order, later sources winning:
//
//  1. Built-in defaults (see Defaults)
//  2. The TOML file at the given path, or ~/.config/reportsync/config.toml
//  3. Variables from an optional dotenv file
//  4. REPORTSYNC_* environment variables
//
// A missing config file is not an error. Empty or non-positive values fall
// back to defaults.
//
// # TOML Format
//
//	api_url = "https://reports.example.com/api"
//	feed_url = "wss://reports.example.com/ws"
//	user_id = "ana"
//	retry_attempts = 3
//	retry_base_delay_ms = 1000
//	export_poll_ms = 2000
//	health_poll_ms = 5000
//	flush_concurrency = 1
//	insight_cache_ttl_s = 600
//	log_file = "~/.local/share/reportsync/reportsync.log"
//	log_level = "info"
//	otel_endpoint = "localhost:4318"
//
// Each key has an environment override formed by upper-casing it and adding
// the REPORTSYNC_ prefix, e.g. REPORTSYNC_API_URL. Tilde expansion applies to
// the config path and log_file.
package config
