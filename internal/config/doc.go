// Package config handles configuration loading for order-gateway.
//
// # Configuration File
//
// The path comes from the ORDER_GATEWAY_CONFIG environment variable, falling
// back to $XDG_CONFIG_HOME/order-gateway/gateway.yaml (~/.config when unset).
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	whatsapp:
//	  access_token: "${WHATSAPP_TOKEN}"
//	  app_secret: "${WHATSAPP_APP_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax and must be positive:
//
//	conversation:
//	  idle_timeout: "10m"
//	workflow:
//	  poll_interval: "5s"
//
// # Sections
//
//	server:        http_addr
//	tailscale:     tsnet listener, optional Funnel for the public webhook
//	database:      sqlite path
//	auth:          jwt_secret for the staff API
//	logging:       level (debug|info|warn|error), format (text|json)
//	metrics:       enabled, path
//	whatsapp:      Cloud API token, webhook app_secret and verify_token, dry_run
//	catalog:       path of the TOML store catalog
//	conversation:  idle_timeout, sweep_interval, page_size (1-8),
//	               rate_per_second, rate_burst, dedupe_ttl, dedupe_size,
//	               button_allow_list (flow -> button ids)
//	workflow:      warning_fraction (0-1), poll_interval, batch_size
//	gate:          backend (memory|redis), redis settings
//	matrix:        staff alert rooms per store
//	payments:      pix_link_template
//
// Load applies defaults (idle timeout 10m, page size 8, warning fraction 0.8,
// memory gate) before validating.
package config
