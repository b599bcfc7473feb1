// Package config handles configuration loading for qai-gateway.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Files ending in .toml are decoded as TOML; everything else is
// YAML. Any field a file leaves out keeps its value from Default().
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from QAI_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/qai/gateway.yaml
//  3. ~/.config/qai/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${QAI_JWT_SECRET}"
//
// Unset variables expand to an empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  idle_timeout: "5m"
//	  sweep_interval: "30s"
//
// # Configuration Sections
//
//	server:     addr, path, max_connections, max_message_size, send_queue_size,
//	            handshake_timeout, ping_interval, write_timeout, flush_timeout,
//	            accept_rate, accept_burst, trust_proxy
//	tailscale:  enabled, hostname, auth_key, state_dir, ephemeral
//	database:   path ("" disables the block list and audit log)
//	auth:       jwt_secret, token_ttl, issuer, audience, allow_anonymous,
//	            cache_ttl, cache_size
//	cors:       enabled, allowed_origins, allow_empty_origin
//	ip_filter:  blocked
//	rate_limit: enabled, max_requests, window, burst, burst_period,
//	            idle_eviction, cleanup_interval
//	sessions:   idle_timeout, sweep_interval
//	staging:    dir, retention, purge_interval, max_attachment_bytes
//	agent:      backend (echo, http, redis), timeout, http_url, redis_url,
//	            redis_stream, reply_prefix, stream
//	logging:    level (debug, info, warn, error), format (text, json)
//	metrics:    enabled, path
//
// # Validation
//
// Load() validates:
//
//   - a JWT secret of at least 32 bytes unless anonymous access is allowed
//   - positive timeouts and intervals
//   - agent backend names and their required URLs
//   - logging format
package config
