// Package config handles configuration loading for switchboard.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Files ending in .toml are decoded as TOML; anything else is YAML.
// Unset values receive defaults before validation.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	notifications:
//	  amqp:
//	    url: "${SWITCHBOARD_AMQP_URL}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to an empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	routing:
//	  service_level_target: "2m"
//	  poll_interval: "5s"
//	  directory_cache_ttl: "30s"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  grpc_addr: "0.0.0.0:50051"   # gRPC health service, optional
//
//	tailscale:
//	  enabled: false
//	  hostname: "switchboard"
//
//	database:
//	  driver: "sqlite"              # or "sqlite3" (cgo)
//	  path: "./switchboard.db"
//
//	routing:
//	  max_concurrent_default: 5
//	  directory_cache_size: 1024
//
//	notifications:
//	  buffer_size: 256
//	  dedupe_ttl: "5m"
//	  amqp:
//	    url: ""                     # empty disables the analytics channel
//	    exchange: "switchboard.events"
//	    pool_size: 4
//
//	logging:
//	  level: "info"                 # debug, info, warn, error
//	  format: "text"                # text or json
package config
