// Package config handles configuration loading for relay-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from RELAY_CONFIG environment variable
//  2. ./config.yaml (current directory)
//  3. ~/.config/relay/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${RELAY_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	session:
//	  idle_timeout: "5m"
//	  call_timeout: "30s"
//	  close_grace: "5s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"              # Auth, WebSocket, and status
//	  public_url: "wss://relay.example.com"  # Advertised connect URI base
//
// Credential issuance:
//
//	auth:
//	  jwt_secret: "${RELAY_JWT_SECRET}"  # Enables operator bypass
//	  trust_proxy_headers: false
//	  grant_ttl: "30m"
//	  rate_window: "30m"
//
// Session limits:
//
//	session:
//	  max_connections: 1024
//	  max_in_flight: 8
//	  idle_timeout: "5m"
//	  call_timeout: "30s"
//	  close_grace: "5s"
//
// Usage recording:
//
//	usage:
//	  enabled: true
//	  path: "/var/lib/relay/usage.db"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration from a path:
//
//	cfg, err := config.Load("/etc/relay/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Or start from defaults when no file exists:
//
//	cfg := config.Default()
package config
