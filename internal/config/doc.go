// Package config handles configuration loading for coven-link.
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
//  1. Path from COVEN_LINK_CONFIG environment variable
//  2. ./coven-link.yaml (current directory)
//  3. ~/.config/coven/link.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	gateway:
//	  password: "${COVEN_GATEWAY_PASSWORD}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	link:
//	  keepalive_interval: "30s"
//	  reconnect_floor: "800ms"
//	  reconnect_ceiling: "15s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Gateway endpoint and credentials:
//
//	gateway:
//	  url: "wss://gateway.example.com/ws"
//	  role: "operator"
//	  scopes: ["chat", "config"]
//	  password: "${COVEN_GATEWAY_PASSWORD}"  # optional shared secret
//
// Client description sent in the handshake:
//
//	client:
//	  id: "coven-link"
//	  version: "0.3.0"
//	  platform: "linux"
//	  mode: "cli"
//
// Device identity storage:
//
//	identity:
//	  dir: "~/.config/coven/link"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - gateway.url presence and ws:// or wss:// scheme
//   - Duration format validity
//   - Logging level and format values
//
// # Usage
//
//	cfg, err := config.Load("/etc/coven/link.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
