// Package config handles configuration loading for coven-runs.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Files ending in .toml are decoded as TOML; anything else is
// YAML. Unset tunables receive defaults before validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_RUNS_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/runs.yaml
//  3. ~/.config/coven/runs.yaml
//
// COVEN_RUNS_DB_PATH overrides database.path.
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${COVEN_RUNS_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "localhost:8080"   # credentials, websocket, health
//
//	database:
//	  path: "~/.local/share/coven/runs.db"
//
//	runs:
//	  stop_timeout: "5s"            # bounded wait when cancelling a run
//	  write_timeout: "10s"          # per-event socket write deadline
//	  chunk_delay: "0s"             # echo runner pacing
//	  compact_threshold: 2048       # tool results above this move to the knowledge base
//
//	credentials:
//	  ttl: "5m"
//	  max_pending: 1024
//
//	sockets:
//	  messages_per_second: 20
//	  burst: 40
//	  read_limit: 1048576
//
//	redis:
//	  addr: ""                      # empty disables the broadcast relay
//	  channel: "coven-runs:project_structure"
//
//	toolsets:
//	  - name: "filesystem"
//	    scope: "project"
//	    tools: ["read_file", "write_file"]
//
//	profiles:
//	  - name: "Assistant"
//	    type: "llm"
//	    body: {model: "default"}
//
// Durations use Go's time.ParseDuration syntax.
package config
