// Package config handles configuration loading for inbox-agent and inbox-sim.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension)
// with environment variable expansion, then individual fields can be
// overridden with INBOX_* environment variables. Both binaries read the
// same file; each validates only the sections it uses.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	session:
//	  token: "${INBOX_AGENT_TOKEN}"
//
// Unset variables expand to the empty string.
//
// # Environment Overrides
//
// After the file is decoded, variables named INBOX_<SECTION>_<KEY> replace
// the file's value:
//
//	INBOX_SESSION_AGENT_USER_ID=agent-7
//	INBOX_TRANSPORT_PING_INTERVAL=10s
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	transport:
//	  reconnect_min_backoff: "500ms"
//	  reconnect_max_backoff: "30s"
//	inbox:
//	  claim_timeout: "15s"
//
// # Configuration Sections
//
// Backend endpoints:
//
//	server:
//	  rest_url: "http://127.0.0.1:8088"
//	  ws_url: "ws://127.0.0.1:8088/ws"
//
// Agent identity:
//
//	session:
//	  workspace_id: "ws-1"
//	  bot_id: "bot-1"
//	  agent_user_id: "agent-1"
//	  token_secret: "${INBOX_JWT_SECRET}"
//
// Development backend:
//
//	simulator:
//	  addr: "127.0.0.1:8088"
//	  database_path: "./inbox-sim.db"
//	  jwt_secret: "${INBOX_JWT_SECRET}"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text or json
//
// # Validation
//
// Load runs Validate, which checks the settings shared by both binaries.
// ValidateAgent and ValidateSimulator add the per-binary requirements.
package config
