// Package config handles configuration loading for coven-router.
//
// Configuration is read from a YAML file, or TOML when the path ends in
// ".toml". ${VAR_NAME} references are expanded from the environment before
// parsing, and duration strings use time.ParseDuration syntax.
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//
//	services:                       # discovery order
//	  - name: tickets
//	    url: "http://127.0.0.1:8000"
//	  - name: kb
//	    url: "http://127.0.0.1:8001"
//
//	tenants:
//	  acme:
//	    allowed_capabilities: ["tickets.search", "kb.query"]
//
//	policy:
//	  database: ""                  # SQLite path; replaces tenants when set
//
//	timeouts:
//	  endpoint: "5s"
//	  handshake: "10s"
//	  list: "10s"
//	  call: "30s"
//	  request: "90s"
//
//	delegate:
//	  provider: openai              # openai, anthropic
//	  model: gpt-4o-mini
//	  api_key: "${OPENAI_API_KEY}"
//	  requests_per_minute: 0        # 0 disables throttling
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//
//	events:
//	  nats_url: ""
//	  subject: coven.router.outcome
//
//	logging:
//	  level: info                   # debug, info, warn, error
//	  format: text                  # text, json
//
// Delegate settings left empty in the file are read from OPENAI_API_KEY,
// OPENAI_MODEL, OPENAI_BASE_URL, ANTHROPIC_API_KEY and ANTHROPIC_MODEL.
// COVEN_ROUTER_DELEGATE overrides the provider.
package config
