// Package config loads and watches the ciwatch-server configuration file.
//
// Sections:
//   - log      — slog level
//   - server   — http_port (API, /ws/stream, /metrics), grpc_port (health), auth
//   - upstream — Jenkins URL, credentials (token_env), timeout, build_limit, rate limit
//   - sync     — scheduler interval (default 30s) and per-cycle concurrency
//   - health   — evaluator window (default 20 builds) and failure threshold (default 20%)
//   - metrics  — default look-back for aggregate queries (default 30 days)
//   - storage  — memory | sqlite | postgres | pgx | mysql
//   - alerts   — failure webhooks (slack | teams | http)
//   - bus      — optional Kafka / NATS event sinks
//
// Load(path) applies defaults before unmarshalling, then validates.
// Watch(ctx, path, onChange) re-loads on every write; the caller decides which
// fields apply live (interval, health parameters, log level).
package config
