// Package api implements the HTTP API of ciwatch-server.
//
// New(Deps) returns an http.Handler that serves:
//
//	GET  /api/v1/health                          service state, counts by health class, last cycle
//	GET  /api/v1/pipelines                       all pipelines with live sync phase
//	GET  /api/v1/pipelines/{name}                one pipeline plus diagnostic hints
//	GET  /api/v1/pipelines/{name}/builds?limit=  newest builds first (default 50, 0 = all)
//	GET  /api/v1/pipelines/{name}/metrics?days=  windowed summary and health
//	GET  /api/v1/pipelines/{name}/daily?from=&to= daily metrics, dates as YYYY-MM-DD
//	GET  /api/v1/metrics/overall?days=           summary across every pipeline
//	GET  /api/v1/alerts                          unacknowledged build failures
//	POST /api/v1/alerts/{name}/{number}/ack      acknowledge; 204
//	POST /api/v1/sync?manual=&pipeline=          run a cycle and return its report
//	GET  /api/v1/sync/status                     per-pipeline sync phase
//	GET  /api/v1/advice?pipeline=&days=          remediation hints and links
//	POST /api/v1/advice/email                    mail the advice digest; body {recipients, pipeline, days}
//	GET  /api/v1/upstream                        Jenkins reachability and TLS status
//	GET  /metrics                                Prometheus text exposition
//	GET  /ws/stream                              WebSocket event stream
//
// POST routes sit behind the API key guard. Errors are JSON {"error": "..."}
// with 400 for validation failures, 404 for unknown keys, 501 for features
// that are not configured, 502 when Jenkins could not be listed during a
// manual sync or SMTP refused a digest, and 500 otherwise. Responses
// other than the WebSocket stream are gzip-compressed when the client asks.
package api
