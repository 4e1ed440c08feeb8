// Package probe exposes sync engine liveness through grpc.health.v1.Health.
//
// Both the server-wide "" service and SyncService report SERVING while the
// last cycle listed Jenkins pipelines successfully and NOT_SERVING after a
// failed list fetch or during shutdown.
package probe
