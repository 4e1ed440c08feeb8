// Package compute derives metrics and health from stored builds.
//
// metrics.go aggregates builds into a Summary or a per-date DailyMetric.
// Success rate is 0, never NaN, when there are no builds; average duration
// only counts finished builds with a recorded duration.
//
// health.go provides the Evaluator: failure rate over the latest Window
// builds, ignoring in-progress, aborted and unknown outcomes, classified
// healthy below Threshold (default 20%) and unhealthy otherwise.
//
// advice.go turns a Summary and recent failures into remediation hints and
// links. All functions are pure and safe for concurrent use.
package compute
