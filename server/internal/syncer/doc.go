// Package syncer reconciles the local store with the upstream CI server.
//
// A cycle fetches the pipeline list, then reconciles each pipeline in
// parallel (bounded by Options.Concurrency). Per pipeline the engine walks
// idle → fetching → diffing → persisting → notifying → idle, or ends in
// failed. A fetch failure for one pipeline leaves its stored state untouched
// and does not affect the others; it is retried on the next tick.
//
// Both the list fetch and every per-pipeline reconciliation go through a
// singleflight.Group, so a manual trigger arriving while a scheduled cycle is
// reconciling a pipeline waits for and shares that result instead of fetching
// again. Cycles run on a context detached from the requester.
//
// Events are published only after the store writes for a pipeline succeed.
package syncer
