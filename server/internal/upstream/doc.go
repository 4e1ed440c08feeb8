// Package upstream talks to the CI server ciwatch mirrors.
//
// Source is the capability the sync engine depends on. Jenkins implements it
// over the Jenkins JSON API: jobs come from /api/json and builds from
// /job/{name}/api/json, both narrowed with the tree parameter. Every request
// is rate limited and bounded by the configured timeout, and every failure is
// returned as a *TransportError so callers can isolate it per pipeline.
//
// Job colors and build results are mapped onto types.StatusIndicator and
// types.Outcome; anything unrecognised becomes unknown.
package upstream
