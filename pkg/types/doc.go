// Package types defines the canonical domain records shared by every ciwatch
// component: pipelines, builds, daily metrics and alert records, the closed
// enumerations for pipeline status and build outcome, and the validation and
// not-found error types returned by the store and query surface.
package types
