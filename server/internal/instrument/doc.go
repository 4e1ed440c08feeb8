// Package instrument exposes ciwatch's own counters at /metrics in the
// Prometheus text format. Families are assembled by hand from client_model
// types and encoded with expfmt.
package instrument
