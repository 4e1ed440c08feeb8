// Package store holds the local copy of pipeline, build, daily metric and
// alert state. Memory is the default in-process backend; SQL persists the same
// records to SQLite, PostgreSQL or MySQL through database/sql.
package store
