package store

import (
	"fmt"
	"strconv"
	"strings"
)

// dialect captures the SQL differences between the supported backends.
type dialect struct {
	name   string
	driver string
	// dollar is true when placeholders are $1..$n instead of ?.
	dollar bool
	// mysql selects ON DUPLICATE KEY UPDATE / INSERT IGNORE over ON CONFLICT.
	mysql bool
}

var dialects = map[string]dialect{
	"sqlite":   {name: "sqlite", driver: "sqlite"},
	"postgres": {name: "postgres", driver: "postgres", dollar: true},
	"pgx":      {name: "pgx", driver: "pgx", dollar: true},
	"mysql":    {name: "mysql", driver: "mysql", mysql: true},
}

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(q string) string {
	if !d.dollar {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// upsert builds an insert-or-replace statement for table keyed by keys.
func (d dialect) upsert(table string, cols, keys []string) string {
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	var sets []string
	for _, c := range cols {
		if isKey[c] {
			continue
		}
		if d.mysql {
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", c, c))
		} else {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ", table, strings.Join(cols, ", "), placeholders(len(cols)))
	if d.mysql {
		q += "ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	} else {
		q += fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(keys, ", "), strings.Join(sets, ", "))
	}
	return d.rebind(q)
}

// insertIgnore builds an insert that silently skips rows whose key exists.
func (d dialect) insertIgnore(table string, cols []string) string {
	if d.mysql {
		return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), placeholders(len(cols)))
	}
	return d.rebind(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING", table, strings.Join(cols, ", "), placeholders(len(cols))))
}

func (d dialect) schema() []string {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pipelines (
			name           VARCHAR(255) NOT NULL PRIMARY KEY,
			url            TEXT NOT NULL,
			status         VARCHAR(32) NOT NULL,
			description    TEXT NOT NULL,
			last_synced_at BIGINT NOT NULL,
			health_score   DOUBLE PRECISION NOT NULL,
			health         VARCHAR(32) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS builds (
			pipeline           VARCHAR(255) NOT NULL,
			number             BIGINT NOT NULL,
			started_at         BIGINT NOT NULL,
			outcome            VARCHAR(32) NOT NULL,
			duration           DOUBLE PRECISION NULL,
			estimated_duration DOUBLE PRECISION NOT NULL,
			actor              TEXT NOT NULL,
			url                TEXT NOT NULL,
			updated_at         BIGINT NOT NULL,
			PRIMARY KEY (pipeline, number)
		)`,
		`CREATE TABLE IF NOT EXISTS daily_metrics (
			pipeline       VARCHAR(255) NOT NULL,
			day            VARCHAR(10) NOT NULL,
			total          BIGINT NOT NULL,
			successful     BIGINT NOT NULL,
			failed         BIGINT NOT NULL,
			success_rate   DOUBLE PRECISION NOT NULL,
			avg_duration   DOUBLE PRECISION NOT NULL,
			total_duration DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (pipeline, day)
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			pipeline      VARCHAR(255) NOT NULL,
			build_number  BIGINT NOT NULL,
			kind          VARCHAR(64) NOT NULL,
			first_seen_at BIGINT NOT NULL,
			viewed        INTEGER NOT NULL DEFAULT 0,
			viewed_at     BIGINT NULL,
			PRIMARY KEY (pipeline, build_number)
		)`,
	}
	// MySQL has no CREATE INDEX IF NOT EXISTS.
	if !d.mysql {
		stmts = append(stmts, `CREATE INDEX IF NOT EXISTS idx_alerts_unviewed ON alerts (viewed, first_seen_at)`)
	}
	return stmts
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
