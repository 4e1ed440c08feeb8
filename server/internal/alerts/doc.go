// Package alerts tracks failed builds that operators have not yet looked at.
//
// Tracker.OnFailureObserved is idempotent per (pipeline, build): the first
// call creates an unviewed record and notifies; later calls leave the record,
// including its first-seen time and viewed flag, untouched. Acknowledge flips
// viewed to true exactly once.
//
// Webhooks posts new alerts to Slack, Microsoft Teams or a generic HTTP
// endpoint. Mailer sends the same failures by SMTP, quoting recommendations
// and the pipeline's recent build stats, and optionally mails successful
// builds. Delivery runs in background goroutines so the sync engine's
// persistence path never waits on it.
package alerts
