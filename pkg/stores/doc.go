// Package stores provides the experiment ledger: a SQLite database
// recording experiments, the last known state of each resource, every
// state transition, executed tasks, timeline events and the iterations of
// repeated runs.
//
// The schema is applied with embedded migrations. A Recorder subscribes to
// the telemetry event publisher and writes the timeline as it happens.
package stores
