// Package journal records every settled shell request.
//
// A Recorder is registered as the Shell observer. Record never blocks the
// shell's event loop: entries are buffered on a bounded channel and a single
// worker fans each one out to the configured sinks:
//
//   - SQLite (statement_journal table) through a Repository
//   - InfluxDB as a shellpipe_statement point
//   - MQTT as a JSON event on shellpipe/{client_id}/event/{kind}
//
// When the buffer is full the entry is dropped and counted.
package journal
