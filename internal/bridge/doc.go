// Package bridge exposes a shell over MQTT.
//
// Callers publish a command.Request to shellpipe/{client_id}/request/{id}.
// The bridge runs it and publishes the command.Reply, tagged with the same
// request ID, to shellpipe/{client_id}/reply/{id}. Requests run concurrently
// up to a fixed limit; the shell itself still executes them one at a time in
// arrival order.
package bridge
