// Package command is the transport-neutral request/reply envelope shared by
// the MQTT bridge and the HTTP API. It decodes a Request, runs it against an
// Executor and maps the outcome onto a Reply with a stable error code.
package command
