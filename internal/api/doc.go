// Package api implements the HTTP API and live statement feed for shellpipe.
//
// This package provides:
//   - REST endpoints for exec, query, batch and raw commands
//   - Paged access to the statement journal
//   - A WebSocket hub broadcasting statement completions
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//   - Optional bearer-token authentication with per-role permissions
//
// Every command endpoint answers with a command.Reply. Failures map to HTTP
// statuses: bad params 400, statement errors 422, unreadable shell output
// 502, a closed or failed shell 503, timeouts 504.
package api
