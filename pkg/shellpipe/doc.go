// Package shellpipe drives an interactive SQL shell, such as the sqlite3
// command-line program, over its standard streams and exposes it as a
// concurrent request API.
//
// Every request is written to the shell followed by two sentinel commands
// that mark the end of the response on stdout and on stderr. A single
// goroutine owns the queue: requests are dispatched one at a time in
// submission order, and output is attributed to the request in flight until
// its sentinel has arrived on both streams. Anything the shell writes to
// stderr before the stderr sentinel fails that request.
//
// A Shell is safe for concurrent use. Fatal process failures (spawn errors,
// unexpected exits, broken pipes) put the Shell into a terminal state in
// which every request is rejected with the same *ProcessError.
//
//	sh, err := shellpipe.Open(ctx, shellpipe.Config{Database: "app.db"})
//	if err != nil {
//		return err
//	}
//	defer sh.Close()
//
//	rows, err := sh.Query(ctx, "SELECT * FROM users WHERE id = ?", 42)
package shellpipe
