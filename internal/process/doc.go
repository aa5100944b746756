// Package process supervises a single long-lived child process that is
// driven over its standard streams.
//
// It is designed for interactive command-line tools (database shells in
// particular) that read commands on stdin and answer on stdout/stderr.
//
// Features:
//   - Spawn in its own process group so shutdown reaches every descendant
//   - Asynchronous, ordered writes to stdin (callers never block on a full pipe)
//   - Line-oriented capture of stdout and stderr with a bounded line length
//   - A single event channel carrying output, write failures and exit
//   - Polite shutdown command, then stdin close, then SIGKILL after a grace period
//
// Example usage:
//
//	sup := process.NewSupervisor(process.Config{
//	    Name:            "sqlite3",
//	    Binary:          "/usr/bin/sqlite3",
//	    Args:            []string{"app.db"},
//	    GracefulTimeout: 5 * time.Second,
//	})
//
//	if err := sup.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer sup.Stop(".exit")
//
//	for ev := range sup.Events() {
//	    // EventStdout, EventStderr, EventWriteFailed, EventExit
//	}
//
// A Supervisor is single-use: once the child has exited it cannot be
// started again.
package process
