// Command shellpipe drives an interactive SQL shell such as sqlite3 and
// exposes it as a queryable service.
//
// One-shot use runs a single statement and prints the result:
//
//	shellpipe query --database app.db "SELECT * FROM users WHERE id = ?" 7
//
// The serve command keeps the shell running behind the HTTP API and, when
// configured, the MQTT bridge and statement journal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version information, set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
