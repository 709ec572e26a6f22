// Package main starts the couples court service and handles
// termination.
//
// The process hosts the session orchestrator and its HTTP/WebSocket
// surface; session state lives in SQLite with an optional Redis
// mirror for multi-instance runs.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	courtcmd "github.com/louisbranch/couplescourt/internal/cmd/court"
)

func main() {
	cfg, err := courtcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[COURT] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := courtcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
