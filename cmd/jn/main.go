package main

import (
	"context"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/marcelocantos/jn/internal/cli"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Interrupts stop the pipeline through the orchestrator, which
	// terminates its stages before exiting.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	return cli.Execute(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr, version)
}
