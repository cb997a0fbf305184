package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"departureboard/internal/cli"
)

var version = "dev"

func main() {
	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := cli.Execute(ctx, version)
	cancel()
	os.Exit(code)
}
