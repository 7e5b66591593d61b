// cmd/tablewatchd/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/colebrumley/tablewatch/internal/daemon"
)

func main() {
	// An empty config path means defaults plus TABLEWATCH_* overrides.
	configPath := os.Getenv("TABLEWATCH_CONFIG")
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	recipesDir := os.Getenv("TABLEWATCH_RECIPES_DIR")

	d := daemon.New(configPath, recipesDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nReceived shutdown signal")
		cancel()
	}()

	if err := d.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "daemon error: %v\n", err)
		os.Exit(1)
	}
}
