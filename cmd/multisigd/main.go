// Command multisigd serves the multisig authorization layer: M-of-N account
// registry, per-type operation policies and the propose/sign/execute
// lifecycle, over a REST API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/StellarGuilds/multisig_layer/internal/runtime"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file overlaying the environment")
	flag.Parse()

	app, err := runtime.NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "multisigd: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "multisigd: %v\n", err)
		_ = app.Shutdown(context.Background())
		os.Exit(1)
	}

	if err := app.Shutdown(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "multisigd: shutdown: %v\n", err)
		os.Exit(1)
	}
}
