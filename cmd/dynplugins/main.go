package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/portalkit/dynplugins/cmd/dynplugins/cmd"
)

// main runs the CLI with a context canceled on termination signals.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("dynamic plugins installation failed")
		os.Exit(1)
	}
}
