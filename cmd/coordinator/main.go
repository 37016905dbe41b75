// Package main is the entrypoint for the coordinator service.
// The coordinator owns readiness, routing, queued delivery, broadcast,
// connection health, and auth refresh for every connected surface.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aelexs/captionsync/internal/config"
	"github.com/aelexs/captionsync/internal/server"
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	return server.Run(ctx, server.Params{
		Name:               "coordinator",
		PortFromConfig:     func(cfg *config.Config) int { return cfg.Coordinator.HTTPPort },
		GRPCPortFromConfig: func(cfg *config.Config) int { return cfg.Coordinator.GRPCPort },
		Setup:              setup,
	}, server.Listeners{})
}
