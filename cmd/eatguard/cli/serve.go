package cli

import (
	"context"
	"fmt"

	"github.com/frobware/go-eatguard/server"
)

// ServeCmd starts the classifier daemon.
type ServeCmd struct {
	PprofAddress string `name:"pprof-address" help:"Serve net/http/pprof on this address (e.g., localhost:2026)."`
}

// Run executes the serve command.
func (c *ServeCmd) Run(cli *CLI, ctx context.Context) error {
	cfg, err := cli.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := cli.LoggerFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	dirs, err := cfg.RuntimeDirs()
	if err != nil {
		return err
	}

	return server.Run(ctx, server.RunConfig{
		Dirs:         dirs,
		Config:       cfg,
		PprofAddress: c.PprofAddress,
		Logger:       logger,
	})
}
