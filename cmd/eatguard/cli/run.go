package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/frobware/go-eatguard/agent"
)

// RunCmd guards a module's export table in this process until
// interrupted.
type RunCmd struct {
	Module   string        `name:"module" help:"Module whose export table is guarded (defaults to the config file)."`
	Endpoint string        `name:"endpoint" help:"Classifier socket. 'local' classifies in-process."`
	Probe    uint32        `name:"probe" help:"Read this many table entries after arming, to exercise the pipeline."`
	Duration time.Duration `name:"duration" help:"Stop after this long instead of waiting for a signal."`
	Reload   time.Duration `name:"reload-interval" help:"Locate the export table again at this interval and follow it if the module moves. 0 disables."`
}

// Run executes the run command.
func (c *RunCmd) Run(cli *CLI, ctx context.Context) error {
	cfg, err := cli.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := cli.LoggerFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	module := c.Module
	if module == "" {
		module = cfg.Agent.Module
	}

	var endpoint string
	switch c.Endpoint {
	case "local":
	case "":
		if endpoint, err = cfg.Endpoint(); err != nil {
			return err
		}
	default:
		endpoint = c.Endpoint
	}

	a, err := agent.Start(ctx, agent.Config{
		Module:   module,
		Endpoint: endpoint,
		Timeout:  cfg.Agent.Timeout.Duration,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	for i := uint32(0); i < c.Probe; i++ {
		a.Probe(i)
	}

	if c.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Duration)
		defer cancel()
	}
	waitReloading(ctx, a, c.Reload, logger)

	stopErr := a.Stop()
	s := a.Stats()
	if err := cli.PrintOutf("guard traps: %d\nclassified: %d\nunclassified: %d\ncollateral: %d\nabandoned: %d\n",
		s.GuardTraps, s.Classified, s.Unclassified, s.Collateral, s.AbandonedFaults); err != nil {
		return err
	}
	return stopErr
}

// waitReloading blocks until ctx is done, reloading a every interval.
// A failed reload leaves the guard where it was.
func waitReloading(ctx context.Context, a *agent.Agent, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Reload(); err != nil {
				logger.Warn("reload failed", "error", err)
			}
		}
	}
}
