package cli

import (
	"context"
	"fmt"

	"github.com/frobware/go-eatguard/store"
	"github.com/frobware/go-eatguard/store/sqlite"
)

// EventsCmd inspects the daemon's event store.
type EventsCmd struct {
	List  EventsListCmd  `cmd:"" default:"withargs" help:"List recorded events, most recent first."`
	Prune EventsPruneCmd `cmd:"" help:"Delete all but the most recent events."`
}

func (c *CLI) openStore(ctx context.Context) (store.Store, error) {
	cfg, err := c.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := c.Logger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	dirs, err := cfg.RuntimeDirs()
	if err != nil {
		return nil, err
	}
	return sqlite.New(ctx, cfg.StorePath(dirs), logger)
}

// EventsListCmd lists recorded events.
type EventsListCmd struct {
	OutputFlags
	PID        int  `name:"pid" help:"Only events from this process."`
	Suspicious bool `name:"suspicious" help:"Only events whose verdict is suspicious."`
	Limit      int  `name:"limit" short:"n" help:"Maximum number of events (0 for all)." default:"50"`
}

// Run executes the events list command.
func (c *EventsListCmd) Run(cli *CLI, ctx context.Context) error {
	st, err := cli.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	events, err := st.List(ctx, store.Filter{PID: c.PID, SuspiciousOnly: c.Suspicious, Limit: c.Limit})
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return cli.PrintOut("No events found\n")
	}
	output, err := FormatEvents(events, &c.OutputFlags)
	if err != nil {
		return err
	}
	return cli.PrintOut(output)
}

// EventsPruneCmd trims the event store.
type EventsPruneCmd struct {
	Keep int `name:"keep" help:"Number of most recent events to keep." default:"0"`
}

// Run executes the events prune command.
func (c *EventsPruneCmd) Run(cli *CLI, ctx context.Context) error {
	st, err := cli.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := st.Prune(ctx, c.Keep)
	if err != nil {
		return err
	}
	left, err := sqlite.Count(ctx, st)
	if err != nil {
		return err
	}
	return cli.PrintOutf("Pruned %d events, %d remaining\n", n, left)
}
