package cli

import (
	"context"
	"fmt"

	"github.com/frobware/go-eatguard/locator"
)

// LocateCmd prints where a module's export address table lives.
type LocateCmd struct {
	OutputFlags
	Module string `arg:"" optional:"" help:"Loaded module name (defaults to the config file)."`
	File   string `name:"file" type:"existingfile" help:"Inspect a module file on disk instead of a loaded module."`
}

// Run executes the locate command.
func (c *LocateCmd) Run(cli *CLI, _ context.Context) error {
	if c.File != "" {
		report, err := locator.InspectFile(c.File)
		if err != nil {
			return err
		}
		output, err := FormatFileReport(report, &c.OutputFlags)
		if err != nil {
			return err
		}
		return cli.PrintOut(output)
	}

	module := c.Module
	if module == "" {
		cfg, err := cli.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		module = cfg.Agent.Module
	}

	img, err := locator.Module(module)
	if err != nil {
		return err
	}
	desc, err := locator.Locate(img)
	if err != nil {
		return err
	}
	output, err := FormatDescriptor(module, desc, &c.OutputFlags)
	if err != nil {
		return err
	}
	return cli.PrintOut(output)
}
