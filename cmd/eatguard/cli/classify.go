package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/frobware/go-eatguard/classifier"
	"github.com/frobware/go-eatguard/procmem"
)

// ClassifyCmd classifies the memory at an address, the same way the
// daemon classifies a faulting instruction pointer.
type ClassifyCmd struct {
	OutputFlags
	PID     int     `name:"pid" help:"Process to inspect (defaults to this one)."`
	Address Address `arg:"" help:"Address to classify (hex with 0x prefix)."`
}

// Run executes the classify command.
func (c *ClassifyCmd) Run(cli *CLI, _ context.Context) error {
	pid := c.PID
	if pid == 0 {
		pid = os.Getpid()
	}

	var mem procmem.AddressSpace
	if pid == os.Getpid() {
		mem = procmem.Self()
	} else {
		p, err := procmem.Open(pid)
		if err != nil {
			return fmt.Errorf("open process %d: %w", pid, err)
		}
		mem = p
	}
	defer mem.Close()

	v := classifier.Classify(mem, c.Address.Value)
	output, err := FormatVerdict(c.Address.Value, v, &c.OutputFlags)
	if err != nil {
		return err
	}
	return cli.PrintOut(output)
}
