// eatguard watches a module's export address table for direct reads and
// classifies the memory each reading instruction executed from.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-eatguard/cmd/eatguard/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := cli.CLI{Out: os.Stdout}
	opts := append(cli.KongOptions(), kong.BindTo(ctx, (*context.Context)(nil)))
	parser, err := kong.New(&c, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "eatguard: %v\n", err)
		os.Exit(2)
	}
	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	if err := kctx.Run(&c); err != nil {
		fmt.Fprintf(os.Stderr, "eatguard: %v\n", err)
		os.Exit(1)
	}
}
