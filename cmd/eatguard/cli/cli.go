// Package cli implements the eatguard command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-eatguard/config"
	"github.com/frobware/go-eatguard/logging"
)

// CLI is the root command structure for eatguard.
type CLI struct {
	Config     string `name:"config" help:"Config file path." default:"${default_config_path}"`
	Log        string `name:"log" help:"Log spec (e.g., 'info,dispatcher=trace')." env:"EATGUARD_LOG"`
	RuntimeDir string `name:"runtime-dir" help:"Override the runtime directory from the config file."`

	Serve    ServeCmd    `cmd:"" help:"Start the classifier daemon."`
	Run      RunCmd      `cmd:"" help:"Guard a module's export table in this process."`
	Locate   LocateCmd   `cmd:"" help:"Locate a module's export address table."`
	Classify ClassifyCmd `cmd:"" help:"Classify the memory at an address in a process."`
	Events   EventsCmd   `cmd:"" help:"Inspect recorded classification events."`

	Out io.Writer `kong:"-"`
}

// KongOptions returns the Kong configuration options for the CLI.
func KongOptions() []kong.Option {
	return []kong.Option{
		kong.Name("eatguard"),
		kong.Description("Export address table guard-page tampering detector."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.TypeMapper(reflect.TypeOf(Address{}), addressMapper()),
		kong.Vars{
			"default_config_path": config.DefaultConfigPath(),
			"default_module":      "kernel32.dll",
		},
	}
}

// LoadConfig loads the configuration and applies command-line overrides.
func (c *CLI) LoadConfig() (config.Config, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return config.Config{}, err
	}
	if c.RuntimeDir != "" {
		cfg.Server.RuntimeDir = c.RuntimeDir
	}
	return cfg, nil
}

// Logger creates a logger for short-lived commands. They default to
// warn unless --log says otherwise, and log to stderr.
func (c *CLI) Logger(cfg config.Config) (*slog.Logger, error) {
	spec := c.Log
	if spec == "" {
		spec = "warn"
	}
	return c.newLogger(cfg, spec, os.Stderr)
}

// LoggerFromConfig creates a logger for long-running commands, where the
// config file level applies. Output goes to stdout for log collection.
func (c *CLI) LoggerFromConfig(cfg config.Config) (*slog.Logger, error) {
	return c.newLogger(cfg, c.Log, os.Stdout)
}

func (c *CLI) newLogger(cfg config.Config, spec string, out io.Writer) (*slog.Logger, error) {
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Options{
		CLISpec:    spec,
		ConfigSpec: cfg.Logging.ToSpec(),
		Format:     format,
		Output:     out,
	})
}

func (c *CLI) out() io.Writer {
	if c.Out == nil {
		return os.Stdout
	}
	return c.Out
}

// WriteOut writes b to the command output. A short write is an error.
func (c *CLI) WriteOut(b []byte) error {
	n, err := c.out().Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return io.ErrShortWrite
	}
	return nil
}

// PrintOut writes s to the command output.
func (c *CLI) PrintOut(s string) error {
	return c.WriteOut([]byte(s))
}

// PrintOutf formats and writes to the command output.
func (c *CLI) PrintOutf(format string, args ...any) error {
	return c.PrintOut(fmt.Sprintf(format, args...))
}
