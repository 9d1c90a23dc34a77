// Package agent runs the monitoring side inside the monitored process.
//
// Start locates the export address table of one loaded module, installs
// the fault dispatcher as the first vectored exception handler, connects
// to the classifier and arms the guard. Stop undoes this in reverse.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/frobware/go-eatguard"
	"github.com/frobware/go-eatguard/client"
	"github.com/frobware/go-eatguard/dispatcher"
	"github.com/frobware/go-eatguard/guard"
	"github.com/frobware/go-eatguard/locator"
	"github.com/frobware/go-eatguard/logging"
)

// Config configures an Agent.
type Config struct {
	// Module names the loaded module whose table is guarded.
	Module string
	// Endpoint is the classifier address. Empty classifies in-process.
	Endpoint string
	// Timeout bounds each classification round trip.
	Timeout time.Duration
	Logger  *slog.Logger
	// Reporter receives verdicts. Nil logs them.
	Reporter dispatcher.Reporter
}

// Classifier is a closeable dispatcher.FaultClassifier.
type Classifier interface {
	dispatcher.FaultClassifier
	io.Closer
}

// Platform supplies the operating-system pieces an Agent drives.
type Platform struct {
	Locate    func(module string) (eatguard.TableDescriptor, error)
	Protector guard.Protector
	Register  func(*dispatcher.Dispatcher) (func() error, error)
	Connect   func(cfg Config) (Classifier, error)
}

// SystemPlatform is the live platform.
func SystemPlatform() Platform {
	return Platform{
		Locate:    locateModule,
		Protector: guard.SystemProtector(),
		Register:  dispatcher.Register,
		Connect:   connect,
	}
}

func locateModule(name string) (eatguard.TableDescriptor, error) {
	img, err := locator.Module(name)
	if err != nil {
		return eatguard.TableDescriptor{}, err
	}
	return locator.Locate(img)
}

func connect(cfg Config) (Classifier, error) {
	opts := []client.Option{client.WithLogger(cfg.Logger), client.WithTimeout(cfg.Timeout)}
	var (
		c   *client.Client
		err error
	)
	if cfg.Endpoint == "" {
		c, err = client.Open(opts...)
	} else {
		c, err = client.Dial(cfg.Endpoint, opts...)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Agent is a running monitor for one table.
type Agent struct {
	module     string
	locate     func(module string) (eatguard.TableDescriptor, error)
	guard      *guard.Guard
	dispatcher *dispatcher.Dispatcher
	classifier Classifier
	unregister func() error
	cancel     context.CancelFunc
	logger     *slog.Logger
}

// Start arms monitoring on the live platform.
func Start(ctx context.Context, cfg Config) (*Agent, error) {
	return StartWith(ctx, cfg, SystemPlatform())
}

// StartWith arms monitoring using p.
func StartWith(ctx context.Context, cfg Config, p Platform) (*Agent, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	logger := logging.For(cfg.Logger, logging.ComponentAgent)

	desc, err := p.Locate(cfg.Module)
	if err != nil {
		return nil, fmt.Errorf("locate %s: %w", cfg.Module, err)
	}
	if desc.EntryCount == 0 {
		return nil, fmt.Errorf("%s exports no functions: %w", cfg.Module, eatguard.ErrTableNotFound)
	}
	logger.Info("located export address table", "module", cfg.Module, "table", desc.String())

	cls, err := p.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to classifier: %w", err)
	}

	reporter := cfg.Reporter
	if reporter == nil {
		reporter = dispatcher.LogReporter{Logger: logger}
	}

	ctx, cancel := context.WithCancel(ctx)
	g := guard.New(desc, p.Protector, cfg.Logger)
	d := dispatcher.New(ctx, g, cls, reporter, cfg.Logger)

	// The handler must be in place before the first trap can fire.
	unregister, err := p.Register(d)
	if err != nil {
		cancel()
		cls.Close()
		return nil, fmt.Errorf("register exception handler: %w", err)
	}

	prev, err := g.Arm()
	if err != nil {
		err = errors.Join(err, unregister())
		cancel()
		cls.Close()
		return nil, err
	}
	logger.Info("guard armed", "module", cfg.Module, "previous_protection", prev.String())

	return &Agent{
		module:     cfg.Module,
		locate:     p.Locate,
		guard:      g,
		dispatcher: d,
		classifier: cls,
		unregister: unregister,
		cancel:     cancel,
		logger:     logger,
	}, nil
}

// Descriptor returns the guarded table.
func (a *Agent) Descriptor() eatguard.TableDescriptor { return a.guard.Descriptor() }

// Stats returns the dispatcher counters.
func (a *Agent) Stats() dispatcher.Stats { return a.dispatcher.Stats() }

// Dispatcher returns the installed dispatcher.
func (a *Agent) Dispatcher() *dispatcher.Dispatcher { return a.dispatcher }

// Reload locates the module's table again and moves the guard to it if
// it has changed, as it does when the module is unloaded and loaded at a
// new base. It reports whether the guard moved.
func (a *Agent) Reload() (bool, error) {
	desc, err := a.locate(a.module)
	if err != nil {
		return false, fmt.Errorf("locate %s: %w", a.module, err)
	}
	if desc.EntryCount == 0 {
		return false, fmt.Errorf("%s exports no functions: %w", a.module, eatguard.ErrTableNotFound)
	}
	if desc == a.guard.Descriptor() {
		return false, nil
	}
	old, err := a.guard.Swap(desc)
	if err != nil {
		return false, fmt.Errorf("move guard to %s: %w", desc, err)
	}
	a.logger.Info("export address table moved", "module", a.module, "old", old.String(), "new", desc.String())
	return true, nil
}

// Stop restores the table's protection, removes the handler and closes
// the classifier connection.
func (a *Agent) Stop() error {
	var errs []error
	if err := a.guard.Disarm(); err != nil {
		errs = append(errs, err)
	}
	if err := a.unregister(); err != nil {
		errs = append(errs, err)
	}
	a.cancel()
	if err := a.classifier.Close(); err != nil {
		errs = append(errs, err)
	}
	s := a.dispatcher.Stats()
	a.logger.Info("agent stopped",
		"guard_traps", s.GuardTraps,
		"classified", s.Classified,
		"unclassified", s.Unclassified,
		"collateral", s.Collateral)
	return errors.Join(errs...)
}
