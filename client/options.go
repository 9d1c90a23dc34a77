package client

import (
	"log/slog"
	"time"

	"github.com/frobware/go-eatguard/config"
	"github.com/frobware/go-eatguard/logging"
	"github.com/frobware/go-eatguard/store"
)

// DefaultSocketPath returns the default socket path of the classifier
// daemon, derived from the default runtime directories.
func DefaultSocketPath() string {
	return config.DefaultRuntimeDirs().SocketPath()
}

// Option configures client behaviour.
type Option interface {
	applyDial(*dialOptions)
	applyOpen(*openOptions)
}

// dialOptions holds configuration for Dial.
type dialOptions struct {
	logger  *slog.Logger
	timeout time.Duration
}

// openOptions holds configuration for Open.
type openOptions struct {
	logger  *slog.Logger
	timeout time.Duration
	store   store.Store
	retain  int
}

// funcOption implements Option using functions.
type funcOption struct {
	dial func(*dialOptions)
	open func(*openOptions)
}

func (f *funcOption) applyDial(o *dialOptions) {
	if f.dial != nil {
		f.dial(o)
	}
}

func (f *funcOption) applyOpen(o *openOptions) {
	if f.open != nil {
		f.open(o)
	}
}

// WithLogger sets the logger for client operations.
// If not specified, a no-op logger is used.
func WithLogger(l *slog.Logger) Option {
	return &funcOption{
		dial: func(o *dialOptions) { o.logger = l },
		open: func(o *openOptions) { o.logger = l },
	}
}

// WithTimeout bounds each request. Zero means no bound beyond the
// caller's context.
func WithTimeout(d time.Duration) Option {
	return &funcOption{
		dial: func(o *dialOptions) { o.timeout = d },
		open: func(o *openOptions) { o.timeout = d },
	}
}

// WithStore records in-process classifications in st, keeping at most
// retain events. This option has no effect on Dial; the daemon keeps
// its own store.
func WithStore(st store.Store, retain int) Option {
	return &funcOption{
		open: func(o *openOptions) {
			o.store = st
			o.retain = retain
		},
	}
}

// Dial connects to a classifier daemon at the specified address.
// The address can be:
//   - "unix:///path/to/socket" for Unix socket connections
//   - "/path/to/socket" for Unix socket connections (shorthand)
//   - any other gRPC target, passed through unchanged
//
// Example:
//
//	c, err := client.Dial("/run/eatguard/sock/eatguard.sock")
//	c, err := client.Dial("unix:///run/eatguard/sock/eatguard.sock")
//
// The returned client must be closed when no longer needed.
func Dial(address string, opts ...Option) (*Client, error) {
	o := &dialOptions{
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt.applyDial(o)
	}
	return newRemote(address, o)
}

// Open creates a client that classifies against this process's own
// memory through an in-process server. No privilege is needed to
// inspect oneself, so this works without a daemon.
//
// The returned client must be closed when no longer needed.
func Open(opts ...Option) (*Client, error) {
	o := &openOptions{
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt.applyOpen(o)
	}
	return newEphemeral(o)
}
