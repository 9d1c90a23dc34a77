package logging

import (
	"context"
	"log/slog"
)

// ComponentKey is the attribute key carrying the component name.
const ComponentKey = "component"

// Component names used across the module.
const (
	ComponentServer     = "server"
	ComponentDispatcher = "dispatcher"
	ComponentGuard      = "guard"
	ComponentTransport  = "transport"
	ComponentStore      = "store"
	ComponentAgent      = "agent"
)

// filteringHandler drops records below the level configured for the
// component carried in its attributes.
type filteringHandler struct {
	inner     slog.Handler
	spec      *Spec
	component string
}

// NewFilteringHandler wraps inner with per-component level filtering.
func NewFilteringHandler(inner slog.Handler, spec *Spec) slog.Handler {
	return &filteringHandler{
		inner: inner,
		spec:  spec,
	}
}

func (h *filteringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.spec.LevelFor(h.component).ToSlog()
}

func (h *filteringHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.Enabled(ctx, r.Level) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

// WithAttrs picks up a component attribute, if present, for filtering.
func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &filteringHandler{
		inner:     h.inner.WithAttrs(attrs),
		spec:      h.spec,
		component: h.component,
	}
	for _, attr := range attrs {
		if attr.Key == ComponentKey {
			next.component = attr.Value.String()
			break
		}
	}
	return next
}

func (h *filteringHandler) WithGroup(name string) slog.Handler {
	return &filteringHandler{
		inner:     h.inner.WithGroup(name),
		spec:      h.spec,
		component: h.component,
	}
}

// For returns logger scoped to component.
func For(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(ComponentKey, component)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
