package logging

import (
	"context"
	"log/slog"
	"sync/atomic"
)

type opIDKey struct{}

var opIDCounter atomic.Uint64

// NextOpID returns the next process-wide operation identifier.
// Identifiers are monotonic and never zero.
func NextOpID() uint64 {
	return opIDCounter.Add(1)
}

// WithOpID returns a context carrying id.
func WithOpID(ctx context.Context, id uint64) context.Context {
	return context.WithValue(ctx, opIDKey{}, id)
}

// OpIDFromContext returns the operation identifier in ctx, or zero.
func OpIDFromContext(ctx context.Context) uint64 {
	id, _ := ctx.Value(opIDKey{}).(uint64)
	return id
}

// opIDHandler adds op_id from the context to every record. Use with
// InfoContext, WarnContext and friends.
type opIDHandler struct {
	slog.Handler
}

func (h opIDHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := OpIDFromContext(ctx); id != 0 {
		r.AddAttrs(slog.Uint64("op_id", id))
	}
	return h.Handler.Handle(ctx, r)
}

func (h opIDHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return opIDHandler{h.Handler.WithAttrs(attrs)}
}

func (h opIDHandler) WithGroup(name string) slog.Handler {
	return opIDHandler{h.Handler.WithGroup(name)}
}

// WithOpIDHandler wraps logger so records pick up op_id from the context.
func WithOpIDHandler(logger *slog.Logger) *slog.Logger {
	if _, ok := logger.Handler().(opIDHandler); ok {
		return logger
	}
	return slog.New(opIDHandler{logger.Handler()})
}
