package server

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/frobware/go-eatguard"
	"github.com/frobware/go-eatguard/classifier"
	"github.com/frobware/go-eatguard/logging"
	"github.com/frobware/go-eatguard/procmem"
	"github.com/frobware/go-eatguard/store"
	"github.com/frobware/go-eatguard/transport"
	"github.com/frobware/go-eatguard/wire"
)

// Opener opens the address space of a calling process.
type Opener interface {
	Open(pid int) (procmem.AddressSpace, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(pid int) (procmem.AddressSpace, error)

func (f OpenerFunc) Open(pid int) (procmem.AddressSpace, error) { return f(pid) }

// ProcessOpener opens live processes with procmem.Open.
var ProcessOpener = OpenerFunc(func(pid int) (procmem.AddressSpace, error) {
	return procmem.Open(pid)
})

// Server answers device-control requests. Every request is completed
// with a reply; DeviceControl never returns an error.
type Server struct {
	opener Opener
	store  store.Store
	retain int
	logger *slog.Logger
	// base is the unscoped logger handed to per-request components.
	base *slog.Logger
	now  func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithStore records every completed verification request in st,
// keeping at most retain events (0 keeps all).
func WithStore(st store.Store, retain int) Option {
	return func(s *Server) {
		s.store = st
		s.retain = retain
	}
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New returns a Server that inspects callers through opener.
func New(opener Opener, opts ...Option) *Server {
	s := &Server{
		opener: opener,
		logger: logging.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.base = logging.WithOpIDHandler(s.logger)
	s.logger = logging.For(s.base, logging.ComponentServer)
	return s
}

var _ transport.DeviceServer = (*Server)(nil)

func (s *Server) DeviceControl(ctx context.Context, req *wire.Request) (*wire.Reply, error) {
	if req.IoControlCode != wire.IoctlVerifyEATAccess {
		s.logger.DebugContext(ctx, "unsupported control code", "code", req.IoControlCode)
		return &wire.Reply{Status: wire.StatusNotSupported}, nil
	}
	return s.verify(ctx, req), nil
}

// verify handles IoctlVerifyEATAccess: validate and copy the caller's
// records, classify the faulting instruction's memory, write the verdict
// back.
func (s *Server) verify(ctx context.Context, req *wire.Request) *wire.Reply {
	pid, err := transport.PeerPID(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "rejecting request without caller identity", "error", err)
		return &wire.Reply{Status: wire.StatusAccessDenied}
	}

	mem, err := s.opener.Open(pid)
	if err != nil {
		s.logger.WarnContext(ctx, "cannot open caller memory", "pid", pid, "error", err)
		return &wire.Reply{Status: wire.StatusAccessDenied}
	}
	defer mem.Close()

	b := transport.NewBoundary(mem, transport.WithBoundaryLogger(s.base))
	captured, err := b.Capture(req)
	if err != nil {
		return s.reject(ctx, pid, nil, err)
	}

	fault := eatguard.CapturedFault{Record: captured.Record, Context: captured.Context}
	ip := fault.InstructionPointer()
	verdict := classifier.Classify(mem, ip)
	s.logger.DebugContext(ctx, "classified",
		"pid", pid,
		"ip", hexAddr(ip),
		"access", hexAddr(fault.AccessAddress()),
		"outcome", verdict.Outcome.String(),
		"image_backed", verdict.IsImageOrFileBacked,
		"rwx", verdict.IsExecutableAndWritable)

	if err := b.Deliver(req, verdict.Output()); err != nil {
		return s.reject(ctx, pid, &fault, err)
	}

	reply := &wire.Reply{Status: wire.StatusSuccess, Information: wire.OutputRecordSize}
	s.record(ctx, pid, &fault, reply.Status, verdict)
	return reply
}

func (s *Server) reject(ctx context.Context, pid int, fault *eatguard.CapturedFault, err error) *wire.Reply {
	status := wire.StatusUnsuccessful
	var be *transport.BoundaryError
	if errors.As(err, &be) {
		status = be.Status()
	}
	s.logger.WarnContext(ctx, "rejected request", "pid", pid, "status", status, "error", err)
	s.record(ctx, pid, fault, status, eatguard.Verdict{Outcome: eatguard.Failed})
	return &wire.Reply{Status: status}
}

func (s *Server) record(ctx context.Context, pid int, fault *eatguard.CapturedFault, status wire.Status, v eatguard.Verdict) {
	if s.store == nil {
		return
	}
	e := store.Event{
		RecordedAt: s.now(),
		PID:        pid,
		Status:     status,
		Verdict:    v,
	}
	if fault != nil {
		e.ExceptionCode = fault.Record.ExceptionCode
		e.InstructionPointer = fault.InstructionPointer()
		e.AccessAddress = fault.AccessAddress()
	}
	if err := s.store.Save(ctx, e); err != nil {
		s.logger.ErrorContext(ctx, "failed to record event", "error", err)
		return
	}
	if s.retain > 0 {
		if _, err := s.store.Prune(ctx, s.retain); err != nil {
			s.logger.ErrorContext(ctx, "failed to prune events", "error", err)
		}
	}
}

func hexAddr(a uintptr) string {
	return "0x" + strconv.FormatUint(uint64(a), 16)
}
