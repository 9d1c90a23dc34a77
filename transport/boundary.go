package transport

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/frobware/go-eatguard/logging"
	"github.com/frobware/go-eatguard/procmem"
	"github.com/frobware/go-eatguard/wire"
)

// probeAlignment is the alignment every caller pointer must honour.
const probeAlignment = 8

// Violation names the way a caller buffer failed validation.
type Violation int

const (
	SizeMismatch Violation = iota + 1
	Misaligned
	OutOfRange
	Inaccessible
	CopyFailed
)

func (v Violation) String() string {
	switch v {
	case SizeMismatch:
		return "size mismatch"
	case Misaligned:
		return "misaligned"
	case OutOfRange:
		return "out of range"
	case Inaccessible:
		return "inaccessible"
	case CopyFailed:
		return "copy failed"
	default:
		return fmt.Sprintf("Violation(%d)", int(v))
	}
}

// BoundaryError reports a caller buffer that failed validation.
type BoundaryError struct {
	Field     string
	Addr      uintptr
	Size      uintptr
	Violation Violation
	Err       error
}

func (e *BoundaryError) Error() string {
	msg := fmt.Sprintf("%s at %#x (%d bytes): %s", e.Field, e.Addr, e.Size, e.Violation)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BoundaryError) Unwrap() error { return e.Err }

// Status maps the violation to the completion status the caller sees.
func (e *BoundaryError) Status() wire.Status {
	switch e.Violation {
	case SizeMismatch:
		return wire.StatusInvalidBufferSize
	case Misaligned:
		return wire.StatusDatatypeMisalignment
	default:
		return wire.StatusAccessViolation
	}
}

// Captured holds privileged-side copies of the caller's records. Nothing
// in it aliases caller memory.
type Captured struct {
	Record  wire.ExceptionRecord
	Chained *wire.ExceptionRecord
	Context wire.Context
}

// Boundary validates and copies caller buffers named by a Request. Every
// pointer is probed before it is read or written, and each buffer is
// copied exactly once; later changes to caller memory do not reach the
// copies.
type Boundary struct {
	mem    procmem.AddressSpace
	logger *slog.Logger
}

// BoundaryOption configures a Boundary.
type BoundaryOption func(*Boundary)

// WithBoundaryLogger logs rejected caller buffers to l.
func WithBoundaryLogger(l *slog.Logger) BoundaryOption {
	return func(b *Boundary) { b.logger = logging.For(l, logging.ComponentTransport) }
}

// NewBoundary returns a Boundary over the caller's address space.
func NewBoundary(mem procmem.AddressSpace, opts ...BoundaryOption) *Boundary {
	b := &Boundary{mem: mem, logger: logging.Discard()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Capture validates req and copies the records it references. The input
// length is checked before any caller memory is touched, and the output
// buffer is probed for write before anything is returned so that a
// request which cannot be answered is rejected without being classified.
func (b *Boundary) Capture(req *wire.Request) (*Captured, error) {
	c, err := b.capture(req)
	if err != nil {
		b.reject(err)
		return nil, err
	}
	return c, nil
}

func (b *Boundary) capture(req *wire.Request) (*Captured, error) {
	if req.InputLength != wire.InputRecordSize {
		return nil, &BoundaryError{Field: "input", Addr: uintptr(req.InputBuffer), Size: uintptr(req.InputLength), Violation: SizeMismatch}
	}
	if req.OutputLength < wire.OutputRecordSize {
		return nil, &BoundaryError{Field: "output", Addr: uintptr(req.UserBuffer), Size: uintptr(req.OutputLength), Violation: SizeMismatch}
	}

	var in wire.InputRecord
	if err := b.copyIn("input", uintptr(req.InputBuffer), wire.InputRecordSize, &in); err != nil {
		return nil, err
	}

	c := new(Captured)
	if err := b.copyIn("exception record", uintptr(in.ExceptionRecord), wire.ExceptionRecordSize, &c.Record); err != nil {
		return nil, err
	}
	if next := uintptr(c.Record.ExceptionRecord); next != 0 {
		c.Chained = new(wire.ExceptionRecord)
		if err := b.copyIn("chained exception record", next, wire.ExceptionRecordSize, c.Chained); err != nil {
			return nil, err
		}
	}
	if err := b.copyIn("context record", uintptr(in.ContextRecord), wire.ContextSize, &c.Context); err != nil {
		return nil, err
	}

	if err := b.probe("output", uintptr(req.UserBuffer), wire.OutputRecordSize, true); err != nil {
		return nil, err
	}
	return c, nil
}

// Deliver writes out into the caller's output buffer. The buffer is
// probed again immediately before the write.
func (b *Boundary) Deliver(req *wire.Request, out wire.OutputRecord) error {
	err := b.deliver(req, out)
	if err != nil {
		b.reject(err)
	}
	return err
}

func (b *Boundary) reject(err error) {
	var be *BoundaryError
	if errors.As(err, &be) {
		b.logger.Debug("caller buffer rejected",
			"pid", b.mem.PID(),
			"field", be.Field,
			"addr", fmt.Sprintf("%#x", be.Addr),
			"size", be.Size,
			"violation", be.Violation.String())
		return
	}
	b.logger.Debug("caller buffer rejected", "pid", b.mem.PID(), "error", err)
}

func (b *Boundary) deliver(req *wire.Request, out wire.OutputRecord) error {
	addr := uintptr(req.UserBuffer)
	if req.OutputLength < wire.OutputRecordSize {
		return &BoundaryError{Field: "output", Addr: addr, Size: uintptr(req.OutputLength), Violation: SizeMismatch}
	}
	if err := b.probe("output", addr, wire.OutputRecordSize, true); err != nil {
		return err
	}
	data, err := out.MarshalBinary()
	if err != nil {
		return err
	}
	if err := b.mem.WriteMemory(addr, data); err != nil {
		return &BoundaryError{Field: "output", Addr: addr, Size: wire.OutputRecordSize, Violation: CopyFailed, Err: err}
	}
	return nil
}

type binaryUnmarshaler interface {
	UnmarshalBinary([]byte) error
}

func (b *Boundary) copyIn(field string, addr uintptr, size int, dst binaryUnmarshaler) error {
	if err := b.probe(field, addr, size, false); err != nil {
		return err
	}
	buf := make([]byte, size)
	if err := b.mem.ReadMemory(addr, buf); err != nil {
		return &BoundaryError{Field: field, Addr: addr, Size: uintptr(size), Violation: CopyFailed, Err: err}
	}
	return dst.UnmarshalBinary(buf)
}

// probe checks that [addr, addr+size) is aligned, inside the user range
// and committed with a protection that allows the access.
func (b *Boundary) probe(field string, addr uintptr, size int, write bool) error {
	fail := func(v Violation, err error) error {
		return &BoundaryError{Field: field, Addr: addr, Size: uintptr(size), Violation: v, Err: err}
	}
	if addr%probeAlignment != 0 {
		return fail(Misaligned, nil)
	}
	end := addr + uintptr(size)
	if addr == 0 || end < addr || end-1 > procmem.MaxUserAddress {
		return fail(OutOfRange, nil)
	}
	for a := addr; a < end; {
		info, err := b.mem.Query(a)
		if err != nil {
			return fail(Inaccessible, err)
		}
		if info.State != procmem.StateCommit || info.Protect.IsGuard() {
			return fail(Inaccessible, fmt.Errorf("%#x has state %#x protection %s", a, uint32(info.State), info.Protect))
		}
		if write && !info.Protect.Writable() || !write && !info.Protect.Readable() {
			return fail(Inaccessible, fmt.Errorf("%#x is %s", a, info.Protect))
		}
		next := info.BaseAddress + info.RegionSize
		if next <= a {
			return fail(Inaccessible, fmt.Errorf("query at %#x made no progress", a))
		}
		a = next
	}
	return nil
}
