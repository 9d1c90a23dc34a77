// Package wire defines the fixed binary layouts exchanged between the
// monitored process and the privileged classifier.
//
// All layouts are the x64 Windows layouts, little-endian and naturally
// aligned to pointer size. Pointer-sized fields are carried as uint64 so
// the layout does not depend on the build architecture. The structs are
// also used directly as live memory (the classifier writes the output
// record straight into the caller's buffer), so field order and padding
// must match the C definitions exactly.
package wire

import (
	"encoding/binary"
	"fmt"
)

// CTL_CODE components for the verification request.
const (
	fileDeviceUnknown = 0x00000022
	methodNeither     = 3
	fileAnyAccess     = 0
	functionVerifyEAT = 0x800
)

// ctlCode mirrors the CTL_CODE macro.
func ctlCode(deviceType, function, method, access uint32) uint32 {
	return deviceType<<16 | access<<14 | function<<2 | method
}

// IoctlVerifyEATAccess is the operation identifier of the export table
// verification request (0x222003).
var IoctlVerifyEATAccess = ctlCode(fileDeviceUnknown, functionVerifyEAT, methodNeither, fileAnyAccess)

// Exception codes raised by the guard page and the trap flag.
const (
	StatusGuardPageViolation uint32 = 0x80000001
	StatusSingleStep         uint32 = 0x80000004
)

// TrapFlag is EFLAGS.TF.
const TrapFlag uint32 = 0x100

// ExceptionMaximumParameters is EXCEPTION_MAXIMUM_PARAMETERS.
const ExceptionMaximumParameters = 15

// Sizes of the fixed layouts in bytes.
const (
	ExceptionRecordSize = 152
	ContextSize         = 1232
	InputRecordSize     = 16
	OutputRecordSize    = 32
	RequestSize         = 32
	ReplySize           = 16
)

// ExceptionRecord is EXCEPTION_RECORD on x64.
type ExceptionRecord struct {
	ExceptionCode        uint32
	ExceptionFlags       uint32
	ExceptionRecord      uint64 // chained *EXCEPTION_RECORD, usually nil
	ExceptionAddress     uint64
	NumberParameters     uint32
	_                    uint32
	ExceptionInformation [ExceptionMaximumParameters]uint64
}

// AccessAddress returns the data address of an access fault. For
// access violations and guard page violations the second parameter is
// the virtual address that was touched.
func (r *ExceptionRecord) AccessAddress() (uintptr, bool) {
	if r.NumberParameters < 2 {
		return 0, false
	}
	return uintptr(r.ExceptionInformation[1]), true
}

// M128A is a 128-bit XMM/vector register.
type M128A struct {
	Low  uint64
	High int64
}

// Context is CONTEXT on x64. EFlags lives at 0x44 and Rip at 0xF8.
type Context struct {
	P1Home uint64
	P2Home uint64
	P3Home uint64
	P4Home uint64
	P5Home uint64
	P6Home uint64

	ContextFlags uint32
	MxCsr        uint32

	SegCs  uint16
	SegDs  uint16
	SegEs  uint16
	SegFs  uint16
	SegGs  uint16
	SegSs  uint16
	EFlags uint32

	Dr0 uint64
	Dr1 uint64
	Dr2 uint64
	Dr3 uint64
	Dr6 uint64
	Dr7 uint64

	Rax uint64
	Rcx uint64
	Rdx uint64
	Rbx uint64
	Rsp uint64
	Rbp uint64
	Rsi uint64
	Rdi uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	Rip uint64

	FltSave [512]byte

	VectorRegister [26]M128A
	VectorControl  uint64

	DebugControl         uint64
	LastBranchToRip      uint64
	LastBranchFromRip    uint64
	LastExceptionToRip   uint64
	LastExceptionFromRip uint64
}

// SetTrapFlag arms a single-step trap on resume.
func (c *Context) SetTrapFlag() { c.EFlags |= TrapFlag }

// ClearTrapFlag disarms the single-step trap.
func (c *Context) ClearTrapFlag() { c.EFlags &^= TrapFlag }

// TrapFlagSet reports whether EFLAGS.TF is set.
func (c *Context) TrapFlagSet() bool { return c.EFlags&TrapFlag != 0 }

// InputRecord is the request body: pointers to the captured exception
// record and context, both in the caller's address space.
type InputRecord struct {
	ExceptionRecord uint64
	ContextRecord   uint64
}

// Outcome values carried in OutputRecord.Outcome.
const (
	OutcomeSucceeded          uint32 = 0
	OutcomeFailed             uint32 = 1
	OutcomePartiallySucceeded uint32 = 2
)

// OutputRecord is the classification result written into the caller's
// output buffer.
type OutputRecord struct {
	Outcome                 uint32
	IsExecutableAndWritable bool
	IsImageOrFileBacked     bool
	IsDirectlyMappedSection bool
	HasProtectionChanged    bool
	AllocationBase          uint64
	RegionSize              uint64
	CommitSize              uint64
}

// Request is the envelope of one device-control call. The buffers are
// not carried inline: InputBuffer and UserBuffer are addresses in the
// caller's address space, exactly as with METHOD_NEITHER.
type Request struct {
	IoControlCode uint32
	InputLength   uint32
	OutputLength  uint32
	_             uint32
	InputBuffer   uint64
	UserBuffer    uint64
}

// Reply completes a Request.
type Reply struct {
	Status      Status
	_           uint32
	Information uint64
}

func decode(b []byte, size int, name string) error {
	if len(b) != size {
		return fmt.Errorf("%s: got %d bytes, want %d", name, len(b), size)
	}
	return nil
}

// MarshalBinary encodes the exception record.
func (r *ExceptionRecord) MarshalBinary() ([]byte, error) {
	b := make([]byte, ExceptionRecordSize)
	le := binary.LittleEndian
	le.PutUint32(b[0:], r.ExceptionCode)
	le.PutUint32(b[4:], r.ExceptionFlags)
	le.PutUint64(b[8:], r.ExceptionRecord)
	le.PutUint64(b[16:], r.ExceptionAddress)
	le.PutUint32(b[24:], r.NumberParameters)
	for i, v := range r.ExceptionInformation {
		le.PutUint64(b[32+8*i:], v)
	}
	return b, nil
}

// UnmarshalBinary decodes the exception record.
func (r *ExceptionRecord) UnmarshalBinary(b []byte) error {
	if err := decode(b, ExceptionRecordSize, "exception record"); err != nil {
		return err
	}
	le := binary.LittleEndian
	*r = ExceptionRecord{
		ExceptionCode:    le.Uint32(b[0:]),
		ExceptionFlags:   le.Uint32(b[4:]),
		ExceptionRecord:  le.Uint64(b[8:]),
		ExceptionAddress: le.Uint64(b[16:]),
		NumberParameters: le.Uint32(b[24:]),
	}
	for i := range r.ExceptionInformation {
		r.ExceptionInformation[i] = le.Uint64(b[32+8*i:])
	}
	return nil
}

// MarshalBinary encodes the context. The packed encoding is identical
// to the in-memory CONTEXT layout.
func (c *Context) MarshalBinary() ([]byte, error) {
	b, err := binary.Append(make([]byte, 0, ContextSize), binary.LittleEndian, c)
	if err != nil {
		return nil, fmt.Errorf("context: %w", err)
	}
	return b, nil
}

// UnmarshalBinary decodes the context.
func (c *Context) UnmarshalBinary(b []byte) error {
	if err := decode(b, ContextSize, "context"); err != nil {
		return err
	}
	if _, err := binary.Decode(b, binary.LittleEndian, c); err != nil {
		return fmt.Errorf("context: %w", err)
	}
	return nil
}

// MarshalBinary encodes the input record.
func (r *InputRecord) MarshalBinary() ([]byte, error) {
	b := make([]byte, InputRecordSize)
	binary.LittleEndian.PutUint64(b[0:], r.ExceptionRecord)
	binary.LittleEndian.PutUint64(b[8:], r.ContextRecord)
	return b, nil
}

// UnmarshalBinary decodes the input record.
func (r *InputRecord) UnmarshalBinary(b []byte) error {
	if err := decode(b, InputRecordSize, "input record"); err != nil {
		return err
	}
	r.ExceptionRecord = binary.LittleEndian.Uint64(b[0:])
	r.ContextRecord = binary.LittleEndian.Uint64(b[8:])
	return nil
}

func putBool(b []byte, v bool) {
	if v {
		b[0] = 1
	} else {
		b[0] = 0
	}
}

// MarshalBinary encodes the output record.
func (o *OutputRecord) MarshalBinary() ([]byte, error) {
	b := make([]byte, OutputRecordSize)
	le := binary.LittleEndian
	le.PutUint32(b[0:], o.Outcome)
	putBool(b[4:], o.IsExecutableAndWritable)
	putBool(b[5:], o.IsImageOrFileBacked)
	putBool(b[6:], o.IsDirectlyMappedSection)
	putBool(b[7:], o.HasProtectionChanged)
	le.PutUint64(b[8:], o.AllocationBase)
	le.PutUint64(b[16:], o.RegionSize)
	le.PutUint64(b[24:], o.CommitSize)
	return b, nil
}

// UnmarshalBinary decodes the output record. Any non-zero byte is true,
// as with BOOLEAN.
func (o *OutputRecord) UnmarshalBinary(b []byte) error {
	if err := decode(b, OutputRecordSize, "output record"); err != nil {
		return err
	}
	le := binary.LittleEndian
	*o = OutputRecord{
		Outcome:                 le.Uint32(b[0:]),
		IsExecutableAndWritable: b[4] != 0,
		IsImageOrFileBacked:     b[5] != 0,
		IsDirectlyMappedSection: b[6] != 0,
		HasProtectionChanged:    b[7] != 0,
		AllocationBase:          le.Uint64(b[8:]),
		RegionSize:              le.Uint64(b[16:]),
		CommitSize:              le.Uint64(b[24:]),
	}
	return nil
}

// MarshalBinary encodes the request envelope.
func (r *Request) MarshalBinary() ([]byte, error) {
	b := make([]byte, RequestSize)
	le := binary.LittleEndian
	le.PutUint32(b[0:], r.IoControlCode)
	le.PutUint32(b[4:], r.InputLength)
	le.PutUint32(b[8:], r.OutputLength)
	le.PutUint64(b[16:], r.InputBuffer)
	le.PutUint64(b[24:], r.UserBuffer)
	return b, nil
}

// UnmarshalBinary decodes the request envelope.
func (r *Request) UnmarshalBinary(b []byte) error {
	if err := decode(b, RequestSize, "request"); err != nil {
		return err
	}
	le := binary.LittleEndian
	*r = Request{
		IoControlCode: le.Uint32(b[0:]),
		InputLength:   le.Uint32(b[4:]),
		OutputLength:  le.Uint32(b[8:]),
		InputBuffer:   le.Uint64(b[16:]),
		UserBuffer:    le.Uint64(b[24:]),
	}
	return nil
}

// MarshalBinary encodes the reply.
func (r *Reply) MarshalBinary() ([]byte, error) {
	b := make([]byte, ReplySize)
	binary.LittleEndian.PutUint32(b[0:], uint32(r.Status))
	binary.LittleEndian.PutUint64(b[8:], r.Information)
	return b, nil
}

// UnmarshalBinary decodes the reply.
func (r *Reply) UnmarshalBinary(b []byte) error {
	if err := decode(b, ReplySize, "reply"); err != nil {
		return err
	}
	r.Status = Status(binary.LittleEndian.Uint32(b[0:]))
	r.Information = binary.LittleEndian.Uint64(b[8:])
	return nil
}
