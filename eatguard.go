// Package eatguard detects direct reads of a module's Export Address
// Table by trapping accesses to it and having a privileged classifier
// inspect the memory the reading instruction executes from.
//
// Legitimate resolution happens from loader or runtime code that lives in
// image-backed memory. Shellcode and manually mapped modules that walk
// the table themselves typically execute from private, often writable and
// executable, memory. The pipeline detects and reports; it never prevents
// the read.
package eatguard

import (
	"fmt"

	"github.com/frobware/go-eatguard/wire"
)

// EntrySize is the size of one Export Address Table entry (an RVA).
const EntrySize = 4

// TableDescriptor locates one export address table in memory.
//
// BaseAddress is non-zero and lies within the module whenever
// EntryCount > 0. A descriptor is created once per monitored module and
// never mutated; replacing it means swapping in a new value.
type TableDescriptor struct {
	BaseAddress uintptr
	EntryCount  uint32
}

// Size returns the span of the table in bytes.
func (d TableDescriptor) Size() uintptr {
	return uintptr(d.EntryCount) * EntrySize
}

// End returns the first address past the table.
func (d TableDescriptor) End() uintptr {
	return d.BaseAddress + d.Size()
}

// Contains reports whether addr lies inside the table.
func (d TableDescriptor) Contains(addr uintptr) bool {
	return d.EntryCount > 0 && addr >= d.BaseAddress && addr < d.End()
}

func (d TableDescriptor) String() string {
	return fmt.Sprintf("[%#x, %#x) %d entries", d.BaseAddress, d.End(), d.EntryCount)
}

// CapturedFault is a snapshot of one guard-page trap. A fresh value is
// allocated for every fault and owned by the handling thread until the
// classification round trip completes.
type CapturedFault struct {
	Record  wire.ExceptionRecord
	Context wire.Context
}

// InstructionPointer returns the address of the faulting instruction.
func (f *CapturedFault) InstructionPointer() uintptr {
	return uintptr(f.Context.Rip)
}

// AccessAddress returns the data address that tripped the guard.
func (f *CapturedFault) AccessAddress() uintptr {
	addr, _ := f.Record.AccessAddress()
	return addr
}

// Outcome communicates how much of a classification succeeded.
type Outcome uint32

const (
	Succeeded          Outcome = Outcome(wire.OutcomeSucceeded)
	Failed             Outcome = Outcome(wire.OutcomeFailed)
	PartiallySucceeded Outcome = Outcome(wire.OutcomePartiallySucceeded)
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case PartiallySucceeded:
		return "partially-succeeded"
	default:
		return fmt.Sprintf("Outcome(%d)", uint32(o))
	}
}

// ParseOutcome is the inverse of Outcome.String.
func ParseOutcome(s string) (Outcome, error) {
	for _, o := range []Outcome{Succeeded, Failed, PartiallySucceeded} {
		if o.String() == s {
			return o, nil
		}
	}
	return Failed, fmt.Errorf("unknown outcome %q", s)
}

// Verdict is the classification of the memory a faulting instruction
// executed from.
type Verdict struct {
	Outcome                          Outcome
	IsExecutableAndWritable          bool
	IsImageOrFileBacked              bool
	IsDirectlyMappedSection          bool
	ProtectionChangedSinceAllocation bool
	AllocationBase                   uintptr
	RegionSize                       uintptr
	CommitSize                       uintptr
}

// Suspicious reports whether the verdict points at memory that normal
// resolver code does not execute from.
func (v Verdict) Suspicious() bool {
	if v.Outcome == Failed {
		return false
	}
	if v.IsExecutableAndWritable || v.ProtectionChangedSinceAllocation {
		return true
	}
	return v.Outcome == Succeeded && !v.IsImageOrFileBacked
}

// Output converts the verdict to its wire layout.
func (v Verdict) Output() wire.OutputRecord {
	return wire.OutputRecord{
		Outcome:                 uint32(v.Outcome),
		IsExecutableAndWritable: v.IsExecutableAndWritable,
		IsImageOrFileBacked:     v.IsImageOrFileBacked,
		IsDirectlyMappedSection: v.IsDirectlyMappedSection,
		HasProtectionChanged:    v.ProtectionChangedSinceAllocation,
		AllocationBase:          uint64(v.AllocationBase),
		RegionSize:              uint64(v.RegionSize),
		CommitSize:              uint64(v.CommitSize),
	}
}

// VerdictFromOutput converts a wire output record to a Verdict.
func VerdictFromOutput(o wire.OutputRecord) Verdict {
	return Verdict{
		Outcome:                          Outcome(o.Outcome),
		IsExecutableAndWritable:          o.IsExecutableAndWritable,
		IsImageOrFileBacked:              o.IsImageOrFileBacked,
		IsDirectlyMappedSection:          o.IsDirectlyMappedSection,
		ProtectionChangedSinceAllocation: o.HasProtectionChanged,
		AllocationBase:                   uintptr(o.AllocationBase),
		RegionSize:                       uintptr(o.RegionSize),
		CommitSize:                       uintptr(o.CommitSize),
	}
}
