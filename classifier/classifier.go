// Package classifier decides what kind of memory a faulting instruction
// executed from.
package classifier

import (
	"github.com/frobware/go-eatguard"
	"github.com/frobware/go-eatguard/procmem"
)

// MemoryQuerier answers the two virtual-memory queries the classifier
// makes. procmem.AddressSpace satisfies it.
type MemoryQuerier interface {
	Query(addr uintptr) (procmem.BasicInfo, error)
	QueryRegion(addr uintptr) (procmem.RegionInfo, error)
}

// Classify queries the memory at addr twice and derives a verdict.
//
// A failed basic query yields Failed and no region query is made. A
// failed region query yields PartiallySucceeded with the basic fields
// kept.
func Classify(q MemoryQuerier, addr uintptr) eatguard.Verdict {
	basic, err := q.Query(addr)
	if err != nil {
		return eatguard.Verdict{Outcome: eatguard.Failed}
	}

	v := eatguard.Verdict{
		Outcome:                          eatguard.Succeeded,
		ProtectionChangedSinceAllocation: basic.Protect != basic.AllocationProtect,
		IsExecutableAndWritable:          basic.Protect.ExecuteWritable(),
		AllocationBase:                   basic.AllocationBase,
		RegionSize:                       basic.RegionSize,
	}

	region, err := q.QueryRegion(addr)
	if err != nil {
		v.Outcome = eatguard.PartiallySucceeded
		return v
	}

	// Image before private. The flags are exclusive in practice but
	// nothing guarantees it.
	switch {
	case region.Type.Has(procmem.RegionMappedImage):
		v.IsImageOrFileBacked = true
	case region.Type.Has(procmem.RegionMappedDataFile):
		v.IsImageOrFileBacked = true
	case region.Type.Has(procmem.RegionPrivate):
		v.IsImageOrFileBacked = false
	}
	v.IsDirectlyMappedSection = region.Type.Has(procmem.RegionDirectMapped)
	v.CommitSize = region.CommitSize
	return v
}
