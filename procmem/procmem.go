// Package procmem queries and copies the memory of a process.
//
// The vocabulary is the Windows one (page protections, allocation
// protection, region types) because that is what the classifier reasons
// about. On Linux the same answers are derived from /proc.
package procmem

import (
	"errors"
	"fmt"
	"strings"
)

// ErrOutOfRange is returned for addresses outside the user range.
var ErrOutOfRange = errors.New("address outside user range")

// ErrNotMapped is returned when no allocation contains an address.
var ErrNotMapped = errors.New("address not mapped")

// ErrShortCopy is returned when fewer bytes than requested moved.
var ErrShortCopy = errors.New("short memory copy")

// PageSize is the page granularity guards and probes work in.
const PageSize = 0x1000

// MaxUserAddress is the highest user-mode address on x64.
const MaxUserAddress uintptr = 0x7FFF_FFFE_FFFF

// Protection is a PAGE_* protection value.
type Protection uint32

const (
	NoAccess         Protection = 0x01
	ReadOnly         Protection = 0x02
	ReadWrite        Protection = 0x04
	WriteCopy        Protection = 0x08
	Execute          Protection = 0x10
	ExecuteRead      Protection = 0x20
	ExecuteReadWrite Protection = 0x40
	ExecuteWriteCopy Protection = 0x80

	Guard        Protection = 0x100
	NoCache      Protection = 0x200
	WriteCombine Protection = 0x400
)

// Base strips the modifier bits.
func (p Protection) Base() Protection { return p & 0xFF }

// IsGuard reports whether the guard modifier is set.
func (p Protection) IsGuard() bool { return p&Guard != 0 }

func (p Protection) Readable() bool {
	switch p.Base() {
	case ReadOnly, ReadWrite, WriteCopy, ExecuteRead, ExecuteReadWrite, ExecuteWriteCopy:
		return true
	}
	return false
}

func (p Protection) Writable() bool {
	switch p.Base() {
	case ReadWrite, WriteCopy, ExecuteReadWrite, ExecuteWriteCopy:
		return true
	}
	return false
}

func (p Protection) Executable() bool {
	switch p.Base() {
	case Execute, ExecuteRead, ExecuteReadWrite, ExecuteWriteCopy:
		return true
	}
	return false
}

// ExecuteWritable reports PAGE_EXECUTE_READWRITE or PAGE_EXECUTE_WRITECOPY.
func (p Protection) ExecuteWritable() bool {
	b := p.Base()
	return b == ExecuteReadWrite || b == ExecuteWriteCopy
}

var protectionNames = []struct {
	p    Protection
	name string
}{
	{NoAccess, "PAGE_NOACCESS"},
	{ReadOnly, "PAGE_READONLY"},
	{ReadWrite, "PAGE_READWRITE"},
	{WriteCopy, "PAGE_WRITECOPY"},
	{Execute, "PAGE_EXECUTE"},
	{ExecuteRead, "PAGE_EXECUTE_READ"},
	{ExecuteReadWrite, "PAGE_EXECUTE_READWRITE"},
	{ExecuteWriteCopy, "PAGE_EXECUTE_WRITECOPY"},
}

func (p Protection) String() string {
	if p == 0 {
		return "0"
	}
	var parts []string
	base := p.Base()
	found := false
	for _, n := range protectionNames {
		if n.p == base {
			parts = append(parts, n.name)
			found = true
		}
	}
	if !found && base != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(base)))
	}
	if p&Guard != 0 {
		parts = append(parts, "PAGE_GUARD")
	}
	if p&NoCache != 0 {
		parts = append(parts, "PAGE_NOCACHE")
	}
	if p&WriteCombine != 0 {
		parts = append(parts, "PAGE_WRITECOMBINE")
	}
	return strings.Join(parts, "|")
}

// State is a MEM_* allocation state.
type State uint32

const (
	StateCommit  State = 0x1000
	StateReserve State = 0x2000
	StateFree    State = 0x10000
)

// Type is a MEM_* mapping type.
type Type uint32

const (
	TypePrivate Type = 0x20000
	TypeMapped  Type = 0x40000
	TypeImage   Type = 0x1000000
)

// BasicInfo mirrors MEMORY_BASIC_INFORMATION.
type BasicInfo struct {
	BaseAddress       uintptr
	AllocationBase    uintptr
	AllocationProtect Protection
	RegionSize        uintptr
	State             State
	Protect           Protection
	Type              Type
}

// Contains reports whether addr lies in the region.
func (b BasicInfo) Contains(addr uintptr) bool {
	return addr >= b.BaseAddress && addr-b.BaseAddress < b.RegionSize
}

// RegionType is the flag word of MEMORY_REGION_INFORMATION.
type RegionType uint32

const (
	RegionPrivate        RegionType = 1 << 0
	RegionMappedDataFile RegionType = 1 << 1
	RegionMappedImage    RegionType = 1 << 2
	RegionMappedPageFile RegionType = 1 << 3
	RegionMappedPhysical RegionType = 1 << 4
	RegionDirectMapped   RegionType = 1 << 5
)

// Has reports whether all bits of f are set.
func (t RegionType) Has(f RegionType) bool { return t&f == f }

// RegionInfo mirrors MEMORY_REGION_INFORMATION. It describes the whole
// allocation rather than the run of pages sharing one protection.
type RegionInfo struct {
	AllocationBase    uintptr
	AllocationProtect Protection
	Type              RegionType
	RegionSize        uintptr
	CommitSize        uintptr
}

// AddressSpace is the memory of one process.
type AddressSpace interface {
	// PID identifies the process.
	PID() int
	// Query describes the region containing addr. Unmapped addresses
	// succeed with StateFree.
	Query(addr uintptr) (BasicInfo, error)
	// QueryRegion describes the allocation containing addr.
	QueryRegion(addr uintptr) (RegionInfo, error)
	// ReadMemory copies len(p) bytes starting at addr into p.
	ReadMemory(addr uintptr, p []byte) error
	// WriteMemory copies p to addr.
	WriteMemory(addr uintptr, p []byte) error
	Close() error
}
