// Package procmemtest provides an in-memory procmem.AddressSpace for
// tests.
package procmemtest

import (
	"fmt"
	"sort"
	"sync"

	"github.com/frobware/go-eatguard/procmem"
)

// Region is one simulated allocation.
type Region struct {
	Base      uintptr
	Data      []byte
	Protect   procmem.Protection
	AllocProt procmem.Protection
	Type      procmem.RegionType
	State     procmem.State
}

func (r *Region) end() uintptr { return r.Base + uintptr(len(r.Data)) }

// Space is a simulated address space. Regions must not overlap.
type Space struct {
	mu      sync.Mutex
	pid     int
	regions []*Region

	// Reads counts ReadMemory calls.
	Reads int
	// BeforeRead, if set, runs at the start of every ReadMemory.
	BeforeRead func(addr uintptr, n int)
	// QueryErr and RegionErr force Query and QueryRegion to fail.
	QueryErr  error
	RegionErr error
}

// New returns an empty space for pid.
func New(pid int) *Space {
	return &Space{pid: pid}
}

// Map adds a committed region of size bytes at base.
func (s *Space) Map(base uintptr, size int, prot procmem.Protection, typ procmem.RegionType) *Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &Region{
		Base:      base,
		Data:      make([]byte, size),
		Protect:   prot,
		AllocProt: prot,
		Type:      typ,
		State:     procmem.StateCommit,
	}
	s.regions = append(s.regions, r)
	sort.Slice(s.regions, func(i, j int) bool { return s.regions[i].Base < s.regions[j].Base })
	return r
}

func (s *Space) lookup(addr uintptr) *Region {
	for _, r := range s.regions {
		if addr >= r.Base && addr < r.end() {
			return r
		}
	}
	return nil
}

func (s *Space) PID() int { return s.pid }

func (s *Space) Query(addr uintptr) (procmem.BasicInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QueryErr != nil {
		return procmem.BasicInfo{}, s.QueryErr
	}
	r := s.lookup(addr)
	if r == nil {
		return procmem.BasicInfo{BaseAddress: addr &^ (procmem.PageSize - 1), RegionSize: procmem.PageSize, State: procmem.StateFree, Protect: procmem.NoAccess}, nil
	}
	return procmem.BasicInfo{
		BaseAddress:       r.Base,
		AllocationBase:    r.Base,
		AllocationProtect: r.AllocProt,
		RegionSize:        uintptr(len(r.Data)),
		State:             r.State,
		Protect:           r.Protect,
	}, nil
}

func (s *Space) QueryRegion(addr uintptr) (procmem.RegionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RegionErr != nil {
		return procmem.RegionInfo{}, s.RegionErr
	}
	r := s.lookup(addr)
	if r == nil {
		return procmem.RegionInfo{}, procmem.ErrNotMapped
	}
	return procmem.RegionInfo{
		AllocationBase:    r.Base,
		AllocationProtect: r.AllocProt,
		Type:              r.Type,
		RegionSize:        uintptr(len(r.Data)),
		CommitSize:        uintptr(len(r.Data)),
	}, nil
}

// span returns the bytes of [addr, addr+n) if one region holds them.
func (s *Space) span(addr uintptr, n int) ([]byte, error) {
	r := s.lookup(addr)
	if r == nil || addr+uintptr(n) > r.end() {
		return nil, fmt.Errorf("%#x+%d: %w", addr, n, procmem.ErrNotMapped)
	}
	off := addr - r.Base
	return r.Data[off : off+uintptr(n)], nil
}

func (s *Space) ReadMemory(addr uintptr, p []byte) error {
	if s.BeforeRead != nil {
		s.BeforeRead(addr, len(p))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Reads++
	b, err := s.span(addr, len(p))
	if err != nil {
		return err
	}
	copy(p, b)
	return nil
}

func (s *Space) WriteMemory(addr uintptr, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.span(addr, len(p))
	if err != nil {
		return err
	}
	copy(b, p)
	return nil
}

// Poke writes p at addr, ignoring protection.
func (s *Space) Poke(addr uintptr, p []byte) {
	if err := s.WriteMemory(addr, p); err != nil {
		panic(err)
	}
}

// Peek reads n bytes at addr, ignoring protection.
func (s *Space) Peek(addr uintptr, n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.span(addr, n)
	if err != nil {
		panic(err)
	}
	return append([]byte(nil), b...)
}

func (s *Space) Close() error { return nil }

var _ procmem.AddressSpace = (*Space)(nil)
