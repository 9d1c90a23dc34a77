package procmem

import (
	"fmt"
	"os"
	"strconv"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Process is the address space of a live process read through /proc
// and process_vm_readv(2). Inspecting another process needs
// CAP_SYS_PTRACE or a ptrace relationship.
type Process struct {
	pid int
}

// Open returns the address space of pid.
func Open(pid int) (*Process, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("invalid pid %d", pid)
	}
	if _, err := os.Stat(procPath(pid, "maps")); err != nil {
		return nil, fmt.Errorf("open process %d: %w", pid, err)
	}
	return &Process{pid: pid}, nil
}

// Self returns the address space of the calling process.
func Self() *Process {
	return &Process{pid: os.Getpid()}
}

func procPath(pid int, name string) string {
	return "/proc/" + strconv.Itoa(pid) + "/" + name
}

func (p *Process) PID() int { return p.pid }

func (p *Process) mappings(name string, parse func(f *os.File) ([]Mapping, error)) ([]Mapping, error) {
	f, err := os.Open(procPath(p.pid, name))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ms, err := parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.Name(), err)
	}
	return ms, nil
}

func (p *Process) Query(addr uintptr) (BasicInfo, error) {
	ms, err := p.mappings("maps", func(f *os.File) ([]Mapping, error) { return ParseMaps(f) })
	if err != nil {
		return BasicInfo{}, err
	}
	return BasicFromMappings(ms, addr)
}

func (p *Process) QueryRegion(addr uintptr) (RegionInfo, error) {
	ms, err := p.mappings("smaps", func(f *os.File) ([]Mapping, error) { return ParseSmaps(f) })
	if err != nil {
		return RegionInfo{}, err
	}
	return RegionFromMappings(ms, addr)
}

func (p *Process) ReadMemory(addr uintptr, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	local := []unix.Iovec{{Base: (*byte)(unsafe.Pointer(&b[0]))}}
	local[0].SetLen(len(b))
	remote := []unix.RemoteIovec{{Base: addr, Len: len(b)}}
	n, err := unix.ProcessVMReadv(p.pid, local, remote, 0)
	if err != nil {
		return fmt.Errorf("process_vm_readv %#x: %w", addr, err)
	}
	if n != len(b) {
		return fmt.Errorf("read %#x: %d of %d bytes: %w", addr, n, len(b), ErrShortCopy)
	}
	return nil
}

func (p *Process) WriteMemory(addr uintptr, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	local := []unix.Iovec{{Base: (*byte)(unsafe.Pointer(&b[0]))}}
	local[0].SetLen(len(b))
	remote := []unix.RemoteIovec{{Base: addr, Len: len(b)}}
	n, err := unix.ProcessVMWritev(p.pid, local, remote, 0)
	if err != nil {
		return fmt.Errorf("process_vm_writev %#x: %w", addr, err)
	}
	if n != len(b) {
		return fmt.Errorf("write %#x: %d of %d bytes: %w", addr, n, len(b), ErrShortCopy)
	}
	return nil
}

func (p *Process) Close() error { return nil }
