package procmem

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	memoryRegionInformation   = 3
	memoryRegionInformationEx = 7
)

var (
	modntdll                 = windows.NewLazySystemDLL("ntdll.dll")
	procNtQueryVirtualMemory = modntdll.NewProc("NtQueryVirtualMemory")
)

// memoryRegionInfo is MEMORY_REGION_INFORMATION on x64.
type memoryRegionInfo struct {
	AllocationBase    uintptr
	AllocationProtect uint32
	RegionType        uint32
	RegionSize        uintptr
	CommitSize        uintptr
	PartitionID       uintptr
	NodePreference    uintptr
}

// Process is an open handle to a process.
type Process struct {
	pid    int
	handle windows.Handle
	owned  bool
}

const processAccess = windows.PROCESS_QUERY_INFORMATION |
	windows.PROCESS_VM_READ |
	windows.PROCESS_VM_WRITE |
	windows.PROCESS_VM_OPERATION

// Open opens pid for query, read and write.
func Open(pid int) (*Process, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("invalid pid %d", pid)
	}
	h, err := windows.OpenProcess(processAccess, false, uint32(pid))
	if err != nil {
		return nil, fmt.Errorf("OpenProcess %d: %w", pid, err)
	}
	return &Process{pid: pid, handle: h, owned: true}, nil
}

// Self returns the address space of the calling process.
func Self() *Process {
	return &Process{pid: int(windows.GetCurrentProcessId()), handle: windows.CurrentProcess()}
}

func (p *Process) PID() int { return p.pid }

func (p *Process) Query(addr uintptr) (BasicInfo, error) {
	var mbi windows.MemoryBasicInformation
	if err := windows.VirtualQueryEx(p.handle, addr, &mbi, unsafe.Sizeof(mbi)); err != nil {
		return BasicInfo{}, fmt.Errorf("VirtualQueryEx %#x: %w", addr, err)
	}
	return BasicInfo{
		BaseAddress:       mbi.BaseAddress,
		AllocationBase:    mbi.AllocationBase,
		AllocationProtect: Protection(mbi.AllocationProtect),
		RegionSize:        mbi.RegionSize,
		State:             State(mbi.State),
		Protect:           Protection(mbi.Protect),
		Type:              Type(mbi.Type),
	}, nil
}

// QueryRegion asks for the extended region class first and falls back
// to the original class on systems that predate it.
func (p *Process) QueryRegion(addr uintptr) (RegionInfo, error) {
	info, err := p.queryRegion(addr, memoryRegionInformationEx)
	if err != nil {
		var st windows.NTStatus
		if !errors.As(err, &st) || st != windows.STATUS_INVALID_INFO_CLASS {
			return RegionInfo{}, err
		}
		info, err = p.queryRegion(addr, memoryRegionInformation)
		if err != nil {
			return RegionInfo{}, err
		}
	}
	return RegionInfo{
		AllocationBase:    info.AllocationBase,
		AllocationProtect: Protection(info.AllocationProtect),
		Type:              RegionType(info.RegionType),
		RegionSize:        info.RegionSize,
		CommitSize:        info.CommitSize,
	}, nil
}

func (p *Process) queryRegion(addr uintptr, class uintptr) (memoryRegionInfo, error) {
	var info memoryRegionInfo
	var returned uintptr
	r, _, _ := procNtQueryVirtualMemory.Call(
		uintptr(p.handle),
		addr,
		class,
		uintptr(unsafe.Pointer(&info)),
		unsafe.Sizeof(info),
		uintptr(unsafe.Pointer(&returned)),
	)
	if r != 0 {
		return info, fmt.Errorf("NtQueryVirtualMemory %#x class %d: %w", addr, class, windows.NTStatus(r))
	}
	return info, nil
}

func (p *Process) ReadMemory(addr uintptr, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	var n uintptr
	if err := windows.ReadProcessMemory(p.handle, addr, &b[0], uintptr(len(b)), &n); err != nil {
		return fmt.Errorf("ReadProcessMemory %#x: %w", addr, err)
	}
	if n != uintptr(len(b)) {
		return fmt.Errorf("read %#x: %d of %d bytes: %w", addr, n, len(b), ErrShortCopy)
	}
	return nil
}

func (p *Process) WriteMemory(addr uintptr, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	var n uintptr
	if err := windows.WriteProcessMemory(p.handle, addr, &b[0], uintptr(len(b)), &n); err != nil {
		return fmt.Errorf("WriteProcessMemory %#x: %w", addr, err)
	}
	if n != uintptr(len(b)) {
		return fmt.Errorf("write %#x: %d of %d bytes: %w", addr, n, len(b), ErrShortCopy)
	}
	return nil
}

func (p *Process) Close() error {
	if !p.owned || p.handle == 0 {
		return nil
	}
	err := windows.CloseHandle(p.handle)
	p.handle = 0
	return err
}
