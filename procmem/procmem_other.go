//go:build !linux && !windows

package procmem

import (
	"errors"
	"os"
)

var errUnsupported = errors.New("process memory access not supported on this platform")

// Process is unavailable on this platform; every operation fails.
type Process struct {
	pid int
}

func Open(pid int) (*Process, error) { return nil, errUnsupported }

func Self() *Process { return &Process{pid: os.Getpid()} }

func (p *Process) PID() int { return p.pid }

func (p *Process) Query(uintptr) (BasicInfo, error) { return BasicInfo{}, errUnsupported }

func (p *Process) QueryRegion(uintptr) (RegionInfo, error) { return RegionInfo{}, errUnsupported }

func (p *Process) ReadMemory(uintptr, []byte) error { return errUnsupported }

func (p *Process) WriteMemory(uintptr, []byte) error { return errUnsupported }

func (p *Process) Close() error { return nil }
