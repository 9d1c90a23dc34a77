package guard

import (
	"golang.org/x/sys/windows"

	"github.com/frobware/go-eatguard/procmem"
)

// VirtualProtect changes protections with VirtualProtect.
type VirtualProtect struct{}

func (VirtualProtect) Protect(addr, size uintptr, prot procmem.Protection) (procmem.Protection, error) {
	var old uint32
	if err := windows.VirtualProtect(addr, size, uint32(prot), &old); err != nil {
		return 0, err
	}
	return procmem.Protection(old), nil
}

// SystemProtector returns the protector for the running platform.
func SystemProtector() Protector { return VirtualProtect{} }
