package locator

import (
	"golang.org/x/sys/windows"

	"github.com/frobware/go-eatguard"
)

// headerPage is the mapped size guaranteed to cover the headers.
const headerPage = 0x1000

// Module returns the Image of an already-loaded module without taking a
// reference on it. An empty name means the process executable.
func Module(name string) (Image, error) {
	var namePtr *uint16
	if name != "" {
		p, err := windows.UTF16PtrFromString(name)
		if err != nil {
			return Image{}, err
		}
		namePtr = p
	}
	var h windows.Handle
	if err := windows.GetModuleHandleEx(windows.GET_MODULE_HANDLE_EX_FLAG_UNCHANGED_REFCOUNT, namePtr, &h); err != nil {
		return Image{}, eatguard.ModuleNotFoundError{Name: name}
	}
	base := uintptr(h)
	hdr, err := ParseHeaders(FromMemory(base, headerPage))
	if err != nil {
		return Image{}, err
	}
	return FromMemory(base, uintptr(hdr.SizeOfImage)), nil
}
