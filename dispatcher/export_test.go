package dispatcher

import "github.com/frobware/go-eatguard"

// SetAllocFault replaces the snapshot allocator for the duration of a
// test.
func SetAllocFault(f func() *eatguard.CapturedFault) (restore func()) {
	old := allocFault
	allocFault = f
	return func() { allocFault = old }
}
