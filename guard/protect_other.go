//go:build !windows

package guard

import (
	"fmt"

	"github.com/frobware/go-eatguard"
	"github.com/frobware/go-eatguard/procmem"
)

type unsupported struct{}

func (unsupported) Protect(uintptr, uintptr, procmem.Protection) (procmem.Protection, error) {
	return 0, fmt.Errorf("guard pages: %w", eatguard.ErrUnsupported)
}

// SystemProtector returns the protector for the running platform. Guard
// pages exist only on Windows.
func SystemProtector() Protector { return unsupported{} }
