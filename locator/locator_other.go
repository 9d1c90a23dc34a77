//go:build !windows

package locator

import (
	"fmt"

	"github.com/frobware/go-eatguard"
)

// Module is only available on Windows.
func Module(name string) (Image, error) {
	return Image{}, fmt.Errorf("locate module %q: %w", name, eatguard.ErrUnsupported)
}
