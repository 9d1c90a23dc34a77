//go:build !(windows && amd64)

package dispatcher

import (
	"fmt"

	"github.com/frobware/go-eatguard"
)

// Register needs vectored exception handling on windows/amd64.
func Register(d *Dispatcher) (unregister func() error, err error) {
	return nil, fmt.Errorf("vectored exception handler: %w", eatguard.ErrUnsupported)
}
