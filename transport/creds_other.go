//go:build !linux && !windows

package transport

import (
	"net"

	"github.com/frobware/go-eatguard"
)

// SocketPeerPID is not implemented on this platform.
func SocketPeerPID(net.Conn) (int, error) {
	return 0, eatguard.ErrUnsupported
}
