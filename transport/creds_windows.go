package transport

import (
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/windows"
)

// sioAFUnixGetPeerPID is SIO_AF_UNIX_GETPEERPID.
const sioAFUnixGetPeerPID = 0x58000100

// SocketPeerPID asks an AF_UNIX socket for the process ID of its peer.
func SocketPeerPID(conn net.Conn) (int, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, fmt.Errorf("peer credentials need a unix socket, got %T", conn)
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var (
		pid    uint32
		pidErr error
	)
	if err := raw.Control(func(fd uintptr) {
		var n uint32
		pidErr = windows.WSAIoctl(windows.Handle(fd), sioAFUnixGetPeerPID, nil, 0,
			(*byte)(unsafe.Pointer(&pid)), uint32(unsafe.Sizeof(pid)), &n, nil, 0)
	}); err != nil {
		return 0, err
	}
	if pidErr != nil {
		return 0, fmt.Errorf("SIO_AF_UNIX_GETPEERPID: %w", pidErr)
	}
	return int(pid), nil
}
