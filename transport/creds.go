package transport

import (
	"context"
	"errors"
	"net"

	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
)

// ErrNoPeer is returned when a call carries no peer identity.
var ErrNoPeer = errors.New("call has no peer process identity")

// PeerInfo is the AuthInfo attached to server-side calls: the process ID
// of the client on the other end of the socket.
type PeerInfo struct {
	credentials.CommonAuthInfo
	PID int
}

func (PeerInfo) AuthType() string { return "peercred" }

// PeerResolver returns the process ID behind a server-side connection.
type PeerResolver func(net.Conn) (int, error)

type peerCredentials struct {
	resolve PeerResolver
}

// PeerCredentials identifies the calling process from the local socket
// it connected on. Connections whose peer cannot be identified fail the
// handshake. A nil resolve uses SocketPeerPID.
func PeerCredentials(resolve PeerResolver) credentials.TransportCredentials {
	if resolve == nil {
		resolve = SocketPeerPID
	}
	return &peerCredentials{resolve: resolve}
}

func (c *peerCredentials) ClientHandshake(_ context.Context, _ string, conn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	return conn, PeerInfo{CommonAuthInfo: credentials.CommonAuthInfo{SecurityLevel: credentials.NoSecurity}}, nil
}

func (c *peerCredentials) ServerHandshake(conn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	pid, err := c.resolve(conn)
	if err != nil {
		return nil, nil, err
	}
	return conn, PeerInfo{
		CommonAuthInfo: credentials.CommonAuthInfo{SecurityLevel: credentials.NoSecurity},
		PID:            pid,
	}, nil
}

func (c *peerCredentials) Info() credentials.ProtocolInfo {
	return credentials.ProtocolInfo{SecurityProtocol: "peercred"}
}

func (c *peerCredentials) Clone() credentials.TransportCredentials {
	return &peerCredentials{resolve: c.resolve}
}

func (c *peerCredentials) OverrideServerName(string) error { return nil }

// PeerPID returns the calling process ID recorded by PeerCredentials.
func PeerPID(ctx context.Context) (int, error) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return 0, ErrNoPeer
	}
	info, ok := p.AuthInfo.(PeerInfo)
	if !ok || info.PID <= 0 {
		return 0, ErrNoPeer
	}
	return info.PID, nil
}
