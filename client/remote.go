package client

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/frobware/go-eatguard"
)

func newRemote(address string, o *dialOptions) (*Client, error) {
	target := parseAddress(address)

	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", target, err)
	}

	return &Client{
		cc:      conn,
		close:   conn.Close,
		timeout: o.timeout,
		logger:  o.logger,
	}, nil
}

// parseAddress normalises an address for gRPC. Socket paths become unix
// targets; anything else is passed through.
func parseAddress(address string) string {
	if strings.HasPrefix(address, "unix:") {
		return address
	}
	if strings.HasPrefix(address, "/") {
		return "unix://" + address
	}
	if filepath.IsAbs(address) {
		// A Windows path such as C:\ProgramData\eatguard\sock\eatguard.sock.
		return "unix:" + address
	}
	return address
}

// translateGRPCError converts gRPC status errors to domain errors.
func translateGRPCError(err error) error {
	if err == nil {
		return nil
	}

	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.Unavailable:
		return fmt.Errorf("%s: %w", st.Message(), eatguard.ErrUnavailable)
	case codes.Unimplemented:
		return fmt.Errorf("%s: %w", st.Message(), eatguard.ErrUnsupported)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w", st.Message(), context.DeadlineExceeded)
	case codes.Canceled:
		return fmt.Errorf("%s: %w", st.Message(), context.Canceled)
	case codes.Unauthenticated, codes.PermissionDenied:
		return fmt.Errorf("classifier refused connection: %s: %w", st.Message(), eatguard.ErrUnavailable)
	default:
		return err
	}
}
