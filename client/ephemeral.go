package client

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/frobware/go-eatguard/procmem"
	"github.com/frobware/go-eatguard/server"
	"github.com/frobware/go-eatguard/transport"
)

// newEphemeral starts an in-process gRPC server over an in-memory
// listener and connects to it, so in-process classification takes the
// same request path as the daemon. Every caller is this process.
func newEphemeral(o *openOptions) (*Client, error) {
	self := os.Getpid()
	opener := server.OpenerFunc(func(pid int) (procmem.AddressSpace, error) {
		if pid != self {
			return nil, fmt.Errorf("in-process classifier serves pid %d only, got %d", self, pid)
		}
		return procmem.Self(), nil
	})

	srvOpts := []server.Option{server.WithLogger(o.logger)}
	if o.store != nil {
		srvOpts = append(srvOpts, server.WithStore(o.store, o.retain))
	}
	srv := server.New(opener, srvOpts...)

	lis := bufconn.Listen(1 << 16)
	creds := transport.PeerCredentials(func(net.Conn) (int, error) { return self, nil })
	grpcServer := server.NewGRPCServer(srv, creds)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := grpcServer.Serve(lis); err != nil {
			o.logger.Error("in-process classifier stopped", "error", err)
		}
	}()

	conn, err := grpc.NewClient("passthrough:///eatguard-inprocess",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		grpcServer.Stop()
		wg.Wait()
		return nil, fmt.Errorf("connect to in-process classifier: %w", err)
	}

	return &Client{
		cc: conn,
		close: func() error {
			err := conn.Close()
			grpcServer.GracefulStop()
			wg.Wait()
			return err
		},
		timeout: o.timeout,
		logger:  o.logger,
	}, nil
}
