// Package client submits captured faults to the privileged classifier.
//
// Use Dial to connect to a running classifier daemon:
//
//	c, err := client.Dial(client.DefaultSocketPath())
//
// Use Open to classify in-process, without a daemon:
//
//	c, err := client.Open()
//
// Both return a Client that can be used identically.
package client

import (
	"context"
	"log/slog"
	"runtime"
	"time"
	"unsafe"

	"google.golang.org/grpc"

	"github.com/frobware/go-eatguard"
	"github.com/frobware/go-eatguard/transport"
	"github.com/frobware/go-eatguard/wire"
)

// Client sends verification requests over a device-service connection.
// It is safe for concurrent use.
type Client struct {
	cc      grpc.ClientConnInterface
	close   func() error
	timeout time.Duration
	logger  *slog.Logger
}

// ClassifyFault asks the classifier about the memory f's instruction
// executed from.
//
// The request carries addresses, not copies: the classifier reads f and
// writes the verdict straight into this process's memory. f and the
// request records are pinned until the round trip completes, on every
// path.
func (c *Client) ClassifyFault(ctx context.Context, f *eatguard.CapturedFault) (eatguard.Verdict, error) {
	in := new(wire.InputRecord)
	out := new(wire.OutputRecord)

	var pinner runtime.Pinner
	pinner.Pin(f)
	pinner.Pin(in)
	pinner.Pin(out)
	defer pinner.Unpin()

	in.ExceptionRecord = uint64(uintptr(unsafe.Pointer(&f.Record)))
	in.ContextRecord = uint64(uintptr(unsafe.Pointer(&f.Context)))

	req := &wire.Request{
		IoControlCode: wire.IoctlVerifyEATAccess,
		InputLength:   wire.InputRecordSize,
		OutputLength:  wire.OutputRecordSize,
		InputBuffer:   uint64(uintptr(unsafe.Pointer(in))),
		UserBuffer:    uint64(uintptr(unsafe.Pointer(out))),
	}
	reply, err := c.DeviceControl(ctx, req)
	if err != nil {
		return eatguard.Verdict{Outcome: eatguard.Failed}, err
	}
	if !reply.Status.Success() {
		return eatguard.Verdict{Outcome: eatguard.Failed}, eatguard.RequestError{Code: req.IoControlCode, Status: reply.Status}
	}
	return eatguard.VerdictFromOutput(*out), nil
}

// DeviceControl sends one raw request.
func (c *Client) DeviceControl(ctx context.Context, req *wire.Request) (*wire.Reply, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	reply, err := transport.Invoke(ctx, c.cc, req)
	if err != nil {
		err = translateGRPCError(err)
		c.logger.Debug("device control failed", "code", req.IoControlCode, "error", err)
		return nil, err
	}
	return reply, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	if c.close == nil {
		return nil
	}
	return c.close()
}
