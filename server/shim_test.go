package server_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/test/bufconn"

	"github.com/frobware/go-eatguard"
	"github.com/frobware/go-eatguard/procmem"
	"github.com/frobware/go-eatguard/procmem/procmemtest"
	"github.com/frobware/go-eatguard/server"
	"github.com/frobware/go-eatguard/store"
	"github.com/frobware/go-eatguard/store/sqlite"
	"github.com/frobware/go-eatguard/transport"
	"github.com/frobware/go-eatguard/wire"
)

const (
	callerPID  = 4242
	inputAddr  = 0x10000
	faultAddr  = 0x20000
	outputAddr = 0x30000

	imageBase     = 0x7ff6_1000_0000
	shellcodeBase = 0x01f0_0000
	tableAddr     = 0x7ffa_2000_0040
)

func testLogger() *slog.Logger {
	if os.Getenv("EATGUARD_TEST_LOG") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newCaller simulates a monitored process with a trapped read from rip.
func newCaller(t *testing.T, rip uintptr) *procmemtest.Space {
	t.Helper()
	mem := procmemtest.New(callerPID)
	mem.Map(inputAddr, procmem.PageSize, procmem.ReadWrite, procmem.RegionPrivate)
	mem.Map(faultAddr, 2*procmem.PageSize, procmem.ReadWrite, procmem.RegionPrivate)
	mem.Map(outputAddr, procmem.PageSize, procmem.ReadWrite, procmem.RegionPrivate)
	mem.Map(imageBase, 4*procmem.PageSize, procmem.ExecuteRead, procmem.RegionMappedImage)
	mem.Map(shellcodeBase, procmem.PageSize, procmem.ExecuteReadWrite, procmem.RegionPrivate)

	rec := wire.ExceptionRecord{
		ExceptionCode:    wire.StatusGuardPageViolation,
		ExceptionAddress: uint64(rip),
		NumberParameters: 2,
	}
	rec.ExceptionInformation[1] = tableAddr
	b, err := rec.MarshalBinary()
	require.NoError(t, err)
	mem.Poke(faultAddr, b)

	ctx := wire.Context{Rip: uint64(rip), EFlags: 0x246}
	b, err = ctx.MarshalBinary()
	require.NoError(t, err)
	mem.Poke(faultAddr+wire.ExceptionRecordSize, b)

	in := wire.InputRecord{ExceptionRecord: faultAddr, ContextRecord: faultAddr + wire.ExceptionRecordSize}
	b, err = in.MarshalBinary()
	require.NoError(t, err)
	mem.Poke(inputAddr, b)
	return mem
}

func verifyRequest() *wire.Request {
	return &wire.Request{
		IoControlCode: wire.IoctlVerifyEATAccess,
		InputLength:   wire.InputRecordSize,
		OutputLength:  wire.OutputRecordSize,
		InputBuffer:   inputAddr,
		UserBuffer:    outputAddr,
	}
}

func callerContext(pid int) context.Context {
	return peer.NewContext(context.Background(), &peer.Peer{AuthInfo: transport.PeerInfo{PID: pid}})
}

func spaceOpener(mem *procmemtest.Space) server.Opener {
	return server.OpenerFunc(func(pid int) (procmem.AddressSpace, error) {
		if pid != mem.PID() {
			return nil, assert.AnError
		}
		return mem, nil
	})
}

func output(t *testing.T, mem *procmemtest.Space) wire.OutputRecord {
	t.Helper()
	var out wire.OutputRecord
	require.NoError(t, out.UnmarshalBinary(mem.Peek(outputAddr, wire.OutputRecordSize)))
	return out
}

func TestVerifyImageBackedRead(t *testing.T) {
	mem := newCaller(t, imageBase+0x1234)
	srv := server.New(spaceOpener(mem), server.WithLogger(testLogger()))

	reply, err := srv.DeviceControl(callerContext(callerPID), verifyRequest())
	require.NoError(t, err)
	assert.Equal(t, wire.StatusSuccess, reply.Status)
	assert.Equal(t, uint64(wire.OutputRecordSize), reply.Information)

	v := eatguard.VerdictFromOutput(output(t, mem))
	assert.Equal(t, eatguard.Succeeded, v.Outcome)
	assert.True(t, v.IsImageOrFileBacked)
	assert.False(t, v.IsExecutableAndWritable)
	assert.Equal(t, uintptr(imageBase), v.AllocationBase)
	assert.False(t, v.Suspicious())
}

func TestVerifyShellcodeRead(t *testing.T) {
	mem := newCaller(t, shellcodeBase+0x10)
	srv := server.New(spaceOpener(mem))

	reply, err := srv.DeviceControl(callerContext(callerPID), verifyRequest())
	require.NoError(t, err)
	require.Equal(t, wire.StatusSuccess, reply.Status)

	v := eatguard.VerdictFromOutput(output(t, mem))
	assert.Equal(t, eatguard.Succeeded, v.Outcome)
	assert.True(t, v.IsExecutableAndWritable)
	assert.False(t, v.IsImageOrFileBacked)
	assert.True(t, v.Suspicious())
}

// A partial verdict still reaches the caller with a success status.
func TestVerifyDeliversPartialVerdict(t *testing.T) {
	mem := newCaller(t, imageBase+0x10)
	mem.RegionErr = assert.AnError
	srv := server.New(spaceOpener(mem))

	reply, err := srv.DeviceControl(callerContext(callerPID), verifyRequest())
	require.NoError(t, err)
	assert.Equal(t, wire.StatusSuccess, reply.Status)
	assert.Equal(t, wire.OutcomePartiallySucceeded, output(t, mem).Outcome)
}

func TestUnsupportedControlCode(t *testing.T) {
	mem := newCaller(t, imageBase)
	srv := server.New(spaceOpener(mem))
	req := verifyRequest()
	req.IoControlCode = 0x222007

	before := mem.Peek(outputAddr, wire.OutputRecordSize)
	reply, err := srv.DeviceControl(callerContext(callerPID), req)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusNotSupported, reply.Status)
	assert.Zero(t, reply.Information)
	assert.Zero(t, mem.Reads)
	assert.Equal(t, before, mem.Peek(outputAddr, wire.OutputRecordSize))
}

func TestRejectsUnidentifiedCaller(t *testing.T) {
	mem := newCaller(t, imageBase)
	srv := server.New(spaceOpener(mem))

	reply, err := srv.DeviceControl(context.Background(), verifyRequest())
	require.NoError(t, err)
	assert.Equal(t, wire.StatusAccessDenied, reply.Status)

	reply, err = srv.DeviceControl(callerContext(9999), verifyRequest())
	require.NoError(t, err)
	assert.Equal(t, wire.StatusAccessDenied, reply.Status)
	assert.Zero(t, mem.Reads)
}

func TestBoundaryViolationsMapToStatus(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*wire.Request)
		want   wire.Status
	}{
		{"input too short", func(r *wire.Request) { r.InputLength = 8 }, wire.StatusInvalidBufferSize},
		{"input too long", func(r *wire.Request) { r.InputLength = 24 }, wire.StatusInvalidBufferSize},
		{"output too short", func(r *wire.Request) { r.OutputLength = 16 }, wire.StatusInvalidBufferSize},
		{"input unmapped", func(r *wire.Request) { r.InputBuffer = 0x90000 }, wire.StatusAccessViolation},
		{"input misaligned", func(r *wire.Request) { r.InputBuffer = inputAddr + 1 }, wire.StatusDatatypeMisalignment},
		{"output unmapped", func(r *wire.Request) { r.UserBuffer = 0x90000 }, wire.StatusAccessViolation},
		{"output kernel", func(r *wire.Request) { r.UserBuffer = 0xFFFF_F800_0000_0000 }, wire.StatusAccessViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := newCaller(t, imageBase)
			srv := server.New(spaceOpener(mem))
			req := verifyRequest()
			tt.mutate(req)

			reply, err := srv.DeviceControl(callerContext(callerPID), req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, reply.Status)
			assert.Zero(t, reply.Information)
			assert.Equal(t, make([]byte, wire.OutputRecordSize), mem.Peek(outputAddr, wire.OutputRecordSize))
		})
	}
}

func TestRecordsEvents(t *testing.T) {
	ctx := context.Background()
	st, err := sqlite.NewInMemory(ctx, testLogger())
	require.NoError(t, err)
	defer st.Close()

	good := newCaller(t, shellcodeBase+0x10)
	srv := server.New(spaceOpener(good), server.WithStore(st, 2), server.WithLogger(testLogger()))
	for i := 0; i < 3; i++ {
		_, err := srv.DeviceControl(callerContext(callerPID), verifyRequest())
		require.NoError(t, err)
	}
	bad := verifyRequest()
	bad.InputLength = 4
	_, err = srv.DeviceControl(callerContext(callerPID), bad)
	require.NoError(t, err)

	events, err := st.List(ctx, store.Filter{})
	require.NoError(t, err)
	require.Len(t, events, 2, "retention keeps the two most recent")

	assert.Equal(t, wire.StatusInvalidBufferSize, events[0].Status)
	assert.False(t, events[0].Suspicious())

	assert.Equal(t, wire.StatusSuccess, events[1].Status)
	assert.Equal(t, callerPID, events[1].PID)
	assert.Equal(t, uintptr(shellcodeBase+0x10), events[1].InstructionPointer)
	assert.Equal(t, uintptr(tableAddr), events[1].AccessAddress)
	assert.Equal(t, wire.StatusGuardPageViolation, events[1].ExceptionCode)
	assert.True(t, events[1].Suspicious())
}

func TestGRPCServerTagsOpIDs(t *testing.T) {
	mem := newCaller(t, imageBase+0x10)
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	srv := server.New(spaceOpener(mem), server.WithLogger(logger))
	lis := bufconn.Listen(1 << 16)
	g := server.NewGRPCServer(srv, transport.PeerCredentials(func(net.Conn) (int, error) { return callerPID, nil }))
	go func() { _ = g.Serve(lis) }()
	defer g.Stop()

	conn, err := grpc.NewClient("passthrough:///bufconn",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	reply, err := transport.Invoke(context.Background(), conn, verifyRequest())
	require.NoError(t, err)
	assert.Equal(t, wire.StatusSuccess, reply.Status)
	assert.Contains(t, buf.String(), `"op_id"`)
	assert.Contains(t, buf.String(), `"request completed"`)
}
