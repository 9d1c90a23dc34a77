package server_test

import (
	"context"
	"path/filepath"
	"reflect"
	"runtime"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-eatguard"
	"github.com/frobware/go-eatguard/client"
	"github.com/frobware/go-eatguard/config"
	"github.com/frobware/go-eatguard/lock"
	"github.com/frobware/go-eatguard/server"
	"github.com/frobware/go-eatguard/store"
	"github.com/frobware/go-eatguard/store/sqlite"
	"github.com/frobware/go-eatguard/wire"
)

func startDaemon(t *testing.T) (config.RuntimeDirs, config.Config) {
	t.Helper()
	dirs, err := config.NewRuntimeDirs(t.TempDir())
	require.NoError(t, err)
	cfg := config.DefaultConfig()

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- server.Run(ctx, server.RunConfig{
			Dirs:   dirs,
			Config: cfg,
			Logger: testLogger(),
			Ready:  func(path string) { ready <- path },
		})
	}()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("daemon exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not start")
	}
	return dirs, cfg
}

func fault(rip uintptr) *eatguard.CapturedFault {
	f := &eatguard.CapturedFault{
		Record: wire.ExceptionRecord{
			ExceptionCode:    wire.StatusGuardPageViolation,
			ExceptionAddress: uint64(rip),
			NumberParameters: 2,
		},
		Context: wire.Context{Rip: uint64(rip)},
	}
	f.Record.ExceptionInformation[1] = tableAddr
	return f
}

// The daemon identifies this process from the socket, reads the fault
// out of its memory and writes the verdict back.
func TestDaemonClassifiesCallerMemory(t *testing.T) {
	dirs, cfg := startDaemon(t)

	c, err := client.Dial(dirs.SocketPath(), client.WithTimeout(5*time.Second))
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	code := reflect.ValueOf(TestDaemonClassifiesCallerMemory).Pointer()
	v, err := c.ClassifyFault(ctx, fault(code))
	require.NoError(t, err)
	assert.Equal(t, eatguard.Succeeded, v.Outcome)
	assert.True(t, v.IsImageOrFileBacked, "test binary text is image backed")
	assert.False(t, v.Suspicious())

	heap := make([]byte, 4096)
	v, err = c.ClassifyFault(ctx, fault(uintptr(unsafe.Pointer(&heap[0]))))
	runtime.KeepAlive(heap)
	require.NoError(t, err)
	assert.False(t, v.IsImageOrFileBacked)
	assert.True(t, v.Suspicious())

	st, err := sqlite.New(ctx, cfg.StorePath(dirs), testLogger())
	require.NoError(t, err)
	defer st.Close()
	events, err := st.List(ctx, store.Filter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].Suspicious())
	assert.Equal(t, code, events[1].InstructionPointer)
}

func TestDaemonRejectsSecondInstance(t *testing.T) {
	dirs, cfg := startDaemon(t)

	err := server.Run(context.Background(), server.RunConfig{Dirs: dirs, Config: cfg, Logger: testLogger()})
	assert.True(t, lock.IsHeld(err), "got %v", err)
	assert.FileExists(t, filepath.Join(dirs.Sock(), "eatguard.sock"))
}

func TestDaemonRemovesSocketOnShutdown(t *testing.T) {
	dirs, err := config.NewRuntimeDirs(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- server.Run(ctx, server.RunConfig{
			Dirs:   dirs,
			Config: config.DefaultConfig(),
			Logger: testLogger(),
			Ready:  func(path string) { ready <- path },
		})
	}()
	path := <-ready
	assert.FileExists(t, path)
	cancel()
	require.NoError(t, <-done)
	assert.NoFileExists(t, path)
}
