//go:build windows && amd64

package dispatcher

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/windows"

	"github.com/frobware/go-eatguard/wire"
)

var (
	modkernel32                        = windows.NewLazySystemDLL("kernel32.dll")
	procAddVectoredExceptionHandler    = modkernel32.NewProc("AddVectoredExceptionHandler")
	procRemoveVectoredExceptionHandler = modkernel32.NewProc("RemoveVectoredExceptionHandler")
)

// exceptionPointers is EXCEPTION_POINTERS.
type exceptionPointers struct {
	Record  *wire.ExceptionRecord
	Context *wire.Context
}

var (
	active atomic.Pointer[Dispatcher]

	// Callbacks are a finite resource; make exactly one.
	vectoredCallback = sync.OnceValue(func() uintptr {
		return windows.NewCallback(vectoredHandler)
	})
)

func vectoredHandler(info *exceptionPointers) uintptr {
	d := active.Load()
	if d == nil || info == nil {
		return uintptr(ContinueSearch)
	}
	disp := d.Handle(Exception{
		Record:   info.Record,
		Context:  info.Context,
		ThreadID: windows.GetCurrentThreadId(),
	})
	return uintptr(disp)
}

// Register installs d as the first vectored exception handler of the
// process. Only one dispatcher can be registered at a time.
func Register(d *Dispatcher) (unregister func() error, err error) {
	if !active.CompareAndSwap(nil, d) {
		return nil, errors.New("a dispatcher is already registered")
	}
	h, _, callErr := procAddVectoredExceptionHandler.Call(1, vectoredCallback())
	if h == 0 {
		active.Store(nil)
		return nil, fmt.Errorf("AddVectoredExceptionHandler: %w", callErr)
	}
	d.logger.Debug("vectored exception handler registered")

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			if r, _, callErr := procRemoveVectoredExceptionHandler.Call(h); r == 0 {
				err = fmt.Errorf("RemoveVectoredExceptionHandler: %w", callErr)
			}
			active.CompareAndSwap(d, nil)
		})
		return err
	}, nil
}
