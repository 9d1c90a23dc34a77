package eatguard

import (
	"errors"
	"fmt"

	"github.com/frobware/go-eatguard/wire"
)

// ErrTableNotFound is returned when a module, its headers or its export
// directory cannot be located.
var ErrTableNotFound = errors.New("export address table not found")

// ErrProtect is returned when the table's protection cannot be changed.
var ErrProtect = errors.New("cannot change table protection")

// ErrUnsupported is returned by operations that need a platform this
// build does not run on.
var ErrUnsupported = errors.New("not supported on this platform")

// ErrUnavailable is returned when the privileged classifier cannot be
// reached.
var ErrUnavailable = errors.New("classifier unavailable")

// RequestError is returned when the privileged side completed a request
// with a failure status.
type RequestError struct {
	Code   uint32
	Status wire.Status
}

func (e RequestError) Error() string {
	return fmt.Sprintf("request %#x completed with %s", e.Code, e.Status)
}

// ModuleNotFoundError is returned when a named module is not loaded.
type ModuleNotFoundError struct {
	Name string
}

func (e ModuleNotFoundError) Error() string {
	return fmt.Sprintf("module %q is not loaded", e.Name)
}

// Unwrap lets errors.Is match ErrTableNotFound.
func (e ModuleNotFoundError) Unwrap() error { return ErrTableNotFound }
