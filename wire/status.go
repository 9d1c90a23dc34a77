package wire

import "fmt"

// Status is an NTSTATUS-style completion code.
type Status uint32

const (
	StatusSuccess              Status = 0x00000000
	StatusDatatypeMisalignment Status = 0x80000002
	StatusUnsuccessful         Status = 0xC0000001
	StatusAccessViolation      Status = 0xC0000005
	StatusInvalidParameter     Status = 0xC000000D
	StatusAccessDenied         Status = 0xC0000022
	StatusNotSupported         Status = 0xC00000BB
	StatusInvalidBufferSize    Status = 0xC0000206
)

var statusNames = map[Status]string{
	StatusSuccess:              "STATUS_SUCCESS",
	StatusDatatypeMisalignment: "STATUS_DATATYPE_MISALIGNMENT",
	StatusUnsuccessful:         "STATUS_UNSUCCESSFUL",
	StatusAccessViolation:      "STATUS_ACCESS_VIOLATION",
	StatusInvalidParameter:     "STATUS_INVALID_PARAMETER",
	StatusAccessDenied:         "STATUS_ACCESS_DENIED",
	StatusNotSupported:         "STATUS_NOT_SUPPORTED",
	StatusInvalidBufferSize:    "STATUS_INVALID_BUFFER_SIZE",
}

// Success reports whether the status is a success code.
func (s Status) Success() bool { return int32(s) >= 0 }

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("0x%08X", uint32(s))
}
