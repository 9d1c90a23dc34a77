package cli

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
)

// Address is a virtual address given on the command line. Hex needs a
// 0x prefix; anything else is decimal.
type Address struct {
	Value uintptr
}

func (a Address) String() string { return fmt.Sprintf("%#x", a.Value) }

// ParseAddress parses a command-line address.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, fmt.Errorf("address cannot be empty")
	}

	var val uint64
	var err error
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		val, err = strconv.ParseUint(strings.ReplaceAll(s[2:], "_", ""), 16, 64)
	} else {
		val, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if val == 0 {
		return Address{}, fmt.Errorf("invalid address %q: null", s)
	}
	return Address{Value: uintptr(val)}, nil
}

func addressMapper() kong.MapperFunc {
	return func(ctx *kong.DecodeContext, target reflect.Value) error {
		var s string
		if err := ctx.Scan.PopValueInto("address", &s); err != nil {
			return err
		}
		a, err := ParseAddress(s)
		if err != nil {
			return err
		}
		target.Set(reflect.ValueOf(a))
		return nil
	}
}
