package sqlite

import (
	"strings"

	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

// pragma is one PRAGMA applied by the driver to every new connection.
type pragma struct {
	name, value string
}

var (
	pragmaWAL         = pragma{"journal_mode", "WAL"}
	pragmaBusyTimeout = pragma{"busy_timeout", "5000"}
)

// dsn appends pragmas to path as modernc.org/sqlite _pragma=name(value)
// query parameters.
func dsn(path string, pragmas ...pragma) string {
	var b strings.Builder
	b.WriteString(path)
	for i, p := range pragmas {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString("_pragma=" + p.name + "(" + p.value + ")")
	}
	return b.String()
}
