package logging

import (
	"fmt"
	"log/slog"
	"strings"
)

// Level orders log records. Values match slog so a Level converts
// without a lookup.
type Level int

const (
	// LevelTrace logs every fault the dispatcher sees, including
	// collateral hits and single-steps.
	LevelTrace Level = -8
	LevelDebug Level = -4
	LevelInfo  Level = 0
	LevelWarn  Level = 4
	LevelError Level = 8
)

// levelNames lists canonical names first.
var levelNames = []struct {
	name  string
	level Level
}{
	{"trace", LevelTrace},
	{"debug", LevelDebug},
	{"info", LevelInfo},
	{"warn", LevelWarn},
	{"error", LevelError},
	{"warning", LevelWarn},
	{"err", LevelError},
}

// ParseLevel accepts any name in levelNames, ignoring case and
// surrounding space.
func ParseLevel(s string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, n := range levelNames {
		if n.name == name {
			return n.level, nil
		}
	}
	return LevelInfo, fmt.Errorf("unknown log level: %q", s)
}

// ToSlog converts Level to slog.Level.
func (l Level) ToSlog() slog.Level {
	return slog.Level(l)
}

func (l Level) String() string {
	for _, n := range levelNames {
		if n.level == l {
			return n.name
		}
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// replaceLevel renders trace records as TRACE rather than slog's
// DEBUG-4.
func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey || len(groups) != 0 {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && Level(lvl) == LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}
