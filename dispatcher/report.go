package dispatcher

import (
	"context"
	"log/slog"

	"github.com/frobware/go-eatguard"
)

// LogReporter writes verdicts to a logger. Suspicious verdicts are
// logged at warn.
type LogReporter struct {
	Logger *slog.Logger
}

func (r LogReporter) Report(ip uintptr, v eatguard.Verdict) {
	level := slog.LevelInfo
	msg := "table read classified"
	switch {
	case v.Outcome == eatguard.Failed:
		level, msg = slog.LevelWarn, "table read classification failed"
	case v.Suspicious():
		level, msg = slog.LevelWarn, "suspicious table read"
	}
	r.Logger.Log(context.Background(), level, msg,
		"rip", hex(ip),
		"outcome", v.Outcome.String(),
		"rwx", v.IsExecutableAndWritable,
		"image_or_file", v.IsImageOrFileBacked,
		"direct_mapped", v.IsDirectlyMappedSection,
		"protection_changed", v.ProtectionChangedSinceAllocation,
		"allocation_base", hex(v.AllocationBase),
		"region_size", hex(v.RegionSize),
		"commit_size", hex(v.CommitSize),
	)
}

func (r LogReporter) Unclassified(ip uintptr, err error) {
	r.Logger.Warn("table read not classified", "rip", hex(ip), "error", err)
}

// Reporters fans out to several reporters in order.
type Reporters []Reporter

func (rs Reporters) Report(ip uintptr, v eatguard.Verdict) {
	for _, r := range rs {
		r.Report(ip, v)
	}
}

func (rs Reporters) Unclassified(ip uintptr, err error) {
	for _, r := range rs {
		r.Unclassified(ip, err)
	}
}
