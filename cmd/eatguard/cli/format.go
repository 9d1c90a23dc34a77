package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/frobware/go-eatguard"
	"github.com/frobware/go-eatguard/locator"
	"github.com/frobware/go-eatguard/store"
)

func hexAddr(v uintptr) string { return fmt.Sprintf("%#x", v) }

func marshalJSON(v any) (string, error) {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(output) + "\n", nil
}

type descriptorView struct {
	Module      string `json:"module"`
	BaseAddress string `json:"base_address"`
	End         string `json:"end"`
	EntryCount  uint32 `json:"entry_count"`
}

// FormatDescriptor formats a located table.
func FormatDescriptor(module string, d eatguard.TableDescriptor, flags *OutputFlags) (string, error) {
	view := descriptorView{
		Module:      module,
		BaseAddress: hexAddr(d.BaseAddress),
		End:         hexAddr(d.End()),
		EntryCount:  d.EntryCount,
	}
	if flags.Format() == OutputFormatJSON {
		return marshalJSON(view)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-12s %s\n", "MODULE", view.Module)
	fmt.Fprintf(&b, "%-12s %s\n", "BASE", view.BaseAddress)
	fmt.Fprintf(&b, "%-12s %s\n", "END", view.End)
	fmt.Fprintf(&b, "%-12s %d\n", "ENTRIES", view.EntryCount)
	return b.String(), nil
}

type exportView struct {
	Ordinal uint32 `json:"ordinal"`
	Name    string `json:"name"`
	RVA     string `json:"rva"`
}

type fileReportView struct {
	Path               string       `json:"path"`
	Machine            string       `json:"machine"`
	ExportDirRVA       string       `json:"export_dir_rva"`
	AddressOfFunctions string       `json:"address_of_functions"`
	NumberOfFunctions  uint32       `json:"number_of_functions"`
	Exports            []exportView `json:"exports"`
}

// FormatFileReport formats the export directory of a module file.
func FormatFileReport(r locator.FileReport, flags *OutputFlags) (string, error) {
	view := fileReportView{
		Path:               r.Path,
		Machine:            fmt.Sprintf("%#04x", r.Machine),
		ExportDirRVA:       fmt.Sprintf("%#x", r.ExportDirRVA),
		AddressOfFunctions: fmt.Sprintf("%#x", r.AddressOfFunctions),
		NumberOfFunctions:  r.NumberOfFunctions,
	}
	for _, e := range r.Exports {
		view.Exports = append(view.Exports, exportView{Ordinal: e.Ordinal, Name: e.Name, RVA: fmt.Sprintf("%#x", e.VirtualAddress)})
	}
	if flags.Format() == OutputFormatJSON {
		return marshalJSON(view)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-22s %s\n", "PATH", view.Path)
	fmt.Fprintf(&b, "%-22s %s\n", "MACHINE", view.Machine)
	fmt.Fprintf(&b, "%-22s %s\n", "EXPORT DIRECTORY", view.ExportDirRVA)
	fmt.Fprintf(&b, "%-22s %s\n", "ADDRESS OF FUNCTIONS", view.AddressOfFunctions)
	fmt.Fprintf(&b, "%-22s %d\n", "FUNCTIONS", view.NumberOfFunctions)
	if len(view.Exports) > 0 {
		fmt.Fprintf(&b, "\n%-8s %-12s %s\n", "ORDINAL", "RVA", "NAME")
		for _, e := range view.Exports {
			fmt.Fprintf(&b, "%-8d %-12s %s\n", e.Ordinal, e.RVA, e.Name)
		}
	}
	return b.String(), nil
}

type verdictView struct {
	Outcome                          string `json:"outcome"`
	Suspicious                       bool   `json:"suspicious"`
	IsExecutableAndWritable          bool   `json:"is_executable_and_writable"`
	IsImageOrFileBacked              bool   `json:"is_image_or_file_backed"`
	IsDirectlyMappedSection          bool   `json:"is_directly_mapped_section"`
	ProtectionChangedSinceAllocation bool   `json:"protection_changed_since_allocation"`
	AllocationBase                   string `json:"allocation_base"`
	RegionSize                       uint64 `json:"region_size"`
	CommitSize                       uint64 `json:"commit_size"`
}

func newVerdictView(v eatguard.Verdict) verdictView {
	return verdictView{
		Outcome:                          v.Outcome.String(),
		Suspicious:                       v.Suspicious(),
		IsExecutableAndWritable:          v.IsExecutableAndWritable,
		IsImageOrFileBacked:              v.IsImageOrFileBacked,
		IsDirectlyMappedSection:          v.IsDirectlyMappedSection,
		ProtectionChangedSinceAllocation: v.ProtectionChangedSinceAllocation,
		AllocationBase:                   hexAddr(v.AllocationBase),
		RegionSize:                       uint64(v.RegionSize),
		CommitSize:                       uint64(v.CommitSize),
	}
}

// FormatVerdict formats the classification of addr.
func FormatVerdict(addr uintptr, v eatguard.Verdict, flags *OutputFlags) (string, error) {
	view := newVerdictView(v)
	if flags.Format() == OutputFormatJSON {
		return marshalJSON(struct {
			Address string `json:"address"`
			verdictView
		}{hexAddr(addr), view})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-24s %s\n", "ADDRESS", hexAddr(addr))
	fmt.Fprintf(&b, "%-24s %s\n", "OUTCOME", view.Outcome)
	fmt.Fprintf(&b, "%-24s %t\n", "SUSPICIOUS", view.Suspicious)
	fmt.Fprintf(&b, "%-24s %t\n", "EXECUTABLE+WRITABLE", view.IsExecutableAndWritable)
	fmt.Fprintf(&b, "%-24s %t\n", "IMAGE OR FILE BACKED", view.IsImageOrFileBacked)
	fmt.Fprintf(&b, "%-24s %t\n", "DIRECTLY MAPPED SECTION", view.IsDirectlyMappedSection)
	fmt.Fprintf(&b, "%-24s %t\n", "PROTECTION CHANGED", view.ProtectionChangedSinceAllocation)
	fmt.Fprintf(&b, "%-24s %s\n", "ALLOCATION BASE", view.AllocationBase)
	fmt.Fprintf(&b, "%-24s %d\n", "REGION SIZE", view.RegionSize)
	fmt.Fprintf(&b, "%-24s %d\n", "COMMIT SIZE", view.CommitSize)
	return b.String(), nil
}

type eventView struct {
	ID                 string      `json:"id"`
	RecordedAt         time.Time   `json:"recorded_at"`
	PID                int         `json:"pid"`
	ExceptionCode      string      `json:"exception_code"`
	InstructionPointer string      `json:"instruction_pointer"`
	AccessAddress      string      `json:"access_address"`
	Status             string      `json:"status"`
	Verdict            verdictView `json:"verdict"`
}

// FormatEvents formats recorded events.
func FormatEvents(events []store.Event, flags *OutputFlags) (string, error) {
	if flags.Format() == OutputFormatJSON {
		views := make([]eventView, 0, len(events))
		for _, e := range events {
			views = append(views, eventView{
				ID:                 e.ID,
				RecordedAt:         e.RecordedAt,
				PID:                e.PID,
				ExceptionCode:      fmt.Sprintf("%#08x", e.ExceptionCode),
				InstructionPointer: hexAddr(e.InstructionPointer),
				AccessAddress:      hexAddr(e.AccessAddress),
				Status:             e.Status.String(),
				Verdict:            newVerdictView(e.Verdict),
			})
		}
		return marshalJSON(views)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-8s %-18s %-18s %-20s %-10s %s\n", "RECORDED", "PID", "RIP", "ACCESS", "OUTCOME", "SUSPICIOUS", "STATUS")
	for _, e := range events {
		fmt.Fprintf(&b, "%-20s %-8d %-18s %-18s %-20s %-10t %s\n",
			e.RecordedAt.Local().Format(time.DateTime),
			e.PID,
			hexAddr(e.InstructionPointer),
			hexAddr(e.AccessAddress),
			e.Verdict.Outcome,
			e.Suspicious(),
			e.Status)
	}
	return b.String(), nil
}
