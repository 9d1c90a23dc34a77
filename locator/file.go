package locator

import (
	"encoding/binary"
	"fmt"

	"github.com/Binject/debug/pe"

	"github.com/frobware/go-eatguard"
)

// FileReport describes the export directory of a module file on disk.
// Comparing it with the in-memory descriptor shows whether the loaded
// table was tampered with.
type FileReport struct {
	Path               string
	Machine            uint16
	ExportDirRVA       uint32
	NumberOfFunctions  uint32
	AddressOfFunctions uint32
	Exports            []pe.Export
}

// InspectFile opens a PE file and reads its export directory.
func InspectFile(path string) (FileReport, error) {
	f, err := pe.Open(path)
	if err != nil {
		return FileReport{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var dd pe.DataDirectory
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		if oh.NumberOfRvaAndSizes == 0 {
			return FileReport{}, notFound("%s: no data directories", path)
		}
		dd = oh.DataDirectory[imageDirectoryEntryExp]
	case *pe.OptionalHeader64:
		if oh.NumberOfRvaAndSizes == 0 {
			return FileReport{}, notFound("%s: no data directories", path)
		}
		dd = oh.DataDirectory[imageDirectoryEntryExp]
	default:
		return FileReport{}, notFound("%s: no optional header", path)
	}
	if dd.VirtualAddress == 0 || dd.Size == 0 {
		return FileReport{}, notFound("%s: no export directory", path)
	}

	report := FileReport{
		Path:         path,
		Machine:      f.FileHeader.Machine,
		ExportDirRVA: dd.VirtualAddress,
	}

	dir, err := sectionBytes(f, dd.VirtualAddress, exportDirSize)
	if err != nil {
		return FileReport{}, fmt.Errorf("%s: %w", path, err)
	}
	report.NumberOfFunctions = binary.LittleEndian.Uint32(dir[offNumberOfFunctions:])
	report.AddressOfFunctions = binary.LittleEndian.Uint32(dir[offAddressOfFunctions:])

	exports, err := f.Exports()
	if err != nil {
		return FileReport{}, fmt.Errorf("%s: exports: %w", path, err)
	}
	report.Exports = exports
	return report, nil
}

// sectionBytes returns n bytes at rva from the section holding it.
func sectionBytes(f *pe.File, rva uint32, n uint32) ([]byte, error) {
	for _, s := range f.Sections {
		span := max(s.VirtualSize, s.Size)
		if rva < s.VirtualAddress || rva-s.VirtualAddress >= span {
			continue
		}
		data, err := s.Data()
		if err != nil {
			return nil, fmt.Errorf("section %s: %w", s.Name, err)
		}
		off := rva - s.VirtualAddress
		if uint64(off)+uint64(n) > uint64(len(data)) {
			return nil, notFound("rva %#x not backed by file data in %s", rva, s.Name)
		}
		return data[off : off+n], nil
	}
	return nil, fmt.Errorf("%w: rva %#x not in any section", eatguard.ErrTableNotFound, rva)
}
