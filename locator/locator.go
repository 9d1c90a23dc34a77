// Package locator finds a loaded module's export address table by
// walking its PE headers.
package locator

import (
	"encoding/binary"
	"fmt"
	"io"
	"unsafe"

	"github.com/frobware/go-eatguard"
)

// Header offsets and sizes from winnt.h.
const (
	dosHeaderSize  = 64
	offLfanew      = 0x3C
	fileHeaderSize = 20
	optHeaderStart = 4 + fileHeaderSize

	magicPE32     = 0x10b
	magicPE32Plus = 0x20b

	offSizeOfImage = 56

	numRvaPE32     = 92
	numRvaPE32Plus = 108
	dataDirPE32    = 96
	dataDirPE32Pl  = 112

	exportDirSize          = 40
	offNumberOfFunctions   = 20
	offAddressOfFunctions  = 28
	imageDirectoryEntryExp = 0

	// maxLfanew bounds e_lfanew; real linkers keep the NT headers in the
	// first page.
	maxLfanew = 0x1000
)

// Image is a mapped module: its load address and its bytes addressed by
// RVA.
type Image struct {
	Base uintptr
	r    io.ReaderAt
	size int64
}

// FromBytes returns an Image over b, which holds the module as mapped
// (not as laid out on disk).
func FromBytes(base uintptr, b []byte) Image {
	return Image{Base: base, r: &byteReader{b: b}, size: int64(len(b))}
}

// FromMemory returns an Image over size bytes of live memory at base.
// The memory must stay mapped for the lifetime of the Image.
func FromMemory(base, size uintptr) Image {
	return FromBytes(base, unsafe.Slice((*byte)(unsafe.Pointer(base)), size))
}

// Size returns the number of bytes readable through the Image.
func (img Image) Size() int64 { return img.size }

type byteReader struct{ b []byte }

func (r *byteReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(r.b)) {
		return 0, io.EOF
	}
	n := copy(p, r.b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

type headerReader struct {
	img Image
	err error
}

func (h *headerReader) bytes(off int64, n int) []byte {
	if h.err != nil {
		return nil
	}
	if off < 0 || off+int64(n) > h.img.size {
		h.err = fmt.Errorf("read %d bytes at %#x: beyond %#x-byte image", n, off, h.img.size)
		return nil
	}
	b := make([]byte, n)
	if _, err := h.img.r.ReadAt(b, off); err != nil {
		h.err = fmt.Errorf("read %d bytes at %#x: %w", n, off, err)
		return nil
	}
	return b
}

func (h *headerReader) u16(off int64) uint16 {
	if b := h.bytes(off, 2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (h *headerReader) u32(off int64) uint32 {
	if b := h.bytes(off, 4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func notFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", eatguard.ErrTableNotFound, fmt.Sprintf(format, args...))
}

// Headers is the subset of the PE headers the locator needs.
type Headers struct {
	Magic           uint16
	SizeOfImage     uint32
	ExportDirRVA    uint32
	ExportDirSize   uint32
	NumberOfRvaSize uint32
}

// ParseHeaders validates the DOS and NT headers and returns the export
// data directory.
func ParseHeaders(img Image) (Headers, error) {
	h := &headerReader{img: img}

	if dos := h.bytes(0, dosHeaderSize); dos == nil || dos[0] != 'M' || dos[1] != 'Z' {
		return Headers{}, notFound("bad DOS signature")
	}
	lfanew := h.u32(offLfanew)
	if lfanew < dosHeaderSize || lfanew > maxLfanew {
		return Headers{}, notFound("e_lfanew %#x out of bounds", lfanew)
	}
	nt := int64(lfanew)
	if sig := h.bytes(nt, 4); sig == nil || string(sig) != "PE\x00\x00" {
		return Headers{}, notFound("bad NT signature")
	}

	opt := nt + optHeaderStart
	var hdr Headers
	hdr.Magic = h.u16(opt)
	var numRva, dataDir int64
	switch hdr.Magic {
	case magicPE32:
		numRva, dataDir = numRvaPE32, dataDirPE32
	case magicPE32Plus:
		numRva, dataDir = numRvaPE32Plus, dataDirPE32Pl
	default:
		if h.err != nil {
			return Headers{}, notFound("optional header: %v", h.err)
		}
		return Headers{}, notFound("unknown optional header magic %#x", hdr.Magic)
	}

	hdr.SizeOfImage = h.u32(opt + offSizeOfImage)
	hdr.NumberOfRvaSize = h.u32(opt + numRva)
	if h.err != nil {
		return Headers{}, notFound("optional header: %v", h.err)
	}
	if hdr.NumberOfRvaSize <= imageDirectoryEntryExp {
		return Headers{}, notFound("no data directories")
	}
	entry := opt + dataDir + imageDirectoryEntryExp*8
	hdr.ExportDirRVA = h.u32(entry)
	hdr.ExportDirSize = h.u32(entry + 4)
	if h.err != nil {
		return Headers{}, notFound("data directory: %v", h.err)
	}
	if hdr.ExportDirRVA == 0 || hdr.ExportDirSize == 0 {
		return Headers{}, notFound("module has no export directory")
	}
	return hdr, nil
}

// Locate returns the descriptor of img's export address table.
func Locate(img Image) (eatguard.TableDescriptor, error) {
	hdr, err := ParseHeaders(img)
	if err != nil {
		return eatguard.TableDescriptor{}, err
	}

	limit := uint64(hdr.SizeOfImage)
	if limit == 0 || limit > uint64(img.size) {
		limit = uint64(img.size)
	}
	if uint64(hdr.ExportDirRVA)+exportDirSize > limit {
		return eatguard.TableDescriptor{}, notFound("export directory %#x outside image", hdr.ExportDirRVA)
	}

	h := &headerReader{img: img}
	dir := int64(hdr.ExportDirRVA)
	count := h.u32(dir + offNumberOfFunctions)
	rva := h.u32(dir + offAddressOfFunctions)
	if h.err != nil {
		return eatguard.TableDescriptor{}, notFound("export directory: %v", h.err)
	}
	if count == 0 {
		return eatguard.TableDescriptor{}, nil
	}
	if rva == 0 || uint64(rva)+uint64(count)*eatguard.EntrySize > limit {
		return eatguard.TableDescriptor{}, notFound("address table %#x (%d entries) outside image", rva, count)
	}
	return eatguard.TableDescriptor{
		BaseAddress: img.Base + uintptr(rva),
		EntryCount:  count,
	}, nil
}
