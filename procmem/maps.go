package procmem

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Mapping is one line of /proc/<pid>/maps, plus its resident size when
// read from smaps.
type Mapping struct {
	Start  uintptr
	End    uintptr
	Perms  string
	Offset uint64
	Dev    string
	Inode  uint64
	Path   string
	Rss    uintptr
}

// FileBacked reports whether the mapping is backed by a file.
func (m Mapping) FileBacked() bool {
	return m.Inode != 0
}

// Shared reports a MAP_SHARED mapping.
func (m Mapping) Shared() bool {
	return len(m.Perms) == 4 && m.Perms[3] == 's'
}

// Protection translates the permission string. Private writable file
// mappings are copy-on-write.
func (m Mapping) Protection() Protection {
	if len(m.Perms) < 3 {
		return NoAccess
	}
	r, w, x := m.Perms[0] == 'r', m.Perms[1] == 'w', m.Perms[2] == 'x'
	cow := w && m.FileBacked() && !m.Shared()
	switch {
	case x && w && cow:
		return ExecuteWriteCopy
	case x && w:
		return ExecuteReadWrite
	case x && r:
		return ExecuteRead
	case x:
		return Execute
	case w && cow:
		return WriteCopy
	case w:
		return ReadWrite
	case r:
		return ReadOnly
	default:
		return NoAccess
	}
}

func (m Mapping) sameObject(o Mapping) bool {
	return m.FileBacked() && m.Inode == o.Inode && m.Dev == o.Dev && m.Path == o.Path
}

// ParseMaps parses /proc/<pid>/maps.
func ParseMaps(r io.Reader) ([]Mapping, error) {
	return parse(r, false)
}

// ParseSmaps parses /proc/<pid>/smaps, keeping the Rss of each mapping.
func ParseSmaps(r io.Reader) ([]Mapping, error) {
	return parse(r, true)
}

func parse(r io.Reader, smaps bool) ([]Mapping, error) {
	var out []Mapping
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if text == "" {
			continue
		}
		if smaps && !isMapHeader(text) {
			if key, val, ok := strings.Cut(text, ":"); ok && key == "Rss" && len(out) > 0 {
				kb, err := parseKB(val)
				if err != nil {
					return nil, fmt.Errorf("line %d: %w", line, err)
				}
				out[len(out)-1].Rss = uintptr(kb) * 1024
			}
			continue
		}
		m, err := parseMapLine(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, m)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// isMapHeader distinguishes "start-end perms ..." from "Key: value".
func isMapHeader(s string) bool {
	field, _, _ := strings.Cut(s, " ")
	return strings.Contains(field, "-") && !strings.HasSuffix(field, ":")
}

func parseKB(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "kB")
	return strconv.ParseUint(strings.TrimSpace(s), 10, 64)
}

func parseMapLine(s string) (Mapping, error) {
	fields := strings.Fields(s)
	if len(fields) < 5 {
		return Mapping{}, fmt.Errorf("malformed mapping %q", s)
	}
	lo, hi, ok := strings.Cut(fields[0], "-")
	if !ok {
		return Mapping{}, fmt.Errorf("malformed range %q", fields[0])
	}
	start, err := strconv.ParseUint(lo, 16, 64)
	if err != nil {
		return Mapping{}, fmt.Errorf("range start: %w", err)
	}
	end, err := strconv.ParseUint(hi, 16, 64)
	if err != nil {
		return Mapping{}, fmt.Errorf("range end: %w", err)
	}
	if end < start {
		return Mapping{}, fmt.Errorf("inverted range %q", fields[0])
	}
	off, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return Mapping{}, fmt.Errorf("offset: %w", err)
	}
	inode, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return Mapping{}, fmt.Errorf("inode: %w", err)
	}
	m := Mapping{
		Start:  uintptr(start),
		End:    uintptr(end),
		Perms:  fields[1],
		Offset: off,
		Dev:    fields[3],
		Inode:  inode,
	}
	if len(fields) > 5 {
		m.Path = strings.Join(fields[5:], " ")
	}
	return m, nil
}

// find returns the index of the mapping containing addr, or the index
// at which one would be inserted and false.
func find(ms []Mapping, addr uintptr) (int, bool) {
	i := sort.Search(len(ms), func(i int) bool { return ms[i].End > addr })
	return i, i < len(ms) && ms[i].Start <= addr
}

// allocation returns the bounds [first, last] of the run of mappings
// that make up the allocation holding ms[i]. Contiguous mappings of the
// same file form one allocation, as an image's sections do.
func allocation(ms []Mapping, i int) (int, int) {
	first, last := i, i
	for first > 0 && ms[first-1].End == ms[first].Start && ms[first-1].sameObject(ms[i]) {
		first--
	}
	for last+1 < len(ms) && ms[last].End == ms[last+1].Start && ms[last+1].sameObject(ms[i]) {
		last++
	}
	return first, last
}

// BasicFromMappings answers a basic query from a parsed maps table.
// Linux does not record the protection an allocation was created with,
// so AllocationProtect is the current protection.
func BasicFromMappings(ms []Mapping, addr uintptr) (BasicInfo, error) {
	if addr > MaxUserAddress {
		return BasicInfo{}, ErrOutOfRange
	}
	i, ok := find(ms, addr)
	if !ok {
		base := uintptr(0)
		if i > 0 {
			base = ms[i-1].End
		}
		end := MaxUserAddress + 1
		if i < len(ms) {
			end = ms[i].Start
		}
		return BasicInfo{
			BaseAddress: base,
			RegionSize:  end - base,
			State:       StateFree,
			Protect:     NoAccess,
		}, nil
	}
	m := ms[i]
	first, _ := allocation(ms, i)
	prot := m.Protection()
	return BasicInfo{
		BaseAddress:       m.Start,
		AllocationBase:    ms[first].Start,
		AllocationProtect: prot,
		RegionSize:        m.End - m.Start,
		State:             StateCommit,
		Protect:           prot,
		Type:              mappingType(ms, i),
	}, nil
}

// RegionFromMappings answers a region query. A file with an executable
// mapping is an image; other files are data files.
func RegionFromMappings(ms []Mapping, addr uintptr) (RegionInfo, error) {
	i, ok := find(ms, addr)
	if !ok {
		return RegionInfo{}, fmt.Errorf("%#x: %w", addr, ErrNotMapped)
	}
	first, last := allocation(ms, i)
	var commit uintptr
	for _, m := range ms[first : last+1] {
		commit += m.Rss
	}
	return RegionInfo{
		AllocationBase:    ms[first].Start,
		AllocationProtect: ms[i].Protection(),
		Type:              regionType(ms, i),
		RegionSize:        ms[last].End - ms[first].Start,
		CommitSize:        commit,
	}, nil
}

func mappingType(ms []Mapping, i int) Type {
	switch rt := regionType(ms, i); {
	case rt.Has(RegionMappedImage):
		return TypeImage
	case rt.Has(RegionPrivate):
		return TypePrivate
	default:
		return TypeMapped
	}
}

func regionType(ms []Mapping, i int) RegionType {
	m := ms[i]
	switch {
	case m.Path == "[vdso]" || m.Path == "[vsyscall]":
		return RegionMappedImage
	case strings.HasPrefix(m.Path, "/dev/") && m.Path != "/dev/zero":
		return RegionMappedPhysical | RegionDirectMapped
	case !m.FileBacked() && m.Shared():
		return RegionMappedPageFile
	case !m.FileBacked():
		return RegionPrivate
	}
	first, last := allocation(ms, i)
	for _, o := range ms[first : last+1] {
		if o.Protection().Executable() {
			return RegionMappedImage
		}
	}
	return RegionMappedDataFile
}
