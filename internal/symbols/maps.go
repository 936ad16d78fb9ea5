package symbols

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
)

// Mapping is one line of /proc/<pid>/maps
type Mapping struct {
	Start  uint64
	End    uint64
	Perms  string
	Offset uint64
	Path   string
}

// ParseMaps parses the /proc/<pid>/maps format:
//
//	7f1c2a000000-7f1c2a2a5000 r--p 00000000 fd:01 1311 /usr/lib/jvm/lib/server/libjvm.so
func ParseMaps(r io.Reader) ([]Mapping, error) {
	var out []Mapping
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}

		lo, hi, ok := strings.Cut(fields[0], "-")
		if !ok {
			return nil, fmt.Errorf("malformed address range %q", fields[0])
		}
		start, err := strconv.ParseUint(lo, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed start address %q: %w", lo, err)
		}
		end, err := strconv.ParseUint(hi, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed end address %q: %w", hi, err)
		}
		offset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed offset %q: %w", fields[2], err)
		}

		m := Mapping{Start: start, End: end, Perms: fields[1], Offset: offset}
		if len(fields) >= 6 {
			// Paths may contain spaces
			m.Path = strings.Join(fields[5:], " ")
		}
		out = append(out, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read maps: %w", err)
	}
	return out, nil
}

// MatchLibrary returns the mappings whose file is the named library. A name
// containing a slash must match the full path, otherwise the base name is
// compared, ignoring version suffixes such as libjvm.so.1.
func MatchLibrary(maps []Mapping, name string) []Mapping {
	var out []Mapping
	for _, m := range maps {
		if m.Path == "" || strings.HasPrefix(m.Path, "[") {
			continue
		}
		if strings.Contains(name, "/") {
			if m.Path == name {
				out = append(out, m)
			}
			continue
		}
		base := filepath.Base(m.Path)
		if base == name || strings.HasPrefix(base, name+".") {
			out = append(out, m)
		}
	}
	return out
}
