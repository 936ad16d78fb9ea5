package symbols

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
)

const pageMask = 0xfff

// ProcLoader opens libraries mapped into a process through procfs. The ELF
// file is read through /proc/<pid>/root so libraries inside containers
// resolve to the right file.
type ProcLoader struct {
	PID      int
	ProcRoot string
	Logger   *zap.Logger
}

// NewProcLoader returns a loader for pid
func NewProcLoader(pid int, logger *zap.Logger) *ProcLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcLoader{PID: pid, ProcRoot: "/proc", Logger: logger}
}

// Open implements Loader
func (l *ProcLoader) Open(name string) (Library, error) {
	procDir := filepath.Join(l.ProcRoot, strconv.Itoa(l.PID))

	f, err := os.Open(filepath.Join(procDir, "maps"))
	if err != nil {
		return nil, fmt.Errorf("failed to open maps of pid %d: %w", l.PID, err)
	}
	defer f.Close()

	maps, err := ParseMaps(f)
	if err != nil {
		return nil, err
	}

	mapped := MatchLibrary(maps, name)
	if len(mapped) == 0 {
		return nil, fmt.Errorf("%w: %s in pid %d", ErrLibraryNotFound, name, l.PID)
	}
	path := mapped[0].Path

	file, err := elf.Open(filepath.Join(procDir, "root", path))
	if err != nil {
		l.Logger.Debug("Falling back to host path for library",
			zap.String("path", path),
			zap.Error(err))
		file, err = elf.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
	}
	defer file.Close()

	bias, err := LoadBias(mapped, file.Progs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	table, err := readSymbols(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	l.Logger.Debug("Opened library",
		zap.String("path", path),
		zap.Int("symbols", len(table)),
		zap.String("bias", fmt.Sprintf("0x%x", bias)))

	return &elfLibrary{path: path, bias: bias, symbols: table}, nil
}

// LoadBias computes the difference between runtime addresses and the ELF
// virtual addresses of a library from its mappings.
func LoadBias(mapped []Mapping, progs []*elf.Prog) (uint64, error) {
	for _, m := range mapped {
		for _, p := range progs {
			if p.Type != elf.PT_LOAD {
				continue
			}
			if p.Off&^pageMask == m.Offset {
				return m.Start - p.Vaddr&^pageMask, nil
			}
		}
	}
	return 0, errors.New("no mapping matches a loadable segment")
}

// readSymbols prefers the dynamic table, which holds exported symbols even in
// stripped libraries, and falls back to the full symbol table.
func readSymbols(file *elf.File) (map[string]uint64, error) {
	table := make(map[string]uint64)

	add := func(syms []elf.Symbol) {
		for _, s := range syms {
			if s.Value == 0 || s.Section == elf.SHN_UNDEF {
				continue
			}
			if _, exists := table[s.Name]; !exists {
				table[s.Name] = s.Value
			}
		}
	}

	dyn, dynErr := file.DynamicSymbols()
	add(dyn)
	static, staticErr := file.Symbols()
	add(static)

	if len(table) == 0 {
		return nil, errors.Join(errors.New("no symbols"), dynErr, staticErr)
	}
	return table, nil
}

type elfLibrary struct {
	path    string
	bias    uint64
	symbols map[string]uint64
}

func (l *elfLibrary) Path() string {
	return l.path
}

func (l *elfLibrary) Lookup(symbol string) (uint64, error) {
	value, ok := l.symbols[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: %s in %s", ErrSymbolNotFound, symbol, l.path)
	}
	return l.bias + value, nil
}
