package platform

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// DefaultKallsymsPath is where the running kernel exports its symbol table
const DefaultKallsymsPath = "/proc/kallsyms"

// Kallsyms resolves kernel function names from a kallsyms file. The file is
// read once, on the first lookup.
type Kallsyms struct {
	path string

	once    sync.Once
	symbols map[string]uint64
	err     error
}

// NewKallsyms returns a resolver for path, or DefaultKallsymsPath if empty
func NewKallsyms(path string) *Kallsyms {
	if path == "" {
		path = DefaultKallsymsPath
	}
	return &Kallsyms{path: path}
}

// Resolve returns the address of a text symbol. Symbols shown with a zero
// address (kptr_restrict) still resolve, since attaching is by name.
func (k *Kallsyms) Resolve(name string) (uint64, bool) {
	k.once.Do(k.load)
	if k.err != nil {
		return 0, false
	}
	addr, ok := k.symbols[name]
	return addr, ok
}

// Err reports why the symbol table could not be loaded, if it failed
func (k *Kallsyms) Err() error {
	k.once.Do(k.load)
	return k.err
}

func (k *Kallsyms) load() {
	f, err := os.Open(k.path)
	if err != nil {
		k.err = fmt.Errorf("failed to open %s: %w", k.path, err)
		return
	}
	defer f.Close()

	k.symbols, k.err = parseKallsyms(bufio.NewScanner(f))
	if k.err != nil {
		k.err = fmt.Errorf("failed to parse %s: %w", k.path, k.err)
	}
}

// parseKallsyms reads "address type name [module]" lines and keeps text
// symbols (t/T). The first address seen for a name wins.
func parseKallsyms(sc *bufio.Scanner) (map[string]uint64, error) {
	symbols := make(map[string]uint64)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		if fields[1] != "t" && fields[1] != "T" {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("bad address %q: %w", fields[0], err)
		}
		if _, seen := symbols[fields[2]]; !seen {
			symbols[fields[2]] = addr
		}
	}
	return symbols, sc.Err()
}
