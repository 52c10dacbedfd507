package s2pg

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Ledger is the file-backed set of already-imported table names, one
// lowercased name per line. Membership is exact, case-insensitive equality.
// All mutation goes through a single mutex so concurrent importers cannot
// race a duplicate import.
type Ledger struct {
	mu    sync.Mutex
	path  string
	names map[string]struct{}
	f     *os.File
}

// OpenLedger loads an existing ledger file or starts an empty one. The file
// is kept open in append mode, entries are flushed as they are added.
func OpenLedger(path string) (*Ledger, error) {
	l := &Ledger{path: path, names: map[string]struct{}{}}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		name := strings.ToLower(strings.TrimSpace(sc.Text()))
		if name != "" {
			l.names[name] = struct{}{}
		}
	}
	if err := sc.Err(); err != nil {
		f.Close()
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}
	l.f = f
	return l, nil
}

// Has reports whether name was already imported.
func (l *Ledger) Has(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.names[strings.ToLower(name)]
	return ok
}

// Add records a confirmed import. Adding an existing name is a no-op, the
// ledger never holds duplicates.
func (l *Ledger) Add(name string) error {
	name = strings.ToLower(name)
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.names[name]; ok {
		return nil
	}
	if _, err := fmt.Fprintln(l.f, name); err != nil {
		return fmt.Errorf("append ledger %s: %w", l.path, err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync ledger %s: %w", l.path, err)
	}
	l.names[name] = struct{}{}
	return nil
}

// Seed merges names into the in-memory set and the file, used to rebuild a
// lost ledger from the database catalog.
func (l *Ledger) Seed(names []string) error {
	for _, n := range names {
		if err := l.Add(n); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.names)
}

func (l *Ledger) Close() error {
	return l.f.Close()
}
