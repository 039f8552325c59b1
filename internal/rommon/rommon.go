// Package rommon implements the ROM monitor environment variable
// store: a flat NAME=VALUE text file rewritten atomically on every
// mutation. Grounded on dynamips's common/rommon_var.c (SPEC_FULL.md
// §D), using the teacher's temp-file-then-rename idiom for atomic
// writes.
package rommon

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Store is an in-memory map of ROMMON variables backed by path.
type Store struct {
	mu   sync.Mutex
	path string
	vars map[string]string
}

// Open loads path if it exists, or starts an empty store otherwise.
func Open(path string) (*Store, error) {
	s := &Store{path: path, vars: make(map[string]string)}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rommon: open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		s.vars[k] = v
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("rommon: read %s: %w", path, err)
	}
	return s, nil
}

// Get returns a variable's value and whether it is set.
func (s *Store) Get(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vars[name]
	return v, ok
}

// Set assigns a variable and persists the store.
func (s *Store) Set(name, value string) error {
	s.mu.Lock()
	s.vars[name] = value
	s.mu.Unlock()
	return s.flush()
}

// Clear removes a variable and persists the store.
func (s *Store) Clear(name string) error {
	s.mu.Lock()
	delete(s.vars, name)
	s.mu.Unlock()
	return s.flush()
}

// flush rewrites the backing file atomically: write to a temp file in
// the same directory, then rename over the target.
func (s *Store) flush() error {
	s.mu.Lock()
	names := make([]string, 0, len(s.vars))
	for k := range s.vars {
		names = append(names, k)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, k := range names {
		fmt.Fprintf(&sb, "%s=%s\n", k, s.vars[k])
	}
	s.mu.Unlock()

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".rommon-*.tmp")
	if err != nil {
		return fmt.Errorf("rommon: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(sb.String()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("rommon: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rommon: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rommon: rename: %w", err)
	}
	return nil
}
