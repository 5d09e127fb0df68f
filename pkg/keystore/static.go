package keystore

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Static is an immutable in-memory key set, typically built from inline
// configuration or test fixtures.
type Static struct {
	entries map[string]Entry
}

// NewStatic validates entries and builds a Static store. Entries with a zero
// CreatedAt are stamped with the construction time.
func NewStatic(entries []Entry) (*Static, error) {
	m := make(map[string]Entry, len(entries))
	now := time.Now().UTC()

	for _, e := range entries {
		if err := validateEntry(e); err != nil {
			return nil, err
		}
		if _, ok := m[e.Identity]; ok {
			return nil, fmt.Errorf("keystore: duplicate identity %q", e.Identity)
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		e = cloneKey(e)
		m[e.Identity] = e
	}

	return &Static{entries: m}, nil
}

// Lookup implements KeyStore.
func (s *Static) Lookup(identity string) (Entry, error) {
	e, ok := s.entries[identity]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return cloneKey(e), nil
}

// List implements KeyStore.
func (s *Static) List() ([]Entry, error) {
	return sortedRedacted(s.entries), nil
}

func sortedRedacted(m map[string]Entry) []Entry {
	out := make([]Entry, 0, len(m))
	for _, e := range m {
		out = append(out, redact(e))
	}
	slices.SortFunc(out, func(a, b Entry) int {
		return strings.Compare(a.Identity, b.Identity)
	})
	return out
}
