package keystore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"gopkg.in/yaml.v3"

	"github.com/cardbench/scp81/internal/hexutil"
)

// Provisioning helpers for the bench CLI. The server side of this package
// only ever reads key material; the functions here exist for the tooling
// that writes it.

// ReadFileEntries returns every entry in a YAML key file, key material
// included, sorted by identity. A missing file yields an empty slice so
// provisioning can start from nothing.
func ReadFileEntries(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("keystore: read %s: %w", path, err)
	}

	byIdentity, err := parseFileEntries(data, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(byIdentity))
	for _, e := range byIdentity {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Identity < entries[j].Identity
	})
	return entries, nil
}

// WriteFileEntries writes a YAML key file with 0600 permissions. The file is
// replaced by rename so a hot-reloading server never observes a half-written
// key set. Entries are validated and sorted by identity.
func WriteFileEntries(path string, entries []Entry) error {
	doc := fileDoc{Keys: make([]fileEntry, 0, len(entries))}
	seen := make(map[string]struct{}, len(entries))

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Identity < sorted[j].Identity
	})

	for _, e := range sorted {
		if err := validateEntry(e); err != nil {
			return fmt.Errorf("keystore: %w", err)
		}
		if _, ok := seen[e.Identity]; ok {
			return fmt.Errorf("keystore: duplicate identity %q", e.Identity)
		}
		seen[e.Identity] = struct{}{}
		doc.Keys = append(doc.Keys, fileEntry{
			Identity:   e.Identity,
			Key:        hexutil.Encode(e.Key),
			KeyVersion: e.KeyVersion,
			CreatedAt:  e.CreatedAt,
		})
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("keystore: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".keys-*.yaml")
	if err != nil {
		return fmt.Errorf("keystore: write %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("keystore: write %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("keystore: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("keystore: write %s: %w", path, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("keystore: replace %s: %w", path, err)
	}
	return nil
}

// ReadBadgerEntries returns every entry in a provisioning database, key
// material included, sorted by identity. A missing database yields an empty
// slice.
func ReadBadgerEntries(path string) ([]Entry, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	store, err := OpenBadger(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()

	var entries []Entry
	err = store.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerKeyPrefix)
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			identity := string(item.Key()[len(badgerKeyPrefix):])

			err := item.Value(func(val []byte) error {
				e, err := decodeBadgerEntry(identity, val)
				if err != nil {
					return err
				}
				entries = append(entries, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Identity < entries[j].Identity
	})
	return entries, nil
}

// WriteBadgerEntries replaces the provisioning database contents with the
// given entries. Entries are validated first; a validation failure leaves
// the database untouched.
func WriteBadgerEntries(path string, entries []Entry) error {
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if err := validateEntry(e); err != nil {
			return fmt.Errorf("keystore: %w", err)
		}
		if _, ok := seen[e.Identity]; ok {
			return fmt.Errorf("keystore: duplicate identity %q", e.Identity)
		}
		seen[e.Identity] = struct{}{}
	}

	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return fmt.Errorf("keystore: open badger db %s: %w", path, err)
	}
	defer func() { _ = db.Close() }()

	err = db.Update(func(txn *badger.Txn) error {
		// Drop the current key set first so removals take effect.
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(badgerKeyPrefix)})
		var stale [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}

		for _, e := range entries {
			val, err := json.Marshal(badgerEntry{
				Key:        hexutil.Encode(e.Key),
				KeyVersion: e.KeyVersion,
				CreatedAt:  e.CreatedAt,
			})
			if err != nil {
				return err
			}
			if err := txn.Set(badgerKey(e.Identity), val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("keystore: write badger db: %w", err)
	}
	return nil
}
