package keystore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/cardbench/scp81/internal/hexutil"
	"github.com/cardbench/scp81/internal/logger"
)

// fileDoc is the on-disk YAML shape:
//
//	keys:
//	  - identity: TEST_UICC_001
//	    key: "000102030405060708090A0B0C0D0E0F"
//	    key_version: 1
//	    created_at: 2026-01-12T09:30:00Z   # optional
//
// Keys are hex strings; separators are tolerated like everywhere else.
type fileDoc struct {
	Keys []fileEntry `yaml:"keys"`
}

type fileEntry struct {
	Identity   string    `yaml:"identity"`
	Key        string    `yaml:"key"`
	KeyVersion int       `yaml:"key_version"`
	CreatedAt  time.Time `yaml:"created_at"`
}

// FileStore serves keys from a YAML file and can hot-reload it so operators
// provision identities without restarting the server. A reload that fails to
// parse or validate keeps the previous key set.
type FileStore struct {
	path string

	mu      sync.RWMutex
	entries map[string]Entry

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
}

// OpenFile loads the key file. Call Watch to enable hot reload and Close when
// done.
func OpenFile(path string) (*FileStore, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("keystore: resolve %s: %w", path, err)
	}
	f := &FileStore{path: abs}
	if err := f.reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Lookup implements KeyStore.
func (f *FileStore) Lookup(identity string) (Entry, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.entries[identity]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return cloneKey(e), nil
}

// List implements KeyStore.
func (f *FileStore) List() ([]Entry, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return sortedRedacted(f.entries), nil
}

// Count returns the number of provisioned identities.
func (f *FileStore) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entries)
}

// Watch starts reloading the file on changes. The watch is placed on the
// parent directory because provisioning tools and editors replace the file by
// rename, which silently drops a watch on the file itself.
func (f *FileStore) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("keystore: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("keystore: watch %s: %w", filepath.Dir(f.path), err)
	}

	f.watcher = watcher
	f.done = make(chan struct{})
	go f.watchLoop()

	logger.Info("Keystore hot-reload started", "path", f.path)
	return nil
}

// Close stops the watcher, if started.
func (f *FileStore) Close() error {
	var err error
	f.stopOnce.Do(func() {
		if f.watcher != nil {
			close(f.done)
			err = f.watcher.Close()
		}
	})
	return err
}

func (f *FileStore) watchLoop() {
	for {
		select {
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := f.reload(); err != nil {
				logger.Warn("Keystore reload failed, keeping previous key set",
					"path", f.path,
					"error", err,
				)
				continue
			}
			logger.Info("Keystore reloaded",
				"path", f.path,
				"identities", f.Count(),
			)

		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			logger.Error("Keystore watcher error", "error", err)

		case <-f.done:
			return
		}
	}
}

// reload parses the file and swaps the key set atomically.
func (f *FileStore) reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("keystore: read %s: %w", f.path, err)
	}

	// Entries without a created_at get the file's modification time, which is
	// stable across reloads of the same file version.
	defaultCreated := time.Now().UTC()
	if info, err := os.Stat(f.path); err == nil {
		defaultCreated = info.ModTime().UTC()
	}

	entries, err := parseFileEntries(data, defaultCreated)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.entries = entries
	f.mu.Unlock()
	return nil
}

func parseFileEntries(data []byte, defaultCreated time.Time) (map[string]Entry, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("keystore: parse yaml: %w", err)
	}

	entries := make(map[string]Entry, len(doc.Keys))
	for i, fe := range doc.Keys {
		key, err := hexutil.Decode(fe.Key)
		if err != nil {
			return nil, fmt.Errorf("keystore: entry %d (%s): %w", i, fe.Identity, err)
		}
		e := Entry{
			Identity:   fe.Identity,
			Key:        key,
			KeyVersion: fe.KeyVersion,
			CreatedAt:  fe.CreatedAt,
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = defaultCreated
		}
		if err := validateEntry(e); err != nil {
			return nil, fmt.Errorf("keystore: entry %d: %w", i, err)
		}
		if _, ok := entries[e.Identity]; ok {
			return nil, fmt.Errorf("keystore: duplicate identity %q", e.Identity)
		}
		entries[e.Identity] = e
	}
	return entries, nil
}
