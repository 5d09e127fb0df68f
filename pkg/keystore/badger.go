package keystore

import (
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/cardbench/scp81/internal/hexutil"
)

// Badger key layout, shared with the provisioning tool:
//
//	Data Type    Prefix    Key Format         Value Type
//	=====================================================
//	Key Entry    "keys/"   keys/<identity>    badgerEntry (JSON)
const badgerKeyPrefix = "keys/"

type badgerEntry struct {
	Key        string    `json:"key"`
	KeyVersion int       `json:"key_version"`
	CreatedAt  time.Time `json:"created_at"`
}

func badgerKey(identity string) []byte {
	return []byte(badgerKeyPrefix + identity)
}

// BadgerStore is a read-only view over the provisioning database. The
// provisioning tool owns writes; the server only ever opens the database
// read-only.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens the provisioning database at path read-only.
func OpenBadger(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).
		WithReadOnly(true).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("keystore: open badger db %s: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

// Close releases the database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

// Lookup implements KeyStore.
func (b *BadgerStore) Lookup(identity string) (Entry, error) {
	var entry Entry

	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(identity))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("keystore: get %s: %w", identity, err)
		}

		return item.Value(func(val []byte) error {
			e, err := decodeBadgerEntry(identity, val)
			if err != nil {
				return err
			}
			entry = e
			return nil
		})
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// List implements KeyStore.
func (b *BadgerStore) List() ([]Entry, error) {
	entries := make(map[string]Entry)

	err := b.db.View(func(txn *badger.Txn) error {
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
				entries[identity] = e
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

	return sortedRedacted(entries), nil
}

func decodeBadgerEntry(identity string, val []byte) (Entry, error) {
	var be badgerEntry
	if err := json.Unmarshal(val, &be); err != nil {
		return Entry{}, fmt.Errorf("keystore: decode entry %s: %w", identity, err)
	}
	key, err := hexutil.Decode(be.Key)
	if err != nil {
		return Entry{}, fmt.Errorf("keystore: entry %s: %w", identity, err)
	}
	e := Entry{
		Identity:   identity,
		Key:        key,
		KeyVersion: be.KeyVersion,
		CreatedAt:  be.CreatedAt,
	}
	if err := validateEntry(e); err != nil {
		return Entry{}, err
	}
	return e, nil
}
