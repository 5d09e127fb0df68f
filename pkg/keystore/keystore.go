// Package keystore provides read-only access to provisioned PSK identities.
// The admin server resolves ClientKeyExchange identities through a KeyStore;
// adapters exist for a static in-memory set, a YAML file with hot reload, and
// the Badger provisioning database. Provisioning itself (writing keys) is the
// job of external tooling; the server never mutates a store.
package keystore

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/cardbench/scp81/pkg/psktls"
)

// ErrNotFound is returned by Lookup when the identity has no provisioned key.
var ErrNotFound = errors.New("keystore: identity not found")

// Entry is one provisioned identity. Key is never serialized; API responses
// and logs carry only the metadata fields.
type Entry struct {
	Identity   string    `json:"identity"`
	Key        []byte    `json:"-"`
	KeyVersion int       `json:"key_version"`
	CreatedAt  time.Time `json:"created_at"`
}

// KeyStore resolves PSK identities to provisioned keys. Implementations must
// be safe for concurrent use; the TLS accept path calls Lookup from many
// goroutines at once.
type KeyStore interface {
	// Lookup returns the entry for identity, or ErrNotFound.
	Lookup(identity string) (Entry, error)

	// List returns all provisioned entries sorted by identity, with the Key
	// field cleared. Use Lookup to obtain key material.
	List() ([]Entry, error)
}

// Callback adapts a KeyStore to the TLS stack's PSK lookup, translating
// ErrNotFound into the unknown_psk_identity rejection.
func Callback(ks KeyStore) psktls.PSKCallback {
	return func(identity string) ([]byte, error) {
		entry, err := ks.Lookup(identity)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, psktls.ErrUnknownIdentity
			}
			return nil, err
		}
		return entry.Key, nil
	}
}

// validateEntry checks the protocol bounds shared by all adapters.
func validateEntry(e Entry) error {
	if err := psktls.ValidateIdentity(e.Identity); err != nil {
		return err
	}
	if err := psktls.ValidateKey(e.Key); err != nil {
		return fmt.Errorf("identity %q: %w", e.Identity, err)
	}
	return nil
}

// redact returns a copy of e safe to hand out of List.
func redact(e Entry) Entry {
	e.Key = nil
	return e
}

// cloneKey guards callers against aliasing the store's own buffer.
func cloneKey(e Entry) Entry {
	e.Key = bytes.Clone(e.Key)
	return e
}
