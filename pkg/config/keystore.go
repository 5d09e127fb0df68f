package config

import (
	"fmt"

	"github.com/cardbench/scp81/pkg/keystore"
)

// CreateKeystore opens the keystore backend named by the configuration.
//
// The returned store may hold OS resources (a file watcher or a Badger
// handle); callers should type-assert io.Closer and close it on shutdown.
func CreateKeystore(cfg KeystoreConfig) (keystore.KeyStore, error) {
	switch cfg.Type {
	case KeystoreTypeFile, "":
		ks, err := keystore.OpenFile(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open keystore file %s: %w", cfg.Path, err)
		}
		if cfg.Watch {
			if err := ks.Watch(); err != nil {
				_ = ks.Close()
				return nil, fmt.Errorf("failed to watch keystore file: %w", err)
			}
		}
		return ks, nil

	case KeystoreTypeBadger:
		ks, err := keystore.OpenBadger(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open keystore database %s: %w", cfg.Path, err)
		}
		return ks, nil

	default:
		return nil, fmt.Errorf("unknown keystore type: %q", cfg.Type)
	}
}
