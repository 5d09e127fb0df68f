package config

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestCreateKeystore_File(t *testing.T) {
	tmpDir := t.TempDir()
	keysPath := filepath.Join(tmpDir, "keys.yaml")

	content := "keys:\n  - identity: TEST_UICC_001\n    key: \"000102030405060708090A0B0C0D0E0F\"\n    key_version: 1\n"
	if err := os.WriteFile(keysPath, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write keystore: %v", err)
	}

	ks, err := CreateKeystore(KeystoreConfig{Type: "file", Path: keysPath})
	if err != nil {
		t.Fatalf("CreateKeystore failed: %v", err)
	}
	defer func() {
		if c, ok := ks.(io.Closer); ok {
			_ = c.Close()
		}
	}()

	entry, err := ks.Lookup("TEST_UICC_001")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if len(entry.Key) != 16 {
		t.Errorf("Expected 16 byte key, got %d", len(entry.Key))
	}
}

func TestCreateKeystore_EmptyTypeDefaultsToFile(t *testing.T) {
	tmpDir := t.TempDir()
	keysPath := filepath.Join(tmpDir, "keys.yaml")

	if err := os.WriteFile(keysPath, []byte("keys: []\n"), 0600); err != nil {
		t.Fatalf("Failed to write keystore: %v", err)
	}

	ks, err := CreateKeystore(KeystoreConfig{Path: keysPath})
	if err != nil {
		t.Fatalf("CreateKeystore failed: %v", err)
	}
	if c, ok := ks.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}

	entries, err := ks.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected empty keystore, got %d entries", len(entries))
	}
}

func TestCreateKeystore_UnknownType(t *testing.T) {
	_, err := CreateKeystore(KeystoreConfig{Type: "vault", Path: "/tmp/nope"})
	if err == nil {
		t.Fatal("Expected error for unknown keystore type")
	}
}

func TestCreateKeystore_MissingFile(t *testing.T) {
	tmpDir := t.TempDir()

	_, err := CreateKeystore(KeystoreConfig{
		Type: "file",
		Path: filepath.Join(tmpDir, "does-not-exist.yaml"),
	})
	if err == nil {
		t.Fatal("Expected error for missing keystore file")
	}
}
