package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// InitConfig creates a sample configuration file at the default location.
//
// Returns the path of the created file. Fails if the file already exists
// unless force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath creates a sample configuration file at the given path.
//
// The generated file is a commented template with every default written
// out, so operators can edit it without consulting the documentation. An
// empty keystore file is seeded next to it unless one already exists;
// existing keystores are never touched, force or not.
func InitConfigToPath(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	keysPath := filepath.Join(dir, "keys.yaml")
	dbPath := filepath.Join(dir, "sessions.db")

	content := sampleConfig(keysPath, dbPath)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	if _, err := os.Stat(keysPath); os.IsNotExist(err) {
		if err := os.WriteFile(keysPath, []byte(sampleKeystore), 0600); err != nil {
			return fmt.Errorf("failed to write keystore file: %w", err)
		}
	}

	return nil
}

// sampleConfig renders the commented configuration template. Paths are
// slash-separated so the file stays valid YAML on Windows.
func sampleConfig(keysPath, dbPath string) string {
	return fmt.Sprintf(`# SCP81 Bench Configuration File
#
# Configures the scp81d admin server and the scp81sim card simulator.
# Durations use Go syntax: "500ms", "30s", "5m".
#
# Environment variables override file values using the SCP81_ prefix:
#   SCP81_LOGGING_LEVEL=DEBUG
#   SCP81_SERVER_PORT=9443
#   SCP81_SIM_KEY_HEX=000102030405060708090A0B0C0D0E0F

# Logging configuration
logging:
  # Log level: DEBUG, INFO, WARN, ERROR
  level: "INFO"
  # Log format: text or json
  format: "text"
  # Log output: stdout, stderr, or a file path
  output: "stdout"

# OpenTelemetry distributed tracing (opt-in)
telemetry:
  enabled: false
  # OTLP collector endpoint (gRPC)
  endpoint: "localhost:4317"
  insecure: true
  sample_rate: 1.0
  # Pyroscope continuous profiling (opt-in)
  profiling:
    enabled: false
    endpoint: "http://localhost:4040"

# Maximum time to wait for graceful shutdown
shutdown_timeout: "30s"

# PSK-TLS admin listener
server:
  host: "0.0.0.0"
  port: 8443
  # Cipher tier: production, legacy or debug.
  # The debug tier includes NULL-encryption suites for wire inspection and
  # must never face real cards.
  cipher_tier: "production"
  # Sent in the ServerKeyExchange so cards holding several keys can pick one.
  # identity_hint: "bench-01"
  max_connections: 64
  handshake_timeout: "10s"
  read_timeout: "60s"
  write_timeout: "30s"

# Provisioned PSK identities
keystore:
  # Backend: file or badger
  type: "file"
  path: "%s"
  # Reload the file backend when it changes on disk
  watch: true

# Session history persistence
database:
  # Database type: sqlite (default) or postgres
  type: "sqlite"
  sqlite:
    path: "%s"
  # postgres:
  #   host: "localhost"
  #   port: 5432
  #   database: "scp81"
  #   user: "scp81"
  #   password: ""
  #   sslmode: "disable"

# Prometheus metrics endpoint (opt-in)
metrics:
  enabled: false
  port: 9090

# REST facade for bench tooling and the dashboard
api:
  enabled: true
  host: "127.0.0.1"
  port: 8080

# Card simulator defaults (used by scp81sim; flags override)
sim:
  addr: "127.0.0.1:8443"
  # identity: "TEST_UICC_001"
  # Pre-shared key as hex (16 or 32 bytes). Prefer SCP81_SIM_KEY_HEX over
  # writing key material here.
  # key_hex: ""
  path: "/admin"
  behaviour:
    # Response shaping: normal, error or timeout
    mode: "normal"
    # probability: 0.2
    # error_sws: ["6A80", "6F00"]
    # timeout_min: "5s"
    # timeout_max: "30s"
`,
		filepath.ToSlash(keysPath),
		filepath.ToSlash(dbPath),
	)
}

// sampleKeystore is the seeded empty key file.
const sampleKeystore = `# SCP81 provisioned PSK identities.
#
# Provision keys with "scp81d keys add" or by editing this file directly;
# edits are hot-reloaded while keystore.watch is enabled.
#
#   keys:
#     - identity: TEST_UICC_001
#       key: "000102030405060708090A0B0C0D0E0F"
#       key_version: 1
keys: []
`
