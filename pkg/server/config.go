package server

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cardbench/scp81/pkg/psktls"
)

// Cipher tier names accepted in configuration. Production is the default;
// debug adds the NULL suites and must be an explicit opt-in.
const (
	TierProduction = "production"
	TierLegacy     = "legacy"
	TierDebug      = "debug"
)

// Defaults for the admin listener.
const (
	DefaultHost             = "0.0.0.0"
	DefaultPort             = 8443
	DefaultMaxConnections   = 64
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultReadTimeout      = 60 * time.Second
	DefaultWriteTimeout     = 30 * time.Second
	DefaultKeepAlive        = 300 * time.Second
	DefaultDrainTimeout     = 2 * time.Second
	DefaultShutdownTimeout  = 10 * time.Second

	DefaultErrorRateThreshold = 10
	DefaultErrorRateWindow    = 60 * time.Second
)

// Config holds the transport-level settings of the admin server. Session
// deadlines live on the session manager, not here.
type Config struct {
	// Host and Port are the listener bind address. Port 0 binds an
	// ephemeral port; the operator-facing default of 8443 is applied by
	// the configuration layer.
	Host string `mapstructure:"host" yaml:"host" json:"host,omitempty"`
	Port int    `mapstructure:"port" validate:"omitempty,min=0,max=65535" yaml:"port" json:"port,omitempty"`

	// CipherTier selects the permitted PSK suites: production, legacy or
	// debug. Empty means production.
	CipherTier string `mapstructure:"cipher_tier" validate:"omitempty,oneof=production legacy debug" yaml:"cipher_tier" json:"cipher_tier,omitempty"`

	// IdentityHint, when set, is sent in the ServerKeyExchange so cards
	// holding several keys can pick one.
	IdentityHint string `mapstructure:"identity_hint" yaml:"identity_hint" json:"identity_hint,omitempty"`

	// MaxConnections caps concurrent connections; accepts block once the
	// cap is reached.
	MaxConnections int `mapstructure:"max_connections" yaml:"max_connections" json:"max_connections,omitempty"`

	// HandshakeTimeout bounds the PSK-TLS handshake.
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout" json:"handshake_timeout,omitempty"`

	// ReadTimeout and WriteTimeout bound single TLS reads and writes.
	// The session clock fires idle timeouts first; the read deadline is
	// the transport backstop behind it.
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" json:"read_timeout,omitempty"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout,omitempty"`

	// KeepAlive is the TCP keep-alive period on accepted connections.
	KeepAlive time.Duration `mapstructure:"keep_alive" yaml:"keep_alive" json:"keep_alive,omitempty"`

	// DrainTimeout is how long live sessions get to finish their
	// in-flight exchange during shutdown before connections are forced
	// closed.
	DrainTimeout time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout" json:"drain_timeout,omitempty"`

	// ShutdownTimeout bounds the whole Stop sequence.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout,omitempty"`

	// FloodGuard tunes per-peer handshake failure tracking. Zero fields
	// take the psktls defaults.
	FloodGuard psktls.FloodGuardConfig `mapstructure:"flood_guard" yaml:"flood_guard" json:"flood_guard,omitempty"`

	// ErrorRateThreshold and ErrorRateWindow control the
	// error_rate_exceeded warning: that many FAILED sessions within the
	// window publishes the event once per window.
	ErrorRateThreshold int           `mapstructure:"error_rate_threshold" yaml:"error_rate_threshold" json:"error_rate_threshold,omitempty"`
	ErrorRateWindow    time.Duration `mapstructure:"error_rate_window" yaml:"error_rate_window" json:"error_rate_window,omitempty"`
}

// ApplyDefaults fills zero fields in place.
func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.CipherTier == "" {
		c.CipherTier = TierProduction
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	def := psktls.DefaultFloodGuardConfig()
	if c.FloodGuard.Threshold <= 0 {
		c.FloodGuard.Threshold = def.Threshold
	}
	if c.FloodGuard.Window <= 0 {
		c.FloodGuard.Window = def.Window
	}
	if c.FloodGuard.Block <= 0 {
		c.FloodGuard.Block = def.Block
	}
	if c.ErrorRateThreshold <= 0 {
		c.ErrorRateThreshold = DefaultErrorRateThreshold
	}
	if c.ErrorRateWindow <= 0 {
		c.ErrorRateWindow = DefaultErrorRateWindow
	}
}

// Validate checks the fields an operator can get wrong. Call after
// ApplyDefaults.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Port)
	}
	switch c.CipherTier {
	case TierProduction, TierLegacy, TierDebug:
	default:
		return fmt.Errorf("server: unknown cipher tier %q", c.CipherTier)
	}
	return nil
}

// Addr returns the host:port bind address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) cipherSuites() []uint16 {
	switch c.CipherTier {
	case TierLegacy:
		return psktls.LegacyCipherSuites()
	case TierDebug:
		return psktls.DebugCipherSuites()
	default:
		return psktls.ProductionCipherSuites()
	}
}
