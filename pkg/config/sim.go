package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cardbench/scp81/internal/hexutil"
	"github.com/cardbench/scp81/pkg/sim"
)

// SimConfig carries the card simulator defaults. scp81sim reads this section
// and lets command-line flags override individual fields.
type SimConfig struct {
	// Addr is the admin server to pull from, host:port.
	// Default: 127.0.0.1:8443
	Addr string `mapstructure:"addr" yaml:"addr" json:"addr"`

	// Identity is the PSK identity the simulated card presents.
	Identity string `mapstructure:"identity" yaml:"identity" json:"identity"`

	// KeyHex is the pre-shared key as a hex string (16 or 32 bytes).
	// Like all key material it should come from the environment in real
	// deployments: SCP81_SIM_KEY_HEX.
	KeyHex string `mapstructure:"key_hex" yaml:"key_hex" json:"key_hex,omitempty"`

	// Path is the admin URL path requested in each pull.
	// Default: /admin
	Path string `mapstructure:"path" yaml:"path" json:"path"`

	// StartDelay pauses between handshake and first pull so the operator
	// has time to queue commands against the fresh session.
	StartDelay time.Duration `mapstructure:"start_delay" yaml:"start_delay" json:"start_delay,omitempty"`

	// Behaviour shapes the simulated card's responses.
	Behaviour BehaviourConfig `mapstructure:"behaviour" yaml:"behaviour" json:"behaviour"`
}

// BehaviourConfig configures the simulator's fault injection.
type BehaviourConfig struct {
	// Mode selects the response shaping: normal, error or timeout.
	// Default: normal
	Mode string `mapstructure:"mode" validate:"omitempty,oneof=normal error timeout" yaml:"mode" json:"mode"`

	// Delay is a fixed processing latency added to every response.
	Delay time.Duration `mapstructure:"delay" yaml:"delay" json:"delay,omitempty"`

	// Probability is the per-exchange chance in [0,1] that error or
	// timeout mode strikes.
	Probability float64 `mapstructure:"probability" validate:"omitempty,gte=0,lte=1" yaml:"probability" json:"probability,omitempty"`

	// ErrorSWs is the pool of status words error mode draws from, as hex
	// strings ("6A80"). Empty means 6F00.
	ErrorSWs []string `mapstructure:"error_sws" yaml:"error_sws" json:"error_sws,omitempty"`

	// TimeoutMin and TimeoutMax bound the stall drawn in timeout mode.
	TimeoutMin time.Duration `mapstructure:"timeout_min" yaml:"timeout_min" json:"timeout_min,omitempty"`
	TimeoutMax time.Duration `mapstructure:"timeout_max" yaml:"timeout_max" json:"timeout_max,omitempty"`

	// Seed makes the random draws reproducible when nonzero.
	Seed uint64 `mapstructure:"seed" yaml:"seed" json:"seed,omitempty"`
}

// ClientConfig translates the section into a sim.Config ready for sim.New.
// Key material is decoded here and nowhere else; callers must not log the
// returned config.
func (c *SimConfig) ClientConfig() (sim.Config, error) {
	key, err := hexutil.Decode(c.KeyHex)
	if err != nil {
		return sim.Config{}, fmt.Errorf("invalid sim key: %w", err)
	}

	behaviour, err := c.Behaviour.build()
	if err != nil {
		return sim.Config{}, err
	}

	return sim.Config{
		Addr:       c.Addr,
		Path:       c.Path,
		Identity:   c.Identity,
		Key:        key,
		StartDelay: c.StartDelay,
		Behaviour:  behaviour,
	}, nil
}

// build converts the hex status word pool and copies the scalar knobs.
func (c *BehaviourConfig) build() (sim.Behaviour, error) {
	sws := make([]uint16, 0, len(c.ErrorSWs))
	for _, s := range c.ErrorSWs {
		sw, err := ParseSW(s)
		if err != nil {
			return sim.Behaviour{}, err
		}
		sws = append(sws, sw)
	}

	return sim.Behaviour{
		Mode:        sim.Mode(c.Mode),
		Delay:       c.Delay,
		Probability: c.Probability,
		ErrorSWs:    sws,
		TimeoutMin:  c.TimeoutMin,
		TimeoutMax:  c.TimeoutMax,
		Seed:        c.Seed,
	}, nil
}

// ParseSW parses a status word given as four hex digits, e.g. "6A80".
func ParseSW(s string) (uint16, error) {
	if len(s) != 4 {
		return 0, fmt.Errorf("status word %q must be four hex digits", s)
	}
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid status word %q: %w", s, err)
	}
	return uint16(v), nil
}
