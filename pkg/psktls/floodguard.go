package psktls

import (
	"sync"
	"time"
)

// FloodGuardConfig tunes the per-peer handshake failure tracker.
type FloodGuardConfig struct {
	// Threshold is the number of handshake failures within Window that
	// trips the guard for a peer IP.
	Threshold int `mapstructure:"threshold" yaml:"threshold" json:"threshold,omitempty"`

	// Window is the sliding interval failures are counted over.
	Window time.Duration `mapstructure:"window" yaml:"window" json:"window,omitempty"`

	// Block is how long connections from a tripped IP are refused.
	Block time.Duration `mapstructure:"block" yaml:"block" json:"block,omitempty"`
}

// DefaultFloodGuardConfig matches the SCP81 bench policy: five failures in
// a minute blocks the peer for a minute.
func DefaultFloodGuardConfig() FloodGuardConfig {
	return FloodGuardConfig{
		Threshold: 5,
		Window:    60 * time.Second,
		Block:     60 * time.Second,
	}
}

// FloodGuard tracks PSK handshake failures per peer IP and decides when to
// start refusing connections. It is the only transport-level state shared
// across connections; all methods are safe for concurrent use.
type FloodGuard struct {
	mu    sync.Mutex
	cfg   FloodGuardConfig
	peers map[string]*peerRecord

	// now is replaceable for tests.
	now func() time.Time
}

type peerRecord struct {
	failures     []time.Time
	blockedUntil time.Time
}

// NewFloodGuard creates a guard with the given configuration. Zero fields
// fall back to the defaults.
func NewFloodGuard(cfg FloodGuardConfig) *FloodGuard {
	def := DefaultFloodGuardConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Block <= 0 {
		cfg.Block = def.Block
	}
	return &FloodGuard{
		cfg:   cfg,
		peers: make(map[string]*peerRecord),
		now:   time.Now,
	}
}

// RecordFailure registers one handshake failure from ip. It returns true
// exactly once per block period, when the failure count crosses the
// threshold; the caller emits the flood warning on that transition.
func (g *FloodGuard) RecordFailure(ip string) bool {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	rec := g.peers[ip]
	if rec == nil {
		rec = &peerRecord{}
		g.peers[ip] = rec
	}

	// Already tripped: extend nothing, the block stands as issued.
	if now.Before(rec.blockedUntil) {
		return false
	}

	rec.failures = append(rec.failures, now)
	rec.prune(now.Add(-g.cfg.Window))

	if len(rec.failures) >= g.cfg.Threshold {
		rec.blockedUntil = now.Add(g.cfg.Block)
		rec.failures = rec.failures[:0]
		return true
	}
	return false
}

// Blocked reports whether connections from ip are currently refused.
func (g *FloodGuard) Blocked(ip string) bool {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	rec := g.peers[ip]
	if rec == nil {
		return false
	}
	if now.Before(rec.blockedUntil) {
		return true
	}
	// Expired block and stale failures: drop the record to bound memory.
	rec.prune(now.Add(-g.cfg.Window))
	if len(rec.failures) == 0 && !rec.blockedUntil.IsZero() {
		delete(g.peers, ip)
	}
	return false
}

func (r *peerRecord) prune(cutoff time.Time) {
	keep := r.failures[:0]
	for _, t := range r.failures {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	r.failures = keep
}
