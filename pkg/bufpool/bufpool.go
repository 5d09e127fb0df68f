// Package bufpool provides a tiered buffer pool for the TLS record path.
//
// Every record the admin server writes allocates a scratch buffer for
// padding and encryption plus the framed record itself; with many card
// connections polling concurrently those short-lived slices dominate
// allocation volume. The pool hands out reusable slices in three size
// classes so the record layer recycles instead of allocating:
//   - Small buffers (default 512B): bare APDU exchanges, alerts
//   - Medium buffers (default 4KB): scripted payloads, handshake flights
//   - Large buffers (default 20KB): one fully protected record
//
// Requests above the large class are allocated directly and never pooled,
// so an oversized outlier cannot pin memory.
//
// All operations are safe for concurrent use; the pools are sync.Pool
// underneath.
//
// Usage:
//
//	buf := bufpool.Get(size)
//	defer bufpool.Put(buf)
package bufpool

import (
	"sync"
)

// Default buffer size classes.
// These can be overridden when creating a custom pool with NewPool.
const (
	// DefaultSmallSize covers bare APDU frames and alert records (512B)
	DefaultSmallSize = 512

	// DefaultMediumSize covers scripted payloads and handshake flights (4KB)
	DefaultMediumSize = 4 << 10

	// DefaultLargeSize covers one maximum-size protected record (20KB)
	DefaultLargeSize = 20 << 10
)

// Pool manages a set of byte slice pools organized by size class.
// It selects the smallest class that fits the requested size and falls
// back to direct allocation for oversized requests.
type Pool struct {
	small      sync.Pool
	medium     sync.Pool
	large      sync.Pool
	smallSize  int
	mediumSize int
	largeSize  int
}

// Config holds configuration for creating a custom buffer pool.
type Config struct {
	// SmallSize is the size of small buffers (default: 512B)
	SmallSize int

	// MediumSize is the size of medium buffers (default: 4KB)
	MediumSize int

	// LargeSize is the size of large buffers (default: 20KB)
	LargeSize int
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		SmallSize:  DefaultSmallSize,
		MediumSize: DefaultMediumSize,
		LargeSize:  DefaultLargeSize,
	}
}

// NewPool creates a new buffer pool with the given configuration.
// If config is nil, default values are used.
func NewPool(cfg *Config) *Pool {
	if cfg == nil {
		defaultCfg := DefaultConfig()
		cfg = &defaultCfg
	}

	if cfg.SmallSize <= 0 {
		cfg.SmallSize = DefaultSmallSize
	}
	if cfg.MediumSize <= 0 {
		cfg.MediumSize = DefaultMediumSize
	}
	if cfg.LargeSize <= 0 {
		cfg.LargeSize = DefaultLargeSize
	}

	p := &Pool{
		smallSize:  cfg.SmallSize,
		mediumSize: cfg.MediumSize,
		largeSize:  cfg.LargeSize,
	}

	p.small = sync.Pool{
		New: func() any {
			buf := make([]byte, p.smallSize)
			return &buf
		},
	}
	p.medium = sync.Pool{
		New: func() any {
			buf := make([]byte, p.mediumSize)
			return &buf
		},
	}
	p.large = sync.Pool{
		New: func() any {
			buf := make([]byte, p.largeSize)
			return &buf
		},
	}

	return p
}

// Get returns a byte slice with length exactly size, backed by a pooled
// buffer whose capacity may be larger. The caller must call Put when done;
// a buffer that is never returned is simply garbage collected.
//
// Sizes above the large class are allocated directly and will not be
// pooled.
func (p *Pool) Get(size int) []byte {
	var bufPtr *[]byte

	switch {
	case size <= p.smallSize:
		bufPtr = p.small.Get().(*[]byte)
	case size <= p.mediumSize:
		bufPtr = p.medium.Get().(*[]byte)
	case size <= p.largeSize:
		bufPtr = p.large.Get().(*[]byte)
	default:
		buf := make([]byte, size)
		return buf
	}

	buf := *bufPtr
	return buf[:size]
}

// Put returns a buffer to the pool for reuse. The buffer must have come
// from Get and must not be used afterwards. Buffers whose capacity matches
// no size class (oversized direct allocations) are dropped for the GC.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}

	switch cap(buf) {
	case p.smallSize:
		fullBuf := buf[:cap(buf)]
		p.small.Put(&fullBuf)
	case p.mediumSize:
		fullBuf := buf[:cap(buf)]
		p.medium.Put(&fullBuf)
	case p.largeSize:
		fullBuf := buf[:cap(buf)]
		p.large.Put(&fullBuf)
	}
}

// globalPool is the package-level buffer pool with default configuration,
// shared by all record-layer connections in the process.
var globalPool = NewPool(nil)

// Get returns a byte slice of at least the requested size from the global
// pool.
func Get(size int) []byte {
	return globalPool.Get(size)
}

// Put returns a buffer to the global pool. Always pair with Get, usually
// via defer.
func Put(buf []byte) {
	globalPool.Put(buf)
}
