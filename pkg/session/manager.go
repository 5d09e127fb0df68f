package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cardbench/scp81/pkg/event"
	"github.com/cardbench/scp81/pkg/metrics"
	"github.com/cardbench/scp81/pkg/store"
)

// ErrManagerClosed is returned by Create after Shutdown has begun.
var ErrManagerClosed = errors.New("session manager closed")

// Config wires a Manager's collaborators. Store and Bus may be nil, in
// which case persistence and event publication are disabled respectively.
type Config struct {
	Store    store.SessionStore
	Bus      *event.Bus
	Metrics  metrics.ServerMetrics
	Timeouts Timeouts
}

// ConnInfo describes the authenticated connection a new session runs over.
// Sessions are only created after the PSK-TLS handshake succeeded, so a
// rejected identity never produces a session.
type ConnInfo struct {
	Identity    string
	PeerAddr    string
	CipherSuite string

	// OnEnd, when non-nil, runs once on the session task right after the
	// session finalizes. The transport uses it to close the connection.
	OnEnd func()
}

// Manager tracks live sessions and owns their lifecycles. Each session
// runs on its own goroutine; the manager only holds the index.
type Manager struct {
	cfg Config

	mu     sync.RWMutex
	live   map[string]*Session
	closed bool

	total atomic.Uint64
	wg    sync.WaitGroup
}

// NewManager returns a Manager with defaults applied to zero timeout
// fields.
func NewManager(cfg Config) *Manager {
	cfg.Timeouts.ApplyDefaults()
	return &Manager{
		cfg:  cfg,
		live: make(map[string]*Session),
	}
}

// Create registers a session for an authenticated connection and starts
// its task. The returned session is already CONNECTED (or about to be; the
// transition happens first thing on the session goroutine).
func (m *Manager) Create(info ConnInfo) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}

	s := newSession(info, m.cfg)
	s.onEnd = func() {
		m.remove(s.id)
		if info.OnEnd != nil {
			info.OnEnd()
		}
	}
	m.live[s.id] = s
	m.total.Add(1)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.run()
	}()
	return s, nil
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.live, id)
	m.mu.Unlock()
}

// Get returns the live session with the given id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.live[id]
	return s, ok
}

// Sessions returns the live sessions at this instant.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.live))
	for _, s := range m.live {
		out = append(out, s)
	}
	return out
}

// List returns summaries of the live sessions, newest first. Sessions that
// end while the list is being assembled are skipped.
func (m *Manager) List(ctx context.Context) ([]Summary, error) {
	sessions := m.Sessions()
	out := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		sum, err := s.Snapshot(ctx)
		if err != nil {
			if errors.Is(err, ErrSessionClosed) {
				continue
			}
			return nil, err
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Active returns the number of live sessions.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.live)
}

// Total returns how many sessions were created since the manager started.
func (m *Manager) Total() uint64 {
	return m.total.Load()
}

// Shutdown ends every live session with reason "shutdown" and waits for
// their tasks to finish, bounded by ctx. New sessions are refused from the
// first moment.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.live))
	for _, s := range m.live {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.End(EndReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
