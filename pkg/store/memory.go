package store

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// MemoryStore keeps session history in process memory. It backs benches
// that run with persistence disabled; history is lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionRecord
	apdus    map[string][]*APDURecord
}

// NewMemory creates an empty in-memory session store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*SessionRecord),
		apdus:    make(map[string][]*APDURecord),
	}
}

// RecordSession inserts or rewrites the row for rec.ID.
func (s *MemoryStore) RecordSession(_ context.Context, rec *SessionRecord) error {
	if rec.ID == "" {
		return errMissingSessionID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[rec.ID] = cloneSessionRecord(rec)
	return nil
}

// AppendAPDU appends one exchange row to the session's history.
func (s *MemoryStore) AppendAPDU(_ context.Context, rec *APDURecord) error {
	if rec.SessionID == "" {
		return errMissingSessionID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.apdus[rec.SessionID] {
		if existing.Seq == rec.Seq {
			return ErrDuplicateAPDU
		}
	}
	cp := *rec
	s.apdus[rec.SessionID] = append(s.apdus[rec.SessionID], &cp)
	return nil
}

// GetSession returns the session row with the given id.
func (s *MemoryStore) GetSession(_ context.Context, id string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSessionRecord(rec), nil
}

// LoadSessions returns persisted sessions, newest first.
func (s *MemoryStore) LoadSessions(_ context.Context, opts LoadOptions) ([]*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := make([]*SessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		if opts.Identity != "" && rec.PSKIdentity != opts.Identity {
			continue
		}
		recs = append(recs, cloneSessionRecord(rec))
	}

	slices.SortFunc(recs, func(a, b *SessionRecord) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if opts.Limit > 0 && len(recs) > opts.Limit {
		recs = recs[:opts.Limit]
	}
	return recs, nil
}

// LoadAPDUs returns the exchange history of one session in seq order.
func (s *MemoryStore) LoadAPDUs(_ context.Context, sessionID string) ([]*APDURecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}

	rows := s.apdus[sessionID]
	recs := make([]*APDURecord, 0, len(rows))
	for _, rec := range rows {
		cp := *rec
		recs = append(recs, &cp)
	}
	slices.SortFunc(recs, func(a, b *APDURecord) int { return a.Seq - b.Seq })
	return recs, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func cloneSessionRecord(rec *SessionRecord) *SessionRecord {
	cp := *rec
	if rec.EndedAt != nil {
		t := *rec.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

// Compile-time interface check
var _ SessionStore = (*MemoryStore)(nil)
