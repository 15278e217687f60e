package session

import (
	"context"
	"sync"
	"time"

	agenterrors "github.com/opsagent-dev/opsagent/pkg/agent/errors"
)

// MemoryService is an in-process Service for local development and
// tests. Appends serialize on a per-session mutex; the map lock is
// held only long enough to find or create the entry, so sessions do
// not block each other.
type MemoryService struct {
	retention time.Duration

	mu       sync.RWMutex
	sessions map[string]*memorySession

	now func() time.Time
}

type memorySession struct {
	mu   sync.Mutex
	data Session

	// deleted marks an entry removed from the map while a writer held
	// a stale pointer to it. Writers re-resolve instead of appending
	// to the orphan.
	deleted bool
}

// NewMemoryService creates an empty in-memory store. A zero retention
// means sessions never expire.
func NewMemoryService(retention time.Duration) *MemoryService {
	return &MemoryService{
		retention: retention,
		sessions:  make(map[string]*memorySession),
		now:       time.Now,
	}
}

func (m *MemoryService) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	entry, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.deleted || expired(&entry.data, m.now()) {
		return nil, ErrNotFound
	}
	return copySession(&entry.data), nil
}

func (m *MemoryService) Append(ctx context.Context, id, subject string, turns ...Turn) (*Session, error) {
	if id == "" {
		return nil, &agenterrors.StoreError{Op: "append", Err: errEmptyID}
	}

	for {
		m.mu.Lock()
		entry, ok := m.sessions[id]
		if !ok {
			now := m.now()
			entry = &memorySession{data: Session{
				ID:        id,
				Subject:   subject,
				CreatedAt: now,
				UpdatedAt: now,
			}}
			if m.retention > 0 {
				deadline := now.Add(m.retention)
				entry.data.ExpiresAt = &deadline
			}
			m.sessions[id] = entry
		}
		m.mu.Unlock()

		entry.mu.Lock()
		if entry.deleted {
			// A concurrent Delete or sweep removed the entry between
			// the map lookup and here.
			entry.mu.Unlock()
			continue
		}

		now := m.now()
		for _, t := range turns {
			if t.CreatedAt.IsZero() {
				t.CreatedAt = now
			}
			entry.data.Turns = append(entry.data.Turns, t)
		}
		entry.data.UpdatedAt = now
		out := copySession(&entry.data)
		entry.mu.Unlock()
		return out, nil
	}
}

func (m *MemoryService) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	entry.mu.Lock()
	entry.deleted = true
	entry.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryService) SweepExpired(ctx context.Context) (int, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, entry := range m.sessions {
		if expired(&entry.data, now) {
			entry.mu.Lock()
			entry.deleted = true
			entry.mu.Unlock()
			delete(m.sessions, id)
			removed++
		}
	}
	return removed, nil
}

func expired(s *Session, now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

func copySession(s *Session) *Session {
	out := *s
	out.Turns = make([]Turn, len(s.Turns))
	copy(out.Turns, s.Turns)
	return &out
}
