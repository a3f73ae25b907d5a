// Package session converts identity-observation events into attendance
// records through a per-identity-per-location state machine tolerating
// brief absences.
package session

import (
	"sync"
	"time"

	"eduvision/internal/model"
)

// State of a presence session.
type State string

const (
	// StateActive: the identity is currently observed at the location.
	StateActive State = "active"
	// StateAbsentGrace: no observation for the absence timeout; time-out has
	// been recorded but a return can still resurrect the session.
	StateAbsentGrace State = "absent-grace"
	// StateClosed: the grace period elapsed with no return. Terminal.
	StateClosed State = "closed"
)

// Key identifies a session by identity and location.
type Key struct {
	IdentityID string
	Location   string
}

// Session tracks one identity's current visit to one location. Sessions are
// owned exclusively by the Manager and mutated only under the per-key lock.
type Session struct {
	Key      Key
	Identity model.Identity
	CameraID string
	Room     string // canonical room name, empty when the camera is unmapped
	Date     string // model.DateLayout

	State       State
	FirstSeen   time.Time
	LastSeen    time.Time
	Accumulated time.Duration // present time, monotonically increasing per date

	Verdict  model.Verdict
	RecordID string

	TimeInRecorded  bool
	TimeOutRecorded bool
}

// Store holds live sessions keyed by (identity, location). Injected into
// the Manager so tests and multiple instances can supply their own.
type Store interface {
	Get(Key) *Session
	Put(*Session)
	Delete(Key)
	All() []*Session
}

// MemoryStore is the default in-process Store.
type MemoryStore struct {
	mu sync.RWMutex
	m  map[Key]*Session
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[Key]*Session)}
}

func (s *MemoryStore) Get(k Key) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m[k]
}

func (s *MemoryStore) Put(sess *Session) {
	s.mu.Lock()
	s.m[sess.Key] = sess
	s.mu.Unlock()
}

func (s *MemoryStore) Delete(k Key) {
	s.mu.Lock()
	delete(s.m, k)
	s.mu.Unlock()
}

func (s *MemoryStore) All() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.m))
	for _, sess := range s.m {
		out = append(out, sess)
	}
	return out
}
