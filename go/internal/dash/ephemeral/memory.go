package ephemeral

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/dashtrack/go/internal/metrics"
	"github.com/mcdev12/dashtrack/go/internal/models"
	"github.com/rs/zerolog/log"
)

// DefaultMemorySize is the capacity used when NewMemoryStore gets a non-positive size.
const DefaultMemorySize = 10_000

type memoryEntry struct {
	session   *models.Session
	expiresAt time.Time
}

type memoryClaim struct {
	state     string
	expiresAt time.Time
}

// MemoryStore is a single-process Store backed by an LRU. It is meant for development and
// tests; sessions do not survive a restart. Expiry follows the injected clock. When the
// store is full the least recently used session is evicted, finished or not.
type MemoryStore[K models.Kind] struct {
	mu     sync.Mutex
	cache  *lru.Cache[string, memoryEntry]
	claims map[string]memoryClaim
	clock  clockwork.Clock
	ttl    time.Duration

	// removing is set around explicit removals so onEvict only reports capacity evictions.
	removing bool
}

// NewMemoryStore holds up to size sessions, each expiring ttl after its last write.
func NewMemoryStore[K models.Kind](size int, clock clockwork.Clock, ttl time.Duration) *MemoryStore[K] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if size <= 0 {
		size = DefaultMemorySize
	}
	s := &MemoryStore[K]{
		claims: make(map[string]memoryClaim),
		clock:  clock,
		ttl:    ttl,
	}
	// Only fails for a non-positive size.
	s.cache, _ = lru.NewWithEvict[string, memoryEntry](size, s.onEvict)
	return s
}

func (s *MemoryStore[K]) onEvict(key string, entry memoryEntry) {
	if s.removing {
		return
	}
	var k K
	metrics.SessionsEvicted.WithLabelValues(k.Namespace()).Inc()
	log.Warn().
		Str("kind", k.Namespace()).
		Str("user_id", entry.session.UserID).
		Str("session_id", entry.session.ID).
		Str("status", string(entry.session.Status)).
		Msg("memory store full, evicted session")
}

// lookup returns the live entry under key, dropping it when expired. Callers hold s.mu.
func (s *MemoryStore[K]) lookup(key string) (*models.Session, bool) {
	entry, ok := s.cache.Get(key)
	if !ok {
		return nil, false
	}
	if !s.clock.Now().Before(entry.expiresAt) {
		s.remove(key)
		return nil, false
	}
	return entry.session, true
}

func (s *MemoryStore[K]) store(key string, sess *models.Session) {
	s.cache.Add(key, memoryEntry{session: sess, expiresAt: s.clock.Now().Add(s.ttl)})
}

func (s *MemoryStore[K]) remove(key string) {
	s.removing = true
	s.cache.Remove(key)
	s.removing = false
}

func (s *MemoryStore[K]) Get(_ context.Context, userID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.lookup(Key[K](userID))
	if !ok {
		return nil, ErrNoSession
	}
	return clone(sess), nil
}

func (s *MemoryStore[K]) CreateOrGet(_ context.Context, userID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Key[K](userID)
	if sess, ok := s.lookup(key); ok && sess.Status != models.SessionStatusCompleted {
		return clone(sess), nil
	}

	sess := newSession(userID, s.clock.Now())
	s.store(key, sess)
	return clone(sess), nil
}

func (s *MemoryStore[K]) AssignTask(_ context.Context, userID, taskID string) (*models.Session, error) {
	return s.update(userID, assignTask(taskID))
}

func (s *MemoryStore[K]) UnassignTask(_ context.Context, userID string) (*models.Session, error) {
	return s.update(userID, unassignTask)
}

func (s *MemoryStore[K]) AddEvent(_ context.Context, userID string, event models.Event) (*models.Session, error) {
	return s.update(userID, addEvent(event))
}

func (s *MemoryStore[K]) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(Key[K](userID))
	return nil
}

func (s *MemoryStore[K]) Exists(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.lookup(Key[K](userID))
	return ok, nil
}

func (s *MemoryStore[K]) ClaimCommit(_ context.Context, userID, sessionID string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := commitKey[K](userID, sessionID)
	now := s.clock.Now()
	if c, ok := s.claims[key]; ok && now.Before(c.expiresAt) {
		return false, nil
	}
	s.claims[key] = memoryClaim{state: claimPending, expiresAt: now.Add(lease)}
	return true, nil
}

func (s *MemoryStore[K]) ReleaseCommit(_ context.Context, userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := commitKey[K](userID, sessionID)
	if c, ok := s.claims[key]; ok && c.state == claimPending {
		delete(s.claims, key)
	}
	return nil
}

func (s *MemoryStore[K]) CompleteCommit(_ context.Context, userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for key, c := range s.claims {
		if !now.Before(c.expiresAt) {
			delete(s.claims, key)
		}
	}
	s.claims[commitKey[K](userID, sessionID)] = memoryClaim{state: claimCommitted, expiresAt: now.Add(s.ttl)}

	key := Key[K](userID)
	if sess, ok := s.lookup(key); ok && sess.ID == sessionID {
		s.remove(key)
	}
	return nil
}

func (s *MemoryStore[K]) update(userID string, fn func(*models.Session) error) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Key[K](userID)
	current, ok := s.lookup(key)
	if !ok {
		return nil, ErrNoSession
	}

	sess := clone(current)
	if err := fn(sess); err != nil {
		return nil, err
	}
	sess.UpdatedAt = s.clock.Now()
	s.store(key, sess)
	return clone(sess), nil
}
