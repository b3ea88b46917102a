// Package sessionstore is the in-memory Session table (spec §3, §4.4
// "Session store"): getOrCreate/get/setMessages/append with the 50-turn cap
// and a ticker-driven 60-minute TTL sweeper. Grounded on the teacher's
// telegram.DefaultSessionManager (per-chatID map behind a sync.RWMutex) for
// the map shape, and telegram.CronService's scheduleLoop for the
// ticker-driven sweep goroutine.
package sessionstore

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentryclaw/gateway/internal/domain/entity"
)

const (
	maxTurns       = 50
	sessionTTL     = 60 * time.Minute
	sweepInterval  = 5 * time.Minute
)

// Store holds one Session per user plus a per-session mutex, giving the
// Orchestrator the "turns for one session are serialised" guarantee spec.md
// §5 requires without a global lock.
type Store struct {
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*entity.Session
	locks    map[string]*sync.Mutex

	onExpired func(userID string)
}

// NewStore returns an empty Store. Call RunSweeper in a goroutine to enable
// TTL eviction.
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		logger:   logger,
		sessions: make(map[string]*entity.Session),
		locks:    make(map[string]*sync.Mutex),
	}
}

// SetExpiryHandler registers the callback fired when the sweeper evicts a
// session, per spec.md §4.4 "fires onSessionExpired(userId)".
func (s *Store) SetExpiryHandler(fn func(userID string)) {
	s.onExpired = fn
}

// GetOrCreate returns userID's session, creating an empty one on first use.
func (s *Store) GetOrCreate(userID string) *entity.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	if !ok {
		now := time.Now()
		sess = &entity.Session{
			ID:        uuid.NewString(),
			UserID:    userID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.sessions[userID] = sess
		s.locks[userID] = &sync.Mutex{}
	}
	return sess
}

// Get returns userID's session if one exists.
func (s *Store) Get(userID string) (*entity.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[userID]
	return sess, ok
}

// Lock returns the per-session mutex backing spec.md §5's "serialise turns
// for the same session" rule; the Orchestrator holds it for the duration
// of one user turn.
func (s *Store) Lock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[userID] = lock
	}
	return lock
}

// SetMessages replaces userID's full history, enforcing the 50-turn cap
// (oldest dropped first) and bumping UpdatedAt (resets the TTL clock).
func (s *Store) SetMessages(userID string, messages []entity.ConversationTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	if !ok {
		now := time.Now()
		sess = &entity.Session{ID: uuid.NewString(), UserID: userID, CreatedAt: now}
		s.sessions[userID] = sess
		s.locks[userID] = &sync.Mutex{}
	}
	sess.Messages = capTurns(messages)
	sess.UpdatedAt = time.Now()
}

// Append adds one turn to userID's history, enforcing the cap.
func (s *Store) Append(userID string, role entity.TurnRole, content interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	if !ok {
		now := time.Now()
		sess = &entity.Session{ID: uuid.NewString(), UserID: userID, CreatedAt: now}
		s.sessions[userID] = sess
		s.locks[userID] = &sync.Mutex{}
	}
	sess.Messages = capTurns(append(sess.Messages, entity.ConversationTurn{
		Role: role, Content: content, Timestamp: time.Now(),
	}))
	sess.UpdatedAt = time.Now()
}

func capTurns(turns []entity.ConversationTurn) []entity.ConversationTurn {
	if len(turns) <= maxTurns {
		return turns
	}
	return turns[len(turns)-maxTurns:]
}

// RunSweeper evicts sessions idle longer than sessionTTL every
// sweepInterval, until stop is closed.
func (s *Store) RunSweeper(stop <-chan struct{}) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	cutoff := time.Now().Add(-sessionTTL)

	s.mu.Lock()
	var expired []string
	for userID, sess := range s.sessions {
		if sess.UpdatedAt.Before(cutoff) {
			expired = append(expired, userID)
			delete(s.sessions, userID)
			delete(s.locks, userID)
		}
	}
	s.mu.Unlock()

	for _, userID := range expired {
		s.logger.Info("session expired", zap.String("user_id", userID))
		if s.onExpired != nil {
			s.onExpired(userID)
		}
	}
}
