package sessionstore

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sentryclaw/gateway/internal/domain/entity"
)

func TestAppendEnforcesFiftyTurnCap(t *testing.T) {
	s := NewStore(zap.NewNop())
	for i := 0; i < 60; i++ {
		s.Append("u1", entity.TurnRoleUser, "hi")
	}
	sess, ok := s.Get("u1")
	if !ok {
		t.Fatal("expected session to exist")
	}
	if len(sess.Messages) != maxTurns {
		t.Fatalf("expected %d turns, got %d", maxTurns, len(sess.Messages))
	}
}

func TestSweepEvictsIdleSessionsAndFiresCallback(t *testing.T) {
	s := NewStore(zap.NewNop())
	var expiredUser string
	s.SetExpiryHandler(func(userID string) { expiredUser = userID })

	s.Append("u1", entity.TurnRoleUser, "hi")
	sess, _ := s.Get("u1")
	sess.UpdatedAt = time.Now().Add(-sessionTTL - time.Minute)

	s.sweep()

	if _, ok := s.Get("u1"); ok {
		t.Fatal("expected idle session to be evicted")
	}
	if expiredUser != "u1" {
		t.Fatalf("expected onExpired callback for u1, got %q", expiredUser)
	}
}

func TestLockIsStablePerUser(t *testing.T) {
	s := NewStore(zap.NewNop())
	l1 := s.Lock("u1")
	l2 := s.Lock("u1")
	if l1 != l2 {
		t.Fatal("expected the same mutex instance for repeated calls with the same user")
	}
}
