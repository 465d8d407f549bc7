package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"medic-agent/internal/domain"
)

// LockStore persists one ConversationLock record per user.
type LockStore interface {
	GetLock(ctx context.Context, userID string) (domain.ConversationLock, bool, error)
	PutLock(ctx context.Context, lock domain.ConversationLock) error
	DeleteLockIfUnchanged(ctx context.Context, userID string, lockedAt time.Time) error
}

// LockManager tracks which agent owns a user's conversation. Acquisition is
// last-writer-wins; expiry is evaluated on read.
type LockManager struct {
	store LockStore
	ttl   time.Duration
	now   func() time.Time
}

func NewLockManager(store LockStore, ttl time.Duration) (*LockManager, error) {
	if store == nil {
		return nil, errors.New("usecase: lock store must not be nil")
	}
	if ttl <= 0 {
		ttl = domain.DefaultLockTTL
	}
	return &LockManager{store: store, ttl: ttl, now: time.Now}, nil
}

// GetActiveAgent returns the agent holding the user's lock. The bool is
// false, with AgentNone, when the record is missing, released or expired.
// An expired record is cleared on a best-effort basis.
func (m *LockManager) GetActiveAgent(ctx context.Context, userID string) (domain.AgentID, bool, error) {
	lock, found, err := m.store.GetLock(ctx, userID)
	if err != nil {
		return domain.AgentNone, false, newError(ErrorStoreUnavailable, "lock_read_error", err)
	}
	if !found {
		return domain.AgentNone, false, nil
	}

	now := m.now()
	if lock.Expired(now) {
		slog.Info("conversation lock expired", "user_id", userID, "agent", lock.ActiveAgent, "locked_at", lock.LockedAt)
		if err := m.store.DeleteLockIfUnchanged(ctx, userID, lock.LockedAt); err != nil {
			slog.Warn("failed to clear expired lock", "user_id", userID, "err", err)
		}
		return domain.AgentNone, false, nil
	}
	if !lock.Held(now) {
		return domain.AgentNone, false, nil
	}
	return lock.ActiveAgent, true, nil
}

// Acquire assigns the conversation to agent, overwriting any current owner.
func (m *LockManager) Acquire(ctx context.Context, userID string, agent domain.AgentID) error {
	if strings.TrimSpace(userID) == "" {
		return newError(ErrorInvalidInput, "missing_user_id", nil)
	}
	if !agent.IsSpecialized() {
		return newError(ErrorInvalidInput, "invalid_agent", nil)
	}
	err := m.store.PutLock(ctx, domain.ConversationLock{
		UserID:      userID,
		ActiveAgent: agent,
		LockedAt:    m.now(),
		TTL:         m.ttl,
	})
	if err != nil {
		return newError(ErrorStoreUnavailable, "lock_write_error", err)
	}
	slog.Info("conversation lock acquired", "user_id", userID, "agent", agent)
	return nil
}

// Release returns the conversation to the unlocked state. Releasing an
// unlocked conversation is a no-op in effect.
func (m *LockManager) Release(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return newError(ErrorInvalidInput, "missing_user_id", nil)
	}
	err := m.store.PutLock(ctx, domain.ConversationLock{
		UserID:      userID,
		ActiveAgent: domain.AgentNone,
		LockedAt:    m.now(),
		TTL:         m.ttl,
	})
	if err != nil {
		return newError(ErrorStoreUnavailable, "lock_release_error", err)
	}
	slog.Info("conversation lock released", "user_id", userID)
	return nil
}
