package domain

import "time"

// DefaultLockTTL is applied when a stored lock carries no TTL of its own.
const DefaultLockTTL = 24 * time.Hour

// ConversationLock records which agent currently owns a user's conversation.
type ConversationLock struct {
	UserID      string
	ActiveAgent AgentID
	LockedAt    time.Time
	TTL         time.Duration
}

func (l ConversationLock) ExpiresAt() time.Time {
	ttl := l.TTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return l.LockedAt.Add(ttl)
}

// Expired reports whether now is past locked_at + ttl.
func (l ConversationLock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt())
}

// Held reports whether the lock names a specialized agent and has not expired.
func (l ConversationLock) Held(now time.Time) bool {
	return l.ActiveAgent.IsSpecialized() && !l.Expired(now)
}
