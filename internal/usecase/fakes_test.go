package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"medic-agent/internal/domain"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type turnRecord struct {
	turn    int64
	firstAt time.Time
}

// memBurstStore mirrors the single-key atomic semantics of BurstClient.
type memBurstStore struct {
	mu       sync.Mutex
	now      func() time.Time
	lists    map[string][]string
	counters map[string]*turnRecord

	appendErr error
	incrErr   error
	claimErr  error
	drainErr  error
	claims    int
}

func newMemBurstStore(now func() time.Time) *memBurstStore {
	return &memBurstStore{
		now:      now,
		lists:    make(map[string][]string),
		counters: make(map[string]*turnRecord),
	}
}

func listKey(userID string, kind domain.MediaKind) string {
	return fmt.Sprintf("%s:%s", userID, kind)
}

func (s *memBurstStore) Append(_ context.Context, userID string, kind domain.MediaKind, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	k := listKey(userID, kind)
	s.lists[k] = append(s.lists[k], payload)
	return nil
}

func (s *memBurstStore) IncrementTurn(_ context.Context, userID string) (domain.TurnSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incrErr != nil {
		return domain.TurnSnapshot{}, s.incrErr
	}
	rec, ok := s.counters[userID]
	if !ok {
		rec = &turnRecord{firstAt: s.now()}
		s.counters[userID] = rec
	}
	rec.turn++
	return domain.TurnSnapshot{Counter: rec.turn, FirstAt: rec.firstAt}, nil
}

func (s *memBurstStore) ClaimTurn(_ context.Context, userID string, snap domain.TurnSnapshot, force bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims++
	if s.claimErr != nil {
		return false, s.claimErr
	}
	rec, ok := s.counters[userID]
	if !ok || !rec.firstAt.Equal(snap.FirstAt) {
		return false, nil
	}
	if !force && rec.turn != snap.Counter {
		return false, nil
	}
	delete(s.counters, userID)
	return true, nil
}

func (s *memBurstStore) Drain(_ context.Context, userID string, kind domain.MediaKind) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drainErr != nil {
		return nil, s.drainErr
	}
	k := listKey(userID, kind)
	items := s.lists[k]
	delete(s.lists, k)
	return items, nil
}

type memLockStore struct {
	mu      sync.Mutex
	locks   map[string]domain.ConversationLock
	getErr  error
	putErr  error
	puts    int
	deletes int
}

func newMemLockStore() *memLockStore {
	return &memLockStore{locks: make(map[string]domain.ConversationLock)}
}

func (s *memLockStore) GetLock(_ context.Context, userID string) (domain.ConversationLock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return domain.ConversationLock{}, false, s.getErr
	}
	l, ok := s.locks[userID]
	return l, ok, nil
}

func (s *memLockStore) PutLock(_ context.Context, lock domain.ConversationLock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if s.putErr != nil {
		return s.putErr
	}
	s.locks[lock.UserID] = lock
	return nil
}

func (s *memLockStore) DeleteLockIfUnchanged(_ context.Context, userID string, lockedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[userID]; ok && l.LockedAt.Equal(lockedAt) {
		delete(s.locks, userID)
		s.deletes++
	}
	return nil
}

type invokeCall struct {
	agent domain.AgentID
	turn  domain.MergedTurn
}

type stubInvoker struct {
	mu    sync.Mutex
	reply string
	err   error
	calls []invokeCall
}

func (s *stubInvoker) Invoke(_ context.Context, agent domain.AgentID, turn domain.MergedTurn) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, invokeCall{agent: agent, turn: turn})
	return s.reply, s.err
}

func (s *stubInvoker) Calls() []invokeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]invokeCall(nil), s.calls...)
}

type stubClassifier struct {
	agent domain.AgentID
	calls int
}

func (s *stubClassifier) Classify(_ domain.MergedTurn) domain.AgentID {
	s.calls++
	return s.agent
}

type statusErr struct{ code int }

func (e statusErr) Error() string       { return fmt.Sprintf("status %d", e.code) }
func (e statusErr) HTTPStatusCode() int { return e.code }

type permanentErr struct{}

func (permanentErr) Error() string   { return "no such agent" }
func (permanentErr) Permanent() bool { return true }
