package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"medic-agent/internal/domain"
)

const (
	DefaultDebounceWindow  = 2 * time.Second
	DefaultDebounceHardCap = 10 * time.Second
)

// BurstStore is the shared store the Aggregator coordinates through. All
// operations are single-key and atomic.
type BurstStore interface {
	Append(ctx context.Context, userID string, kind domain.MediaKind, payload string) error
	IncrementTurn(ctx context.Context, userID string) (domain.TurnSnapshot, error)
	ClaimTurn(ctx context.Context, userID string, snap domain.TurnSnapshot, force bool) (bool, error)
	Drain(ctx context.Context, userID string, kind domain.MediaKind) ([]string, error)
}

// Aggregator collapses bursts of single-attachment webhook deliveries into
// one MergedTurn. It holds no per-user state of its own; concurrent callers
// in separate processes arbitrate through the BurstStore.
type Aggregator struct {
	store   BurstStore
	window  time.Duration
	hardCap time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewAggregator(store BurstStore, window, hardCap time.Duration) (*Aggregator, error) {
	if store == nil {
		return nil, errors.New("usecase: burst store must not be nil")
	}
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	if hardCap <= 0 {
		hardCap = DefaultDebounceHardCap
	}
	if hardCap < window {
		return nil, errors.New("usecase: debounce hard cap must not be shorter than the window")
	}
	return &Aggregator{
		store:   store,
		window:  window,
		hardCap: hardCap,
		now:     time.Now,
		sleep:   sleepContext,
	}, nil
}

// Window returns the debounce window.
func (a *Aggregator) Window() time.Duration {
	return a.window
}

// Enqueue buffers one attachment and bumps the user's turn counter. The
// payload is appended before the increment so that whoever observes the
// final counter value also sees every payload in the lists.
func (a *Aggregator) Enqueue(ctx context.Context, userID string, kind domain.MediaKind, payload string) (domain.TurnSnapshot, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.TurnSnapshot{}, newError(ErrorInvalidInput, "missing_user_id", nil)
	}
	if _, err := domain.ParseMediaKind(string(kind)); err != nil {
		return domain.TurnSnapshot{}, newError(ErrorInvalidInput, "invalid_kind", err)
	}
	if err := a.store.Append(ctx, userID, kind, payload); err != nil {
		return domain.TurnSnapshot{}, newError(ErrorStoreUnavailable, "burst_append_error", err)
	}
	snap, err := a.store.IncrementTurn(ctx, userID)
	if err != nil {
		return domain.TurnSnapshot{}, newError(ErrorStoreUnavailable, "turn_increment_error", err)
	}
	return snap, nil
}

// Delay is how long a caller holding snap should wait before TryFlush:
// the debounce window, clipped so the wake-up never lands past the hard cap.
func (a *Aggregator) Delay(snap domain.TurnSnapshot) time.Duration {
	d := a.window
	if untilCap := snap.FirstAt.Add(a.hardCap).Sub(a.now()); untilCap < d {
		d = untilCap
	}
	if d < 0 {
		return 0
	}
	return d
}

// TryFlush claims the burst if snap is still the latest observation of the
// user's counter, or if the hard cap has elapsed since the burst's first
// attachment. The winner drains all lists and gets ok=true; every other
// caller gets ok=false and a nil error.
func (a *Aggregator) TryFlush(ctx context.Context, userID string, snap domain.TurnSnapshot) (domain.MergedTurn, bool, error) {
	won, err := a.store.ClaimTurn(ctx, userID, snap, false)
	if err != nil {
		return domain.MergedTurn{}, false, newError(ErrorStoreUnavailable, "turn_claim_error", err)
	}
	if !won && a.now().Sub(snap.FirstAt) >= a.hardCap {
		won, err = a.store.ClaimTurn(ctx, userID, snap, true)
		if err != nil {
			return domain.MergedTurn{}, false, newError(ErrorStoreUnavailable, "turn_force_claim_error", err)
		}
		if won {
			slog.Info("burst force-flushed at hard cap", "user_id", userID, "counter", snap.Counter)
		}
	}
	if !won {
		slog.Debug("burst race lost", "user_id", userID, "counter", snap.Counter)
		return domain.MergedTurn{}, false, nil
	}

	turn := domain.MergedTurn{UserID: userID}
	for _, kind := range domain.MediaKinds {
		items, err := a.store.Drain(ctx, userID, kind)
		if err != nil {
			return domain.MergedTurn{}, false, newError(ErrorStoreUnavailable, "burst_drain_error", err)
		}
		switch kind {
		case domain.KindText:
			turn.Texts = items
		case domain.KindImage:
			turn.Images = items
		case domain.KindAudio:
			turn.Audio = items
		}
	}
	if turn.Empty() {
		// Lists expired before the claim; nothing left to deliver.
		return domain.MergedTurn{}, false, nil
	}
	slog.Info("burst merged", "user_id", userID, "texts", len(turn.Texts), "images", len(turn.Images), "audio", len(turn.Audio))
	return turn, true, nil
}

// Await blocks for Delay(snap) and then runs TryFlush. It is the synchronous
// form used where the runtime cannot keep a timer alive after responding.
func (a *Aggregator) Await(ctx context.Context, userID string, snap domain.TurnSnapshot) (domain.MergedTurn, bool, error) {
	if err := a.sleep(ctx, a.Delay(snap)); err != nil {
		return domain.MergedTurn{}, false, newError(ErrorInternal, "debounce_interrupted", err)
	}
	return a.TryFlush(ctx, userID, snap)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
