package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"medic-agent/internal/domain"
)

// FlushFunc receives a merged turn once its burst has gone quiet, or the
// store error that prevented the flush. It is not called for lost races.
type FlushFunc func(ctx context.Context, userID string, turn domain.MergedTurn, err error)

// Debouncer runs TryFlush on a timer instead of inside the request path.
// Each new snapshot for a user cancels that user's pending timer and
// schedules a fresh one, so a local burst triggers a single flush attempt.
// Bursts spread over several processes are still arbitrated by the store.
type Debouncer struct {
	agg     *Aggregator
	onFlush FlushFunc
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
	wg      sync.WaitGroup
}

// NewDebouncer creates a Debouncer. timeout bounds each flush callback,
// including the onFlush call.
func NewDebouncer(agg *Aggregator, onFlush FlushFunc, timeout time.Duration) (*Debouncer, error) {
	if agg == nil {
		return nil, errors.New("usecase: aggregator must not be nil")
	}
	if onFlush == nil {
		return nil, errors.New("usecase: flush callback must not be nil")
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Debouncer{
		agg:     agg,
		onFlush: onFlush,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		timers:  make(map[string]*time.Timer),
	}, nil
}

// Schedule arms the user's flush timer for snap, replacing any pending one.
func (d *Debouncer) Schedule(userID string, snap domain.TurnSnapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if t, ok := d.timers[userID]; ok && t.Stop() {
		d.wg.Done()
	}

	d.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(d.agg.Delay(snap), func() {
		defer d.wg.Done()
		d.mu.Lock()
		if d.timers[userID] == t {
			delete(d.timers, userID)
		}
		d.mu.Unlock()
		d.flush(userID, snap)
	})
	d.timers[userID] = t
}

// Pending reports how many users have an armed timer.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

// Stop cancels pending timers and waits for running callbacks to return.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	for userID, t := range d.timers {
		if t.Stop() {
			d.wg.Done()
		}
		delete(d.timers, userID)
	}
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}

func (d *Debouncer) flush(userID string, snap domain.TurnSnapshot) {
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	turn, ok, err := d.agg.TryFlush(ctx, userID, snap)
	if err != nil {
		slog.Error("debounced flush failed", "user_id", userID, "err", err)
		d.onFlush(ctx, userID, domain.MergedTurn{}, err)
		return
	}
	if !ok {
		return
	}
	d.onFlush(ctx, userID, turn, nil)
}
