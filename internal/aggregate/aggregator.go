package aggregate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"khata/internal/domain"
	"khata/internal/repo"
)

// Source is the store as the aggregator reads it.
type Source interface {
	Snapshot(ctx context.Context) ([]domain.WorkItem, int64, error)
	Get(ctx context.Context, id string) (domain.WorkItem, error)
	Now() time.Time
}

// Tailer delivers change log events after a cursor.
type Tailer interface {
	Tail(ctx context.Context, cursor int64, fn func(domain.Event) error) error
}

// Aggregator keeps the views current. It starts from a full recompute,
// then applies each change incrementally by re-reading the changed item,
// subtracting what the item contributed before and adding what it
// contributes now. A periodic full recompute repairs any drift.
type Aggregator struct {
	Source         Source
	Feed           Tailer
	TTL            time.Duration
	RepairInterval time.Duration
	Log            zerolog.Logger

	// apply serializes Refresh and Apply so a refresh never drops an
	// incremental change.
	apply  sync.Mutex
	mu     sync.RWMutex
	st     *state
	cursor int64
	ready  bool
}

func New(src Source, feed Tailer, ttl, repair time.Duration, log zerolog.Logger) *Aggregator {
	return &Aggregator{Source: src, Feed: feed, TTL: ttl, RepairInterval: repair, Log: log, st: newState()}
}

// Refresh recomputes every view from a store snapshot.
func (a *Aggregator) Refresh(ctx context.Context) error {
	a.apply.Lock()
	defer a.apply.Unlock()
	items, cursor, err := a.Source.Snapshot(ctx)
	if err != nil {
		return err
	}
	st := newState()
	for _, it := range items {
		st.upsert(it)
	}
	a.mu.Lock()
	a.st = st
	if cursor > a.cursor || !a.ready {
		a.cursor = cursor
	}
	a.ready = true
	a.mu.Unlock()
	a.Log.Debug().Int("items", len(items)).Int64("cursor", cursor).Msg("aggregates recomputed")
	return nil
}

// Apply folds one change into the views. Events at or below the current
// cursor are already reflected and are ignored, so replays are harmless.
func (a *Aggregator) Apply(ctx context.Context, evt domain.Event) error {
	a.apply.Lock()
	defer a.apply.Unlock()
	a.mu.RLock()
	seen := evt.ID <= a.cursor
	a.mu.RUnlock()
	if seen {
		return nil
	}
	it, err := a.Source.Get(ctx, evt.ItemID)
	var decErr *repo.DecodeError
	switch {
	case err == nil:
		a.mu.Lock()
		a.st.upsert(it)
		a.cursor = evt.ID
		a.mu.Unlock()
	case errors.Is(err, repo.ErrNotFound), errors.As(err, &decErr):
		a.Log.Warn().Err(err).Str("item_id", evt.ItemID).Msg("dropping unreadable item from aggregates")
		a.mu.Lock()
		a.st.remove(evt.ItemID)
		a.cursor = evt.ID
		a.mu.Unlock()
	default:
		return err
	}
	return nil
}

// Run recomputes once unless a Refresh already made the views ready, then
// follows the change feed until ctx is done.
func (a *Aggregator) Run(ctx context.Context) error {
	if !a.Ready() {
		if err := a.Refresh(ctx); err != nil {
			return err
		}
	}
	if a.RepairInterval > 0 {
		go a.repairLoop(ctx)
	}
	err := a.Feed.Tail(ctx, a.Cursor(), func(evt domain.Event) error {
		if err := a.Apply(ctx, evt); err != nil {
			a.Log.Warn().Err(err).Int64("event_id", evt.ID).Msg("incremental update failed, recomputing")
			if err := a.Refresh(ctx); err != nil {
				a.Log.Error().Err(err).Msg("recompute failed")
			}
		}
		return nil
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (a *Aggregator) repairLoop(ctx context.Context) {
	ticker := time.NewTicker(a.RepairInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Refresh(ctx); err != nil && ctx.Err() == nil {
				a.Log.Error().Err(err).Msg("periodic recompute failed")
			}
		}
	}
}

// Cursor is the newest change log id reflected in the views.
func (a *Aggregator) Cursor() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cursor
}

// Ready reports whether the first recompute has finished.
func (a *Aggregator) Ready() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ready
}

// Views returns a snapshot of every view. Lease expiry is judged against
// the store clock at call time.
func (a *Aggregator) Views() Views {
	now := a.Source.Now()
	a.mu.RLock()
	defer a.mu.RUnlock()
	v := a.st.views(now, a.TTL)
	v.Cursor = a.cursor
	return v
}

func (a *Aggregator) Models() []ModelStanding {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.st.modelViews()
}

func (a *Aggregator) Contributors() []ContributorStanding {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.st.contributorViews()
}

func (a *Aggregator) Active() []ActiveWorker {
	now := a.Source.Now()
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.st.activeViews(now, a.TTL)
}

func (a *Aggregator) Totals() Totals {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Totals{Total: len(a.st.items), Done: a.st.done, Pending: len(a.st.items) - a.st.done}
}
