package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"khata/internal/domain"
	"khata/internal/repo"
)

const (
	DefaultLeaseTTL   = 40 * time.Minute
	DefaultScanWindow = 20
)

// Eligible reports whether worker may take item at now: the item is
// pending and its lease is free, already held by worker, or expired.
func Eligible(item domain.WorkItem, worker string, now time.Time, ttl time.Duration) bool {
	if item.Status != domain.StatusPending {
		return false
	}
	l := item.Lease
	return !l.Held || l.Holder == worker || l.Expired(now, ttl)
}

// Acquire leases the first eligible item of the configured scan window.
func (e Engine) Acquire(ctx context.Context, worker string) (domain.WorkItem, error) {
	return e.AcquireWithin(ctx, worker, e.window())
}

// AcquireWithin is Acquire with an explicit scan window. Items past the
// window are never considered, even when the window holds nothing
// eligible.
func (e Engine) AcquireWithin(ctx context.Context, worker string, window int) (domain.WorkItem, error) {
	worker = strings.TrimSpace(worker)
	if worker == "" {
		return domain.WorkItem{}, ErrWorkerRequired
	}
	if window <= 0 {
		window = e.window()
	}
	items, err := e.Store.Scan(ctx, repo.ScanOptions{Limit: window})
	if err != nil {
		return domain.WorkItem{}, &StoreUnavailableError{Op: "acquire", Err: err}
	}
	now := e.Store.Now()
	ttl := e.ttl()
	for _, it := range items {
		if !Eligible(it, worker, now, ttl) {
			continue
		}
		upd := repo.Update{
			Fields: map[string]any{
				"lock.state": true,
				"lock.user":  worker,
				"lock.time":  repo.ServerTimestamp,
			},
			Event: domain.EventItemLeased,
			Actor: worker,
		}
		if e.cas() {
			upd.IfVersion = it.Version
		}
		res, err := e.Store.UpdateFields(ctx, it.ID, upd)
		if errors.Is(err, repo.ErrConflict) {
			e.Log.Debug().Str("item_id", it.ID).Str("worker", worker).Msg("lost lease race, trying next item")
			continue
		}
		if err != nil {
			return domain.WorkItem{}, &StoreUnavailableError{Op: "acquire", ItemID: it.ID, Err: err}
		}
		prev := it.Lease
		it.Lease = domain.Lease{Held: true, Holder: worker, AcquiredAt: res.At}
		it.Version = res.Version
		evt := e.Log.Info().Str("item_id", it.ID).Str("worker", worker)
		if prev.Held && prev.Holder != worker {
			evt = evt.Str("reclaimed_from", prev.Holder)
		}
		evt.Msg("lease acquired")
		return it, nil
	}
	return domain.WorkItem{}, ErrNoItemsAvailable
}
