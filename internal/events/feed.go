package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"khata/internal/domain"
)

// Source reads the change log in id order.
type Source interface {
	EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error)
}

// Feed tails the change log. Writers call Notify after commit so tailers
// wake immediately; the poll interval covers writes from other processes
// sharing the database.
type Feed struct {
	Source       Source
	PollInterval time.Duration
	BatchSize    int
	Log          zerolog.Logger

	mu   sync.Mutex
	wake chan struct{}
	last int64
}

func NewFeed(src Source, poll time.Duration, log zerolog.Logger) *Feed {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Feed{Source: src, PollInterval: poll, BatchSize: 200, Log: log, wake: make(chan struct{})}
}

// Notify wakes every tailer. eventID is the newest committed id.
func (f *Feed) Notify(eventID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if eventID > f.last {
		f.last = eventID
	}
	if f.wake == nil {
		f.wake = make(chan struct{})
	}
	close(f.wake)
	f.wake = make(chan struct{})
}

// LastNotified returns the newest id passed to Notify.
func (f *Feed) LastNotified() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *Feed) waiter() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.wake == nil {
		f.wake = make(chan struct{})
	}
	return f.wake
}

// Tail calls fn for every event after cursor, in order, until ctx is done
// or fn returns an error. Read errors are logged and retried on the next
// poll.
func (f *Feed) Tail(ctx context.Context, cursor int64, fn func(domain.Event) error) error {
	batch := f.BatchSize
	if batch <= 0 {
		batch = 200
	}
	for {
		wake := f.waiter()
		evts, err := f.Source.EventsAfter(ctx, cursor, batch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.Log.Warn().Err(err).Int64("cursor", cursor).Msg("change feed read failed")
		}
		for _, evt := range evts {
			if err := fn(evt); err != nil {
				return err
			}
			cursor = evt.ID
		}
		if err == nil && len(evts) == batch {
			continue
		}
		timer := time.NewTimer(f.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}
