package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"khata/internal/domain"
)

// Message is the relayed form of one change log event.
type Message struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ItemID     string          `json:"item_id"`
	ActorID    string          `json:"actor_id,omitempty"`
	Version    int64           `json:"version"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func MessageFrom(evt domain.Event) Message {
	msg := Message{
		ID:      evt.ID,
		Type:    evt.Type,
		ItemID:  evt.ItemID,
		ActorID: evt.ActorID,
		Version: evt.Version,
		TS:      evt.TS,
		Payload: json.RawMessage("{}"),
	}
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			msg.Payload = json.RawMessage(evt.Payload)
		} else {
			msg.PayloadRaw = evt.Payload
		}
	}
	return msg
}

// Sink receives relayed events.
type Sink interface {
	Name() string
	Accepts(evtType string) bool
	Deliver(ctx context.Context, msg Message) error
}

// Tailer delivers change log events after a cursor.
type Tailer interface {
	Tail(ctx context.Context, cursor int64, fn func(domain.Event) error) error
}

const (
	defaultRetryBase = 500 * time.Millisecond
	defaultRetryMax  = 30 * time.Second
)

// Relay forwards change events to every sink. Each sink follows the feed
// on its own cursor, starting at the newest event when the relay starts,
// and a failed delivery is retried until it succeeds so no event is
// skipped.
type Relay struct {
	Feed      Tailer
	Start     func(ctx context.Context) (int64, error)
	Sinks     []Sink
	RetryBase time.Duration
	RetryMax  time.Duration
	Log       zerolog.Logger
}

// Run blocks until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	if len(r.Sinks) == 0 {
		return nil
	}
	var cursor int64
	if r.Start != nil {
		var err error
		if cursor, err = r.Start(ctx); err != nil {
			return err
		}
	}
	var wg sync.WaitGroup
	for _, sink := range r.Sinks {
		wg.Add(1)
		go func(sink Sink) {
			defer wg.Done()
			r.follow(ctx, sink, cursor)
		}(sink)
	}
	wg.Wait()
	return nil
}

func (r *Relay) follow(ctx context.Context, sink Sink, cursor int64) {
	log := r.Log.With().Str("sink", sink.Name()).Logger()
	err := r.Feed.Tail(ctx, cursor, func(evt domain.Event) error {
		if !sink.Accepts(evt.Type) {
			return nil
		}
		return r.deliver(ctx, log, sink, MessageFrom(evt))
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("relay stopped")
	}
}

func (r *Relay) deliver(ctx context.Context, log zerolog.Logger, sink Sink, msg Message) error {
	wait := r.RetryBase
	if wait <= 0 {
		wait = defaultRetryBase
	}
	ceiling := r.RetryMax
	if ceiling <= 0 {
		ceiling = defaultRetryMax
	}
	for {
		err := sink.Deliver(ctx, msg)
		if err == nil {
			log.Debug().Int64("event_id", msg.ID).Str("type", msg.Type).Msg("event relayed")
			return nil
		}
		log.Warn().Err(err).Int64("event_id", msg.ID).Dur("retry_in", wait).Msg("relay delivery failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > ceiling {
			wait = ceiling
		}
	}
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
