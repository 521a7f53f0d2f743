package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"khata/internal/config"
	"khata/internal/domain"
	"khata/internal/notify"
)

type sliceTailer struct {
	events []domain.Event
}

func (s sliceTailer) Tail(ctx context.Context, cursor int64, fn func(domain.Event) error) error {
	for _, evt := range s.events {
		if evt.ID <= cursor {
			continue
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

type flakySink struct {
	mu       sync.Mutex
	failures int
	accept   string
	got      []notify.Message
	done     chan struct{}
	want     int
}

func (s *flakySink) Name() string { return "flaky" }

func (s *flakySink) Accepts(evtType string) bool { return s.accept == "" || evtType == s.accept }

func (s *flakySink) Deliver(_ context.Context, msg notify.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("unavailable")
	}
	s.got = append(s.got, msg)
	if len(s.got) == s.want {
		close(s.done)
	}
	return nil
}

func TestRelayRetriesAndFilters(t *testing.T) {
	evts := []domain.Event{
		{ID: 1, Type: domain.EventItemCreated, ItemID: "item-0"},
		{ID: 2, Type: domain.EventItemSubmitted, ItemID: "item-1", Payload: `{"status":"done"}`},
		{ID: 3, Type: domain.EventItemLeased, ItemID: "item-2"},
		{ID: 4, Type: domain.EventItemSubmitted, ItemID: "item-2", Payload: "not json"},
	}
	sink := &flakySink{failures: 2, accept: domain.EventItemSubmitted, done: make(chan struct{}), want: 2}
	relay := &notify.Relay{
		Feed:      sliceTailer{events: evts},
		Start:     func(context.Context) (int64, error) { return 1, nil },
		Sinks:     []notify.Sink{sink},
		RetryBase: time.Millisecond,
		Log:       zerolog.Nop(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- relay.Run(ctx) }()
	select {
	case <-sink.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("events not relayed")
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("run: %v", err)
	}
	if sink.got[0].ID != 2 || sink.got[1].ID != 4 {
		t.Fatalf("unexpected deliveries %+v", sink.got)
	}
	if string(sink.got[0].Payload) != `{"status":"done"}` || sink.got[1].PayloadRaw != "not json" {
		t.Fatalf("unexpected payloads %+v", sink.got)
	}
}

func TestWebhookSinkDelivers(t *testing.T) {
	var (
		gotHeaders http.Header
		gotBody    notify.Message
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := notify.NewWebhookSink(config.Webhook{URL: srv.URL, Secret: "s3cret", Events: []string{domain.EventItemSubmitted}}, "pilot")
	if sink.Accepts(domain.EventItemLeased) || !sink.Accepts(domain.EventItemSubmitted) {
		t.Fatalf("filter mismatch")
	}
	msg := notify.MessageFrom(domain.Event{ID: 7, Type: domain.EventItemSubmitted, ItemID: "item-1", ActorID: "a@example.com", Version: 5, Payload: `{}`})
	if err := sink.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if gotHeaders.Get("X-Khata-Event") != domain.EventItemSubmitted || gotHeaders.Get("X-Khata-Delivery") != "7" ||
		gotHeaders.Get("X-Khata-Secret") != "s3cret" || gotHeaders.Get("X-Khata-Project") != "pilot" {
		t.Fatalf("unexpected headers %v", gotHeaders)
	}
	if gotBody.ItemID != "item-1" || gotBody.Version != 5 {
		t.Fatalf("unexpected body %+v", gotBody)
	}
}

func TestWebhookSinkReportsFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	sink := notify.NewWebhookSink(config.Webhook{URL: srv.URL}, "pilot")
	if err := sink.Deliver(context.Background(), notify.Message{ID: 1}); err == nil {
		t.Fatalf("expected delivery error")
	}
}

type recordingPublisher struct {
	exchange, key string
	msgs          []amqp091.Publishing
}

func (p *recordingPublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	p.exchange, p.key = exchange, key
	p.msgs = append(p.msgs, msg)
	return nil
}

func TestAMQPSinkPublishes(t *testing.T) {
	pub := &recordingPublisher{}
	sink := &notify.AMQPSink{Publisher: pub, Exchange: "khata.events", RoutingKey: "item.changed", Log: zerolog.Nop()}
	msg := notify.MessageFrom(domain.Event{ID: 42, Type: domain.EventItemGraded, ItemID: "item-1"})
	for i := 0; i < 2; i++ {
		if err := sink.Deliver(context.Background(), msg); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}
	if pub.exchange != "khata.events" || pub.key != "item.changed" {
		t.Fatalf("published to %s/%s", pub.exchange, pub.key)
	}
	first := pub.msgs[0]
	if first.Type != domain.EventItemGraded || first.DeliveryMode != amqp091.Persistent || first.ContentType != "application/json" {
		t.Fatalf("unexpected publishing %+v", first)
	}
	if first.MessageId == "" || first.MessageId != pub.msgs[1].MessageId {
		t.Fatalf("message id must be stable per event: %q vs %q", first.MessageId, pub.msgs[1].MessageId)
	}
	var body notify.Message
	if err := json.Unmarshal(first.Body, &body); err != nil || body.ID != 42 {
		t.Fatalf("unexpected body %s: %v", first.Body, err)
	}
}
