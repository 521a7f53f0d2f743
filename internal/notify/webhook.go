package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"khata/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookSink posts each event as JSON to a configured URL.
type WebhookSink struct {
	Hook    config.Webhook
	Project string
	Client  *http.Client
	filter  eventFilter
}

func NewWebhookSink(hook config.Webhook, project string) *WebhookSink {
	return &WebhookSink{
		Hook:    hook,
		Project: project,
		Client:  &http.Client{Timeout: defaultWebhookTimeout},
		filter:  newEventFilter(hook.Events),
	}
}

func (s *WebhookSink) Name() string { return "webhook:" + s.Hook.URL }

func (s *WebhookSink) Accepts(evtType string) bool { return s.filter.match(evtType) }

func (s *WebhookSink) Deliver(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Khata-Event", msg.Type)
	req.Header.Set("X-Khata-Delivery", fmt.Sprintf("%d", msg.ID))
	req.Header.Set("X-Khata-Project", s.Project)
	if strings.TrimSpace(s.Hook.Secret) != "" {
		req.Header.Set("X-Khata-Secret", s.Hook.Secret)
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
