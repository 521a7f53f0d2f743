package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"khata/internal/app"
	"khata/internal/config"
	"khata/internal/domain"
	khatasdk "khata/sdk/go"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// sdk returns a client acting as worker through the legacy header.
func (s *testServer) sdk(worker string) *khatasdk.Client {
	c := khatasdk.New(s.URL)
	c.WorkerID = worker
	c.HTTPClient = s.client
	return c
}

func newTestServer(t *testing.T, docs ...domain.Document) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("pilot")
	a, err := app.Open(workspace, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	if len(docs) > 0 {
		if _, err := a.Seed(context.Background(), docs, "tester"); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	closeRelay, err := a.Background(ctx)
	if err != nil {
		t.Fatalf("background: %v", err)
	}
	handler, err := New(Config{
		Engine:     a.Engine,
		Aggregator: a.Aggregator,
		Events:     a.Repo,
		Feed:       a.Feed,
		BasePath:   "/v0",
		Auth:       AuthConfig{JWTSecret: testSecret, AllowLegacyWorkerHeader: true, DevLogin: true},
		Log:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		App:    a,
		client: &http.Client{Timeout: 5 * time.Second},
		close: func() {
			cancel()
			closeRelay()
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func pilotDocs() []domain.Document {
	return []domain.Document{
		{ID: "item-1", Idiom: "আকাশ কুসুম", Predictions: []domain.DocumentPrediction{
			{Model: "alpha", Prediction: "daydream"},
			{Model: "beta", Prediction: "sky flower"},
		}},
		{ID: "item-2", Idiom: "চোখের মণি", Predictions: []domain.DocumentPrediction{
			{Model: "alpha", Prediction: "darling"},
		}},
	}
}

func apiCode(t *testing.T, err error) (int, string) {
	t.Helper()
	var apiErr *khatasdk.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected api error, got %v", err)
	}
	return apiErr.StatusCode, apiErr.Code
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestGradeAndSubmitUpdatesBoards(t *testing.T) {
	srv, cleanup := newTestServer(t, pilotDocs()...)
	defer cleanup()
	ctx := context.Background()
	alice := srv.sdk("alice@example.com")

	item, err := alice.Acquire(ctx, 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if item.ID != "item-1" || item.Lock == nil || !item.Lock.State || item.Lock.User != "alice@example.com" {
		t.Fatalf("unexpected lease %+v", item)
	}
	if _, err := alice.SetGrade(ctx, item.ID, 0, 4); err != nil {
		t.Fatalf("grade 0: %v", err)
	}

	_, err = alice.Submit(ctx, item.ID)
	status, code := apiCode(t, err)
	if status != http.StatusUnprocessableEntity || code != "incomplete_grading" {
		t.Fatalf("expected incomplete_grading, got %d %s", status, code)
	}
	if missing := err.(*khatasdk.APIError).Details["missing"]; missing != float64(1) {
		t.Fatalf("expected one missing grade, got %v", missing)
	}

	if _, err := alice.SetGrade(ctx, item.ID, 1, 2); err != nil {
		t.Fatalf("grade 1: %v", err)
	}
	done, err := alice.Submit(ctx, item.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if done.Status != "done" || done.CompletedBy != "alice@example.com" || done.CompletedAt == "" {
		t.Fatalf("unexpected submitted item %+v", done)
	}
	if done.Lock != nil && done.Lock.State {
		t.Fatalf("lease should be released: %+v", done.Lock)
	}

	eventually(t, "stats to reflect the submit", func() bool {
		stats, err := alice.Stats(ctx)
		return err == nil && stats.Done == 1 && stats.Pending == 1
	})
	models, err := alice.Models(ctx, 0)
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	if len(models) != 2 || models[0].Model != "alpha" || models[0].TotalScore != 4 || models[1].TotalScore != 2 {
		t.Fatalf("unexpected model board %+v", models)
	}
	people, err := alice.Contributors(ctx, 10)
	if err != nil {
		t.Fatalf("contributors: %v", err)
	}
	if len(people) != 1 || people[0].Worker != "alice@example.com" || people[0].TotalCompleted != 1 {
		t.Fatalf("unexpected contributor board %+v", people)
	}

	page, err := alice.ListItems(ctx, khatasdk.ListOptions{Status: "done", Desc: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != "item-1" {
		t.Fatalf("unexpected done list %+v", page.Items)
	}
}

func TestLeaseConflict(t *testing.T) {
	srv, cleanup := newTestServer(t, pilotDocs()...)
	defer cleanup()
	ctx := context.Background()
	alice, bob := srv.sdk("alice"), srv.sdk("bob")

	first, err := alice.Acquire(ctx, 0)
	if err != nil {
		t.Fatalf("alice acquire: %v", err)
	}
	second, err := bob.Acquire(ctx, 0)
	if err != nil {
		t.Fatalf("bob acquire: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("both workers hold %s", first.ID)
	}
	_, err = bob.SetGrade(ctx, first.ID, 0, 3)
	if status, code := apiCode(t, err); status != http.StatusConflict || code != "lease_conflict" {
		t.Fatalf("expected lease_conflict, got %d %s", status, code)
	}
	_, err = srv.sdk("carol").Acquire(ctx, 0)
	if status, code := apiCode(t, err); status != http.StatusConflict || code != "no_items" {
		t.Fatalf("expected no_items, got %d %s", status, code)
	}

	eventually(t, "active workers", func() bool {
		active, err := alice.Active(ctx)
		return err == nil && len(active) == 2
	})
}

func TestGradeValidation(t *testing.T) {
	srv, cleanup := newTestServer(t, pilotDocs()...)
	defer cleanup()
	ctx := context.Background()
	alice := srv.sdk("alice")
	item, err := alice.Acquire(ctx, 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	_, err = alice.SetGrade(ctx, item.ID, 0, 6)
	if status, code := apiCode(t, err); status != http.StatusBadRequest || code != "invalid_grade" {
		t.Fatalf("expected invalid_grade, got %d %s", status, code)
	}
	_, err = alice.SetGrade(ctx, item.ID, 5, 3)
	if status, code := apiCode(t, err); status != http.StatusBadRequest || code != "invalid_prediction_index" {
		t.Fatalf("expected invalid_prediction_index, got %d %s", status, code)
	}
	_, err = alice.Get(ctx, "missing")
	if status, code := apiCode(t, err); status != http.StatusNotFound || code != "not_found" {
		t.Fatalf("expected not_found, got %d %s", status, code)
	}

	res, body := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/items/"+item.ID+"/predictions/0/grade",
		map[string]any{}, map[string]string{LegacyWorkerHeader: "alice"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing grade, got %d %s", res.StatusCode, string(body))
	}

	fetched, err := alice.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	for i, p := range fetched.Predictions {
		if p.Grade != nil {
			t.Fatalf("prediction %d should be ungraded after rejected writes: %d", i, *p.Grade)
		}
	}
}

func TestAuthRequiredAndDevLogin(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/acquire", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"worker_id": "dana@example.com", "name": "Dana"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(body))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(body, &login); err != nil || login.Token == "" {
		t.Fatalf("unexpected login body %s: %v", body, err)
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(body))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(body, &me)
	if me.WorkerID != "dana@example.com" || me.Name != "Dana" || me.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", me)
	}

	sdk := khatasdk.New(srv.URL)
	sdk.BearerToken = login.Token
	if _, err := sdk.Acquire(context.Background(), 0); err == nil {
		t.Fatalf("expected no_items on an empty store")
	} else if status, code := apiCode(t, err); status != http.StatusConflict || code != "no_items" {
		t.Fatalf("expected no_items, got %d %s", status, code)
	}
}

func TestEventsPage(t *testing.T) {
	srv, cleanup := newTestServer(t, pilotDocs()...)
	defer cleanup()
	ctx := context.Background()
	alice := srv.sdk("alice")
	if _, err := alice.Acquire(ctx, 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	page, err := alice.EventsPage(ctx, 2, "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full page with a cursor, got %+v", page)
	}
	if page.Items[0].Type != domain.EventItemLeased || page.Items[0].ActorID != "alice" {
		t.Fatalf("newest event should be the lease, got %+v", page.Items[0])
	}
	rest, err := alice.EventsPage(ctx, 10, page.NextCursor)
	if err != nil {
		t.Fatalf("next page: %v", err)
	}
	if len(rest.Items) != 1 || rest.Items[0].Type != domain.EventItemCreated {
		t.Fatalf("unexpected second page %+v", rest.Items)
	}

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?cursor=abc", nil, map[string]string{LegacyWorkerHeader: "alice"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d %s", res.StatusCode, string(body))
	}
}

// firstStreamEvent opens the change stream and returns the first event it
// delivers.
func firstStreamEvent(t *testing.T, srv *testServer, query string, headers map[string]string) EventResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v0/events/stream"+query, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set(LegacyWorkerHeader, "alice")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK || !strings.HasPrefix(res.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("unexpected stream response %d %s", res.StatusCode, res.Header.Get("Content-Type"))
	}
	scanner := bufio.NewScanner(res.Body)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var evt EventResponse
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			t.Fatalf("decode event %q: %v", data, err)
		}
		return evt
	}
	t.Fatalf("stream closed without an event: %v", scanner.Err())
	return EventResponse{}
}

func TestEventStreamResumesFromCursor(t *testing.T) {
	srv, cleanup := newTestServer(t, pilotDocs()...)
	defer cleanup()
	ctx := context.Background()
	cursor, err := srv.App.Repo.LatestEventID(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	item, err := srv.sdk("alice").Acquire(ctx, 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	after := strconv.FormatInt(cursor, 10)

	evt := firstStreamEvent(t, srv, "?after="+after, nil)
	if evt.ID != cursor+1 || evt.Type != domain.EventItemLeased || evt.ItemID != item.ID || evt.ActorID != "alice" {
		t.Fatalf("unexpected streamed event %+v", evt)
	}
	resumed := firstStreamEvent(t, srv, "", map[string]string{"Last-Event-ID": after})
	if resumed.ID != evt.ID {
		t.Fatalf("Last-Event-ID resume returned %+v, want id %d", resumed, evt.ID)
	}
}

func TestEventStreamRejectsBadCursor(t *testing.T) {
	srv, cleanup := newTestServer(t, pilotDocs()...)
	defer cleanup()
	headers := map[string]string{LegacyWorkerHeader: "alice"}

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events/stream?after=abc", nil, headers)
	if res.StatusCode != http.StatusBadRequest || !strings.Contains(string(body), "bad_request") {
		t.Fatalf("expected 400 bad_request for after=abc, got %d %s", res.StatusCode, string(body))
	}
	headers["Last-Event-ID"] = "-4"
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events/stream", nil, headers)
	if res.StatusCode != http.StatusBadRequest || !strings.Contains(string(body), "bad_request") {
		t.Fatalf("expected 400 bad_request for Last-Event-ID=-4, got %d %s", res.StatusCode, string(body))
	}
}

func TestListMineReturnsCallerLeases(t *testing.T) {
	srv, cleanup := newTestServer(t, pilotDocs()...)
	defer cleanup()
	ctx := context.Background()
	alice, bob := srv.sdk("alice"), srv.sdk("bob")
	held, err := alice.Acquire(ctx, 0)
	if err != nil {
		t.Fatalf("alice acquire: %v", err)
	}
	if _, err := bob.Acquire(ctx, 0); err != nil {
		t.Fatalf("bob acquire: %v", err)
	}
	page, err := alice.ListItems(ctx, khatasdk.ListOptions{Mine: true})
	if err != nil {
		t.Fatalf("list mine: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != held.ID {
		t.Fatalf("unexpected leases for alice %+v", page.Items)
	}
	all, err := alice.ListItems(ctx, khatasdk.ListOptions{})
	if err != nil || len(all.Items) != 2 {
		t.Fatalf("unfiltered list: %v %+v", err, all.Items)
	}
}
