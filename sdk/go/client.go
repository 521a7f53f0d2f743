package khatasdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Khata HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// WorkerID is sent as X-Worker-Id when no token is set. The server
	// only honours it with auth.allow_legacy_worker_header.
	WorkerID   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Prediction is one model output and its grade, if any.
type Prediction struct {
	Model      string `json:"model"`
	Prediction string `json:"prediction"`
	Grade      *int   `json:"grade,omitempty"`
}

type Lock struct {
	State bool   `json:"state"`
	User  string `json:"user,omitempty"`
	Time  string `json:"time,omitempty"`
}

// Item represents the API work item model.
type Item struct {
	ID                  string       `json:"id"`
	Idiom               string       `json:"idiom"`
	LiteralMeaning      string       `json:"literal_meaning"`
	FigurativeMeaningEN string       `json:"figurative_meaning_en"`
	FigurativeMeaningBN string       `json:"figurative_meaning_bn"`
	Sentiment           string       `json:"sentiment"`
	Tags                []string     `json:"tags"`
	Predictions         []Prediction `json:"predictions"`
	Status              string       `json:"status"`
	Lock                *Lock        `json:"lock,omitempty"`
	CompletedBy         string       `json:"completedBy,omitempty"`
	CompletedAt         string       `json:"completedAt,omitempty"`
	Version             int64        `json:"version"`
}

type ModelStanding struct {
	Model        string  `json:"model"`
	TotalScore   int     `json:"total_score"`
	GradedCount  int     `json:"graded_count"`
	AverageScore float64 `json:"average_score"`
	MaxScore     int     `json:"max_score"`
	Percent      float64 `json:"percent"`
}

type HourBucket struct {
	Hour       time.Time `json:"hour"`
	Count      int       `json:"count"`
	Cumulative int       `json:"cumulative"`
}

type ContributorStanding struct {
	Worker         string       `json:"worker"`
	TotalCompleted int          `json:"total_completed"`
	CompletedAt    []time.Time  `json:"completed_at"`
	Hourly         []HourBucket `json:"hourly"`
}

type HeldItem struct {
	ItemID     string    `json:"item_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	Expired    bool      `json:"expired"`
}

type ActiveWorker struct {
	Worker       string     `json:"worker"`
	LastAcquired time.Time  `json:"last_acquired"`
	Items        []HeldItem `json:"items"`
}

type Stats struct {
	Total    int    `json:"total"`
	Done     int    `json:"done"`
	Pending  int    `json:"pending"`
	Cursor   int64  `json:"cursor"`
	Ready    bool   `json:"ready"`
	LeaseTTL string `json:"lease_ttl"`
}

// Event represents a change log entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	ItemID  string         `json:"item_id"`
	ActorID string         `json:"actor_id"`
	Version int64          `json:"version"`
	Payload map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedItems wraps item listings with a cursor.
type PaginatedItems struct {
	Items      []Item `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// ListOptions filters ListItems.
type ListOptions struct {
	Status string
	Desc   bool
	After  string
	Limit  int
	// Mine keeps only items leased by the caller.
	Mine bool
}

// Acquire leases the next pending item. window 0 uses the server default.
func (c *Client) Acquire(ctx context.Context, window int) (Item, error) {
	endpoint := "items/acquire"
	if window > 0 {
		endpoint += "?window=" + strconv.Itoa(window)
	}
	var resp Item
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Get fetches one item.
func (c *Client) Get(ctx context.Context, itemID string) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodGet, "items/"+url.PathEscape(itemID), nil, &resp)
	return resp, err
}

// SetGrade grades one prediction of a leased item.
func (c *Client) SetGrade(ctx context.Context, itemID string, index, grade int) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodPut, gradePath(itemID, index), map[string]any{"grade": grade}, &resp)
	return resp, err
}

// ClearGrade removes one prediction's grade.
func (c *Client) ClearGrade(ctx context.Context, itemID string, index int) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodDelete, gradePath(itemID, index), nil, &resp)
	return resp, err
}

// Submit finishes a fully graded item.
func (c *Client) Submit(ctx context.Context, itemID string) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("items/%s/submit", url.PathEscape(itemID)), nil, &resp)
	return resp, err
}

// ListItems pages through items by id.
func (c *Client) ListItems(ctx context.Context, opts ListOptions) (PaginatedItems, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Desc {
		q.Set("order", "desc")
	}
	if opts.After != "" {
		q.Set("after", opts.After)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Mine {
		q.Set("mine", "true")
	}
	var resp PaginatedItems
	err := c.do(ctx, http.MethodGet, withQuery("items", q), nil, &resp)
	return resp, err
}

// Models returns the model leaderboard.
func (c *Client) Models(ctx context.Context, limit int) ([]ModelStanding, error) {
	var resp struct {
		Items []ModelStanding `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withLimit("leaderboards/models", limit), nil, &resp)
	return resp.Items, err
}

// Contributors returns the contributor leaderboard.
func (c *Client) Contributors(ctx context.Context, limit int) ([]ContributorStanding, error) {
	var resp struct {
		Items []ContributorStanding `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withLimit("leaderboards/contributors", limit), nil, &resp)
	return resp.Items, err
}

// Active returns workers currently holding leases.
func (c *Client) Active(ctx context.Context) ([]ActiveWorker, error) {
	var resp struct {
		Items []ActiveWorker `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "workers/active", nil, &resp)
	return resp.Items, err
}

// Stats returns item totals.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "stats", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.WorkerID != "":
		req.Header.Set("X-Worker-Id", c.WorkerID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func gradePath(itemID string, index int) string {
	return fmt.Sprintf("items/%s/predictions/%d/grade", url.PathEscape(itemID), index)
}

func withLimit(endpoint string, limit int) string {
	if limit <= 0 {
		return endpoint
	}
	return fmt.Sprintf("%s?limit=%d", endpoint, limit)
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
