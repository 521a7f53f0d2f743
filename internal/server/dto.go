package server

import (
	"encoding/json"

	"khata/internal/aggregate"
	"khata/internal/domain"
)

// Request payloads

type GradeRequest struct {
	Grade *int `json:"grade" doc:"Grade between 0 and 5"`
}

type DevLoginRequest struct {
	WorkerID string `json:"worker_id"`
	Name     string `json:"name,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	WorkerID string `json:"worker_id"`
	Name     string `json:"name,omitempty"`
	Source   string `json:"source"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	ItemID  string         `json:"item_id"`
	ActorID string         `json:"actor_id,omitempty"`
	Version int64          `json:"version"`
	Payload map[string]any `json:"payload,omitempty"`
}

type StatsResponse struct {
	Total    int    `json:"total"`
	Done     int    `json:"done"`
	Pending  int    `json:"pending"`
	Cursor   int64  `json:"cursor"`
	Ready    bool   `json:"ready"`
	LeaseTTL string `json:"lease_ttl"`
}

type modelBoard struct {
	Items []aggregate.ModelStanding `json:"items"`
}

type contributorBoard struct {
	Items []aggregate.ContributorStanding `json:"items"`
}

type activeWorkers struct {
	Items []aggregate.ActiveWorker `json:"items"`
}

type paginatedItems struct {
	Items      []domain.Document `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func itemResponse(it domain.WorkItem) domain.Document {
	doc := domain.DocumentFrom(it)
	doc.Tags = nonNilSlice(doc.Tags)
	doc.Predictions = nonNilSlice(doc.Predictions)
	return doc
}

func itemResponses(items []domain.WorkItem) []domain.Document {
	out := make([]domain.Document, 0, len(items))
	for _, it := range items {
		out = append(out, itemResponse(it))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		ItemID:  e.ItemID,
		ActorID: e.ActorID,
		Version: e.Version,
		Payload: decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func truncate[T any](in []T, limit int) []T {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return nonNilSlice(in)
}
