package repo

import (
	"context"
	"database/sql"
	"strings"

	"khata/internal/domain"
)

// EventsAfter returns up to limit change log rows with id greater than cursor.
func (r Repo) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,entity_id,actor_id,version,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LatestEvents returns the newest events first, optionally filtered by
// item and type, continuing below cursor when it is set.
func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, itemID, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	if itemID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, itemID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,entity_id,actor_id,version,payload_json FROM events WHERE `+strings.Join(clauses, " AND ")+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LatestEventID returns the most recent change log id.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var actor sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ItemID, &actor, &e.Version, &e.Payload); err != nil {
			return nil, err
		}
		if actor.Valid {
			e.ActorID = actor.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
