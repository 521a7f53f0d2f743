package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"khata/internal/domain"
	"khata/internal/events"
)

type fieldSentinel string

var (
	// ServerTimestamp is replaced by the store clock when the update commits.
	ServerTimestamp any = fieldSentinel("serverTimestamp")
	// Delete removes the field.
	Delete any = fieldSentinel("delete")
)

var ErrInvalidValue = errors.New("invalid field value")

// Update is a partial write to one document. All fields are applied in a
// single transaction together with the version bump and the change log row.
type Update struct {
	// Fields maps dotted paths (status, lock.state, lock.user, lock.time,
	// completedBy, completedAt, predictions.<i>.grade) to values.
	Fields map[string]any
	// IfVersion makes the write conditional on the current version; zero
	// writes unconditionally.
	IfVersion int64
	Event     string
	Actor     string
}

type UpdateResult struct {
	Version int64
	EventID int64
	At      time.Time
}

// UpdateFields applies u to the item with the given id.
func (r Repo) UpdateFields(ctx context.Context, id string, u Update) (UpdateResult, error) {
	if len(u.Fields) == 0 {
		return UpdateResult{}, fmt.Errorf("%w: no fields", ErrInvalidPath)
	}
	now := r.Now()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return UpdateResult{}, err
	}
	defer tx.Rollback()

	var version int64
	var predCount int
	err = tx.QueryRowContext(ctx, `SELECT version, CASE WHEN json_valid(predictions_json) THEN json_array_length(predictions_json) ELSE -1 END FROM work_items WHERE id=?`, id).
		Scan(&version, &predCount)
	if err == sql.ErrNoRows {
		return UpdateResult{}, ErrNotFound
	}
	if err != nil {
		return UpdateResult{}, err
	}
	if u.IfVersion != 0 && u.IfVersion != version {
		return UpdateResult{}, fmt.Errorf("%w: item %s is at version %d, expected %d", ErrConflict, id, version, u.IfVersion)
	}

	paths := make([]string, 0, len(u.Fields))
	for p := range u.Fields {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var (
		sets      []string
		args      []any
		predsExpr = "predictions_json"
		predArgs  []any
		payload   = events.EventPayload{}
	)
	for _, path := range paths {
		value := u.Fields[path]
		if idx, ok, err := gradePath(path); err != nil {
			return UpdateResult{}, err
		} else if ok {
			if predCount < 0 {
				return UpdateResult{}, &DecodeError{ID: id, Err: errors.New("predictions are not valid JSON")}
			}
			if idx >= predCount {
				return UpdateResult{}, fmt.Errorf("%w: %d of %d", ErrIndexRange, idx, predCount)
			}
			grade, remove, err := gradeValue(value)
			if err != nil {
				return UpdateResult{}, fmt.Errorf("%s: %w", path, err)
			}
			jsonPath := fmt.Sprintf("$[%d].grade", idx)
			if remove {
				predsExpr = fmt.Sprintf("json_remove(%s, ?)", predsExpr)
				predArgs = append(predArgs, jsonPath)
				payload[path] = nil
			} else {
				predsExpr = fmt.Sprintf("json_set(%s, ?, ?)", predsExpr)
				predArgs = append(predArgs, jsonPath, grade)
				payload[path] = grade
			}
			continue
		}
		column, v, err := columnValue(path, value, now)
		if err != nil {
			return UpdateResult{}, err
		}
		sets = append(sets, column+"=?")
		args = append(args, v)
		payload[path] = v
	}
	if len(predArgs) > 0 {
		sets = append(sets, "predictions_json="+predsExpr)
		args = append(args, predArgs...)
	}
	next := version + 1
	sets = append(sets, "version=?")
	args = append(args, next, id)
	if _, err := tx.ExecContext(ctx, `UPDATE work_items SET `+strings.Join(sets, ",")+` WHERE id=?`, args...); err != nil {
		return UpdateResult{}, fmt.Errorf("update %s: %w", id, err)
	}
	evtType := u.Event
	if evtType == "" {
		evtType = domain.EventItemUpdated
	}
	w := r.withClock()
	w.Now = func() time.Time { return now }
	eventID, err := w.Append(ctx, tx, evtType, id, u.Actor, next, payload)
	if err != nil {
		return UpdateResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return UpdateResult{}, err
	}
	if r.AfterCommit != nil {
		r.AfterCommit(eventID)
	}
	return UpdateResult{Version: next, EventID: eventID, At: now}, nil
}

// gradePath parses predictions.<i>.grade.
func gradePath(path string) (int, bool, error) {
	if !strings.HasPrefix(path, "predictions.") {
		return 0, false, nil
	}
	parts := strings.Split(path, ".")
	if len(parts) != 3 || parts[2] != "grade" {
		return 0, false, fmt.Errorf("%w: %s", ErrInvalidPath, path)
	}
	idx, err := strconv.Atoi(parts[1])
	if err != nil || idx < 0 {
		return 0, false, fmt.Errorf("%w: %s", ErrInvalidPath, path)
	}
	return idx, true, nil
}

func gradeValue(value any) (int, bool, error) {
	switch v := value.(type) {
	case fieldSentinel:
		if v == Delete {
			return 0, true, nil
		}
	case domain.Grade:
		g, ok := v.Value()
		return g, !ok, nil
	case int:
		if _, err := domain.NewGrade(v); err != nil {
			return 0, false, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return v, false, nil
	}
	return 0, false, fmt.Errorf("%w: %T", ErrInvalidValue, value)
}

func columnValue(path string, value any, now time.Time) (string, any, error) {
	switch path {
	case "status":
		if value == Delete {
			return "status", string(domain.StatusPending), nil
		}
		var raw string
		switch v := value.(type) {
		case domain.Status:
			raw = string(v)
		case string:
			raw = v
		default:
			return "", nil, fmt.Errorf("%w: status %T", ErrInvalidValue, value)
		}
		st, err := domain.ParseStatus(raw)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return "status", string(st), nil
	case "lock.state":
		if value == Delete {
			return "lock_state", false, nil
		}
		b, ok := value.(bool)
		if !ok {
			return "", nil, fmt.Errorf("%w: lock.state %T", ErrInvalidValue, value)
		}
		return "lock_state", b, nil
	case "lock.user", "completedBy":
		column := map[string]string{"lock.user": "lock_user", "completedBy": "completed_by"}[path]
		if value == Delete {
			return column, nil, nil
		}
		s, ok := value.(string)
		if !ok {
			return "", nil, fmt.Errorf("%w: %s %T", ErrInvalidValue, path, value)
		}
		return column, nullable(s), nil
	case "lock.time", "completedAt":
		column := map[string]string{"lock.time": "lock_time", "completedAt": "completed_at"}[path]
		switch v := value.(type) {
		case fieldSentinel:
			if v == ServerTimestamp {
				return column, domain.FormatTime(now), nil
			}
			return column, nil, nil
		case time.Time:
			return column, domain.FormatTime(v), nil
		}
		return "", nil, fmt.Errorf("%w: %s %T", ErrInvalidValue, path, value)
	}
	return "", nil, fmt.Errorf("%w: %s", ErrInvalidPath, path)
}
