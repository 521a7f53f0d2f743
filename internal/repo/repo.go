package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"khata/internal/domain"
	"khata/internal/events"
)

// Repo is the work item store: ordered scans, single-document partial
// updates and the change log, all on one SQLite database.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
	// Clock is the store clock. Every server timestamp comes from here,
	// never from the caller.
	Clock func() time.Time
	// AfterCommit runs after each committed write with the new change log id.
	AfterCommit func(eventID int64)
	Log         zerolog.Logger
}

var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("version conflict")
	ErrIndexRange  = errors.New("prediction index out of range")
	ErrInvalidPath = errors.New("invalid field path")
)

// DecodeError marks a stored row that cannot be read as a work item.
type DecodeError struct {
	ID  string
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("malformed item %s: %v", e.ID, e.Err) }

func (e *DecodeError) Unwrap() error { return e.Err }

// New builds a Repo whose change log shares the store clock.
func New(db *sql.DB, log zerolog.Logger) Repo {
	return Repo{DB: db, Events: events.Writer{DB: db}, Log: log}
}

// Now reads the store clock.
func (r Repo) Now() time.Time {
	if r.Clock != nil {
		return r.Clock().UTC()
	}
	return time.Now().UTC()
}

func (r Repo) withClock() events.Writer {
	w := r.Events
	w.Now = r.Now
	return w
}

const itemColumns = `id,idiom,literal_meaning,figurative_meaning_en,figurative_meaning_bn,sentiment,tags_json,predictions_json,status,lock_state,lock_user,lock_time,completed_by,completed_at,version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (domain.WorkItem, error) {
	var (
		it                  domain.WorkItem
		tagsJSON, predsJSON string
		status              string
		lockState           bool
		lockUser, lockTime  sql.NullString
		completedBy, compAt sql.NullString
	)
	err := row.Scan(&it.ID, &it.Content.Idiom, &it.Content.LiteralMeaning, &it.Content.FigurativeMeaningEN,
		&it.Content.FigurativeMeaningBN, &it.Content.Sentiment, &tagsJSON, &predsJSON, &status,
		&lockState, &lockUser, &lockTime, &completedBy, &compAt, &it.Version)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if it.Status, err = domain.ParseStatus(status); err != nil {
		return it, &DecodeError{ID: it.ID, Err: err}
	}
	if err := json.Unmarshal([]byte(tagsJSON), &it.Content.Tags); err != nil {
		return it, &DecodeError{ID: it.ID, Err: fmt.Errorf("tags: %w", err)}
	}
	preds, err := decodePredictions(predsJSON)
	if err != nil {
		return it, &DecodeError{ID: it.ID, Err: err}
	}
	it.Predictions = preds
	if lockState {
		if !lockUser.Valid || lockUser.String == "" || !lockTime.Valid {
			return it, &DecodeError{ID: it.ID, Err: errors.New("held lock without user or time")}
		}
		at, err := domain.ParseTime(lockTime.String)
		if err != nil {
			return it, &DecodeError{ID: it.ID, Err: fmt.Errorf("lock.time: %w", err)}
		}
		it.Lease = domain.Lease{Held: true, Holder: lockUser.String, AcquiredAt: at}
	}
	if completedBy.Valid {
		it.CompletedBy = completedBy.String
	}
	if compAt.Valid {
		at, err := domain.ParseTime(compAt.String)
		if err != nil {
			return it, &DecodeError{ID: it.ID, Err: fmt.Errorf("completedAt: %w", err)}
		}
		it.CompletedAt = at
	}
	return it, nil
}

// decodePredictions reads the stored prediction array. A grade outside
// 0..5 is read as ungraded so the item can still be regraded.
func decodePredictions(raw string) ([]domain.Prediction, error) {
	var docs []domain.DocumentPrediction
	if err := json.Unmarshal([]byte(raw), &docs); err != nil {
		return nil, fmt.Errorf("predictions: %w", err)
	}
	preds := make([]domain.Prediction, 0, len(docs))
	for _, d := range docs {
		p := domain.Prediction{Model: d.Model, Text: d.Prediction}
		if d.Grade != nil {
			if g, err := domain.NewGrade(*d.Grade); err == nil {
				p.Grade = g
			}
		}
		preds = append(preds, p)
	}
	return preds, nil
}

func encodePredictions(preds []domain.Prediction) (string, error) {
	docs := make([]domain.DocumentPrediction, 0, len(preds))
	for _, p := range preds {
		docs = append(docs, domain.DocumentPrediction{Model: p.Model, Prediction: p.Text, Grade: p.Grade.Ptr()})
	}
	data, err := json.Marshal(docs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Get reads one item.
func (r Repo) Get(ctx context.Context, id string) (domain.WorkItem, error) {
	return scanItem(r.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id=?`, id))
}

type ScanOptions struct {
	Limit   int
	Status  domain.Status
	Desc    bool
	AfterID string
	HeldBy  string
}

// Scan lists items ordered by id. Rows that cannot be decoded are logged
// and skipped.
func (r Repo) Scan(ctx context.Context, opts ScanOptions) ([]domain.WorkItem, error) {
	return r.scan(ctx, r.DB, opts)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r Repo) scan(ctx context.Context, q querier, opts ScanOptions) ([]domain.WorkItem, error) {
	clauses := []string{"1=1"}
	var args []any
	if opts.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(opts.Status))
	}
	if opts.HeldBy != "" {
		clauses = append(clauses, "lock_state=1 AND lock_user=?")
		args = append(args, opts.HeldBy)
	}
	order := "ASC"
	if opts.Desc {
		order = "DESC"
	}
	if opts.AfterID != "" {
		if opts.Desc {
			clauses = append(clauses, "id<?")
		} else {
			clauses = append(clauses, "id>?")
		}
		args = append(args, opts.AfterID)
	}
	query := `SELECT ` + itemColumns + ` FROM work_items WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id ` + order
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			var decErr *DecodeError
			if errors.As(err, &decErr) {
				r.Log.Warn().Err(decErr.Err).Str("item_id", decErr.ID).Msg("skipping malformed item")
				continue
			}
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// Snapshot returns every readable item plus the change log position the
// snapshot corresponds to, read in one transaction.
func (r Repo) Snapshot(ctx context.Context) ([]domain.WorkItem, int64, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()
	var cursor int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&cursor); err != nil {
		return nil, 0, err
	}
	items, err := r.scan(ctx, tx, ScanOptions{})
	if err != nil {
		return nil, 0, err
	}
	return items, cursor, tx.Commit()
}

// InsertItems creates items that do not exist yet and returns how many
// were inserted. Existing ids are left untouched.
func (r Repo) InsertItems(ctx context.Context, items []domain.WorkItem, actorID string) (int, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	inserted := 0
	var lastEvent int64
	for _, it := range items {
		tags, err := json.Marshal(append([]string{}, it.Content.Tags...))
		if err != nil {
			return 0, err
		}
		preds, err := encodePredictions(it.Predictions)
		if err != nil {
			return 0, err
		}
		status := it.Status
		if status == "" {
			status = domain.StatusPending
		}
		var lockUser, lockTime, completedAt any
		if it.Lease.Held {
			lockUser = it.Lease.Holder
			lockTime = domain.FormatTime(it.Lease.AcquiredAt)
		}
		if !it.CompletedAt.IsZero() {
			completedAt = domain.FormatTime(it.CompletedAt)
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO work_items(`+itemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,1) ON CONFLICT(id) DO NOTHING`,
			it.ID, it.Content.Idiom, it.Content.LiteralMeaning, it.Content.FigurativeMeaningEN, it.Content.FigurativeMeaningBN,
			it.Content.Sentiment, string(tags), preds, string(status), it.Lease.Held, lockUser, lockTime,
			nullable(it.CompletedBy), completedAt)
		if err != nil {
			return 0, fmt.Errorf("insert %s: %w", it.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		inserted++
		lastEvent, err = r.withClock().Append(ctx, tx, domain.EventItemCreated, it.ID, actorID, 1, events.EventPayload{"status": string(status)})
		if err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if inserted > 0 && r.AfterCommit != nil {
		r.AfterCommit(lastEvent)
	}
	return inserted, nil
}

// Count returns item totals by status.
func (r Repo) Count(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM work_items GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Status]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[domain.Status(status)] = n
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
