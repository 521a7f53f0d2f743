package engine

import (
	"context"
	"fmt"

	"khata/internal/domain"
	"khata/internal/repo"
)

func gradeField(index int) string {
	return fmt.Sprintf("predictions.%d.grade", index)
}

// SetGrade records one prediction's grade. Only the lease holder may grade,
// and only that prediction's grade is written.
func (e Engine) SetGrade(ctx context.Context, itemID, worker string, index, value int) (domain.WorkItem, error) {
	g, err := domain.NewGrade(value)
	if err != nil {
		return domain.WorkItem{}, fmt.Errorf("%w: %v", ErrInvalidGrade, err)
	}
	it, err := e.load(ctx, "setGrade", itemID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if it.Done() {
		return domain.WorkItem{}, fmt.Errorf("set grade on %s: %w", itemID, ErrAlreadyDone)
	}
	if !it.Lease.HeldBy(worker) {
		return domain.WorkItem{}, fmt.Errorf("set grade on %s: %w", itemID, ErrNotLeaseHolder)
	}
	if index < 0 || index >= len(it.Predictions) {
		return domain.WorkItem{}, fmt.Errorf("set grade on %s: %w: %d", itemID, ErrPredictionIndex, index)
	}
	upd := repo.Update{
		Fields: map[string]any{gradeField(index): g},
		Event:  domain.EventItemGraded,
		Actor:  worker,
	}
	if e.cas() {
		upd.IfVersion = it.Version
	}
	res, err := e.Store.UpdateFields(ctx, itemID, upd)
	if err != nil {
		return domain.WorkItem{}, writeErr("setGrade", itemID, err)
	}
	it.Predictions[index].Grade = g
	it.Version = res.Version
	return it, nil
}

// ClearGrade removes one prediction's grade. Finished items may be
// corrected by anyone and stay done; pending items need the lease.
func (e Engine) ClearGrade(ctx context.Context, itemID, worker string, index int) (domain.WorkItem, error) {
	it, err := e.load(ctx, "clearGrade", itemID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if !it.Done() && !it.Lease.HeldBy(worker) {
		return domain.WorkItem{}, fmt.Errorf("clear grade on %s: %w", itemID, ErrNotLeaseHolder)
	}
	if index < 0 || index >= len(it.Predictions) {
		return domain.WorkItem{}, fmt.Errorf("clear grade on %s: %w: %d", itemID, ErrPredictionIndex, index)
	}
	upd := repo.Update{
		Fields: map[string]any{gradeField(index): repo.Delete},
		Event:  domain.EventItemGradeCleared,
		Actor:  worker,
	}
	if e.cas() {
		upd.IfVersion = it.Version
	}
	res, err := e.Store.UpdateFields(ctx, itemID, upd)
	if err != nil {
		return domain.WorkItem{}, writeErr("clearGrade", itemID, err)
	}
	it.Predictions[index].Grade = domain.Ungraded
	it.Version = res.Version
	if it.Done() {
		e.Log.Warn().Str("item_id", itemID).Str("worker", worker).Int("index", index).Msg("grade cleared on finished item")
	}
	return it, nil
}

// Submit finishes an item: status, completion fields and lease release are
// one write. Ungraded predictions block the write.
func (e Engine) Submit(ctx context.Context, itemID, worker string) (domain.WorkItem, error) {
	it, err := e.load(ctx, "submit", itemID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if it.Done() {
		return domain.WorkItem{}, fmt.Errorf("submit %s: %w", itemID, ErrAlreadyDone)
	}
	if !it.Lease.HeldBy(worker) {
		return domain.WorkItem{}, fmt.Errorf("submit %s: %w", itemID, ErrNotLeaseHolder)
	}
	if missing := it.MissingGrades(); missing > 0 {
		return domain.WorkItem{}, &IncompleteGradingError{ItemID: itemID, Missing: missing}
	}
	upd := repo.Update{
		Fields: map[string]any{
			"status":      domain.StatusDone,
			"completedBy": worker,
			"completedAt": repo.ServerTimestamp,
			"lock.state":  false,
			"lock.user":   repo.Delete,
			"lock.time":   repo.Delete,
		},
		Event: domain.EventItemSubmitted,
		Actor: worker,
	}
	if e.cas() {
		upd.IfVersion = it.Version
	}
	res, err := e.Store.UpdateFields(ctx, itemID, upd)
	if err != nil {
		return domain.WorkItem{}, writeErr("submit", itemID, err)
	}
	it.Status = domain.StatusDone
	it.CompletedBy = worker
	it.CompletedAt = res.At
	it.Lease = domain.Lease{}
	it.Version = res.Version
	e.Log.Info().Str("item_id", itemID).Str("worker", worker).Msg("item submitted")
	return it, nil
}
