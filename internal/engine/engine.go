package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"khata/internal/config"
	"khata/internal/domain"
	"khata/internal/repo"
)

// Store is the slice of the work item store the engine needs.
type Store interface {
	Scan(ctx context.Context, opts repo.ScanOptions) ([]domain.WorkItem, error)
	Get(ctx context.Context, id string) (domain.WorkItem, error)
	UpdateFields(ctx context.Context, id string, u repo.Update) (repo.UpdateResult, error)
	Now() time.Time
}

// Engine runs lease acquisition and the grading state machine over a Store.
type Engine struct {
	Store  Store
	Config *config.Config
	Log    zerolog.Logger
}

func New(store Store, cfg *config.Config, log zerolog.Logger) Engine {
	return Engine{Store: store, Config: cfg, Log: log}
}

func (e Engine) ttl() time.Duration {
	if e.Config == nil || e.Config.Lease.TTL <= 0 {
		return DefaultLeaseTTL
	}
	return e.Config.Lease.TTL.Std()
}

func (e Engine) window() int {
	if e.Config == nil || e.Config.Lease.ScanWindow <= 0 {
		return DefaultScanWindow
	}
	return e.Config.Lease.ScanWindow
}

func (e Engine) cas() bool {
	return e.Config == nil || e.Config.Lease.CompareAndSwap
}

// LeaseTTL is the configured lease lifetime.
func (e Engine) LeaseTTL() time.Duration { return e.ttl() }

// Get reads one item.
func (e Engine) Get(ctx context.Context, itemID string) (domain.WorkItem, error) {
	return e.load(ctx, "get", itemID)
}

// ListOptions filters List.
type ListOptions struct {
	Status  domain.Status
	Desc    bool
	AfterID string
	Limit   int
	// HeldBy keeps only items whose lease is held by this worker.
	HeldBy string
}

// List pages through items by id, e.g. finished items newest id first for
// review.
func (e Engine) List(ctx context.Context, opts ListOptions) ([]domain.WorkItem, error) {
	items, err := e.Store.Scan(ctx, repo.ScanOptions{Status: opts.Status, Desc: opts.Desc, AfterID: opts.AfterID, Limit: opts.Limit, HeldBy: opts.HeldBy})
	if err != nil {
		return nil, &StoreUnavailableError{Op: "list", Err: err}
	}
	return items, nil
}

func (e Engine) load(ctx context.Context, op, itemID string) (domain.WorkItem, error) {
	it, err := e.Store.Get(ctx, itemID)
	if err == nil {
		return it, nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return domain.WorkItem{}, fmt.Errorf("item %s: %w", itemID, repo.ErrNotFound)
	}
	var decErr *repo.DecodeError
	if errors.As(err, &decErr) {
		return domain.WorkItem{}, err
	}
	return domain.WorkItem{}, &StoreUnavailableError{Op: op, ItemID: itemID, Err: err}
}

// writeErr classifies an UpdateFields failure.
func writeErr(op, itemID string, err error) error {
	switch {
	case errors.Is(err, repo.ErrConflict):
		return fmt.Errorf("%s %s: %w", op, itemID, ErrStaleLease)
	case errors.Is(err, repo.ErrNotFound):
		return fmt.Errorf("item %s: %w", itemID, repo.ErrNotFound)
	case errors.Is(err, repo.ErrIndexRange):
		return fmt.Errorf("%s %s: %w", op, itemID, ErrPredictionIndex)
	}
	return &StoreUnavailableError{Op: op, ItemID: itemID, Err: err}
}
