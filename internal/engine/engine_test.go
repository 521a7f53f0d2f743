package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"khata/internal/config"
	"khata/internal/db"
	"khata/internal/domain"
	"khata/internal/engine"
	"khata/internal/migrate"
	"khata/internal/repo"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type testEnv struct {
	Engine engine.Engine
	Repo   repo.Repo
	Clock  *testClock
	Ctx    context.Context
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("test")
	for _, fn := range mutate {
		fn(cfg)
	}
	clock := &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	r := repo.New(conn, zerolog.Nop())
	r.Clock = clock.Now
	return testEnv{Engine: engine.New(r, cfg, zerolog.Nop()), Repo: r, Clock: clock, Ctx: context.Background()}
}

func seed(t *testing.T, env testEnv, ids ...string) {
	t.Helper()
	var items []domain.WorkItem
	for _, id := range ids {
		items = append(items, domain.WorkItem{
			ID:      id,
			Content: domain.Content{Idiom: "idiom " + id, Tags: []string{"t1"}},
			Predictions: []domain.Prediction{
				{Model: "alpha", Text: "a"},
				{Model: "beta", Text: "b"},
				{Model: "gamma", Text: "c"},
			},
			Status: domain.StatusPending,
		})
	}
	if _, err := env.Repo.InsertItems(env.Ctx, items, "seed"); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func leaseTo(worker string) map[string]any {
	return map[string]any{"lock.state": true, "lock.user": worker, "lock.time": repo.ServerTimestamp}
}

func TestAcquireIsIdempotentForSameWorker(t *testing.T) {
	env := newTestEnv(t)
	seed(t, env, "item-1", "item-2")
	first, err := env.Engine.Acquire(env.Ctx, "a@example.com")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	second, err := env.Engine.Acquire(env.Ctx, "a@example.com")
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if first.ID != "item-1" || second.ID != first.ID {
		t.Fatalf("expected item-1 twice, got %s then %s", first.ID, second.ID)
	}
	if !second.Lease.HeldBy("a@example.com") {
		t.Fatalf("expected lease held by a, got %+v", second.Lease)
	}
}

func TestAcquireSkipsHeldAndDoneItems(t *testing.T) {
	env := newTestEnv(t)
	seed(t, env, "item-1", "item-3")
	done := domain.WorkItem{
		ID:          "item-2",
		Predictions: []domain.Prediction{{Model: "alpha", Text: "a", Grade: domain.MustGrade(3)}},
		Status:      domain.StatusDone,
		CompletedBy: "c@example.com",
		CompletedAt: env.Clock.Now(),
	}
	if _, err := env.Repo.InsertItems(env.Ctx, []domain.WorkItem{done}, "seed"); err != nil {
		t.Fatalf("seed done: %v", err)
	}
	if _, err := env.Engine.Acquire(env.Ctx, "b@example.com"); err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	got, err := env.Engine.Acquire(env.Ctx, "a@example.com")
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	if got.ID != "item-3" {
		t.Fatalf("expected item-3, got %s", got.ID)
	}
	if _, err := env.Engine.Acquire(env.Ctx, "c@example.com"); !errors.Is(err, engine.ErrNoItemsAvailable) {
		t.Fatalf("expected no items, got %v", err)
	}
}

func TestLeaseExpiryBoundary(t *testing.T) {
	env := newTestEnv(t)
	seed(t, env, "item-1")
	if _, err := env.Engine.Acquire(env.Ctx, "a@example.com"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ttl := env.Engine.LeaseTTL()
	if ttl != 40*time.Minute {
		t.Fatalf("expected 40m ttl, got %s", ttl)
	}
	env.Clock.Advance(ttl - time.Second)
	if _, err := env.Engine.Acquire(env.Ctx, "b@example.com"); !errors.Is(err, engine.ErrNoItemsAvailable) {
		t.Fatalf("lease should still be live, got %v", err)
	}
	env.Clock.Advance(time.Second)
	if _, err := env.Engine.Acquire(env.Ctx, "b@example.com"); !errors.Is(err, engine.ErrNoItemsAvailable) {
		t.Fatalf("lease exactly at ttl should still be live, got %v", err)
	}
	env.Clock.Advance(time.Millisecond)
	got, err := env.Engine.Acquire(env.Ctx, "b@example.com")
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if got.Lease.Holder != "b@example.com" || !got.Lease.AcquiredAt.Equal(env.Clock.Now()) {
		t.Fatalf("unexpected lease %+v", got.Lease)
	}
}

func TestAcquireOnlyScansWindow(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Lease.ScanWindow = 2 })
	seed(t, env, "item-1", "item-2", "item-3")
	for _, id := range []string{"item-1", "item-2"} {
		if _, err := env.Repo.UpdateFields(env.Ctx, id, repo.Update{Fields: leaseTo("other@example.com")}); err != nil {
			t.Fatalf("lease %s: %v", id, err)
		}
	}
	if _, err := env.Engine.Acquire(env.Ctx, "a@example.com"); !errors.Is(err, engine.ErrNoItemsAvailable) {
		t.Fatalf("expected window to be exhausted, got %v", err)
	}
	got, err := env.Engine.AcquireWithin(env.Ctx, "a@example.com", 3)
	if err != nil {
		t.Fatalf("acquire within 3: %v", err)
	}
	if got.ID != "item-3" {
		t.Fatalf("expected item-3, got %s", got.ID)
	}
}

func TestAcquireRequiresWorker(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Acquire(env.Ctx, "  "); !errors.Is(err, engine.ErrWorkerRequired) {
		t.Fatalf("expected worker required, got %v", err)
	}
}

func TestSetGradeValidation(t *testing.T) {
	env := newTestEnv(t)
	seed(t, env, "item-1")
	it, err := env.Engine.Acquire(env.Ctx, "a@example.com")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	for _, v := range []int{-1, 6} {
		if _, err := env.Engine.SetGrade(env.Ctx, it.ID, "a@example.com", 0, v); !errors.Is(err, engine.ErrInvalidGrade) {
			t.Fatalf("grade %d: expected invalid grade, got %v", v, err)
		}
	}
	if _, err := env.Engine.SetGrade(env.Ctx, it.ID, "b@example.com", 0, 3); !errors.Is(err, engine.ErrNotLeaseHolder) {
		t.Fatalf("expected not lease holder, got %v", err)
	}
	if _, err := env.Engine.SetGrade(env.Ctx, it.ID, "a@example.com", 3, 3); !errors.Is(err, engine.ErrPredictionIndex) {
		t.Fatalf("expected index error, got %v", err)
	}
	after, err := env.Repo.Get(env.Ctx, it.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Version != it.Version {
		t.Fatalf("rejected grades must not write, version %d -> %d", it.Version, after.Version)
	}
}

func TestSetGradePreservesSiblings(t *testing.T) {
	env := newTestEnv(t)
	seed(t, env, "item-1")
	it, err := env.Engine.Acquire(env.Ctx, "a@example.com")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := env.Engine.SetGrade(env.Ctx, it.ID, "a@example.com", 0, 3); err != nil {
		t.Fatalf("grade 0: %v", err)
	}
	if _, err := env.Engine.SetGrade(env.Ctx, it.ID, "a@example.com", 2, 5); err != nil {
		t.Fatalf("grade 2: %v", err)
	}
	got, err := env.Repo.Get(env.Ctx, it.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := []string{"3", "-", "5"}
	for i, p := range got.Predictions {
		if p.Grade.String() != want[i] {
			t.Fatalf("prediction %d grade %s, want %s", i, p.Grade, want[i])
		}
		if p.Model != it.Predictions[i].Model || p.Text != it.Predictions[i].Text {
			t.Fatalf("prediction %d content changed: %+v", i, p)
		}
	}
}

func TestSubmitIncompleteGrading(t *testing.T) {
	env := newTestEnv(t)
	seed(t, env, "item-1")
	it, err := env.Engine.Acquire(env.Ctx, "a@example.com")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, _ = env.Engine.SetGrade(env.Ctx, it.ID, "a@example.com", 0, 2)
	graded, err := env.Engine.SetGrade(env.Ctx, it.ID, "a@example.com", 2, 4)
	if err != nil {
		t.Fatalf("grade: %v", err)
	}
	_, err = env.Engine.Submit(env.Ctx, it.ID, "a@example.com")
	var incomplete *engine.IncompleteGradingError
	if !errors.As(err, &incomplete) {
		t.Fatalf("expected incomplete grading, got %v", err)
	}
	if incomplete.Missing != 1 {
		t.Fatalf("expected 1 missing, got %d", incomplete.Missing)
	}
	after, _ := env.Repo.Get(env.Ctx, it.ID)
	if after.Version != graded.Version || after.Status != domain.StatusPending {
		t.Fatalf("incomplete submit must not write: %+v", after)
	}
}

func TestSubmitCompletesItem(t *testing.T) {
	env := newTestEnv(t)
	seed(t, env, "item-1")
	it, err := env.Engine.Acquire(env.Ctx, "a@example.com")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	for i, v := range []int{1, 0, 5} {
		if _, err := env.Engine.SetGrade(env.Ctx, it.ID, "a@example.com", i, v); err != nil {
			t.Fatalf("grade %d: %v", i, err)
		}
	}
	if _, err := env.Engine.Submit(env.Ctx, it.ID, "b@example.com"); !errors.Is(err, engine.ErrNotLeaseHolder) {
		t.Fatalf("expected not lease holder, got %v", err)
	}
	env.Clock.Advance(5 * time.Minute)
	done, err := env.Engine.Submit(env.Ctx, it.ID, "a@example.com")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	stored, err := env.Repo.Get(env.Ctx, it.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	for _, got := range []domain.WorkItem{done, stored} {
		if got.Status != domain.StatusDone || got.Lease.Held || got.CompletedBy != "a@example.com" {
			t.Fatalf("unexpected completed item %+v", got)
		}
		if !got.CompletedAt.Equal(env.Clock.Now()) {
			t.Fatalf("completedAt %s, want %s", got.CompletedAt, env.Clock.Now())
		}
	}
	for i, want := range []string{"1", "0", "5"} {
		if stored.Predictions[i].Grade.String() != want {
			t.Fatalf("submit changed grade %d", i)
		}
	}
	if _, err := env.Engine.Submit(env.Ctx, it.ID, "a@example.com"); !errors.Is(err, engine.ErrAlreadyDone) {
		t.Fatalf("expected already done, got %v", err)
	}
	if _, err := env.Engine.Acquire(env.Ctx, "a@example.com"); !errors.Is(err, engine.ErrNoItemsAvailable) {
		t.Fatalf("done item must not be acquirable, got %v", err)
	}
}

func TestClearGradeOnDoneItemKeepsStatus(t *testing.T) {
	env := newTestEnv(t)
	seed(t, env, "item-1")
	it, _ := env.Engine.Acquire(env.Ctx, "a@example.com")
	for i := range it.Predictions {
		if _, err := env.Engine.SetGrade(env.Ctx, it.ID, "a@example.com", i, 4); err != nil {
			t.Fatalf("grade: %v", err)
		}
	}
	if _, err := env.Engine.Submit(env.Ctx, it.ID, "a@example.com"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	got, err := env.Engine.ClearGrade(env.Ctx, it.ID, "reviewer@example.com", 1)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got.Status != domain.StatusDone || got.Predictions[1].Grade.IsGraded() {
		t.Fatalf("unexpected item after clear: %+v", got)
	}
	stored, _ := env.Repo.Get(env.Ctx, it.ID)
	if stored.Status != domain.StatusDone || stored.MissingGrades() != 1 {
		t.Fatalf("unexpected stored item after clear: %+v", stored)
	}
}

func TestClearGradeNeedsLeaseOnPendingItem(t *testing.T) {
	env := newTestEnv(t)
	seed(t, env, "item-1")
	it, _ := env.Engine.Acquire(env.Ctx, "a@example.com")
	if _, err := env.Engine.SetGrade(env.Ctx, it.ID, "a@example.com", 0, 2); err != nil {
		t.Fatalf("grade: %v", err)
	}
	if _, err := env.Engine.ClearGrade(env.Ctx, it.ID, "b@example.com", 0); !errors.Is(err, engine.ErrNotLeaseHolder) {
		t.Fatalf("expected not lease holder, got %v", err)
	}
	got, err := env.Engine.ClearGrade(env.Ctx, it.ID, "a@example.com", 0)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got.MissingGrades() != 3 {
		t.Fatalf("expected all ungraded, got %d missing", got.MissingGrades())
	}
}

// racingStore lets a rival write land between the engine's read and its
// write, on the first update carrying event.
type racingStore struct {
	engine.Store
	event string
	rival func(ctx context.Context, id string)
	fired bool
}

func (s *racingStore) UpdateFields(ctx context.Context, id string, u repo.Update) (repo.UpdateResult, error) {
	if !s.fired && u.Event == s.event {
		s.fired = true
		s.rival(ctx, id)
	}
	return s.Store.UpdateFields(ctx, id, u)
}

func rivalLease(t *testing.T, env testEnv) func(context.Context, string) {
	return func(ctx context.Context, id string) {
		if _, err := env.Repo.UpdateFields(ctx, id, repo.Update{Fields: leaseTo("rival@example.com"), Event: domain.EventItemLeased, Actor: "rival@example.com"}); err != nil {
			t.Fatalf("rival lease: %v", err)
		}
	}
}

func TestAcquireCompareAndSwapSkipsLostRace(t *testing.T) {
	env := newTestEnv(t)
	seed(t, env, "item-1", "item-2")
	eng := env.Engine
	eng.Store = &racingStore{Store: env.Repo, event: domain.EventItemLeased, rival: rivalLease(t, env)}
	got, err := eng.Acquire(env.Ctx, "a@example.com")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got.ID != "item-2" {
		t.Fatalf("expected to move on to item-2, got %s", got.ID)
	}
	first, _ := env.Repo.Get(env.Ctx, "item-1")
	if first.Lease.Holder != "rival@example.com" {
		t.Fatalf("rival lease overwritten: %+v", first.Lease)
	}
}

func TestAcquireWithoutCompareAndSwapLastWriterWins(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Lease.CompareAndSwap = false })
	seed(t, env, "item-1", "item-2")
	eng := env.Engine
	eng.Store = &racingStore{Store: env.Repo, event: domain.EventItemLeased, rival: rivalLease(t, env)}
	got, err := eng.Acquire(env.Ctx, "a@example.com")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got.ID != "item-1" {
		t.Fatalf("expected item-1, got %s", got.ID)
	}
	first, _ := env.Repo.Get(env.Ctx, "item-1")
	if first.Lease.Holder != "a@example.com" {
		t.Fatalf("expected second writer to win, got %+v", first.Lease)
	}
	// The rival still believes it holds item-1; its first write exposes the loss.
	if _, err := env.Engine.SetGrade(env.Ctx, "item-1", "rival@example.com", 0, 3); !errors.Is(err, engine.ErrNotLeaseHolder) {
		t.Fatalf("expected rival to be rejected, got %v", err)
	}
}

func TestSetGradeStaleLease(t *testing.T) {
	env := newTestEnv(t)
	seed(t, env, "item-1")
	if _, err := env.Engine.Acquire(env.Ctx, "a@example.com"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	eng := env.Engine
	eng.Store = &racingStore{Store: env.Repo, event: domain.EventItemGraded, rival: rivalLease(t, env)}
	_, err := eng.SetGrade(env.Ctx, "item-1", "a@example.com", 0, 4)
	if !errors.Is(err, engine.ErrStaleLease) {
		t.Fatalf("expected stale lease, got %v", err)
	}
	if !engine.Retryable(err) {
		t.Fatalf("stale lease should be retryable")
	}
	got, _ := env.Repo.Get(env.Ctx, "item-1")
	if got.Predictions[0].Grade.IsGraded() {
		t.Fatalf("stale grade must not be written")
	}
}

func TestStoreUnavailable(t *testing.T) {
	env := newTestEnv(t)
	seed(t, env, "item-1")
	env.Repo.DB.Close()
	_, err := env.Engine.Acquire(env.Ctx, "a@example.com")
	var su *engine.StoreUnavailableError
	if !errors.As(err, &su) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	if su.Op != "acquire" {
		t.Fatalf("unexpected op %q", su.Op)
	}
	_, err = env.Engine.Submit(env.Ctx, "item-1", "a@example.com")
	if !errors.As(err, &su) || su.ItemID != "item-1" {
		t.Fatalf("expected store unavailable with item id, got %v", err)
	}
}

func TestRetry(t *testing.T) {
	calls := 0
	got, err := engine.Retry(context.Background(), engine.RetryPolicy{Attempts: 3, Base: time.Millisecond}, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &engine.StoreUnavailableError{Op: "acquire", Err: fmt.Errorf("busy")}
		}
		return "ok", nil
	})
	if err != nil || got != "ok" || calls != 3 {
		t.Fatalf("retry: got %q err %v after %d calls", got, err, calls)
	}
	calls = 0
	_, err = engine.Retry(context.Background(), engine.DefaultRetry, func(context.Context) (string, error) {
		calls++
		return "", engine.ErrNoItemsAvailable
	})
	if !errors.Is(err, engine.ErrNoItemsAvailable) || calls != 1 {
		t.Fatalf("non-retryable errors must return at once, calls=%d err=%v", calls, err)
	}
}
