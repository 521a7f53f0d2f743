package aggregate

import (
	"sort"
	"time"

	"khata/internal/domain"
)

type ModelStanding struct {
	Model        string  `json:"model"`
	TotalScore   int     `json:"total_score"`
	GradedCount  int     `json:"graded_count"`
	AverageScore float64 `json:"average_score"`
	MaxScore     int     `json:"max_score"`
	Percent      float64 `json:"percent"`
}

type HourBucket struct {
	Hour       time.Time `json:"hour" format:"date-time"`
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
	AcquiredAt time.Time `json:"acquired_at" format:"date-time"`
	Expired    bool      `json:"expired"`
}

type ActiveWorker struct {
	Worker       string     `json:"worker"`
	LastAcquired time.Time  `json:"last_acquired" format:"date-time"`
	Items        []HeldItem `json:"items"`
}

type Totals struct {
	Total   int `json:"total"`
	Done    int `json:"done"`
	Pending int `json:"pending"`
}

// Views is one consistent read of every derived view.
type Views struct {
	Models       []ModelStanding       `json:"models"`
	Contributors []ContributorStanding `json:"contributors"`
	Active       []ActiveWorker        `json:"active"`
	Totals       Totals                `json:"totals"`
	Cursor       int64                 `json:"cursor"`
}

// Compute derives all views from scratch. It is the reference the
// incremental path must agree with.
func Compute(items []domain.WorkItem, now time.Time, ttl time.Duration) Views {
	st := newState()
	for _, it := range items {
		st.upsert(it)
	}
	return st.views(now, ttl)
}

type gradeContribution struct {
	model  string
	grade  int
	graded bool
}

// contribution is everything one item adds to the views, kept per item so
// a change can be subtracted before the new version is added.
type contribution struct {
	preds       []gradeContribution
	done        bool
	completedBy string
	completedAt time.Time
	lease       domain.Lease
}

func contributionOf(it domain.WorkItem) contribution {
	c := contribution{done: it.Status == domain.StatusDone}
	for _, p := range it.Predictions {
		if p.Model == "" {
			continue
		}
		g, ok := p.Grade.Value()
		c.preds = append(c.preds, gradeContribution{model: p.Model, grade: g, graded: ok})
	}
	if c.done && it.CompletedBy != "" && !it.CompletedAt.IsZero() {
		c.completedBy = it.CompletedBy
		c.completedAt = it.CompletedAt
	}
	if it.Lease.Held && it.Lease.Holder != "" && !it.Done() {
		c.lease = it.Lease
	}
	return c
}

type modelAcc struct {
	total       int
	graded      int
	predictions int
}

type state struct {
	items        map[string]contribution
	models       map[string]*modelAcc
	contributors map[string]map[string]time.Time
	leases       map[string]domain.Lease
	done         int
}

func newState() *state {
	return &state{
		items:        map[string]contribution{},
		models:       map[string]*modelAcc{},
		contributors: map[string]map[string]time.Time{},
		leases:       map[string]domain.Lease{},
	}
}

func (s *state) upsert(it domain.WorkItem) {
	s.remove(it.ID)
	c := contributionOf(it)
	s.items[it.ID] = c
	for _, p := range c.preds {
		acc := s.models[p.model]
		if acc == nil {
			acc = &modelAcc{}
			s.models[p.model] = acc
		}
		acc.predictions++
		if p.graded {
			acc.total += p.grade
			acc.graded++
		}
	}
	if c.done {
		s.done++
	}
	if c.completedBy != "" {
		byItem := s.contributors[c.completedBy]
		if byItem == nil {
			byItem = map[string]time.Time{}
			s.contributors[c.completedBy] = byItem
		}
		byItem[it.ID] = c.completedAt
	}
	if c.lease.Held {
		s.leases[it.ID] = c.lease
	}
}

func (s *state) remove(id string) {
	c, ok := s.items[id]
	if !ok {
		return
	}
	delete(s.items, id)
	for _, p := range c.preds {
		acc := s.models[p.model]
		if acc == nil {
			continue
		}
		acc.predictions--
		if p.graded {
			acc.total -= p.grade
			acc.graded--
		}
		if acc.predictions <= 0 {
			delete(s.models, p.model)
		}
	}
	if c.done {
		s.done--
	}
	if c.completedBy != "" {
		if byItem := s.contributors[c.completedBy]; byItem != nil {
			delete(byItem, id)
			if len(byItem) == 0 {
				delete(s.contributors, c.completedBy)
			}
		}
	}
	delete(s.leases, id)
}

func (s *state) views(now time.Time, ttl time.Duration) Views {
	return Views{
		Models:       s.modelViews(),
		Contributors: s.contributorViews(),
		Active:       s.activeViews(now, ttl),
		Totals:       Totals{Total: len(s.items), Done: s.done, Pending: len(s.items) - s.done},
	}
}

func (s *state) modelViews() []ModelStanding {
	out := make([]ModelStanding, 0, len(s.models))
	for model, acc := range s.models {
		m := ModelStanding{Model: model, TotalScore: acc.total, GradedCount: acc.graded, MaxScore: acc.graded * domain.MaxGrade}
		if acc.graded > 0 {
			m.AverageScore = float64(acc.total) / float64(acc.graded)
			m.Percent = m.AverageScore / domain.MaxGrade * 100
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalScore != out[j].TotalScore {
			return out[i].TotalScore > out[j].TotalScore
		}
		return out[i].Model < out[j].Model
	})
	return out
}

func (s *state) contributorViews() []ContributorStanding {
	out := make([]ContributorStanding, 0, len(s.contributors))
	for worker, byItem := range s.contributors {
		times := make([]time.Time, 0, len(byItem))
		for _, at := range byItem {
			times = append(times, at)
		}
		sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
		out = append(out, ContributorStanding{
			Worker:         worker,
			TotalCompleted: len(times),
			CompletedAt:    times,
			Hourly:         Hourly(times),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalCompleted != out[j].TotalCompleted {
			return out[i].TotalCompleted > out[j].TotalCompleted
		}
		return out[i].Worker < out[j].Worker
	})
	return out
}

// MaxHourlyBuckets bounds the hourly series to the most recent year of
// completions. Older completions only raise the starting cumulative count.
const MaxHourlyBuckets = 24 * 366

// Hourly buckets sorted completion times by hour, from the first completion
// hour (at most MaxHourlyBuckets back) to the last one inclusive, with empty
// hours kept.
func Hourly(sorted []time.Time) []HourBucket {
	if len(sorted) == 0 {
		return []HourBucket{}
	}
	last := sorted[len(sorted)-1].UTC().Truncate(time.Hour)
	first := sorted[0].UTC().Truncate(time.Hour)
	if floor := last.Add(-(MaxHourlyBuckets - 1) * time.Hour); first.Before(floor) {
		first = floor
	}
	n := int(last.Sub(first)/time.Hour) + 1
	buckets := make([]HourBucket, n)
	for i := range buckets {
		buckets[i].Hour = first.Add(time.Duration(i) * time.Hour)
	}
	running := 0
	for _, at := range sorted {
		at = at.UTC().Truncate(time.Hour)
		if at.Before(first) {
			running++
			continue
		}
		buckets[int(at.Sub(first)/time.Hour)].Count++
	}
	for i := range buckets {
		running += buckets[i].Count
		buckets[i].Cumulative = running
	}
	return buckets
}

func (s *state) activeViews(now time.Time, ttl time.Duration) []ActiveWorker {
	byWorker := map[string][]HeldItem{}
	for id, l := range s.leases {
		byWorker[l.Holder] = append(byWorker[l.Holder], HeldItem{ItemID: id, AcquiredAt: l.AcquiredAt, Expired: l.Expired(now, ttl)})
	}
	out := make([]ActiveWorker, 0, len(byWorker))
	for worker, items := range byWorker {
		sort.Slice(items, func(i, j int) bool {
			if !items[i].AcquiredAt.Equal(items[j].AcquiredAt) {
				return items[i].AcquiredAt.After(items[j].AcquiredAt)
			}
			return items[i].ItemID < items[j].ItemID
		})
		out = append(out, ActiveWorker{Worker: worker, LastAcquired: items[0].AcquiredAt, Items: items})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastAcquired.Equal(out[j].LastAcquired) {
			return out[i].LastAcquired.After(out[j].LastAcquired)
		}
		return out[i].Worker < out[j].Worker
	})
	return out
}
