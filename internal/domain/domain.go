package domain

import (
	"errors"
	"fmt"
	"time"
)

// MaxGrade is the highest score a prediction can receive; grades run 0..MaxGrade.
const MaxGrade = 5

// Status is the lifecycle state stored on every work item.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
)

// ParseStatus normalizes a stored or imported status. Legacy documents carry
// no status at all, which means pending.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "", string(StatusPending):
		return StatusPending, nil
	case string(StatusDone):
		return StatusDone, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

var ErrGradeRange = errors.New("grade must be between 0 and 5")

// Grade is either absent or an integer score in [0, MaxGrade].
type Grade struct {
	value  int
	graded bool
}

// Ungraded is the zero Grade.
var Ungraded = Grade{}

func NewGrade(v int) (Grade, error) {
	if v < 0 || v > MaxGrade {
		return Grade{}, fmt.Errorf("%w: got %d", ErrGradeRange, v)
	}
	return Grade{value: v, graded: true}, nil
}

// MustGrade panics on out-of-range values; meant for fixtures.
func MustGrade(v int) Grade {
	g, err := NewGrade(v)
	if err != nil {
		panic(err)
	}
	return g
}

func (g Grade) IsGraded() bool { return g.graded }

func (g Grade) Value() (int, bool) { return g.value, g.graded }

// Ptr returns the grade as a nullable int for wire encoding.
func (g Grade) Ptr() *int {
	if !g.graded {
		return nil
	}
	v := g.value
	return &v
}

func (g Grade) String() string {
	if !g.graded {
		return "-"
	}
	return fmt.Sprintf("%d", g.value)
}

type Content struct {
	Idiom               string
	LiteralMeaning      string
	FigurativeMeaningEN string
	FigurativeMeaningBN string
	Sentiment           string
	Tags                []string
}

type Prediction struct {
	Model string
	Text  string
	Grade Grade
}

// Lease records which worker currently holds an item. Held implies Holder
// and AcquiredAt are set.
type Lease struct {
	Held       bool
	Holder     string
	AcquiredAt time.Time
}

// Expired reports whether a held lease is older than ttl at now. Equality
// is not expiry.
func (l Lease) Expired(now time.Time, ttl time.Duration) bool {
	return l.Held && now.Sub(l.AcquiredAt) > ttl
}

// HeldBy reports whether worker holds the lease, expired or not.
func (l Lease) HeldBy(worker string) bool {
	return l.Held && l.Holder == worker
}

type WorkItem struct {
	ID          string
	Content     Content
	Predictions []Prediction
	Status      Status
	Lease       Lease
	CompletedBy string
	CompletedAt time.Time
	Version     int64
}

// MissingGrades counts predictions without a grade.
func (w WorkItem) MissingGrades() int {
	missing := 0
	for _, p := range w.Predictions {
		if !p.Grade.IsGraded() {
			missing++
		}
	}
	return missing
}

func (w WorkItem) Done() bool { return w.Status == StatusDone }

// Event is one row of the change log.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	ItemID  string `json:"item_id"`
	ActorID string `json:"actor_id,omitempty"`
	Version int64  `json:"version"`
	Payload string `json:"payload_json"`
}

const (
	EventItemCreated      = "item.created"
	EventItemLeased       = "item.leased"
	EventItemGraded       = "item.graded"
	EventItemGradeCleared = "item.grade_cleared"
	EventItemSubmitted    = "item.submitted"
	EventItemUpdated      = "item.updated"
)
