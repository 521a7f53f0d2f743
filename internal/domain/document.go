package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimeLayout is used for every stored and wire timestamp.
const TimeLayout = time.RFC3339Nano

// ErrTimeRange marks a timestamp before the Unix epoch. Such values only
// come from corrupt documents and would break hour bucketing.
var ErrTimeRange = errors.New("timestamp out of range")

// ParseTime reads a stored or wire timestamp.
func ParseTime(s string) (time.Time, error) {
	at, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	if at.Before(time.Unix(0, 0)) {
		return time.Time{}, fmt.Errorf("%w: %s", ErrTimeRange, s)
	}
	return at.UTC(), nil
}

// Document is the wire form of a work item, shared by seed files, exports
// and the HTTP API.
type Document struct {
	ID                  string               `json:"id" yaml:"id"`
	Idiom               string               `json:"idiom" yaml:"idiom"`
	LiteralMeaning      string               `json:"literal_meaning" yaml:"literal_meaning"`
	FigurativeMeaningEN string               `json:"figurative_meaning_en" yaml:"figurative_meaning_en"`
	FigurativeMeaningBN string               `json:"figurative_meaning_bn" yaml:"figurative_meaning_bn"`
	Sentiment           string               `json:"sentiment" yaml:"sentiment"`
	Tags                []string             `json:"tags" yaml:"tags"`
	Predictions         []DocumentPrediction `json:"predictions" yaml:"predictions"`
	Status              string               `json:"status,omitempty" yaml:"status,omitempty" enum:"pending,done"`
	Lock                *DocumentLock        `json:"lock,omitempty" yaml:"lock,omitempty"`
	CompletedBy         string               `json:"completedBy,omitempty" yaml:"completedBy,omitempty"`
	CompletedAt         string               `json:"completedAt,omitempty" yaml:"completedAt,omitempty"`
	Version             int64                `json:"version,omitempty" yaml:"-"`
}

type DocumentPrediction struct {
	Model      string `json:"model" yaml:"model"`
	Prediction string `json:"prediction" yaml:"prediction"`
	Grade      *int   `json:"grade,omitempty" yaml:"grade,omitempty" minimum:"0" maximum:"5"`
}

type DocumentLock struct {
	State bool   `json:"state" yaml:"state"`
	User  string `json:"user,omitempty" yaml:"user,omitempty"`
	Time  string `json:"time,omitempty" yaml:"time,omitempty"`
}

// ToItem validates a document and converts it to a WorkItem.
func (d Document) ToItem() (WorkItem, error) {
	id := strings.TrimSpace(d.ID)
	if id == "" {
		return WorkItem{}, fmt.Errorf("document id is required")
	}
	status, err := ParseStatus(d.Status)
	if err != nil {
		return WorkItem{}, fmt.Errorf("document %s: %w", id, err)
	}
	item := WorkItem{
		ID: id,
		Content: Content{
			Idiom:               d.Idiom,
			LiteralMeaning:      d.LiteralMeaning,
			FigurativeMeaningEN: d.FigurativeMeaningEN,
			FigurativeMeaningBN: d.FigurativeMeaningBN,
			Sentiment:           d.Sentiment,
			Tags:                append([]string(nil), d.Tags...),
		},
		Status:      status,
		CompletedBy: d.CompletedBy,
		Version:     d.Version,
	}
	for i, p := range d.Predictions {
		pred := Prediction{Model: p.Model, Text: p.Prediction}
		if p.Grade != nil {
			g, err := NewGrade(*p.Grade)
			if err != nil {
				return WorkItem{}, fmt.Errorf("document %s prediction %d: %w", id, i, err)
			}
			pred.Grade = g
		}
		item.Predictions = append(item.Predictions, pred)
	}
	if d.Lock != nil && d.Lock.State {
		if d.Lock.User == "" || d.Lock.Time == "" {
			return WorkItem{}, fmt.Errorf("document %s: held lock needs user and time", id)
		}
		at, err := ParseTime(d.Lock.Time)
		if err != nil {
			return WorkItem{}, fmt.Errorf("document %s lock.time: %w", id, err)
		}
		item.Lease = Lease{Held: true, Holder: d.Lock.User, AcquiredAt: at}
	}
	if d.CompletedAt != "" {
		at, err := ParseTime(d.CompletedAt)
		if err != nil {
			return WorkItem{}, fmt.Errorf("document %s completedAt: %w", id, err)
		}
		item.CompletedAt = at
	}
	if status == StatusDone {
		if missing := item.MissingGrades(); missing > 0 {
			return WorkItem{}, fmt.Errorf("document %s is done but has %d ungraded predictions", id, missing)
		}
		if item.CompletedBy == "" || item.CompletedAt.IsZero() {
			return WorkItem{}, fmt.Errorf("document %s is done but has no completedBy/completedAt", id)
		}
		if item.Lease.Held {
			return WorkItem{}, fmt.Errorf("document %s is done but still locked", id)
		}
	}
	return item, nil
}

// DocumentFrom renders a WorkItem in wire form.
func DocumentFrom(item WorkItem) Document {
	d := Document{
		ID:                  item.ID,
		Idiom:               item.Content.Idiom,
		LiteralMeaning:      item.Content.LiteralMeaning,
		FigurativeMeaningEN: item.Content.FigurativeMeaningEN,
		FigurativeMeaningBN: item.Content.FigurativeMeaningBN,
		Sentiment:           item.Content.Sentiment,
		Tags:                append([]string{}, item.Content.Tags...),
		Predictions:         make([]DocumentPrediction, 0, len(item.Predictions)),
		Status:              string(item.Status),
		Lock:                &DocumentLock{State: item.Lease.Held},
		CompletedBy:         item.CompletedBy,
		Version:             item.Version,
	}
	for _, p := range item.Predictions {
		d.Predictions = append(d.Predictions, DocumentPrediction{Model: p.Model, Prediction: p.Text, Grade: p.Grade.Ptr()})
	}
	if item.Lease.Held {
		d.Lock.User = item.Lease.Holder
		d.Lock.Time = FormatTime(item.Lease.AcquiredAt)
	}
	if !item.CompletedAt.IsZero() {
		d.CompletedAt = FormatTime(item.CompletedAt)
	}
	return d
}

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}
