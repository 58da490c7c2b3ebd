package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/roman-kulish/transformer-harmonics/internal/harmonics"
)

// Record is a stored diagnostics report. Spectra and sample buffers are not stored,
// only the metadata of the run and the issues found on each channel.
type Record struct {
	ID          uuid.UUID         `json:"id"`
	CreatedAt   time.Time         `json:"createdAt"`
	PairID      uuid.UUID         `json:"pairID"`
	ReceivedAt  time.Time         `json:"receivedAt"`
	SampleRate  float64           `json:"sampleRate"`
	SampleCount int               `json:"sampleCount"`
	BinWidth    float64           `json:"binWidth"`
	Config      *harmonics.Config `json:"config,omitempty"` // nil when the stored config could not be decoded
	Voltage     []harmonics.Issue `json:"voltage"`
	Current     []harmonics.Issue `json:"current"`
}

// IssueCount returns the number of non-sentinel issues of the record.
func (r *Record) IssueCount() int {
	var n int
	for _, issues := range [][]harmonics.Issue{r.Voltage, r.Current} {
		for _, issue := range issues {
			if !issue.IsSentinel() {
				n++
			}
		}
	}
	return n
}

// DefaultLimit is the number of records returned by Reports when no limit is given
const DefaultLimit = 50

// QueryOption configures a Reports query.
type QueryOption func(*query)

type query struct {
	limit     int
	startTime time.Time
	endTime   time.Time
}

func newQuery(opts ...QueryOption) *query {
	q := query{
		limit:   DefaultLimit,
		endTime: time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC),
	}
	for _, opt := range opts {
		opt(&q)
	}
	return &q
}

// WithLimit sets the maximum number of records returned. Non-positive values are ignored.
func WithLimit(n int) QueryOption {
	return func(q *query) {
		if n > 0 {
			q.limit = n
		}
	}
}

// WithStartTime excludes reports created before t.
func WithStartTime(t time.Time) QueryOption {
	return func(q *query) {
		q.startTime = t.UTC()
	}
}

// WithEndTime excludes reports created after t.
func WithEndTime(t time.Time) QueryOption {
	return func(q *query) {
		q.endTime = t.UTC()
	}
}

// WithTimeRange sets both start and end time filters.
func WithTimeRange(startTime, endTime time.Time) QueryOption {
	return func(q *query) {
		q.startTime = startTime.UTC()
		q.endTime = endTime.UTC()
	}
}
