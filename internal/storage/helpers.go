package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/roman-kulish/transformer-harmonics/internal/diagnostics"
	"github.com/roman-kulish/transformer-harmonics/internal/harmonics"
	"github.com/roman-kulish/transformer-harmonics/internal/waveform"
)

// Layouts go-sqlite3 writes time.Time values with, and CURRENT_TIMESTAMP
var datetimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

// sqliteDatetime scans a TIMESTAMP column whether the driver returns it as time.Time
// or as text, which happens when the declared column type is lost.
type sqliteDatetime struct {
	Datetime time.Time
}

func (d *sqliteDatetime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		d.Datetime = v.UTC()
		return nil
	case string:
		return d.parse(v)
	case []byte:
		return d.parse(string(v))
	case nil:
		d.Datetime = time.Time{}
		return nil
	default:
		return fmt.Errorf("unsupported datetime type %T", src)
	}
}

func (d *sqliteDatetime) parse(s string) error {
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			d.Datetime = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("unsupported datetime format '%s'", s)
}

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

func rollbackWithError(rb interface{ Rollback() error }, err *error) {
	if cErr := rb.Rollback(); cErr != nil && !errors.Is(cErr, sql.ErrTxDone) && *err == nil {
		*err = cErr
	}
}

func toReportData(r *diagnostics.Report) (*reportData, []issueData, error) {
	config, err := json.Marshal(r.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling config: %w", err)
	}

	data := reportData{
		ID:          r.ID.String(),
		CreatedAt:   sqliteDatetime{r.CreatedAt.UTC()},
		PairID:      r.PairID.String(),
		ReceivedAt:  sqliteDatetime{r.ReceivedAt.UTC()},
		SampleRate:  r.SampleRate,
		SampleCount: r.SampleCount,
		BinWidth:    r.BinWidth,
		Config:      sql.NullString{String: string(config), Valid: true},
	}

	var issues []issueData
	for _, ch := range r.Channels() {
		for _, issue := range ch.Issues {
			var bins sql.NullString
			if len(issue.Bins) > 0 {
				p, err := json.Marshal(issue.Bins)
				if err != nil {
					return nil, nil, fmt.Errorf("marshaling bins: %w", err)
				}
				bins = sql.NullString{String: string(p), Valid: true}
			}

			issues = append(issues, issueData{
				ReportID:    data.ID,
				Position:    len(issues),
				Channel:     ch.Channel.String(),
				Category:    issue.Category.String(),
				Explanation: issue.Explanation,
				Tag:         int(issue.Tag),
				Ratio:       issue.Ratio,
				Threshold:   issue.Limit,
				Bins:        bins,
			})
		}
	}

	return &data, issues, nil
}

func toRecord(data *reportData, issues []issueData) (*Record, error) {
	id, err := uuid.Parse(data.ID)
	if err != nil {
		return nil, fmt.Errorf("parsing report ID: %w", err)
	}

	pairID, err := uuid.Parse(data.PairID)
	if err != nil {
		return nil, fmt.Errorf("parsing pair ID: %w", err)
	}

	rec := Record{
		ID:          id,
		CreatedAt:   data.CreatedAt.Datetime,
		PairID:      pairID,
		ReceivedAt:  data.ReceivedAt.Datetime,
		SampleRate:  data.SampleRate,
		SampleCount: data.SampleCount,
		BinWidth:    data.BinWidth,
	}

	if data.Config.Valid {
		var cfg harmonics.Config
		if err = json.Unmarshal([]byte(data.Config.String), &cfg); err == nil {
			rec.Config = &cfg
		}
	}

	for _, row := range issues {
		issue := harmonics.Issue{
			Category:    harmonics.Category(row.Category),
			Explanation: row.Explanation,
			Tag:         harmonics.Tag(row.Tag),
			Ratio:       row.Ratio,
			Limit:       row.Threshold,
		}
		if row.Bins.Valid {
			if err = json.Unmarshal([]byte(row.Bins.String), &issue.Bins); err != nil {
				return nil, fmt.Errorf("unmarshaling bins: %w", err)
			}
		}

		switch waveform.Channel(row.Channel) {
		case waveform.ChannelVoltage:
			rec.Voltage = append(rec.Voltage, issue)
		case waveform.ChannelCurrent:
			rec.Current = append(rec.Current, issue)
		default:
			return nil, fmt.Errorf("unknown channel '%s'", row.Channel)
		}
	}

	return &rec, nil
}
