package storage

import (
	"database/sql"
)

type reportData struct {
	ID          string
	CreatedAt   sqliteDatetime
	PairID      string
	ReceivedAt  sqliteDatetime
	SampleRate  float64
	SampleCount int
	BinWidth    float64
	Config      sql.NullString
}

type issueData struct {
	ReportID    string
	Position    int
	Channel     string
	Category    string
	Explanation string
	Tag         int
	Ratio       float64
	Threshold   float64
	Bins        sql.NullString
}
