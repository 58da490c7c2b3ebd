package storage

import (
	_ "embed"
)

const (
	insertReportSQL = `
INSERT INTO reports (id,
                     created_at,
                     pair_id,
                     received_at,
                     sample_rate,
                     sample_count,
                     bin_width,
                     config)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	insertIssueSQL = `
INSERT INTO issues (report_id,
                    position,
                    channel,
                    category,
                    explanation,
                    tag,
                    ratio,
                    threshold,
                    bins)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectReportSQL = `
SELECT
    id,
    created_at,
    pair_id,
    received_at,
    sample_rate,
    sample_count,
    bin_width,
    config
FROM reports
WHERE
    id = ?`

	selectReportsSQL = `
SELECT
    id,
    created_at,
    pair_id,
    received_at,
    sample_rate,
    sample_count,
    bin_width,
    config
FROM reports
WHERE
    created_at >= ? AND created_at <= ?
ORDER BY created_at DESC
LIMIT ?`

	selectIssuesSQL = `
SELECT
    channel,
    category,
    explanation,
    tag,
    ratio,
    threshold,
    bins
FROM issues
WHERE
    report_id = ?
ORDER BY position`

	deleteReportsBeforeSQL = `
DELETE FROM reports
WHERE
    created_at < ?`
)

//go:embed schema.sql
var initSchemaSQL string
