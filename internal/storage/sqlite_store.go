package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/roman-kulish/transformer-harmonics/internal/diagnostics"
)

// SqliteStore handles database operations
type SqliteStore struct {
	dbPath string

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	readDB     *sql.DB
	readDBOnce sync.Once
	readDBErr  error

	closeOnce sync.Once
	closeErr  error
}

// NewSqliteStore creates a store backed by the Sqlite database at dbPath. Connections
// are opened lazily and the schema is created with the first write.
func NewSqliteStore(dbPath string) *SqliteStore {
	return &SqliteStore{dbPath: dbPath}
}

// newSqliteStoreWithDB uses db for both reads and writes and skips schema creation.
func newSqliteStoreWithDB(db *sql.DB) *SqliteStore {
	s := SqliteStore{writeDB: db, readDB: db}
	s.writeDBOnce.Do(func() {})
	s.readDBOnce.Do(func() {})
	return &s
}

func runSQLCommand(db *sql.DB, sql string) error {
	_, err := db.Exec(sql)
	return err
}

func (s *SqliteStore) getWriteDB() (*sql.DB, error) {
	s.writeDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on"))
		if err != nil {
			s.writeDBErr = fmt.Errorf("opening write connection: %w", err)
			return
		}

		if err = runSQLCommand(db, initSchemaSQL); err != nil {
			_ = db.Close()
			s.writeDBErr = fmt.Errorf("initializing schema: %w", err)
			return
		}

		s.writeDB = db
	})

	return s.writeDB, s.writeDBErr
}

func (s *SqliteStore) getReadDB() (*sql.DB, error) {
	// the schema must exist before a read only connection can query it
	if _, err := s.getWriteDB(); err != nil {
		return nil, err
	}

	s.readDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "mode=ro"))
		if err != nil {
			s.readDBErr = fmt.Errorf("opening read connection: %w", err)
			return
		}
		s.readDB = db
	})

	return s.readDB, s.readDBErr
}

func (s *SqliteStore) StoreReport(ctx context.Context, r *diagnostics.Report) (err error) {
	if r == nil {
		return errors.New("nil report")
	}

	data, issues, err := toReportData(r)
	if err != nil {
		return err
	}

	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollbackWithError(tx, &err)

	_, err = tx.ExecContext(ctx, insertReportSQL,
		data.ID,
		data.CreatedAt.Datetime,
		data.PairID,
		data.ReceivedAt.Datetime,
		data.SampleRate,
		data.SampleCount,
		data.BinWidth,
		data.Config,
	)
	if err != nil {
		return fmt.Errorf("inserting report: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, insertIssueSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	for _, issue := range issues {
		_, err = stmt.ExecContext(ctx,
			issue.ReportID,
			issue.Position,
			issue.Channel,
			issue.Category,
			issue.Explanation,
			issue.Tag,
			issue.Ratio,
			issue.Threshold,
			issue.Bins,
		)
		if err != nil {
			return fmt.Errorf("inserting issue: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

func (s *SqliteStore) Report(ctx context.Context, id uuid.UUID) (record *Record, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, selectReportSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	data, err := scanReport(stmt.QueryRowContext(ctx, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		err = fmt.Errorf("scanning report: %w", err)
		return
	}

	return s.withIssues(ctx, db, data)
}

func (s *SqliteStore) Reports(ctx context.Context, opts ...QueryOption) (records []*Record, err error) {
	q := newQuery(opts...)
	if q.startTime.After(q.endTime) {
		return nil, fmt.Errorf("start time %s is after end time %s", q.startTime, q.endTime)
	}

	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	reports, err := s.queryReports(ctx, db, q)
	if err != nil {
		return nil, err
	}

	records = make([]*Record, 0, len(reports))
	for _, data := range reports {
		rec, err := s.withIssues(ctx, db, data)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *SqliteStore) queryReports(ctx context.Context, db *sql.DB, q *query) (reports []*reportData, err error) {
	rows, err := db.QueryContext(ctx, selectReportsSQL, q.startTime, q.endTime, q.limit)
	if err != nil {
		err = fmt.Errorf("querying reports: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var data *reportData
		if data, err = scanReport(rows); err != nil {
			err = fmt.Errorf("scanning report: %w", err)
			return
		}
		reports = append(reports, data)
	}
	if err = rows.Err(); err != nil {
		err = fmt.Errorf("iterating reports: %w", err)
	}
	return
}

func (s *SqliteStore) withIssues(ctx context.Context, db *sql.DB, data *reportData) (record *Record, err error) {
	rows, err := db.QueryContext(ctx, selectIssuesSQL, data.ID)
	if err != nil {
		err = fmt.Errorf("querying issues: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	var issues []issueData
	for rows.Next() {
		issue := issueData{ReportID: data.ID}
		if err = rows.Scan(
			&issue.Channel,
			&issue.Category,
			&issue.Explanation,
			&issue.Tag,
			&issue.Ratio,
			&issue.Threshold,
			&issue.Bins,
		); err != nil {
			err = fmt.Errorf("scanning issue: %w", err)
			return
		}
		issues = append(issues, issue)
	}
	if err = rows.Err(); err != nil {
		err = fmt.Errorf("iterating issues: %w", err)
		return
	}

	return toRecord(data, issues)
}

func (s *SqliteStore) DeleteBefore(ctx context.Context, t time.Time) (n int64, err error) {
	db, err := s.getWriteDB()
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	result, err := db.ExecContext(ctx, deleteReportsBeforeSQL, t.UTC())
	if err != nil {
		err = fmt.Errorf("deleting reports: %w", err)
		return
	}

	if n, err = result.RowsAffected(); err != nil {
		err = fmt.Errorf("getting deleted rows: %w", err)
	}
	return
}

func (s *SqliteStore) Close() error {
	s.closeOnce.Do(func() {
		var writeErr, readErr error

		if s.writeDB != nil {
			writeErr = s.writeDB.Close()
		}

		if s.readDB != nil && s.readDB != s.writeDB {
			readErr = s.readDB.Close()
		}

		s.writeDB, s.readDB = nil, nil
		s.closeErr = errors.Join(writeErr, readErr)
	})

	return s.closeErr
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (*reportData, error) {
	var data reportData
	err := row.Scan(
		&data.ID,
		&data.CreatedAt,
		&data.PairID,
		&data.ReceivedAt,
		&data.SampleRate,
		&data.SampleCount,
		&data.BinWidth,
		&data.Config,
	)
	if err != nil {
		return nil, err
	}
	return &data, nil
}
