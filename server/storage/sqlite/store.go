// Package sqlite provides a SQLite-backed series store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/zaman-cal/seriesd/internal/timeutil"
	"github.com/zaman-cal/seriesd/server/storage"
	"github.com/zaman-cal/seriesd/server/storage/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists series, exceptions and materialized occurrences in SQLite.
type Store struct {
	reader
	sqlDB *sql.DB
}

var _ storage.Storage = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite store at path and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{reader: reader{q: sqlDB}, sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// WithTx runs fn inside one SQLite transaction, committing only on success.
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	sqlTx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&txStore{reader{q: sqlTx}}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// reader implements storage.Reader over a database or a transaction.
type reader struct {
	q querier
}

const seriesColumns = `id, title, description, goal, target_audience, organizer, is_all_day,
	start_time, end_time, recurrence_rule, scope, target_policy, status, rejection_reason,
	is_locked, lock_version, proposer_id, tenant_id, materialized_until, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSeries(row rowScanner) (*storage.Series, error) {
	var (
		s                                   storage.Series
		allDay, locked                      bool
		start, end, until, created, updated int64
		scope, status, policy               string
		tenantID                            sql.NullString
	)
	if err := row.Scan(&s.ID, &s.Title, &s.Description, &s.Goal, &s.TargetAudience, &s.Organizer, &allDay,
		&start, &end, &s.RecurrenceRule, &scope, &policy, &status, &s.RejectionReason,
		&locked, &s.LockVersion, &s.ProposerID, &tenantID, &until, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(policy), &s.TargetPolicy); err != nil {
		return nil, fmt.Errorf("decode target policy of %s: %w", s.ID, err)
	}
	s.IsAllDay = allDay
	s.IsLocked = locked
	s.StartTime = fromMillis(start)
	s.EndTime = fromMillis(end)
	s.Scope = storage.Scope(scope)
	s.Status = storage.Status(status)
	s.TenantID = tenantID.String
	s.MaterializedUntil = fromMillis(until)
	s.CreatedAt = fromMillis(created)
	s.UpdatedAt = fromMillis(updated)
	return &s, nil
}

func (r reader) GetSeries(ctx context.Context, id string) (*storage.Series, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+seriesColumns+` FROM series WHERE id = ?`, id)
	s, err := scanSeries(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &storage.Error{Type: storage.ErrNotFound, Message: "series not found"}
	}
	if err != nil {
		return nil, fmt.Errorf("get series: %w", err)
	}
	return s, nil
}

func (r reader) ListSeries(ctx context.Context, filter storage.SeriesFilter) ([]*storage.Series, error) {
	var (
		scopes []string
		args   []any
	)
	if filter.IncludeSystem {
		scopes = append(scopes, `scope = 'SYSTEM'`)
	}
	switch {
	case filter.AllTenants:
		scopes = append(scopes, `scope = 'TENANT'`)
	case len(filter.TenantIDs) > 0:
		scopes = append(scopes, `(scope = 'TENANT' AND tenant_id IN (`+placeholders(len(filter.TenantIDs))+`))`)
		for _, id := range filter.TenantIDs {
			args = append(args, id)
		}
	}
	if len(scopes) == 0 {
		return nil, nil
	}

	query := `SELECT ` + seriesColumns + ` FROM series WHERE (` + strings.Join(scopes, " OR ") + `)`
	if filter.StartBefore != nil {
		query += ` AND start_time <= ?`
		args = append(args, toMillis(*filter.StartBefore))
	}
	query += ` ORDER BY start_time, id`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	defer rows.Close()

	var out []*storage.Series
	for rows.Next() {
		s, err := scanSeries(rows)
		if err != nil {
			return nil, fmt.Errorf("scan series: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r reader) ListExceptions(ctx context.Context, seriesID string) ([]*storage.Exception, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT id, series_id, original_date, is_cancelled, new_start_time,
		new_end_time, title, description, status, created_at
		FROM series_exceptions WHERE series_id = ? ORDER BY original_date`, seriesID)
	if err != nil {
		return nil, fmt.Errorf("list exceptions: %w", err)
	}
	defer rows.Close()

	var out []*storage.Exception
	for rows.Next() {
		var (
			e                   storage.Exception
			date                string
			newStart, newEnd    sql.NullInt64
			title, desc, status sql.NullString
			created             int64
		)
		if err := rows.Scan(&e.ID, &e.SeriesID, &date, &e.IsCancelled, &newStart, &newEnd,
			&title, &desc, &status, &created); err != nil {
			return nil, fmt.Errorf("scan exception: %w", err)
		}
		day, err := time.ParseInLocation(timeutil.DateKeyLayout, date, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("exception %s date: %w", e.ID, err)
		}
		e.OriginalDate = day
		if newStart.Valid {
			t := fromMillis(newStart.Int64)
			e.NewStartTime = &t
		}
		if newEnd.Valid {
			t := fromMillis(newEnd.Int64)
			e.NewEndTime = &t
		}
		if title.Valid {
			e.Title = &title.String
		}
		if desc.Valid {
			e.Description = &desc.String
		}
		if status.Valid {
			st := storage.Status(status.String)
			e.Status = &st
		}
		e.CreatedAt = fromMillis(created)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (r reader) ListOccurrences(ctx context.Context, filter storage.OccurrenceFilter) ([]*storage.Occurrence, error) {
	query := `SELECT id, series_id, tenant_id, start_time, end_time, original_date, title, status, exception_id
		FROM occurrences WHERE start_time >= ? AND start_time <= ?`
	args := []any{toMillis(filter.Start), toMillis(filter.End)}
	if filter.SeriesID != "" {
		query += ` AND series_id = ?`
		args = append(args, filter.SeriesID)
	}
	if !filter.AllTenants {
		if len(filter.TenantIDs) == 0 {
			return nil, nil
		}
		query += ` AND tenant_id IN (` + placeholders(len(filter.TenantIDs)) + `)`
		for _, id := range filter.TenantIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY start_time, tenant_id, series_id, original_date`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list occurrences: %w", err)
	}
	defer rows.Close()

	var out []*storage.Occurrence
	for rows.Next() {
		var (
			o          storage.Occurrence
			start, end int64
			date       string
			status     string
		)
		if err := rows.Scan(&o.ID, &o.SeriesID, &o.TenantID, &start, &end, &date, &o.Title, &status, &o.ExceptionID); err != nil {
			return nil, fmt.Errorf("scan occurrence: %w", err)
		}
		day, err := time.ParseInLocation(timeutil.DateKeyLayout, date, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("occurrence %s date: %w", o.ID, err)
		}
		o.StartTime = fromMillis(start)
		o.EndTime = fromMillis(end)
		o.OriginalDate = day
		o.Status = storage.Status(status)
		out = append(out, &o)
	}
	return out, rows.Err()
}

// txStore implements storage.Tx inside a SQLite transaction.
type txStore struct {
	reader
}

func (t *txStore) CreateSeries(ctx context.Context, s *storage.Series) error {
	if s.ID == "" {
		return &storage.Error{Type: storage.ErrInvalidInput, Message: "series id is required"}
	}
	policy, err := json.Marshal(s.TargetPolicy)
	if err != nil {
		return fmt.Errorf("encode target policy: %w", err)
	}
	_, err = t.q.ExecContext(ctx, `INSERT INTO series (`+seriesColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Title, s.Description, s.Goal, s.TargetAudience, s.Organizer, s.IsAllDay,
		toMillis(s.StartTime), toMillis(s.EndTime), s.RecurrenceRule, string(s.Scope), string(policy),
		string(s.Status), s.RejectionReason, s.IsLocked, s.LockVersion, s.ProposerID,
		nullString(s.TenantID), toMillis(s.MaterializedUntil), toMillis(s.CreatedAt), toMillis(s.UpdatedAt))
	if err != nil {
		return mapWriteError("create series", err)
	}
	return nil
}

func (t *txStore) UpdateSeries(ctx context.Context, s *storage.Series) error {
	policy, err := json.Marshal(s.TargetPolicy)
	if err != nil {
		return fmt.Errorf("encode target policy: %w", err)
	}
	res, err := t.q.ExecContext(ctx, `UPDATE series SET
		title = ?, description = ?, goal = ?, target_audience = ?, organizer = ?, is_all_day = ?,
		start_time = ?, end_time = ?, recurrence_rule = ?, scope = ?, target_policy = ?, status = ?,
		rejection_reason = ?, is_locked = ?, proposer_id = ?, tenant_id = ?, materialized_until = ?,
		updated_at = ?, lock_version = lock_version + 1
		WHERE id = ? AND lock_version = ?`,
		s.Title, s.Description, s.Goal, s.TargetAudience, s.Organizer, s.IsAllDay,
		toMillis(s.StartTime), toMillis(s.EndTime), s.RecurrenceRule, string(s.Scope), string(policy), string(s.Status),
		s.RejectionReason, s.IsLocked, s.ProposerID, nullString(s.TenantID), toMillis(s.MaterializedUntil),
		toMillis(s.UpdatedAt), s.ID, s.LockVersion)
	if err != nil {
		return mapWriteError("update series", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update series: %w", err)
	}
	if n == 0 {
		if err := t.requireSeries(ctx, s.ID); err != nil {
			return err
		}
		return &storage.Error{Type: storage.ErrConflict, Message: "series was modified concurrently"}
	}
	s.LockVersion++
	return nil
}

func (t *txStore) DeleteSeries(ctx context.Context, id string) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM series WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete series: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &storage.Error{Type: storage.ErrNotFound, Message: "series not found"}
	}
	return nil
}

func (t *txStore) UpsertException(ctx context.Context, e *storage.Exception) error {
	if e.IsCancelled == (e.NewStartTime != nil) {
		return &storage.Error{
			Type:    storage.ErrInvalidInput,
			Message: "exception must either cancel or carry a new start time",
		}
	}
	if err := t.requireSeries(ctx, e.SeriesID); err != nil {
		return err
	}
	var status sql.NullString
	if e.Status != nil {
		status = sql.NullString{String: string(*e.Status), Valid: true}
	}
	_, err := t.q.ExecContext(ctx, `INSERT OR REPLACE INTO series_exceptions (
		id, series_id, original_date, is_cancelled, new_start_time, new_end_time, title, description, status, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SeriesID, timeutil.DateKey(e.OriginalDate), e.IsCancelled,
		nullMillis(e.NewStartTime), nullMillis(e.NewEndTime), nullStringPtr(e.Title), nullStringPtr(e.Description),
		status, toMillis(e.CreatedAt))
	if err != nil {
		return mapWriteError("upsert exception", err)
	}
	return nil
}

func (t *txStore) DeleteExceptionsFrom(ctx context.Context, seriesID string, from time.Time) error {
	if _, err := t.q.ExecContext(ctx,
		`DELETE FROM series_exceptions WHERE series_id = ? AND original_date >= ?`,
		seriesID, timeutil.DateKey(from)); err != nil {
		return fmt.Errorf("delete exceptions: %w", err)
	}
	return nil
}

func (t *txStore) ReplaceOccurrences(ctx context.Context, seriesID string, rows []*storage.Occurrence) error {
	if err := t.requireSeries(ctx, seriesID); err != nil {
		return err
	}
	if _, err := t.q.ExecContext(ctx, `DELETE FROM occurrences WHERE series_id = ?`, seriesID); err != nil {
		return fmt.Errorf("clear occurrences: %w", err)
	}
	for _, o := range rows {
		if o.SeriesID != seriesID {
			return &storage.Error{Type: storage.ErrInvalidInput, Message: "occurrence belongs to another series"}
		}
		if _, err := t.q.ExecContext(ctx, `INSERT INTO occurrences (
			id, series_id, tenant_id, start_time, end_time, original_date, title, status, exception_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ID, o.SeriesID, o.TenantID, toMillis(o.StartTime), toMillis(o.EndTime),
			timeutil.DateKey(o.OriginalDate), o.Title, string(o.Status), o.ExceptionID); err != nil {
			if isUniqueViolation(err) {
				return &storage.Error{
					Type:    storage.ErrInvalidInput,
					Message: "duplicate occurrence " + o.TenantID + "/" + timeutil.DateKey(o.OriginalDate),
					Err:     err,
				}
			}
			return fmt.Errorf("insert occurrence: %w", err)
		}
	}
	return nil
}

func (t *txStore) UpdateOccurrenceDetails(ctx context.Context, seriesID, exceptionID string, d storage.OccurrenceDetails) (int, error) {
	res, err := t.q.ExecContext(ctx,
		`UPDATE occurrences SET title = ?, status = ? WHERE series_id = ? AND exception_id = ?`,
		d.Title, string(d.Status), seriesID, exceptionID)
	if err != nil {
		return 0, fmt.Errorf("update occurrences: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update occurrences: %w", err)
	}
	return int(n), nil
}

func (t *txStore) requireSeries(ctx context.Context, id string) error {
	var found int
	err := t.q.QueryRowContext(ctx, `SELECT 1 FROM series WHERE id = ?`, id).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return &storage.Error{Type: storage.ErrNotFound, Message: "series not found"}
	}
	if err != nil {
		return fmt.Errorf("lookup series: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullStringPtr(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullMillis(v *time.Time) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*v), Valid: true}
}

func mapWriteError(op string, err error) error {
	if isUniqueViolation(err) {
		return &storage.Error{Type: storage.ErrAlreadyExists, Message: op + ": duplicate key", Err: err}
	}
	if isConstraintViolation(err) {
		return &storage.Error{Type: storage.ErrInvalidInput, Message: op + ": constraint failed", Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func isConstraintViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xff == sqlite3lib.SQLITE_CONSTRAINT
	}
	return strings.Contains(strings.ToLower(err.Error()), "constraint failed")
}
