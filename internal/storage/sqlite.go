package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "solocron/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- job definitions ----

func (s *sqliteStore) AddJob(ctx context.Context, def JobDefinition) error {
	if err := validateJob(def); err != nil {
		return err
	}
	now := time.Now()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_definitions(id, schedule, handler, enabled, until_at, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)`,
		def.ID, def.Schedule, def.Handler, boolInt(def.Enabled), nanoOrNull(def.Until),
		def.CreatedAt.UnixNano(), def.UpdatedAt.UnixNano(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("job %q: %w", def.ID, ErrConflict)
	}
	return err
}

func (s *sqliteStore) UpsertJob(ctx context.Context, def JobDefinition) error {
	if err := validateJob(def); err != nil {
		return err
	}
	now := time.Now()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_definitions(id, schedule, handler, enabled, until_at, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   schedule=excluded.schedule, handler=excluded.handler, enabled=excluded.enabled,
		   until_at=excluded.until_at, updated_at=excluded.updated_at`,
		def.ID, def.Schedule, def.Handler, boolInt(def.Enabled), nanoOrNull(def.Until),
		def.CreatedAt.UnixNano(), now.UnixNano(),
	)
	return err
}

func (s *sqliteStore) UpdateJob(ctx context.Context, def JobDefinition) (JobDefinition, error) {
	if err := validateJob(def); err != nil {
		return JobDefinition{}, err
	}
	token := def.UpdatedAt.UnixNano()
	def.UpdatedAt = time.Now()
	if def.UpdatedAt.UnixNano() == token {
		def.UpdatedAt = def.UpdatedAt.Add(time.Nanosecond)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE job_definitions
		 SET schedule=?, handler=?, enabled=?, until_at=?, updated_at=?
		 WHERE id=? AND updated_at=?`,
		def.Schedule, def.Handler, boolInt(def.Enabled), nanoOrNull(def.Until),
		def.UpdatedAt.UnixNano(), def.ID, token,
	)
	if err != nil {
		return JobDefinition{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return JobDefinition{}, err
	}
	if n == 0 {
		// Distinguish "gone" from "stale token".
		if _, getErr := s.GetJob(ctx, def.ID); errors.Is(getErr, ErrNotFound) {
			return JobDefinition{}, fmt.Errorf("job %q: %w", def.ID, ErrNotFound)
		}
		return JobDefinition{}, fmt.Errorf("job %q: %w", def.ID, ErrConflict)
	}
	return s.GetJob(ctx, def.ID)
}

func (s *sqliteStore) RemoveJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_definitions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %q: %w", id, ErrNotFound)
	}
	// Execution records are kept for audit; only live state goes away.
	_, err = s.db.ExecContext(ctx, `DELETE FROM schedule_state WHERE job_id=?`, id)
	return err
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (JobDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, schedule, handler, enabled, until_at, created_at, updated_at
		 FROM job_definitions WHERE id=?`, id)
	def, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return JobDefinition{}, fmt.Errorf("job %q: %w", id, ErrNotFound)
	}
	return def, err
}

func (s *sqliteStore) ListJobs(ctx context.Context, f JobFilter) ([]JobDefinition, error) {
	q := `SELECT id, schedule, handler, enabled, until_at, created_at, updated_at FROM job_definitions`
	if f.EnabledOnly {
		q += ` WHERE enabled=1`
	}
	q += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobDefinition
	for rows.Next() {
		def, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

// ---- schedule state ----

func (s *sqliteStore) LoadState(ctx context.Context, jobID string) (ScheduleState, error) {
	var (
		st       ScheduleState
		next     sql.NullInt64
		last     sql.NullInt64
		updated  int64
		misfires int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, next_fire, last_fire, misfire_count, updated_at
		 FROM schedule_state WHERE job_id=?`, jobID,
	).Scan(&st.JobID, &next, &last, &misfires, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduleState{}, fmt.Errorf("state for job %q: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return ScheduleState{}, err
	}
	st.NextFire = nanoTime(next)
	st.LastFire = nanoTime(last)
	st.MisfireCount = misfires
	st.UpdatedAt = time.Unix(0, updated)
	return st, nil
}

func (s *sqliteStore) SaveState(ctx context.Context, st ScheduleState) error {
	if strings.TrimSpace(st.JobID) == "" {
		return errors.New("state job_id is required")
	}
	st.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_state(job_id, next_fire, last_fire, misfire_count, updated_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(job_id) DO UPDATE SET
		   next_fire=excluded.next_fire, last_fire=excluded.last_fire,
		   misfire_count=excluded.misfire_count, updated_at=excluded.updated_at`,
		st.JobID, nanoOrNull(st.NextFire), nanoOrNull(st.LastFire), st.MisfireCount, st.UpdatedAt.UnixNano(),
	)
	return err
}

func (s *sqliteStore) ListDue(ctx context.Context, now time.Time) ([]DueJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT j.id, j.schedule, j.handler, j.enabled, j.until_at, j.created_at, j.updated_at,
		        st.next_fire, st.last_fire, st.misfire_count, st.updated_at
		 FROM job_definitions j
		 JOIN schedule_state st ON st.job_id = j.id
		 WHERE j.enabled=1 AND st.next_fire IS NOT NULL AND st.next_fire <= ?
		 ORDER BY j.id`,
		now.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DueJob
	for rows.Next() {
		var (
			d        DueJob
			enabled  int
			until    sql.NullInt64
			created  int64
			jUpdated int64
			next     sql.NullInt64
			last     sql.NullInt64
			sUpdated int64
		)
		if err := rows.Scan(
			&d.Job.ID, &d.Job.Schedule, &d.Job.Handler, &enabled, &until, &created, &jUpdated,
			&next, &last, &d.State.MisfireCount, &sUpdated,
		); err != nil {
			return nil, err
		}
		d.Job.Enabled = enabled != 0
		d.Job.Until = nanoTime(until)
		d.Job.CreatedAt = time.Unix(0, created)
		d.Job.UpdatedAt = time.Unix(0, jUpdated)
		d.State.JobID = d.Job.ID
		d.State.NextFire = nanoTime(next)
		d.State.LastFire = nanoTime(last)
		d.State.UpdatedAt = time.Unix(0, sUpdated)
		out = append(out, d)
	}
	return out, rows.Err()
}

// ---- execution records ----

func (s *sqliteStore) BeginExecution(ctx context.Context, rec ExecutionRecord) error {
	if strings.TrimSpace(rec.ID) == "" || strings.TrimSpace(rec.JobID) == "" {
		return errors.New("execution id and job_id are required")
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}

	// One transaction = one atomic check-and-insert. The partial unique
	// index idx_execution_running backstops the same invariant.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM execution_records WHERE job_id=? AND finished_at IS NULL`,
		rec.JobID,
	).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("job %q: %w", rec.JobID, ErrBusy)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO execution_records(id, job_id, started_at, finished_at, outcome, err)
		 VALUES(?,?,?,NULL,NULL,NULL)`,
		rec.ID, rec.JobID, rec.StartedAt.UnixNano(),
	); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("job %q: %w", rec.JobID, ErrBusy)
		}
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) FinishExecution(ctx context.Context, id string, finishedAt time.Time, outcome Outcome, errDetail string) (ExecutionRecord, error) {
	if finishedAt.IsZero() {
		finishedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ExecutionRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := scanExecRow(tx.QueryRowContext(ctx,
		`SELECT id, job_id, started_at, finished_at, outcome, err
		 FROM execution_records WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ExecutionRecord{}, fmt.Errorf("execution %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return ExecutionRecord{}, err
	}
	if !rec.Running() {
		// Already finalized: idempotent no-op returning the prior result.
		return rec, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE execution_records SET finished_at=?, outcome=?, err=?
		 WHERE id=? AND finished_at IS NULL`,
		finishedAt.UnixNano(), string(outcome), nullStr(errDetail), id,
	); err != nil {
		return ExecutionRecord{}, err
	}

	rec.FinishedAt = finishedAt
	rec.Outcome = outcome
	rec.Error = errDetail
	return rec, tx.Commit()
}

func (s *sqliteStore) GetExecution(ctx context.Context, id string) (ExecutionRecord, error) {
	rec, err := scanExecRow(s.db.QueryRowContext(ctx,
		`SELECT id, job_id, started_at, finished_at, outcome, err
		 FROM execution_records WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ExecutionRecord{}, fmt.Errorf("execution %q: %w", id, ErrNotFound)
	}
	return rec, err
}

func (s *sqliteStore) ListExecutions(ctx context.Context, jobID string, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, started_at, finished_at, outcome, err
		 FROM execution_records WHERE job_id=?
		 ORDER BY started_at DESC LIMIT ?`,
		jobID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		rec, err := scanExecRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ---- scan helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (JobDefinition, error) {
	var (
		def     JobDefinition
		enabled int
		until   sql.NullInt64
		created int64
		updated int64
	)
	err := r.Scan(&def.ID, &def.Schedule, &def.Handler, &enabled, &until, &created, &updated)
	if err != nil {
		return JobDefinition{}, err
	}
	def.Enabled = enabled != 0
	def.Until = nanoTime(until)
	def.CreatedAt = time.Unix(0, created)
	def.UpdatedAt = time.Unix(0, updated)
	return def, nil
}

func scanExecRow(r rowScanner) (ExecutionRecord, error) {
	var (
		rec      ExecutionRecord
		started  int64
		finished sql.NullInt64
		outcome  sql.NullString
		errStr   sql.NullString
	)
	err := r.Scan(&rec.ID, &rec.JobID, &started, &finished, &outcome, &errStr)
	if err != nil {
		return ExecutionRecord{}, err
	}
	rec.StartedAt = time.Unix(0, started)
	rec.FinishedAt = nanoTime(finished)
	rec.Outcome = Outcome(outcome.String)
	rec.Error = errStr.String
	return rec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nanoOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func nanoTime(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite reports constraint violations in the error text;
	// the driver does not export stable error codes through database/sql.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
