package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aluiziolira/go-deal-ingest/jobs"
	"github.com/aluiziolira/go-deal-ingest/models"
	"github.com/aluiziolira/go-deal-ingest/storage"
)

const sessionColumns = `id, kind, parent_id, status, progress_pct, source_url, adapter_used,
	result, error_code, error_message, created_at, updated_at, completed_at`

// SessionStore persists import sessions. Status changes are conditional
// updates so a terminal session is never rewritten.
type SessionStore struct {
	db *sql.DB
}

// Sessions returns the session store backed by d.
func (d *DB) Sessions() *SessionStore {
	return &SessionStore{db: d.db}
}

// Create inserts a new session.
func (s *SessionStore) Create(ctx context.Context, sess *models.ImportSession) error {
	return insertSession(ctx, s.db, sess, 0)
}

// CreateChildren inserts bulk children in one transaction, keeping the
// order they were given in.
func (s *SessionStore) CreateChildren(ctx context.Context, children []*models.ImportSession) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for i, child := range children {
		if err := insertSession(ctx, tx, child, i); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSession(ctx context.Context, ex execer, sess *models.ImportSession, seq int) error {
	var parent any
	if sess.ParentID != nil {
		parent = sess.ParentID.String()
	}
	result, err := marshalResult(sess.Result)
	if err != nil {
		return err
	}
	code, msg := errorColumns(sess.Error)

	_, err = ex.ExecContext(ctx, `
		INSERT INTO import_sessions (id, kind, parent_id, seq, status, progress_pct, source_url,
			adapter_used, result, error_code, error_message, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID.String(), string(sess.Kind), parent, seq, string(sess.Status), sess.ProgressPct,
		sess.SourceURL, nullString(sess.AdapterUsed), result, code, msg,
		formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt), formatTimePtr(sess.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert session %s: %w", sess.ID, err)
	}
	return nil
}

// Get returns the session with the given id.
func (s *SessionStore) Get(ctx context.Context, id uuid.UUID) (*models.ImportSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM import_sessions WHERE id = ?`, id.String())
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return sess, err
}

// MarkRunning moves a queued session to running and records the adapter
// chosen for it.
func (s *SessionStore) MarkRunning(ctx context.Context, id uuid.UUID, adapter string, now time.Time) error {
	return s.transition(ctx, id, models.StatusRunning, now, `progress_pct = MAX(progress_pct, ?), adapter_used = COALESCE(?, adapter_used)`,
		jobs.ProgressQueued, nullString(adapter))
}

// UpdateProgress records a milestone for a running session. Progress only
// moves forward; a lower value leaves the stored one untouched.
func (s *SessionStore) UpdateProgress(ctx context.Context, id uuid.UUID, pct int, now time.Time) error {
	return s.transition(ctx, id, models.StatusRunning, now, `progress_pct = MAX(progress_pct, ?)`, pct)
}

// Finish moves a session into a terminal status. complete and partial
// force progress to 100; failed keeps the last milestone reached.
func (s *SessionStore) Finish(ctx context.Context, id uuid.UUID, status models.Status, result *models.JobResult, jobErr *models.JobError, now time.Time) error {
	if !jobs.IsTerminal(status) {
		return fmt.Errorf("%w: %s is not terminal", jobs.ErrInvalidTransition, status)
	}
	pct := 0
	if status != models.StatusFailed {
		pct = jobs.ProgressPersisted
	}
	encoded, err := marshalResult(result)
	if err != nil {
		return err
	}
	code, msg := errorColumns(jobErr)
	return s.transition(ctx, id, status, now,
		`progress_pct = MAX(progress_pct, ?), result = ?, error_code = ?, error_message = ?, completed_at = ?`,
		pct, encoded, code, msg, formatTime(now))
}

func (s *SessionStore) transition(ctx context.Context, id uuid.UUID, to models.Status, now time.Time, set string, args ...any) error {
	sources := jobs.SourcesFor(to)
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(sources)), ",")

	query := `UPDATE import_sessions SET status = ?, updated_at = ?, ` + set +
		` WHERE id = ? AND status IN (` + placeholders + `)`
	params := []any{string(to), formatTime(now)}
	params = append(params, args...)
	params = append(params, id.String())
	for _, src := range sources {
		params = append(params, string(src))
	}

	res, err := s.db.ExecContext(ctx, query, params...)
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.missOrConflict(ctx, id, to)
	}
	return nil
}

func (s *SessionStore) missOrConflict(ctx context.Context, id uuid.UUID, to models.Status) error {
	var current string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM import_sessions WHERE id = ?`, id.String()).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", jobs.ErrInvalidTransition, current, to)
}

// Children returns one page of a bulk parent's children in submission order.
func (s *SessionStore) Children(ctx context.Context, parentID uuid.UUID, offset, limit int) ([]*models.ImportSession, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM import_sessions
		WHERE parent_id = ? ORDER BY seq LIMIT ? OFFSET ?`, parentID.String(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	defer rows.Close()

	var out []*models.ImportSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Counts tallies a bulk parent's children by status.
func (s *SessionStore) Counts(ctx context.Context, parentID uuid.UUID) (models.StatusCounts, error) {
	return countChildren(ctx, s.db, parentID)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func countChildren(ctx context.Context, q querier, parentID uuid.UUID) (models.StatusCounts, error) {
	rows, err := q.QueryContext(ctx, `SELECT status, COUNT(*) FROM import_sessions
		WHERE parent_id = ? GROUP BY status`, parentID.String())
	if err != nil {
		return nil, fmt.Errorf("count children: %w", err)
	}
	defer rows.Close()

	counts := models.StatusCounts{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[models.Status(status)] = n
	}
	return counts, rows.Err()
}

// RefreshParent recomputes a bulk parent's status and progress from its
// children. Counting and writing happen in one transaction so concurrent
// child completions cannot interleave. A terminal parent is left alone.
func (s *SessionStore) RefreshParent(ctx context.Context, parentID uuid.UUID, now time.Time) (models.Status, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	counts, err := countChildren(ctx, tx, parentID)
	if err != nil {
		return "", 0, err
	}
	status, pct := jobs.Aggregate(counts)

	var completed any
	if jobs.IsTerminal(status) {
		completed = formatTime(now)
	}
	_, err = tx.ExecContext(ctx, `UPDATE import_sessions
		SET status = ?, progress_pct = MAX(progress_pct, ?), updated_at = ?, completed_at = COALESCE(completed_at, ?)
		WHERE id = ? AND status IN (?, ?)`,
		string(status), pct, formatTime(now), completed, parentID.String(),
		string(models.StatusQueued), string(models.StatusRunning))
	if err != nil {
		return "", 0, fmt.Errorf("update parent %s: %w", parentID, err)
	}
	if err := tx.Commit(); err != nil {
		return "", 0, err
	}
	return status, pct, nil
}

// FailInterrupted marks every session left queued or running by a previous
// process as failed. Bulk parents are recomputed from their children instead.
func (s *SessionStore) FailInterrupted(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE import_sessions
		SET status = ?, error_code = ?, error_message = ?, updated_at = ?, completed_at = ?
		WHERE status IN (?, ?) AND kind != ?`,
		string(models.StatusFailed), models.CodeInternal, "interrupted by restart",
		formatTime(now), formatTime(now),
		string(models.StatusQueued), string(models.StatusRunning), string(models.KindBulkParent))
	if err != nil {
		return 0, fmt.Errorf("fail interrupted sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fail interrupted sessions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM import_sessions WHERE kind = ? AND status IN (?, ?)`,
		string(models.KindBulkParent), string(models.StatusQueued), string(models.StatusRunning))
	if err != nil {
		return n, err
	}
	var parents []uuid.UUID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return n, err
		}
		if parsed, err := uuid.Parse(id); err == nil {
			parents = append(parents, parsed)
		}
	}
	rows.Close()
	for _, id := range parents {
		if _, _, err := s.RefreshParent(ctx, id, now); err != nil {
			return n, err
		}
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.ImportSession, error) {
	var (
		sess                        models.ImportSession
		id, kind, status, createdAt string
		updatedAt                   string
		parentID, adapter, result   sql.NullString
		errCode, errMsg, completed  sql.NullString
	)
	if err := row.Scan(&id, &kind, &parentID, &status, &sess.ProgressPct, &sess.SourceURL, &adapter,
		&result, &errCode, &errMsg, &createdAt, &updatedAt, &completed); err != nil {
		return nil, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("session id %q: %w", id, err)
	}
	sess.ID = parsed
	sess.Kind = models.SessionKind(kind)
	sess.Status = models.Status(status)
	sess.AdapterUsed = adapter.String
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	if parentID.Valid {
		if p, err := uuid.Parse(parentID.String); err == nil {
			sess.ParentID = &p
		}
	}
	if completed.Valid {
		t := parseTime(completed.String)
		sess.CompletedAt = &t
	}
	if result.Valid && result.String != "" {
		var r models.JobResult
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return nil, fmt.Errorf("decode result for %s: %w", id, err)
		}
		sess.Result = &r
	}
	if errCode.Valid {
		sess.Error = &models.JobError{Code: errCode.String, Message: errMsg.String}
	}
	return &sess, nil
}

func marshalResult(r *models.JobResult) (any, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return string(b), nil
}

func errorColumns(e *models.JobError) (any, any) {
	if e == nil {
		return nil, nil
	}
	return e.Code, e.Message
}
