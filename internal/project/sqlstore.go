package project

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	fileutil "stepforge/internal/file"
)

//go:embed schema/schema.sql
var schemaSQL string

const (
	maxRetries   = 5
	initialWait  = 100 * time.Millisecond
	maxOpenConns = 10
	maxIdleConns = 5
	busyTimeout  = 5000 // milliseconds
)

// SQLStore implements Store on an embedded SQLite database.
type SQLStore struct {
	conn *sql.DB
	now  func() time.Time
}

var _ Store = (*SQLStore)(nil)

// OpenSQLStore opens (creating if needed) <dataDir>/stepforge.db in WAL mode
// and applies the schema.
func OpenSQLStore(dataDir string) (*SQLStore, error) {
	if dataDir == "" {
		dataDir = "data"
	}
	if err := fileutil.EnsureDir(dataDir); err != nil {
		return nil, err
	}
	dbPath := filepath.Join(dataDir, "stepforge.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", dbPath, busyTimeout)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(maxOpenConns)
	conn.SetMaxIdleConns(maxIdleConns)
	conn.SetConnMaxLifetime(0)

	s := &SQLStore{conn: conn, now: time.Now}

	if err := s.pingWithRetry(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := conn.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.conn.Close()
}

func (s *SQLStore) pingWithRetry(ctx context.Context) error {
	wait := initialWait
	for i := 0; i < maxRetries; i++ {
		if err := s.conn.PingContext(ctx); err == nil {
			return nil
		}
		if i < maxRetries-1 {
			time.Sleep(wait)
			wait *= 2
		}
	}
	return fmt.Errorf("failed to ping database after %d retries", maxRetries)
}

// withTx executes fn within a transaction, rolling back when fn fails.
func (s *SQLStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (s *SQLStore) CreateProject(ctx context.Context, p *Project, steps []*Step) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("%w: project id is required", ErrInvalidRecord)
	}
	for _, st := range steps {
		if st == nil || st.ID == "" {
			return fmt.Errorf("%w: step id is required", ErrInvalidRecord)
		}
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO projects (id, user_id, title, original_request, improved_request, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.UserID, p.Title, p.OriginalRequest, p.ImprovedRequest, string(p.Status),
			toNanos(p.CreatedAt), toNanos(p.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		for _, st := range steps {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO steps (id, project_id, sequence, title, details, deliverables, status, last_error, raw_artifact, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				st.ID, p.ID, st.Sequence, st.Title, st.Details, st.Deliverables, string(st.Status),
				st.LastError, st.RawArtifact, toNanos(st.CreatedAt), toNanos(st.UpdatedAt))
			if err != nil {
				return fmt.Errorf("insert step %d: %w", st.Sequence, err)
			}
		}
		return nil
	})
	if err != nil && isConstraintError(err) {
		return fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	return err
}

const projectColumns = `id, user_id, title, original_request, improved_request, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*Project, error) {
	var (
		p                Project
		status           string
		created, updated int64
	)
	if err := row.Scan(&p.ID, &p.UserID, &p.Title, &p.OriginalRequest, &p.ImprovedRequest, &status, &created, &updated); err != nil {
		return nil, err
	}
	p.Status = Status(status)
	p.CreatedAt, p.UpdatedAt = fromNanos(created), fromNanos(updated)
	return &p, nil
}

func (s *SQLStore) GetProject(ctx context.Context, projectID string) (*Project, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, projectID)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", projectID, err)
	}
	return p, nil
}

func (s *SQLStore) ListProjects(ctx context.Context, userID string) ([]*Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC, id ASC`
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateProjectStatus(ctx context.Context, projectID string, status Status) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE projects SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), s.now().UnixNano(), projectID)
	if err != nil {
		return fmt.Errorf("update project %s: %w", projectID, err)
	}
	return affectedOne(res, "project "+projectID)
}

func affectedOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

const stepColumns = `id, project_id, sequence, title, details, deliverables, status, last_error, raw_artifact, created_at, updated_at`

func scanStep(row rowScanner) (*Step, error) {
	var (
		st               Step
		status           string
		created, updated int64
	)
	if err := row.Scan(&st.ID, &st.ProjectID, &st.Sequence, &st.Title, &st.Details, &st.Deliverables,
		&status, &st.LastError, &st.RawArtifact, &created, &updated); err != nil {
		return nil, err
	}
	st.Status = StepStatus(status)
	st.CreatedAt, st.UpdatedAt = fromNanos(created), fromNanos(updated)
	return &st, nil
}

func (s *SQLStore) GetStep(ctx context.Context, stepID string) (*Step, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE id = ?`, stepID)
	st, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("step %s: %w", stepID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get step %s: %w", stepID, err)
	}
	return st, nil
}

func (s *SQLStore) ListSteps(ctx context.Context, projectID string) ([]*Step, error) {
	if _, err := s.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE project_id = ? ORDER BY sequence ASC, rowid ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateStep(ctx context.Context, step *Step) error {
	if step == nil {
		return fmt.Errorf("%w: nil step", ErrInvalidRecord)
	}
	now := s.now()
	res, err := s.conn.ExecContext(ctx,
		`UPDATE steps SET sequence = ?, title = ?, details = ?, deliverables = ?, status = ?,
		 last_error = ?, raw_artifact = ?, updated_at = ? WHERE id = ?`,
		step.Sequence, step.Title, step.Details, step.Deliverables, string(step.Status),
		step.LastError, step.RawArtifact, now.UnixNano(), step.ID)
	if err != nil {
		return fmt.Errorf("update step %s: %w", step.ID, err)
	}
	if err := affectedOne(res, "step "+step.ID); err != nil {
		return err
	}
	step.UpdatedAt = now
	return nil
}

const fileColumns = `id, project_id, step_id, folder, name, content, created_at, updated_at`

func scanFile(row rowScanner) (*File, error) {
	var (
		f                File
		created, updated int64
	)
	if err := row.Scan(&f.ID, &f.ProjectID, &f.StepID, &f.Folder, &f.Name, &f.Content, &created, &updated); err != nil {
		return nil, err
	}
	f.CreatedAt, f.UpdatedAt = fromNanos(created), fromNanos(updated)
	return &f, nil
}

func (s *SQLStore) FindFile(ctx context.Context, projectID, folder, name string) (*File, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE project_id = ? AND folder = ? AND name = ?`,
		projectID, folder, name)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file %s/%s: %w", folder, name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find file: %w", err)
	}
	return f, nil
}

// SaveFile inserts the record or, when its ID already exists, replaces its
// content. (project, folder, name) stays unique.
func (s *SQLStore) SaveFile(ctx context.Context, f *File) error {
	return s.SaveFiles(ctx, []*File{f})
}

// SaveFiles upserts every record inside one transaction.
func (s *SQLStore) SaveFiles(ctx context.Context, files []*File) error {
	if len(files) == 0 {
		return nil
	}
	projectID, err := batchProject(files)
	if err != nil {
		return err
	}
	now := s.now()
	created := make([]time.Time, len(files))
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM projects WHERE id = ?`, projectID).Scan(&exists); err != nil {
			return fmt.Errorf("check project: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
		}
		for i, f := range files {
			c, err := upsertFile(ctx, tx, f, now)
			if err != nil {
				return err
			}
			created[i] = c
		}
		return nil
	})
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("%w: %w", ErrInvalidRecord, err)
		}
		return err
	}
	for i, f := range files {
		f.CreatedAt, f.UpdatedAt = created[i], now
	}
	return nil
}

func upsertFile(ctx context.Context, tx *sql.Tx, f *File, now time.Time) (time.Time, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE files SET step_id = ?, folder = ?, name = ?, content = ?, updated_at = ? WHERE id = ?`,
		f.StepID, f.Folder, f.Name, f.Content, now.UnixNano(), f.ID)
	if err != nil {
		return time.Time{}, fmt.Errorf("update file %s: %w", f.Path(), err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		var createdNanos int64
		if err := tx.QueryRowContext(ctx, `SELECT created_at FROM files WHERE id = ?`, f.ID).Scan(&createdNanos); err != nil {
			return time.Time{}, fmt.Errorf("read file: %w", err)
		}
		return fromNanos(createdNanos), nil
	}
	created := f.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO files (`+fileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.ProjectID, f.StepID, f.Folder, f.Name, f.Content, created.UnixNano(), now.UnixNano())
	if err != nil {
		return time.Time{}, fmt.Errorf("insert file %s: %w", f.Path(), err)
	}
	return created, nil
}

func (s *SQLStore) ListFiles(ctx context.Context, projectID string) ([]*File, error) {
	if _, err := s.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path() < out[j].Path() })
	return out, nil
}
