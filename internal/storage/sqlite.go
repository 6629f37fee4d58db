package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yourusername/content-droid/internal/jobs"
)

// SQLiteStore は SQLite にジョブを保存します。ローカル開発とテスト向けの既定ドライバーです。
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ jobs.Store = (*SQLiteStore)(nil)

// NewSQLiteStore はデータベースを開き、未適用のマイグレーションを流します。
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// 書き込みを1接続に直列化する
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	migrations, err := loadMigrations("sqlite")
	if err != nil {
		return err
	}
	for _, m := range migrations {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, m.version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", m.name, err)
		}
		if exists > 0 {
			continue
		}
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.name, err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
	}
	return nil
}

// Create は PENDING のジョブを保存します。
func (s *SQLiteStore) Create(ctx context.Context, params jobs.Params) (*jobs.Job, error) {
	job := jobs.NewPending(jobs.NewID(), params, s.clock())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO videos (id, prompt, voice, background_type, status, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		job.ID, job.Prompt, job.Voice, job.BackgroundType, string(job.Status),
		toMillis(job.CreatedAt), toMillis(job.UpdatedAt),
	)
	if err != nil {
		return nil, jobs.StorageError("create job", err)
	}
	return job, nil
}

// Get はジョブを取得します。
func (s *SQLiteStore) Get(ctx context.Context, id string) (*jobs.Job, error) {
	id, err := jobs.ParseID(id)
	if err != nil {
		return nil, err
	}
	job, _, err := s.load(ctx, id)
	return job, err
}

// ApplyUpdate は version 列を条件に遷移を書き込みます。
func (s *SQLiteStore) ApplyUpdate(ctx context.Context, id string, t jobs.Transition) (*jobs.Job, error) {
	return applyWithCAS(ctx, s, id, t, s.clock)
}

// ListStale は status のまま olderThan より前に更新されたジョブを返します。
func (s *SQLiteStore) ListStale(ctx context.Context, status jobs.Status, olderThan time.Time, limit int) ([]*jobs.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteColumns+`
		FROM videos
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?`,
		string(status), toMillis(olderThan), limit,
	)
	if err != nil {
		return nil, jobs.StorageError("list stale jobs", err)
	}
	defer rows.Close()

	var out []*jobs.Job
	for rows.Next() {
		job, _, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, jobs.StorageError("scan job", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, jobs.StorageError("list stale jobs", err)
	}
	return out, nil
}

// Close はデータベースを閉じます。
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const sqliteColumns = `id, prompt, voice, background_type, status, progress, storage_key,
	error_code, error_message, version, created_at, started_at, completed_at, updated_at`

func (s *SQLiteStore) load(ctx context.Context, id string) (*jobs.Job, int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM videos WHERE id = ?`, id)
	job, version, err := scanSQLiteJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
		}
		return nil, 0, jobs.StorageError("get job", err)
	}
	return job, version, nil
}

func (s *SQLiteStore) swap(ctx context.Context, next *jobs.Job, version int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE videos SET
			status = ?, progress = ?, storage_key = ?, error_code = ?, error_message = ?,
			started_at = ?, completed_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(next.Status), nullableInt(next.Progress), nullableString(next.ResultLocation),
		nullableString(next.ErrorCode), nullableString(next.ErrorMessage),
		nullableMillis(next.StartedAt), nullableMillis(next.CompletedAt), toMillis(next.UpdatedAt),
		next.ID, version,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// clock はミリ秒に丸めた現在時刻を返します。保存値と読み戻し値を一致させるためです。
func (s *SQLiteStore) clock() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*jobs.Job, int64, error) {
	var (
		job                    jobs.Job
		status                 string
		progress               sql.NullInt64
		storageKey, code, msg  sql.NullString
		version                int64
		createdAt, updatedAt   int64
		startedAt, completedAt sql.NullInt64
	)
	if err := row.Scan(
		&job.ID, &job.Prompt, &job.Voice, &job.BackgroundType, &status, &progress, &storageKey,
		&code, &msg, &version, &createdAt, &startedAt, &completedAt, &updatedAt,
	); err != nil {
		return nil, 0, err
	}
	job.Status = jobs.Status(status)
	if progress.Valid {
		p := int(progress.Int64)
		job.Progress = &p
	}
	job.ResultLocation = storageKey.String
	job.ErrorCode = code.String
	job.ErrorMessage = msg.String
	job.CreatedAt = fromMillis(createdAt)
	job.UpdatedAt = fromMillis(updatedAt)
	if startedAt.Valid {
		t := fromMillis(startedAt.Int64)
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := fromMillis(completedAt.Int64)
		job.CompletedAt = &t
	}
	return &job, version, nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
