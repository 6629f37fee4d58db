package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yourusername/content-droid/internal/jobs"
)

// PostgresStore は PostgreSQL の videos テーブルにジョブを保存します。
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ jobs.Store = (*PostgresStore)(nil)

// NewPostgresPool は接続プールを作成します。
func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewPostgresStore はスキーマを準備して PostgresStore を返します。
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("pool is nil")
	}
	store := &PostgresStore{pool: pool, now: time.Now}
	if err := store.migrate(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	migrations, err := loadMigrations("postgres")
	if err != nil {
		return err
	}
	for _, m := range migrations {
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT (version) DO NOTHING`,
			m.version,
		)
		if err != nil {
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		if _, err := s.pool.Exec(ctx, m.sql); err != nil {
			_, _ = s.pool.Exec(ctx, `DELETE FROM schema_migrations WHERE version = $1`, m.version)
			return fmt.Errorf("apply migration %s: %w", m.name, err)
		}
	}
	return nil
}

// Create は PENDING のジョブを保存します。
func (s *PostgresStore) Create(ctx context.Context, params jobs.Params) (*jobs.Job, error) {
	job := jobs.NewPending(jobs.NewID(), params, s.clock())
	_, err := s.pool.Exec(ctx, `
		INSERT INTO videos (id, prompt, voice, background_type, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $7)`,
		job.ID, job.Prompt, job.Voice, job.BackgroundType, string(job.Status),
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return nil, jobs.StorageError("create job", err)
	}
	return job, nil
}

// Get はジョブを取得します。
func (s *PostgresStore) Get(ctx context.Context, id string) (*jobs.Job, error) {
	id, err := jobs.ParseID(id)
	if err != nil {
		return nil, err
	}
	job, _, err := s.load(ctx, id)
	return job, err
}

// ApplyUpdate は version 列を条件に遷移を書き込みます。
func (s *PostgresStore) ApplyUpdate(ctx context.Context, id string, t jobs.Transition) (*jobs.Job, error) {
	return applyWithCAS(ctx, s, id, t, s.clock)
}

// ListStale は status のまま olderThan より前に更新されたジョブを返します。
func (s *PostgresStore) ListStale(ctx context.Context, status jobs.Status, olderThan time.Time, limit int) ([]*jobs.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+postgresColumns+`
		FROM videos
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3`,
		string(status), olderThan.UTC(), limit,
	)
	if err != nil {
		return nil, jobs.StorageError("list stale jobs", err)
	}
	defer rows.Close()

	var out []*jobs.Job
	for rows.Next() {
		job, _, err := scanPostgresJob(rows)
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

// Close はプールを閉じます。
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const postgresColumns = `id::text, prompt, voice, background_type, status, progress, storage_key,
	error_code, error_message, version, created_at, started_at, completed_at, updated_at`

func (s *PostgresStore) load(ctx context.Context, id string) (*jobs.Job, int64, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+postgresColumns+` FROM videos WHERE id = $1`, id)
	job, version, err := scanPostgresJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
		}
		return nil, 0, jobs.StorageError("get job", err)
	}
	return job, version, nil
}

func (s *PostgresStore) swap(ctx context.Context, next *jobs.Job, version int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE videos SET
			status = $2, progress = $3, storage_key = $4, error_code = $5, error_message = $6,
			started_at = $7, completed_at = $8, updated_at = $9, version = version + 1
		WHERE id = $1 AND version = $10`,
		next.ID, string(next.Status), nullableInt(next.Progress), nullableString(next.ResultLocation),
		nullableString(next.ErrorCode), nullableString(next.ErrorMessage),
		next.StartedAt, next.CompletedAt, next.UpdatedAt,
		version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// clock は PostgreSQL の精度に合わせてマイクロ秒に丸めた現在時刻を返します。
func (s *PostgresStore) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func scanPostgresJob(row pgx.Row) (*jobs.Job, int64, error) {
	var (
		job                    jobs.Job
		status                 string
		progress               *int16
		storageKey, code, msg  *string
		version                int64
		startedAt, completedAt *time.Time
	)
	if err := row.Scan(
		&job.ID, &job.Prompt, &job.Voice, &job.BackgroundType, &status, &progress, &storageKey,
		&code, &msg, &version, &job.CreatedAt, &startedAt, &completedAt, &job.UpdatedAt,
	); err != nil {
		return nil, 0, err
	}
	job.Status = jobs.Status(status)
	if progress != nil {
		p := int(*progress)
		job.Progress = &p
	}
	job.ResultLocation = deref(storageKey)
	job.ErrorCode = deref(code)
	job.ErrorMessage = deref(msg)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	if startedAt != nil {
		t := startedAt.UTC()
		job.StartedAt = &t
	}
	if completedAt != nil {
		t := completedAt.UTC()
		job.CompletedAt = &t
	}
	return &job, version, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
