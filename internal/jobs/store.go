package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Store はジョブ状態の永続化を担います。
type Store interface {
	// Create は PENDING のジョブを採番して保存します。
	Create(ctx context.Context, params Params) (*Job, error)
	// Get は ID に対応するジョブを返します。
	Get(ctx context.Context, id string) (*Job, error)
	// ApplyUpdate は現在の状態を条件にした書き込みで遷移を適用します。
	ApplyUpdate(ctx context.Context, id string, t Transition) (*Job, error)
	// ListStale は status のまま olderThan より前に更新されたジョブを古い順に返します。
	ListStale(ctx context.Context, status Status, olderThan time.Time, limit int) ([]*Job, error)
	Close() error
}

// maxCASAttempts は条件付き書き込みが競合したときの再試行回数です。
const maxCASAttempts = 8

var errIDCollision = errors.New("job id already exists")

// ParseID は ID を UUID として検証し、正規化した文字列を返します。
func ParseID(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if len(trimmed) != 36 {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	parsed, err := uuid.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return parsed.String(), nil
}

// NewID は新しいジョブIDを採番します。
func NewID() string {
	return uuid.NewString()
}

const (
	jobKeyPrefix    = "video:"
	statusKeyPrefix = "videos:status:"
)

// RedisStore はジョブ状態を Redis に保存します。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore は RedisStore を作成します。ttl が 0 の場合レコードは失効しません。
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
		now: time.Now,
	}
}

// Create はジョブを新規作成します。レコードとステータス索引は MULTI/EXEC でまとめて書き込み、
// 索引の書き込みが失敗した場合はレコードを残しません。
func (s *RedisStore) Create(ctx context.Context, params Params) (*Job, error) {
	job := NewPending(NewID(), params, s.now())
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, StorageError("marshal job", err)
	}
	key := jobKey(job.ID)

	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return errIDCollision
		}

		var set *redis.StatusCmd
		var index *redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			set = pipe.Set(ctx, key, payload, s.ttl)
			index = pipe.ZAdd(ctx, statusKey(job.Status), redis.Z{
				Score:  float64(job.UpdatedAt.UnixMilli()),
				Member: job.ID,
			})
			return nil
		})
		// EXEC は失敗したコマンドより前の書き込みを巻き戻さない
		if err != nil && set.Err() == nil && index.Err() != nil {
			if delErr := s.rdb.Del(context.WithoutCancel(ctx), key).Err(); delErr != nil {
				return errors.Join(err, delErr)
			}
		}
		return err
	}

	switch err := s.rdb.Watch(ctx, txf, key); {
	case err == nil:
		return job, nil
	case errors.Is(err, errIDCollision), errors.Is(err, redis.TxFailedErr):
		return nil, StorageError("create job", fmt.Errorf("job id collision: %s", job.ID))
	default:
		return nil, StorageError("create job", err)
	}
}

// Get はジョブ情報を取得します。
func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	id, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	data, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, StorageError("get job", err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, StorageError("decode job", err)
	}
	return &job, nil
}

// ApplyUpdate は WATCH で保護した読み込み→遷移→書き込みを行います。
// 別の書き込みと競合した場合は読み直して再試行します。
func (s *RedisStore) ApplyUpdate(ctx context.Context, id string, t Transition) (*Job, error) {
	id, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	key := jobKey(id)

	var updated *Job
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return err
		}
		var current Job
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		next, err := Apply(&current, t, s.now())
		if err != nil {
			return err
		}
		payload, err := json.Marshal(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if s.ttl > 0 {
				pipe.Set(ctx, key, payload, redis.KeepTTL)
			} else {
				pipe.Set(ctx, key, payload, 0)
			}
			if next.Status != current.Status {
				pipe.ZRem(ctx, statusKey(current.Status), id)
			}
			pipe.ZAdd(ctx, statusKey(next.Status), redis.Z{
				Score:  float64(next.UpdatedAt.UnixMilli()),
				Member: id,
			})
			return nil
		})
		if err != nil {
			return err
		}
		updated = next
		return nil
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		err := s.rdb.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return updated, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidTransition):
			return nil, err
		default:
			return nil, StorageError("update job", err)
		}
	}
	return nil, StorageError("update job", fmt.Errorf("too many concurrent writers for %s", id))
}

// ListStale はステータス別インデックスから古いジョブを取り出します。
// 失効済みのレコードはインデックスからも取り除きます。
func (s *RedisStore) ListStale(ctx context.Context, status Status, olderThan time.Time, limit int) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := s.rdb.ZRangeByScore(ctx, statusKey(status), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("(%d", olderThan.UnixMilli()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, StorageError("list stale jobs", err)
	}

	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidID) {
				_ = s.rdb.ZRem(ctx, statusKey(status), id).Err()
				continue
			}
			return nil, err
		}
		if job.Status != status {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// Close は Redis クライアントを閉じます。
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func statusKey(status Status) string {
	return statusKeyPrefix + strings.ToLower(string(status))
}
