package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/yourusername/content-droid/internal/jobs"
)

const maxCASAttempts = 8

// rowAccessor は version 列を使った条件付き更新の読み書きを抽象化します。
type rowAccessor interface {
	load(ctx context.Context, id string) (*jobs.Job, int64, error)
	// swap は version が一致した場合のみ書き込み、書き込めたかどうかを返します。
	swap(ctx context.Context, next *jobs.Job, version int64) (bool, error)
}

// applyWithCAS は読み込み→遷移→条件付き書き込みを、競合がなくなるまで繰り返します。
// 終端状態のチェックは書き込み条件の version に含まれるため、読み込み後に別の
// 書き込みで終端になったジョブを上書きすることはありません。
func applyWithCAS(ctx context.Context, rows rowAccessor, id string, t jobs.Transition, now func() time.Time) (*jobs.Job, error) {
	id, err := jobs.ParseID(id)
	if err != nil {
		return nil, err
	}
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, version, err := rows.load(ctx, id)
		if err != nil {
			return nil, err
		}
		next, err := jobs.Apply(current, t, now())
		if err != nil {
			return nil, err
		}
		ok, err := rows.swap(ctx, next, version)
		if err != nil {
			return nil, jobs.StorageError("update job", err)
		}
		if ok {
			return next, nil
		}
	}
	return nil, jobs.StorageError("update job", fmt.Errorf("too many concurrent writers for %s", id))
}
