package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/content-droid/internal/backoff"
	"github.com/yourusername/content-droid/internal/queue"
)

// ManagerOptions は投入リトライの設定です。
type ManagerOptions struct {
	// PublishMaxAttempts は一時的な失敗を含めた投入の最大試行回数です。
	PublishMaxAttempts int
	PublishRetryBase   time.Duration
	PublishRetryMax    time.Duration
}

// Manager はジョブの作成・投入・状態取得と、ワーカーからの状態更新を担います。
type Manager struct {
	store       Store
	publisher   queue.Publisher
	logger      zerolog.Logger
	retry       backoff.Strategy
	maxAttempts int
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewManager は Manager を初期化します。
func NewManager(store Store, publisher queue.Publisher, logger zerolog.Logger, opts ManagerOptions) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if publisher == nil {
		return nil, errors.New("publisher is nil")
	}
	if opts.PublishMaxAttempts <= 0 {
		opts.PublishMaxAttempts = 3
	}
	if opts.PublishRetryBase <= 0 {
		opts.PublishRetryBase = 200 * time.Millisecond
	}
	if opts.PublishRetryMax <= 0 {
		opts.PublishRetryMax = 2 * time.Second
	}
	return &Manager{
		store:       store,
		publisher:   publisher,
		logger:      logger.With().Str("component", "jobs").Logger(),
		retry:       backoff.NewExponential(opts.PublishRetryBase, opts.PublishRetryMax),
		maxAttempts: opts.PublishMaxAttempts,
		sleep:       backoff.Sleep,
	}, nil
}

// Submit はジョブを PENDING で保存してからキューへ投入し、ジョブIDを返します。
// 投入に確定的に失敗した場合はジョブを ENQUEUE_FAILED で FAILED にし、
// ID とともに ErrEnqueueFailed を返します。
func (m *Manager) Submit(ctx context.Context, params Params) (string, error) {
	params.Prompt = strings.TrimSpace(params.Prompt)
	params.Voice = strings.TrimSpace(params.Voice)
	params.BackgroundType = strings.TrimSpace(params.BackgroundType)
	if params.Prompt == "" {
		return "", fmt.Errorf("%w: prompt is required", ErrInvalidInput)
	}

	job, err := m.store.Create(ctx, params)
	if err != nil {
		return "", err
	}

	// 呼び出し元が切断しても投入と失敗記録は最後まで行う
	detached := context.WithoutCancel(ctx)
	if err := m.publish(detached, job); err != nil {
		current, failErr := m.markEnqueueFailed(detached, job.ID, err)
		if failErr != nil {
			return job.ID, errors.Join(fmt.Errorf("%w: %w", ErrEnqueueFailed, err), failErr)
		}
		if !enqueueFailed(current) {
			// 失敗と報告された投入がワーカーに届いていた
			m.logger.Warn().Err(err).Str("job_id", job.ID).Str("status", string(current.Status)).Msg("publish reported failure but job was picked up")
			return job.ID, nil
		}
		return job.ID, fmt.Errorf("%w: %w", ErrEnqueueFailed, err)
	}

	m.logger.Info().Str("job_id", job.ID).Msg("job enqueued")
	return job.ID, nil
}

// publish は一時的な失敗を上限回数まで再試行します。
func (m *Manager) publish(ctx context.Context, job *Job) error {
	msg := queue.Message{
		ID:             job.ID,
		Prompt:         job.Prompt,
		Voice:          job.Voice,
		BackgroundType: job.BackgroundType,
	}

	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		err := m.publisher.Publish(ctx, msg)
		if err == nil {
			return nil
		}
		lastErr = err
		if !queue.IsTransient(err) {
			break
		}
		m.logger.Warn().Err(err).Str("job_id", job.ID).Int("attempt", attempt).Msg("publish failed, retrying")
		if attempt == m.maxAttempts {
			break
		}
		if err := m.sleep(ctx, m.retry.Delay(attempt)); err != nil {
			break
		}
	}
	return lastErr
}

// markEnqueueFailed は PENDING のままのジョブだけを ENQUEUE_FAILED にし、適用後のジョブを返します。
// 既にワーカーが処理を始めていれば現在の状態がそのまま返ります。
func (m *Manager) markEnqueueFailed(ctx context.Context, jobID string, cause error) (*Job, error) {
	m.logger.Error().Err(cause).Str("job_id", jobID).Msg("enqueue failed definitively, marking job failed")
	job, err := m.ApplyUpdate(ctx, jobID, abandon(ErrorCodeEnqueueFailed, cause.Error()))
	if err != nil {
		m.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to mark job failed after enqueue failure")
		return nil, err
	}
	return job, nil
}

func enqueueFailed(job *Job) bool {
	return job.Status == StatusFailed && job.ErrorCode == ErrorCodeEnqueueFailed
}

// Republish は PENDING のまま滞留しているジョブを再投入します。
// 確定的に失敗した場合は ENQUEUE_FAILED で FAILED にします。
// その間にワーカーがジョブを進めていた場合は状態を変えずに ErrConflict を返します。
func (m *Manager) Republish(ctx context.Context, job *Job) error {
	if job == nil || job.Status != StatusPending {
		return nil
	}
	if err := m.publish(ctx, job); err != nil {
		current, failErr := m.markEnqueueFailed(ctx, job.ID, err)
		if failErr != nil {
			return failErr
		}
		if !enqueueFailed(current) {
			return fmt.Errorf("%w: job %s moved to %s during republish", ErrConflict, job.ID, current.Status)
		}
		return fmt.Errorf("%w: %w", ErrEnqueueFailed, err)
	}
	m.logger.Info().Str("job_id", job.ID).Msg("stale pending job republished")
	return nil
}

// Get はジョブ情報を取得します。
func (m *Manager) Get(ctx context.Context, jobID string) (*Job, error) {
	id, err := ParseID(jobID)
	if err != nil {
		return nil, err
	}
	return m.store.Get(ctx, id)
}

// Status はジョブの状態スナップショットを返します。
func (m *Manager) Status(ctx context.Context, jobID string) (*StatusSnapshot, error) {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job.Snapshot(), nil
}

// Result は COMPLETE のジョブの成果物の場所を返します。
// 未完了の場合は ErrNotReady、FAILED の場合は ErrJobFailed に一致する *NotReadyError を返します。
func (m *Manager) Result(ctx context.Context, jobID string) (string, error) {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Status != StatusComplete {
		return "", &NotReadyError{
			Status:       job.Status,
			ErrorCode:    job.ErrorCode,
			ErrorMessage: job.ErrorMessage,
		}
	}
	return job.ResultLocation, nil
}

// ApplyUpdate はワーカーからの状態更新を適用します。
// 終端状態のジョブへの更新や前提を満たさない更新は冪等な no-op として扱い、
// 現在のジョブをエラーなしで返します。
func (m *Manager) ApplyUpdate(ctx context.Context, jobID string, t Transition) (*Job, error) {
	job, err := m.store.ApplyUpdate(ctx, jobID, t)
	if err == nil {
		m.logger.Debug().Str("job_id", job.ID).Str("kind", string(t.Kind)).Str("status", string(job.Status)).Msg("job updated")
		return job, nil
	}
	if !errors.Is(err, ErrConflict) {
		return nil, err
	}

	m.logger.Info().Err(err).Str("job_id", jobID).Str("kind", string(t.Kind)).Msg("ignoring stale job update")
	return m.store.Get(ctx, jobID)
}

// Shutdown はパブリッシャーを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.publisher.Close()
}
