package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	// ErrorCodePendingTimeout は再投入後も PENDING のまま放置されたジョブのエラーコードです。
	ErrorCodePendingTimeout = "PENDING_TIMEOUT"
	// ErrorCodeWorkerTimeout は IN_PROGRESS のまま更新が途絶えたジョブのエラーコードです。
	ErrorCodeWorkerTimeout = "WORKER_TIMEOUT"
)

// ReconcilerOptions は滞留ジョブ掃除の設定です。0 のタイムアウトはその掃除を無効にします。
type ReconcilerOptions struct {
	Schedule          string
	PendingTimeout    time.Duration
	InProgressTimeout time.Duration
	BatchSize         int
}

// Reconciler は一定間隔で滞留ジョブを探し、再投入または FAILED にします。
//   - PENDING が PendingTimeout を超えたら再投入、2 倍を超えたら PENDING_TIMEOUT で失敗
//   - IN_PROGRESS の更新が InProgressTimeout 途絶えたら WORKER_TIMEOUT で失敗
type Reconciler struct {
	store   Store
	manager *Manager
	opts    ReconcilerOptions
	logger  zerolog.Logger
	cron    *cron.Cron
	now     func() time.Time
}

// NewReconciler は Reconciler を作成します。スケジュール式は robfig/cron の記法です。
func NewReconciler(store Store, manager *Manager, opts ReconcilerOptions, logger zerolog.Logger) (*Reconciler, error) {
	if store == nil || manager == nil {
		return nil, errors.New("store and manager are required")
	}
	if opts.Schedule == "" {
		opts.Schedule = "@every 1m"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	logger = logger.With().Str("component", "reconciler").Logger()

	r := &Reconciler{
		store:   store,
		manager: manager,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
	r.cron = cron.New(cron.WithChain(cron.Recover(cronLogger{logger: logger}), cron.SkipIfStillRunning(cronLogger{logger: logger})))
	if _, err := r.cron.AddFunc(opts.Schedule, func() {
		if _, err := r.RunOnce(context.Background()); err != nil {
			r.logger.Error().Err(err).Msg("reconcile run failed")
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", opts.Schedule, err)
	}
	return r, nil
}

// Enabled はいずれかの掃除が有効かどうかを返します。
func (r *Reconciler) Enabled() bool {
	return r.opts.PendingTimeout > 0 || r.opts.InProgressTimeout > 0
}

// Run は ctx が終わるまでスケジュールに従って掃除を実行します。
func (r *Reconciler) Run(ctx context.Context) error {
	if !r.Enabled() {
		return nil
	}
	r.cron.Start()
	r.logger.Info().Str("schedule", r.opts.Schedule).Msg("reconciler started")
	<-ctx.Done()
	stopped := r.cron.Stop()
	<-stopped.Done()
	return nil
}

// ReconcileStats は1回の掃除で処理した件数です。
type ReconcileStats struct {
	Republished int
	Failed      int
}

// RunOnce は滞留ジョブの掃除を1回実行します。
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileStats, error) {
	var stats ReconcileStats
	now := r.now()

	if r.opts.PendingTimeout > 0 {
		stale, err := r.store.ListStale(ctx, StatusPending, now.Add(-r.opts.PendingTimeout), r.opts.BatchSize)
		if err != nil {
			return stats, err
		}
		for _, job := range stale {
			if now.Sub(job.CreatedAt) > 2*r.opts.PendingTimeout {
				if r.fail(ctx, job, abandon(ErrorCodePendingTimeout, "job was not picked up by a worker in time")) {
					stats.Failed++
				}
				continue
			}
			err := r.manager.Republish(ctx, job)
			switch {
			case err == nil:
				// 再投入したことを updatedAt に残し、次回の掃除で二重に拾わない
				stats.Republished++
				r.touch(ctx, job)
			case errors.Is(err, ErrEnqueueFailed):
				stats.Failed++
			case errors.Is(err, ErrConflict):
				r.logger.Debug().Err(err).Str("job_id", job.ID).Msg("job left pending during republish")
			default:
				r.logger.Error().Err(err).Str("job_id", job.ID).Msg("republish failed")
			}
		}
	}

	if r.opts.InProgressTimeout > 0 {
		stale, err := r.store.ListStale(ctx, StatusInProgress, now.Add(-r.opts.InProgressTimeout), r.opts.BatchSize)
		if err != nil {
			return stats, err
		}
		for _, job := range stale {
			if r.fail(ctx, job, Fail(ErrorCodeWorkerTimeout, "worker stopped reporting progress")) {
				stats.Failed++
			}
		}
	}

	if stats.Republished > 0 || stats.Failed > 0 {
		r.logger.Info().Int("republished", stats.Republished).Int("failed", stats.Failed).Msg("reconcile finished")
	}
	return stats, nil
}

func (r *Reconciler) fail(ctx context.Context, job *Job, t Transition) bool {
	updated, err := r.manager.ApplyUpdate(ctx, job.ID, t)
	if err != nil {
		r.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to mark stale job failed")
		return false
	}
	return updated.Status == StatusFailed && updated.ErrorCode == t.ErrorCode
}

// touch は再投入した PENDING ジョブの updatedAt を進めます。
func (r *Reconciler) touch(ctx context.Context, job *Job) {
	if _, err := r.manager.ApplyUpdate(ctx, job.ID, Transition{Kind: TransitionRequeue}); err != nil {
		r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to record republish")
	}
}

// cronLogger は cron のログを zerolog に流します。
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
