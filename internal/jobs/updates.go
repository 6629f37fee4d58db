package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// TaskTypeUpdate はワーカーが状態報告に使う asynq タスク種別です。
const TaskTypeUpdate = "video:update"

// UpdatePayload はワーカーからの状態報告タスクのペイロードです。
type UpdatePayload struct {
	ID string `json:"id"`
	Transition
}

// NewUpdateTask はワーカー側で状態報告タスクを組み立てるためのヘルパーです。
func NewUpdateTask(jobID string, t Transition, queueName string) (*asynq.Task, error) {
	body, err := json.Marshal(UpdatePayload{ID: jobID, Transition: t})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeUpdate, body, asynq.Queue(queueName), asynq.MaxRetry(5)), nil
}

// UpdateConsumer は asynq キューからワーカーの状態報告を受け取り、Manager に中継します。
type UpdateConsumer struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	manager *Manager
	logger  zerolog.Logger
}

// NewUpdateConsumer は UpdateConsumer を初期化します。
func NewUpdateConsumer(opt asynq.RedisConnOpt, queueName string, concurrency int, manager *Manager, logger zerolog.Logger) (*UpdateConsumer, error) {
	if manager == nil {
		return nil, errors.New("manager is nil")
	}
	if queueName == "" {
		return nil, errors.New("queue name is required")
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	logger = logger.With().Str("component", "update-consumer").Str("queue", queueName).Logger()

	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queueName: 1,
			},
			Logger: asynqLogger{logger: logger},
		},
	)

	consumer := &UpdateConsumer{
		server:  server,
		mux:     asynq.NewServeMux(),
		manager: manager,
		logger:  logger,
	}
	consumer.mux.HandleFunc(TaskTypeUpdate, consumer.HandleUpdateTask)
	return consumer, nil
}

// Run は ctx が終わるまで asynq サーバーを動かします。
func (c *UpdateConsumer) Run(ctx context.Context) error {
	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("start update consumer: %w", err)
	}
	c.logger.Info().Msg("update consumer started")
	<-ctx.Done()
	c.server.Shutdown()
	c.logger.Info().Msg("update consumer stopped")
	return nil
}

// HandleUpdateTask は状態報告を1件処理します。
// 内容が不正な報告は再試行しても成功しないため SkipRetry を返します。
func (c *UpdateConsumer) HandleUpdateTask(ctx context.Context, task *asynq.Task) error {
	var payload UpdatePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode update payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.ID == "" {
		return fmt.Errorf("missing id in payload: %w", asynq.SkipRetry)
	}
	if !payload.Kind.FromWorker() {
		return fmt.Errorf("unsupported update kind %q: %w", payload.Kind, asynq.SkipRetry)
	}

	job, err := c.manager.ApplyUpdate(ctx, payload.ID, payload.Transition)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidID), errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidTransition):
			c.logger.Warn().Err(err).Str("job_id", payload.ID).Str("kind", string(payload.Kind)).Msg("dropping invalid update")
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		default:
			return err
		}
	}
	c.logger.Debug().Str("job_id", job.ID).Str("status", string(job.Status)).Msg("update applied")
	return nil
}

// asynqLogger は asynq のログを zerolog に流します。
type asynqLogger struct {
	logger zerolog.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.logger.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.logger.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.logger.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.logger.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.logger.Fatal().Msg(fmt.Sprint(args...)) }
